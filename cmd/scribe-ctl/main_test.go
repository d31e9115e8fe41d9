package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/tiroq/scribe/internal/ipc"
	"github.com/tiroq/scribe/internal/pipeline"
	"github.com/tiroq/scribe/internal/statemachine"
	"github.com/tiroq/scribe/testutil"
)

func execute(t *testing.T, args ...string) error {
	t.Helper()
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	return root.Execute()
}

func TestCommandsRegistered(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"start", "pause", "resume", "end", "cancel-diarization", "retry", "new-session", "quit", "status", "diag"} {
		if _, _, err := root.Find([]string{name}); err != nil {
			t.Errorf("command %q missing: %v", name, err)
		}
	}
}

func TestSendRequiresRunningDaemon(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SCRIBE_CACHE_DIR", dir)

	err := execute(t, "pause")
	if err == nil || !strings.Contains(err.Error(), "not running") {
		t.Fatalf("expected not running error, got %v", err)
	}
	if _, err := os.Stat(ipc.CommandPath(dir)); !os.IsNotExist(err) {
		t.Errorf("command file written without a daemon")
	}
}

func TestSendWritesCommandForLiveDaemon(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SCRIBE_CACHE_DIR", dir)
	// This test process stands in for the daemon.
	pidPath := filepath.Join(dir, "scribe-core.pid")
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		t.Fatal(err)
	}

	testutil.AssertNoError(t, execute(t, "start", "--patient-id", "p-1", "--name", "Ana", "--age", "41"), "start")

	req, err := ipc.ReadCommand(dir)
	testutil.AssertNoError(t, err, "read command")
	testutil.AssertEqual(t, ipc.CmdStart, req.Cmd, "command")
	p, err := req.Patient()
	testutil.AssertNoError(t, err, "patient")
	testutil.AssertEqual(t, "p-1", p.ID, "patient id")
	testutil.AssertEqual(t, 41, p.Age, "patient age")
}

func TestStartRequiresPatient(t *testing.T) {
	t.Setenv("SCRIBE_CACHE_DIR", t.TempDir())
	if err := execute(t, "start", "--name", "Ana"); err == nil {
		t.Fatal("start without --patient-id succeeded")
	}
}

func TestStatusJSON(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SCRIBE_CACHE_DIR", dir)

	if err := execute(t, "status"); err == nil {
		t.Fatal("status without a status file succeeded")
	}

	err := ipc.WriteStatus(dir, &ipc.StatusSnapshot{
		Timestamp: time.Now(),
		PID:       1,
		Pipeline:  pipeline.Snapshot{State: statemachine.Idle},
	})
	testutil.AssertNoError(t, err, "write status")
	testutil.AssertNoError(t, execute(t, "status", "--json"), "status --json")
	testutil.AssertNoError(t, execute(t, "status"), "status")
}
