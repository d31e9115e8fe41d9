// Command scribe-ctl controls a running scribe-core daemon.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tiroq/scribe/internal/diaglog"
	"github.com/tiroq/scribe/internal/ipc"
	"github.com/tiroq/scribe/internal/pidfile"
	"github.com/tiroq/scribe/internal/session"
)

// Version is set at link time.
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "scribe-ctl:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "scribe-ctl",
		Short:         "Control the scribe-core capture daemon",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newStartCmd(),
		simpleCmd(ipc.CmdPause, "Pause recording and checkpoint the audio"),
		simpleCmd(ipc.CmdResume, "Resume a paused recording"),
		simpleCmd(ipc.CmdEnd, "End the recording and finalize the session"),
		simpleCmd(ipc.CmdCancelDiarization, "Stop polling the diarization job"),
		simpleCmd(ipc.CmdRetry, "Retry a failed or cancelled finalize"),
		simpleCmd(ipc.CmdNewSession, "Discard the finished session and return to idle"),
		simpleCmd(ipc.CmdQuit, "Stop the daemon"),
		newStatusCmd(),
		newDiagCmd(),
	)
	return root
}

// ensureDaemon fails early when no daemon is there to read the command.
func ensureDaemon(dir string) error {
	if _, ok := pidfile.Running(pidfile.PathFor(dir, "scribe-core")); !ok {
		return errors.New("scribe-core is not running")
	}
	return nil
}

func send(req ipc.Request) error {
	dir := ipc.CacheDir()
	if err := ensureDaemon(dir); err != nil {
		return err
	}
	if err := ipc.WriteCommand(dir, req); err != nil {
		return err
	}
	fmt.Printf("sent %s\n", req.Cmd)
	return nil
}

func simpleCmd(c ipc.Command, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(c),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(ipc.Request{Cmd: c})
		},
	}
}

func newStartCmd() *cobra.Command {
	var p session.PatientInfo
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start recording a consultation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := ipc.StartRequest(p)
			if err != nil {
				return err
			}
			return send(req)
		},
	}
	f := cmd.Flags()
	f.StringVar(&p.ID, "patient-id", "", "patient identifier (required)")
	f.StringVar(&p.Name, "name", "", "patient name (required)")
	f.IntVar(&p.Age, "age", 0, "patient age")
	f.StringVar(&p.Sex, "sex", "", "patient sex")
	f.StringVar(&p.Reason, "reason", "", "reason for the visit")
	_ = cmd.MarkFlagRequired("patient-id")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the daemon and session status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ipc.CacheDir()
			status, err := ipc.ReadStatus(dir)
			if err != nil {
				return fmt.Errorf("no status available: %w", err)
			}
			_, running := pidfile.Running(pidfile.PathFor(dir, "scribe-core"))
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			}
			printStatus(status, running)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw status snapshot")
	return cmd
}

func printStatus(s *ipc.StatusSnapshot, running bool) {
	daemon := "stopped"
	if running {
		daemon = fmt.Sprintf("running (pid %d, %s)", s.PID, s.Version)
	}
	backend := "unreachable"
	if s.BackendHealthy {
		backend = "healthy"
	}
	p := s.Pipeline
	fmt.Printf("daemon:   %s\n", daemon)
	fmt.Printf("backend:  %s %s\n", s.BackendURL, backend)
	fmt.Printf("state:    %s (since %s)\n", p.State, p.EnteredAt.Format(time.Kitchen))
	if p.Session != nil {
		fmt.Printf("session:  %s\n", p.Session.ID)
	}
	if p.Patient != nil {
		fmt.Printf("patient:  %s\n", p.Patient.ID)
	}
	fmt.Printf("recorded: %s\n", p.RecordedFor.Round(time.Second))
	fmt.Printf("chunks:   %d total, %d completed, %d failed, %d pending\n",
		p.Stats.Total, p.Stats.Completed, p.Stats.Failed, p.Stats.Pending)
	if p.Stats.AverageLatency > 0 {
		fmt.Printf("latency:  %s avg\n", p.Stats.AverageLatency.Round(time.Millisecond))
	}
	if p.Interim != "" {
		fmt.Printf("preview:  %s\n", p.Interim)
	}
	if p.LastError != "" {
		retry := ""
		if p.Retryable {
			retry = " (retry available)"
		}
		fmt.Printf("error:    %s%s\n", p.LastError, retry)
	}
	if p.HandoffPath != "" {
		fmt.Printf("handoff:  %s\n", p.HandoffPath)
	}
	if s.CommandError != "" {
		fmt.Printf("last command %q failed: %s\n", s.LastCommand, s.CommandError)
	}
}

func newDiagCmd() *cobra.Command {
	diag := &cobra.Command{
		Use:   "diag",
		Short: "Diagnostic log tools",
	}
	var dest string
	export := &cobra.Command{
		Use:   "export",
		Short: "Bundle the diagnostic log for a support request",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			diaglog.Version = Version
			path, lines, err := diaglog.Export(ipc.DiagLogPath(ipc.CacheDir()), dest)
			if err != nil {
				return err
			}
			fmt.Printf("exported %d lines to %s\n", lines, path)
			return nil
		},
	}
	export.Flags().StringVarP(&dest, "output", "o", ".", "destination directory")
	diag.AddCommand(export)
	return diag
}
