// Package ipc is the file-based control channel between scribe-ctl and
// scribe-core: commands go through cmd.txt, state comes back through
// status.json, both in the cache directory.
package ipc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tiroq/scribe/internal/session"
)

// Command is a control request sent to the daemon.
type Command string

const (
	CmdStart             Command = "start" // argument: patient JSON
	CmdPause             Command = "pause"
	CmdResume            Command = "resume"
	CmdEnd               Command = "end"
	CmdCancelDiarization Command = "cancel-diarization"
	CmdRetry             Command = "retry"
	CmdNewSession        Command = "new-session"
	CmdQuit              Command = "quit"
)

// Known reports whether c is a command the daemon understands.
func (c Command) Known() bool {
	switch c {
	case CmdStart, CmdPause, CmdResume, CmdEnd, CmdCancelDiarization, CmdRetry, CmdNewSession, CmdQuit:
		return true
	}
	return false
}

// Request is a command with its optional argument.
type Request struct {
	Cmd Command
	Arg string
}

func (r Request) String() string {
	if r.Arg == "" {
		return string(r.Cmd)
	}
	return string(r.Cmd) + " " + r.Arg
}

// ParseRequest parses "cmd [arg]". Unknown commands yield the zero Request.
func ParseRequest(line string) Request {
	line = strings.TrimSpace(line)
	name, arg, _ := strings.Cut(line, " ")
	cmd := Command(name)
	if !cmd.Known() {
		return Request{}
	}
	return Request{Cmd: cmd, Arg: strings.TrimSpace(arg)}
}

// StartRequest builds the start command for patient.
func StartRequest(p session.PatientInfo) (Request, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return Request{}, err
	}
	return Request{Cmd: CmdStart, Arg: string(data)}, nil
}

// Patient decodes the start argument.
func (r Request) Patient() (session.PatientInfo, error) {
	var p session.PatientInfo
	if r.Arg == "" {
		return p, fmt.Errorf("start requires patient info")
	}
	if err := json.Unmarshal([]byte(r.Arg), &p); err != nil {
		return p, fmt.Errorf("decode patient info: %w", err)
	}
	return p, nil
}

// CacheDir returns $SCRIBE_CACHE_DIR, or ~/.cache/scribe.
func CacheDir() string {
	if dir := os.Getenv("SCRIBE_CACHE_DIR"); dir != "" {
		return dir
	}
	return filepath.Join(os.Getenv("HOME"), ".cache", "scribe")
}

// CommandPath returns dir/cmd.txt.
func CommandPath(dir string) string { return filepath.Join(dir, "cmd.txt") }

// WriteCommand writes req to dir/cmd.txt.
func WriteCommand(dir string, req Request) error {
	if !req.Cmd.Known() {
		return fmt.Errorf("unknown command %q", req.Cmd)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(CommandPath(dir), []byte(req.String()), 0600)
}

// ReadCommand reads and clears dir/cmd.txt. It returns the zero Request
// when nothing valid is pending.
func ReadCommand(dir string) (Request, error) {
	path := CommandPath(dir)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Request{}, nil
		}
		return Request{}, err
	}
	if len(data) == 0 {
		return Request{}, nil
	}
	// Clear immediately so the command runs once.
	if err := os.WriteFile(path, nil, 0600); err != nil {
		return Request{}, err
	}
	return ParseRequest(string(data)), nil
}

// DiagLogPath returns $SCRIBE_LOG_PATH, or dir/scribe-debug.ndjson.
func DiagLogPath(dir string) string {
	if p := os.Getenv("SCRIBE_LOG_PATH"); p != "" {
		return p
	}
	return filepath.Join(dir, "scribe-debug.ndjson")
}
