// Package channel implements the Subprocess Channel (C1) and PTY
// Channel (C2): owned child processes exposing, respectively, a
// line-oriented and a byte-oriented bidirectional stream. Two
// interchangeable backends satisfy the same contracts — a direct
// os/exec + creack/pty backend for the common case, and an opt-in
// Docker-exec backend for operators who want the subprocess sandboxed.
package channel

import "context"

// ProcessSpec describes the child process to start. Env holds only the
// extra KEY=VALUE pairs to layer on top of the parent environment —
// callers never need to enumerate the full environment themselves.
type ProcessSpec struct {
	Command string
	Args    []string
	Cwd     string
	Env     []string
}

// LineHandle is the Subprocess Channel contract (spec §4.1). Callback
// setters are one-slot each; the last registration wins, matching the
// teacher's single-listener callback idiom.
type LineHandle interface {
	// Send writes line, newline-terminated exactly once. Calling Send
	// after the process has exited is a silent no-op.
	Send(line string) error
	// Kill removes listeners, then sends SIGTERM followed by SIGKILL
	// after a 5-second grace window if the process has not exited.
	Kill()
	IsAlive() bool
	SetOnMessage(func(line string))
	SetOnError(func(err error))
	SetOnClose(func(code int))
}

// PTYHandle is the PTY Channel contract (spec §4.2): identical shape to
// LineHandle but byte-oriented, with a resize operation.
type PTYHandle interface {
	Write(p []byte) (int, error)
	Resize(cols, rows uint16) error
	Kill()
	IsAlive() bool
	SetOnData(func(p []byte))
	SetOnClose(func(code int))
}

// Backend starts the owned processes behind LineHandle/PTYHandle. A
// broker runs exactly one Backend implementation for its whole process
// lifetime (SPEC_FULL.md §4) — the choice is a startup-time config
// flag, not a per-slot decision.
type Backend interface {
	StartProcess(ctx context.Context, spec ProcessSpec) (LineHandle, error)
	StartPTY(ctx context.Context, spec ProcessSpec, cols, rows uint16) (PTYHandle, error)
}
