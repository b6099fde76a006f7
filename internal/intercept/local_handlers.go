package intercept

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/copilot-bridge/bridge/internal/rpc"
	"github.com/copilot-bridge/bridge/internal/slot"
)

// shellTimeout bounds a locally-terminated `shell` RPC (spec §6.3).
const shellTimeout = 30 * time.Second

type shellParams struct {
	Command string `json:"command"`
}

type shellResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// shellExecutor runs a `shell` RPC's command string in the slot's cwd
// with the 30 s timeout spec §6.3 requires. The subprocess never sees
// any part of this exchange (scenario E, spec §8.4).
type shellExecutor struct{}

func newShellExecutor() *shellExecutor { return &shellExecutor{} }

func (e *shellExecutor) run(cwd, command string) (shellResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), shellTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = cwd

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return shellResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1},
			fmt.Errorf("shell command timed out after %s", shellTimeout)
	}

	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	return shellResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode}, nil
}

func (p *Pipeline) handleShell(s *slot.Slot, msg *rpc.Message) {
	start := time.Now()
	var params shellParams
	if len(msg.Params) == 0 {
		p.deliver(s, rpc.NewError(msg.ID, rpc.ErrInvalidParams, "missing params"))
		return
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.Command == "" {
		p.deliver(s, rpc.NewError(msg.ID, rpc.ErrInvalidParams, "missing command"))
		return
	}

	result, err := p.shell.run(s.Cwd(), params.Command)
	if err != nil {
		p.deliver(s, rpc.NewError(msg.ID, rpc.ErrShellTimeout, err.Error()))
		if p.audit != nil {
			p.audit.LogShell(s.ID(), s.Cwd(), params.Command, result.ExitCode, time.Since(start).Milliseconds())
		}
		return
	}

	resp, err := rpc.NewResult(msg.ID, result)
	if err == nil {
		p.deliver(s, resp)
	}
	if p.audit != nil {
		p.audit.LogShell(s.ID(), s.Cwd(), params.Command, result.ExitCode, time.Since(start).Milliseconds())
	}
}

type renameParams struct {
	Title string `json:"title"`
}

// renameWriter implements the best-effort rename-session write-through
// (spec §4.7, open question in §9): it writes the user-chosen title
// into a file inside the subprocess's own workspace directory. Whether
// the subprocess re-reads this file is unknown and deliberately not
// guessed at — the client is always told the write succeeded.
type renameWriter struct{}

func newRenameWriter() *renameWriter { return &renameWriter{} }

// renameFileName is the workspace file the broker writes a session
// title into. Its name and the subprocess's interpretation of it are
// not part of this broker's contract (spec §9).
const renameFileName = ".copilot-session-title"

func (w *renameWriter) write(cwd, title string) error {
	path := filepath.Join(cwd, renameFileName)
	content := "summary: " + title + "\n"
	return os.WriteFile(path, []byte(content), 0o644)
}

func (p *Pipeline) handleRename(s *slot.Slot, msg *rpc.Message) {
	var params renameParams
	if len(msg.Params) > 0 {
		_ = json.Unmarshal(msg.Params, &params)
	}

	err := p.rename.write(s.Cwd(), params.Title)
	if p.audit != nil {
		p.audit.LogRename(s.ID(), params.Title, err == nil)
	}

	resp, encErr := rpc.NewResult(msg.ID, map[string]bool{"ok": true})
	if encErr == nil {
		p.deliver(s, resp)
	}
}
