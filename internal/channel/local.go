package channel

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// killGrace is the SIGTERM-to-SIGKILL grace window shared by the
// Subprocess and PTY Channels of both backends (spec §4.1). The Tunnel
// Supervisor keeps its own equal stopGrace.
const killGrace = 5 * time.Second

// LocalBackend spawns agent subprocesses and PTYs directly on the host,
// grounded in gluk-w-claworc/agent/src/services/terminal.go's use of
// os/exec plus github.com/creack/pty.
type LocalBackend struct{}

func NewLocalBackend() *LocalBackend { return &LocalBackend{} }

func (b *LocalBackend) StartProcess(ctx context.Context, spec ProcessSpec) (LineHandle, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Cwd
	cmd.Env = append(os.Environ(), spec.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	h := &localProcess{cmd: cmd, stdin: stdin, done: make(chan struct{})}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	h.alive.Store(true)

	go h.readLines(stdout)
	go h.readStderr(stderr)
	go h.wait()

	return h, nil
}

func (b *LocalBackend) StartPTY(ctx context.Context, spec ProcessSpec, cols, rows uint16) (PTYHandle, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Cwd
	cmd.Env = filterStringEnv(append(os.Environ(), spec.Env...))

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, err
	}

	h := &localPTY{cmd: cmd, f: f, done: make(chan struct{})}
	h.alive.Store(true)
	go h.readLoop()
	go h.wait()
	return h, nil
}

// DefaultShell returns $SHELL, or a platform default if unset (spec §4.2).
func DefaultShell() string {
	if s := os.Getenv("SHELL"); s != "" {
		return s
	}
	if runtime.GOOS == "windows" {
		return "powershell.exe"
	}
	return "/bin/zsh"
}

// filterStringEnv drops empty entries; PTY libraries require an
// all-string environment (spec §4.2).
func filterStringEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, e := range env {
		if e != "" {
			out = append(out, e)
		}
	}
	return out
}

type localProcess struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	mu       sync.Mutex
	onMsg    func(string)
	onErr    func(error)
	onClose  func(int)
	alive    atomic.Bool
	closedMu sync.Mutex
	closed   bool
	done     chan struct{}
}

func (p *localProcess) SetOnMessage(f func(string)) { p.mu.Lock(); p.onMsg = f; p.mu.Unlock() }
func (p *localProcess) SetOnError(f func(error))     { p.mu.Lock(); p.onErr = f; p.mu.Unlock() }
func (p *localProcess) SetOnClose(f func(int))       { p.mu.Lock(); p.onClose = f; p.mu.Unlock() }

func (p *localProcess) IsAlive() bool { return p.alive.Load() }

func (p *localProcess) Send(line string) error {
	if !p.alive.Load() {
		return nil
	}
	_, err := io.WriteString(p.stdin, line+"\n")
	return err
}

func (p *localProcess) readLines(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 {
			continue
		}
		p.mu.Lock()
		cb := p.onMsg
		p.mu.Unlock()
		if cb != nil {
			cb(line)
		}
	}
	if err := scanner.Err(); err != nil {
		p.mu.Lock()
		cb := p.onErr
		p.mu.Unlock()
		if cb != nil {
			cb(err)
		}
	}
}

func (p *localProcess) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		slog.Debug("subprocess stderr", "line", scanner.Text())
	}
}

func (p *localProcess) wait() {
	err := p.cmd.Wait()
	p.alive.Store(false)
	close(p.done)
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	p.fireClose(code)
}

func (p *localProcess) fireClose(code int) {
	p.closedMu.Lock()
	if p.closed {
		p.closedMu.Unlock()
		return
	}
	p.closed = true
	p.closedMu.Unlock()

	p.mu.Lock()
	cb := p.onClose
	p.mu.Unlock()
	if cb != nil {
		cb(code)
	}
}

func (p *localProcess) Kill() {
	p.mu.Lock()
	p.onMsg, p.onErr = nil, nil
	p.mu.Unlock()

	if p.cmd.Process == nil {
		return
	}
	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	timer := time.AfterFunc(killGrace, func() {
		if p.alive.Load() {
			_ = p.cmd.Process.Kill()
		}
	})
	go func() {
		<-p.done
		timer.Stop()
	}()
}

type localPTY struct {
	cmd     *exec.Cmd
	f       *os.File
	mu      sync.Mutex
	onData  func([]byte)
	onClose func(int)
	alive   atomic.Bool
	closed  atomic.Bool
	done    chan struct{}
}

func (t *localPTY) SetOnData(f func([]byte)) { t.mu.Lock(); t.onData = f; t.mu.Unlock() }
func (t *localPTY) SetOnClose(f func(int))   { t.mu.Lock(); t.onClose = f; t.mu.Unlock() }
func (t *localPTY) IsAlive() bool            { return t.alive.Load() }

func (t *localPTY) Write(p []byte) (int, error) {
	if !t.alive.Load() {
		return 0, nil
	}
	return t.f.Write(p)
}

func (t *localPTY) Resize(cols, rows uint16) error {
	return pty.Setsize(t.f, &pty.Winsize{Cols: cols, Rows: rows})
}

func (t *localPTY) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := t.f.Read(buf)
		if n > 0 {
			t.mu.Lock()
			cb := t.onData
			t.mu.Unlock()
			if cb != nil {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				cb(chunk)
			}
		}
		if err != nil {
			return
		}
	}
}

func (t *localPTY) wait() {
	err := t.cmd.Wait()
	t.alive.Store(false)
	close(t.done)
	_ = t.f.Close()
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	if t.closed.CompareAndSwap(false, true) {
		t.mu.Lock()
		cb := t.onClose
		t.mu.Unlock()
		if cb != nil {
			cb(code)
		}
	}
}

func (t *localPTY) Kill() {
	t.mu.Lock()
	t.onData = nil
	t.mu.Unlock()

	if t.cmd.Process == nil {
		_ = t.f.Close()
		return
	}
	_ = t.cmd.Process.Signal(syscall.SIGTERM)
	timer := time.AfterFunc(killGrace, func() {
		if t.alive.Load() {
			_ = t.cmd.Process.Kill()
		}
	})
	go func() {
		<-t.done
		timer.Stop()
	}()
}
