package channel

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// Resource limits and retry knobs for the per-slot sandbox container,
// carried over from internal/container/manager.go's EnsureContainer.
const (
	dockerImage             = "bridge-agent-sandbox:latest"
	dockerUser              = "1000"
	dockerMemoryLimitBytes  = 512 * 1024 * 1024
	dockerCPUQuota          = 50000
	dockerPidsLimit         = 256
	dockerCreateRetries     = 20
	dockerCreateRetryDelay  = 250 * time.Millisecond
	dockerStopTimeoutSecs   = 10
	dockerExitPollInterval  = 200 * time.Millisecond
)

// DockerBackend runs each slot's subprocess/PTY as a Docker exec
// session inside a sandbox container named after the process's cwd
// (see containerName), adapted from
// internal/container/manager.go's EnsureContainer/CreateExecSession/
// ResizeExecSession/StopContainer. Chosen by operators who want the
// agent subprocess isolated from the host (spec's Non-goals exclude
// protecting against a hostile subprocess; this backend is an
// additional, opt-in layer on top, not a requirement of the spec).
type DockerBackend struct {
	cli     *client.Client
	runtime string
}

// NewDockerBackend creates a Docker-backed execution backend. runtime
// may be "" for the default runtime or "runsc" for gVisor.
func NewDockerBackend(runtime string) (*DockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerBackend{cli: cli, runtime: runtime}, nil
}

// containerName derives a stable sandbox container name from the
// command's cwd. Callers pass the working directory as Cwd, so every
// slot and terminal started with the same cwd shares one container.
func containerName(spec ProcessSpec) string {
	return "bridge-agent-" + sanitizeName(spec.Cwd)
}

func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

func (b *DockerBackend) ensureSandbox(ctx context.Context, name string) (string, error) {
	inspect, err := b.cli.ContainerInspect(ctx, name)
	if err == nil {
		if !inspect.State.Running {
			if startErr := b.cli.ContainerStart(ctx, inspect.ID, container.StartOptions{}); startErr != nil {
				return "", fmt.Errorf("restart sandbox %s: %w", name, startErr)
			}
		}
		return inspect.ID, nil
	}

	cfg := &container.Config{
		Image:      dockerImage,
		User:       dockerUser,
		Cmd:        []string{"sleep", "infinity"},
		Tty:        false,
	}
	hostCfg := &container.HostConfig{
		Runtime: b.runtime,
		Resources: container.Resources{
			Memory:    dockerMemoryLimitBytes,
			CPUQuota:  dockerCPUQuota,
			PidsLimit: intPtr(dockerPidsLimit),
		},
	}

	var resp container.CreateResponse
	var createErr error
	for i := 0; i < dockerCreateRetries; i++ {
		resp, createErr = b.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
		if createErr == nil {
			break
		}
		errStr := strings.ToLower(createErr.Error())
		if !strings.Contains(errStr, "is already in use") && !strings.Contains(errStr, "conflict") {
			return "", fmt.Errorf("create sandbox %s: %w", name, createErr)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(dockerCreateRetryDelay):
		}
	}
	if createErr != nil {
		return "", fmt.Errorf("create sandbox after retries: %w", createErr)
	}
	if err := b.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start sandbox %s: %w", resp.ID, err)
	}
	slog.Info("sandbox container started", "container_id", resp.ID, "name", name)
	return resp.ID, nil
}

// StopSandbox tears down the named sandbox container, idempotently, via the
// same stop-then-force-remove ladder as the teacher's StopContainer.
func (b *DockerBackend) StopSandbox(ctx context.Context, name string) error {
	inspect, err := b.cli.ContainerInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("inspect sandbox %s: %w", name, err)
	}
	timeout := dockerStopTimeoutSecs
	if err := b.cli.ContainerStop(ctx, inspect.ID, container.StopOptions{Timeout: &timeout}); err != nil && !errdefs.IsNotFound(err) {
		slog.Debug("sandbox stop returned error, continuing to remove", "error", err, "container_id", inspect.ID)
	}
	if err := b.cli.ContainerRemove(ctx, inspect.ID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		return fmt.Errorf("remove sandbox %s: %w", name, err)
	}
	return nil
}

func (b *DockerBackend) StartProcess(ctx context.Context, spec ProcessSpec) (LineHandle, error) {
	name := containerName(spec)
	containerID, err := b.ensureSandbox(ctx, name)
	if err != nil {
		return nil, err
	}

	execCfg := container.ExecOptions{
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		// Tty is forced on even for the line-oriented channel: a
		// non-tty exec multiplexes stdout/stderr behind Docker's
		// stdcopy frame headers, which the NDJSON line scanner below
		// is not prepared to demultiplex. The teacher's CreateExecSession
		// makes the same trade-off for its own exec sessions.
		Tty:  true,
		Cmd:  append([]string{spec.Command}, spec.Args...),
		Env:  spec.Env,
		User: dockerUser,
	}
	resp, err := b.cli.ContainerExecCreate(ctx, containerID, execCfg)
	if err != nil {
		return nil, fmt.Errorf("create exec for subprocess channel: %w", err)
	}
	attach, err := b.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{Tty: true})
	if err != nil {
		return nil, fmt.Errorf("attach exec for subprocess channel: %w", err)
	}

	h := &dockerProcess{backend: b, execID: resp.ID, conn: attach.Conn, reader: attach.Reader, done: make(chan struct{})}
	h.alive.Store(true)
	go h.readLines()
	go h.pollExit()
	return h, nil
}

func (b *DockerBackend) StartPTY(ctx context.Context, spec ProcessSpec, cols, rows uint16) (PTYHandle, error) {
	name := containerName(spec)
	containerID, err := b.ensureSandbox(ctx, name)
	if err != nil {
		return nil, err
	}

	execCfg := container.ExecOptions{
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		Cmd:          append([]string{spec.Command}, spec.Args...),
		Env:          spec.Env,
		User:         dockerUser,
		ConsoleSize:  &[2]uint{uint(rows), uint(cols)},
	}
	resp, err := b.cli.ContainerExecCreate(ctx, containerID, execCfg)
	if err != nil {
		return nil, fmt.Errorf("create exec for pty channel: %w", err)
	}
	attach, err := b.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{Tty: true})
	if err != nil {
		return nil, fmt.Errorf("attach exec for pty channel: %w", err)
	}

	h := &dockerPTY{backend: b, execID: resp.ID, conn: attach.Conn, reader: attach.Reader, done: make(chan struct{})}
	h.alive.Store(true)
	go h.readLoop()
	go h.pollExit()
	return h, nil
}

// dockerProcess and dockerPTY share the same exit-detection strategy:
// the Docker exec API has no blocking wait, so liveness is observed by
// polling ContainerExecInspect. Kill sends no signal: it drops the
// listeners and, if the exec is still running after the grace window,
// closes the attach connection. The sandbox container itself is left
// running; StopSandbox is not called by Kill.

type dockerProcess struct {
	backend *DockerBackend
	execID  string
	conn    interface {
		Write([]byte) (int, error)
		Close() error
	}
	reader  *bufio.Reader
	mu      sync.Mutex
	onMsg   func(string)
	onErr   func(error)
	onClose func(int)
	alive   atomic.Bool
	done    chan struct{}
	closed  atomic.Bool
}

func (p *dockerProcess) SetOnMessage(f func(string)) { p.mu.Lock(); p.onMsg = f; p.mu.Unlock() }
func (p *dockerProcess) SetOnError(f func(error))     { p.mu.Lock(); p.onErr = f; p.mu.Unlock() }
func (p *dockerProcess) SetOnClose(f func(int))       { p.mu.Lock(); p.onClose = f; p.mu.Unlock() }
func (p *dockerProcess) IsAlive() bool                { return p.alive.Load() }

func (p *dockerProcess) Send(line string) error {
	if !p.alive.Load() {
		return nil
	}
	_, err := p.conn.Write([]byte(line + "\n"))
	return err
}

func (p *dockerProcess) readLines() {
	scanner := bufio.NewScanner(p.reader)
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

func (p *dockerProcess) pollExit() {
	ctx := context.Background()
	ticker := time.NewTicker(dockerExitPollInterval)
	defer ticker.Stop()
	for range ticker.C {
		inspect, err := p.backend.cli.ContainerExecInspect(ctx, p.execID)
		if err != nil || !inspect.Running {
			p.alive.Store(false)
			code := 0
			if err == nil {
				code = inspect.ExitCode
			}
			close(p.done)
			if p.closed.CompareAndSwap(false, true) {
				p.mu.Lock()
				cb := p.onClose
				p.mu.Unlock()
				if cb != nil {
					cb(code)
				}
			}
			return
		}
	}
}

func (p *dockerProcess) Kill() {
	p.mu.Lock()
	p.onMsg, p.onErr = nil, nil
	p.mu.Unlock()

	timer := time.AfterFunc(killGrace, func() {
		if p.alive.Load() {
			_ = p.conn.Close()
		}
	})
	go func() {
		<-p.done
		timer.Stop()
	}()
}

type dockerPTY struct {
	backend *DockerBackend
	execID  string
	conn    interface {
		Write([]byte) (int, error)
		Close() error
	}
	reader  *bufio.Reader
	mu      sync.Mutex
	onData  func([]byte)
	onClose func(int)
	alive   atomic.Bool
	done    chan struct{}
	closed  atomic.Bool
}

func (t *dockerPTY) SetOnData(f func([]byte)) { t.mu.Lock(); t.onData = f; t.mu.Unlock() }
func (t *dockerPTY) SetOnClose(f func(int))   { t.mu.Lock(); t.onClose = f; t.mu.Unlock() }
func (t *dockerPTY) IsAlive() bool            { return t.alive.Load() }

func (t *dockerPTY) Write(p []byte) (int, error) {
	if !t.alive.Load() {
		return 0, nil
	}
	return t.conn.Write(p)
}

func (t *dockerPTY) Resize(cols, rows uint16) error {
	return t.backend.cli.ContainerExecResize(context.Background(), t.execID, container.ResizeOptions{
		Height: uint(rows),
		Width:  uint(cols),
	})
}

func (t *dockerPTY) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := t.reader.Read(buf)
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

func (t *dockerPTY) pollExit() {
	ctx := context.Background()
	ticker := time.NewTicker(dockerExitPollInterval)
	defer ticker.Stop()
	for range ticker.C {
		inspect, err := t.backend.cli.ContainerExecInspect(ctx, t.execID)
		if err != nil || !inspect.Running {
			t.alive.Store(false)
			code := 0
			if err == nil {
				code = inspect.ExitCode
			}
			close(t.done)
			if t.closed.CompareAndSwap(false, true) {
				t.mu.Lock()
				cb := t.onClose
				t.mu.Unlock()
				if cb != nil {
					cb(code)
				}
			}
			return
		}
	}
}

func (t *dockerPTY) Kill() {
	t.mu.Lock()
	t.onData = nil
	t.mu.Unlock()

	timer := time.AfterFunc(killGrace, func() {
		if t.alive.Load() {
			_ = t.conn.Close()
		}
	})
	go func() {
		<-t.done
		timer.Stop()
	}()
}

func intPtr(v int64) *int64 { return &v }
