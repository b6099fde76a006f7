package channel

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestLocalBackendStartProcessEchoesLines(t *testing.T) {
	b := NewLocalBackend()
	spec := ProcessSpec{
		Command: "/bin/sh",
		Args:    []string{"-c", "while read -r line; do echo \"echo:$line\"; done"},
		Cwd:     t.TempDir(),
	}

	h, err := b.StartProcess(context.Background(), spec)
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}
	defer h.Kill()

	if !h.IsAlive() {
		t.Fatal("expected the process to be alive right after start")
	}

	received := make(chan string, 1)
	h.SetOnMessage(func(line string) { received <- line })

	if err := h.Send("hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case line := <-received:
		if line != "echo:hello" {
			t.Fatalf("expected echo:hello, got %q", line)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for echoed line")
	}
}

func TestLocalBackendKillTerminatesProcess(t *testing.T) {
	b := NewLocalBackend()
	spec := ProcessSpec{Command: "/bin/sh", Args: []string{"-c", "sleep 30"}, Cwd: t.TempDir()}

	h, err := b.StartProcess(context.Background(), spec)
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}

	var closedMu sync.Mutex
	closedCode := -999
	closed := make(chan struct{})
	h.SetOnClose(func(code int) {
		closedMu.Lock()
		closedCode = code
		closedMu.Unlock()
		close(closed)
	})

	h.Kill()

	select {
	case <-closed:
	case <-time.After(6 * time.Second):
		t.Fatal("expected the process to be reported closed after Kill")
	}
	if h.IsAlive() {
		t.Fatal("expected the process to no longer be alive after Kill")
	}
	_ = closedCode
}

func TestLocalBackendStartPTYRoundTrips(t *testing.T) {
	b := NewLocalBackend()
	spec := ProcessSpec{Command: "/bin/cat", Cwd: t.TempDir()}

	h, err := b.StartPTY(context.Background(), spec, 80, 24)
	if err != nil {
		t.Fatalf("StartPTY: %v", err)
	}
	defer h.Kill()

	var sb strings.Builder
	var mu sync.Mutex
	gotData := make(chan struct{}, 1)
	h.SetOnData(func(p []byte) {
		mu.Lock()
		sb.Write(p)
		mu.Unlock()
		select {
		case gotData <- struct{}{}:
		default:
		}
	})

	if _, err := h.Write([]byte("hi\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		out := sb.String()
		mu.Unlock()
		if strings.Contains(out, "hi") {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("timed out waiting for PTY output to contain the written bytes")
}

func TestLocalBackendResize(t *testing.T) {
	b := NewLocalBackend()
	spec := ProcessSpec{Command: "/bin/cat", Cwd: t.TempDir()}

	h, err := b.StartPTY(context.Background(), spec, 80, 24)
	if err != nil {
		t.Fatalf("StartPTY: %v", err)
	}
	defer h.Kill()

	if err := h.Resize(120, 40); err != nil {
		t.Fatalf("Resize: %v", err)
	}
}
