package slot

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/copilot-bridge/bridge/internal/channel"
	"github.com/copilot-bridge/bridge/internal/domain"
	"github.com/copilot-bridge/bridge/internal/rpc"
)

// fakeProc is an in-memory Subprocess Channel stand-in. It records
// every sent line and lets a test fire onClose/onMessage on demand,
// without touching any real OS process.
type fakeProc struct {
	mu      sync.Mutex
	alive   bool
	sent    []string
	onMsg   func(string)
	onErr   func(error)
	onClose func(int)
}

func newFakeProc() *fakeProc { return &fakeProc{alive: true} }

func (p *fakeProc) Send(line string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.alive {
		return nil
	}
	p.sent = append(p.sent, line)
	return nil
}

func (p *fakeProc) Kill() {
	p.mu.Lock()
	p.alive = false
	p.mu.Unlock()
}

func (p *fakeProc) IsAlive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

func (p *fakeProc) SetOnMessage(f func(string)) { p.mu.Lock(); p.onMsg = f; p.mu.Unlock() }
func (p *fakeProc) SetOnError(f func(error))    { p.mu.Lock(); p.onErr = f; p.mu.Unlock() }
func (p *fakeProc) SetOnClose(f func(int))      { p.mu.Lock(); p.onClose = f; p.mu.Unlock() }

func (p *fakeProc) lastSent() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sent) == 0 {
		return ""
	}
	return p.sent[len(p.sent)-1]
}

func (p *fakeProc) exit(code int) {
	p.mu.Lock()
	p.alive = false
	cb := p.onClose
	p.mu.Unlock()
	if cb != nil {
		cb(code)
	}
}

// fakeBackend hands out a fresh fakeProc per StartProcess call and
// records the specs it was asked to start.
type fakeBackend struct {
	mu    sync.Mutex
	procs []*fakeProc
}

func (b *fakeBackend) StartProcess(ctx context.Context, spec channel.ProcessSpec) (channel.LineHandle, error) {
	p := newFakeProc()
	b.mu.Lock()
	b.procs = append(b.procs, p)
	b.mu.Unlock()
	return p, nil
}

func (b *fakeBackend) StartPTY(ctx context.Context, spec channel.ProcessSpec, cols, rows uint16) (channel.PTYHandle, error) {
	return nil, nil
}

func (b *fakeBackend) latest() *fakeProc {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.procs[len(b.procs)-1]
}

func TestCreateSlotSpawnsAndSendsEagerHandshake(t *testing.T) {
	backend := &fakeBackend{}
	reg := NewRegistry(backend, "agent", nil, nil, 4)

	s, err := reg.CreateSlot("/work")
	if err != nil {
		t.Fatalf("CreateSlot: %v", err)
	}
	if s.State() != domain.SlotActive {
		t.Fatalf("expected slot active after spawn, got %s", s.State())
	}

	line := backend.latest().lastSent()
	if line == "" {
		t.Fatal("expected an eager handshake line to have been sent")
	}
}

func TestRegistryEnforcesCapacityBound(t *testing.T) {
	backend := &fakeBackend{}
	reg := NewRegistry(backend, "agent", nil, nil, 2)

	if _, err := reg.CreateSlot("/a"); err != nil {
		t.Fatalf("CreateSlot 1: %v", err)
	}
	if _, err := reg.CreateSlot("/b"); err != nil {
		t.Fatalf("CreateSlot 2: %v", err)
	}
	if _, err := reg.CreateSlot("/c"); err != ErrRegistryFull {
		t.Fatalf("expected ErrRegistryFull at capacity, got %v", err)
	}
}

func TestGetOrRespawnRestartsDeadSlot(t *testing.T) {
	backend := &fakeBackend{}
	reg := NewRegistry(backend, "agent", nil, nil, 4)

	s, err := reg.CreateSlot("/work")
	if err != nil {
		t.Fatalf("CreateSlot: %v", err)
	}

	backend.latest().exit(0)
	// handleExit runs synchronously from the onClose callback in this
	// fake, so the state transition is visible immediately.
	if s.State() != domain.SlotDead {
		t.Fatalf("expected slot dead after subprocess exit, got %s", s.State())
	}

	respawned, err := reg.GetOrRespawn(s.ID())
	if err != nil {
		t.Fatalf("GetOrRespawn: %v", err)
	}
	if respawned.State() != domain.SlotActive {
		t.Fatalf("expected slot active after respawn, got %s", respawned.State())
	}
	if len(backend.procs) != 2 {
		t.Fatalf("expected a second subprocess to have been spawned, got %d", len(backend.procs))
	}
}

func TestDestroySlotRemovesFromRegistry(t *testing.T) {
	backend := &fakeBackend{}
	reg := NewRegistry(backend, "agent", nil, nil, 4)

	s, err := reg.CreateSlot("/work")
	if err != nil {
		t.Fatalf("CreateSlot: %v", err)
	}

	if err := reg.DestroySlot(s.ID()); err != nil {
		t.Fatalf("DestroySlot: %v", err)
	}
	if _, err := reg.Get(s.ID()); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after destroy, got %v", err)
	}
	if backend.latest().IsAlive() {
		t.Fatal("expected the subprocess to have been killed")
	}
}

func TestSubprocessExitRejectsPendingRepliesAndClosesAttachment(t *testing.T) {
	backend := &fakeBackend{}
	reg := NewRegistry(backend, "agent", nil, nil, 4)

	s, err := reg.CreateSlot("/work")
	if err != nil {
		t.Fatalf("CreateSlot: %v", err)
	}

	rejected := make(chan struct{}, 1)
	s.Replies().Register(json.RawMessage("1"), func(result json.RawMessage, errFrame *rpc.Error) {
		rejected <- struct{}{}
	})

	att := &fakeAttachment{}
	s.Attach(att)

	backend.latest().exit(1)

	select {
	case <-rejected:
	case <-time.After(time.Second):
		t.Fatal("expected the pending reply to be rejected on subprocess exit")
	}

	if !att.closedWith(4100) {
		t.Fatalf("expected attachment closed with 4100, got codes %v", att.codes)
	}
	if s.State() != domain.SlotDead {
		t.Fatalf("expected slot dead, got %s", s.State())
	}
}

func TestShutdownClosesAttachmentsWithGoingAwayAndKillsSubprocesses(t *testing.T) {
	backend := &fakeBackend{}
	reg := NewRegistry(backend, "agent", nil, nil, 4)

	s, err := reg.CreateSlot("/work")
	if err != nil {
		t.Fatalf("CreateSlot: %v", err)
	}

	rejected := make(chan struct{}, 1)
	s.Replies().Register(json.RawMessage("1"), func(result json.RawMessage, errFrame *rpc.Error) {
		rejected <- struct{}{}
	})

	att := &fakeAttachment{}
	s.Attach(att)

	reg.Shutdown()

	select {
	case <-rejected:
	case <-time.After(time.Second):
		t.Fatal("expected the pending reply to be rejected immediately on shutdown")
	}
	if !att.closedWith(1001) {
		t.Fatalf("expected attachment closed with 1001, got codes %v", att.codes)
	}
	if backend.latest().IsAlive() {
		t.Fatal("expected the subprocess to have been killed")
	}
	if _, err := reg.Get(s.ID()); err != ErrNotFound {
		t.Fatalf("expected the slot removed from the registry after shutdown, got %v", err)
	}
}

type fakeAttachment struct {
	mu    sync.Mutex
	codes []int
}

func (a *fakeAttachment) SendToClient(frame []byte) error { return nil }

func (a *fakeAttachment) Close(code int, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.codes = append(a.codes, code)
}

func (a *fakeAttachment) closedWith(code int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.codes {
		if c == code {
			return true
		}
	}
	return false
}
