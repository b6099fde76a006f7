package slot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/copilot-bridge/bridge/internal/channel"
	"github.com/copilot-bridge/bridge/internal/domain"
	"github.com/copilot-bridge/bridge/internal/rpc"
)

// MaxSlots is the recommended upper bound on concurrent slots (spec §4.4).
const MaxSlots = 4

// ErrRegistryFull is returned by CreateSlot when the registry's
// configured bound (maxSlots) is already reached.
var ErrRegistryFull = fmt.Errorf("slot registry: at capacity")

// ErrNotFound is returned when a slot id has no matching entry.
var ErrNotFound = fmt.Errorf("slot registry: slot not found")

// SubprocessFrameFunc is invoked once per line the owned subprocess
// emits; the Registry passes each line through unexamined, so the
// eager-handshake response is captured by the hook, not here. Wired by
// the caller to the Interception Pipeline (C8) so this package stays
// ignorant of JSON-RPC method semantics
// (spec §9: "dynamic routing by method name" lives one layer up).
type SubprocessFrameFunc func(s *Slot, frame []byte)

// Registry is the Slot Registry (C4): the process-wide, single-writer
// map of slot id to Slot. Mutating operations serialize through its
// mutex; the teacher's equivalent is terminal.SessionManager's
// map+RWMutex discipline, generalized from per-user to per-slot.
type Registry struct {
	mu    sync.Mutex
	slots map[string]*Slot

	backend  channel.Backend
	command  string
	args     []string
	env      []string
	maxSlots int

	onLine SubprocessFrameFunc
}

// NewRegistry returns a Registry that spawns subprocesses via backend,
// running command/args with extra env, bounded to maxSlots concurrent
// slots (0 or negative means MaxSlots).
func NewRegistry(backend channel.Backend, command string, args, env []string, maxSlots int) *Registry {
	if maxSlots <= 0 {
		maxSlots = MaxSlots
	}
	return &Registry{
		slots:    make(map[string]*Slot),
		backend:  backend,
		command:  command,
		args:     args,
		env:      env,
		maxSlots: maxSlots,
	}
}

// SetSubprocessFrameHook wires the Interception Pipeline's
// subprocess-output handler. Call it before the first CreateSlot: the
// hook is looked up per line, so any frame a subprocess emits while it
// is unset (possibly the eager handshake response) is silently dropped.
func (r *Registry) SetSubprocessFrameHook(f SubprocessFrameFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onLine = f
}

// CreateSlot allocates a fresh slot id scoped to cwd and spawns its
// subprocess eagerly before returning, per spec §4.4.
func (r *Registry) CreateSlot(cwd string) (*Slot, error) {
	r.mu.Lock()
	if len(r.slots) >= r.maxSlots {
		r.mu.Unlock()
		return nil, ErrRegistryFull
	}
	id := uuid.NewString()
	s := newSlot(id, cwd)
	r.slots[id] = s
	r.mu.Unlock()

	if err := r.spawn(s); err != nil {
		r.mu.Lock()
		delete(r.slots, id)
		r.mu.Unlock()
		return nil, fmt.Errorf("spawn subprocess for new slot: %w", err)
	}
	return s, nil
}

// Get returns the slot for id without respawning it.
func (r *Registry) Get(id string) (*Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// GetOrRespawn returns the slot for id, respawning its subprocess if
// DEAD. The Replay Buffer of the prior subprocess lifetime does not
// survive respawn (spec §4.6: buffers are wiped when the subprocess
// dies) — only the slot's identity and registry membership survive.
func (r *Registry) GetOrRespawn(id string) (*Slot, error) {
	r.mu.Lock()
	s, ok := r.slots[id]
	r.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	if s.State() == domain.SlotDead {
		if err := r.spawn(s); err != nil {
			return nil, fmt.Errorf("respawn subprocess: %w", err)
		}
	}
	return s, nil
}

// DestroySlot kills the subprocess and removes the slot entirely.
func (r *Registry) DestroySlot(id string) error {
	r.mu.Lock()
	s, ok := r.slots[id]
	if ok {
		delete(r.slots, id)
	}
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	s.mu.Lock()
	proc := s.proc
	if a := s.attachment; a != nil {
		a.Close(1000, "slot destroyed")
	}
	s.mu.Unlock()

	if proc != nil {
		proc.Kill()
	}
	return nil
}

// Shutdown tears down every slot for a broker-wide shutdown (spec §5):
// each attached client is closed with 1001 ("going away"), every
// outstanding broker-originated RPC rejects immediately rather than
// waiting out its own timeout, and every subprocess is killed via the
// SIGTERM->SIGKILL ladder in C1. Unlike DestroySlot this never returns
// ErrNotFound — it is best-effort over whatever is left in the
// Registry at the instant of the call.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	snapshot := make([]*Slot, 0, len(r.slots))
	for _, s := range r.slots {
		snapshot = append(snapshot, s)
	}
	r.slots = make(map[string]*Slot)
	r.mu.Unlock()

	for _, s := range snapshot {
		s.Replies().RejectAll()

		s.mu.Lock()
		proc := s.proc
		a := s.attachment
		s.attachment = nil
		s.mu.Unlock()

		if a != nil {
			a.Close(1001, "broker shutting down")
		}
		if proc != nil {
			proc.Kill()
		}
	}
}

// ListActive returns a snapshot of every slot's (id, cwd, attached?).
func (r *Registry) ListActive() []domain.SlotInfo {
	r.mu.Lock()
	snapshot := make([]*Slot, 0, len(r.slots))
	for _, s := range r.slots {
		snapshot = append(snapshot, s)
	}
	r.mu.Unlock()

	out := make([]domain.SlotInfo, 0, len(snapshot))
	for _, s := range snapshot {
		out = append(out, domain.SlotInfo{SlotID: s.ID(), Cwd: s.Cwd(), Connected: s.IsAttached()})
	}
	return out
}

// SessionsForCwd returns the in-memory supplement to GET /api/sessions
// (spec §6.1): every agent-session id known to a slot scoped to cwd.
// This is a best-effort in-memory view only — subprocess-advertised
// history (the other half of the "merged list") is the subprocess's own
// concern and is read by the front-end directly via its own RPCs, not
// reconstructed here.
func (r *Registry) SessionsForCwd(cwd string) []domain.SessionInfo {
	r.mu.Lock()
	snapshot := make([]*Slot, 0, len(r.slots))
	for _, s := range r.slots {
		if s.Cwd() == cwd {
			snapshot = append(snapshot, s)
		}
	}
	r.mu.Unlock()

	var out []domain.SessionInfo
	for _, s := range snapshot {
		for _, id := range s.SessionIDs() {
			out = append(out, domain.SessionInfo{AgentSessionID: id, SlotID: s.ID()})
		}
	}
	return out
}

// spawn starts (or restarts) s's owned subprocess and fires the eager
// handshake, implementing the EMPTY/DEAD -> SPAWNING -> ACTIVE
// transitions of spec §4.3.
func (r *Registry) spawn(s *Slot) error {
	s.mu.Lock()
	s.state = domain.SlotSpawning
	s.mu.Unlock()

	spec := channel.ProcessSpec{Command: r.command, Args: r.args, Cwd: s.Cwd(), Env: r.env}
	proc, err := r.backend.StartProcess(context.Background(), spec)
	if err != nil {
		s.mu.Lock()
		s.state = domain.SlotDead
		s.mu.Unlock()
		return err
	}

	proc.SetOnMessage(func(line string) { r.handleLine(s, []byte(line)) })
	proc.SetOnError(func(err error) { slog.Warn("subprocess stream error", "slot_id", s.ID(), "error", err) })
	proc.SetOnClose(func(code int) { r.handleExit(s, code) })

	s.mu.Lock()
	s.proc = proc
	s.state = domain.SlotActive
	s.handshakeState = domain.HandshakeInFlight
	s.mu.Unlock()

	r.sendEagerHandshake(s)
	slog.Info("slot subprocess spawned", "slot_id", s.ID(), "cwd", s.Cwd())
	return nil
}

func (r *Registry) sendEagerHandshake(s *Slot) {
	req, err := rpc.NewRequest(rpc.HandshakeSentinel(), "initialize", nil)
	if err != nil {
		slog.Error("encode eager handshake", "slot_id", s.ID(), "error", err)
		return
	}
	line, err := rpc.Encode(req)
	if err != nil {
		slog.Error("encode eager handshake", "slot_id", s.ID(), "error", err)
		return
	}
	if err := s.SendToSubprocess(line); err != nil {
		slog.Warn("send eager handshake", "slot_id", s.ID(), "error", err)
	}
}

func (r *Registry) handleLine(s *Slot, line []byte) {
	r.mu.Lock()
	hook := r.onLine
	r.mu.Unlock()
	if hook != nil {
		hook(s, line)
	}
}

// handleExit runs the fatal-transport-failure teardown for s's
// subprocess (spec §5): reject all broker-originated waiters, force
// the attached client closed with 4100 so its reconnect logic can
// differentiate a bridge death from a normal close, and wipe every
// piece of state scoped to that subprocess lifetime.
func (r *Registry) handleExit(s *Slot, code int) {
	slog.Info("slot subprocess exited", "slot_id", s.ID(), "code", code)
	s.Replies().RejectAll()

	s.mu.Lock()
	a := s.attachment
	s.attachment = nil
	s.mu.Unlock()
	if a != nil {
		a.Close(4100, "subprocess exited")
	}
	s.clearSubprocessState()
}
