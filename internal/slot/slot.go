// Package slot implements the Session Slot (C3) and Slot Registry (C4):
// the durable broker-side handle for one working-directory-scoped chat,
// and the process-wide collection that owns their lifecycle.
package slot

import (
	"encoding/json"
	"sync"

	"github.com/copilot-bridge/bridge/internal/channel"
	"github.com/copilot-bridge/bridge/internal/domain"
	"github.com/copilot-bridge/bridge/internal/replay"
)

// Attachment is the broker's view of one attached client WebSocket —
// implemented by internal/broker so that this package stays ignorant
// of WebSocket wire details (spec §9: break the Slot/Channel cycle via
// an explicit handle, not a direct reference back into the transport).
type Attachment interface {
	// SendToClient writes one serialized JSON-RPC frame to the client.
	SendToClient(frame []byte) error
	// Close ends the attachment with the given WebSocket close code.
	Close(code int, reason string)
}

type handshakeWaiter struct {
	clientID json.RawMessage
}

// Slot is the Session Slot (C3). All mutation of its fields flows
// through its own mutex — the "single-threaded per slot" discipline
// spec §5 requires, since the two interception directions and the
// subprocess reader for one slot are meant to behave as one
// slot-local actor even though they run on different goroutines.
type Slot struct {
	mu sync.Mutex

	id    string
	cwd   string
	state domain.SlotState

	proc channel.LineHandle

	handshakeState domain.HandshakeState
	handshakeCache json.RawMessage
	handshakeWait  []handshakeWaiter

	attachment Attachment

	replies *ReplyTable

	activeSessionID string
	buffers         map[string]*replay.Buffer

	pendingHandshake     map[string]struct{}
	pendingSessionCreate map[string]struct{}
	pendingSessionLoad   map[string]string // id -> agentSessionId
}

func newSlot(id, cwd string) *Slot {
	return &Slot{
		id:                   id,
		cwd:                  cwd,
		state:                domain.SlotEmpty,
		replies:              NewReplyTable(),
		buffers:              make(map[string]*replay.Buffer),
		pendingHandshake:     make(map[string]struct{}),
		pendingSessionCreate: make(map[string]struct{}),
		pendingSessionLoad:   make(map[string]string),
	}
}

func (s *Slot) ID() string  { return s.id }
func (s *Slot) Cwd() string { return s.cwd }

func (s *Slot) State() domain.SlotState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsAttached reports whether a client WebSocket currently targets this
// slot (spec §3.1 "Client WebSocket Attachment").
func (s *Slot) IsAttached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attachment != nil
}

// Attach binds a to this slot, closing any predecessor
// (single-attachment-per-slot, spec §3.1, §8.1 invariant 1/6). The
// predecessor is closed with a non-error code and the subprocess is
// never touched.
func (s *Slot) Attach(a Attachment) {
	s.mu.Lock()
	prev := s.attachment
	s.attachment = a
	s.handshakeWait = nil
	s.mu.Unlock()

	if prev != nil {
		prev.Close(1000, "replaced by new attachment")
	}
}

// Detach clears the attachment iff it still matches a (a stale detach
// from an already-replaced attachment is a no-op).
func (s *Slot) Detach(a Attachment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attachment == a {
		s.attachment = nil
		s.handshakeWait = nil
	}
}

func (s *Slot) currentAttachment() Attachment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attachment
}

// SendToSubprocess writes one already-serialized line to the owned
// Subprocess Channel. A nil/dead channel silently drops the write,
// matching C1's "send after exit is silently dropped" contract.
func (s *Slot) SendToSubprocess(line []byte) error {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc == nil || !proc.IsAlive() {
		return nil
	}
	return proc.Send(string(line))
}

func (s *Slot) Replies() *ReplyTable { return s.replies }

// HandshakeState returns the slot's current eager-handshake state and,
// if cached, the cached result bytes (spec §3.1, §4.3).
func (s *Slot) HandshakeState() (domain.HandshakeState, json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshakeState, s.handshakeCache
}

func (s *Slot) setHandshakeInFlight() {
	s.mu.Lock()
	s.handshakeState = domain.HandshakeInFlight
	s.mu.Unlock()
}

// ParkHandshakeWaiter remembers a client request id to answer once the
// handshake cache populates (spec §4.8.1, cache in-flight case).
func (s *Slot) ParkHandshakeWaiter(clientID json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := append(json.RawMessage(nil), clientID...)
	s.handshakeWait = append(s.handshakeWait, handshakeWaiter{clientID: id})
}

// MarkPendingHandshake records that a handshake request was forwarded
// (cache was empty) so its response can also be cached (spec §4.8.1).
func (s *Slot) MarkPendingHandshake(id json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingHandshake[string(id)] = struct{}{}
}

// TakePendingHandshake reports and clears whether id was forwarded
// pending a handshake cache fill.
func (s *Slot) TakePendingHandshake(id json.RawMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := string(id)
	if _, ok := s.pendingHandshake[key]; !ok {
		return false
	}
	delete(s.pendingHandshake, key)
	return true
}

// CacheHandshake populates the handshake cache once (write-once per
// subprocess lifetime, spec §5) and returns the waiters to notify.
func (s *Slot) CacheHandshake(result json.RawMessage) []json.RawMessage {
	s.mu.Lock()
	if s.handshakeState == domain.HandshakeCached {
		s.mu.Unlock()
		return nil
	}
	s.handshakeCache = append(json.RawMessage(nil), result...)
	s.handshakeState = domain.HandshakeCached
	waiters := s.handshakeWait
	s.handshakeWait = nil
	s.mu.Unlock()

	ids := make([]json.RawMessage, len(waiters))
	for i, w := range waiters {
		ids[i] = w.clientID
	}
	return ids
}

// DeliverToClient writes frame to the currently attached client, if
// any. A detached slot silently drops the frame, matching the
// backpressure policy in spec §5 ("if a frame cannot be forwarded
// because the peer is closed, it is dropped silently").
func (s *Slot) DeliverToClient(frame []byte) {
	if a := s.currentAttachment(); a != nil {
		_ = a.SendToClient(frame)
	}
}

// MarkPendingSessionCreate records a forwarded agent-session-creation
// request id so its response's agent-session id can be captured.
func (s *Slot) MarkPendingSessionCreate(id json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingSessionCreate[string(id)] = struct{}{}
}

func (s *Slot) TakePendingSessionCreate(id json.RawMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := string(id)
	if _, ok := s.pendingSessionCreate[key]; !ok {
		return false
	}
	delete(s.pendingSessionCreate, key)
	return true
}

// MarkPendingSessionLoad records a forwarded agent-session-load request
// id, associated with the agentSessionId it targets, so the response
// can be stored as that session's cached load result.
func (s *Slot) MarkPendingSessionLoad(id json.RawMessage, agentSessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingSessionLoad[string(id)] = agentSessionID
}

func (s *Slot) TakePendingSessionLoad(id json.RawMessage) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := string(id)
	sid, ok := s.pendingSessionLoad[key]
	if ok {
		delete(s.pendingSessionLoad, key)
	}
	return sid, ok
}

// EnsureBuffer returns the Replay Buffer for agentSessionID, creating
// an empty one if absent, and makes it the slot's active buffer (spec
// §4.6: "created the first time the broker observes an
// agent-session-creation response or prompt-send on a slot").
func (s *Slot) EnsureBuffer(agentSessionID string) *replay.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buffers[agentSessionID]
	if !ok {
		b = replay.New()
		s.buffers[agentSessionID] = b
	}
	s.activeSessionID = agentSessionID
	return b
}

// Buffer returns the Replay Buffer for agentSessionID, or nil if the
// slot has never seen that session (spec §4.6 replay-protocol lookup).
func (s *Slot) Buffer(agentSessionID string) *replay.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffers[agentSessionID]
}

// SessionIDs returns the agent-session ids this slot currently knows
// about, for the in-memory supplement to GET /api/sessions (spec §6.1).
func (s *Slot) SessionIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.buffers))
	for id := range s.buffers {
		ids = append(ids, id)
	}
	return ids
}

// ActiveBuffer returns the buffer notifications should currently be
// appended to, or nil if no agent-session is active yet.
func (s *Slot) ActiveBuffer() *replay.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeSessionID == "" {
		return nil
	}
	return s.buffers[s.activeSessionID]
}

// clearSubprocessState wipes everything scoped to one subprocess
// lifetime — buffers, pending tables, handshake cache and waiters —
// when that subprocess exits (spec §3.1, §4.6, §5).
func (s *Slot) clearSubprocessState() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proc = nil
	s.state = domain.SlotDead
	s.handshakeState = domain.HandshakeNotStarted
	s.handshakeCache = nil
	s.handshakeWait = nil
	s.buffers = make(map[string]*replay.Buffer)
	s.activeSessionID = ""
	s.pendingHandshake = make(map[string]struct{})
	s.pendingSessionCreate = make(map[string]struct{})
	s.pendingSessionLoad = make(map[string]string)
}
