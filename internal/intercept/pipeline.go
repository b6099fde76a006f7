package intercept

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/copilot-bridge/bridge/internal/domain"
	"github.com/copilot-bridge/bridge/internal/rpc"
	"github.com/copilot-bridge/bridge/internal/slot"
)

// AuditSink receives a best-effort record of each operator-visible
// event the Pipeline terminates locally (expansion, SPEC_FULL.md §3).
// A nil sink is valid — every call site checks before using it, since
// the audit log's absence must never affect broker behavior.
type AuditSink interface {
	LogShell(slotID, cwd, command string, exitCode int, durationMs int64)
	LogRename(slotID, title string, ok bool)
}

// Pipeline is the Interception Pipeline (C8). It is stateless across
// slots — all per-slot bookkeeping lives on the Slot itself (spec §5)
// — so one Pipeline instance is shared by every slot in the process.
type Pipeline struct {
	shell  *shellExecutor
	rename *renameWriter
	audit  AuditSink
}

// New returns a Pipeline. audit may be nil.
func New(audit AuditSink) *Pipeline {
	return &Pipeline{
		shell:  newShellExecutor(),
		rename: newRenameWriter(),
		audit:  audit,
	}
}

// ClientToSubprocess applies spec §4.8.1 to one frame read from a
// client WebSocket. It either forwards raw to the subprocess itself,
// or fully handles it (local RPC, cache hit, or replay) without
// forwarding. Malformed frames are forwarded unchanged (spec §4.7
// operation 4: "tolerates malformed JSON by passing the frame through
// unchanged").
func (p *Pipeline) ClientToSubprocess(s *slot.Slot, raw []byte) {
	msg, err := rpc.Decode(raw)
	if err != nil {
		_ = s.SendToSubprocess(raw)
		return
	}

	if msg.IsRequest() {
		switch msg.Method {
		case MethodShell:
			p.handleShell(s, msg)
			return
		case MethodRenameSession:
			p.handleRename(s, msg)
			return
		case MethodInitialize:
			if p.handleHandshakeRequest(s, msg) {
				return
			}
		case MethodSessionLoad:
			if p.handleSessionLoadRequest(s, msg) {
				return
			}
		case MethodSessionNew:
			s.MarkPendingSessionCreate(msg.ID)
		case MethodSessionPrompt:
			p.bufferSyntheticUserMessages(s, msg)
		}
	}

	_ = s.SendToSubprocess(raw)
}

// handleHandshakeRequest implements the three handshake branches of
// §4.8.1. It returns true if the frame was fully handled locally (no
// forward).
func (p *Pipeline) handleHandshakeRequest(s *slot.Slot, msg *rpc.Message) bool {
	state, cached := s.HandshakeState()
	switch state {
	case domain.HandshakeCached:
		resp, err := rpc.NewResult(msg.ID, json.RawMessage(cached))
		if err == nil {
			p.deliver(s, resp)
		}
		return true
	case domain.HandshakeInFlight:
		s.ParkHandshakeWaiter(msg.ID)
		return true
	default: // not-started: no eager init ran for this subprocess lifetime
		s.MarkPendingHandshake(msg.ID)
		return false
	}
}

// handleSessionLoadRequest implements the replay short-circuit of
// §4.6/§4.8.1. It returns true if the load was answered from the
// Replay Buffer without touching the subprocess.
func (p *Pipeline) handleSessionLoadRequest(s *slot.Slot, msg *rpc.Message) bool {
	var params loadParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return false
		}
	}
	buf := s.Buffer(params.SessionID)
	if buf == nil || !buf.HasLoadResult() {
		s.MarkPendingSessionLoad(msg.ID, params.SessionID)
		return false
	}

	loadResult, history := buf.Snapshot()
	resp, err := rpc.NewResult(msg.ID, json.RawMessage(loadResult))
	if err != nil {
		return false
	}
	p.deliver(s, resp)
	for _, n := range history {
		s.DeliverToClient(n)
	}
	return true
}

// bufferSyntheticUserMessages synthesizes one user-message notification
// per text part of a forwarded prompt, appended in prompt order, since
// the subprocess never echoes the user's own input (spec §4.6, §4.8.1).
// Zero text parts produce zero synthetic notifications (spec §8.3).
func (p *Pipeline) bufferSyntheticUserMessages(s *slot.Slot, msg *rpc.Message) {
	var params promptParams
	if len(msg.Params) == 0 {
		return
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return
	}
	buf := s.EnsureBuffer(params.SessionID)
	for _, part := range params.Prompt {
		if part.Type != "text" || part.Text == "" {
			continue
		}
		n, err := rpc.NewRequest(nil, MethodSessionUpdate, newUserMessageUpdate(params.SessionID, part.Text))
		if err != nil {
			continue
		}
		frame, err := rpc.Encode(n)
		if err != nil {
			continue
		}
		buf.Append(frame)
	}
}

// SubprocessToClient applies spec §4.8.2 to one frame read from the
// owned subprocess's stdout. It either resolves a broker-originated
// waiter, populates a cache, buffers a notification, or forwards the
// frame to the attached client (silently dropped if none is attached,
// per spec §5's backpressure policy).
func (p *Pipeline) SubprocessToClient(s *slot.Slot, raw []byte) {
	msg, err := rpc.Decode(raw)
	if err != nil {
		s.DeliverToClient(raw)
		return
	}

	if msg.IsResponse() {
		if s.Replies().Resolve(msg.ID, msg.Result, msg.Error) {
			return
		}
		if rpc.IDEqual(msg.ID, rpc.HandshakeSentinel()) {
			p.cacheEagerHandshake(s, msg)
			return
		}
		if s.TakePendingHandshake(msg.ID) {
			if msg.Error == nil {
				s.CacheHandshake(msg.Result)
			}
			s.DeliverToClient(raw)
			return
		}
		if s.TakePendingSessionCreate(msg.ID) {
			if msg.Error == nil {
				sid := decodeSessionID(msg.Result)
				if sid != "" {
					s.EnsureBuffer(sid).SetLoadResult(msg.Result)
				}
			}
			s.DeliverToClient(raw)
			return
		}
		if sid, ok := s.TakePendingSessionLoad(msg.ID); ok {
			p.resolvePendingSessionLoad(s, sid, msg, raw)
			return
		}
	} else if msg.IsNotification() && msg.Method == MethodSessionUpdate {
		if buf := s.ActiveBuffer(); buf != nil {
			buf.Append(raw)
		}
	}

	s.DeliverToClient(raw)
}

// cacheEagerHandshake populates the slot's handshake cache from the
// eager handshake response and fires any parked client waiters,
// preserving their original request ids (spec §4.3, §4.8.2). The
// eager response is never itself forwarded to any client.
func (p *Pipeline) cacheEagerHandshake(s *slot.Slot, msg *rpc.Message) {
	if msg.Error != nil {
		slog.Warn("eager handshake failed", "slot_id", s.ID(), "error", msg.Error.Message)
		return
	}
	waiters := s.CacheHandshake(msg.Result)
	for _, id := range waiters {
		resp, err := rpc.NewResult(id, json.RawMessage(msg.Result))
		if err != nil {
			continue
		}
		p.deliver(s, resp)
	}
}

// resolvePendingSessionLoad stores a forwarded session/load's result
// into the Replay Buffer (spec §4.8.1 pending-session-load case), and
// implements the "already loaded" edge case of spec §4.6: an error
// response whose message contains that substring is treated as proof
// the session is genuinely live, without fabricating a replay.
func (p *Pipeline) resolvePendingSessionLoad(s *slot.Slot, sessionID string, msg *rpc.Message, raw []byte) {
	switch {
	case msg.Error == nil:
		s.EnsureBuffer(sessionID).SetLoadResult(msg.Result)
	case isAlreadyLoaded(msg.Error.Message):
		s.EnsureBuffer(sessionID)
	}
	s.DeliverToClient(raw)
}

// isAlreadyLoaded matches the subprocess's "already loaded" error by
// substring. Spec §9 flags this as load-bearing but not a stable
// contract of the subprocess — isolated here so it is trivial to
// change.
func isAlreadyLoaded(message string) bool {
	return strings.Contains(message, "already loaded")
}

func (p *Pipeline) deliver(s *slot.Slot, msg *rpc.Message) {
	frame, err := rpc.Encode(msg)
	if err != nil {
		return
	}
	s.DeliverToClient(frame)
}
