package slot

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/copilot-bridge/bridge/internal/rpc"
)

// replyTimeout is the default deadline for a broker-originated request
// waiting on a reply from the subprocess (spec §4.5).
const replyTimeout = 10 * time.Second

// pendingReply is one entry of the Reply-Matching Table (C5): a
// broker-originated request awaiting its response on the subprocess
// output stream.
type pendingReply struct {
	resolve func(result json.RawMessage, errFrame *rpc.Error)
	timer   *time.Timer
}

// ReplyTable is the per-slot map from request id to pending
// continuation for requests the broker itself issued to the
// subprocess — never client-originated ones (spec §4.5). Lookups use
// the string form of the raw JSON id as the map key.
type ReplyTable struct {
	mu      sync.Mutex
	pending map[string]*pendingReply
}

func NewReplyTable() *ReplyTable {
	return &ReplyTable{pending: make(map[string]*pendingReply)}
}

// Register parks resolve under id, rejecting it with a timeout error
// if no response arrives within replyTimeout.
func (t *ReplyTable) Register(id json.RawMessage, resolve func(result json.RawMessage, errFrame *rpc.Error)) {
	key := string(id)
	t.mu.Lock()
	defer t.mu.Unlock()
	entry := &pendingReply{resolve: resolve}
	entry.timer = time.AfterFunc(replyTimeout, func() {
		if e := t.take(key); e != nil {
			e.resolve(nil, &rpc.Error{Code: rpc.ErrInternal, Message: "broker-originated request timed out"})
		}
	})
	t.pending[key] = entry
}

// take removes and returns the entry for key, if present, stopping its
// timer so it fires at most once.
func (t *ReplyTable) take(key string) *pendingReply {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.pending[key]
	if !ok {
		return nil
	}
	delete(t.pending, key)
	e.timer.Stop()
	return e
}

// Resolve delivers a subprocess response to the waiter registered for
// id, if any, and reports whether one was found — a miss means id was
// not broker-originated and the Pipeline must forward it instead
// (spec §4.8.2).
func (t *ReplyTable) Resolve(id json.RawMessage, result json.RawMessage, errFrame *rpc.Error) bool {
	e := t.take(string(id))
	if e == nil {
		return false
	}
	e.resolve(result, errFrame)
	return true
}

// RejectAll fails every outstanding waiter with a shutdown error, used
// when the owning slot's subprocess dies (spec §5 cancellation
// semantics: "Pending broker-originated RPCs reject immediately with a
// shutdown error").
func (t *ReplyTable) RejectAll() {
	t.mu.Lock()
	entries := make([]*pendingReply, 0, len(t.pending))
	for k, e := range t.pending {
		e.timer.Stop()
		entries = append(entries, e)
		delete(t.pending, k)
	}
	t.mu.Unlock()

	for _, e := range entries {
		e.resolve(nil, &rpc.Error{Code: rpc.ErrInternal, Message: "subprocess exited"})
	}
}
