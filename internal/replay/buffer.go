// Package replay implements the Replay Buffer (C6): per-agent-session
// history used to reconstruct a reconnecting client's view without
// touching the subprocess (spec §4.6).
package replay

import (
	"encoding/json"
	"sync"
)

// Buffer holds one agent-session's replayable history: the cached
// result of the agent-session-creation (or -load) response, plus the
// ordered notifications observed since, including synthetic
// user-message notifications the broker itself constructs.
//
// Entries are append-only within the agent-session's life and are
// wiped atomically with the owning slot's subprocess (spec §4.6). The
// two interception directions for a slot append from different
// goroutines (synthetic user messages from the client reader, session
// updates from the subprocess reader), so the mutex serializes those
// writers as well as readers such as a replay snapshot.
type Buffer struct {
	mu         sync.Mutex
	loadResult json.RawMessage
	history    []json.RawMessage
}

// New returns an empty buffer with no cached load result yet.
func New() *Buffer {
	return &Buffer{}
}

// SetLoadResult caches the serialized result frame of the
// agent-session-creation or agent-session-load response.
func (b *Buffer) SetLoadResult(frame json.RawMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loadResult = append(json.RawMessage(nil), frame...)
}

// HasLoadResult reports whether a load result has been cached yet.
func (b *Buffer) HasLoadResult() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loadResult != nil
}

// Append adds one serialized notification frame to the ordered
// history, preserving the order the broker observed or forwarded it.
func (b *Buffer) Append(frame json.RawMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = append(b.history, append(json.RawMessage(nil), frame...))
}

// Snapshot returns the cached load result and the full ordered history
// at the instant of the call — the exact sequence §8.1(4) requires a
// replay to reproduce: { loadResult, N1, ..., Nk }.
func (b *Buffer) Snapshot() (loadResult json.RawMessage, history []json.RawMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := make([]json.RawMessage, len(b.history))
	copy(h, b.history)
	return b.loadResult, h
}
