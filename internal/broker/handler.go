// Package broker implements the Broker WebSocket Endpoint (C7): it
// terminates one client WebSocket, attaches it to exactly one Session
// Slot, and runs the Interception Pipeline (C8) on every frame crossing
// that attachment, in both directions. Grounded in the teacher's
// internal/terminal/websocket.go (upgrade flow, origin check, the
// wsWriter io.Writer adapter pattern) retargeted from a Docker exec
// stream onto a Session Slot's subprocess.
package broker

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/copilot-bridge/bridge/internal/identity"
	"github.com/copilot-bridge/bridge/internal/intercept"
	"github.com/copilot-bridge/bridge/internal/slot"
)

// keepaliveInterval is the WebSocket ping period for the socket's
// lifetime (spec §4.7 operation 3, §4.9).
const keepaliveInterval = 15 * time.Second

// Handler serves the `/ws` agent-protocol broker endpoint (spec §6.2).
type Handler struct {
	registry   *slot.Registry
	pipeline   *intercept.Pipeline
	token      string
	defaultCwd string
	isDev      bool
}

// NewHandler returns a Handler validating the given shared-secret token
// at upgrade. defaultCwd is used when a client connects with no
// slotId and requests a new slot implicitly.
func NewHandler(registry *slot.Registry, pipeline *intercept.Pipeline, token, defaultCwd string, isDev bool) *Handler {
	return &Handler{registry: registry, pipeline: pipeline, token: token, defaultCwd: defaultCwd, isDev: isDev}
}

// ServeHTTP implements http.Handler for the `/ws` upgrade (spec §4.7).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if h.isDev {
		// The front-end's dev server runs on its own port in
		// development, so its Origin never matches this listener's —
		// accept any origin rather than same-origin-only. Outside
		// development the default same-origin check applies.
		opts.OriginPatterns = []string{"*"}
	}
	ws, err := websocket.Accept(w, r, opts)
	if err != nil {
		slog.Error("broker websocket accept failed", "error", err)
		return
	}

	if !identity.Valid(h.token, r.URL.Query().Get("token")) {
		_ = ws.Close(4001, "invalid token")
		return
	}

	s, err := h.resolveSlot(r)
	if err != nil {
		slog.Error("broker failed to resolve slot", "error", err)
		_ = ws.Close(1011, "internal error")
		return
	}

	att := newAttachment(ws)
	s.Attach(att)
	slog.Info("broker client attached", "slot_id", s.ID())

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go att.keepalive(ctx, keepaliveInterval)

	h.readLoop(ctx, s, att, ws)

	s.Detach(att)
	att.close(1000, "client disconnected")
}

func (h *Handler) resolveSlot(r *http.Request) (*slot.Slot, error) {
	if id := r.URL.Query().Get("slotId"); id != "" {
		return h.registry.GetOrRespawn(id)
	}
	cwd := r.URL.Query().Get("cwd")
	if cwd == "" {
		cwd = h.defaultCwd
	}
	return h.registry.CreateSlot(cwd)
}

// readLoop is the client -> subprocess forwarder: every frame read from
// ws is passed through the Interception Pipeline before it touches the
// subprocess (spec §4.7 operation 4). A malformed frame never crashes
// the loop; the Pipeline itself tolerates it (spec §4.7).
func (h *Handler) readLoop(ctx context.Context, s *slot.Slot, att *attachment, ws *websocket.Conn) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				slog.Debug("broker websocket read error", "slot_id", s.ID(), "error", err)
			}
			return
		}
		// A reconnect replaced this attachment already closed it from
		// underneath us — stop reading rather than keep forwarding
		// traffic from a superseded client (spec §8.1 invariant 6).
		if att.closed() {
			return
		}
		h.pipeline.ClientToSubprocess(s, data)
	}
}

// attachment adapts a *websocket.Conn to slot.Attachment. Writes are
// serialized by a mutex since coder/websocket forbids concurrent
// writers on one connection, and close is idempotent (spec §8.1
// invariant 6: a predecessor is closed exactly once).
type attachment struct {
	ws       *websocket.Conn
	writeMu  sync.Mutex
	closeMu  sync.Mutex
	isClosed bool
}

func newAttachment(ws *websocket.Conn) *attachment {
	return &attachment{ws: ws}
}

func (a *attachment) SendToClient(frame []byte) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.ws.Write(ctx, websocket.MessageText, frame)
}

func (a *attachment) Close(code int, reason string) {
	a.close(code, reason)
}

func (a *attachment) close(code int, reason string) {
	a.closeMu.Lock()
	defer a.closeMu.Unlock()
	if a.isClosed {
		return
	}
	a.isClosed = true
	_ = a.ws.Close(websocket.StatusCode(code), reason)
}

func (a *attachment) closed() bool {
	a.closeMu.Lock()
	defer a.closeMu.Unlock()
	return a.isClosed
}

func (a *attachment) keepalive(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := a.ws.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
