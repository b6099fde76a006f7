// Package terminalws implements the Terminal WebSocket Endpoint (C9):
// one client WebSocket bound to one freshly spawned PTY Channel, with a
// small JSON wire framing on top of raw PTY bytes (spec §4.9). Sessions
// are not kept alive across disconnects — the PTY dies with the socket.
// Grounded in the teacher's internal/terminal/websocket.go (upgrade
// flow, wsWriter adapter, input/output goroutine pair), retargeted from
// a Docker exec stream onto a directly-owned channel.PTYHandle.
package terminalws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/copilot-bridge/bridge/internal/channel"
	"github.com/copilot-bridge/bridge/internal/identity"
)

const keepaliveInterval = 15 * time.Second

const (
	defaultCols = 80
	defaultRows = 24
)

// wireFrame is the small JSON wire format of spec §4.9.
type wireFrame struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`
	Code int    `json:"code,omitempty"`
}

// Handler serves the `/ws/terminal` endpoint (spec §6.2).
type Handler struct {
	backend    channel.Backend
	token      string
	defaultCwd string
}

// NewHandler returns a Handler spawning PTYs via backend.
func NewHandler(backend channel.Backend, token, defaultCwd string) *Handler {
	return &Handler{backend: backend, token: token, defaultCwd: defaultCwd}
}

// ServeHTTP implements http.Handler for the `/ws/terminal` upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		slog.Error("terminal websocket accept failed", "error", err)
		return
	}

	if !identity.Valid(h.token, r.URL.Query().Get("token")) {
		_ = ws.Close(4001, "invalid token")
		return
	}

	cwd := r.URL.Query().Get("cwd")
	if cwd == "" {
		cwd = h.defaultCwd
	}

	spec := channel.ProcessSpec{Command: channel.DefaultShell(), Cwd: cwd}
	pty, err := h.backend.StartPTY(r.Context(), spec, defaultCols, defaultRows)
	if err != nil {
		slog.Error("failed to spawn terminal pty", "error", err)
		_ = ws.Close(1011, "internal error")
		return
	}
	defer pty.Kill()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	w2 := &writer{ws: ws}
	go w2.keepalive(ctx, keepaliveInterval)

	pty.SetOnData(func(p []byte) { w2.sendData(p) })
	pty.SetOnClose(func(code int) {
		w2.sendExit(code)
		cancel()
	})

	h.readLoop(ctx, ws, pty)
}

// readLoop is the client -> PTY forwarder: it decodes each wire frame
// and either writes bytes into the PTY or applies a resize (spec §4.9
// table). The PTY -> client direction runs on the PTY's own read
// goroutine via SetOnData above.
func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, pty channel.PTYHandle) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		var frame wireFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case "data":
			raw, err := base64.StdEncoding.DecodeString(frame.Data)
			if err != nil {
				raw = []byte(frame.Data)
			}
			if _, err := pty.Write(raw); err != nil {
				return
			}
		case "resize":
			if err := pty.Resize(frame.Cols, frame.Rows); err != nil {
				slog.Debug("terminal resize failed", "error", err)
			}
		}
	}
}

// writer serializes wire frames onto ws; coder/websocket forbids
// concurrent writers on one connection.
type writer struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (w *writer) write(v wireFrame) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.ws.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Debug("terminal websocket write failed", "error", err)
	}
}

func (w *writer) sendData(p []byte) {
	w.write(wireFrame{Type: "data", Data: base64.StdEncoding.EncodeToString(p)})
}

func (w *writer) sendExit(code int) {
	w.write(wireFrame{Type: "exit", Code: code})
}

func (w *writer) keepalive(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.Lock()
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := w.ws.Ping(pingCtx)
			cancel()
			w.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
