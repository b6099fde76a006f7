// Package api provides the broker's HTTP endpoints (spec §6.1): slot
// lifecycle, token issuance, and terminal cwd discovery. Unlike the
// teacher's handlers, these require no authentication at all — spec §6.1
// is explicit that every HTTP response "requires no authentication beyond
// being served on the broker's own port."
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"

	"github.com/copilot-bridge/bridge/internal/audit"
	"github.com/copilot-bridge/bridge/internal/slot"
)

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// Handler serves the slot-lifecycle and token endpoints of spec §6.1.
type Handler struct {
	registry   *slot.Registry
	audit      *audit.Logger
	token      string
	defaultCwd string
}

// NewHandler returns a Handler backed by registry. token is handed back
// verbatim to the front-end by GET /api/token so it can authenticate its
// subsequent WebSocket upgrades.
func NewHandler(registry *slot.Registry, auditLog *audit.Logger, token, defaultCwd string) *Handler {
	return &Handler{registry: registry, audit: auditLog, token: token, defaultCwd: defaultCwd}
}

// RegisterRoutes registers the spec §6.1 routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/token", h.GetToken)
		r.Post("/sessions/create", h.CreateSession)
		r.Get("/sessions/active", h.ListActive)
		r.Delete("/sessions/active/{slotId}", h.DestroySlot)
		r.Get("/terminal/cwd", h.TerminalCwd)
		r.Get("/sessions", h.ListSessions)
	})
}

// GetToken issues the session token and default cwd (spec §6.1 row 1).
func (h *Handler) GetToken(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]string{
		"token": h.token,
		"cwd":   h.defaultCwd,
	})
}

// CreateSession allocates a slot scoped to the requested cwd (spec §6.1
// row 2), defaulting to the broker's default cwd when none is given.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Cwd string `json:"cwd"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	cwd := body.Cwd
	if cwd == "" {
		cwd = h.defaultCwd
	}

	s, err := h.registry.CreateSlot(cwd)
	if err != nil {
		slog.Error("create session failed", "error", err, "cwd", cwd)
		Error(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	h.audit.LogSlotEvent(s.ID(), cwd, "create")
	JSON(w, http.StatusOK, map[string]string{"slotId": s.ID(), "cwd": cwd})
}

// ListActive lists every live slot (spec §6.1 row 3).
func (h *Handler) ListActive(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{"sessions": h.registry.ListActive()})
}

// DestroySlot tears down a slot by id (spec §6.1 row 4).
func (h *Handler) DestroySlot(w http.ResponseWriter, r *http.Request) {
	slotID := chi.URLParam(r, "slotId")
	s, lookupErr := h.registry.Get(slotID)
	cwd := ""
	if lookupErr == nil {
		cwd = s.Cwd()
	}

	if err := h.registry.DestroySlot(slotID); err != nil {
		Error(w, http.StatusNotFound, err.Error())
		return
	}

	h.audit.LogSlotEvent(slotID, cwd, "destroy")
	JSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// TerminalCwd returns the broker process's own working directory, a
// platform-specific best-effort answer per spec §6.1 row 5.
func (h *Handler) TerminalCwd(w http.ResponseWriter, r *http.Request) {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = h.defaultCwd
	}
	JSON(w, http.StatusOK, map[string]string{"cwd": cwd})
}

// ListSessions returns the merged session listing for a cwd (spec §6.1
// row 6). The subprocess-advertised half of the merge is the agent
// protocol's own concern (the front-end queries it directly over `/ws`);
// this only supplies the broker's in-memory supplement.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	cwd := r.URL.Query().Get("cwd")
	if cwd == "" {
		cwd = h.defaultCwd
	}
	JSON(w, http.StatusOK, map[string]interface{}{"sessions": h.registry.SessionsForCwd(cwd)})
}
