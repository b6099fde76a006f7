package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/copilot-bridge/bridge/internal/slot"
)

// HealthHandler handles the health check endpoint. Adapted from the
// teacher's HealthHandler (internal/api/container.go), which pinged a
// SQLite user repository; this broker has no such repository (spec §6.4
// keeps it stateless), so health is reported against the Slot Registry
// instead — a registry always responds, even with zero active slots.
type HealthHandler struct {
	registry *slot.Registry
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(registry *slot.Registry) *HealthHandler {
	return &HealthHandler{registry: registry}
}

// Health returns the health status of the broker.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"status":       "healthy",
		"active_slots": len(h.registry.ListActive()),
	})
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
