package http

import (
	"net/http"
	"time"

	"github.com/go-chi/render"

	"keypanel/internal/infrastructure"
)

// HealthHandler serves the liveness endpoint.
type HealthHandler struct {
	startedAt time.Time
}

// NewHealthHandler creates the health handler.
func NewHealthHandler() *HealthHandler {
	return &HealthHandler{startedAt: time.Now()}
}

// Handle reports process liveness. The panel has no external
// dependencies beyond its data directory, so liveness is readiness.
func (h *HealthHandler) Handle(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]interface{}{
		"status":    "healthy",
		"service":   infrastructure.ServiceName,
		"version":   infrastructure.ServiceVersion,
		"uptime":    time.Since(h.startedAt).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
