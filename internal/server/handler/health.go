package handler

import (
	"log/slog"
	"net/http"
	"time"
)

// HealthHandler serves the liveness endpoint with the running mode and
// process uptime, enough for a load balancer check and a quick operator
// glance.
type HealthHandler struct {
	mode      string
	startedAt time.Time
	logger    *slog.Logger
}

// NewHealthHandler creates a HealthHandler stamped with the process start
// time.
func NewHealthHandler(mode string, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		mode:      mode,
		startedAt: time.Now().UTC(),
		logger:    logger,
	}
}

// HealthCheck reports liveness.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"service":   "lifeperp",
		"mode":      h.mode,
		"uptime":    now.Sub(h.startedAt).Truncate(time.Second).String(),
		"timestamp": now.Format(time.RFC3339),
	})
}
