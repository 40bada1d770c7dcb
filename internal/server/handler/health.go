package handler

import (
	"log/slog"
	"net/http"
	"time"
)

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	mode    string
	chainID func() int64
	pending func() int
	started time.Time
	logger  *slog.Logger
}

// NewHealthHandler creates a HealthHandler. chainID reports the chain the
// ledger client is bound to and pending the number of unfinished write
// attempts. Either may be nil.
func NewHealthHandler(mode string, chainID func() int64, pending func() int, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{mode: mode, chainID: chainID, pending: pending, started: time.Now().UTC(), logger: logger}
}

// HealthCheck responds with a simple JSON status indicating the server is alive.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":         "ok",
		"mode":           h.mode,
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}
	if h.chainID != nil {
		body["chain_id"] = h.chainID()
	}
	if h.pending != nil {
		body["pending_attempts"] = h.pending()
	}
	writeJSON(w, http.StatusOK, body)
}
