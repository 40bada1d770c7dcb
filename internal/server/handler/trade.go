package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/metamarket/internal/domain"
	"github.com/alanyoungcy/metamarket/internal/executor"
)

// Pipeline submits ledger writes.
type Pipeline interface {
	SubmitTrade(ctx context.Context, sess domain.Session, order domain.ProposedOrder) (*executor.Attempt, error)
	SubmitClaim(ctx context.Context, sess domain.Session, marketID uint64) (*executor.Attempt, error)
	SubmitFaucet(ctx context.Context, sess domain.Session) (*executor.Attempt, error)
	Get(id string) (*executor.Attempt, bool)
}

// SessionSource yields the active session.
type SessionSource interface {
	Current() domain.Session
}

// TradeHandler serves write endpoints. Writes are accepted with 202 and run
// in the background; clients poll the attempt or follow it over /ws.
type TradeHandler struct {
	pipeline Pipeline
	sessions SessionSource
	logger   *slog.Logger
}

// NewTradeHandler creates a TradeHandler.
func NewTradeHandler(pipeline Pipeline, sessions SessionSource, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{pipeline: pipeline, sessions: sessions, logger: logHandler(logger, "trade")}
}

// Trade starts an approve-then-trade attempt (or a plain trade for sells).
// POST /api/markets/{id}/trade
func (h *TradeHandler) Trade(w http.ResponseWriter, r *http.Request) {
	id, err := marketIDParam(r)
	if err != nil {
		writeDomainError(w, r, h.logger, "trade", err)
		return
	}
	var req orderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, "trade", err)
		return
	}
	a, err := h.pipeline.SubmitTrade(r.Context(), h.sessions.Current(), req.proposed(id))
	if err != nil {
		writeDomainError(w, r, h.logger, "trade", err)
		return
	}
	writeJSON(w, http.StatusAccepted, a.View())
}

// Claim starts a claim-rewards attempt.
// POST /api/markets/{id}/claim
func (h *TradeHandler) Claim(w http.ResponseWriter, r *http.Request) {
	id, err := marketIDParam(r)
	if err != nil {
		writeDomainError(w, r, h.logger, "claim", err)
		return
	}
	a, err := h.pipeline.SubmitClaim(r.Context(), h.sessions.Current(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, "claim", err)
		return
	}
	writeJSON(w, http.StatusAccepted, a.View())
}

// Faucet starts a faucet mint. During the cooldown it answers 429 without
// touching the ledger.
// POST /api/faucet
func (h *TradeHandler) Faucet(w http.ResponseWriter, r *http.Request) {
	a, err := h.pipeline.SubmitFaucet(r.Context(), h.sessions.Current())
	if err != nil {
		writeDomainError(w, r, h.logger, "faucet", err)
		return
	}
	writeJSON(w, http.StatusAccepted, a.View())
}

// GetAttempt reports an attempt's progress.
// GET /api/attempts/{id}
func (h *TradeHandler) GetAttempt(w http.ResponseWriter, r *http.Request) {
	a, ok := h.pipeline.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "attempt not found")
		return
	}
	writeJSON(w, http.StatusOK, a.View())
}
