package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/metamarket/internal/domain"
)

// WalletService reports the faucet view of the active account.
type WalletService interface {
	State(ctx context.Context) (domain.WalletState, error)
}

// WalletHandler serves GET /api/wallet.
type WalletHandler struct {
	wallet WalletService
	logger *slog.Logger
}

// NewWalletHandler creates a WalletHandler.
func NewWalletHandler(wallet WalletService, logger *slog.Logger) *WalletHandler {
	return &WalletHandler{wallet: wallet, logger: logHandler(logger, "wallet")}
}

// GetWallet returns balance and mint cooldown.
// GET /api/wallet
func (h *WalletHandler) GetWallet(w http.ResponseWriter, r *http.Request) {
	st, err := h.wallet.State(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, "wallet", err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletJSON(st))
}
