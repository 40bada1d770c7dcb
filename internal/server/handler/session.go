package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/metamarket/internal/domain"
)

// SessionManager is the signing session the handler drives.
type SessionManager interface {
	Current() domain.Session
	Connect(ctx context.Context) (domain.Session, error)
}

// AccountSelector switches the provider's active account.
type AccountSelector interface {
	Select(account common.Address) error
}

// SessionHandler serves session endpoints.
type SessionHandler struct {
	sessions SessionManager
	selector AccountSelector // optional
	logger   *slog.Logger
}

// NewSessionHandler creates a SessionHandler. selector may be nil when the
// provider does not support switching accounts.
func NewSessionHandler(sessions SessionManager, selector AccountSelector, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{sessions: sessions, selector: selector, logger: logHandler(logger, "session")}
}

// GetSession returns the active session.
// GET /api/session
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toSessionJSON(h.sessions.Current()))
}

// Connect asks the provider for accounts and installs a session.
// POST /api/session/connect
func (h *SessionHandler) Connect(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Connect(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, "connect", err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionJSON(sess))
}

type selectAccountRequest struct {
	Account string `json:"account"`
}

// SelectAccount switches the active account. The session follows through
// the provider's account-change notification.
// POST /api/session/account
func (h *SessionHandler) SelectAccount(w http.ResponseWriter, r *http.Request) {
	if h.selector == nil {
		writeError(w, http.StatusNotImplemented, "provider does not support account selection")
		return
	}
	var req selectAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, "select account", err)
		return
	}
	if !common.IsHexAddress(req.Account) {
		writeDomainError(w, r, h.logger, "select account",
			fmt.Errorf("%w: %q is not an address", domain.ErrInvalidOrder, req.Account))
		return
	}
	if err := h.selector.Select(common.HexToAddress(req.Account)); err != nil {
		writeDomainError(w, r, h.logger, "select account", err)
		return
	}
	h.logger.InfoContext(r.Context(), "account selected", slog.String("account", domain.AccountKey(common.HexToAddress(req.Account))))
	writeJSON(w, http.StatusOK, toSessionJSON(h.sessions.Current()))
}
