package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/metamarket/internal/domain"
)

// MarketService defines the methods that the market handler requires from the
// service layer. It is declared locally so the handler package does not depend
// on the concrete service implementation.
type MarketService interface {
	Markets(ctx context.Context) ([]domain.MarketSummary, error)
	Market(ctx context.Context, marketID uint64) (domain.MarketSnapshot, error)
	Orders(ctx context.Context, marketID uint64) ([]domain.OrderRecord, error)
	Position(ctx context.Context, marketID uint64) (domain.Position, error)
}

// Quoter estimates a proposed order. The bool is false when a newer request
// for the same form superseded this one.
type Quoter interface {
	Quote(ctx context.Context, snap *domain.MarketSnapshot, order domain.ProposedOrder) (domain.Quote, bool)
}

type quoteResponse struct {
	domain.Quote
	Superseded bool `json:"superseded,omitempty"`
}

// MarketHandler serves market-related HTTP endpoints.
type MarketHandler struct {
	markets MarketService
	quoter  Quoter
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler with the given service and logger.
func NewMarketHandler(markets MarketService, quoter Quoter, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets: markets,
		quoter:  quoter,
		logger:  logHandler(logger, "market"),
	}
}

type listMarketsResponse struct {
	Markets []summaryJSON `json:"markets"`
	Total   int           `json:"total"`
}

// ListMarkets returns every market the ledger knows.
// GET /api/markets
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	list, err := h.markets.Markets(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, "list markets", err)
		return
	}
	out := make([]summaryJSON, 0, len(list))
	for _, m := range list {
		out = append(out, toSummaryJSON(m))
	}
	writeJSON(w, http.StatusOK, listMarketsResponse{Markets: out, Total: len(out)})
}

// GetMarket returns a single market by its ID.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id, err := marketIDParam(r)
	if err != nil {
		writeDomainError(w, r, h.logger, "get market", err)
		return
	}
	m, err := h.markets.Market(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, "get market", err)
		return
	}
	writeJSON(w, http.StatusOK, toMarketJSON(m))
}

// ListOrders returns the market's trade history.
// GET /api/markets/{id}/orders
func (h *MarketHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	id, err := marketIDParam(r)
	if err != nil {
		writeDomainError(w, r, h.logger, "list orders", err)
		return
	}
	orders, err := h.markets.Orders(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, "list orders", err)
		return
	}
	out := make([]orderJSON, 0, len(orders))
	for _, o := range orders {
		out = append(out, toOrderJSON(o))
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": out})
}

// GetPosition returns the active account's holdings in the market.
// GET /api/markets/{id}/position
func (h *MarketHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id, err := marketIDParam(r)
	if err != nil {
		writeDomainError(w, r, h.logger, "get position", err)
		return
	}
	p, err := h.markets.Position(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, "get position", err)
		return
	}
	writeJSON(w, http.StatusOK, toPositionJSON(p))
}

type orderRequest struct {
	Side      string `json:"side"`
	Amount    string `json:"amount"`
	Direction string `json:"direction"`
}

// proposed turns a request body into an order. Unknown side or direction
// values are kept invalid so the quote degrades and the pipeline rejects.
func (req orderRequest) proposed(marketID uint64) domain.ProposedOrder {
	side, _ := domain.ParseSide(req.Side)
	dir, err := domain.ParseDirection(req.Direction)
	if err != nil {
		dir = domain.Direction(req.Direction)
	}
	return domain.ProposedOrder{MarketID: marketID, Side: side, Amount: req.Amount, Direction: dir}
}

// Quote estimates a proposed order. It always answers 200; an order that
// cannot be quoted gets zeros, and a request overtaken by a newer one for
// the same market is marked superseded.
// POST /api/markets/{id}/quote
func (h *MarketHandler) Quote(w http.ResponseWriter, r *http.Request) {
	id, err := marketIDParam(r)
	if err != nil {
		writeDomainError(w, r, h.logger, "quote", err)
		return
	}
	var req orderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, "quote", err)
		return
	}

	if _, err := domain.ParseDirection(req.Direction); err != nil {
		writeJSON(w, http.StatusOK, quoteResponse{Quote: domain.ZeroQuote})
		return
	}

	var snap *domain.MarketSnapshot
	if m, err := h.markets.Market(r.Context(), id); err == nil {
		snap = &m
	} else {
		h.logger.DebugContext(r.Context(), "quoting without snapshot",
			slog.Uint64("market_id", id),
			slog.String("error", err.Error()),
		)
	}
	q, ok := h.quoter.Quote(r.Context(), snap, req.proposed(id))
	writeJSON(w, http.StatusOK, quoteResponse{Quote: q, Superseded: !ok})
}
