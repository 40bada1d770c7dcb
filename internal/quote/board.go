package quote

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/metamarket/internal/domain"
)

// SessionSource yields the active session.
type SessionSource interface {
	Current() domain.Session
}

// Event is published on domain.ChannelQuote for every accepted quote.
type Event struct {
	Account         string           `json:"account"`
	MarketID        uint64           `json:"market_id"`
	Side            domain.Side      `json:"side"`
	Direction       domain.Direction `json:"direction"`
	Amount          string           `json:"amount"`
	ExpectedShares  string           `json:"expected_shares"`
	PotentialReturn string           `json:"potential_return"`
	At              int64            `json:"at"`
}

type boardKey struct {
	account  string
	marketID uint64
}

// Board holds one Live per (account, market). Overlapping requests for the
// same pair supersede each other, and only accepted quotes are published.
type Board struct {
	engine   *Engine
	sessions SessionSource
	bus      domain.SignalBus // optional
	logger   *slog.Logger

	mu    sync.Mutex
	lives map[boardKey]*Live
}

// NewBoard creates a Board. bus may be nil.
func NewBoard(engine *Engine, sessions SessionSource, bus domain.SignalBus, logger *slog.Logger) *Board {
	return &Board{
		engine:   engine,
		sessions: sessions,
		bus:      bus,
		logger:   logger.With(slog.String("component", "quote_board")),
		lives:    make(map[boardKey]*Live),
	}
}

// Quote computes the quote for order as the latest input of the active
// account's form for that market. The bool is false when a newer request
// for the same pair superseded this one; the quote is then stale.
func (b *Board) Quote(ctx context.Context, snap *domain.MarketSnapshot, order domain.ProposedOrder) (domain.Quote, bool) {
	key := boardKey{account: b.sessions.Current().Account(), marketID: order.MarketID}
	return b.live(key).Update(ctx, snap, order)
}

func (b *Board) live(key boardKey) *Live {
	b.mu.Lock()
	defer b.mu.Unlock()
	if l, ok := b.lives[key]; ok {
		return l
	}
	l := NewLive(b.engine, func(order domain.ProposedOrder, q domain.Quote) {
		b.publish(key, order, q)
	})
	b.lives[key] = l
	return l
}

func (b *Board) publish(key boardKey, order domain.ProposedOrder, q domain.Quote) {
	if b.bus == nil {
		return
	}
	payload, err := json.Marshal(Event{
		Account:         key.account,
		MarketID:        key.marketID,
		Side:            order.Side,
		Direction:       order.Direction,
		Amount:          order.Amount,
		ExpectedShares:  q.ExpectedShares,
		PotentialReturn: q.PotentialReturn,
		At:              time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.bus.Publish(ctx, domain.ChannelQuote, payload); err != nil {
		b.logger.Debug("quote publish failed", slog.String("error", err.Error()))
	}
}
