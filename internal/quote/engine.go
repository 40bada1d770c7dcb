// Package quote estimates what a proposed order would yield.
package quote

import (
	"context"
	"log/slog"
	"math/big"
	"sync"

	"github.com/alanyoungcy/metamarket/internal/domain"
	"golang.org/x/sync/errgroup"
)

// Reader is the slice of the ledger the engine reads from.
type Reader interface {
	ExpectedShares(ctx context.Context, marketID uint64, side domain.Side, amountWei *big.Int, dir domain.Direction) (*big.Int, error)
	PotentialReturn(ctx context.Context, marketID uint64, amountWei *big.Int, side domain.Side, dir domain.Direction) (*big.Int, error)
}

// Engine computes quotes. Quote never fails: degenerate input and every
// ledger error produce domain.ZeroQuote.
type Engine struct {
	reader Reader
	logger *slog.Logger
}

// NewEngine creates an Engine over reader.
func NewEngine(reader Reader, logger *slog.Logger) *Engine {
	return &Engine{reader: reader, logger: logger.With(slog.String("component", "quote"))}
}

// Quote returns the expected shares and potential return for order against
// the market in snap. A nil snap means no market is selected.
func (e *Engine) Quote(ctx context.Context, snap *domain.MarketSnapshot, order domain.ProposedOrder) domain.Quote {
	if snap == nil || e.reader == nil || order.Degenerate() {
		return domain.ZeroQuote
	}
	amt, err := domain.ParseAmount(order.Amount)
	if err != nil {
		return domain.ZeroQuote
	}
	wei := domain.ToWei(amt)
	dir := order.Direction
	if dir == "" {
		dir = domain.DirectionBuy
	}

	var shares, ret *big.Int
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := e.reader.ExpectedShares(gctx, snap.ID, order.Side, wei, dir)
		shares = v
		return err
	})
	g.Go(func() error {
		v, err := e.reader.PotentialReturn(gctx, snap.ID, wei, order.Side, dir)
		ret = v
		return err
	})
	if err := g.Wait(); err != nil {
		e.logger.Debug("quote failed, returning zero",
			slog.Uint64("market_id", snap.ID),
			slog.String("error", err.Error()),
		)
		return domain.ZeroQuote
	}
	return domain.Quote{
		ExpectedShares:  domain.FormatWei(shares),
		PotentialReturn: domain.FormatWei(ret),
	}
}

// Live tracks the latest input of an interactive form. Each Update
// supersedes earlier ones; a computation that finishes after a newer Update
// started is discarded.
type Live struct {
	engine *Engine

	mu      sync.Mutex
	seq     uint64
	cancel  context.CancelFunc
	onQuote func(domain.ProposedOrder, domain.Quote)
}

// NewLive creates a tracker. onQuote, if set, receives every accepted quote
// with the input it was computed for.
func NewLive(engine *Engine, onQuote func(domain.ProposedOrder, domain.Quote)) *Live {
	return &Live{engine: engine, onQuote: onQuote}
}

// Update recomputes the quote for the new input and blocks until done. The
// returned bool is false when a newer Update superseded this one.
func (l *Live) Update(ctx context.Context, snap *domain.MarketSnapshot, order domain.ProposedOrder) (domain.Quote, bool) {
	l.mu.Lock()
	l.seq++
	seq := l.seq
	if l.cancel != nil {
		l.cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.mu.Unlock()
	defer cancel()

	q := l.engine.Quote(ctx, snap, order)

	l.mu.Lock()
	defer l.mu.Unlock()
	if seq != l.seq {
		return q, false
	}
	// Under mu so accepted quotes reach onQuote in input order.
	if l.onQuote != nil {
		l.onQuote(order, q)
	}
	return q, true
}
