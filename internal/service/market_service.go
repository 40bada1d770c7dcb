// Package service refreshes the read model from the ledger and announces
// changes on the signal bus.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/alanyoungcy/metamarket/internal/cache/memory"
	"github.com/alanyoungcy/metamarket/internal/domain"
	"golang.org/x/sync/errgroup"
)

// Ledger is the read side of the ledger the services depend on.
type Ledger interface {
	ChainID() int64
	MarketInfo(ctx context.Context, marketID uint64) (domain.MarketSnapshot, error)
	AllMarkets(ctx context.Context) ([]domain.MarketSummary, error)
	OrderBook(ctx context.Context, marketID uint64) ([]domain.OrderRecord, error)
	UserPosition(ctx context.Context, sess domain.Session, marketID uint64) (domain.Position, error)
	Balance(ctx context.Context, sess domain.Session) (*big.Int, error)
	Allowance(ctx context.Context, sess domain.Session) (*big.Int, error)
	TimeUntilNextMint(ctx context.Context, sess domain.Session) (time.Duration, error)
}

// SessionSource yields the active session.
type SessionSource interface {
	Current() domain.Session
}

// ViewEvent is the payload published on the signal bus after a refresh.
type ViewEvent struct {
	Kind     string `json:"kind"`
	MarketID uint64 `json:"market_id,omitempty"`
	Account  string `json:"account,omitempty"`
	Epoch    uint64 `json:"epoch"`
	At       int64  `json:"at"`
}

// MarketService keeps market snapshots, order books and positions current.
type MarketService struct {
	ledger   Ledger
	store    *memory.ViewStore
	sessions SessionSource
	mirror   domain.SnapshotCache // optional
	bus      domain.SignalBus     // optional
	logger   *slog.Logger
}

// NewMarketService creates a MarketService. mirror and bus may be nil.
func NewMarketService(
	ledger Ledger,
	store *memory.ViewStore,
	sessions SessionSource,
	mirror domain.SnapshotCache,
	bus domain.SignalBus,
	logger *slog.Logger,
) *MarketService {
	return &MarketService{
		ledger:   ledger,
		store:    store,
		sessions: sessions,
		mirror:   mirror,
		bus:      bus,
		logger:   logger.With(slog.String("component", "market_service")),
	}
}

// RefreshMarket re-reads one market snapshot.
func (s *MarketService) RefreshMarket(ctx context.Context, marketID uint64) error {
	epoch := s.sessions.Current().Epoch
	snap, err := s.ledger.MarketInfo(ctx, marketID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) && s.mirror != nil {
			// The contract was redeployed or the id never existed.
			if ierr := s.mirror.Invalidate(ctx, s.ledger.ChainID(), marketID); ierr != nil {
				s.logger.WarnContext(ctx, "snapshot mirror invalidate failed",
					slog.Uint64("market_id", marketID),
					slog.String("error", ierr.Error()),
				)
			}
		}
		return fmt.Errorf("market_service: refresh market %d: %w", marketID, err)
	}
	if !s.store.PutMarket(epoch, snap) {
		s.logger.DebugContext(ctx, "dropped stale market snapshot", slog.Uint64("market_id", marketID))
		return nil
	}
	if s.mirror != nil {
		if err := s.mirror.Set(ctx, s.ledger.ChainID(), snap); err != nil {
			s.logger.WarnContext(ctx, "snapshot mirror write failed",
				slog.Uint64("market_id", marketID),
				slog.String("error", err.Error()),
			)
		}
	}
	s.publish(ctx, domain.ChannelMarket, ViewEvent{Kind: "market", MarketID: marketID, Epoch: epoch})
	return nil
}

// RefreshMarkets re-reads the market list.
func (s *MarketService) RefreshMarkets(ctx context.Context) error {
	epoch := s.sessions.Current().Epoch
	list, err := s.ledger.AllMarkets(ctx)
	if err != nil {
		return fmt.Errorf("market_service: refresh markets: %w", err)
	}
	if s.store.PutSummaries(epoch, list) {
		s.publish(ctx, domain.ChannelMarket, ViewEvent{Kind: "markets", Epoch: epoch})
	}
	return nil
}

// RefreshOrders re-reads a market's order book.
func (s *MarketService) RefreshOrders(ctx context.Context, marketID uint64) error {
	epoch := s.sessions.Current().Epoch
	orders, err := s.ledger.OrderBook(ctx, marketID)
	if err != nil {
		return fmt.Errorf("market_service: refresh orders %d: %w", marketID, err)
	}
	if s.store.PutOrders(epoch, marketID, orders) {
		s.publish(ctx, domain.ChannelOrders, ViewEvent{Kind: "orders", MarketID: marketID, Epoch: epoch})
	}
	return nil
}

// RefreshPosition re-reads the active account's position. Without a
// session there is nothing to refresh.
func (s *MarketService) RefreshPosition(ctx context.Context, marketID uint64) error {
	sess := s.sessions.Current()
	if !sess.Connected() {
		return nil
	}
	pos, err := s.ledger.UserPosition(ctx, sess, marketID)
	if err != nil {
		return fmt.Errorf("market_service: refresh position %d: %w", marketID, err)
	}
	if s.store.PutPosition(sess.Epoch, pos) {
		s.publish(ctx, domain.ChannelPosition, ViewEvent{Kind: "position", MarketID: marketID, Account: sess.Account(), Epoch: sess.Epoch})
	}
	return nil
}

// RefreshAll re-reads everything shown for one market: snapshot, order
// book and the active account's position.
func (s *MarketService) RefreshAll(ctx context.Context, marketID uint64) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.RefreshMarket(gctx, marketID) })
	g.Go(func() error { return s.RefreshOrders(gctx, marketID) })
	g.Go(func() error { return s.RefreshPosition(gctx, marketID) })
	return g.Wait()
}

// Market returns the held snapshot, fetching it on a miss. When the ledger
// is unreachable the shared mirror is consulted.
func (s *MarketService) Market(ctx context.Context, marketID uint64) (domain.MarketSnapshot, error) {
	if m, ok := s.store.Market(marketID); ok {
		return m, nil
	}
	err := s.RefreshMarket(ctx, marketID)
	if err == nil {
		if m, ok := s.store.Market(marketID); ok {
			return m, nil
		}
		return domain.MarketSnapshot{}, fmt.Errorf("market_service: market %d: %w", marketID, domain.ErrNotFound)
	}
	if s.mirror != nil && errors.Is(err, domain.ErrNetwork) {
		if m, merr := s.mirror.Get(ctx, s.ledger.ChainID(), marketID); merr == nil {
			s.logger.InfoContext(ctx, "serving mirrored snapshot", slog.Uint64("market_id", marketID))
			return m, nil
		}
	}
	return domain.MarketSnapshot{}, err
}

// Markets returns the held market list, fetching it when empty.
func (s *MarketService) Markets(ctx context.Context) ([]domain.MarketSummary, error) {
	if list := s.store.Summaries(); len(list) > 0 {
		return list, nil
	}
	if err := s.RefreshMarkets(ctx); err != nil {
		return nil, err
	}
	return s.store.Summaries(), nil
}

// Orders returns the held order book, fetching it when none is held.
func (s *MarketService) Orders(ctx context.Context, marketID uint64) ([]domain.OrderRecord, error) {
	if list, ok := s.store.Orders(marketID); ok {
		return list, nil
	}
	if err := s.RefreshOrders(ctx, marketID); err != nil {
		return nil, err
	}
	if list, ok := s.store.Orders(marketID); ok {
		return list, nil
	}
	return nil, fmt.Errorf("market_service: orders %d: %w", marketID, domain.ErrStaleSession)
}

// Position returns the active account's held position, fetching on a miss.
func (s *MarketService) Position(ctx context.Context, marketID uint64) (domain.Position, error) {
	sess := s.sessions.Current()
	if !sess.Connected() {
		return domain.Position{}, domain.ErrUnavailable
	}
	if p, ok := s.store.Position(sess.Account(), marketID); ok {
		return p, nil
	}
	if err := s.RefreshPosition(ctx, marketID); err != nil {
		return domain.Position{}, err
	}
	if p, ok := s.store.Position(sess.Account(), marketID); ok {
		return p, nil
	}
	return domain.Position{}, fmt.Errorf("market_service: position %d: %w", marketID, domain.ErrStaleSession)
}

func (s *MarketService) publish(ctx context.Context, channel string, ev ViewEvent) {
	publish(ctx, s.bus, s.logger, channel, ev)
}

func publish(ctx context.Context, bus domain.SignalBus, logger *slog.Logger, channel string, ev ViewEvent) {
	if bus == nil {
		return
	}
	ev.At = time.Now().UnixMilli()
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := bus.Publish(ctx, channel, payload); err != nil {
		logger.WarnContext(ctx, "view event publish failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}
