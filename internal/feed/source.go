package feed

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/metamarket/internal/domain"
	"github.com/alanyoungcy/metamarket/internal/ledger"
)

// Key identifies what a reconciler is watching. Changing any field tears down
// the running subscription.
type Key struct {
	Contract common.Address
	Account  string
	MarketID uint64
}

// Source produces change notifications for a key. Run blocks until ctx ends
// or the source gives up, calling notify for every change it sees.
type Source interface {
	Run(ctx context.Context, key Key, notify func()) error
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, key Key, notify func()) error

func (f SourceFunc) Run(ctx context.Context, key Key, notify func()) error { return f(ctx, key, notify) }

// TradeSubscriber opens a Trade log subscription.
type TradeSubscriber interface {
	SubscribeTrades(ctx context.Context, marketID uint64, sink chan<- ledger.TradeEvent) (ethereum.Subscription, error)
}

// TradeSource notifies on every Trade log of the watched market. A dropped
// subscription is re-opened after a backoff.
type TradeSource struct {
	sub        TradeSubscriber
	minBackoff time.Duration
	maxBackoff time.Duration
	logger     *slog.Logger
}

// NewTradeSource creates a TradeSource.
func NewTradeSource(sub TradeSubscriber, logger *slog.Logger) *TradeSource {
	return &TradeSource{
		sub:        sub,
		minBackoff: 2 * time.Second,
		maxBackoff: 30 * time.Second,
		logger:     logger.With(slog.String("component", "trade_source")),
	}
}

// WithBackoff overrides the reconnect backoff bounds.
func (s *TradeSource) WithBackoff(lo, hi time.Duration) *TradeSource {
	s.minBackoff, s.maxBackoff = lo, hi
	return s
}

// Run subscribes and reconnects until ctx ends.
func (s *TradeSource) Run(ctx context.Context, key Key, notify func()) error {
	backoff := s.minBackoff
	for {
		err := s.runSubscription(ctx, key, notify, func() { backoff = s.minBackoff })
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, domain.ErrUnavailable) {
			return err
		}
		s.logger.Warn("trade subscription dropped, reconnecting",
			slog.Uint64("market_id", key.MarketID),
			slog.Duration("backoff", backoff),
			slog.String("error", errString(err)),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, s.maxBackoff)
	}
}

func (s *TradeSource) runSubscription(ctx context.Context, key Key, notify func(), connected func()) error {
	sink := make(chan ledger.TradeEvent, 64)
	sub, err := s.sub.SubscribeTrades(ctx, key.MarketID, sink)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()
	connected()
	s.logger.Info("trade subscription open", slog.Uint64("market_id", key.MarketID))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			if err == nil {
				err = errors.New("subscription closed")
			}
			return err
		case ev := <-sink:
			s.logger.Debug("trade event",
				slog.Uint64("market_id", ev.MarketID),
				slog.String("trader", domain.AccountKey(ev.Trader)),
				slog.String("tx", ev.TxHash.Hex()),
			)
			notify()
		}
	}
}

// TickerSource notifies on a fixed interval, starting immediately.
type TickerSource struct {
	Interval time.Duration
}

// Run ticks until ctx ends.
func (s TickerSource) Run(ctx context.Context, _ Key, notify func()) error {
	notify()
	t := time.NewTicker(s.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			notify()
		}
	}
}

// BusSource notifies on every signal bus message on the channel pattern that
// match concerns the watched key. Other processes sharing the bus announce
// their writes this way.
type BusSource struct {
	bus     domain.SignalBus
	pattern string
	match   func(Key, []byte) bool
}

// NewBusSource creates a BusSource. A nil match accepts every message.
func NewBusSource(bus domain.SignalBus, pattern string, match func(Key, []byte) bool) *BusSource {
	return &BusSource{bus: bus, pattern: pattern, match: match}
}

// Run subscribes until ctx ends or the bus closes the channel.
func (s *BusSource) Run(ctx context.Context, key Key, notify func()) error {
	ch, err := s.bus.Subscribe(ctx, s.pattern)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if s.match == nil || s.match(key, msg) {
				notify()
			}
		}
	}
}

// Merge runs every source against the same key and returns when all have
// stopped.
func Merge(sources ...Source) Source {
	return SourceFunc(func(ctx context.Context, key Key, notify func()) error {
		var g errgroup.Group
		for _, src := range sources {
			g.Go(func() error {
				if err := src.Run(ctx, key, notify); !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		}
		return g.Wait()
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
