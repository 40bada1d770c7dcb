package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/metamarket/internal/cache/memory"
	"github.com/alanyoungcy/metamarket/internal/domain"
	"github.com/alanyoungcy/metamarket/internal/ledger"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDebouncerCoalescesBurst(t *testing.T) {
	const interval = 60 * time.Millisecond
	var (
		mu    sync.Mutex
		fired []time.Time
	)
	d := NewDebouncer(interval, func() {
		mu.Lock()
		fired = append(fired, time.Now())
		mu.Unlock()
	})
	defer d.Stop()

	var last time.Time
	for i := 0; i < 5; i++ {
		last = time.Now()
		d.Trigger()
		time.Sleep(10 * time.Millisecond)
	}
	assert.True(t, d.Pending())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fired) == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(2 * interval)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, fired, 1)
	assert.GreaterOrEqual(t, fired[0].Sub(last), interval)
	assert.False(t, d.Pending())
}

func TestDebouncerStopCancelsPending(t *testing.T) {
	var n atomic.Int32
	d := NewDebouncer(30*time.Millisecond, func() { n.Add(1) })

	d.Trigger()
	d.Stop()
	d.Trigger()
	time.Sleep(80 * time.Millisecond)

	assert.Zero(t, n.Load())
}

func TestDebouncerZeroIntervalRunsInline(t *testing.T) {
	var n int
	d := NewDebouncer(0, func() { n++ })
	d.Trigger()
	d.Trigger()
	assert.Equal(t, 2, n)
}

// chanSource forwards a notification for every value sent on the key's
// channel and records which keys ran.
type chanSource struct {
	mu      sync.Mutex
	events  map[Key]chan struct{}
	started []Key
	ended   []Key
}

func newChanSource() *chanSource {
	return &chanSource{events: make(map[Key]chan struct{})}
}

func (s *chanSource) ch(key Key) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.events[key]
	if !ok {
		c = make(chan struct{}, 16)
		s.events[key] = c
	}
	return c
}

func (s *chanSource) Run(ctx context.Context, key Key, notify func()) error {
	c := s.ch(key)
	s.mu.Lock()
	s.started = append(s.started, key)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.ended = append(s.ended, key)
		s.mu.Unlock()
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c:
			notify()
		}
	}
}

type refreshLog struct {
	mu   sync.Mutex
	keys []Key
	errs []error
}

func (l *refreshLog) refresh(_ context.Context, key Key) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys = append(l.keys, key)
	if len(l.errs) > 0 {
		err := l.errs[0]
		l.errs = l.errs[1:]
		return err
	}
	return nil
}

func (l *refreshLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}

var (
	contractA = common.HexToAddress("0x1000000000000000000000000000000000000001")
	keyA      = Key{Contract: contractA, Account: "0xaaa", MarketID: 7}
)

func TestReconcilerBurstRefreshesOnce(t *testing.T) {
	src := newChanSource()
	log := &refreshLog{}
	r := NewReconciler("trades", src, log.refresh, 40*time.Millisecond, testLogger())
	defer r.Stop()

	r.Watch(context.Background(), keyA)
	for i := 0; i < 10; i++ {
		src.ch(keyA) <- struct{}{}
		time.Sleep(5 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return log.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, log.count())
	assert.Equal(t, keyA, log.keys[0])

	total, failed := r.Refreshes()
	assert.Equal(t, uint64(1), total)
	assert.Zero(t, failed)
}

func TestReconcilerRekeyCancelsPendingRefresh(t *testing.T) {
	src := newChanSource()
	log := &refreshLog{}
	r := NewReconciler("trades", src, log.refresh, 50*time.Millisecond, testLogger())
	defer r.Stop()

	r.Watch(context.Background(), keyA)
	src.ch(keyA) <- struct{}{}
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.deb.Pending()
	}, time.Second, time.Millisecond)

	keyB := keyA
	keyB.Account = "0xbbb"
	r.Watch(context.Background(), keyB)

	time.Sleep(120 * time.Millisecond)
	assert.Zero(t, log.count())

	src.mu.Lock()
	assert.Equal(t, []Key{keyA, keyB}, src.started)
	assert.Equal(t, []Key{keyA}, src.ended)
	src.mu.Unlock()

	src.ch(keyB) <- struct{}{}
	require.Eventually(t, func() bool { return log.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, keyB, log.keys[0])

	got, active := r.Key()
	assert.True(t, active)
	assert.Equal(t, keyB, got)
}

func TestReconcilerWatchSameKeyKeepsSubscription(t *testing.T) {
	src := newChanSource()
	r := NewReconciler("trades", src, (&refreshLog{}).refresh, 10*time.Millisecond, testLogger())
	defer r.Stop()

	r.Watch(context.Background(), keyA)
	r.Watch(context.Background(), keyA)
	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return len(src.started) == 1
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	src.mu.Lock()
	defer src.mu.Unlock()
	assert.Len(t, src.started, 1)
	assert.Empty(t, src.ended)
}

func TestReconcilerStopCancelsTimer(t *testing.T) {
	src := newChanSource()
	log := &refreshLog{}
	r := NewReconciler("trades", src, log.refresh, 40*time.Millisecond, testLogger())

	r.Watch(context.Background(), keyA)
	src.ch(keyA) <- struct{}{}
	time.Sleep(10 * time.Millisecond)
	r.Stop()
	time.Sleep(80 * time.Millisecond)

	assert.Zero(t, log.count())
	_, active := r.Key()
	assert.False(t, active)
}

func TestReconcilerKeepsGoingAfterNetworkError(t *testing.T) {
	src := newChanSource()
	log := &refreshLog{errs: []error{domain.NewLedgerError(domain.KindNetwork, "getOrderBook", errors.New("eof"))}}
	r := NewReconciler("trades", src, log.refresh, 10*time.Millisecond, testLogger())
	defer r.Stop()

	r.Watch(context.Background(), keyA)
	src.ch(keyA) <- struct{}{}
	require.Eventually(t, func() bool { return log.count() == 1 }, time.Second, 5*time.Millisecond)

	src.ch(keyA) <- struct{}{}
	require.Eventually(t, func() bool { return log.count() == 2 }, time.Second, 5*time.Millisecond)

	total, failed := r.Refreshes()
	assert.Equal(t, uint64(2), total)
	assert.Equal(t, uint64(1), failed)
}

func TestTickerSourceNotifiesImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var n atomic.Int32
	done := make(chan error, 1)
	go func() { done <- TickerSource{Interval: 15 * time.Millisecond}.Run(ctx, keyA, func() { n.Add(1) }) }()

	require.Eventually(t, func() bool { return n.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

// flakySubscriber fails the first subscription after it opens and delivers
// one event on the second.
type flakySubscriber struct {
	calls atomic.Int32
}

func (f *flakySubscriber) SubscribeTrades(_ context.Context, marketID uint64, sink chan<- ledger.TradeEvent) (ethereum.Subscription, error) {
	n := f.calls.Add(1)
	return event.NewSubscription(func(quit <-chan struct{}) error {
		if n == 1 {
			return domain.NewLedgerError(domain.KindNetwork, "subscribeTrades", errors.New("ws closed"))
		}
		select {
		case sink <- ledger.TradeEvent{MarketID: marketID}:
		case <-quit:
			return nil
		}
		<-quit
		return nil
	}), nil
}

func TestTradeSourceReconnects(t *testing.T) {
	sub := &flakySubscriber{}
	src := NewTradeSource(sub, testLogger()).WithBackoff(5*time.Millisecond, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var n atomic.Int32
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, keyA, func() { n.Add(1) }) }()

	require.Eventually(t, func() bool { return n.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(2), sub.calls.Load())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

type unboundSubscriber struct{}

func (unboundSubscriber) SubscribeTrades(context.Context, uint64, chan<- ledger.TradeEvent) (ethereum.Subscription, error) {
	return nil, fmt.Errorf("no contract on this network: %w", domain.ErrUnavailable)
}

func TestTradeSourceGivesUpWhenUnbound(t *testing.T) {
	err := NewTradeSource(unboundSubscriber{}, testLogger()).Run(context.Background(), keyA, func() {})
	assert.ErrorIs(t, err, domain.ErrUnavailable)
}

func TestBusSourceFiltersMessages(t *testing.T) {
	bus := memory.NewSignalBus()
	src := NewBusSource(bus, "view:*", func(k Key, msg []byte) bool {
		return string(msg) == k.Account
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var n atomic.Int32
	go func() { _ = src.Run(ctx, keyA, func() { n.Add(1) }) }()

	// Give the subscription time to register.
	require.Eventually(t, func() bool {
		_ = bus.Publish(ctx, "view:attempt", []byte("0xother"))
		_ = bus.Publish(ctx, "view:attempt", []byte("0xaaa"))
		return n.Load() > 0
	}, time.Second, 5*time.Millisecond)
}

func TestMergeForwardsAllSources(t *testing.T) {
	a, b := newChanSource(), newChanSource()
	ctx, cancel := context.WithCancel(context.Background())
	var n atomic.Int32
	done := make(chan error, 1)
	go func() { done <- Merge(a, b).Run(ctx, keyA, func() { n.Add(1) }) }()

	a.ch(keyA) <- struct{}{}
	b.ch(keyA) <- struct{}{}
	require.Eventually(t, func() bool { return n.Load() == 2 }, time.Second, time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
