package quote

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/metamarket/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	mu     sync.Mutex
	calls  int
	err    error
	shares *big.Int
	ret    *big.Int
	gate   map[string]chan struct{} // amount -> release
	seen   []*big.Int
}

func (f *fakeReader) wait(ctx context.Context, amountWei *big.Int) error {
	f.mu.Lock()
	f.calls++
	f.seen = append(f.seen, amountWei)
	ch := f.gate[domain.FormatWei(amountWei)]
	f.mu.Unlock()
	if ch != nil {
		select {
		case <-ch:
		case <-ctx.Done():
		}
	}
	return f.err
}

func (f *fakeReader) ExpectedShares(ctx context.Context, _ uint64, _ domain.Side, amountWei *big.Int, _ domain.Direction) (*big.Int, error) {
	if err := f.wait(ctx, amountWei); err != nil {
		return nil, err
	}
	return new(big.Int).Mul(amountWei, big.NewInt(2)), nil
}

func (f *fakeReader) PotentialReturn(ctx context.Context, _ uint64, amountWei *big.Int, _ domain.Side, _ domain.Direction) (*big.Int, error) {
	if err := f.wait(ctx, amountWei); err != nil {
		return nil, err
	}
	return new(big.Int).Mul(amountWei, big.NewInt(3)), nil
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

var snap = &domain.MarketSnapshot{ID: 7}

func TestQuoteDegenerateInputIsZeroWithoutLedgerCall(t *testing.T) {
	r := &fakeReader{}
	e := NewEngine(r, testLogger())
	ctx := context.Background()

	cases := []struct {
		name  string
		snap  *domain.MarketSnapshot
		order domain.ProposedOrder
	}{
		{"empty amount", snap, domain.ProposedOrder{Side: domain.SideYes, Amount: ""}},
		{"zero amount", snap, domain.ProposedOrder{Side: domain.SideYes, Amount: "0"}},
		{"negative amount", snap, domain.ProposedOrder{Side: domain.SideYes, Amount: "-1"}},
		{"garbage amount", snap, domain.ProposedOrder{Side: domain.SideYes, Amount: "abc"}},
		{"no side", snap, domain.ProposedOrder{Amount: "5"}},
		{"no market", nil, domain.ProposedOrder{Side: domain.SideYes, Amount: "5"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, domain.ZeroQuote, e.Quote(ctx, tc.snap, tc.order))
		})
	}
	assert.Zero(t, r.calls)
}

func TestQuoteScalesAmountToWei(t *testing.T) {
	r := &fakeReader{}
	e := NewEngine(r, testLogger())

	q := e.Quote(context.Background(), snap, domain.ProposedOrder{Side: domain.SideNo, Amount: "1.5", Direction: domain.DirectionBuy})
	assert.Equal(t, "3", q.ExpectedShares)
	assert.Equal(t, "4.5", q.PotentialReturn)
	require.NotEmpty(t, r.seen)
	assert.Equal(t, "1500000000000000000", r.seen[0].String())
}

func TestQuoteLedgerErrorIsZero(t *testing.T) {
	r := &fakeReader{err: domain.NewLedgerError(domain.KindNetwork, "getExpectedShares", errors.New("down"))}
	e := NewEngine(r, testLogger())
	assert.Equal(t, domain.ZeroQuote, e.Quote(context.Background(), snap, domain.ProposedOrder{Side: domain.SideYes, Amount: "5"}))
}

func TestLiveDiscardsSupersededResult(t *testing.T) {
	release := make(chan struct{})
	r := &fakeReader{gate: map[string]chan struct{}{"1": release}}
	var accepted []domain.Quote
	var mu sync.Mutex
	live := NewLive(NewEngine(r, testLogger()), func(_ domain.ProposedOrder, q domain.Quote) {
		mu.Lock()
		accepted = append(accepted, q)
		mu.Unlock()
	})

	done := make(chan bool, 1)
	go func() {
		_, ok := live.Update(context.Background(), snap, domain.ProposedOrder{Side: domain.SideYes, Amount: "1"})
		done <- ok
	}()

	// Let the first computation start before superseding it.
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.calls >= 1
	}, time.Second, time.Millisecond)

	q, ok := live.Update(context.Background(), snap, domain.ProposedOrder{Side: domain.SideYes, Amount: "2"})
	require.True(t, ok)
	assert.Equal(t, "4", q.ExpectedShares)

	close(release)
	assert.False(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, accepted, 1)
	assert.Equal(t, "4", accepted[0].ExpectedShares)
	assert.Equal(t, "6", accepted[0].PotentialReturn)
}
