package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/metamarket/internal/cache/memory"
	"github.com/alanyoungcy/metamarket/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSigner struct{ addr common.Address }

func (s stubSigner) Address() common.Address { return s.addr }
func (s stubSigner) SignTx(_ context.Context, tx *types.Transaction) (*types.Transaction, error) {
	return tx, nil
}

type sessionBox struct {
	mu   sync.Mutex
	sess domain.Session
}

func (b *sessionBox) Current() domain.Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sess
}

func (b *sessionBox) set(s domain.Session) {
	b.mu.Lock()
	b.sess = s
	b.mu.Unlock()
}

func connected(addr string, epoch uint64) domain.Session {
	a := common.HexToAddress(addr)
	return domain.Session{Address: a, ChainID: 1, Epoch: epoch, Signer: stubSigner{a}}
}

type fakeLedger struct {
	mu         sync.Mutex
	marketErr  error
	duringRead func()
	positions  int
	bookReads  int
	emptyBook  bool
}

func (f *fakeLedger) ChainID() int64 { return 1 }

func (f *fakeLedger) MarketInfo(_ context.Context, id uint64) (domain.MarketSnapshot, error) {
	if f.marketErr != nil {
		return domain.MarketSnapshot{}, f.marketErr
	}
	return domain.MarketSnapshot{ID: id, Question: "Q", FetchedAt: time.Now()}, nil
}

func (f *fakeLedger) AllMarkets(context.Context) ([]domain.MarketSummary, error) {
	return []domain.MarketSummary{{ID: 2}, {ID: 1}}, nil
}

func (f *fakeLedger) OrderBook(context.Context, uint64) ([]domain.OrderRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bookReads++
	if f.emptyBook {
		return nil, nil
	}
	return []domain.OrderRecord{{ID: 1}}, nil
}

func (f *fakeLedger) UserPosition(_ context.Context, sess domain.Session, id uint64) (domain.Position, error) {
	f.mu.Lock()
	f.positions++
	hook := f.duringRead
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return domain.Position{Account: sess.Address, MarketID: id, YesShares: big.NewInt(5)}, nil
}

func (f *fakeLedger) Balance(context.Context, domain.Session) (*big.Int, error) {
	return big.NewInt(1000), nil
}

func (f *fakeLedger) Allowance(context.Context, domain.Session) (*big.Int, error) {
	return big.NewInt(250), nil
}

func (f *fakeLedger) TimeUntilNextMint(context.Context, domain.Session) (time.Duration, error) {
	return time.Hour, nil
}

type fakeMirror struct {
	snaps map[uint64]domain.MarketSnapshot
}

func (m *fakeMirror) Set(_ context.Context, _ int64, s domain.MarketSnapshot) error {
	m.snaps[s.ID] = s
	return nil
}

func (m *fakeMirror) Get(_ context.Context, _ int64, id uint64) (domain.MarketSnapshot, error) {
	s, ok := m.snaps[id]
	if !ok {
		return domain.MarketSnapshot{}, domain.ErrNotFound
	}
	return s, nil
}

func (m *fakeMirror) Invalidate(_ context.Context, _ int64, id uint64) error {
	delete(m.snaps, id)
	return nil
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestRefreshAllPopulatesStoreAndPublishes(t *testing.T) {
	store := memory.NewViewStore()
	box := &sessionBox{}
	box.set(connected("0xaa", 1))
	store.Advance(1)

	bus := memory.NewSignalBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := bus.Subscribe(ctx, "view:*")
	require.NoError(t, err)

	svc := NewMarketService(&fakeLedger{}, store, box, nil, bus, testLogger())
	require.NoError(t, svc.RefreshAll(ctx, 7))

	_, ok := store.Market(7)
	assert.True(t, ok)
	orders, ok := store.Orders(7)
	assert.True(t, ok)
	assert.Len(t, orders, 1)
	_, ok = store.Position(box.Current().Account(), 7)
	assert.True(t, ok)

	for i := 0; i < 3; i++ {
		select {
		case <-events:
		case <-time.After(time.Second):
			t.Fatal("missing view event")
		}
	}
}

func TestPositionFromReplacedSessionIsDropped(t *testing.T) {
	store := memory.NewViewStore()
	box := &sessionBox{}
	first := connected("0xaa", 1)
	box.set(first)
	store.Advance(1)

	led := &fakeLedger{}
	led.duringRead = func() {
		box.set(connected("0xbb", 2))
		store.Advance(2)
	}
	svc := NewMarketService(led, store, box, nil, nil, testLogger())
	require.NoError(t, svc.RefreshPosition(context.Background(), 7))

	_, ok := store.Position(first.Account(), 7)
	assert.False(t, ok)
}

func TestPositionWithoutSession(t *testing.T) {
	led := &fakeLedger{}
	svc := NewMarketService(led, memory.NewViewStore(), &sessionBox{}, nil, nil, testLogger())

	require.NoError(t, svc.RefreshPosition(context.Background(), 7))
	assert.Zero(t, led.positions)
	_, err := svc.Position(context.Background(), 7)
	assert.ErrorIs(t, err, domain.ErrUnavailable)
}

func TestMarketFallsBackToMirrorOnNetworkError(t *testing.T) {
	mirror := &fakeMirror{snaps: map[uint64]domain.MarketSnapshot{7: {ID: 7, Question: "cached"}}}
	led := &fakeLedger{marketErr: domain.NewLedgerError(domain.KindNetwork, "getMarketInfo", errors.New("down"))}
	svc := NewMarketService(led, memory.NewViewStore(), &sessionBox{}, mirror, nil, testLogger())

	m, err := svc.Market(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "cached", m.Question)

	_, err = svc.Market(context.Background(), 8)
	assert.ErrorIs(t, err, domain.ErrNetwork)
}

func TestEmptyOrderBookServedFromStore(t *testing.T) {
	led := &fakeLedger{emptyBook: true}
	svc := NewMarketService(led, memory.NewViewStore(), &sessionBox{}, nil, nil, testLogger())

	for i := 0; i < 3; i++ {
		orders, err := svc.Orders(context.Background(), 7)
		require.NoError(t, err)
		assert.Empty(t, orders)
	}
	assert.Equal(t, 1, led.bookReads)
}

func TestUnknownMarketDropsMirroredSnapshot(t *testing.T) {
	mirror := &fakeMirror{snaps: map[uint64]domain.MarketSnapshot{7: {ID: 7, Question: "gone"}}}
	led := &fakeLedger{marketErr: fmt.Errorf("ledger: getMarketInfo: market 7: %w", domain.ErrNotFound)}
	svc := NewMarketService(led, memory.NewViewStore(), &sessionBox{}, mirror, nil, testLogger())

	_, err := svc.Market(context.Background(), 7)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NotContains(t, mirror.snaps, uint64(7))
}

func TestMarketsSortedByID(t *testing.T) {
	svc := NewMarketService(&fakeLedger{}, memory.NewViewStore(), &sessionBox{}, nil, nil, testLogger())
	list, err := svc.Markets(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, uint64(1), list[0].ID)
}

func TestWalletRefresh(t *testing.T) {
	store := memory.NewViewStore()
	box := &sessionBox{}
	svc := NewWalletService(&fakeLedger{}, store, box, nil, testLogger())

	_, err := svc.State(context.Background())
	assert.ErrorIs(t, err, domain.ErrUnavailable)

	box.set(connected("0xaa", 1))
	store.Advance(1)
	w, err := svc.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1000), w.Balance.Int64())
	assert.Equal(t, int64(250), w.Allowance.Int64())
	assert.False(t, w.CanMint())
}
