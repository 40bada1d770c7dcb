package quote

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/metamarket/internal/cache/memory"
	"github.com/alanyoungcy/metamarket/internal/domain"
)

type stubSigner struct{ addr common.Address }

func (s stubSigner) Address() common.Address { return s.addr }
func (s stubSigner) SignTx(_ context.Context, tx *types.Transaction) (*types.Transaction, error) {
	return tx, nil
}

type fixedSession struct{ sess domain.Session }

func (f fixedSession) Current() domain.Session { return f.sess }

func TestBoardSupersedesPerAccountAndMarket(t *testing.T) {
	release := make(chan struct{})
	r := &fakeReader{gate: map[string]chan struct{}{"1": release}}
	addr := common.HexToAddress("0xAAA")
	sess := fixedSession{domain.Session{Address: addr, ChainID: 1, Epoch: 1, Signer: stubSigner{addr}}}

	bus := memory.NewSignalBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := bus.Subscribe(ctx, domain.ChannelQuote)
	require.NoError(t, err)

	board := NewBoard(NewEngine(r, testLogger()), sess, bus, testLogger())
	m7, m8 := &domain.MarketSnapshot{ID: 7}, &domain.MarketSnapshot{ID: 8}

	first := make(chan bool, 1)
	go func() {
		_, ok := board.Quote(ctx, m7, domain.ProposedOrder{MarketID: 7, Side: domain.SideYes, Amount: "1"})
		first <- ok
	}()
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.calls >= 1
	}, time.Second, time.Millisecond)

	// Another market's form is independent.
	_, ok := board.Quote(ctx, m8, domain.ProposedOrder{MarketID: 8, Side: domain.SideNo, Amount: "3"})
	assert.True(t, ok)

	q, ok := board.Quote(ctx, m7, domain.ProposedOrder{MarketID: 7, Side: domain.SideYes, Amount: "2"})
	require.True(t, ok)
	assert.Equal(t, "4", q.ExpectedShares)

	close(release)
	assert.False(t, <-first)

	var got []Event
	for len(got) < 2 {
		select {
		case payload := <-events:
			var ev Event
			require.NoError(t, json.Unmarshal(payload, &ev))
			got = append(got, ev)
		case <-time.After(time.Second):
			t.Fatal("missing quote event")
		}
	}
	select {
	case payload := <-events:
		t.Fatalf("superseded quote published: %s", payload)
	case <-time.After(50 * time.Millisecond):
	}

	assert.Equal(t, uint64(8), got[0].MarketID)
	assert.Equal(t, uint64(7), got[1].MarketID)
	assert.Equal(t, "2", got[1].Amount)
	assert.Equal(t, domain.AccountKey(addr), got[1].Account)
}
