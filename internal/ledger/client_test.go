package ledger

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/alanyoungcy/metamarket/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarketInfoDecodes(t *testing.T) {
	b := newFakeBackend()
	creator := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	b.handle("getMarketInfo", func(args []interface{}) ([]byte, error) {
		assert.Equal(t, big.NewInt(7), args[0])
		return packOutputs(t, marketABI, "getMarketInfo",
			"Will it rain?", "https://img", big.NewInt(1_700_000_000), false, uint8(0),
			big.NewInt(600), big.NewInt(400), big.NewInt(10), big.NewInt(20),
			creator, common.Address{1}, common.Address{2}), nil
	})

	snap, err := newTestClient(b).MarketInfo(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), snap.ID)
	assert.Equal(t, "Will it rain?", snap.Question)
	assert.Equal(t, "https://img", snap.ImageURL)
	assert.Equal(t, time.Unix(1_700_000_000, 0).UTC(), snap.ResolutionTime)
	assert.Equal(t, domain.OutcomeUnresolved, snap.Outcome)
	assert.Equal(t, int64(600), snap.YesPrice.Int64())
	assert.Equal(t, int64(20), snap.NoShares.Int64())
	assert.Equal(t, creator, snap.Creator)
	assert.False(t, snap.FetchedAt.IsZero())
}

func TestMarketInfoUnknownIDIsNotFound(t *testing.T) {
	b := newFakeBackend()
	b.handle("getMarketInfo", func([]interface{}) ([]byte, error) {
		return packOutputs(t, marketABI, "getMarketInfo",
			"", "", big.NewInt(0), false, uint8(0),
			big.NewInt(0), big.NewInt(0), big.NewInt(0), big.NewInt(0),
			common.Address{}, common.Address{}, common.Address{}), nil
	})

	_, err := newTestClient(b).MarketInfo(context.Background(), 99)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOrderBookDecodes(t *testing.T) {
	b := newFakeBackend()
	trader := common.HexToAddress("0x0000000000000000000000000000000000000aaa")
	b.handle("getOrderBook", func([]interface{}) ([]byte, error) {
		return packOutputs(t, marketABI, "getOrderBook", []orderTuple{
			{Id: big.NewInt(1), Trader: trader, IsYes: true, Amount: big.NewInt(50), Price: big.NewInt(600), IsBuy: true, Timestamp: big.NewInt(1_700_000_100)},
			{Id: big.NewInt(2), Trader: trader, IsYes: false, Amount: big.NewInt(5), Price: big.NewInt(400), IsBuy: false, Timestamp: big.NewInt(1_700_000_200)},
		}), nil
	})

	orders, err := newTestClient(b).OrderBook(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, domain.SideYes, orders[0].Side)
	assert.Equal(t, domain.DirectionBuy, orders[0].Direction)
	assert.Equal(t, int64(50), orders[0].Amount.Int64())
	assert.Equal(t, domain.SideNo, orders[1].Side)
	assert.Equal(t, domain.DirectionSell, orders[1].Direction)
	assert.Equal(t, trader, orders[1].Trader)
}

func TestAllMarketsDecodes(t *testing.T) {
	b := newFakeBackend()
	b.handle("getAllMarketsInfo", func([]interface{}) ([]byte, error) {
		return packOutputs(t, marketABI, "getAllMarketsInfo", []marketSummaryTuple{
			{Id: big.NewInt(3), Question: "Q3", ImageUrl: "", ResolutionTime: big.NewInt(0), Resolved: true, TotalLiquidity: big.NewInt(99)},
		}), nil
	})

	markets, err := newTestClient(b).AllMarkets(context.Background())
	require.NoError(t, err)
	require.Len(t, markets, 1)
	assert.Equal(t, uint64(3), markets[0].ID)
	assert.True(t, markets[0].Resolved)
	assert.True(t, markets[0].ResolutionTime.IsZero())
	assert.Equal(t, int64(99), markets[0].TotalLiquidity.Int64())
}

func TestAccountReadsRequireSession(t *testing.T) {
	c := newTestClient(newFakeBackend())

	_, err := c.UserPosition(context.Background(), domain.Session{}, 7)
	assert.ErrorIs(t, err, domain.ErrUnavailable)
	_, err = c.Balance(context.Background(), domain.Session{})
	assert.ErrorIs(t, err, domain.ErrUnavailable)
	_, err = c.TimeUntilNextMint(context.Background(), domain.Session{})
	assert.ErrorIs(t, err, domain.ErrUnavailable)
}

func TestWritesWithoutSessionSendNothing(t *testing.T) {
	b := newFakeBackend()
	c := newTestClient(b)
	ctx := context.Background()

	_, err := c.Approve(ctx, domain.Session{}, big.NewInt(1))
	assert.Equal(t, domain.KindUnavailable, domain.KindOf(err))
	_, err = c.Trade(ctx, domain.Session{}, 7, domain.SideYes, big.NewInt(1), domain.DirectionBuy)
	assert.Equal(t, domain.KindUnavailable, domain.KindOf(err))
	_, err = c.ClaimRewards(ctx, domain.Session{}, 7)
	assert.Equal(t, domain.KindUnavailable, domain.KindOf(err))
	_, err = c.Faucet(ctx, domain.Session{})
	assert.Equal(t, domain.KindUnavailable, domain.KindOf(err))

	assert.Empty(t, b.sentTxs())
}

func TestAllowanceAsksForMarketSpender(t *testing.T) {
	b := newFakeBackend()
	sess := newTestSession(t)
	b.handle("allowance", func(args []interface{}) ([]byte, error) {
		assert.Equal(t, sess.Address, args[0])
		assert.Equal(t, testMarket, args[1])
		return packOutputs(t, tokenABI, "allowance", big.NewInt(42)), nil
	})

	v, err := newTestClient(b).Allowance(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, int64(42), v.Int64())
}

func TestUnboundClientIsUnavailable(t *testing.T) {
	c := NewClient(newFakeBackend(), 5, Addresses{}, Options{}, testLogger())
	_, err := c.MarketInfo(context.Background(), 1)
	assert.ErrorIs(t, err, domain.ErrUnavailable)

	c.Rebind(testChainID, Addresses{Market: testMarket, Token: testToken}, true)
	_, _, ok := c.Binding()
	assert.True(t, ok)
}

func TestSessionOnOtherChainIsStale(t *testing.T) {
	b := newFakeBackend()
	c := newTestClient(b)
	sess := newTestSession(t)
	sess.ChainID = 1

	_, err := c.ClaimRewards(context.Background(), sess, 7)
	assert.ErrorIs(t, err, domain.ErrStaleSession)
	assert.Empty(t, b.sentTxs())
}

// revokedSigner signs but refuses every broadcast, as a replaced session does.
type revokedSigner struct{ domain.Signer }

func (revokedSigner) Use(func() error) error { return domain.ErrStaleSession }

func TestRevokedSignerBroadcastsNothing(t *testing.T) {
	b := newFakeBackend()
	c := newTestClient(b)
	sess := newTestSession(t)
	sess.Signer = revokedSigner{sess.Signer}

	_, err := c.ClaimRewards(context.Background(), sess, 7)
	assert.ErrorIs(t, err, domain.ErrStaleSession)
	assert.Equal(t, domain.KindStaleSession, domain.KindOf(err))
	assert.Empty(t, b.sentTxs())
}

func TestApproveTargetsMarketWithExactAmount(t *testing.T) {
	b := newFakeBackend()
	c := newTestClient(b)
	sess := newTestSession(t)
	amount := domain.ToWei(mustAmount(t, "50"))

	cm, err := c.Approve(context.Background(), sess, amount)
	require.NoError(t, err)

	sent := b.sentTxs()
	require.Len(t, sent, 1)
	tx := sent[0]
	assert.Equal(t, testToken, *tx.To())
	assert.Equal(t, uint64(100_000), tx.Gas())
	assert.Equal(t, cm.Hash(), tx.Hash())

	args, err := tokenABI.Methods["approve"].Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, testMarket, args[0])
	assert.Equal(t, 0, amount.Cmp(args[1].(*big.Int)))
}

func TestTradeEncodesWholeUnits(t *testing.T) {
	b := newFakeBackend()
	c := newTestClient(b)

	_, err := c.Trade(context.Background(), newTestSession(t), 7, domain.SideYes, big.NewInt(50), domain.DirectionBuy)
	require.NoError(t, err)

	tx := b.sentTxs()[0]
	assert.Equal(t, testMarket, *tx.To())
	assert.Equal(t, uint64(500_000), tx.Gas())
	args, err := marketABI.Methods["trade"].Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(7), args[0])
	assert.Equal(t, true, args[1])
	assert.Equal(t, big.NewInt(50), args[2])
	assert.Equal(t, true, args[3])
}

func TestRejectedSignatureSendsNothing(t *testing.T) {
	b := newFakeBackend()
	c := newTestClient(b)
	sess := newTestSession(t)
	sess.Signer = refusingSigner{addr: sess.Address}

	_, err := c.Faucet(context.Background(), sess)
	assert.Equal(t, domain.KindRejected, domain.KindOf(err))
	assert.Empty(t, b.sentTxs())
}

func TestSendFailureIsNetwork(t *testing.T) {
	b := newFakeBackend()
	b.sendErr = errBoom
	_, err := newTestClient(b).Faucet(context.Background(), newTestSession(t))
	assert.Equal(t, domain.KindNetwork, domain.KindOf(err))
	assert.ErrorIs(t, err, errBoom)
}

func TestCommitmentConfirmed(t *testing.T) {
	b := newFakeBackend()
	cm, err := newTestClient(b).Faucet(context.Background(), newTestSession(t))
	require.NoError(t, err)

	go b.confirm(b.sentTxs()[0], types.ReceiptStatusSuccessful)

	receipt, err := cm.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)
}

func TestCommitmentRevertCarriesReason(t *testing.T) {
	b := newFakeBackend()
	b.handle("faucet", func([]interface{}) ([]byte, error) {
		return nil, &revertError{msg: "execution reverted", data: packRevert(t, "You must wait 24 hours")}
	})
	cm, err := newTestClient(b).Faucet(context.Background(), newTestSession(t))
	require.NoError(t, err)
	b.confirm(b.sentTxs()[0], types.ReceiptStatusFailed)

	_, err = cm.Wait(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrReverted)
	assert.Equal(t, "You must wait 24 hours", domain.RevertReason(err))
	require.Len(t, b.replayed, 1)
	assert.Equal(t, int64(42), b.replayed[0].Int64())
}

func TestCommitmentWaitCancelled(t *testing.T) {
	b := newFakeBackend()
	cm, err := newTestClient(b).Faucet(context.Background(), newTestSession(t))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = cm.Wait(ctx)
	assert.Equal(t, domain.KindNetwork, domain.KindOf(err))
	assert.Len(t, b.sentTxs(), 1, "the write itself is not withdrawn")
}

func mustAmount(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := domain.ParseAmount(s)
	require.NoError(t, err)
	return d
}
