package ledger

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/alanyoungcy/metamarket/internal/domain"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// MarketInfo reads one market's snapshot.
func (c *Client) MarketInfo(ctx context.Context, marketID uint64) (domain.MarketSnapshot, error) {
	const op = "getMarketInfo"
	_, addrs, err := c.binding(op)
	if err != nil {
		return domain.MarketSnapshot{}, err
	}

	var out marketInfoOut
	if err := c.callInto(ctx, op, addrs.Market, marketABI, &out, op, marketIDArg(marketID)); err != nil {
		return domain.MarketSnapshot{}, err
	}
	// Unknown ids read back as the zero struct.
	if out.Creator == (common.Address{}) && out.Question == "" {
		return domain.MarketSnapshot{}, fmt.Errorf("ledger: %s: market %d: %w", op, marketID, domain.ErrNotFound)
	}
	return domain.MarketSnapshot{
		ID:             marketID,
		Question:       out.Question,
		ImageURL:       out.ImageUrl,
		ResolutionTime: unixTime(out.ResolutionTime),
		Resolved:       out.Resolved,
		Outcome:        domain.Outcome(out.Outcome),
		YesPrice:       nonNil(out.YesPrice),
		NoPrice:        nonNil(out.NoPrice),
		YesShares:      nonNil(out.YesShares),
		NoShares:       nonNil(out.NoShares),
		Creator:        out.Creator,
		YesToken:       out.YesToken,
		NoToken:        out.NoToken,
		FetchedAt:      time.Now().UTC(),
	}, nil
}

// AllMarkets lists every market.
func (c *Client) AllMarkets(ctx context.Context) ([]domain.MarketSummary, error) {
	const op = "getAllMarketsInfo"
	_, addrs, err := c.binding(op)
	if err != nil {
		return nil, err
	}

	vals, err := c.call(ctx, op, common.Address{}, addrs.Market, marketABI, op)
	if err != nil {
		return nil, err
	}
	tuples := *abi.ConvertType(vals[0], new([]marketSummaryTuple)).(*[]marketSummaryTuple)

	out := make([]domain.MarketSummary, 0, len(tuples))
	for _, t := range tuples {
		out = append(out, domain.MarketSummary{
			ID:             nonNil(t.Id).Uint64(),
			Question:       t.Question,
			ImageURL:       t.ImageUrl,
			ResolutionTime: unixTime(t.ResolutionTime),
			Resolved:       t.Resolved,
			TotalLiquidity: nonNil(t.TotalLiquidity),
		})
	}
	return out, nil
}

// OrderBook reads a market's order history.
func (c *Client) OrderBook(ctx context.Context, marketID uint64) ([]domain.OrderRecord, error) {
	const op = "getOrderBook"
	_, addrs, err := c.binding(op)
	if err != nil {
		return nil, err
	}

	vals, err := c.call(ctx, op, common.Address{}, addrs.Market, marketABI, op, marketIDArg(marketID))
	if err != nil {
		return nil, err
	}
	tuples := *abi.ConvertType(vals[0], new([]orderTuple)).(*[]orderTuple)

	out := make([]domain.OrderRecord, 0, len(tuples))
	for _, t := range tuples {
		out = append(out, domain.OrderRecord{
			ID:        nonNil(t.Id).Uint64(),
			Trader:    t.Trader,
			Side:      domain.SideFromBool(t.IsYes),
			Amount:    nonNil(t.Amount),
			Price:     nonNil(t.Price),
			Direction: domain.DirectionFromBool(t.IsBuy),
			Timestamp: unixTime(t.Timestamp),
		})
	}
	return out, nil
}

// UserPosition reads the session account's holdings in a market.
func (c *Client) UserPosition(ctx context.Context, sess domain.Session, marketID uint64) (domain.Position, error) {
	const op = "getUserPositions"
	if err := c.requireSession(op, sess); err != nil {
		return domain.Position{}, err
	}
	_, addrs, err := c.binding(op)
	if err != nil {
		return domain.Position{}, err
	}

	var out positionOut
	if err := c.callInto(ctx, op, addrs.Market, marketABI, &out, op, sess.Address, marketIDArg(marketID)); err != nil {
		return domain.Position{}, err
	}
	return domain.Position{
		Account:     sess.Address,
		MarketID:    marketID,
		YesShares:   nonNil(out.YesShares),
		NoShares:    nonNil(out.NoShares),
		MetaBalance: nonNil(out.MetaBalance),
		FetchedAt:   time.Now().UTC(),
	}, nil
}

// ExpectedShares quotes the shares an order of amountWei would move.
func (c *Client) ExpectedShares(ctx context.Context, marketID uint64, side domain.Side, amountWei *big.Int, dir domain.Direction) (*big.Int, error) {
	const op = "getExpectedShares"
	_, addrs, err := c.binding(op)
	if err != nil {
		return nil, err
	}
	vals, err := c.call(ctx, op, common.Address{}, addrs.Market, marketABI, op,
		marketIDArg(marketID), side.IsYes(), amountWei, dir.IsBuy())
	if err != nil {
		return nil, err
	}
	return bigOrZero(vals[0]), nil
}

// PotentialReturn quotes the payout of an order of amountWei.
func (c *Client) PotentialReturn(ctx context.Context, marketID uint64, amountWei *big.Int, side domain.Side, dir domain.Direction) (*big.Int, error) {
	const op = "getPotentialReturn"
	_, addrs, err := c.binding(op)
	if err != nil {
		return nil, err
	}
	vals, err := c.call(ctx, op, common.Address{}, addrs.Market, marketABI, op,
		marketIDArg(marketID), amountWei, side.IsYes(), dir.IsBuy())
	if err != nil {
		return nil, err
	}
	return bigOrZero(vals[0]), nil
}

// Balance reads the session account's collateral balance in wei.
func (c *Client) Balance(ctx context.Context, sess domain.Session) (*big.Int, error) {
	const op = "checkBalance"
	if err := c.requireSession(op, sess); err != nil {
		return nil, err
	}
	_, addrs, err := c.binding(op)
	if err != nil {
		return nil, err
	}
	vals, err := c.call(ctx, op, sess.Address, addrs.Token, tokenABI, op, sess.Address)
	if err != nil {
		return nil, err
	}
	return bigOrZero(vals[0]), nil
}

// Allowance reads how much collateral the market contract may pull from the
// session account.
func (c *Client) Allowance(ctx context.Context, sess domain.Session) (*big.Int, error) {
	const op = "allowance"
	if err := c.requireSession(op, sess); err != nil {
		return nil, err
	}
	_, addrs, err := c.binding(op)
	if err != nil {
		return nil, err
	}
	vals, err := c.call(ctx, op, sess.Address, addrs.Token, tokenABI, op, sess.Address, addrs.Market)
	if err != nil {
		return nil, err
	}
	return bigOrZero(vals[0]), nil
}

// TimeUntilNextMint reads the faucet cooldown for the session account.
func (c *Client) TimeUntilNextMint(ctx context.Context, sess domain.Session) (time.Duration, error) {
	const op = "timeUntilNextMint"
	if err := c.requireSession(op, sess); err != nil {
		return 0, err
	}
	_, addrs, err := c.binding(op)
	if err != nil {
		return 0, err
	}
	vals, err := c.call(ctx, op, sess.Address, addrs.Token, tokenABI, op, sess.Address)
	if err != nil {
		return 0, err
	}
	secs := bigOrZero(vals[0])
	if !secs.IsInt64() {
		return 0, domain.NewLedgerError(domain.KindNetwork, op, fmt.Errorf("cooldown out of range: %s", secs))
	}
	return time.Duration(secs.Int64()) * time.Second, nil
}

func nonNil(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
