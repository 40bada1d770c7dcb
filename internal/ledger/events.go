package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/alanyoungcy/metamarket/internal/domain"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
)

// TradeEvent is a decoded Trade log.
type TradeEvent struct {
	MarketID    uint64
	Trader      common.Address
	Side        domain.Side
	Amount      *big.Int
	Price       *big.Int
	Direction   domain.Direction
	BlockNumber uint64
	TxHash      common.Hash
	Removed     bool
}

// SubscribeTrades streams Trade events for marketID into sink. The returned
// subscription must be unsubscribed by the caller; its Err channel reports
// a dropped connection.
func (c *Client) SubscribeTrades(ctx context.Context, marketID uint64, sink chan<- TradeEvent) (ethereum.Subscription, error) {
	const op = "subscribeTrades"
	_, addrs, err := c.binding(op)
	if err != nil {
		return nil, err
	}

	q := ethereum.FilterQuery{
		Addresses: []common.Address{addrs.Market},
		Topics: [][]common.Hash{
			{TradeEventID},
			{common.BigToHash(marketIDArg(marketID))},
		},
	}
	logs := make(chan types.Log, 64)
	sub, err := c.backend.SubscribeFilterLogs(ctx, q, logs)
	if err != nil {
		return nil, classify(op, err)
	}

	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer sub.Unsubscribe()
		for {
			select {
			case <-quit:
				return nil
			case err := <-sub.Err():
				if err == nil {
					return nil
				}
				return classify(op, err)
			case lg := <-logs:
				ev, err := DecodeTrade(lg)
				if err != nil {
					c.logger.Warn("undecodable trade log",
						slog.String("tx", lg.TxHash.Hex()),
						slog.String("error", err.Error()),
					)
					continue
				}
				select {
				case sink <- ev:
				case <-quit:
					return nil
				}
			}
		}
	}), nil
}

// DecodeTrade decodes a raw Trade log.
func DecodeTrade(lg types.Log) (TradeEvent, error) {
	if len(lg.Topics) != 3 || lg.Topics[0] != TradeEventID {
		return TradeEvent{}, fmt.Errorf("ledger: not a Trade log")
	}
	vals, err := marketABI.Events["Trade"].Inputs.NonIndexed().Unpack(lg.Data)
	if err != nil {
		return TradeEvent{}, fmt.Errorf("ledger: unpack Trade: %w", err)
	}
	if len(vals) != 4 {
		return TradeEvent{}, fmt.Errorf("ledger: Trade has %d fields", len(vals))
	}
	isYes, _ := vals[0].(bool)
	isBuy, _ := vals[3].(bool)
	return TradeEvent{
		MarketID:    lg.Topics[1].Big().Uint64(),
		Trader:      common.BytesToAddress(lg.Topics[2].Bytes()),
		Side:        domain.SideFromBool(isYes),
		Amount:      bigOrZero(vals[1]),
		Price:       bigOrZero(vals[2]),
		Direction:   domain.DirectionFromBool(isBuy),
		BlockNumber: lg.BlockNumber,
		TxHash:      lg.TxHash,
		Removed:     lg.Removed,
	}, nil
}
