package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/alanyoungcy/metamarket/internal/domain"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Approve authorizes the market contract to pull exactly amountWei of
// collateral from the session account.
func (c *Client) Approve(ctx context.Context, sess domain.Session, amountWei *big.Int) (*Commitment, error) {
	const op = "approve"
	_, addrs, err := c.binding(op)
	if err != nil {
		return nil, err
	}
	if amountWei == nil || amountWei.Sign() <= 0 {
		return nil, fmt.Errorf("ledger: approve: %w", domain.ErrInvalidOrder)
	}
	return c.transact(ctx, op, sess, addrs.Token, tokenABI, c.opts.Gas.Approve, op, addrs.Market, amountWei)
}

// Trade places an order. amount is in whole units, not wei.
func (c *Client) Trade(ctx context.Context, sess domain.Session, marketID uint64, side domain.Side, amount *big.Int, dir domain.Direction) (*Commitment, error) {
	const op = "trade"
	_, addrs, err := c.binding(op)
	if err != nil {
		return nil, err
	}
	return c.transact(ctx, op, sess, addrs.Market, marketABI, c.opts.Gas.Trade, op,
		marketIDArg(marketID), side.IsYes(), amount, dir.IsBuy())
}

// ClaimRewards collects winnings from a resolved market.
func (c *Client) ClaimRewards(ctx context.Context, sess domain.Session, marketID uint64) (*Commitment, error) {
	const op = "claimRewards"
	_, addrs, err := c.binding(op)
	if err != nil {
		return nil, err
	}
	return c.transact(ctx, op, sess, addrs.Market, marketABI, c.opts.Gas.Claim, op, marketIDArg(marketID))
}

// Faucet mints test collateral to the session account.
func (c *Client) Faucet(ctx context.Context, sess domain.Session) (*Commitment, error) {
	const op = "faucet"
	_, addrs, err := c.binding(op)
	if err != nil {
		return nil, err
	}
	return c.transact(ctx, op, sess, addrs.Token, tokenABI, c.opts.Gas.Faucet, op)
}

func (c *Client) accountLock(a common.Address) *sync.Mutex {
	v, _ := c.nonceMu.LoadOrStore(a, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// transact builds, signs and broadcasts a legacy transaction. Nonce lookup
// and broadcast are serialized per account so concurrent writes from one
// session never reuse a nonce.
func (c *Client) transact(ctx context.Context, op string, sess domain.Session, to common.Address, a abi.ABI, gas uint64, method string, args ...interface{}) (*Commitment, error) {
	if err := c.requireSession(op, sess); err != nil {
		return nil, err
	}
	data, err := a.Pack(method, args...)
	if err != nil {
		return nil, domain.NewLedgerError(domain.KindUnavailable, op, fmt.Errorf("pack %s: %w", method, err))
	}

	lock := c.accountLock(sess.Address)
	lock.Lock()
	defer lock.Unlock()

	nonce, err := c.backend.PendingNonceAt(ctx, sess.Address)
	if err != nil {
		return nil, classify(op, fmt.Errorf("pending nonce: %w", err))
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, classify(op, fmt.Errorf("gas price: %w", err))
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Value:    new(big.Int),
		Data:     data,
	})
	signed, err := sess.Signer.SignTx(ctx, tx)
	if err != nil {
		return nil, classify(op, err)
	}
	send := func() error { return c.backend.SendTransaction(ctx, signed) }
	if r, ok := sess.Signer.(domain.Revocable); ok {
		err = r.Use(send)
	} else {
		err = send()
	}
	if err != nil {
		return nil, classify(op, err)
	}

	c.logger.Info("commitment submitted",
		slog.String("op", op),
		slog.String("account", sess.Account()),
		slog.String("tx", signed.Hash().Hex()),
		slog.Uint64("nonce", nonce),
	)
	return &Commitment{
		client:      c,
		op:          op,
		from:        sess.Address,
		tx:          signed,
		submittedAt: time.Now().UTC(),
	}, nil
}
