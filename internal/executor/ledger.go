package executor

import (
	"context"
	"math/big"
	"time"

	"github.com/alanyoungcy/metamarket/internal/domain"
	"github.com/alanyoungcy/metamarket/internal/ledger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Commitment is a submitted write awaiting finalization.
type Commitment interface {
	Hash() common.Hash
	SubmittedAt() time.Time
	Wait(ctx context.Context) (*types.Receipt, error)
}

// Ledger is the write side of the ledger used by the pipeline.
type Ledger interface {
	Approve(ctx context.Context, sess domain.Session, amountWei *big.Int) (Commitment, error)
	Trade(ctx context.Context, sess domain.Session, marketID uint64, side domain.Side, amount *big.Int, dir domain.Direction) (Commitment, error)
	ClaimRewards(ctx context.Context, sess domain.Session, marketID uint64) (Commitment, error)
	Faucet(ctx context.Context, sess domain.Session) (Commitment, error)
	TimeUntilNextMint(ctx context.Context, sess domain.Session) (time.Duration, error)
}

// LedgerWriter adapts *ledger.Client to Ledger.
type LedgerWriter struct {
	c *ledger.Client
}

// NewLedgerWriter wraps c.
func NewLedgerWriter(c *ledger.Client) *LedgerWriter { return &LedgerWriter{c: c} }

var _ Ledger = (*LedgerWriter)(nil)

func (w *LedgerWriter) Approve(ctx context.Context, sess domain.Session, amountWei *big.Int) (Commitment, error) {
	return wrap(w.c.Approve(ctx, sess, amountWei))
}

func (w *LedgerWriter) Trade(ctx context.Context, sess domain.Session, marketID uint64, side domain.Side, amount *big.Int, dir domain.Direction) (Commitment, error) {
	return wrap(w.c.Trade(ctx, sess, marketID, side, amount, dir))
}

func (w *LedgerWriter) ClaimRewards(ctx context.Context, sess domain.Session, marketID uint64) (Commitment, error) {
	return wrap(w.c.ClaimRewards(ctx, sess, marketID))
}

func (w *LedgerWriter) Faucet(ctx context.Context, sess domain.Session) (Commitment, error) {
	return wrap(w.c.Faucet(ctx, sess))
}

func (w *LedgerWriter) TimeUntilNextMint(ctx context.Context, sess domain.Session) (time.Duration, error) {
	return w.c.TimeUntilNextMint(ctx, sess)
}

// wrap avoids handing back a typed nil inside a non-nil interface.
func wrap(cm *ledger.Commitment, err error) (Commitment, error) {
	if err != nil {
		return nil, err
	}
	return cm, nil
}
