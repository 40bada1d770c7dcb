package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/metamarket/internal/domain"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Commitment is a broadcast write awaiting inclusion.
type Commitment struct {
	client      *Client
	op          string
	from        common.Address
	tx          *types.Transaction
	submittedAt time.Time
}

// Hash identifies the commitment on the ledger.
func (cm *Commitment) Hash() common.Hash { return cm.tx.Hash() }

// SubmittedAt is when the write was broadcast.
func (cm *Commitment) SubmittedAt() time.Time { return cm.submittedAt }

// Wait polls for the receipt until the write is included or ctx ends.
// Cancelling ctx abandons the wait only; the write stays on the ledger.
func (cm *Commitment) Wait(ctx context.Context) (*types.Receipt, error) {
	ticker := time.NewTicker(cm.client.opts.ReceiptPoll)
	defer ticker.Stop()

	for {
		receipt, err := cm.client.backend.TransactionReceipt(ctx, cm.Hash())
		switch {
		case err == nil:
			if receipt.Status == types.ReceiptStatusFailed {
				return receipt, cm.revertError(ctx, receipt)
			}
			cm.client.logger.Info("commitment confirmed",
				slog.String("op", cm.op),
				slog.String("tx", cm.Hash().Hex()),
				slog.Uint64("block", receipt.BlockNumber.Uint64()),
			)
			return receipt, nil
		case errors.Is(err, ethereum.NotFound):
			// still pending
		default:
			cm.client.logger.Warn("receipt poll failed",
				slog.String("op", cm.op),
				slog.String("tx", cm.Hash().Hex()),
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-ctx.Done():
			return nil, domain.NewLedgerError(domain.KindNetwork, cm.op, fmt.Errorf("waiting for %s: %w", cm.Hash().Hex(), ctx.Err()))
		case <-ticker.C:
		}
	}
}

// revertError replays the call at the failing block to recover the reason.
func (cm *Commitment) revertError(ctx context.Context, receipt *types.Receipt) error {
	msg := ethereum.CallMsg{
		From:     cm.from,
		To:       cm.tx.To(),
		Gas:      cm.tx.Gas(),
		GasPrice: cm.tx.GasPrice(),
		Value:    cm.tx.Value(),
		Data:     cm.tx.Data(),
	}
	_, callErr := cm.client.backend.CallContract(ctx, msg, receipt.BlockNumber)

	le := &domain.LedgerError{
		Kind: domain.KindReverted,
		Op:   cm.op,
		Err:  fmt.Errorf("tx %s reverted in block %s", cm.Hash().Hex(), receipt.BlockNumber),
	}
	if callErr != nil {
		if reason, ok := revertReason(callErr); ok {
			le.Reason = reason
		}
	}
	if receipt.GasUsed >= cm.tx.Gas() && le.Reason == "" {
		le.Reason = "out of gas"
	}
	cm.client.logger.Warn("commitment reverted",
		slog.String("op", cm.op),
		slog.String("tx", cm.Hash().Hex()),
		slog.String("reason", le.Reason),
	)
	return le
}
