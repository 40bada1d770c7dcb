package ledger

import (
	"context"
	"errors"
	"strings"

	"github.com/alanyoungcy/metamarket/internal/domain"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// JSON-RPC code nodes use for a reverted eth_call or eth_estimateGas.
const rpcCodeExecutionReverted = 3

const revertedPrefix = "execution reverted"

// classify maps any failure from the node or the signer into a LedgerError.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var le *domain.LedgerError
	if errors.As(err, &le) {
		return err
	}

	switch {
	case errors.Is(err, domain.ErrRejected):
		return domain.NewLedgerError(domain.KindRejected, op, err)
	case errors.Is(err, domain.ErrStaleSession):
		return domain.NewLedgerError(domain.KindStaleSession, op, err)
	case errors.Is(err, domain.ErrUnavailable), errors.Is(err, domain.ErrNoProvider):
		return domain.NewLedgerError(domain.KindUnavailable, op, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return domain.NewLedgerError(domain.KindNetwork, op, err)
	}

	if reason, ok := revertReason(err); ok {
		return &domain.LedgerError{Kind: domain.KindReverted, Op: op, Reason: reason, Err: err}
	}
	return domain.NewLedgerError(domain.KindNetwork, op, err)
}

// revertReason extracts the ledger's explanation from a reverted call.
func revertReason(err error) (string, bool) {
	var de rpc.DataError
	if errors.As(err, &de) {
		if reason, ok := decodeRevertData(de.ErrorData()); ok {
			return reason, true
		}
	}

	msg := err.Error()
	if idx := strings.Index(msg, revertedPrefix); idx >= 0 {
		return strings.TrimSpace(strings.TrimPrefix(msg[idx+len(revertedPrefix):], ":")), true
	}

	var re rpc.Error
	if errors.As(err, &re) && re.ErrorCode() == rpcCodeExecutionReverted {
		return "", true
	}
	return "", false
}

func decodeRevertData(data interface{}) (string, bool) {
	s, ok := data.(string)
	if !ok || s == "" {
		return "", false
	}
	raw, err := hexutil.Decode(s)
	if err != nil {
		return "", false
	}
	reason, err := abi.UnpackRevert(raw)
	if err != nil {
		return "", len(raw) > 0
	}
	return reason, true
}
