package domain

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Signer is the capability to authorize ledger writes for one account.
type Signer interface {
	Address() common.Address
	SignTx(ctx context.Context, tx *types.Transaction) (*types.Transaction, error)
}

// Revocable is implemented by signers that stop working when their session
// is replaced. Use runs fn only while the signer is still valid; revocation
// waits for a running fn to return.
type Revocable interface {
	Use(fn func() error) error
}

// Session is the connected identity. Signer is non-nil iff Address is set.
// Epoch increments every time the session is replaced or cleared.
type Session struct {
	Address common.Address
	ChainID int64
	Epoch   uint64
	Signer  Signer
}

// Connected reports whether the session carries an account and a signer.
func (s Session) Connected() bool {
	return s.Signer != nil && s.Address != (common.Address{})
}

// Account returns the lowercase hex address, or "" when disconnected.
func (s Session) Account() string {
	if !s.Connected() {
		return ""
	}
	return AccountKey(s.Address)
}

// AccountKey normalizes an address for use in map and cache keys.
func AccountKey(a common.Address) string {
	return strings.ToLower(a.Hex())
}
