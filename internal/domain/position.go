package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Position is an account's holdings in one market plus its collateral
// balance, keyed by (Account, MarketID).
type Position struct {
	Account     common.Address
	MarketID    uint64
	YesShares   *big.Int
	NoShares    *big.Int
	MetaBalance *big.Int // collateral in wei
	FetchedAt   time.Time
}

// WalletState is the faucet view of an account: collateral balance, how much
// of it the market contract may pull, and the time left until the next mint
// is allowed.
type WalletState struct {
	Account   common.Address
	Balance   *big.Int
	Allowance *big.Int
	Cooldown  time.Duration
	FetchedAt time.Time
}

// CanMint reports whether the faucet cooldown has elapsed.
func (w WalletState) CanMint() bool { return w.Cooldown <= 0 }
