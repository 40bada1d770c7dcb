package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Outcome is the resolved result of a market.
type Outcome uint8

const (
	OutcomeUnresolved Outcome = iota
	OutcomeYes
	OutcomeNo
)

func (o Outcome) String() string {
	switch o {
	case OutcomeYes:
		return "yes"
	case OutcomeNo:
		return "no"
	default:
		return "unresolved"
	}
}

// MarketSnapshot is the ledger's view of one market at FetchedAt. Snapshots
// are never mutated; a refresh replaces the whole value.
type MarketSnapshot struct {
	ID             uint64
	Question       string
	ImageURL       string
	ResolutionTime time.Time
	Resolved       bool
	Outcome        Outcome
	YesPrice       *big.Int
	NoPrice        *big.Int
	YesShares      *big.Int
	NoShares       *big.Int
	Creator        common.Address
	YesToken       common.Address
	NoToken        common.Address
	FetchedAt      time.Time
}

// Open reports whether the market still accepts trades.
func (m MarketSnapshot) Open(now time.Time) bool {
	if m.Resolved {
		return false
	}
	return m.ResolutionTime.IsZero() || now.Before(m.ResolutionTime)
}

// MarketSummary is the list-view projection of a market.
type MarketSummary struct {
	ID             uint64
	Question       string
	ImageURL       string
	ResolutionTime time.Time
	Resolved       bool
	TotalLiquidity *big.Int
}
