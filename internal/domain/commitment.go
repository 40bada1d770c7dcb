package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// CommitmentKind names the ledger write a commitment belongs to.
type CommitmentKind string

const (
	CommitmentApproval CommitmentKind = "approval"
	CommitmentTrade    CommitmentKind = "trade"
	CommitmentClaim    CommitmentKind = "claim"
	CommitmentFaucet   CommitmentKind = "faucet"
)

// CommitmentStatus is the lifecycle of a submitted write.
type CommitmentStatus string

const (
	CommitmentPending   CommitmentStatus = "pending"
	CommitmentConfirmed CommitmentStatus = "confirmed"
	CommitmentFailed    CommitmentStatus = "failed"
)

// PendingCommitment tracks a write that was accepted for submission. At most
// one may be outstanding per (Account, MarketID, Kind).
type PendingCommitment struct {
	Kind        CommitmentKind   `json:"kind"`
	Account     common.Address   `json:"account"`
	MarketID    uint64           `json:"market_id"`
	Hash        common.Hash      `json:"hash"`
	SubmittedAt time.Time        `json:"submitted_at"`
	Status      CommitmentStatus `json:"status"`
}

// Quote is the ledger's estimate for a proposed order, in whole tokens.
type Quote struct {
	ExpectedShares  string `json:"expected_shares"`
	PotentialReturn string `json:"potential_return"`
}

// ZeroQuote is returned for degenerate input and on any quote failure.
var ZeroQuote = Quote{ExpectedShares: "0", PotentialReturn: "0"}
