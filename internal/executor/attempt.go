package executor

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/metamarket/internal/domain"
	"github.com/ethereum/go-ethereum/common"
)

// Stage is the position of an attempt in the pipeline.
//
//	Idle -> Approving -> Approved -> Submitting -> Confirming -> Done
//	            |                        |             |
//	      ApprovalFailed              SubmitFailed <----+
//
// Sells, claims and faucet mints start at Submitting.
type Stage string

const (
	StageIdle           Stage = "idle"
	StageApproving      Stage = "approving"
	StageApproved       Stage = "approved"
	StageSubmitting     Stage = "submitting"
	StageConfirming     Stage = "confirming"
	StageDone           Stage = "done"
	StageApprovalFailed Stage = "approval_failed"
	StageSubmitFailed   Stage = "submit_failed"
)

// Terminal reports whether no further transition can happen.
func (s Stage) Terminal() bool {
	return s == StageDone || s == StageApprovalFailed || s == StageSubmitFailed
}

// Pending reports whether the attempt still blocks new input.
func (s Stage) Pending() bool {
	return s != StageIdle && !s.Terminal()
}

// Attempt is one run through the pipeline. Its stage changes in the
// background; callers observe it or Wait for it.
type Attempt struct {
	ID string
	// Origin identifies the pipeline that ran the attempt.
	Origin    string
	Kind      domain.CommitmentKind
	Account   common.Address
	MarketID  uint64
	Order     domain.ProposedOrder
	CreatedAt time.Time

	mu          sync.Mutex
	stage       Stage
	err         error
	updatedAt   time.Time
	commitments []domain.PendingCommitment
	done        chan struct{}
	onChange    func(AttemptView)
}

func newAttempt(id, origin string, kind domain.CommitmentKind, account common.Address, marketID uint64, order domain.ProposedOrder, onChange func(AttemptView)) *Attempt {
	now := time.Now().UTC()
	return &Attempt{
		ID:        id,
		Origin:    origin,
		Kind:      kind,
		Account:   account,
		MarketID:  marketID,
		Order:     order,
		CreatedAt: now,
		stage:     StageIdle,
		updatedAt: now,
		done:      make(chan struct{}),
		onChange:  onChange,
	}
}

// Stage returns the current stage.
func (a *Attempt) Stage() Stage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stage
}

// Err returns the failure of a failed attempt.
func (a *Attempt) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Done is closed once the attempt reaches a terminal stage.
func (a *Attempt) Done() <-chan struct{} { return a.done }

// Wait blocks until the attempt finishes or ctx ends. Cancelling ctx stops
// waiting only; the attempt keeps running.
func (a *Attempt) Wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Commitments returns the writes submitted so far.
func (a *Attempt) Commitments() []domain.PendingCommitment {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.PendingCommitment(nil), a.commitments...)
}

func (a *Attempt) setStage(s Stage) {
	a.mu.Lock()
	a.stage = s
	a.updatedAt = time.Now().UTC()
	view := a.viewLocked()
	a.mu.Unlock()
	a.changed(view)
}

func (a *Attempt) fail(s Stage, err error) {
	a.mu.Lock()
	a.stage = s
	a.err = err
	a.updatedAt = time.Now().UTC()
	for i := range a.commitments {
		if a.commitments[i].Status == domain.CommitmentPending {
			a.commitments[i].Status = domain.CommitmentFailed
		}
	}
	view := a.viewLocked()
	a.mu.Unlock()
	a.changed(view)
}

func (a *Attempt) addCommitment(kind domain.CommitmentKind, hash common.Hash, at time.Time) {
	a.mu.Lock()
	a.commitments = append(a.commitments, domain.PendingCommitment{
		Kind:        kind,
		Account:     a.Account,
		MarketID:    a.MarketID,
		Hash:        hash,
		SubmittedAt: at,
		Status:      domain.CommitmentPending,
	})
	a.mu.Unlock()
}

func (a *Attempt) confirm(hash common.Hash) {
	a.mu.Lock()
	for i := range a.commitments {
		if a.commitments[i].Hash == hash {
			a.commitments[i].Status = domain.CommitmentConfirmed
		}
	}
	a.mu.Unlock()
}

func (a *Attempt) changed(v AttemptView) {
	if a.onChange != nil {
		a.onChange(v)
	}
}

// AttemptView is a point-in-time copy of an attempt for display.
type AttemptView struct {
	ID          string                     `json:"id"`
	Origin      string                     `json:"origin"`
	Kind        domain.CommitmentKind      `json:"kind"`
	Account     string                     `json:"account"`
	MarketID    uint64                     `json:"market_id"`
	Side        domain.Side                `json:"side,omitempty"`
	Direction   domain.Direction           `json:"direction,omitempty"`
	Amount      string                     `json:"amount,omitempty"`
	Stage       Stage                      `json:"stage"`
	Error       string                     `json:"error,omitempty"`
	Reason      string                     `json:"reason,omitempty"`
	Commitments []domain.PendingCommitment `json:"commitments"`
	CreatedAt   time.Time                  `json:"created_at"`
	UpdatedAt   time.Time                  `json:"updated_at"`
}

// View returns a copy of the attempt's state.
func (a *Attempt) View() AttemptView {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.viewLocked()
}

func (a *Attempt) viewLocked() AttemptView {
	v := AttemptView{
		ID:          a.ID,
		Origin:      a.Origin,
		Kind:        a.Kind,
		Account:     domain.AccountKey(a.Account),
		MarketID:    a.MarketID,
		Side:        a.Order.Side,
		Direction:   a.Order.Direction,
		Amount:      a.Order.Amount,
		Stage:       a.stage,
		Commitments: append([]domain.PendingCommitment(nil), a.commitments...),
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.updatedAt,
	}
	if a.err != nil && domain.UserFacing(a.err) {
		v.Error = a.err.Error()
		v.Reason = domain.RevertReason(a.err)
	}
	return v
}
