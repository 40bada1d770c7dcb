package domain

import (
	"errors"
	"fmt"
)

var (
	ErrUnavailable     = errors.New("ledger unavailable")
	ErrRejected        = errors.New("rejected by signer")
	ErrReverted        = errors.New("commitment reverted")
	ErrNetwork         = errors.New("network failure")
	ErrStaleSession    = errors.New("session is stale")
	ErrNoProvider      = errors.New("no identity provider")
	ErrTradeInProgress = errors.New("trade already in progress")
	ErrCooldownActive  = errors.New("faucet cooldown active")
	ErrInvalidOrder    = errors.New("invalid order parameters")
	ErrNotFound        = errors.New("not found")
	ErrLockHeld        = errors.New("lock already held")
)

// ErrorKind is the classification of a ledger failure.
type ErrorKind string

const (
	KindUnavailable  ErrorKind = "unavailable"
	KindRejected     ErrorKind = "rejected"
	KindReverted     ErrorKind = "reverted"
	KindNetwork      ErrorKind = "network"
	KindStaleSession ErrorKind = "stale_session"
)

var kindSentinels = map[ErrorKind]error{
	KindUnavailable:  ErrUnavailable,
	KindRejected:     ErrRejected,
	KindReverted:     ErrReverted,
	KindNetwork:      ErrNetwork,
	KindStaleSession: ErrStaleSession,
}

// LedgerError is returned by every ledger read and write. errors.Is matches
// both the sentinel for Kind and the wrapped cause.
type LedgerError struct {
	Kind   ErrorKind
	Op     string
	Reason string // revert reason, when the ledger supplied one
	Err    error
}

func (e *LedgerError) Error() string {
	msg := fmt.Sprintf("ledger: %s: %s", e.Op, e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LedgerError) Unwrap() []error {
	out := make([]error, 0, 2)
	if s, ok := kindSentinels[e.Kind]; ok {
		out = append(out, s)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// NewLedgerError builds a LedgerError of the given kind.
func NewLedgerError(kind ErrorKind, op string, err error) *LedgerError {
	return &LedgerError{Kind: kind, Op: op, Err: err}
}

// KindOf reports the ledger error kind carried by err, or "" when err is not a
// ledger failure.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var le *LedgerError
	if errors.As(err, &le) {
		return le.Kind
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return ""
}

// RevertReason returns the ledger-provided revert reason, if any.
func RevertReason(err error) string {
	var le *LedgerError
	if errors.As(err, &le) {
		return le.Reason
	}
	return ""
}

// UserFacing reports whether err should be shown to the person operating the
// session. Stale-session failures are internal bookkeeping.
func UserFacing(err error) bool {
	return err != nil && !errors.Is(err, ErrStaleSession)
}
