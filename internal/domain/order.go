package domain

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Side is the outcome a trade is placed on.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// IsYes reports whether the side is the affirmative outcome.
func (s Side) IsYes() bool { return s == SideYes }

// Valid reports whether s is one of the two outcomes.
func (s Side) Valid() bool { return s == SideYes || s == SideNo }

// SideFromBool maps the ledger's isYes flag to a Side.
func SideFromBool(isYes bool) Side {
	if isYes {
		return SideYes
	}
	return SideNo
}

// ParseSide accepts "yes"/"no" in any case.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case SideYes:
		return SideYes, nil
	case SideNo:
		return SideNo, nil
	}
	return "", fmt.Errorf("%w: unknown side %q", ErrInvalidOrder, s)
}

// Direction indicates whether shares are bought or sold.
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

// IsBuy reports whether the direction spends collateral.
func (d Direction) IsBuy() bool { return d == DirectionBuy }

// DirectionFromBool maps the ledger's isBuy flag to a Direction.
func DirectionFromBool(isBuy bool) Direction {
	if isBuy {
		return DirectionBuy
	}
	return DirectionSell
}

// ParseDirection accepts "buy"/"sell" in any case. Empty means buy.
func ParseDirection(s string) (Direction, error) {
	switch Direction(strings.ToLower(strings.TrimSpace(s))) {
	case DirectionBuy, "":
		return DirectionBuy, nil
	case DirectionSell:
		return DirectionSell, nil
	}
	return "", fmt.Errorf("%w: unknown direction %q", ErrInvalidOrder, s)
}

// OrderRecord is one entry of a market's order book as reported by the ledger.
type OrderRecord struct {
	ID        uint64
	Trader    common.Address
	Side      Side
	Amount    *big.Int
	Price     *big.Int
	Direction Direction
	Timestamp time.Time
}

// ProposedOrder is what a user is about to trade. Amount is the decimal
// string exactly as entered.
type ProposedOrder struct {
	MarketID  uint64
	Side      Side
	Amount    string
	Direction Direction
}

// Degenerate reports whether the order cannot be quoted: no side, or an
// amount that is empty, unparsable or not positive.
func (o ProposedOrder) Degenerate() bool {
	if !o.Side.Valid() {
		return true
	}
	d, err := ParseAmount(o.Amount)
	return err != nil || !d.IsPositive()
}

// Validate checks the order for submission and returns the parsed amount.
// The trade write takes whole units, so fractional amounts are rejected.
func (o ProposedOrder) Validate() (decimal.Decimal, error) {
	if !o.Side.Valid() {
		return decimal.Zero, fmt.Errorf("%w: side must be yes or no", ErrInvalidOrder)
	}
	if o.Direction != DirectionBuy && o.Direction != DirectionSell {
		return decimal.Zero, fmt.Errorf("%w: direction must be buy or sell", ErrInvalidOrder)
	}
	amt, err := ParseAmount(o.Amount)
	if err != nil {
		return decimal.Zero, err
	}
	if !amt.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: amount must be positive", ErrInvalidOrder)
	}
	if !amt.IsInteger() {
		return decimal.Zero, fmt.Errorf("%w: amount %s must be a whole number of shares", ErrInvalidOrder, o.Amount)
	}
	return amt, nil
}
