package domain

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TokenDecimals is the fixed-point scale of the collateral token.
const TokenDecimals = 18

// ParseAmount parses a user-entered decimal string.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("%w: amount is empty", ErrInvalidOrder)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: amount %q: %v", ErrInvalidOrder, s, err)
	}
	return d, nil
}

// ToWei scales a token amount to its 18-decimal integer form. Digits beyond
// the 18th decimal are truncated.
func ToWei(d decimal.Decimal) *big.Int {
	return d.Shift(TokenDecimals).BigInt()
}

// FromWei converts an 18-decimal integer back to whole tokens.
func FromWei(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -TokenDecimals)
}

// FormatWei renders a wei value as a decimal token string.
func FormatWei(v *big.Int) string {
	return FromWei(v).String()
}

// FormatCooldown renders a faucet cooldown the way the wallet view shows it.
func FormatCooldown(d time.Duration) string {
	if d <= 0 {
		return "Now"
	}
	secs := int64(d / time.Second)
	return fmt.Sprintf("%dh %dm %ds", secs/3600, (secs%3600)/60, secs%60)
}
