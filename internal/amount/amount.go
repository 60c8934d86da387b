package amount

import (
	"fmt"
	"math/big"
	"strings"

	clierr "github.com/ggonzalez94/lendflow/internal/errors"
	"github.com/shopspring/decimal"
)

// MaxSentinel is the user-facing input meaning "everything available when the
// transaction executes".
const MaxSentinel = "-1"

// Amount is a raw user amount: either an exact decimal or the maximum marker.
// The zero value is an exact zero.
type Amount struct {
	max   bool
	value decimal.Decimal
}

func Exact(v decimal.Decimal) Amount {
	return Amount{value: v}
}

func Maximum() Amount {
	return Amount{max: true}
}

// Parse reads a raw amount field. "-1" and "max" select the maximum; every
// other input must be a non-negative decimal.
func Parse(raw string) (Amount, error) {
	clean := strings.TrimSpace(raw)
	if clean == "" {
		return Amount{}, clierr.New(clierr.CodeUsage, "amount is required")
	}
	if clean == MaxSentinel || strings.EqualFold(clean, "max") {
		return Maximum(), nil
	}
	v, err := decimal.NewFromString(clean)
	if err != nil {
		return Amount{}, clierr.Wrap(clierr.CodeUsage, fmt.Sprintf("invalid amount %q", raw), err)
	}
	if v.IsNegative() {
		return Amount{}, clierr.New(clierr.CodeUsage, "amount must be non-negative or -1 for the maximum")
	}
	return Exact(v), nil
}

func (a Amount) IsMax() bool { return a.max }

func (a Amount) Value() decimal.Decimal { return a.value }

func (a Amount) String() string {
	if a.max {
		return MaxSentinel
	}
	return a.value.String()
}

// Equal reports whether two raw amounts are the same input.
func (a Amount) Equal(other Amount) bool {
	if a.max || other.max {
		return a.max == other.max
	}
	return a.value.Equal(other.value)
}

// MaxUint256 is the reserved "all" encoding accepted by withdraw and
// claimRewards.
var MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// ToBaseUnits truncates v to decimals and scales it to integer base units.
func ToBaseUnits(v decimal.Decimal, decimals int32) *big.Int {
	return v.Truncate(decimals).Shift(decimals).BigInt()
}

// FromBaseUnits converts integer base units into a decimal amount.
func FromBaseUnits(v *big.Int, decimals int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -decimals)
}
