// Package safety decides whether an action that lowers the health factor may
// proceed, and runs the debounced health factor preview.
package safety

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// DefaultThreshold is the projected health factor below which the user has
// to acknowledge the risk. Liquidation starts at LiquidationThreshold.
var (
	DefaultThreshold     = decimal.RequireFromString("1.5")
	LiquidationThreshold = decimal.NewFromInt(1)
)

// HealthFactor is a position's collateral safety ratio. Positions without
// debt carry the NoDebt flag instead of a value.
type HealthFactor struct {
	Value   decimal.Decimal `json:"value"`
	NoDebt  bool            `json:"no_debt,omitempty"`
	Defined bool            `json:"defined"`
}

func Ratio(v decimal.Decimal) HealthFactor {
	return HealthFactor{Value: v, Defined: true}
}

func NoDebt() HealthFactor {
	return HealthFactor{NoDebt: true, Defined: true}
}

// FromWad converts the 18-decimal health factor reported by the pool.
// Type(uint256).max means the account has no debt.
func FromWad(raw *big.Int) HealthFactor {
	if raw == nil {
		return HealthFactor{}
	}
	if raw.Cmp(maxUint256) == 0 {
		return NoDebt()
	}
	return Ratio(decimal.NewFromBigInt(raw, -18))
}

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

func (h HealthFactor) String() string {
	switch {
	case !h.Defined:
		return "unknown"
	case h.NoDebt:
		return "no_debt"
	default:
		return h.Value.StringFixed(2)
	}
}

// RiskAssessment is the result of comparing a projected health factor with the
// safe threshold.
type RiskAssessment struct {
	Current            HealthFactor    `json:"current"`
	Projected          HealthFactor    `json:"projected"`
	Threshold          decimal.Decimal `json:"threshold"`
	BelowSafeThreshold bool            `json:"below_safe_threshold"`
	Liquidatable       bool            `json:"liquidatable"`
}

// Assess flags the projection only when it is defined, not the no-debt
// sentinel, and strictly below threshold. A zero threshold uses the default.
func Assess(current, projected HealthFactor, threshold decimal.Decimal) RiskAssessment {
	if !threshold.IsPositive() {
		threshold = DefaultThreshold
	}
	out := RiskAssessment{Current: current, Projected: projected, Threshold: threshold}
	if !projected.Defined || projected.NoDebt {
		return out
	}
	out.BelowSafeThreshold = projected.Value.LessThan(threshold)
	out.Liquidatable = projected.Value.LessThan(LiquidationThreshold)
	return out
}

func CanProceed(assessment RiskAssessment, acknowledged bool) bool {
	return !assessment.BelowSafeThreshold || acknowledged
}
