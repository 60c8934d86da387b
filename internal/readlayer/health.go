package readlayer

import (
	"github.com/ggonzalez94/lendflow/internal/action"
	"github.com/ggonzalez94/lendflow/internal/safety"
	"github.com/shopspring/decimal"
)

// ProjectHealthFactor applies a hypothetical action to a position. Collateral
// is weighted by its liquidation threshold; supply and withdraw move weighted
// collateral only when the reserve counts as collateral for the account,
// borrow and repay move debt.
func ProjectHealthFactor(pos Position, reserve Reserve, kind action.Kind, amount decimal.Decimal, collateral bool) safety.HealthFactor {
	weighted := pos.TotalCollateralUSD.Mul(pos.LiquidationThreshold)
	debt := pos.TotalDebtUSD
	deltaUSD := nonNegative(amount).Mul(reserve.PriceUSD)

	switch kind {
	case action.Supply:
		if collateral {
			weighted = weighted.Add(deltaUSD.Mul(reserve.LiquidationThreshold))
		}
	case action.Withdraw:
		if collateral {
			weighted = nonNegative(weighted.Sub(deltaUSD.Mul(reserve.LiquidationThreshold)))
		}
	case action.Borrow:
		debt = debt.Add(deltaUSD)
	case action.Repay:
		debt = nonNegative(debt.Sub(deltaUSD))
	}

	if !debt.IsPositive() {
		return safety.NoDebt()
	}
	return safety.Ratio(weighted.Div(debt))
}

// countsAsCollateral reports whether supplying into the reserve adds to the
// account's collateral. A first supply enables collateral automatically when
// the reserve allows it.
func countsAsCollateral(reserve Reserve, user UserReserve) bool {
	if user.Supplied.IsPositive() {
		return user.CollateralEnabled
	}
	return reserve.UsageAsCollateral && reserve.LTV.IsPositive()
}
