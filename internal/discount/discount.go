// Package discount mirrors the GHO discount rate strategy contract so the
// borrow preview can show the discounted rate without an RPC call per input
// change. Calculate must stay bit-identical to the on-chain
// GhoDiscountRateStrategy.calculateDiscountRate; the golden tests pin it.
package discount

import "github.com/holiman/uint256"

var (
	wad     = uint256.NewInt(1_000_000_000_000_000_000)
	halfWad = uint256.NewInt(500_000_000_000_000_000)

	// GhoDiscountedPerDiscountToken is the GHO amount (wad) one staked
	// discount token makes eligible for the discount.
	GhoDiscountedPerDiscountToken = new(uint256.Int).Mul(uint256.NewInt(100), wad)
	// MinDiscountTokenBalance is the smallest staked balance that earns a
	// discount.
	MinDiscountTokenBalance = uint256.NewInt(1_000_000_000_000_000)
	// MinDebtTokenBalance is the smallest GHO debt that earns a discount.
	MinDebtTokenBalance = new(uint256.Int).Set(wad)
)

// DiscountRate is the maximum discount in basis points (30%).
const DiscountRate = 3000

// Calculate returns the discount in basis points for a debt balance and a
// staked discount token balance, both in wad.
func Calculate(debtBalance, discountTokenBalance *uint256.Int) uint64 {
	if debtBalance == nil || discountTokenBalance == nil {
		return 0
	}
	if discountTokenBalance.Lt(MinDiscountTokenBalance) || debtBalance.Lt(MinDebtTokenBalance) {
		return 0
	}
	discounted := wadMul(discountTokenBalance, GhoDiscountedPerDiscountToken)
	if !discounted.Lt(debtBalance) {
		return DiscountRate
	}
	out := new(uint256.Int).Mul(discounted, uint256.NewInt(DiscountRate))
	out.Div(out, debtBalance)
	return out.Uint64()
}

// wadMul is WadRayMath.wadMul: (a*b + halfWad) / wad, rounding half up.
func wadMul(a, b *uint256.Int) *uint256.Int {
	out := new(uint256.Int).Mul(a, b)
	out.Add(out, halfWad)
	return out.Div(out, wad)
}

// EffectiveRateBps applies a discount in basis points to a variable borrow
// rate expressed in basis points.
func EffectiveRateBps(borrowRateBps, discountBps uint64) uint64 {
	if discountBps >= 10_000 {
		return 0
	}
	return borrowRateBps - borrowRateBps*discountBps/10_000
}
