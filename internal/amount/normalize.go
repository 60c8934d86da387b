package amount

import (
	"math/big"

	"github.com/ggonzalez94/lendflow/internal/action"
	"github.com/shopspring/decimal"
)

// DefaultRepayBufferBps covers interest accrued between quoting a full repay
// and the transaction landing.
const DefaultRepayBufferBps = 25

// Context carries the balances and caps an amount is resolved against. Caps
// left nil are unbounded.
type Context struct {
	Kind     action.Kind
	Decimals int32
	PriceUSD decimal.Decimal

	WalletBalance decimal.Decimal
	// Supplied is the aToken balance, or the staked balance for stake.
	Supplied   decimal.Decimal
	Debt       decimal.Decimal
	Borrowable decimal.Decimal
	Claimable  decimal.Decimal

	SupplyRoom    *decimal.Decimal
	Liquidity     *decimal.Decimal
	WithdrawLimit *decimal.Decimal

	RepayBufferBps int64
}

// Resolved is a concrete amount ready for the safety gate, the allowance
// check and the builders.
type Resolved struct {
	Kind  action.Kind
	Input Amount
	// Display is what the user is shown. For a full repay it is the raw debt
	// while OnChain carries the buffered figure.
	Display decimal.Decimal
	OnChain decimal.Decimal
	Base    *big.Int
	// PassThroughMax marks a full withdraw or claim that the protocol encodes
	// as MaxUint256.
	PassThroughMax bool
	Limit          decimal.Decimal
	USDValue       decimal.Decimal
	BalanceAfter   decimal.Decimal
	PositionAfter  decimal.Decimal
}

// Normalize resolves a raw amount against ctx. It performs no I/O and returns
// the same result for the same inputs.
func Normalize(in Amount, ctx Context) Resolved {
	limit := limitFor(ctx)
	out := Resolved{Kind: ctx.Kind, Input: in, Limit: limit}

	switch {
	case in.IsMax() && ctx.Kind == action.Repay:
		buffered := bufferedDebt(ctx)
		out.OnChain = decimal.Min(buffered, nonNegative(ctx.WalletBalance))
		out.Display = decimal.Min(nonNegative(ctx.Debt), nonNegative(ctx.WalletBalance))
	case in.IsMax():
		out.OnChain = limit
		out.Display = limit
		switch ctx.Kind {
		case action.Withdraw:
			out.PassThroughMax = limit.Equal(nonNegative(ctx.Supplied).Truncate(ctx.Decimals)) && limit.IsPositive()
		case action.ClaimRewards:
			out.PassThroughMax = true
		}
	default:
		out.OnChain = in.Value().Truncate(ctx.Decimals)
		out.Display = out.OnChain
	}

	out.OnChain = out.OnChain.Truncate(ctx.Decimals)
	out.Display = out.Display.Truncate(ctx.Decimals)
	out.Base = ToBaseUnits(out.OnChain, ctx.Decimals)
	out.USDValue = out.Display.Mul(ctx.PriceUSD)
	out.BalanceAfter, out.PositionAfter = projections(ctx, out.OnChain)
	return out
}

// CallAmount is the integer passed to the builder. Full withdraws and claims
// forward the protocol's MaxUint256 encoding so dust accrued after quoting is
// included; every other path sends the truncated amount.
func (r Resolved) CallAmount() *big.Int {
	if r.PassThroughMax {
		return new(big.Int).Set(MaxUint256)
	}
	if r.Base == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(r.Base)
}

// IsZero reports whether nothing would be moved.
func (r Resolved) IsZero() bool {
	return r.OnChain.IsZero() && !r.PassThroughMax
}

// ExceedsLimit reports an exact input larger than what the position allows.
func (r Resolved) ExceedsLimit() bool {
	return r.OnChain.GreaterThan(r.Limit)
}

func limitFor(ctx Context) decimal.Decimal {
	var limit decimal.Decimal
	switch ctx.Kind {
	case action.Supply, action.Stake:
		limit = nonNegative(ctx.WalletBalance)
		limit = capped(limit, ctx.SupplyRoom)
	case action.Withdraw:
		limit = nonNegative(ctx.Supplied)
		limit = capped(limit, ctx.WithdrawLimit)
		limit = capped(limit, ctx.Liquidity)
	case action.Borrow:
		limit = nonNegative(ctx.Borrowable)
		limit = capped(limit, ctx.Liquidity)
	case action.Repay:
		limit = decimal.Min(bufferedDebt(ctx), nonNegative(ctx.WalletBalance))
	case action.ClaimRewards:
		limit = nonNegative(ctx.Claimable)
	default:
		limit = nonNegative(ctx.WalletBalance)
	}
	return limit.Truncate(ctx.Decimals)
}

func bufferedDebt(ctx Context) decimal.Decimal {
	bps := ctx.RepayBufferBps
	if bps == 0 {
		bps = DefaultRepayBufferBps
	}
	if bps < 0 {
		bps = 0
	}
	factor := decimal.NewFromInt(10_000 + bps).Div(decimal.NewFromInt(10_000))
	return nonNegative(ctx.Debt).Mul(factor).Truncate(ctx.Decimals)
}

func projections(ctx Context, onChain decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	wallet := nonNegative(ctx.WalletBalance)
	switch ctx.Kind {
	case action.Supply, action.Stake:
		return nonNegative(wallet.Sub(onChain)), nonNegative(ctx.Supplied).Add(onChain)
	case action.Withdraw:
		return wallet.Add(onChain), nonNegative(nonNegative(ctx.Supplied).Sub(onChain))
	case action.Borrow:
		return wallet.Add(onChain), nonNegative(ctx.Debt).Add(onChain)
	case action.Repay:
		return nonNegative(wallet.Sub(onChain)), nonNegative(nonNegative(ctx.Debt).Sub(onChain))
	case action.ClaimRewards:
		return wallet.Add(onChain), nonNegative(nonNegative(ctx.Claimable).Sub(onChain))
	default:
		return wallet, decimal.Zero
	}
}

func capped(v decimal.Decimal, limit *decimal.Decimal) decimal.Decimal {
	if limit == nil {
		return v
	}
	return decimal.Min(v, nonNegative(*limit))
}

func nonNegative(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
