package readlayer

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/lendflow/internal/allowance"
	"github.com/ggonzalez94/lendflow/internal/amount"
	"github.com/ggonzalez94/lendflow/internal/discount"
	clierr "github.com/ggonzalez94/lendflow/internal/errors"
	"github.com/ggonzalez94/lendflow/internal/registry"
	"github.com/shopspring/decimal"
)

const ghoDecimals = 18

// GhoDiscount is the account's GHO borrow discount, computed locally from the
// debt and staked discount token balances.
type GhoDiscount struct {
	Debt          decimal.Decimal `json:"debt"`
	DiscountToken decimal.Decimal `json:"discount_token_balance"`
	DiscountBps   uint64          `json:"discount_bps"`
}

// GhoBalances are the raw inputs of the discount strategy: the variable
// GHO debt and the staked discount token balance, both in wei.
type GhoBalances struct {
	Debt   *big.Int
	Staked *big.Int
}

// GhoBalanceReader is implemented by readers that can see the GHO facilitator.
type GhoBalanceReader interface {
	GhoBalances(ctx context.Context, account common.Address) (GhoBalances, error)
}

// IsGho reports whether asset is the GHO reserve on chainID.
func IsGho(chainID int64, asset common.Address) bool {
	market, ok := registry.AaveGho(chainID)
	return ok && common.HexToAddress(market.Token) == asset
}

// GhoBalances reads the debt and discount token balances of account.
func (c *Chain) GhoBalances(ctx context.Context, account common.Address) (GhoBalances, error) {
	market, ok := registry.AaveGho(c.opts.ChainID)
	if !ok {
		return GhoBalances{}, clierr.New(clierr.CodeUnsupported, "GHO is not available on this chain")
	}
	debt, err := c.callBig(ctx, common.HexToAddress(market.VariableDebtToken), erc20ABI, "balanceOf", account)
	if err != nil {
		return GhoBalances{}, err
	}
	staked, err := c.callBig(ctx, common.HexToAddress(market.DiscountToken), erc20ABI, "balanceOf", account)
	if err != nil {
		return GhoBalances{}, err
	}
	return GhoBalances{Debt: debt, Staked: staked}, nil
}

// GhoDiscount reads the two balances the discount strategy depends on. When
// extraDebt is non-zero the discount is projected as if it had been borrowed.
func (c *Chain) GhoDiscount(ctx context.Context, account common.Address, extraDebt decimal.Decimal) (GhoDiscount, error) {
	bal, err := c.GhoBalances(ctx, account)
	if err != nil {
		return GhoDiscount{}, err
	}
	return ProjectGhoDiscount(bal, extraDebt), nil
}

// ProjectGhoDiscount computes the discount locally as if extraDebt more GHO
// were borrowed on top of the current debt.
func ProjectGhoDiscount(bal GhoBalances, extraDebt decimal.Decimal) GhoDiscount {
	debt, staked := bal.Debt, bal.Staked
	if debt == nil {
		debt = new(big.Int)
	}
	if staked == nil {
		staked = new(big.Int)
	}
	projected := amount.FromBaseUnits(debt, ghoDecimals).Add(nonNegative(extraDebt))
	projectedWad := allowance.FromBig(amount.ToBaseUnits(projected, ghoDecimals))
	return GhoDiscount{
		Debt:          projected,
		DiscountToken: amount.FromBaseUnits(staked, ghoDecimals),
		DiscountBps:   discount.Calculate(projectedWad, allowance.FromBig(staked)),
	}
}
