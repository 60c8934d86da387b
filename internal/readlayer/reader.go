// Package readlayer reads protocol state for the transaction flows: token
// allowances, account positions, reserve configuration, permit domains and
// health factor previews. Reads are cached per (account, market, family) and
// invalidated by the executors after state-changing transactions.
package readlayer

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/lendflow/internal/action"
	"github.com/ggonzalez94/lendflow/internal/allowance"
	"github.com/ggonzalez94/lendflow/internal/id"
	"github.com/ggonzalez94/lendflow/internal/safety"
	"github.com/shopspring/decimal"
)

// Query families. Executors invalidate whole families after a transaction.
const (
	FamilyAllowance  = "allowance"
	FamilyPosition   = "position"
	FamilyReserve    = "reserve"
	FamilyIncentives = "incentives"
)

// Position is the account-level view reported by the pool. USD figures use
// the oracle base currency.
type Position struct {
	TotalCollateralUSD   decimal.Decimal     `json:"total_collateral_usd"`
	TotalDebtUSD         decimal.Decimal     `json:"total_debt_usd"`
	AvailableBorrowsUSD  decimal.Decimal     `json:"available_borrows_usd"`
	LiquidationThreshold decimal.Decimal     `json:"liquidation_threshold"`
	LTV                  decimal.Decimal     `json:"ltv"`
	HealthFactor         safety.HealthFactor `json:"health_factor"`
}

// Reserve is one market's configuration and totals. Caps are in whole tokens
// and zero means uncapped.
type Reserve struct {
	Asset                common.Address  `json:"asset"`
	Decimals             int32           `json:"decimals"`
	PriceUSD             decimal.Decimal `json:"price_usd"`
	LTV                  decimal.Decimal `json:"ltv"`
	LiquidationThreshold decimal.Decimal `json:"liquidation_threshold"`
	UsageAsCollateral    bool            `json:"usage_as_collateral"`
	BorrowingEnabled     bool            `json:"borrowing_enabled"`
	Active               bool            `json:"active"`
	Frozen               bool            `json:"frozen"`
	SupplyCap            decimal.Decimal `json:"supply_cap"`
	BorrowCap            decimal.Decimal `json:"borrow_cap"`
	TotalSupplied        decimal.Decimal `json:"total_supplied"`
	TotalDebt            decimal.Decimal `json:"total_debt"`
	AToken               common.Address  `json:"a_token"`
	VariableDebtToken    common.Address  `json:"variable_debt_token"`
}

// AvailableLiquidity is what can still be withdrawn or borrowed from the pool.
func (r Reserve) AvailableLiquidity() decimal.Decimal {
	return nonNegative(r.TotalSupplied.Sub(r.TotalDebt))
}

// SupplyRoom is the remaining supply cap, or nil when uncapped.
func (r Reserve) SupplyRoom() *decimal.Decimal {
	if !r.SupplyCap.IsPositive() {
		return nil
	}
	room := nonNegative(r.SupplyCap.Sub(r.TotalSupplied))
	return &room
}

// BorrowRoom is the remaining borrow cap, or nil when uncapped.
func (r Reserve) BorrowRoom() *decimal.Decimal {
	if !r.BorrowCap.IsPositive() {
		return nil
	}
	room := nonNegative(r.BorrowCap.Sub(r.TotalDebt))
	return &room
}

// UserReserve is one account's balances in one market.
type UserReserve struct {
	WalletBalance     decimal.Decimal `json:"wallet_balance"`
	Supplied          decimal.Decimal `json:"supplied"`
	Debt              decimal.Decimal `json:"debt"`
	CollateralEnabled bool            `json:"collateral_enabled"`
}

// PermitDomain is the EIP-712 domain and current nonce of a permit token.
type PermitDomain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
	Nonce             *big.Int
}

// Hypothetical is an action the preview evaluates without submitting it.
type Hypothetical struct {
	Account common.Address
	Kind    action.Kind
	Asset   id.Asset
	Amount  decimal.Decimal
}

type HealthPreview struct {
	Before safety.HealthFactor `json:"before"`
	After  safety.HealthFactor `json:"after"`
}

// Contracts are the protocol addresses a market resolves to.
type Contracts struct {
	Pool                 common.Address
	DataProvider         common.Address
	Oracle               common.Address
	IncentivesController common.Address
	Gateway              common.Address
}

type Reader interface {
	Market() string
	Contracts(ctx context.Context) (Contracts, error)
	Allowance(ctx context.Context, owner, spender, token common.Address) (allowance.Record, error)
	BorrowAllowance(ctx context.Context, debtToken, owner, delegatee common.Address) (allowance.Record, error)
	Position(ctx context.Context, account common.Address) (Position, error)
	Reserve(ctx context.Context, asset common.Address) (Reserve, error)
	UserReserve(ctx context.Context, account common.Address, asset id.Asset) (UserReserve, error)
	PermitDomain(ctx context.Context, token, owner common.Address) (PermitDomain, error)
	ClaimableRewards(ctx context.Context, account common.Address, assets []common.Address, reward common.Address) (*big.Int, error)
	PreviewHealthFactor(ctx context.Context, h Hypothetical) (HealthPreview, error)
	Invalidate(account common.Address, family string) error
}

func nonNegative(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
