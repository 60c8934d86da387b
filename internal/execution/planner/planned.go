// Package planner holds the table-driven builder generation and turns a
// resolved action into the persisted flow record.
package planner

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/lendflow/internal/action"
	"github.com/ggonzalez94/lendflow/internal/builder"
	clierr "github.com/ggonzalez94/lendflow/internal/errors"
	"github.com/ggonzalez94/lendflow/internal/registry"
	"github.com/ggonzalez94/lendflow/internal/wallet"
)

var (
	plannerERC20ABI   = mustPlannerABI(registry.ERC20ABI)
	plannerPoolABI    = mustPlannerABI(registry.AavePoolABI)
	plannerDebtABI    = mustPlannerABI(registry.AaveDebtTokenABI)
	plannerGatewayABI = mustPlannerABI(registry.AaveWrappedTokenGatewayABI)
	plannerRewardsABI = mustPlannerABI(registry.AaveRewardsABI)
	plannerStakeABI   = mustPlannerABI(registry.AaveStakeABI)
)

type variant struct {
	kind   action.Kind
	native bool
	permit bool
}

// callArgs is everything a call spec may draw its arguments from.
type callArgs struct {
	p        builder.Params
	asset    common.Address
	rateMode *big.Int
	permit   *builder.Permit
}

type callSpec struct {
	contract abi.ABI
	method   string
	target   func(builder.Targets) common.Address
	// payable calls forward the amount as msg.value
	payable bool
	args    func(a callArgs) []any
}

func pool(t builder.Targets) common.Address       { return t.Pool }
func gateway(t builder.Targets) common.Address    { return t.Gateway }
func stakeToken(t builder.Targets) common.Address { return t.StakeToken }
func rewards(t builder.Targets) common.Address    { return t.IncentivesController }

var callSpecs = map[variant]callSpec{
	{kind: action.Supply}: {
		contract: plannerPoolABI, method: "supply", target: pool,
		args: func(a callArgs) []any { return []any{a.asset, a.p.Amount, a.p.Account, a.p.Referral} },
	},
	{kind: action.Supply, permit: true}: {
		contract: plannerPoolABI, method: "supplyWithPermit", target: pool,
		args: func(a callArgs) []any {
			return []any{a.asset, a.p.Amount, a.p.Account, a.p.Referral, a.permit.Deadline, a.permit.V, a.permit.R, a.permit.S}
		},
	},
	{kind: action.Supply, native: true}: {
		contract: plannerGatewayABI, method: "depositETH", target: gateway, payable: true,
		args: func(a callArgs) []any { return []any{a.p.Targets.Pool, a.p.Account, a.p.Referral} },
	},
	{kind: action.Withdraw}: {
		contract: plannerPoolABI, method: "withdraw", target: pool,
		args: func(a callArgs) []any { return []any{a.asset, a.p.Amount, a.p.Account} },
	},
	{kind: action.Withdraw, native: true}: {
		contract: plannerGatewayABI, method: "withdrawETH", target: gateway,
		args: func(a callArgs) []any { return []any{a.p.Targets.Pool, a.p.Amount, a.p.Account} },
	},
	{kind: action.Borrow}: {
		contract: plannerPoolABI, method: "borrow", target: pool,
		args: func(a callArgs) []any { return []any{a.asset, a.p.Amount, a.rateMode, a.p.Referral, a.p.Account} },
	},
	{kind: action.Borrow, native: true}: {
		contract: plannerGatewayABI, method: "borrowETH", target: gateway,
		args: func(a callArgs) []any { return []any{a.p.Targets.Pool, a.p.Amount, a.rateMode, a.p.Referral} },
	},
	{kind: action.Repay}: {
		contract: plannerPoolABI, method: "repay", target: pool,
		args: func(a callArgs) []any { return []any{a.asset, a.p.Amount, a.rateMode, a.p.Account} },
	},
	{kind: action.Repay, permit: true}: {
		contract: plannerPoolABI, method: "repayWithPermit", target: pool,
		args: func(a callArgs) []any {
			return []any{a.asset, a.p.Amount, a.rateMode, a.p.Account, a.permit.Deadline, a.permit.V, a.permit.R, a.permit.S}
		},
	},
	{kind: action.Repay, native: true}: {
		contract: plannerGatewayABI, method: "repayETH", target: gateway, payable: true,
		args: func(a callArgs) []any { return []any{a.p.Targets.Pool, a.p.Amount, a.rateMode, a.p.Account} },
	},
	{kind: action.Stake}: {
		contract: plannerStakeABI, method: "stake", target: stakeToken,
		args: func(a callArgs) []any { return []any{a.p.Account, a.p.Amount} },
	},
	{kind: action.Stake, permit: true}: {
		contract: plannerStakeABI, method: "stakeWithPermit", target: stakeToken,
		args: func(a callArgs) []any {
			return []any{a.p.Amount, a.permit.Deadline, a.permit.V, a.permit.R, a.permit.S}
		},
	},
	{kind: action.ClaimRewards}: {
		contract: plannerRewardsABI, method: "claimRewards", target: rewards,
		args: func(a callArgs) []any { return []any{a.p.RewardAssets, a.p.Amount, a.p.Account, a.p.Reward} },
	},
}

// Planned builds the same calls as builder.Pool from a lookup table keyed by
// action kind and variant.
type Planned struct{}

func (Planned) Name() string { return "planned" }

func (Planned) BuildApprove(token, spender common.Address, amount *big.Int) (wallet.Call, error) {
	if amount == nil || amount.Sign() < 0 {
		return wallet.Call{}, clierr.New(clierr.CodeUsage, "approval amount must be a non-negative integer")
	}
	return encode(token, nil, plannerERC20ABI, "approve", spender, amount)
}

func (Planned) BuildDelegation(debtToken, delegatee common.Address, amount *big.Int) (wallet.Call, error) {
	if amount == nil || amount.Sign() < 0 {
		return wallet.Call{}, clierr.New(clierr.CodeUsage, "delegation amount must be a non-negative integer")
	}
	return encode(debtToken, nil, plannerDebtABI, "approveDelegation", delegatee, amount)
}

func (Planned) BuildAction(p builder.Params, permit *builder.Permit) (wallet.Call, error) {
	if err := builder.Validate(p); err != nil {
		return wallet.Call{}, err
	}
	if permit != nil && p.Asset.Native {
		return wallet.Call{}, clierr.New(clierr.CodeActionPlan, "native asset flows do not take permits")
	}
	key := variant{kind: p.Kind, native: p.Asset.Native && p.Kind != action.Stake, permit: permit != nil}
	if p.Kind == action.ClaimRewards {
		key.native = false
	}
	spec, ok := callSpecs[key]
	if !ok {
		if permit != nil {
			return wallet.Call{}, clierr.New(clierr.CodeActionPlan, "permit signatures are not accepted by "+string(p.Kind))
		}
		return wallet.Call{}, clierr.New(clierr.CodeUnsupported, "unsupported action kind: "+string(p.Kind))
	}
	if p.Kind == action.ClaimRewards {
		if p.Targets.IncentivesController == (common.Address{}) {
			return wallet.Call{}, clierr.New(clierr.CodeUnsupported, "aave incentives controller is unavailable for this market")
		}
		if len(p.RewardAssets) == 0 {
			return wallet.Call{}, clierr.New(clierr.CodeUsage, "claim requires at least one incentivized asset")
		}
	}

	args := callArgs{
		p:        p,
		asset:    common.HexToAddress(p.Asset.Address),
		rateMode: big.NewInt(builder.VariableRateMode),
		permit:   permit,
	}
	var value *big.Int
	if spec.payable {
		value = p.Amount
	}
	return encode(spec.target(p.Targets), value, spec.contract, spec.method, spec.args(args)...)
}

func encode(to common.Address, value *big.Int, contract abi.ABI, method string, args ...any) (wallet.Call, error) {
	if to == (common.Address{}) {
		return wallet.Call{}, clierr.New(clierr.CodeActionPlan, "missing target contract for "+method)
	}
	data, err := contract.Pack(method, args...)
	if err != nil {
		return wallet.Call{}, clierr.Wrap(clierr.CodeInternal, "pack "+method+" calldata", err)
	}
	call := wallet.Call{To: to, Data: data}
	if value != nil {
		call.Value = new(big.Int).Set(value)
	}
	return call, nil
}

func mustPlannerABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
