package builder

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/lendflow/internal/action"
	clierr "github.com/ggonzalez94/lendflow/internal/errors"
	"github.com/ggonzalez94/lendflow/internal/registry"
	"github.com/ggonzalez94/lendflow/internal/wallet"
)

var (
	erc20ABI     = mustABI(registry.ERC20ABI)
	poolABI      = mustABI(registry.AavePoolABI)
	debtTokenABI = mustABI(registry.AaveDebtTokenABI)
	gatewayABI   = mustABI(registry.AaveWrappedTokenGatewayABI)
	rewardsABI   = mustABI(registry.AaveRewardsABI)
	stakeABI     = mustABI(registry.AaveStakeABI)
)

// Pool encodes calls directly against the pool, gateway, rewards controller
// and staking contracts.
type Pool struct{}

func (Pool) Name() string { return "pool" }

func (Pool) BuildApprove(token, spender common.Address, amount *big.Int) (wallet.Call, error) {
	if amount == nil || amount.Sign() < 0 {
		return wallet.Call{}, clierr.New(clierr.CodeUsage, "approval amount must be a non-negative integer")
	}
	return pack(token, nil, erc20ABI, "approve", spender, amount)
}

func (Pool) BuildDelegation(debtToken, delegatee common.Address, amount *big.Int) (wallet.Call, error) {
	if amount == nil || amount.Sign() < 0 {
		return wallet.Call{}, clierr.New(clierr.CodeUsage, "delegation amount must be a non-negative integer")
	}
	return pack(debtToken, nil, debtTokenABI, "approveDelegation", delegatee, amount)
}

func (Pool) BuildAction(p Params, permit *Permit) (wallet.Call, error) {
	if err := Validate(p); err != nil {
		return wallet.Call{}, err
	}
	if permit != nil && !p.Kind.SupportsPermit() {
		return wallet.Call{}, clierr.New(clierr.CodeActionPlan, "permit signatures are not accepted by "+string(p.Kind))
	}
	if permit != nil && p.Asset.Native {
		return wallet.Call{}, clierr.New(clierr.CodeActionPlan, "native asset flows do not take permits")
	}
	asset := common.HexToAddress(p.Asset.Address)
	rateMode := big.NewInt(VariableRateMode)
	t := p.Targets

	switch p.Kind {
	case action.Supply:
		if p.Asset.Native {
			return pack(t.Gateway, p.Amount, gatewayABI, "depositETH", t.Pool, p.Account, p.Referral)
		}
		if permit != nil {
			return pack(t.Pool, nil, poolABI, "supplyWithPermit", asset, p.Amount, p.Account, p.Referral, permit.Deadline, permit.V, permit.R, permit.S)
		}
		return pack(t.Pool, nil, poolABI, "supply", asset, p.Amount, p.Account, p.Referral)
	case action.Withdraw:
		if p.Asset.Native {
			return pack(t.Gateway, nil, gatewayABI, "withdrawETH", t.Pool, p.Amount, p.Account)
		}
		return pack(t.Pool, nil, poolABI, "withdraw", asset, p.Amount, p.Account)
	case action.Borrow:
		if p.Asset.Native {
			return pack(t.Gateway, nil, gatewayABI, "borrowETH", t.Pool, p.Amount, rateMode, p.Referral)
		}
		return pack(t.Pool, nil, poolABI, "borrow", asset, p.Amount, rateMode, p.Referral, p.Account)
	case action.Repay:
		if p.Asset.Native {
			return pack(t.Gateway, p.Amount, gatewayABI, "repayETH", t.Pool, p.Amount, rateMode, p.Account)
		}
		if permit != nil {
			return pack(t.Pool, nil, poolABI, "repayWithPermit", asset, p.Amount, rateMode, p.Account, permit.Deadline, permit.V, permit.R, permit.S)
		}
		return pack(t.Pool, nil, poolABI, "repay", asset, p.Amount, rateMode, p.Account)
	case action.Stake:
		if permit != nil {
			return pack(t.StakeToken, nil, stakeABI, "stakeWithPermit", p.Amount, permit.Deadline, permit.V, permit.R, permit.S)
		}
		return pack(t.StakeToken, nil, stakeABI, "stake", p.Account, p.Amount)
	case action.ClaimRewards:
		if t.IncentivesController == (common.Address{}) {
			return wallet.Call{}, clierr.New(clierr.CodeUnsupported, "aave incentives controller is unavailable for this market")
		}
		if len(p.RewardAssets) == 0 {
			return wallet.Call{}, clierr.New(clierr.CodeUsage, "claim requires at least one incentivized asset")
		}
		return pack(t.IncentivesController, nil, rewardsABI, "claimRewards", p.RewardAssets, p.Amount, p.Account, p.Reward)
	}
	return wallet.Call{}, clierr.New(clierr.CodeUnsupported, "unsupported action kind: "+string(p.Kind))
}

func pack(to common.Address, value *big.Int, contract abi.ABI, method string, args ...any) (wallet.Call, error) {
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

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
