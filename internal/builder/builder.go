// Package builder turns action parameters into unsigned calls. Builders are
// pure: they do no I/O and return the same call for the same inputs.
package builder

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/lendflow/internal/action"
	clierr "github.com/ggonzalez94/lendflow/internal/errors"
	"github.com/ggonzalez94/lendflow/internal/id"
	"github.com/ggonzalez94/lendflow/internal/wallet"
)

// VariableRateMode is the only borrow mode Aave v3.2+ accepts.
const VariableRateMode = 2

// Targets are the contracts an action touches, resolved by the read layer.
type Targets struct {
	Pool                 common.Address
	Gateway              common.Address
	IncentivesController common.Address
	AToken               common.Address
	VariableDebtToken    common.Address
	StakeToken           common.Address
}

// Params describe one protocol action. Amount is in base units and may be
// MaxUint256 only for withdraw and claim, where the protocol defines it as
// "everything".
type Params struct {
	Kind    action.Kind
	Asset   id.Asset
	Amount  *big.Int
	Account common.Address
	Targets Targets

	Referral     uint16
	RewardAssets []common.Address
	Reward       common.Address
}

// Permit is a decoded EIP-2612 signature consumed by a *WithPermit call.
type Permit struct {
	Deadline *big.Int
	V        uint8
	R        [32]byte
	S        [32]byte
}

type Builder interface {
	Name() string
	BuildApprove(token, spender common.Address, amount *big.Int) (wallet.Call, error)
	BuildDelegation(debtToken, delegatee common.Address, amount *big.Int) (wallet.Call, error)
	BuildAction(p Params, permit *Permit) (wallet.Call, error)
}

// Grant is the authorization an action needs: which token the spender must
// be allowed to pull, and whether it is an ERC-20 approval or a credit
// delegation.
type Grant struct {
	Kind    action.Authorization
	Token   common.Address
	Spender common.Address
}

// GrantFor derives the authorization target for p.
func GrantFor(p Params) (Grant, error) {
	auth := p.Kind.Authorization(p.Asset.Native)
	switch auth {
	case action.AuthNone:
		return Grant{Kind: action.AuthNone}, nil
	case action.AuthDelegation:
		if p.Targets.VariableDebtToken == (common.Address{}) || p.Targets.Gateway == (common.Address{}) {
			return Grant{}, clierr.New(clierr.CodeActionPlan, "credit delegation requires the variable debt token and gateway")
		}
		return Grant{Kind: auth, Token: p.Targets.VariableDebtToken, Spender: p.Targets.Gateway}, nil
	}

	switch {
	case p.Kind == action.Stake:
		if p.Targets.StakeToken == (common.Address{}) {
			return Grant{}, clierr.New(clierr.CodeUnsupported, "staking is unavailable on this chain")
		}
		return Grant{Kind: auth, Token: common.HexToAddress(p.Asset.Address), Spender: p.Targets.StakeToken}, nil
	case p.Kind == action.Withdraw && p.Asset.Native:
		if p.Targets.AToken == (common.Address{}) || p.Targets.Gateway == (common.Address{}) {
			return Grant{}, clierr.New(clierr.CodeActionPlan, "native withdraw requires the aToken and gateway")
		}
		return Grant{Kind: auth, Token: p.Targets.AToken, Spender: p.Targets.Gateway}, nil
	default:
		if p.Targets.Pool == (common.Address{}) {
			return Grant{}, clierr.New(clierr.CodeActionPlan, "missing pool address")
		}
		return Grant{Kind: auth, Token: common.HexToAddress(p.Asset.Address), Spender: p.Targets.Pool}, nil
	}
}

// Validate checks the parameters shared by every builder.
func Validate(p Params) error {
	if !p.Kind.Executable() {
		return clierr.New(clierr.CodeUnsupported, fmt.Sprintf("%s is not supported by the transaction builders", p.Kind))
	}
	if p.Account == (common.Address{}) {
		return clierr.New(clierr.CodeUsage, "action requires an account address")
	}
	if p.Kind != action.ClaimRewards && !common.IsHexAddress(strings.TrimSpace(p.Asset.Address)) {
		return clierr.New(clierr.CodeUsage, "action asset must resolve to an ERC20 address")
	}
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return clierr.New(clierr.CodeUsage, "action amount must be a positive integer in base units")
	}
	return nil
}

// Select returns the builder generation named by configuration.
func Select(name string, planned Builder) (Builder, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "pool":
		return Pool{}, nil
	case "planned":
		if planned == nil {
			return nil, clierr.New(clierr.CodeInternal, "planned builder is not configured")
		}
		return planned, nil
	default:
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported builder %q (expected pool|planned)", name))
	}
}
