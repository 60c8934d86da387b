package action

import (
	"fmt"
	"strings"

	clierr "github.com/ggonzalez94/lendflow/internal/errors"
)

// Kind is a protocol action a flow drives to completion.
type Kind string

const (
	Supply          Kind = "supply"
	Withdraw        Kind = "withdraw"
	Borrow          Kind = "borrow"
	Repay           Kind = "repay"
	Stake           Kind = "stake"
	ClaimRewards    Kind = "claim_rewards"
	SwapCollateral  Kind = "swap_collateral"
	RepayCollateral Kind = "repay_collateral"
)

// Authorization describes the on-chain authorization a kind needs before the
// protocol can pull funds or debt on the user's behalf.
type Authorization string

const (
	AuthNone       Authorization = "none"
	AuthApprove    Authorization = "approve"
	AuthDelegation Authorization = "delegation"
)

var allKinds = []Kind{Supply, Withdraw, Borrow, Repay, Stake, ClaimRewards, SwapCollateral, RepayCollateral}

func Parse(input string) (Kind, error) {
	norm := strings.ToLower(strings.TrimSpace(input))
	norm = strings.ReplaceAll(norm, "-", "_")
	for _, k := range allKinds {
		if string(k) == norm {
			return k, nil
		}
	}
	if norm == "claim" {
		return ClaimRewards, nil
	}
	return "", clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported action kind: %s", input))
}

func All() []Kind {
	return append([]Kind(nil), allKinds...)
}

// Authorization reports what must be granted before the action call. Native
// asset flows route through the wrapped token gateway, which needs the aToken
// (withdraw) or credit delegation (borrow) instead of the underlying token.
func (k Kind) Authorization(native bool) Authorization {
	switch k {
	case Supply, Repay, Stake:
		if native && k != Stake {
			return AuthNone
		}
		return AuthApprove
	case Withdraw:
		if native {
			return AuthApprove
		}
		return AuthNone
	case Borrow:
		if native {
			return AuthDelegation
		}
		return AuthNone
	default:
		return AuthNone
	}
}

// SupportsPermit reports whether the protocol exposes a *WithPermit entry
// point for the kind.
func (k Kind) SupportsPermit() bool {
	switch k {
	case Supply, Repay, Stake:
		return true
	default:
		return false
	}
}

// Executable reports whether the engine can build calls for the kind.
// Collateral and debt swaps only exist in the gas table.
func (k Kind) Executable() bool {
	switch k {
	case SwapCollateral, RepayCollateral:
		return false
	default:
		return true
	}
}

// ReducesHealth reports whether the kind can lower the health factor and so
// passes through the safety gate.
func (k Kind) ReducesHealth() bool {
	return k == Withdraw || k == Borrow
}
