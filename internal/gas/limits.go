package gas

import (
	"math"

	"github.com/ggonzalez94/lendflow/internal/action"
)

// Operation keys the baseline gas table. It is finer than action.Kind because
// permit and native-gateway variants cost more than the plain pool call.
type Operation string

const (
	OpDefault                  Operation = "default"
	OpSupply                   Operation = "supply"
	OpSupplyWithPermit         Operation = "supplyWithPermit"
	OpSupplyETH                Operation = "supplyETH"
	OpWithdraw                 Operation = "withdraw"
	OpWithdrawETH              Operation = "withdrawETH"
	OpBorrow                   Operation = "borrow"
	OpBorrowETH                Operation = "borrowETH"
	OpRepay                    Operation = "repay"
	OpRepayWithPermit          Operation = "repayWithPermit"
	OpRepayETH                 Operation = "repayETH"
	OpSwapCollateral           Operation = "swapCollateral"
	OpRepayCollateral          Operation = "repayCollateral"
	OpVote                     Operation = "vote"
	OpStake                    Operation = "stake"
	OpStakeWithPermit          Operation = "stakeWithPermit"
	OpClaimRewards             Operation = "claimRewards"
	OpApproval                 Operation = "approval"
	OpCreditDelegationApproval Operation = "creditDelegationApproval"
)

// ApprovalGasLimit is added to the action limit when an approval transaction
// is submitted in the same flow.
const ApprovalGasLimit uint64 = 65_000

var baselineLimits = map[Operation]uint64{
	OpDefault:                  210_000,
	OpSupply:                   300_000,
	OpSupplyWithPermit:         350_000,
	OpSupplyETH:                300_000,
	OpWithdraw:                 300_000,
	OpWithdrawETH:              640_000,
	OpBorrow:                   400_000,
	OpBorrowETH:                450_000,
	OpRepay:                    300_000,
	OpRepayWithPermit:          350_000,
	OpRepayETH:                 350_000,
	OpSwapCollateral:           1_000_000,
	OpRepayCollateral:          700_000,
	OpVote:                     125_000,
	OpStake:                    395_000,
	OpStakeWithPermit:          400_000,
	OpClaimRewards:             275_000,
	OpApproval:                 65_000,
	OpCreditDelegationApproval: 55_000,
}

// AuthPath is how the flow satisfies authorization.
type AuthPath string

const (
	AuthPathNone        AuthPath = "none"
	AuthPathTransaction AuthPath = "transaction"
	AuthPathSignature   AuthPath = "signature"
	AuthPathBatched     AuthPath = "batched"
)

// OperationFor maps an action kind and its variant to a table key.
func OperationFor(kind action.Kind, permit, native bool) Operation {
	switch kind {
	case action.Supply:
		switch {
		case native:
			return OpSupplyETH
		case permit:
			return OpSupplyWithPermit
		}
		return OpSupply
	case action.Withdraw:
		if native {
			return OpWithdrawETH
		}
		return OpWithdraw
	case action.Borrow:
		if native {
			return OpBorrowETH
		}
		return OpBorrow
	case action.Repay:
		switch {
		case native:
			return OpRepayETH
		case permit:
			return OpRepayWithPermit
		}
		return OpRepay
	case action.Stake:
		if permit {
			return OpStakeWithPermit
		}
		return OpStake
	case action.ClaimRewards:
		return OpClaimRewards
	case action.SwapCollateral:
		return OpSwapCollateral
	case action.RepayCollateral:
		return OpRepayCollateral
	default:
		return OpDefault
	}
}

// Baseline returns the static limit for op, falling back to the default row.
func Baseline(op Operation) uint64 {
	if v, ok := baselineLimits[op]; ok {
		return v
	}
	return baselineLimits[OpDefault]
}

// RecommendedGasLimit is the baseline for op plus the approval surcharge when
// a separate approval transaction is part of the flow. Batched approvals ride
// in the same request and are charged the same surcharge.
func RecommendedGasLimit(op Operation, path AuthPath) uint64 {
	limit := Baseline(op)
	if path == AuthPathTransaction || path == AuthPathBatched {
		limit += ApprovalGasLimit
	}
	return limit
}

// ApplyMultiplier scales an eth_estimateGas result by a safety multiplier.
func ApplyMultiplier(estimate uint64, multiplier float64) uint64 {
	if multiplier <= 1 {
		multiplier = 1
	}
	scaled := float64(estimate) * multiplier
	if scaled >= math.MaxUint64 {
		return math.MaxUint64
	}
	return uint64(scaled)
}
