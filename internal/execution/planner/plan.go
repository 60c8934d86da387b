package planner

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/lendflow/internal/action"
	"github.com/ggonzalez94/lendflow/internal/builder"
	clierr "github.com/ggonzalez94/lendflow/internal/errors"
	"github.com/ggonzalez94/lendflow/internal/execution"
	"github.com/ggonzalez94/lendflow/internal/gas"
	"github.com/ggonzalez94/lendflow/internal/id"
	"github.com/ggonzalez94/lendflow/internal/wallet"
)

const (
	StepIDReset      = "approval-reset"
	StepIDApprove    = "approve-token"
	StepIDDelegation = "credit-delegation"
	StepIDPermit     = "permit-signature"
)

// Request is a fully resolved action ready to be laid out as flow steps.
type Request struct {
	ActionID    string
	Chain       id.Chain
	Params      builder.Params
	Constraints execution.Constraints

	InputAmount    string
	ResolvedAmount string

	// Grant and Path describe how authorization is satisfied. Authorize is
	// false when the current allowance already covers the amount.
	Grant      builder.Grant
	Authorize  bool
	ResetFirst bool
	Path       gas.AuthPath
	// ApprovalAmount defaults to the action amount.
	ApprovalAmount *big.Int
	Permit         *builder.Permit
}

// Plan lays out the flow: an optional reset, the approval, delegation or
// permit signature, and the protocol call last.
func Plan(b builder.Builder, req Request) (execution.Action, error) {
	if b == nil {
		return execution.Action{}, clierr.New(clierr.CodeInternal, "planner requires a builder")
	}
	p := req.Params
	if err := builder.Validate(p); err != nil {
		return execution.Action{}, err
	}
	chainID := req.Chain.CAIP2
	if strings.TrimSpace(chainID) == "" {
		chainID = p.Asset.ChainID
	}
	actionID := req.ActionID
	if actionID == "" {
		actionID = execution.NewActionID()
	}
	path := req.Path
	if !req.Authorize || req.Grant.Kind == action.AuthNone {
		path = gas.AuthPathNone
	}
	constraints := req.Constraints
	constraints.Batched = path == gas.AuthPathBatched
	if req.Permit != nil && req.Permit.Deadline != nil {
		constraints.Deadline = req.Permit.Deadline.String()
	}

	flow := execution.NewAction(actionID, string(p.Kind), chainID, constraints)
	flow.Builder = b.Name()
	flow.AssetID = p.Asset.AssetID
	flow.FromAddress = p.Account.Hex()
	flow.InputAmount = req.InputAmount
	flow.ResolvedAmount = req.ResolvedAmount
	flow.AmountBase = p.Amount.String()
	flow.AuthPath = string(path)
	flow.Metadata = map[string]any{
		"protocol": "aave",
		"asset_id": p.Asset.AssetID,
		"symbol":   p.Asset.Symbol,
		"pool":     p.Targets.Pool.Hex(),
	}

	switch path {
	case gas.AuthPathTransaction, gas.AuthPathBatched:
		steps, err := authorizationSteps(b, chainID, req)
		if err != nil {
			return execution.Action{}, err
		}
		flow.Steps = append(flow.Steps, steps...)
		flow.Metadata["spender"] = req.Grant.Spender.Hex()
	case gas.AuthPathSignature:
		if req.Grant.Kind != action.AuthApprove || !p.Asset.SupportsPermit() || !p.Kind.SupportsPermit() {
			return execution.Action{}, clierr.New(clierr.CodeActionPlan, "permit signature is not available for this action")
		}
		status := execution.StepStatusPending
		if req.Permit != nil {
			status = execution.StepStatusSigned
		}
		flow.Steps = append(flow.Steps, execution.ActionStep{
			StepID:      StepIDPermit,
			Type:        execution.StepTypePermit,
			Status:      status,
			ChainID:     chainID,
			Description: fmt.Sprintf("Sign %s permit for %s", symbol(p.Asset), req.Grant.Spender.Hex()),
			Target:      req.Grant.Token.Hex(),
		})
	}

	var permit *builder.Permit
	if path == gas.AuthPathSignature {
		permit = req.Permit
	}
	call, err := b.BuildAction(p, permit)
	if err != nil {
		return execution.Action{}, err
	}
	final := execution.CallStep(execution.ActionStep{
		StepID:      "aave-" + strings.ReplaceAll(string(p.Kind), "_", "-"),
		Type:        stepTypeFor(p.Kind),
		Status:      execution.StepStatusPending,
		ChainID:     chainID,
		Description: describe(p),
		GasLimit:    gas.Baseline(gas.OperationFor(p.Kind, permit != nil, p.Asset.Native)),
	}, call)
	flow.Steps = append(flow.Steps, final)
	return flow, nil
}

func authorizationSteps(b builder.Builder, chainID string, req Request) ([]execution.ActionStep, error) {
	amount := req.ApprovalAmount
	if amount == nil {
		amount = req.Params.Amount
	}
	grant := req.Grant
	steps := make([]execution.ActionStep, 0, 2)

	if grant.Kind == action.AuthDelegation {
		call, err := b.BuildDelegation(grant.Token, grant.Spender, amount)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step(StepIDDelegation, execution.StepTypeDelegation, chainID,
			"Delegate borrowing power to the wrapped token gateway", gas.Baseline(gas.OpCreditDelegationApproval), call))
		return steps, nil
	}

	if req.ResetFirst {
		call, err := b.BuildApprove(grant.Token, grant.Spender, new(big.Int))
		if err != nil {
			return nil, err
		}
		steps = append(steps, step(StepIDReset, execution.StepTypeReset, chainID,
			fmt.Sprintf("Reset %s allowance to zero", symbol(req.Params.Asset)), gas.ApprovalGasLimit, call))
	}
	call, err := b.BuildApprove(grant.Token, grant.Spender, amount)
	if err != nil {
		return nil, err
	}
	steps = append(steps, step(StepIDApprove, execution.StepTypeApproval, chainID,
		fmt.Sprintf("Approve %s for %s", symbol(req.Params.Asset), grant.Spender.Hex()), gas.ApprovalGasLimit, call))
	return steps, nil
}

func step(stepID string, stepType execution.StepType, chainID, description string, limit uint64, call wallet.Call) execution.ActionStep {
	return execution.CallStep(execution.ActionStep{
		StepID:      stepID,
		Type:        stepType,
		Status:      execution.StepStatusPending,
		ChainID:     chainID,
		Description: description,
		GasLimit:    limit,
	}, call)
}

func stepTypeFor(kind action.Kind) execution.StepType {
	switch kind {
	case action.Stake:
		return execution.StepTypeStake
	case action.ClaimRewards:
		return execution.StepTypeClaim
	default:
		return execution.StepTypeLend
	}
}

func describe(p builder.Params) string {
	switch p.Kind {
	case action.Supply:
		return fmt.Sprintf("Supply %s to Aave", symbol(p.Asset))
	case action.Withdraw:
		return fmt.Sprintf("Withdraw %s from Aave", symbol(p.Asset))
	case action.Borrow:
		return fmt.Sprintf("Borrow %s from Aave", symbol(p.Asset))
	case action.Repay:
		return fmt.Sprintf("Repay borrowed %s on Aave", symbol(p.Asset))
	case action.Stake:
		return fmt.Sprintf("Stake %s in the safety module", symbol(p.Asset))
	case action.ClaimRewards:
		return fmt.Sprintf("Claim rewards for %d assets", len(p.RewardAssets))
	}
	return string(p.Kind)
}

func symbol(a id.Asset) string {
	if s := strings.TrimSpace(a.Symbol); s != "" {
		return strings.ToUpper(s)
	}
	if common.IsHexAddress(a.Address) {
		return common.HexToAddress(a.Address).Hex()
	}
	return "asset"
}
