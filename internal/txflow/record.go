package txflow

import (
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/lendflow/internal/action"
	"github.com/ggonzalez94/lendflow/internal/execution"
	"github.com/ggonzalez94/lendflow/internal/execution/planner"
	"github.com/ggonzalez94/lendflow/internal/gas"
	"github.com/ggonzalez94/lendflow/internal/id"
	"github.com/ggonzalez94/lendflow/internal/readlayer"
	"github.com/ggonzalez94/lendflow/internal/safety"
)

// syncRecordLocked re-plans the flow record for the current amount. Steps
// that already ran keep their status, hash and error.
func (f *Flow) syncRecordLocked() {
	chain := id.Chain{}
	if f.chainID != nil {
		chain.CAIP2 = fmt.Sprintf("eip155:%s", f.chainID)
		chain.EVMChainID = f.chainID.Int64()
	}
	req := planner.Request{
		ActionID: f.id,
		Chain:    chain,
		Params:   f.paramsLocked(),
		Constraints: execution.Constraints{
			SafeHealthFactor: f.cfg.SafeHealthFactor.String(),
			Acknowledged:     f.acknowledged,
			AllowMaxApproval: f.cfg.AllowMaxApproval,
		},
		InputAmount:    f.input.String(),
		ResolvedAmount: f.resolved.OnChain.String(),
		Grant:          f.grant,
		Authorize:      f.needsAuthLocked() || f.signature != nil,
		ResetFirst:     f.resetFirstLocked(),
		Path:           f.authPathLocked(),
	}
	if f.signature != nil {
		req.Permit = f.signature.Permit()
	}
	next, err := planner.Plan(f.deps.Builder, req)
	if err != nil {
		f.log.Warn("plan flow record", slog.String("error", err.Error()))
		return
	}

	prev := f.record
	if prev == nil {
		f.record = &next
		return
	}
	next.CreatedAt = prev.CreatedAt
	next.Status = prev.Status
	kept := make([]execution.ActionStep, 0, len(prev.Steps)+len(next.Steps))
	for _, old := range prev.Steps {
		if old.Status == execution.StepStatusPending {
			continue
		}
		if step, ok := next.Step(old.StepID); ok {
			step.Status = old.Status
			step.TxHash = old.TxHash
			step.BatchID = old.BatchID
			step.Error = old.Error
			step.ErrorKind = old.ErrorKind
			continue
		}
		kept = append(kept, old)
	}
	next.Steps = append(kept, next.Steps...)
	f.record = &next
}

func (f *Flow) markStepLocked(stepID string, status execution.StepStatus, hash common.Hash, fe *FlowError) {
	if f.record == nil {
		return
	}
	step, ok := f.record.Step(stepID)
	if !ok {
		return
	}
	applyStep(step, status, hash, fe)
	f.record.Touch()
}

func (f *Flow) markFinalLocked(status execution.StepStatus, hash common.Hash, fe *FlowError) {
	if f.record == nil {
		return
	}
	step, ok := f.record.Final()
	if !ok {
		return
	}
	applyStep(step, status, hash, fe)
	if f.act.BatchID != "" {
		step.BatchID = f.act.BatchID
	}
	f.record.Touch()
}

func applyStep(step *execution.ActionStep, status execution.StepStatus, hash common.Hash, fe *FlowError) {
	step.Status = status
	if hash != (common.Hash{}) {
		step.TxHash = hash.Hex()
	}
	if fe != nil {
		step.Error = fe.Error()
		step.ErrorKind = string(fe.Kind)
	} else {
		step.Error = ""
		step.ErrorKind = ""
	}
}

func (f *Flow) saveLocked() {
	if f.record == nil {
		return
	}
	f.record.Constraints.Acknowledged = f.acknowledged
	f.record.Touch()
	if f.deps.Store == nil {
		return
	}
	if err := f.deps.Store.Save(*f.record); err != nil {
		f.log.Warn("persist flow record", slog.String("error", err.Error()))
	}
}

// Record is a copy of the flow record, or false before the flow first
// authorized or executed.
func (f *Flow) Record() (execution.Action, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.record == nil {
		return execution.Action{}, false
	}
	out := *f.record
	out.Steps = append([]execution.ActionStep(nil), f.record.Steps...)
	return out, true
}

// Snapshot is a point-in-time view of the flow.
type Snapshot struct {
	ID                 string                 `json:"flow_id"`
	Kind               action.Kind            `json:"kind"`
	AssetID            string                 `json:"asset_id"`
	Account            string                 `json:"account,omitempty"`
	Loaded             bool                   `json:"loaded"`
	Input              string                 `json:"input,omitempty"`
	DisplayAmount      string                 `json:"display_amount,omitempty"`
	OnChainAmount      string                 `json:"onchain_amount,omitempty"`
	AmountBaseUnits    string                 `json:"amount_base_units,omitempty"`
	Limit              string                 `json:"limit,omitempty"`
	ExceedsLimit       bool                   `json:"exceeds_limit"`
	USDValue           string                 `json:"usd_value,omitempty"`
	BalanceAfter       string                 `json:"balance_after,omitempty"`
	PositionAfter      string                 `json:"position_after,omitempty"`
	Authorization      action.Authorization   `json:"authorization,omitempty"`
	NeedsAuthorization bool                   `json:"needs_authorization"`
	AuthPath           gas.AuthPath           `json:"auth_path"`
	ResetFirst         bool                   `json:"reset_first,omitempty"`
	AuthState          TransactionState       `json:"authorization_state"`
	ActionState        TransactionState       `json:"action_state"`
	SignatureDeadline  string                 `json:"signature_deadline,omitempty"`
	Risk               safety.RiskAssessment  `json:"risk"`
	Acknowledged       bool                   `json:"risk_acknowledged"`
	CanProceed         bool                   `json:"can_proceed"`
	GasLimit           uint64                 `json:"gas_limit"`
	FeeTier            gas.Tier               `json:"fee_tier"`
	BatchingAvailable  bool                   `json:"batching_available"`
	GhoDiscount        *readlayer.GhoDiscount `json:"gho_discount,omitempty"`
}

func (f *Flow) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := Snapshot{
		ID:                f.id,
		Kind:              f.req.Kind,
		AssetID:           f.req.Asset.AssetID,
		Loaded:            f.loaded,
		Authorization:     f.grant.Kind,
		AuthState:         f.auth,
		ActionState:       f.act,
		Risk:              f.risk,
		Acknowledged:      f.acknowledged,
		CanProceed:        safety.CanProceed(f.risk, f.acknowledged),
		GasLimit:          f.gasLimit,
		BatchingAvailable: f.batchingLocked(),
	}
	out.FeeTier, _ = f.fees.Current()
	if f.loaded {
		out.Account = f.account.Hex()
		out.NeedsAuthorization = f.needsAuthLocked()
		out.AuthPath = f.authPathLocked()
		out.ResetFirst = f.resetFirstLocked()
	}
	if f.hasInput {
		r := f.resolved
		out.Input = f.input.String()
		out.DisplayAmount = r.Display.String()
		out.OnChainAmount = r.OnChain.String()
		out.AmountBaseUnits = r.CallAmount().String()
		out.Limit = r.Limit.String()
		out.ExceedsLimit = r.ExceedsLimit()
		out.USDValue = r.USDValue.StringFixed(2)
		out.BalanceAfter = r.BalanceAfter.String()
		out.PositionAfter = r.PositionAfter.String()
	}
	if f.ghoDiscount != nil {
		d := *f.ghoDiscount
		out.GhoDiscount = &d
	}
	if f.signature != nil {
		out.SignatureDeadline = f.signature.Deadline.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	return out
}
