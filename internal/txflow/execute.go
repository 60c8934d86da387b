package txflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/lendflow/internal/amount"
	"github.com/ggonzalez94/lendflow/internal/builder"
	clierr "github.com/ggonzalez94/lendflow/internal/errors"
	"github.com/ggonzalez94/lendflow/internal/execution"
	"github.com/ggonzalez94/lendflow/internal/gas"
	"github.com/ggonzalez94/lendflow/internal/readlayer"
	"github.com/ggonzalez94/lendflow/internal/safety"
	"github.com/ggonzalez94/lendflow/internal/wallet"
)

// invalidatedFamilies are the read-layer queries a confirmed action can
// change.
var invalidatedFamilies = []string{
	readlayer.FamilyPosition,
	readlayer.FamilyAllowance,
	readlayer.FamilyReserve,
	readlayer.FamilyIncentives,
}

type execPlan struct {
	version    uint64
	params     builder.Params
	permit     *builder.Permit
	path       gas.AuthPath
	authCalls  []authCall
	hypothesis readlayer.Hypothetical
	previewSeq uint64
	grant      builder.Grant
}

// Execute submits the protocol call for the current amount, or the
// authorization and the call as one atomic batch when the wallet supports it.
// On success the affected read-layer families are invalidated.
func (f *Flow) Execute(ctx context.Context) error {
	f.op.Lock()
	defer f.op.Unlock()
	ctx, stop := f.bind(ctx)
	defer stop()

	plan, err := f.prepareExecute()
	if err != nil {
		return err
	}
	if err := f.gate(ctx, plan); err != nil {
		return err
	}

	call, err := f.deps.Builder.BuildAction(plan.params, plan.permit)
	if err != nil {
		return err
	}
	if err := f.validateAuthCalls(plan.authCalls); err != nil {
		return err
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	if f.version != plan.version {
		f.mu.Unlock()
		return blocked(clierr.CodeBlocked, "amount changed before submission")
	}
	f.act = TransactionState{Submitting: true}
	if plan.path == gas.AuthPathBatched {
		f.auth.Submitting = true
		f.auth.Err = nil
	}
	f.syncRecordLocked()
	if f.record != nil {
		f.record.Status = execution.ActionStatusRunning
	}
	f.saveLocked()
	f.mu.Unlock()

	if plan.path == gas.AuthPathBatched {
		err = f.executeBatch(ctx, plan, call)
	} else {
		hash, fe := f.submit(ctx, call, func(hash common.Hash) {
			f.mu.Lock()
			f.act.Hash = hash
			f.markFinalLocked(execution.StepStatusSubmitted, hash, nil)
			f.mu.Unlock()
		})
		err = f.finishAction(plan, hash, "", fe)
	}
	if err != nil {
		return err
	}
	f.refreshAllowance(ctx, plan.hypothesis.Account, plan.grant)
	return nil
}

// readyLocked checks the preconditions shared by Authorize and Execute.
func (f *Flow) readyLocked() error {
	switch {
	case f.closed:
		return ErrClosed
	case !f.loaded:
		return clierr.New(clierr.CodeUsage, "flow is not loaded")
	case !f.hasInput || f.resolved.IsZero():
		return blocked(clierr.CodeUsage, "amount must be resolved to a non-zero value")
	case f.resolved.ExceedsLimit():
		return blocked(clierr.CodeUsage, fmt.Sprintf("amount exceeds the available %s", f.resolved.Limit.String()))
	}
	return nil
}

func (f *Flow) prepareExecute() (*execPlan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.readyLocked(); err != nil {
		return nil, err
	}
	if f.act.Confirmed {
		return nil, blocked(clierr.CodeBlocked, "action already confirmed; reset the flow to run it again")
	}
	if prev := f.act.Err; prev != nil && prev.Kind.Blocking() {
		out := blocked(clierr.CodeBlocked, "previous attempt failed ("+string(prev.Kind)+"); change the amount before retrying")
		out.Cause = prev
		return nil, out
	}

	plan := &execPlan{
		version:    f.version,
		params:     f.paramsLocked(),
		previewSeq: f.previewSeq,
		grant:      f.grant,
		hypothesis: readlayer.Hypothetical{
			Account: f.account,
			Kind:    f.req.Kind,
			Asset:   f.req.Asset,
			Amount:  f.resolved.OnChain,
		},
	}
	if f.signature != nil {
		if fe := f.signature.Check(f.grant.Token, f.grant.Spender, plan.params.Amount, f.deps.Now()); fe != nil {
			f.signature = nil
			f.auth.Confirmed = false
			f.auth.Err = fe
			f.reevaluateLocked()
			return nil, fe
		}
		plan.permit = f.signature.Permit()
	}

	plan.path = f.authPathLocked()
	if f.needsAuthLocked() {
		if plan.path != gas.AuthPathBatched {
			return nil, blocked(clierr.CodeActionPlan, "authorization is required before the action; run authorize first")
		}
		calls, err := f.authCallsLocked()
		if err != nil {
			return nil, err
		}
		plan.authCalls = calls
	}
	return plan, nil
}

// gate runs the safety check for actions that can lower the health factor.
// It waits for the preview of the current amount rather than trusting an
// older result.
func (f *Flow) gate(ctx context.Context, plan *execPlan) error {
	if !plan.params.Kind.ReducesHealth() {
		return nil
	}
	var (
		preview readlayer.HealthPreview
		err     error
	)
	if plan.previewSeq == 0 {
		preview, err = f.deps.Reader.PreviewHealthFactor(ctx, plan.hypothesis)
	} else {
		preview, err = f.preview.Await(ctx, plan.previewSeq)
	}
	switch {
	case errors.Is(err, safety.ErrSuperseded):
		return blocked(clierr.CodeBlocked, "amount changed while the health factor preview was running")
	case errors.Is(err, safety.ErrClosed):
		return ErrClosed
	case err != nil:
		return clierr.Wrap(clierr.CodeUnavailable, "preview health factor", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	risk := safety.Assess(preview.Before, preview.After, f.cfg.SafeHealthFactor)
	f.risk = risk
	if !safety.CanProceed(risk, f.acknowledged) {
		f.log.Info("action blocked by safety gate", slog.String("projected_health_factor", risk.Projected.String()))
		return blocked(clierr.CodeRiskBlocked, fmt.Sprintf(
			"projected health factor %s is below the safe threshold %s; acknowledge the risk to continue",
			risk.Projected.String(), risk.Threshold.StringFixed(2),
		))
	}
	return nil
}

// executeBatch sends the authorization calls and the action as one atomic
// request. A failed batch applies nothing, so both states stay unconfirmed.
func (f *Flow) executeBatch(ctx context.Context, plan *execPlan, call wallet.Call) error {
	calls := make([]wallet.Call, 0, len(plan.authCalls)+1)
	for _, c := range plan.authCalls {
		calls = append(calls, c.call)
	}
	calls = append(calls, call)

	batchID, err := f.deps.Gateway.SendCalls(ctx, calls)
	if err != nil {
		if errors.Is(err, wallet.ErrBatchUnsupported) {
			f.mu.Lock()
			f.caps.AtomicBatch = false
			f.recomputeGasLocked()
			f.mu.Unlock()
			fe := newFlowError(SubmissionFailed, "wallet does not support atomic batches; authorize separately and retry", err)
			return f.finishAction(plan, common.Hash{}, "", fe)
		}
		return f.finishAction(plan, common.Hash{}, "", Classify(StageSubmit, err))
	}
	f.mu.Lock()
	f.act.BatchID = batchID
	f.auth.BatchID = batchID
	f.mu.Unlock()

	status, err := f.deps.Gateway.WaitForCalls(ctx, batchID)
	if err != nil {
		return f.finishAction(plan, common.Hash{}, batchID, Classify(StageReceipt, err))
	}
	var hash common.Hash
	if n := len(status.Receipts); n > 0 {
		hash = status.Receipts[n-1].Hash
	}
	if status.State != wallet.CallsConfirmed {
		return f.finishAction(plan, hash, batchID, newFlowError(ExecutionReverted, "batch failed; no call was applied", nil))
	}
	for _, r := range status.Receipts {
		if !r.Success {
			return f.finishAction(plan, hash, batchID, newFlowError(ExecutionReverted, "batch reverted; no call was applied", nil))
		}
	}
	return f.finishAction(plan, hash, batchID, nil)
}

// finishAction records the outcome. A reverted transaction keeps its hash.
func (f *Flow) finishAction(plan *execPlan, hash common.Hash, batchID string, fe *FlowError) error {
	outcome := "confirmed"
	if fe != nil {
		outcome = string(fe.Kind)
	}
	f.deps.Metrics.ObserveAction(string(plan.params.Kind), outcome)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	account := f.account
	batched := plan.path == gas.AuthPathBatched
	f.act.Submitting = false
	if hash != (common.Hash{}) {
		f.act.Hash = hash
	}
	if batchID != "" {
		f.act.BatchID = batchID
	}
	if batched {
		f.auth.Submitting = false
	}

	if fe != nil {
		f.act.Confirmed = false
		f.act.Err = fe
		if batched {
			f.auth.Confirmed = false
		}
		f.markFinalLocked(execution.StepStatusFailed, hash, fe)
		if f.record != nil {
			f.record.Status = execution.ActionStatusFailed
		}
		f.saveLocked()
		f.mu.Unlock()
		f.log.Warn("action failed",
			slog.String("error_kind", string(fe.Kind)),
			slog.String("tx_hash", hashString(hash)),
			slog.String("error", fe.Error()),
		)
		return fe
	}

	f.act.Confirmed = true
	f.act.Err = nil
	if batched {
		f.auth.Confirmed = true
		f.auth.Hash = hash
		for _, c := range plan.authCalls {
			f.markStepLocked(c.stepID, execution.StepStatusConfirmed, hash, nil)
		}
	}
	f.signature = nil
	f.allowance = f.allowance.Invalidate()
	f.markFinalLocked(execution.StepStatusConfirmed, hash, nil)
	if f.record != nil {
		f.record.Status = execution.ActionStatusCompleted
	}
	f.saveLocked()
	f.mu.Unlock()

	for _, family := range invalidatedFamilies {
		if err := f.deps.Reader.Invalidate(account, family); err != nil {
			f.log.Warn("invalidate read cache", slog.String("family", family), slog.String("error", err.Error()))
		}
	}
	f.log.Info("action confirmed",
		slog.String("tx_hash", hashString(hash)),
		slog.String("amount", amount.FromBaseUnits(plan.params.Amount, int32(plan.params.Asset.Decimals)).String()),
		slog.Bool("batched", batched),
	)
	return nil
}
