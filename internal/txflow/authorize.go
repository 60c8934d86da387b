package txflow

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/lendflow/internal/action"
	"github.com/ggonzalez94/lendflow/internal/builder"
	clierr "github.com/ggonzalez94/lendflow/internal/errors"
	"github.com/ggonzalez94/lendflow/internal/execution"
	"github.com/ggonzalez94/lendflow/internal/execution/planner"
	"github.com/ggonzalez94/lendflow/internal/gas"
	"github.com/ggonzalez94/lendflow/internal/readlayer"
	"github.com/ggonzalez94/lendflow/internal/wallet"
)

// authCall is one authorization transaction, checked against the approval
// policy before it is sent.
type authCall struct {
	stepID    string
	stepType  execution.StepType
	call      wallet.Call
	requested *big.Int
}

type authPlan struct {
	version uint64
	path    gas.AuthPath
	account common.Address
	grant   builder.Grant
	amount  *big.Int
	calls   []authCall
}

// Authorize satisfies the authorization the current amount needs. It is a
// no-op when nothing is needed or when the approval will ride in the action's
// atomic batch. Failures are recorded on the authorization state and never
// retried.
func (f *Flow) Authorize(ctx context.Context) error {
	f.op.Lock()
	defer f.op.Unlock()
	ctx, stop := f.bind(ctx)
	defer stop()

	plan, err := f.prepareAuthorize()
	if err != nil || plan == nil {
		return err
	}
	switch plan.path {
	case gas.AuthPathSignature:
		return f.authorizeWithPermit(ctx, plan)
	default:
		return f.authorizeWithTransactions(ctx, plan)
	}
}

func (f *Flow) prepareAuthorize() (*authPlan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.readyLocked(); err != nil {
		return nil, err
	}
	if !f.needsAuthLocked() {
		return nil, nil
	}
	path := f.authPathLocked()
	if path == gas.AuthPathBatched {
		f.log.Debug("authorization deferred to the action batch")
		return nil, nil
	}
	if f.cfg.ApprovalMode == ApprovalSignature && !f.permitAvailableLocked() {
		return nil, blocked(clierr.CodeUnsupported, "permit signatures are not available for this asset and action")
	}

	plan := &authPlan{
		version: f.version,
		path:    path,
		account: f.account,
		grant:   f.grant,
		amount:  f.resolved.CallAmount(),
	}
	if path == gas.AuthPathTransaction {
		calls, err := f.authCallsLocked()
		if err != nil {
			return nil, err
		}
		plan.calls = calls
	}
	f.auth.Submitting = true
	f.auth.Err = nil
	f.syncRecordLocked()
	return plan, nil
}

// authCallsLocked builds the reset (when the token needs one), approval or
// delegation transactions for the current amount.
func (f *Flow) authCallsLocked() ([]authCall, error) {
	b := f.deps.Builder
	requested := f.resolved.CallAmount()
	grant := f.grant
	if grant.Kind == action.AuthDelegation {
		call, err := b.BuildDelegation(grant.Token, grant.Spender, requested)
		if err != nil {
			return nil, err
		}
		return []authCall{{stepID: planner.StepIDDelegation, stepType: execution.StepTypeDelegation, call: call, requested: requested}}, nil
	}

	calls := make([]authCall, 0, 2)
	if f.resetFirstLocked() {
		call, err := b.BuildApprove(grant.Token, grant.Spender, new(big.Int))
		if err != nil {
			return nil, err
		}
		calls = append(calls, authCall{stepID: planner.StepIDReset, stepType: execution.StepTypeReset, call: call})
	}
	call, err := b.BuildApprove(grant.Token, grant.Spender, requested)
	if err != nil {
		return nil, err
	}
	return append(calls, authCall{stepID: planner.StepIDApprove, stepType: execution.StepTypeApproval, call: call, requested: requested}), nil
}

func (f *Flow) validateAuthCalls(calls []authCall) error {
	policy := execution.ApprovalPolicy{AllowMaxApproval: f.cfg.AllowMaxApproval}
	for _, c := range calls {
		if err := policy.ValidateAuthorization(c.stepType, c.call.To.Hex(), c.call.Data, c.requested); err != nil {
			return err
		}
	}
	return nil
}

func (f *Flow) authorizeWithTransactions(ctx context.Context, plan *authPlan) error {
	if err := f.validateAuthCalls(plan.calls); err != nil {
		f.finishAuth(plan, common.Hash{}, newFlowError(Blocked, "authorization rejected by approval policy", err))
		return err
	}

	var last common.Hash
	for _, c := range plan.calls {
		hash, fe := f.submit(ctx, c.call, func(hash common.Hash) {
			f.mu.Lock()
			f.auth.Hash = hash
			f.markStepLocked(c.stepID, execution.StepStatusSubmitted, hash, nil)
			f.mu.Unlock()
		})
		if fe != nil {
			f.mu.Lock()
			f.markStepLocked(c.stepID, execution.StepStatusFailed, hash, fe)
			f.mu.Unlock()
			f.finishAuth(plan, hash, fe)
			return fe
		}
		f.mu.Lock()
		f.markStepLocked(c.stepID, execution.StepStatusConfirmed, hash, nil)
		f.mu.Unlock()
		last = hash
	}

	// Drop the cached allowance before re-reading so the resolver cannot act
	// on the pre-approval value.
	f.mu.Lock()
	f.allowance = f.allowance.Invalidate()
	f.mu.Unlock()
	if err := f.deps.Reader.Invalidate(plan.account, readlayer.FamilyAllowance); err != nil {
		f.log.Warn("invalidate allowance cache", slog.String("error", err.Error()))
	}
	f.refreshAllowance(ctx, plan.account, plan.grant)

	return f.finishAuth(plan, last, nil)
}

// refreshAllowance re-reads the allowance after its cache family was
// invalidated. A failed read leaves the record unknown.
func (f *Flow) refreshAllowance(ctx context.Context, account common.Address, grant builder.Grant) {
	rec, err := f.readAllowance(ctx, account, grant)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		f.log.Warn("re-read allowance", slog.String("error", err.Error()))
		return
	}
	if f.closed {
		return
	}
	f.allowance = rec
	f.recomputeGasLocked()
}

// finishAuth applies an authorization outcome unless the flow was closed in
// the meantime.
func (f *Flow) finishAuth(plan *authPlan, hash common.Hash, fe *FlowError) error {
	outcome := "confirmed"
	if fe != nil {
		outcome = string(fe.Kind)
	}
	f.deps.Metrics.ObserveAuthorization(string(plan.path), outcome)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	f.auth.Submitting = false
	if hash != (common.Hash{}) {
		f.auth.Hash = hash
	}
	if fe != nil {
		f.auth.Confirmed = false
		f.auth.Err = fe
		f.log.Warn("authorization failed", slog.String("error_kind", string(fe.Kind)), slog.String("error", fe.Error()))
		f.saveLocked()
		return fe
	}
	f.auth.Err = nil
	f.auth.Confirmed = true
	f.reevaluateLocked()
	if f.record != nil {
		f.record.Status = execution.ActionStatusAuthorized
	}
	f.saveLocked()
	f.log.Info("authorization confirmed",
		slog.String("path", string(plan.path)),
		slog.String("tx_hash", hashString(hash)),
		slog.Bool("still_required", !f.auth.Confirmed),
	)
	return nil
}

// submit estimates, sends and waits for one transaction. sent is called as
// soon as the hash is known.
func (f *Flow) submit(ctx context.Context, call wallet.Call, sent func(common.Hash)) (common.Hash, *FlowError) {
	gw := f.deps.Gateway
	estimate, err := gw.EstimateGas(ctx, call)
	if err != nil {
		return common.Hash{}, Classify(StageEstimate, err)
	}
	req := wallet.TxRequest{Call: call, Gas: gas.ApplyMultiplier(estimate, f.cfg.GasMultiplier)}
	if f.deps.Fees != nil {
		quote, err := f.deps.Fees.Quote(ctx, f.fees)
		if err != nil {
			f.log.Warn("fee quote unavailable, wallet will price the transaction", slog.String("error", err.Error()))
		} else {
			req.TipCap = quote.TipCap
			req.FeeCap = quote.FeeCap
		}
	}
	hash, err := gw.SendTransaction(ctx, req)
	if err != nil {
		return common.Hash{}, Classify(StageSubmit, err)
	}
	if sent != nil {
		sent(hash)
	}
	receipt, err := gw.WaitForReceipt(ctx, hash)
	if err != nil {
		return hash, Classify(StageReceipt, err)
	}
	if !receipt.Success {
		return hash, newFlowError(ExecutionReverted, "transaction reverted on-chain", nil)
	}
	return hash, nil
}

func hashString(h common.Hash) string {
	if h == (common.Hash{}) {
		return ""
	}
	return h.Hex()
}
