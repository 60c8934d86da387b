package txflow

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	clierr "github.com/ggonzalez94/lendflow/internal/errors"
	"github.com/ggonzalez94/lendflow/internal/execution"
	"github.com/ggonzalez94/lendflow/internal/execution/planner"
	"github.com/ggonzalez94/lendflow/internal/readlayer"
)

var permitTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Permit": {
		{Name: "owner", Type: "address"},
		{Name: "spender", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
	},
}

// PermitTypedData is the EIP-2612 Permit message for value, valid until
// deadline.
func PermitTypedData(domain readlayer.PermitDomain, owner, spender common.Address, value *big.Int, deadline time.Time) apitypes.TypedData {
	nonce := domain.Nonce
	if nonce == nil {
		nonce = new(big.Int)
	}
	return apitypes.TypedData{
		Types:       permitTypes,
		PrimaryType: "Permit",
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(domain.ChainID),
			VerifyingContract: domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"owner":    owner.Hex(),
			"spender":  spender.Hex(),
			"value":    value.String(),
			"nonce":    nonce.String(),
			"deadline": strconv.FormatInt(deadline.Unix(), 10),
		},
	}
}

func (f *Flow) authorizeWithPermit(ctx context.Context, plan *authPlan) error {
	token := plan.grant.Token
	domain, err := f.deps.Reader.PermitDomain(ctx, token, plan.account)
	if err != nil {
		fe := newFlowError(SubmissionFailed, "read permit domain", err)
		f.finishAuth(plan, common.Hash{}, fe)
		return fe
	}
	if domain.Version == "" {
		domain.Version = f.req.Asset.PermitVersion
	}
	if domain.ChainID == nil {
		f.mu.Lock()
		domain.ChainID = f.chainID
		f.mu.Unlock()
	}
	if domain.VerifyingContract == (common.Address{}) {
		domain.VerifyingContract = token
	}

	deadline := f.deps.Now().Add(f.cfg.PermitTTL).Truncate(time.Second)
	typed := PermitTypedData(domain, plan.account, plan.grant.Spender, plan.amount, deadline)
	sig, err := f.deps.Gateway.SignTypedData(ctx, typed)
	if err != nil {
		fe := Classify(StageSign, err)
		f.finishAuth(plan, common.Hash{}, fe)
		return fe
	}
	signed, err := splitSignature(sig)
	if err != nil {
		fe := newFlowError(SubmissionFailed, "wallet returned an invalid signature", err)
		f.finishAuth(plan, common.Hash{}, fe)
		return fe
	}
	signed.Deadline = deadline
	signed.Amount = new(big.Int).Set(plan.amount)
	signed.Token = token
	signed.Spender = plan.grant.Spender

	f.mu.Lock()
	switch {
	case f.closed:
		f.mu.Unlock()
		return ErrClosed
	case f.version != plan.version:
		f.auth.Submitting = false
		f.mu.Unlock()
		return blocked(clierr.CodeStaleSig, "amount changed while the permit was being signed")
	}
	f.signature = signed
	f.markStepLocked(planner.StepIDPermit, execution.StepStatusSigned, common.Hash{}, nil)
	f.mu.Unlock()
	return f.finishAuth(plan, common.Hash{}, nil)
}

// splitSignature decodes a 65-byte r||s||v signature, accepting both 0/1 and
// 27/28 recovery ids.
func splitSignature(sig []byte) (*SignedAuthorization, error) {
	if len(sig) != 65 {
		return nil, fmt.Errorf("expected 65 signature bytes, got %d", len(sig))
	}
	out := &SignedAuthorization{Signature: append([]byte(nil), sig...)}
	copy(out.R[:], sig[:32])
	copy(out.S[:], sig[32:64])
	out.V = sig[64]
	if out.V < 27 {
		out.V += 27
	}
	if out.V != 27 && out.V != 28 {
		return nil, fmt.Errorf("invalid recovery id %d", out.V)
	}
	return out, nil
}
