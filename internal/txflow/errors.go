package txflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	clierr "github.com/ggonzalez94/lendflow/internal/errors"
	"github.com/ggonzalez94/lendflow/internal/wallet"
)

// ErrorKind classifies why a flow step failed.
type ErrorKind string

const (
	UserRejected        ErrorKind = "user_rejected"
	GasEstimationFailed ErrorKind = "gas_estimation_failed"
	SubmissionFailed    ErrorKind = "submission_failed"
	ExecutionReverted   ErrorKind = "execution_reverted"
	WalletUnavailable   ErrorKind = "wallet_unavailable"
	StaleSignature      ErrorKind = "stale_signature"
	Blocked             ErrorKind = "blocked"
)

// Blocking kinds disable the action until an input changes. Everything else
// may be retried with the same parameters.
func (k ErrorKind) Blocking() bool {
	return k == GasEstimationFailed || k == ExecutionReverted
}

// FlowError is the structured error stored in a flow's error slot.
type FlowError struct {
	Kind         ErrorKind `json:"kind"`
	Message      string    `json:"message"`
	RevertReason string    `json:"revert_reason,omitempty"`
	Cause        error     `json:"-"`
	code         clierr.Code
}

func (e *FlowError) Error() string {
	msg := e.Message
	if e.RevertReason != "" {
		msg += " (" + e.RevertReason + ")"
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *FlowError) Unwrap() error { return e.Cause }

// Code maps the kind onto the CLI exit code.
func (e *FlowError) Code() clierr.Code {
	if e.code != 0 {
		return e.code
	}
	switch e.Kind {
	case UserRejected:
		return clierr.CodeRejected
	case GasEstimationFailed:
		return clierr.CodeActionSim
	case SubmissionFailed:
		return clierr.CodeUnavailable
	case ExecutionReverted:
		return clierr.CodeReverted
	case WalletUnavailable:
		return clierr.CodeSigner
	case StaleSignature:
		return clierr.CodeStaleSig
	case Blocked:
		return clierr.CodeBlocked
	}
	return clierr.CodeInternal
}

// CLI converts the error for the output envelope.
func (e *FlowError) CLI() *clierr.Error {
	msg := e.Message
	if e.RevertReason != "" {
		msg += ": " + e.RevertReason
	}
	return clierr.Wrap(e.Code(), msg, e.Cause)
}

func newFlowError(kind ErrorKind, message string, cause error) *FlowError {
	return &FlowError{Kind: kind, Message: message, Cause: cause}
}

func blocked(code clierr.Code, message string) *FlowError {
	return &FlowError{Kind: Blocked, Message: message, code: code}
}

// Stage is where in the lifecycle a raw error was observed.
type Stage string

const (
	StageSign     Stage = "sign"
	StageEstimate Stage = "estimate"
	StageSubmit   Stage = "submit"
	StageReceipt  Stage = "receipt"
)

// EIP-1193 provider error codes.
const (
	rpcUserRejected  = 4001
	rpcUnauthorized  = 4100
	rpcDisconnected  = 4900
	rpcChainNotFound = 4901
)

// Classify maps a raw gateway error into a FlowError. Errors that are already
// classified pass through unchanged.
func Classify(stage Stage, err error) *FlowError {
	if err == nil {
		return nil
	}
	var flowErr *FlowError
	if errors.As(err, &flowErr) {
		return flowErr
	}

	var rpcErr rpc.Error
	hasCode := errors.As(err, &rpcErr)
	switch {
	case (hasCode && rpcErr.ErrorCode() == rpcUserRejected) || looksRejected(err):
		return newFlowError(UserRejected, "request rejected in wallet", err)
	case errors.Is(err, wallet.ErrUnavailable),
		hasCode && (rpcErr.ErrorCode() == rpcUnauthorized || rpcErr.ErrorCode() == rpcDisconnected || rpcErr.ErrorCode() == rpcChainNotFound):
		return newFlowError(WalletUnavailable, "wallet is not connected", err)
	}
	if cliErr, ok := clierr.As(err); ok && cliErr.Code == clierr.CodeSigner {
		return newFlowError(WalletUnavailable, "wallet is not connected", err)
	}

	reason := revertReason(err)
	switch stage {
	case StageEstimate:
		if !isRevert(err, reason) {
			return newFlowError(SubmissionFailed, "gas estimation request failed", err)
		}
		out := newFlowError(GasEstimationFailed, "gas estimation failed", err)
		out.RevertReason = reason
		return out
	case StageReceipt:
		msg := "waiting for receipt failed"
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "timed out waiting for receipt"
		}
		return newFlowError(SubmissionFailed, msg, err)
	case StageSign:
		return newFlowError(SubmissionFailed, "signature request failed", err)
	default:
		out := newFlowError(SubmissionFailed, "transaction submission failed", err)
		out.RevertReason = reason
		return out
	}
}

// JSON-RPC code geth uses for reverts that carry return data.
const rpcExecutionReverted = 3

// isRevert reports whether err came from the simulated call reverting, as
// opposed to the request never reaching a node.
func isRevert(err error, reason string) bool {
	if reason != "" {
		return true
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == rpcExecutionReverted {
		return true
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if raw, ok := dataErr.ErrorData().(string); ok && len(raw) > 2 {
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}

func looksRejected(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "user rejected") ||
		strings.Contains(msg, "user denied") ||
		strings.Contains(msg, "rejected by user")
}

// revertReason extracts revert data from an rpc error, falling back to the
// "execution reverted: <reason>" text geth puts in the message.
func revertReason(err error) string {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if raw, ok := dataErr.ErrorData().(string); ok {
			if data, decodeErr := hexutil.Decode(raw); decodeErr == nil {
				if reason := decodeRevertData(data); reason != "" {
					return reason
				}
			}
		}
	}
	msg := err.Error()
	if idx := strings.Index(msg, "execution reverted: "); idx >= 0 {
		return strings.TrimSpace(msg[idx+len("execution reverted: "):])
	}
	return ""
}

var knownErrors = selectorTable(
	"HealthFactorLowerThanLiquidationThreshold()",
	"CollateralCannotCoverNewBorrow()",
	"NotEnoughAvailableUserBalance()",
	"SupplyCapExceeded()",
	"BorrowCapExceeded()",
	"InvalidAmount()",
	"ReserveFrozen()",
	"ReservePaused()",
	"ReserveInactive()",
	"NoDebtOfSelectedType()",
	"ERC20InsufficientAllowance(address,uint256,uint256)",
	"ERC2612ExpiredSignature(uint256)",
	"ERC2612InvalidSigner(address,address)",
)

func selectorTable(signatures ...string) map[[4]byte]string {
	out := make(map[[4]byte]string, len(signatures))
	for _, sig := range signatures {
		out[[4]byte(crypto.Keccak256([]byte(sig))[:4])] = sig[:strings.Index(sig, "(")]
	}
	return out
}

// decodeRevertData turns revert bytes into a readable reason: Error(string)
// and Panic(uint256) are unpacked, known custom errors are named and anything
// else is reported by selector.
func decodeRevertData(data []byte) string {
	if len(data) < 4 {
		return ""
	}
	if reason, err := abi.UnpackRevert(data); err == nil {
		return reason
	}
	if name, ok := knownErrors[[4]byte(data[:4])]; ok {
		return name
	}
	return fmt.Sprintf("custom error 0x%x", data[:4])
}
