// Package wallet is the boundary to whatever holds the user's keys: a local
// signer driving an RPC node, or a remote wallet speaking the EIP-1193 and
// EIP-5792 JSON-RPC methods.
package wallet

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

var (
	ErrUnavailable      = errors.New("wallet unavailable")
	ErrBatchUnsupported = errors.New("wallet does not support atomic batches")
)

// Call is an unsigned contract call.
type Call struct {
	To    common.Address `json:"to"`
	Data  []byte         `json:"data"`
	Value *big.Int       `json:"value,omitempty"`
}

func (c Call) ValueOrZero() *big.Int {
	if c.Value == nil {
		return new(big.Int)
	}
	return c.Value
}

// TxRequest is a call plus the gas and fee parameters chosen by the flow.
// Zero fields are filled by the gateway.
type TxRequest struct {
	Call
	Gas    uint64
	TipCap *big.Int
	FeeCap *big.Int
}

type Receipt struct {
	Hash        common.Hash `json:"hash"`
	Success     bool        `json:"success"`
	BlockNumber *big.Int    `json:"block_number,omitempty"`
	GasUsed     uint64      `json:"gas_used"`
}

type Capabilities struct {
	AtomicBatch bool `json:"atomic_batch"`
}

type CallsState string

const (
	CallsPending   CallsState = "pending"
	CallsConfirmed CallsState = "confirmed"
	CallsFailed    CallsState = "failed"
)

type CallsStatus struct {
	ID       string     `json:"id"`
	State    CallsState `json:"state"`
	Receipts []Receipt  `json:"receipts,omitempty"`
}

type Gateway interface {
	Account(ctx context.Context) (common.Address, error)
	ChainID(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call Call) (uint64, error)
	SendTransaction(ctx context.Context, req TxRequest) (common.Hash, error)
	WaitForReceipt(ctx context.Context, hash common.Hash) (Receipt, error)
	SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error)
	Capabilities(ctx context.Context) (Capabilities, error)
	SendCalls(ctx context.Context, calls []Call) (string, error)
	WaitForCalls(ctx context.Context, id string) (CallsStatus, error)
}
