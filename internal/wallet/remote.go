package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	clierr "github.com/ggonzalez94/lendflow/internal/errors"
)

// RemoteGateway talks to an external wallet over JSON-RPC. Signing, nonce
// ordering and batching are the wallet's job.
type RemoteGateway struct {
	client *rpc.Client
	opts   LocalOptions

	mu      sync.Mutex
	account common.Address
	chainID *big.Int
}

func DialRemote(ctx context.Context, url string, opts LocalOptions) (*RemoteGateway, error) {
	if strings.TrimSpace(url) == "" {
		return nil, clierr.New(clierr.CodeUsage, "missing wallet url")
	}
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return NewRemoteGateway(client, opts), nil
}

func NewRemoteGateway(client *rpc.Client, opts LocalOptions) *RemoteGateway {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.ReceiptTimeout <= 0 {
		opts.ReceiptTimeout = 2 * time.Minute
	}
	return &RemoteGateway{client: client, opts: opts}
}

func (g *RemoteGateway) Close() {
	g.client.Close()
}

func (g *RemoteGateway) Account(ctx context.Context) (common.Address, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.account != (common.Address{}) {
		return g.account, nil
	}
	var accounts []common.Address
	if err := g.client.CallContext(ctx, &accounts, "eth_accounts"); err != nil {
		return common.Address{}, err
	}
	if len(accounts) == 0 {
		return common.Address{}, ErrUnavailable
	}
	g.account = accounts[0]
	return g.account, nil
}

func (g *RemoteGateway) ChainID(ctx context.Context) (*big.Int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.chainID != nil {
		return new(big.Int).Set(g.chainID), nil
	}
	var out hexutil.Big
	if err := g.client.CallContext(ctx, &out, "eth_chainId"); err != nil {
		return nil, err
	}
	g.chainID = out.ToInt()
	return new(big.Int).Set(g.chainID), nil
}

type rpcCall struct {
	From                 *common.Address `json:"from,omitempty"`
	To                   common.Address  `json:"to"`
	Data                 hexutil.Bytes   `json:"data"`
	Value                *hexutil.Big    `json:"value,omitempty"`
	Gas                  *hexutil.Uint64 `json:"gas,omitempty"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas,omitempty"`
}

func toRPCCall(from *common.Address, call Call) rpcCall {
	return rpcCall{From: from, To: call.To, Data: call.Data, Value: (*hexutil.Big)(call.ValueOrZero())}
}

func (g *RemoteGateway) EstimateGas(ctx context.Context, call Call) (uint64, error) {
	from, err := g.Account(ctx)
	if err != nil {
		return 0, err
	}
	var out hexutil.Uint64
	if err := g.client.CallContext(ctx, &out, "eth_estimateGas", toRPCCall(&from, call)); err != nil {
		return 0, err
	}
	return uint64(out), nil
}

func (g *RemoteGateway) SendTransaction(ctx context.Context, req TxRequest) (common.Hash, error) {
	from, err := g.Account(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	payload := toRPCCall(&from, req.Call)
	if req.Gas > 0 {
		gas := hexutil.Uint64(req.Gas)
		payload.Gas = &gas
	}
	if req.FeeCap != nil {
		payload.MaxFeePerGas = (*hexutil.Big)(req.FeeCap)
	}
	if req.TipCap != nil {
		payload.MaxPriorityFeePerGas = (*hexutil.Big)(req.TipCap)
	}
	var hash common.Hash
	if err := g.client.CallContext(ctx, &hash, "eth_sendTransaction", payload); err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

type rpcReceipt struct {
	TransactionHash common.Hash    `json:"transactionHash"`
	Status          hexutil.Uint64 `json:"status"`
	BlockNumber     *hexutil.Big   `json:"blockNumber"`
	GasUsed         hexutil.Uint64 `json:"gasUsed"`
}

func (r rpcReceipt) toReceipt() Receipt {
	out := Receipt{Hash: r.TransactionHash, Success: r.Status == 1, GasUsed: uint64(r.GasUsed)}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.ToInt()
	}
	return out
}

func (g *RemoteGateway) WaitForReceipt(ctx context.Context, hash common.Hash) (Receipt, error) {
	var receipt Receipt
	err := g.poll(ctx, func(ctx context.Context) (bool, error) {
		var raw *rpcReceipt
		if err := g.client.CallContext(ctx, &raw, "eth_getTransactionReceipt", hash); err != nil {
			return false, nil
		}
		if raw == nil {
			return false, nil
		}
		receipt = raw.toReceipt()
		return true, nil
	})
	if err != nil {
		return Receipt{Hash: hash}, err
	}
	return receipt, nil
}

func (g *RemoteGateway) SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error) {
	from, err := g.Account(ctx)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "encode typed data", err)
	}
	var sig hexutil.Bytes
	if err := g.client.CallContext(ctx, &sig, "eth_signTypedData_v4", from, string(encoded)); err != nil {
		return nil, err
	}
	return sig, nil
}

// EIP-5792 codes for a batch the wallet cannot run atomically on this chain.
const (
	rpcAtomicityNotSupported = 5700
	rpcChainNotSupported     = 5710
)

func batchRejected(code int) bool {
	return code == -32601 || code == rpcAtomicityNotSupported || code == rpcChainNotSupported
}

// Capabilities reads EIP-5792 capabilities for the current chain. Both the
// "atomic" status form and the older "atomicBatch" flag are accepted.
func (g *RemoteGateway) Capabilities(ctx context.Context) (Capabilities, error) {
	from, err := g.Account(ctx)
	if err != nil {
		return Capabilities{}, err
	}
	chainID, err := g.ChainID(ctx)
	if err != nil {
		return Capabilities{}, err
	}
	var raw map[string]map[string]json.RawMessage
	if err := g.client.CallContext(ctx, &raw, "wallet_getCapabilities", from); err != nil {
		var rpcErr rpc.Error
		if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == -32601 {
			return Capabilities{}, nil
		}
		return Capabilities{}, err
	}
	chainCaps, ok := raw[hexutil.EncodeBig(chainID)]
	if !ok {
		return Capabilities{}, nil
	}
	var out Capabilities
	if atomic, ok := chainCaps["atomic"]; ok {
		var v struct {
			Status string `json:"status"`
		}
		if json.Unmarshal(atomic, &v) == nil {
			out.AtomicBatch = v.Status == "supported" || v.Status == "ready"
		}
	}
	if legacy, ok := chainCaps["atomicBatch"]; ok && !out.AtomicBatch {
		var v struct {
			Supported bool `json:"supported"`
		}
		if json.Unmarshal(legacy, &v) == nil {
			out.AtomicBatch = v.Supported
		}
	}
	return out, nil
}

func (g *RemoteGateway) SendCalls(ctx context.Context, calls []Call) (string, error) {
	if len(calls) == 0 {
		return "", clierr.New(clierr.CodeUsage, "empty call batch")
	}
	from, err := g.Account(ctx)
	if err != nil {
		return "", err
	}
	chainID, err := g.ChainID(ctx)
	if err != nil {
		return "", err
	}
	payload := map[string]any{
		"version":        "2.0.0",
		"chainId":        hexutil.EncodeBig(chainID),
		"from":           from,
		"atomicRequired": true,
	}
	items := make([]rpcCall, 0, len(calls))
	for _, call := range calls {
		items = append(items, toRPCCall(nil, call))
	}
	payload["calls"] = items

	var raw json.RawMessage
	if err := g.client.CallContext(ctx, &raw, "wallet_sendCalls", payload); err != nil {
		var rpcErr rpc.Error
		if errors.As(err, &rpcErr) && batchRejected(rpcErr.ErrorCode()) {
			return "", fmt.Errorf("%w: %w", ErrBatchUnsupported, err)
		}
		return "", err
	}
	var id string
	if json.Unmarshal(raw, &id) == nil && id != "" {
		return id, nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil || obj.ID == "" {
		return "", clierr.New(clierr.CodeUnavailable, "wallet_sendCalls returned no batch id")
	}
	return obj.ID, nil
}

type rpcCallsStatus struct {
	Status   json.RawMessage `json:"status"`
	Receipts []rpcReceipt    `json:"receipts"`
}

// state maps both the numeric EIP-5792 codes and the older string statuses.
func (s rpcCallsStatus) state() CallsState {
	var code int
	if json.Unmarshal(s.Status, &code) == nil {
		switch {
		case code >= 100 && code < 200:
			return CallsPending
		case code >= 200 && code < 300:
			return CallsConfirmed
		default:
			return CallsFailed
		}
	}
	var text string
	_ = json.Unmarshal(s.Status, &text)
	switch strings.ToUpper(text) {
	case "PENDING":
		return CallsPending
	case "CONFIRMED":
		for _, r := range s.Receipts {
			if r.Status != 1 {
				return CallsFailed
			}
		}
		return CallsConfirmed
	default:
		return CallsFailed
	}
}

func (g *RemoteGateway) WaitForCalls(ctx context.Context, id string) (CallsStatus, error) {
	out := CallsStatus{ID: id, State: CallsPending}
	err := g.poll(ctx, func(ctx context.Context) (bool, error) {
		var raw rpcCallsStatus
		if err := g.client.CallContext(ctx, &raw, "wallet_getCallsStatus", id); err != nil {
			return false, nil
		}
		out.State = raw.state()
		if out.State == CallsPending {
			return false, nil
		}
		out.Receipts = out.Receipts[:0]
		for _, r := range raw.Receipts {
			out.Receipts = append(out.Receipts, r.toReceipt())
		}
		return true, nil
	})
	return out, err
}

func (g *RemoteGateway) poll(ctx context.Context, check func(context.Context) (bool, error)) error {
	waitCtx, cancel := context.WithTimeout(ctx, g.opts.ReceiptTimeout)
	defer cancel()
	ticker := time.NewTicker(g.opts.PollInterval)
	defer ticker.Stop()
	for {
		done, err := check(waitCtx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-waitCtx.Done():
			return clierr.Wrap(clierr.CodeActionTimeout, "timed out waiting for wallet", waitCtx.Err())
		case <-ticker.C:
		}
	}
}
