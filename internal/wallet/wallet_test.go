package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/ggonzalez94/lendflow/internal/wallet/signer"
)

const testPrivateKey = "59c6995e998f97a5a0044976f0945388cf9b7e5e5f4f9d2d9d8f1f5b7f6d11d1"

type fakeChain struct {
	mu       sync.Mutex
	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt
	status   uint64
}

func (f *fakeChain) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func (f *fakeChain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 50_000, nil
}

func (f *fakeChain) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return nil, errors.New("unsupported")
}

func (f *fakeChain) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: big.NewInt(3_000_000_000)}, nil
}

func (f *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	if f.receipts == nil {
		f.receipts = map[common.Hash]*types.Receipt{}
	}
	f.receipts[tx.Hash()] = &types.Receipt{Status: f.status, TxHash: tx.Hash(), BlockNumber: big.NewInt(7), GasUsed: 40_000}
	return nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func newLocal(t *testing.T, chain *fakeChain) *LocalGateway {
	t.Helper()
	s, err := signer.NewLocalSigner(signer.LocalSignerConfig{PrivateKeyHex: testPrivateKey})
	if err != nil {
		t.Fatalf("create signer: %v", err)
	}
	return NewLocalGateway(chain, s, LocalOptions{PollInterval: 5 * time.Millisecond, ReceiptTimeout: time.Second})
}

func TestLocalGatewaySendAndWait(t *testing.T) {
	chain := &fakeChain{status: types.ReceiptStatusSuccessful}
	gw := newLocal(t, chain)

	call := Call{To: common.HexToAddress("0x00000000000000000000000000000000000000bb"), Data: []byte{0x01}}
	hash, err := gw.SendTransaction(context.Background(), TxRequest{Call: call})
	if err != nil {
		t.Fatalf("SendTransaction failed: %v", err)
	}
	if len(chain.sent) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(chain.sent))
	}
	tx := chain.sent[0]
	if tx.Gas() != 50_000 {
		t.Fatalf("expected estimate to fill gas, got %d", tx.Gas())
	}
	if tx.GasTipCap().Cmp(big.NewInt(2_000_000_000)) != 0 {
		t.Fatalf("expected 2 gwei tip fallback, got %s", tx.GasTipCap())
	}
	if tx.GasFeeCap().Cmp(big.NewInt(8_000_000_000)) != 0 {
		t.Fatalf("expected 2*base+tip fee cap, got %s", tx.GasFeeCap())
	}

	receipt, err := gw.WaitForReceipt(context.Background(), hash)
	if err != nil {
		t.Fatalf("WaitForReceipt failed: %v", err)
	}
	if !receipt.Success || receipt.Hash != hash {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
}

func TestLocalGatewayReportsRevertedReceipt(t *testing.T) {
	chain := &fakeChain{status: types.ReceiptStatusFailed}
	gw := newLocal(t, chain)
	hash, err := gw.SendTransaction(context.Background(), TxRequest{Call: Call{To: common.HexToAddress("0x01")}, Gas: 21_000})
	if err != nil {
		t.Fatalf("SendTransaction failed: %v", err)
	}
	receipt, err := gw.WaitForReceipt(context.Background(), hash)
	if err != nil {
		t.Fatalf("WaitForReceipt failed: %v", err)
	}
	if receipt.Success {
		t.Fatal("expected reverted receipt to be unsuccessful")
	}
}

func TestLocalGatewayHasNoBatching(t *testing.T) {
	gw := newLocal(t, &fakeChain{})
	caps, err := gw.Capabilities(context.Background())
	if err != nil || caps.AtomicBatch {
		t.Fatalf("expected no batch capability, got %+v err=%v", caps, err)
	}
	if _, err := gw.SendCalls(context.Background(), []Call{{}}); !errors.Is(err, ErrBatchUnsupported) {
		t.Fatalf("expected ErrBatchUnsupported, got %v", err)
	}
}

func TestLocalGatewaySignTypedDataRecovers(t *testing.T) {
	gw := newLocal(t, &fakeChain{})
	data := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {{Name: "name", Type: "string"}, {Name: "chainId", Type: "uint256"}},
			"Ping":         {{Name: "value", Type: "uint256"}},
		},
		PrimaryType: "Ping",
		Domain:      apitypes.TypedDataDomain{Name: "Test", ChainId: math.NewHexOrDecimal256(1)},
		Message:     apitypes.TypedDataMessage{"value": "42"},
	}
	sig, err := gw.SignTypedData(context.Background(), data)
	if err != nil {
		t.Fatalf("SignTypedData failed: %v", err)
	}
	hash, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		t.Fatalf("hash typed data: %v", err)
	}
	raw := append([]byte{}, sig...)
	raw[64] -= 27
	pub, err := crypto.SigToPub(hash, raw)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	account, _ := gw.Account(context.Background())
	if crypto.PubkeyToAddress(*pub) != account {
		t.Fatal("typed data signature does not recover to the account")
	}
}

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

func newWalletServer(t *testing.T, handle func(method string, params []json.RawMessage) (any, *rpcErrorBody)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req rpcRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("decode rpc request: %v", err)
			return
		}
		result, rpcErr := handle(req.Method, req.Params)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

type rpcErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const walletAccount = "0x00000000000000000000000000000000000000aa"

func dialTestWallet(t *testing.T, srv *httptest.Server) *RemoteGateway {
	t.Helper()
	client, err := rpc.DialContext(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	gw := NewRemoteGateway(client, LocalOptions{PollInterval: 5 * time.Millisecond, ReceiptTimeout: time.Second})
	t.Cleanup(gw.Close)
	return gw
}

func TestRemoteGatewayBatchFlow(t *testing.T) {
	var sentCalls int
	var statusPolls int
	srv := newWalletServer(t, func(method string, params []json.RawMessage) (any, *rpcErrorBody) {
		switch method {
		case "eth_accounts":
			return []string{walletAccount}, nil
		case "eth_chainId":
			return "0x1", nil
		case "wallet_getCapabilities":
			return map[string]any{"0x1": map[string]any{"atomic": map[string]any{"status": "supported"}}}, nil
		case "wallet_sendCalls":
			var payload struct {
				Calls          []json.RawMessage `json:"calls"`
				AtomicRequired bool              `json:"atomicRequired"`
			}
			_ = json.Unmarshal(params[0], &payload)
			sentCalls = len(payload.Calls)
			if !payload.AtomicRequired {
				t.Errorf("expected atomicRequired batch")
			}
			return map[string]any{"id": "batch-1"}, nil
		case "wallet_getCallsStatus":
			statusPolls++
			if statusPolls == 1 {
				return map[string]any{"status": 100}, nil
			}
			return map[string]any{"status": 200, "receipts": []map[string]any{{
				"transactionHash": "0x" + strings.Repeat("ab", 32),
				"status":          "0x1",
				"blockNumber":     "0x10",
				"gasUsed":         "0x5208",
			}}}, nil
		}
		return nil, &rpcErrorBody{Code: -32601, Message: "method not found"}
	})
	defer srv.Close()
	gw := dialTestWallet(t, srv)
	ctx := context.Background()

	caps, err := gw.Capabilities(ctx)
	if err != nil || !caps.AtomicBatch {
		t.Fatalf("expected atomic batch capability, got %+v err=%v", caps, err)
	}
	id, err := gw.SendCalls(ctx, []Call{{To: common.HexToAddress("0x01")}, {To: common.HexToAddress("0x02")}})
	if err != nil {
		t.Fatalf("SendCalls failed: %v", err)
	}
	if id != "batch-1" || sentCalls != 2 {
		t.Fatalf("unexpected batch id=%q calls=%d", id, sentCalls)
	}
	status, err := gw.WaitForCalls(ctx, id)
	if err != nil {
		t.Fatalf("WaitForCalls failed: %v", err)
	}
	if status.State != CallsConfirmed || len(status.Receipts) != 1 || !status.Receipts[0].Success {
		t.Fatalf("unexpected calls status: %+v", status)
	}
}

func TestRemoteGatewayCapabilitiesMissingMethod(t *testing.T) {
	srv := newWalletServer(t, func(method string, _ []json.RawMessage) (any, *rpcErrorBody) {
		switch method {
		case "eth_accounts":
			return []string{walletAccount}, nil
		case "eth_chainId":
			return "0x1", nil
		}
		return nil, &rpcErrorBody{Code: -32601, Message: "method not found"}
	})
	defer srv.Close()
	caps, err := dialTestWallet(t, srv).Capabilities(context.Background())
	if err != nil || caps.AtomicBatch {
		t.Fatalf("expected missing capabilities to mean no batching, got %+v err=%v", caps, err)
	}
}

func TestRemoteGatewaySendCallsRejectionIsBatchUnsupported(t *testing.T) {
	for _, code := range []int{-32601, 5700, 5710} {
		srv := newWalletServer(t, func(method string, _ []json.RawMessage) (any, *rpcErrorBody) {
			switch method {
			case "eth_accounts":
				return []string{walletAccount}, nil
			case "eth_chainId":
				return "0x1", nil
			}
			return nil, &rpcErrorBody{Code: code, Message: "batch rejected"}
		})
		_, err := dialTestWallet(t, srv).SendCalls(context.Background(), []Call{{To: common.HexToAddress("0x01")}})
		srv.Close()
		if !errors.Is(err, ErrBatchUnsupported) {
			t.Fatalf("code %d: expected ErrBatchUnsupported, got %v", code, err)
		}
		var rpcErr rpc.Error
		if !errors.As(err, &rpcErr) || rpcErr.ErrorCode() != code {
			t.Fatalf("code %d: expected rpc code to survive wrapping, got %v", code, err)
		}
	}

	srv := newWalletServer(t, func(method string, _ []json.RawMessage) (any, *rpcErrorBody) {
		switch method {
		case "eth_accounts":
			return []string{walletAccount}, nil
		case "eth_chainId":
			return "0x1", nil
		}
		return nil, &rpcErrorBody{Code: 4001, Message: "User rejected the request."}
	})
	defer srv.Close()
	_, err := dialTestWallet(t, srv).SendCalls(context.Background(), []Call{{To: common.HexToAddress("0x01")}})
	if err == nil || errors.Is(err, ErrBatchUnsupported) {
		t.Fatalf("expected a user rejection to stay a rejection, got %v", err)
	}
}

func TestRemoteGatewayUserRejectionSurfacesCode(t *testing.T) {
	srv := newWalletServer(t, func(method string, _ []json.RawMessage) (any, *rpcErrorBody) {
		switch method {
		case "eth_accounts":
			return []string{walletAccount}, nil
		case "eth_sendTransaction":
			return nil, &rpcErrorBody{Code: 4001, Message: "User rejected the request."}
		}
		return nil, &rpcErrorBody{Code: -32601, Message: "method not found"}
	})
	defer srv.Close()
	_, err := dialTestWallet(t, srv).SendTransaction(context.Background(), TxRequest{Call: Call{To: common.HexToAddress("0x01")}})
	var rpcErr rpc.Error
	if !errors.As(err, &rpcErr) || rpcErr.ErrorCode() != 4001 {
		t.Fatalf("expected rpc error code 4001, got %v", err)
	}
}

func TestRemoteGatewayReceiptPolling(t *testing.T) {
	hash := common.HexToHash("0x" + strings.Repeat("cd", 32))
	var polls int
	srv := newWalletServer(t, func(method string, _ []json.RawMessage) (any, *rpcErrorBody) {
		if method != "eth_getTransactionReceipt" {
			return nil, &rpcErrorBody{Code: -32601, Message: "method not found"}
		}
		polls++
		if polls < 3 {
			return nil, nil
		}
		return map[string]any{"transactionHash": hash.Hex(), "status": "0x0", "blockNumber": "0x2", "gasUsed": "0x1"}, nil
	})
	defer srv.Close()
	receipt, err := dialTestWallet(t, srv).WaitForReceipt(context.Background(), hash)
	if err != nil {
		t.Fatalf("WaitForReceipt failed: %v", err)
	}
	if receipt.Success || receipt.Hash != hash || polls != 3 {
		t.Fatalf("unexpected receipt %+v after %d polls", receipt, polls)
	}
}
