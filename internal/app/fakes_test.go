package app

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/ggonzalez94/lendflow/internal/allowance"
	"github.com/ggonzalez94/lendflow/internal/execution"
	"github.com/ggonzalez94/lendflow/internal/id"
	"github.com/ggonzalez94/lendflow/internal/readlayer"
	"github.com/ggonzalez94/lendflow/internal/safety"
	"github.com/ggonzalez94/lendflow/internal/wallet"
	"github.com/shopspring/decimal"
)

var (
	testPool    = common.HexToAddress("0x87870Bca3F3fD6335C3F4ce8392D69350B4fA4E2")
	testUSDC    = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	testAccount = common.HexToAddress("0x00000000000000000000000000000000000000a1")
)

type stubReader struct {
	mu       sync.Mutex
	approved *big.Int
	position readlayer.Position
	preview  readlayer.HealthPreview
}

func newStubReader() *stubReader {
	return &stubReader{
		approved: new(big.Int),
		position: readlayer.Position{
			HealthFactor:        safety.NoDebt(),
			AvailableBorrowsUSD: decimal.NewFromInt(10_000),
		},
		preview: readlayer.HealthPreview{Before: safety.NoDebt(), After: safety.NoDebt()},
	}
}

func (r *stubReader) Market() string { return "aave-v3-ethereum" }

func (r *stubReader) Contracts(context.Context) (readlayer.Contracts, error) {
	return readlayer.Contracts{Pool: testPool}, nil
}

func (r *stubReader) Allowance(_ context.Context, owner, spender, token common.Address) (allowance.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return allowance.FromOnChain(owner, spender, token, r.approved, time.Now()), nil
}

func (r *stubReader) BorrowAllowance(_ context.Context, debtToken, owner, delegatee common.Address) (allowance.Record, error) {
	return allowance.FromOnChain(owner, delegatee, debtToken, new(big.Int), time.Now()), nil
}

func (r *stubReader) Position(context.Context, common.Address) (readlayer.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.position, nil
}

func (r *stubReader) Reserve(context.Context, common.Address) (readlayer.Reserve, error) {
	return readlayer.Reserve{
		Asset:             testUSDC,
		Decimals:          6,
		PriceUSD:          decimal.NewFromInt(1),
		Active:            true,
		BorrowingEnabled:  true,
		UsageAsCollateral: true,
		TotalSupplied:     decimal.NewFromInt(1_000_000),
	}, nil
}

func (r *stubReader) UserReserve(context.Context, common.Address, id.Asset) (readlayer.UserReserve, error) {
	return readlayer.UserReserve{WalletBalance: decimal.NewFromInt(1_000)}, nil
}

func (r *stubReader) PermitDomain(context.Context, common.Address, common.Address) (readlayer.PermitDomain, error) {
	return readlayer.PermitDomain{}, errors.New("permit not supported")
}

func (r *stubReader) ClaimableRewards(context.Context, common.Address, []common.Address, common.Address) (*big.Int, error) {
	return new(big.Int), nil
}

func (r *stubReader) PreviewHealthFactor(context.Context, readlayer.Hypothetical) (readlayer.HealthPreview, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.preview, nil
}

func (r *stubReader) Invalidate(common.Address, string) error { return nil }

// stubGateway confirms every transaction immediately. An ERC-20 approve sent
// to the USDC token updates the reader's allowance.
type stubGateway struct {
	mu     sync.Mutex
	reader *stubReader
	sent   []wallet.TxRequest
}

func (g *stubGateway) Account(context.Context) (common.Address, error) { return testAccount, nil }

func (g *stubGateway) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func (g *stubGateway) EstimateGas(context.Context, wallet.Call) (uint64, error) {
	return 100_000, nil
}

func (g *stubGateway) SendTransaction(_ context.Context, req wallet.TxRequest) (common.Hash, error) {
	g.mu.Lock()
	g.sent = append(g.sent, req)
	n := len(g.sent)
	g.mu.Unlock()
	if req.To == testUSDC && len(req.Data) == 68 {
		g.reader.mu.Lock()
		g.reader.approved = new(big.Int).SetBytes(req.Data[36:68])
		g.reader.mu.Unlock()
	}
	return common.BigToHash(big.NewInt(int64(n))), nil
}

func (g *stubGateway) WaitForReceipt(_ context.Context, hash common.Hash) (wallet.Receipt, error) {
	return wallet.Receipt{Hash: hash, Success: true, BlockNumber: big.NewInt(1), GasUsed: 90_000}, nil
}

func (g *stubGateway) SignTypedData(context.Context, apitypes.TypedData) ([]byte, error) {
	return nil, wallet.ErrUnavailable
}

func (g *stubGateway) Capabilities(context.Context) (wallet.Capabilities, error) {
	return wallet.Capabilities{}, nil
}

func (g *stubGateway) SendCalls(context.Context, []wallet.Call) (string, error) {
	return "", wallet.ErrBatchUnsupported
}

func (g *stubGateway) WaitForCalls(context.Context, string) (wallet.CallsStatus, error) {
	return wallet.CallsStatus{}, wallet.ErrBatchUnsupported
}

func (g *stubGateway) sentCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sent)
}

type stubGho struct {
	discount readlayer.GhoDiscount
}

func (s stubGho) GhoDiscount(context.Context, common.Address, decimal.Decimal) (readlayer.GhoDiscount, error) {
	return s.discount, nil
}

// stubDialer wires the stub reader and gateway in place of RPC connections.
func stubDialer(rd *stubReader, gw *stubGateway, gho ghoReader) dialer {
	return dialer{
		chain: func(context.Context, *runtimeState, id.Chain, marketOverrides) (*chainBackend, error) {
			return &chainBackend{reader: rd, gho: gho}, nil
		},
		wallet: func(context.Context, *runtimeState, *chainBackend, walletOptions) (wallet.Gateway, func(), error) {
			return gw, func() {}, nil
		},
	}
}

// isolate points every on-disk path at a temp dir and keeps the debounce
// short so previews settle quickly.
func isolate(t *testing.T) {
	t.Helper()
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmp+"/config")
	t.Setenv("XDG_CACHE_HOME", tmp+"/cache")
	t.Setenv("LENDFLOW_CONFIG", "")
	t.Setenv("LENDFLOW_PREVIEW_DEBOUNCE", "1ms")
}

// stubFees has no fee history, so the oracle falls back to the tip suggestion.
type stubFees struct{}

func (stubFees) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (stubFees) FeeHistory(context.Context, uint64, *big.Int, []float64) (*ethereum.FeeHistory, error) {
	return nil, errors.New("fee history unavailable")
}

type stubEstimator struct{ gas uint64 }

func (e stubEstimator) EstimateGas(context.Context, wallet.Call) (uint64, error) { return e.gas, nil }

// withSimulation adds fee quotes and call simulation to a stub dialer.
func withSimulation(d dialer, gasUsed uint64) dialer {
	chain := d.chain
	d.chain = func(ctx context.Context, s *runtimeState, c id.Chain, o marketOverrides) (*chainBackend, error) {
		cb, err := chain(ctx, s, c, o)
		if err != nil {
			return nil, err
		}
		cb.fees = stubFees{}
		cb.estimator = func(common.Address) execution.GasEstimator { return stubEstimator{gas: gasUsed} }
		return cb, nil
	}
	return d
}
