package txflow

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/ggonzalez94/lendflow/internal/action"
	"github.com/ggonzalez94/lendflow/internal/allowance"
	"github.com/ggonzalez94/lendflow/internal/id"
	"github.com/ggonzalez94/lendflow/internal/readlayer"
	"github.com/ggonzalez94/lendflow/internal/registry"
	"github.com/ggonzalez94/lendflow/internal/safety"
	"github.com/ggonzalez94/lendflow/internal/wallet"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var (
	testPool    = common.HexToAddress("0x87870Bca3F3fD6335C3F4ce8392D69350B4fA4E2")
	testGateway = common.HexToAddress("0xd01607c3C5eCABa394D8be377a08590149325722")
	testUSDC    = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	testUSDT    = common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7")
	testAUSDC   = common.HexToAddress("0x98C23E9d8f34FEFb1B7BD6a91B7FF122F4e16F5c")
	testVDUSDC  = common.HexToAddress("0x72E95b8931767C79bA4EeE721354d6E99a61D004")
)

func usdcAsset() id.Asset {
	return id.Asset{
		ChainID:  "eip155:1",
		AssetID:  "eip155:1/erc20:" + testUSDC.Hex(),
		Address:  testUSDC.Hex(),
		Symbol:   "USDC",
		Decimals: 6,
	}
}

func ghoAsset() id.Asset {
	gho, _ := registry.AaveGho(1)
	addr := common.HexToAddress(gho.Token)
	return id.Asset{
		ChainID:  "eip155:1",
		AssetID:  "eip155:1/erc20:" + addr.Hex(),
		Address:  addr.Hex(),
		Symbol:   "GHO",
		Decimals: 18,
	}
}

func usdtAsset() id.Asset {
	return id.Asset{
		ChainID:       "eip155:1",
		AssetID:       "eip155:1/erc20:" + testUSDT.Hex(),
		Address:       testUSDT.Hex(),
		Symbol:        "USDT",
		Decimals:      6,
		ResetRequired: true,
	}
}

type rpcError struct {
	code int
	msg  string
	data any
}

func (e rpcError) Error() string  { return e.msg }
func (e rpcError) ErrorCode() int { return e.code }
func (e rpcError) ErrorData() any { return e.data }

type fakeGateway struct {
	mu      sync.Mutex
	key     *ecdsa.PrivateKey
	account common.Address
	chainID *big.Int
	caps    wallet.Capabilities

	estimateErr error
	estimates   int
	sendErr     error
	reverted    bool
	sent        []wallet.TxRequest
	onSend      func(wallet.Call)
	submitted   chan common.Hash
	waitGate    chan struct{}

	batchErr   error
	batchState wallet.CallsState
	batches    [][]wallet.Call

	signErr error
	typed   []apitypes.TypedData
	sigs    [][]byte
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return &fakeGateway{
		key:        key,
		account:    crypto.PubkeyToAddress(key.PublicKey),
		chainID:    big.NewInt(1),
		batchState: wallet.CallsConfirmed,
	}
}

func (g *fakeGateway) Account(context.Context) (common.Address, error) { return g.account, nil }

func (g *fakeGateway) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(g.chainID), nil
}

func (g *fakeGateway) EstimateGas(context.Context, wallet.Call) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.estimates++
	if g.estimateErr != nil {
		return 0, g.estimateErr
	}
	return 100_000, nil
}

func (g *fakeGateway) SendTransaction(_ context.Context, req wallet.TxRequest) (common.Hash, error) {
	g.mu.Lock()
	if g.sendErr != nil {
		err := g.sendErr
		g.mu.Unlock()
		return common.Hash{}, err
	}
	g.sent = append(g.sent, req)
	hash := common.BigToHash(big.NewInt(int64(len(g.sent))))
	onSend, submitted := g.onSend, g.submitted
	g.mu.Unlock()
	if onSend != nil {
		onSend(req.Call)
	}
	if submitted != nil {
		submitted <- hash
	}
	return hash, nil
}

func (g *fakeGateway) WaitForReceipt(ctx context.Context, hash common.Hash) (wallet.Receipt, error) {
	g.mu.Lock()
	gate, reverted := g.waitGate, g.reverted
	g.mu.Unlock()
	if gate != nil {
		select {
		case <-ctx.Done():
			return wallet.Receipt{}, ctx.Err()
		case <-gate:
		}
	}
	return wallet.Receipt{Hash: hash, Success: !reverted, BlockNumber: big.NewInt(1), GasUsed: 90_000}, nil
}

func (g *fakeGateway) SignTypedData(_ context.Context, data apitypes.TypedData) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.signErr != nil {
		return nil, g.signErr
	}
	hash, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(hash, g.key)
	if err != nil {
		return nil, err
	}
	g.typed = append(g.typed, data)
	g.sigs = append(g.sigs, sig)
	return sig, nil
}

func (g *fakeGateway) Capabilities(context.Context) (wallet.Capabilities, error) {
	return g.caps, nil
}

func (g *fakeGateway) SendCalls(_ context.Context, calls []wallet.Call) (string, error) {
	g.mu.Lock()
	if g.batchErr != nil {
		err := g.batchErr
		g.mu.Unlock()
		return "", err
	}
	g.batches = append(g.batches, calls)
	onSend := g.onSend
	g.mu.Unlock()
	if onSend != nil {
		for _, c := range calls {
			onSend(c)
		}
	}
	return "batch-1", nil
}

func (g *fakeGateway) WaitForCalls(_ context.Context, batchID string) (wallet.CallsStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	calls := g.batches[len(g.batches)-1]
	status := wallet.CallsStatus{ID: batchID, State: g.batchState}
	for i := range calls {
		status.Receipts = append(status.Receipts, wallet.Receipt{
			Hash:    common.BigToHash(big.NewInt(int64(100 + i))),
			Success: g.batchState == wallet.CallsConfirmed,
		})
	}
	return status, nil
}

func (g *fakeGateway) sentCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sent)
}

type fakeReader struct {
	mu        sync.Mutex
	contracts readlayer.Contracts
	reserve   readlayer.Reserve
	user      readlayer.UserReserve
	position  readlayer.Position
	approved  *big.Int
	delegated *big.Int
	preview   readlayer.HealthPreview
	domain    readlayer.PermitDomain
	gho       readlayer.GhoBalances
	ghoReads  int

	invalidated []string
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		contracts: readlayer.Contracts{Pool: testPool, Gateway: testGateway},
		reserve: readlayer.Reserve{
			Asset:             testUSDC,
			Decimals:          6,
			PriceUSD:          decimal.NewFromInt(1),
			Active:            true,
			BorrowingEnabled:  true,
			UsageAsCollateral: true,
			TotalSupplied:     decimal.NewFromInt(1_000_000),
			AToken:            testAUSDC,
			VariableDebtToken: testVDUSDC,
		},
		user: readlayer.UserReserve{WalletBalance: decimal.NewFromInt(1_000)},
		position: readlayer.Position{
			HealthFactor: safety.NoDebt(),
		},
		approved: new(big.Int),
		preview:  readlayer.HealthPreview{Before: safety.NoDebt(), After: safety.NoDebt()},
		domain: readlayer.PermitDomain{
			Name:              "USD Coin",
			Version:           "2",
			ChainID:           big.NewInt(1),
			VerifyingContract: testUSDC,
			Nonce:             big.NewInt(0),
		},
	}
}

func (r *fakeReader) Market() string { return "aave-v3-ethereum" }

func (r *fakeReader) Contracts(context.Context) (readlayer.Contracts, error) {
	return r.contracts, nil
}

func (r *fakeReader) Allowance(_ context.Context, owner, spender, token common.Address) (allowance.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return allowance.FromOnChain(owner, spender, token, r.approved, time.Now()), nil
}

func (r *fakeReader) BorrowAllowance(_ context.Context, debtToken, owner, delegatee common.Address) (allowance.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return allowance.FromOnChain(owner, delegatee, debtToken, r.delegated, time.Now()), nil
}

func (r *fakeReader) Position(context.Context, common.Address) (readlayer.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.position, nil
}

func (r *fakeReader) Reserve(context.Context, common.Address) (readlayer.Reserve, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reserve, nil
}

func (r *fakeReader) UserReserve(context.Context, common.Address, id.Asset) (readlayer.UserReserve, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.user, nil
}

func (r *fakeReader) PermitDomain(context.Context, common.Address, common.Address) (readlayer.PermitDomain, error) {
	return r.domain, nil
}

func (r *fakeReader) GhoBalances(context.Context, common.Address) (readlayer.GhoBalances, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ghoReads++
	return r.gho, nil
}

func (r *fakeReader) ClaimableRewards(context.Context, common.Address, []common.Address, common.Address) (*big.Int, error) {
	return new(big.Int), nil
}

func (r *fakeReader) PreviewHealthFactor(context.Context, readlayer.Hypothetical) (readlayer.HealthPreview, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.preview, nil
}

func (r *fakeReader) Invalidate(_ common.Address, family string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalidated = append(r.invalidated, family)
	return nil
}

func (r *fakeReader) setApproved(v *big.Int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.approved = new(big.Int).Set(v)
}

func (r *fakeReader) invalidations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.invalidated...)
}

// approveOnSend makes every ERC-20 approve sent to token update the fake
// allowance, the way a mined approval would.
func approveOnSend(rd *fakeReader, token common.Address) func(wallet.Call) {
	return func(c wallet.Call) {
		if c.To == token && len(c.Data) == 68 {
			rd.setApproved(new(big.Int).SetBytes(c.Data[36:68]))
		}
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PreviewDebounce = time.Millisecond
	cfg.Batching = false
	cfg.ApprovalMode = ApprovalTransaction
	return cfg
}

type harness struct {
	flow  *Flow
	gw    *fakeGateway
	rd    *fakeReader
	clock *fakeClock
}

func newHarness(t *testing.T, kind action.Kind, asset id.Asset, cfg Config, setup func(h *harness)) *harness {
	t.Helper()
	h := &harness{
		gw:    newFakeGateway(t),
		rd:    newFakeReader(),
		clock: &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	if setup != nil {
		setup(h)
	}
	f, err := New(Request{Kind: kind, Asset: asset}, cfg, Deps{
		Gateway: h.gw,
		Reader:  h.rd,
		Now:     h.clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(f.Close)
	require.NoError(t, f.Load(context.Background()))
	h.flow = f
	return h
}
