package wallet

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	clierr "github.com/ggonzalez94/lendflow/internal/errors"
	"github.com/ggonzalez94/lendflow/internal/wallet/signer"
)

// ChainClient is the subset of ethclient.Client the local gateway drives.
type ChainClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

type LocalOptions struct {
	PollInterval   time.Duration
	ReceiptTimeout time.Duration
}

func DefaultLocalOptions() LocalOptions {
	return LocalOptions{PollInterval: 2 * time.Second, ReceiptTimeout: 2 * time.Minute}
}

// LocalGateway signs with a local key and submits through an RPC node. It has
// no batch capability.
type LocalGateway struct {
	client ChainClient
	signer signer.Signer
	opts   LocalOptions

	chainOnce sync.Once
	chainID   *big.Int
	chainErr  error
}

func NewLocalGateway(client ChainClient, s signer.Signer, opts LocalOptions) *LocalGateway {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.ReceiptTimeout <= 0 {
		opts.ReceiptTimeout = 2 * time.Minute
	}
	return &LocalGateway{client: client, signer: s, opts: opts}
}

func DialLocal(ctx context.Context, rpcURL string, s signer.Signer, opts LocalOptions) (*LocalGateway, error) {
	if strings.TrimSpace(rpcURL) == "" {
		return nil, clierr.New(clierr.CodeUsage, "missing rpc url")
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "connect rpc", err)
	}
	return NewLocalGateway(client, s, opts), nil
}

func (g *LocalGateway) Account(context.Context) (common.Address, error) {
	if g.signer == nil {
		return common.Address{}, ErrUnavailable
	}
	return g.signer.Address(), nil
}

func (g *LocalGateway) ChainID(ctx context.Context) (*big.Int, error) {
	g.chainOnce.Do(func() {
		g.chainID, g.chainErr = g.client.ChainID(ctx)
	})
	if g.chainErr != nil {
		return nil, g.chainErr
	}
	return new(big.Int).Set(g.chainID), nil
}

func (g *LocalGateway) EstimateGas(ctx context.Context, call Call) (uint64, error) {
	from, err := g.Account(ctx)
	if err != nil {
		return 0, err
	}
	to := call.To
	return g.client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Value: call.ValueOrZero(), Data: call.Data})
}

func (g *LocalGateway) SendTransaction(ctx context.Context, req TxRequest) (common.Hash, error) {
	if g.signer == nil {
		return common.Hash{}, ErrUnavailable
	}
	chainID, err := g.ChainID(ctx)
	if err != nil {
		return common.Hash{}, clierr.Wrap(clierr.CodeUnavailable, "read chain id", err)
	}
	from := g.signer.Address()
	unlock := acquireSignerNonceLock(chainID, from)
	defer unlock()

	if req.Gas == 0 {
		estimate, err := g.EstimateGas(ctx, req.Call)
		if err != nil {
			return common.Hash{}, err
		}
		req.Gas = estimate
	}
	tipCap, feeCap, err := g.resolveFees(ctx, req.TipCap, req.FeeCap)
	if err != nil {
		return common.Hash{}, err
	}
	nonce, err := g.client.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, clierr.Wrap(clierr.CodeUnavailable, "fetch nonce", err)
	}
	to := req.To
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       req.Gas,
		To:        &to,
		Value:     req.ValueOrZero(),
		Data:      req.Data,
	})
	signed, err := g.signer.SignTx(chainID, tx)
	if err != nil {
		return common.Hash{}, clierr.Wrap(clierr.CodeSigner, "sign transaction", err)
	}
	if err := g.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, err
	}
	return signed.Hash(), nil
}

// resolveFees keeps caller-supplied caps and otherwise prices at the node's
// tip suggestion with room for two base fee doublings.
func (g *LocalGateway) resolveFees(ctx context.Context, tipCap, feeCap *big.Int) (*big.Int, *big.Int, error) {
	if tipCap == nil {
		suggested, err := g.client.SuggestGasTipCap(ctx)
		if err != nil || suggested == nil {
			suggested = big.NewInt(2_000_000_000)
		}
		tipCap = suggested
	}
	if feeCap == nil {
		baseFee := big.NewInt(1_000_000_000)
		if header, err := g.client.HeaderByNumber(ctx, nil); err == nil && header != nil && header.BaseFee != nil {
			baseFee = header.BaseFee
		}
		feeCap = new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tipCap)
	}
	if feeCap.Cmp(tipCap) < 0 {
		tipCap = new(big.Int).Set(feeCap)
	}
	return tipCap, feeCap, nil
}

func (g *LocalGateway) WaitForReceipt(ctx context.Context, hash common.Hash) (Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, g.opts.ReceiptTimeout)
	defer cancel()
	ticker := time.NewTicker(g.opts.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := g.client.TransactionReceipt(waitCtx, hash)
		if err == nil && receipt != nil {
			return Receipt{
				Hash:        hash,
				Success:     receipt.Status == types.ReceiptStatusSuccessful,
				BlockNumber: receipt.BlockNumber,
				GasUsed:     receipt.GasUsed,
			}, nil
		}
		// Not-found and transient polling errors are retried until timeout.
		select {
		case <-waitCtx.Done():
			return Receipt{Hash: hash}, clierr.Wrap(clierr.CodeActionTimeout, "timed out waiting for receipt", waitCtx.Err())
		case <-ticker.C:
		}
	}
}

func (g *LocalGateway) SignTypedData(_ context.Context, data apitypes.TypedData) ([]byte, error) {
	if g.signer == nil {
		return nil, ErrUnavailable
	}
	hash, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeSigner, "hash typed data", err)
	}
	return g.signer.SignHash(hash)
}

func (g *LocalGateway) Capabilities(context.Context) (Capabilities, error) {
	return Capabilities{}, nil
}

func (g *LocalGateway) SendCalls(context.Context, []Call) (string, error) {
	return "", ErrBatchUnsupported
}

func (g *LocalGateway) WaitForCalls(context.Context, string) (CallsStatus, error) {
	return CallsStatus{}, ErrBatchUnsupported
}

var signerNonceLocks sync.Map

// acquireSignerNonceLock serializes nonce reads and broadcasts for one
// signer on one chain within this process.
func acquireSignerNonceLock(chainID *big.Int, addr common.Address) func() {
	key := fmt.Sprintf("%s:%s", chainID.String(), strings.ToLower(addr.Hex()))
	value, _ := signerNonceLocks.LoadOrStore(key, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
