package app

import (
	"context"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ggonzalez94/lendflow/internal/config"
	clierr "github.com/ggonzalez94/lendflow/internal/errors"
	"github.com/ggonzalez94/lendflow/internal/execution"
	"github.com/ggonzalez94/lendflow/internal/gas"
	"github.com/ggonzalez94/lendflow/internal/id"
	"github.com/ggonzalez94/lendflow/internal/readlayer"
	"github.com/ggonzalez94/lendflow/internal/registry"
	"github.com/ggonzalez94/lendflow/internal/wallet"
	"github.com/ggonzalez94/lendflow/internal/wallet/signer"
	"github.com/shopspring/decimal"
)

// chainBackend is the read side of one chain.
type chainBackend struct {
	reader readlayer.Reader
	gho    ghoReader
	fees   gas.FeeSource
	// client is reused by the local wallet gateway; nil when reads do not
	// come from an ethclient.
	client wallet.ChainClient
	// estimator simulates calls as from; nil when the backend cannot simulate.
	estimator func(from common.Address) execution.GasEstimator
	close     func()
}

// callEstimator simulates wallet calls through eth_estimateGas.
type callEstimator struct {
	client wallet.ChainClient
	from   common.Address
}

func (e callEstimator) EstimateGas(ctx context.Context, call wallet.Call) (uint64, error) {
	to := call.To
	return e.client.EstimateGas(ctx, ethereum.CallMsg{From: e.from, To: &to, Data: call.Data, Value: call.ValueOrZero()})
}

type ghoReader interface {
	GhoDiscount(ctx context.Context, account common.Address, extraDebt decimal.Decimal) (readlayer.GhoDiscount, error)
}

// marketOverrides replace registry discovery of the protocol contracts.
type marketOverrides struct {
	poolAddressProvider string
	pool                string
	gateway             string
}

type walletOptions struct {
	keySource    string
	privateKey   string
	fromAddress  string
	pollInterval time.Duration
	stepTimeout  time.Duration
}

type dialer struct {
	chain  func(ctx context.Context, s *runtimeState, chain id.Chain, overrides marketOverrides) (*chainBackend, error)
	wallet func(ctx context.Context, s *runtimeState, cb *chainBackend, opts walletOptions) (wallet.Gateway, func(), error)
}

func defaultDialer() dialer {
	return dialer{chain: dialChain, wallet: dialWallet}
}

func dialChain(ctx context.Context, s *runtimeState, chain id.Chain, overrides marketOverrides) (*chainBackend, error) {
	rpcURL, err := registry.ResolveRPCURL(s.settings.RPCURL, chain.EVMChainID)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "resolve rpc url", err)
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "connect rpc", err)
	}
	tiered, err := s.ensureReadCache()
	if err != nil {
		client.Close()
		return nil, err
	}
	reader, err := readlayer.NewChain(client, readlayer.ChainOptions{
		ChainID:             chain.EVMChainID,
		PoolAddressProvider: overrides.poolAddressProvider,
		Pool:                overrides.pool,
		Gateway:             overrides.gateway,
		TTL:                 s.settings.CacheTTL,
		Cache:               tiered,
	})
	if err != nil {
		client.Close()
		return nil, err
	}
	return &chainBackend{
		reader: reader,
		gho:    reader,
		fees:   client,
		client: client,
		estimator: func(from common.Address) execution.GasEstimator {
			return callEstimator{client: client, from: from}
		},
		close: client.Close,
	}, nil
}

// dialWallet connects the configured gateway. A local gateway signs with the
// loaded key and submits through the chain's RPC client; a remote one hands
// signing and batching to an external wallet.
func dialWallet(ctx context.Context, s *runtimeState, cb *chainBackend, opts walletOptions) (wallet.Gateway, func(), error) {
	local := wallet.DefaultLocalOptions()
	if opts.pollInterval > 0 {
		local.PollInterval = opts.pollInterval
	}
	if opts.stepTimeout > 0 {
		local.ReceiptTimeout = opts.stepTimeout
	}

	if s.settings.WalletMode == config.WalletRemote {
		gw, err := wallet.DialRemote(ctx, s.settings.WalletURL, local)
		if err != nil {
			return nil, nil, clierr.Wrap(clierr.CodeSigner, "connect remote wallet", err)
		}
		if from := strings.TrimSpace(opts.fromAddress); from != "" {
			account, err := gw.Account(ctx)
			if err != nil {
				gw.Close()
				return nil, nil, clierr.Wrap(clierr.CodeSigner, "read wallet account", err)
			}
			if !strings.EqualFold(from, account.Hex()) {
				gw.Close()
				return nil, nil, clierr.New(clierr.CodeSigner, "wallet account does not match --from-address")
			}
		}
		return gw, gw.Close, nil
	}

	keySource := opts.keySource
	if strings.TrimSpace(keySource) == "" {
		keySource = s.settings.KeySource
	}
	txSigner, err := signer.NewLocalSignerFromInputs(keySource, opts.privateKey)
	if err != nil {
		return nil, nil, clierr.Wrap(clierr.CodeSigner, "initialize local signer", err)
	}
	if from := strings.TrimSpace(opts.fromAddress); from != "" && !strings.EqualFold(from, txSigner.Address().Hex()) {
		return nil, nil, clierr.New(clierr.CodeSigner, "signer address does not match --from-address")
	}
	if cb != nil && cb.client != nil {
		return wallet.NewLocalGateway(cb.client, txSigner, local), func() {}, nil
	}
	rpcURL := strings.TrimSpace(s.settings.RPCURL)
	gw, err := wallet.DialLocal(ctx, rpcURL, txSigner, local)
	if err != nil {
		return nil, nil, err
	}
	return gw, func() {}, nil
}
