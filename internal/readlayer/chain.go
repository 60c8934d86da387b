package readlayer

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ggonzalez94/lendflow/internal/allowance"
	"github.com/ggonzalez94/lendflow/internal/amount"
	"github.com/ggonzalez94/lendflow/internal/cache"
	clierr "github.com/ggonzalez94/lendflow/internal/errors"
	"github.com/ggonzalez94/lendflow/internal/id"
	"github.com/ggonzalez94/lendflow/internal/registry"
	"github.com/ggonzalez94/lendflow/internal/safety"
	"github.com/shopspring/decimal"
)

const (
	DefaultTTL = 30 * time.Second

	// Oracle prices and base currency amounts carry 8 decimals; percentages
	// are in basis points.
	baseCurrencyDecimals = 8
	bpsDecimals          = 4
)

var (
	erc20ABI        = mustABI(registry.ERC20ABI)
	providerABI     = mustABI(registry.AavePoolAddressProviderABI)
	poolABI         = mustABI(registry.AavePoolABI)
	dataProviderABI = mustABI(registry.AaveDataProviderABI)
	oracleABI       = mustABI(registry.AaveOracleABI)
	debtTokenABI    = mustABI(registry.AaveDebtTokenABI)
	rewardsABI      = mustABI(registry.AaveRewardsABI)
)

// Backend is the subset of ethclient.Client the chain reader calls.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

type ChainOptions struct {
	ChainID int64
	// PoolAddressProvider and Pool override the registry discovery.
	PoolAddressProvider string
	Pool                string
	Gateway             string
	TTL                 time.Duration
	Cache               *cache.Tiered
}

// Chain reads Aave v3 state through eth_call.
type Chain struct {
	backend Backend
	opts    ChainOptions
	cache   *cache.Tiered
	now     func() time.Time

	mu        sync.Mutex
	contracts *Contracts
}

func NewChain(backend Backend, opts ChainOptions) (*Chain, error) {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	tiered := opts.Cache
	if tiered == nil {
		var err error
		tiered, err = cache.NewTiered(cache.DefaultMemoryEntries, nil)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeInternal, "create read cache", err)
		}
	}
	return &Chain{backend: backend, opts: opts, cache: tiered, now: time.Now}, nil
}

// Market is the cache and invalidation key of the chain's pool.
func (c *Chain) Market() string {
	return fmt.Sprintf("aave-v3:%d", c.opts.ChainID)
}

func (c *Chain) Contracts(ctx context.Context) (Contracts, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.contracts != nil {
		return *c.contracts, nil
	}
	resolved, err := c.resolveContracts(ctx)
	if err != nil {
		return Contracts{}, err
	}
	c.contracts = &resolved
	return resolved, nil
}

func (c *Chain) resolveContracts(ctx context.Context) (Contracts, error) {
	providerAddr := strings.TrimSpace(c.opts.PoolAddressProvider)
	if providerAddr == "" {
		if discovered, ok := registry.AavePoolAddressProvider(c.opts.ChainID); ok {
			providerAddr = discovered
		}
	}
	if providerAddr == "" {
		return Contracts{}, clierr.New(clierr.CodeUnsupported, "aave pool address provider is unavailable for this chain; pass --pool-address-provider")
	}
	if !common.IsHexAddress(providerAddr) {
		return Contracts{}, clierr.New(clierr.CodeUsage, "invalid --pool-address-provider")
	}
	provider := common.HexToAddress(providerAddr)

	var out Contracts
	var err error
	if pool := strings.TrimSpace(c.opts.Pool); pool != "" {
		if !common.IsHexAddress(pool) {
			return Contracts{}, clierr.New(clierr.CodeUsage, "invalid --pool-address")
		}
		out.Pool = common.HexToAddress(pool)
	} else if out.Pool, err = c.callAddress(ctx, provider, providerABI, "getPool"); err != nil {
		return Contracts{}, err
	}
	if out.DataProvider, err = c.callAddress(ctx, provider, providerABI, "getPoolDataProvider"); err != nil {
		return Contracts{}, err
	}
	if out.Oracle, err = c.callAddress(ctx, provider, providerABI, "getPriceOracle"); err != nil {
		return Contracts{}, err
	}
	slot := crypto.Keccak256Hash([]byte(registry.IncentivesControllerID))
	if out.IncentivesController, err = c.callAddress(ctx, provider, providerABI, "getAddress", slot); err != nil {
		// Markets without a rewards controller can still run every other flow.
		out.IncentivesController = common.Address{}
	}
	if gw, ok := registry.AaveWrappedTokenGateway(c.opts.ChainID, c.opts.Gateway); ok && common.IsHexAddress(gw) {
		out.Gateway = common.HexToAddress(gw)
	}
	return out, nil
}

func (c *Chain) Allowance(ctx context.Context, owner, spender, token common.Address) (allowance.Record, error) {
	key := cache.Key{Account: owner.Hex(), Market: c.Market(), Family: FamilyAllowance, Query: "erc20:" + token.Hex() + ":" + spender.Hex()}
	value, err := c.cachedBig(ctx, key, func(ctx context.Context) (*big.Int, error) {
		return c.callBig(ctx, token, erc20ABI, "allowance", owner, spender)
	})
	if err != nil {
		return allowance.Record{}, err
	}
	return allowance.FromOnChain(owner, spender, token, value, c.now()), nil
}

func (c *Chain) BorrowAllowance(ctx context.Context, debtToken, owner, delegatee common.Address) (allowance.Record, error) {
	key := cache.Key{Account: owner.Hex(), Market: c.Market(), Family: FamilyAllowance, Query: "delegation:" + debtToken.Hex() + ":" + delegatee.Hex()}
	value, err := c.cachedBig(ctx, key, func(ctx context.Context) (*big.Int, error) {
		return c.callBig(ctx, debtToken, debtTokenABI, "borrowAllowance", owner, delegatee)
	})
	if err != nil {
		return allowance.Record{}, err
	}
	return allowance.FromOnChain(owner, delegatee, debtToken, value, c.now()), nil
}

func (c *Chain) Position(ctx context.Context, account common.Address) (Position, error) {
	var out Position
	key := cache.Key{Account: account.Hex(), Market: c.Market(), Family: FamilyPosition, Query: "account"}
	err := c.cachedJSON(ctx, key, &out, func(ctx context.Context) (any, error) {
		contracts, err := c.Contracts(ctx)
		if err != nil {
			return nil, err
		}
		values, err := c.call(ctx, contracts.Pool, poolABI, "getUserAccountData", account)
		if err != nil {
			return nil, err
		}
		if len(values) < 6 {
			return nil, clierr.New(clierr.CodeUnavailable, "invalid getUserAccountData response")
		}
		return Position{
			TotalCollateralUSD:   scaled(values[0], baseCurrencyDecimals),
			TotalDebtUSD:         scaled(values[1], baseCurrencyDecimals),
			AvailableBorrowsUSD:  scaled(values[2], baseCurrencyDecimals),
			LiquidationThreshold: scaled(values[3], bpsDecimals),
			LTV:                  scaled(values[4], bpsDecimals),
			HealthFactor:         safety.FromWad(asBig(values[5])),
		}, nil
	})
	return out, err
}

func (c *Chain) Reserve(ctx context.Context, asset common.Address) (Reserve, error) {
	var out Reserve
	key := cache.Key{Market: c.Market(), Family: FamilyReserve, Query: asset.Hex()}
	err := c.cachedJSON(ctx, key, &out, func(ctx context.Context) (any, error) {
		return c.loadReserve(ctx, asset)
	})
	return out, err
}

func (c *Chain) loadReserve(ctx context.Context, asset common.Address) (Reserve, error) {
	contracts, err := c.Contracts(ctx)
	if err != nil {
		return Reserve{}, err
	}
	cfg, err := c.call(ctx, contracts.DataProvider, dataProviderABI, "getReserveConfigurationData", asset)
	if err != nil {
		return Reserve{}, err
	}
	if len(cfg) < 10 {
		return Reserve{}, clierr.New(clierr.CodeUnavailable, "invalid reserve configuration response")
	}
	decimals := int32(asBig(cfg[0]).Int64())
	out := Reserve{
		Asset:                asset,
		Decimals:             decimals,
		LTV:                  scaled(cfg[1], bpsDecimals),
		LiquidationThreshold: scaled(cfg[2], bpsDecimals),
		UsageAsCollateral:    asBool(cfg[5]),
		BorrowingEnabled:     asBool(cfg[6]),
		Active:               asBool(cfg[8]),
		Frozen:               asBool(cfg[9]),
	}

	caps, err := c.call(ctx, contracts.DataProvider, dataProviderABI, "getReserveCaps", asset)
	if err != nil {
		return Reserve{}, err
	}
	if len(caps) >= 2 {
		out.BorrowCap = scaled(caps[0], 0)
		out.SupplyCap = scaled(caps[1], 0)
	}
	tokens, err := c.call(ctx, contracts.DataProvider, dataProviderABI, "getReserveTokensAddresses", asset)
	if err != nil {
		return Reserve{}, err
	}
	if len(tokens) >= 3 {
		out.AToken = asAddress(tokens[0])
		out.VariableDebtToken = asAddress(tokens[2])
	}
	supplied, err := c.callBig(ctx, contracts.DataProvider, dataProviderABI, "getATokenTotalSupply", asset)
	if err != nil {
		return Reserve{}, err
	}
	debt, err := c.callBig(ctx, contracts.DataProvider, dataProviderABI, "getTotalDebt", asset)
	if err != nil {
		return Reserve{}, err
	}
	out.TotalSupplied = amount.FromBaseUnits(supplied, decimals)
	out.TotalDebt = amount.FromBaseUnits(debt, decimals)

	price, err := c.callBig(ctx, contracts.Oracle, oracleABI, "getAssetPrice", asset)
	if err != nil {
		return Reserve{}, err
	}
	out.PriceUSD = amount.FromBaseUnits(price, baseCurrencyDecimals)
	return out, nil
}

func (c *Chain) UserReserve(ctx context.Context, account common.Address, asset id.Asset) (UserReserve, error) {
	var out UserReserve
	key := cache.Key{Account: account.Hex(), Market: c.Market(), Family: FamilyPosition, Query: "reserve:" + asset.AssetID}
	err := c.cachedJSON(ctx, key, &out, func(ctx context.Context) (any, error) {
		contracts, err := c.Contracts(ctx)
		if err != nil {
			return nil, err
		}
		reserve := common.HexToAddress(asset.Address)
		decimals := int32(asset.Decimals)
		data, err := c.call(ctx, contracts.DataProvider, dataProviderABI, "getUserReserveData", reserve, account)
		if err != nil {
			return nil, err
		}
		if len(data) < 9 {
			return nil, clierr.New(clierr.CodeUnavailable, "invalid user reserve response")
		}
		debt := new(big.Int).Add(asBig(data[1]), asBig(data[2]))
		user := UserReserve{
			Supplied:          amount.FromBaseUnits(asBig(data[0]), decimals),
			Debt:              amount.FromBaseUnits(debt, decimals),
			CollateralEnabled: asBool(data[8]),
		}
		var balance *big.Int
		if asset.Native {
			balance, err = c.backend.BalanceAt(ctx, account, nil)
			if err != nil {
				return nil, clierr.Wrap(clierr.CodeUnavailable, "read native balance", err)
			}
		} else if balance, err = c.callBig(ctx, reserve, erc20ABI, "balanceOf", account); err != nil {
			return nil, err
		}
		user.WalletBalance = amount.FromBaseUnits(balance, decimals)
		return user, nil
	})
	return out, err
}

// PermitDomain reads the token's EIP-712 name, version and the owner's
// current nonce. Nonces are never cached. Version is empty when the token
// does not expose version().
func (c *Chain) PermitDomain(ctx context.Context, token, owner common.Address) (PermitDomain, error) {
	nameOut, err := c.call(ctx, token, erc20ABI, "name")
	if err != nil {
		return PermitDomain{}, err
	}
	out := PermitDomain{
		ChainID:           big.NewInt(c.opts.ChainID),
		VerifyingContract: token,
	}
	if len(nameOut) > 0 {
		out.Name, _ = nameOut[0].(string)
	}
	if versionOut, err := c.call(ctx, token, erc20ABI, "version"); err == nil && len(versionOut) > 0 {
		out.Version, _ = versionOut[0].(string)
	}
	if out.Nonce, err = c.callBig(ctx, token, erc20ABI, "nonces", owner); err != nil {
		return PermitDomain{}, err
	}
	return out, nil
}

func (c *Chain) ClaimableRewards(ctx context.Context, account common.Address, assets []common.Address, reward common.Address) (*big.Int, error) {
	contracts, err := c.Contracts(ctx)
	if err != nil {
		return nil, err
	}
	if contracts.IncentivesController == (common.Address{}) {
		return nil, clierr.New(clierr.CodeUnsupported, "aave incentives controller is unavailable for this market")
	}
	parts := make([]string, 0, len(assets)+1)
	for _, a := range assets {
		parts = append(parts, a.Hex())
	}
	parts = append(parts, reward.Hex())
	key := cache.Key{Account: account.Hex(), Market: c.Market(), Family: FamilyIncentives, Query: "rewards:" + strings.Join(parts, ",")}
	return c.cachedBig(ctx, key, func(ctx context.Context) (*big.Int, error) {
		return c.callBig(ctx, contracts.IncentivesController, rewardsABI, "getUserRewards", assets, account, reward)
	})
}

// PreviewHealthFactor projects the account's health factor after h.
func (c *Chain) PreviewHealthFactor(ctx context.Context, h Hypothetical) (HealthPreview, error) {
	pos, err := c.Position(ctx, h.Account)
	if err != nil {
		return HealthPreview{}, err
	}
	reserve, err := c.Reserve(ctx, common.HexToAddress(h.Asset.Address))
	if err != nil {
		return HealthPreview{}, err
	}
	user, err := c.UserReserve(ctx, h.Account, h.Asset)
	if err != nil {
		return HealthPreview{}, err
	}
	return HealthPreview{
		Before: pos.HealthFactor,
		After:  ProjectHealthFactor(pos, reserve, h.Kind, h.Amount, countsAsCollateral(reserve, user)),
	}, nil
}

// Invalidate drops cached reads of one family for account. Reserve data is
// market-wide and dropped regardless of account.
func (c *Chain) Invalidate(account common.Address, family string) error {
	scope := cache.Scope{Market: c.Market(), Family: family}
	if family != FamilyReserve {
		scope.Account = account.Hex()
	}
	return c.cache.Invalidate(scope)
}

func (c *Chain) cachedJSON(ctx context.Context, key cache.Key, out any, load func(context.Context) (any, error)) error {
	raw, err := c.cache.Fetch(ctx, key, c.opts.TTL, func(ctx context.Context) ([]byte, error) {
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return clierr.Wrap(clierr.CodeInternal, "decode cached read", err)
	}
	return nil
}

func (c *Chain) cachedBig(ctx context.Context, key cache.Key, load func(context.Context) (*big.Int, error)) (*big.Int, error) {
	raw, err := c.cache.Fetch(ctx, key, c.opts.TTL, func(ctx context.Context) ([]byte, error) {
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		return []byte(v.String()), nil
	})
	if err != nil {
		return nil, err
	}
	v, ok := new(big.Int).SetString(string(raw), 10)
	if !ok {
		return nil, clierr.New(clierr.CodeInternal, "decode cached integer")
	}
	return v, nil
}

func (c *Chain) call(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...any) ([]any, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, fmt.Sprintf("pack %s calldata", method), err)
	}
	raw, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, fmt.Sprintf("call %s", method), err)
	}
	values, err := contract.Unpack(method, raw)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, fmt.Sprintf("decode %s", method), err)
	}
	return values, nil
}

func (c *Chain) callBig(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...any) (*big.Int, error) {
	values, err := c.call(ctx, to, contract, method, args...)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, clierr.New(clierr.CodeUnavailable, fmt.Sprintf("empty %s response", method))
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, clierr.New(clierr.CodeUnavailable, fmt.Sprintf("invalid %s response", method))
	}
	return v, nil
}

func (c *Chain) callAddress(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...any) (common.Address, error) {
	values, err := c.call(ctx, to, contract, method, args...)
	if err != nil {
		return common.Address{}, err
	}
	if len(values) == 0 {
		return common.Address{}, clierr.New(clierr.CodeUnavailable, fmt.Sprintf("empty %s response", method))
	}
	addr := asAddress(values[0])
	if addr == (common.Address{}) {
		return common.Address{}, clierr.New(clierr.CodeUnavailable, fmt.Sprintf("%s returned the zero address", method))
	}
	return addr, nil
}

func asBig(v any) *big.Int {
	if b, ok := v.(*big.Int); ok && b != nil {
		return b
	}
	return new(big.Int)
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asAddress(v any) common.Address {
	switch a := v.(type) {
	case common.Address:
		return a
	case *common.Address:
		if a != nil {
			return *a
		}
	}
	return common.Address{}
}

func scaled(v any, decimals int32) decimal.Decimal {
	return amount.FromBaseUnits(asBig(v), decimals)
}

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
