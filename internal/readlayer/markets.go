package readlayer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ggonzalez94/lendflow/internal/cache"
	clierr "github.com/ggonzalez94/lendflow/internal/errors"
	"github.com/ggonzalez94/lendflow/internal/httpx"
	"github.com/ggonzalez94/lendflow/internal/id"
	"github.com/ggonzalez94/lendflow/internal/registry"
	"github.com/shopspring/decimal"
)

const marketsQuery = `query Markets($request: MarketsRequest!) {
  markets(request: $request) {
    name
    chain { chainId name }
    reserves {
      underlyingToken { address symbol decimals }
      size { usd }
      supplyInfo { apy { value } total { value } }
      borrowInfo { apy { value } total { usd } utilizationRate { value } }
    }
  }
}`

type gqlMarkets struct {
	Markets []gqlMarket `json:"markets"`
}

type gqlMarket struct {
	Name  string `json:"name"`
	Chain struct {
		ChainID int64  `json:"chainId"`
		Name    string `json:"name"`
	} `json:"chain"`
	Reserves []gqlReserve `json:"reserves"`
}

type gqlValue struct {
	Value string `json:"value"`
}

type gqlReserve struct {
	UnderlyingToken struct {
		Address  string `json:"address"`
		Symbol   string `json:"symbol"`
		Decimals int    `json:"decimals"`
	} `json:"underlyingToken"`
	Size struct {
		USD string `json:"usd"`
	} `json:"size"`
	SupplyInfo struct {
		APY   gqlValue `json:"apy"`
		Total gqlValue `json:"total"`
	} `json:"supplyInfo"`
	BorrowInfo *struct {
		APY   gqlValue `json:"apy"`
		Total struct {
			USD string `json:"usd"`
		} `json:"total"`
		UtilizationRate gqlValue `json:"utilizationRate"`
	} `json:"borrowInfo"`
}

// MarketRate is the market-wide rate data of one reserve. APYs are percents.
type MarketRate struct {
	Market      string          `json:"market"`
	ChainID     string          `json:"chain_id"`
	AssetID     string          `json:"asset_id"`
	Symbol      string          `json:"symbol"`
	SupplyAPY   decimal.Decimal `json:"supply_apy"`
	BorrowAPY   decimal.Decimal `json:"borrow_apy"`
	Utilization decimal.Decimal `json:"utilization"`
	SizeUSD     decimal.Decimal `json:"size_usd"`
	BorrowedUSD decimal.Decimal `json:"borrowed_usd"`
	FetchedAt   string          `json:"fetched_at"`
}

// Markets reads rate data from the Aave GraphQL API. Results share the
// incentives cache family, so executors refresh them after every action.
type Markets struct {
	http     *httpx.Client
	endpoint string
	cache    *cache.Tiered
	ttl      time.Duration
	now      func() time.Time
}

func NewMarkets(client *httpx.Client, tiered *cache.Tiered, ttl time.Duration) *Markets {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Markets{http: client, endpoint: registry.AaveGraphQLEndpoint, cache: tiered, ttl: ttl, now: time.Now}
}

// Rates returns the rates of every reserve matching asset, highest supply
// APY first.
func (m *Markets) Rates(ctx context.Context, chain id.Chain, asset id.Asset) ([]MarketRate, error) {
	key := cache.Key{Market: fmt.Sprintf("aave-v3:%d", chain.EVMChainID), Family: FamilyIncentives, Query: "rates:" + asset.AssetID}
	load := func(ctx context.Context) ([]byte, error) {
		rates, err := m.fetchRates(ctx, chain, asset)
		if err != nil {
			return nil, err
		}
		return json.Marshal(rates)
	}

	var raw []byte
	var err error
	if m.cache != nil {
		raw, err = m.cache.Fetch(ctx, key, m.ttl, load)
	} else {
		raw, err = load(ctx)
	}
	if err != nil {
		return nil, err
	}
	var out []MarketRate
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "decode cached market rates", err)
	}
	return out, nil
}

func (m *Markets) fetchRates(ctx context.Context, chain id.Chain, asset id.Asset) ([]MarketRate, error) {
	var data gqlMarkets
	variables := map[string]any{
		"request": map[string]any{"chainIds": []int64{chain.EVMChainID}},
	}
	if err := m.http.GraphQL(ctx, m.endpoint, marketsQuery, variables, &data); err != nil {
		return nil, err
	}
	if len(data.Markets) == 0 {
		return nil, clierr.New(clierr.CodeUnsupported, "aave has no market for requested chain")
	}

	fetchedAt := m.now().UTC().Format(time.RFC3339)
	out := make([]MarketRate, 0)
	for _, market := range data.Markets {
		for _, r := range market.Reserves {
			if !matchesReserveAsset(r, asset) {
				continue
			}
			rate := MarketRate{
				Market:    market.Name,
				ChainID:   chain.CAIP2,
				AssetID:   canonicalAssetID(asset, r.UnderlyingToken.Address),
				Symbol:    r.UnderlyingToken.Symbol,
				SupplyAPY: parseDecimal(r.SupplyInfo.APY.Value).Shift(2),
				SizeUSD:   parseDecimal(r.Size.USD),
				FetchedAt: fetchedAt,
			}
			if r.BorrowInfo != nil {
				rate.BorrowAPY = parseDecimal(r.BorrowInfo.APY.Value).Shift(2)
				rate.Utilization = parseDecimal(r.BorrowInfo.UtilizationRate.Value)
				rate.BorrowedUSD = parseDecimal(r.BorrowInfo.Total.USD)
			}
			out = append(out, rate)
		}
	}
	if len(out) == 0 {
		return nil, clierr.New(clierr.CodeUnsupported, "no aave market rates for requested chain/asset")
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SupplyAPY.Equal(out[j].SupplyAPY) {
			return out[i].SupplyAPY.GreaterThan(out[j].SupplyAPY)
		}
		return out[i].Market < out[j].Market
	})
	return out, nil
}

func matchesReserveAsset(r gqlReserve, asset id.Asset) bool {
	if asset.Address != "" && strings.EqualFold(strings.TrimSpace(r.UnderlyingToken.Address), strings.TrimSpace(asset.Address)) {
		return true
	}
	return asset.Symbol != "" && strings.EqualFold(strings.TrimSpace(r.UnderlyingToken.Symbol), strings.TrimSpace(asset.Symbol))
}

func canonicalAssetID(asset id.Asset, address string) string {
	addr := strings.ToLower(strings.TrimSpace(address))
	if addr == "" {
		return asset.AssetID
	}
	return fmt.Sprintf("%s/erc20:%s", asset.ChainID, addr)
}

func parseDecimal(v string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(v))
	if err != nil {
		return decimal.Zero
	}
	return d
}
