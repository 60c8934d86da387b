package id

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	clierr "github.com/ggonzalez94/lendflow/internal/errors"
)

var (
	eip155ChainPattern = regexp.MustCompile(`^eip155:[0-9]+$`)
	evmAddressPattern  = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	eip155AssetPattern = regexp.MustCompile(`^eip155:[0-9]+/erc20:0x[0-9a-fA-F]{40}$`)
)

type Chain struct {
	Name       string
	Slug       string
	CAIP2      string
	EVMChainID int64
}

// Asset is a lending market asset. Native assets are addressed by their
// wrapped reserve and routed through the wrapped token gateway.
type Asset struct {
	ChainID       string
	AssetID       string
	Address       string
	Symbol        string
	Decimals      int
	Native        bool
	PermitVersion string
	ResetRequired bool
}

// SupportsPermit reports whether the token accepts EIP-2612 permits.
func (a Asset) SupportsPermit() bool {
	return !a.Native && a.PermitVersion != ""
}

type Token struct {
	Symbol   string
	Address  string
	Decimals int
	// PermitVersion is the EIP-712 domain version; empty when the token has
	// no EIP-2612 permit.
	PermitVersion string
	// ResetRequired marks tokens that reject approve(x) while the current
	// allowance is non-zero.
	ResetRequired bool
}

var chainBySlug = map[string]Chain{
	"ethereum":  {Name: "Ethereum", Slug: "ethereum", CAIP2: "eip155:1", EVMChainID: 1},
	"mainnet":   {Name: "Ethereum", Slug: "ethereum", CAIP2: "eip155:1", EVMChainID: 1},
	"base":      {Name: "Base", Slug: "base", CAIP2: "eip155:8453", EVMChainID: 8453},
	"arbitrum":  {Name: "Arbitrum", Slug: "arbitrum", CAIP2: "eip155:42161", EVMChainID: 42161},
	"optimism":  {Name: "Optimism", Slug: "optimism", CAIP2: "eip155:10", EVMChainID: 10},
	"polygon":   {Name: "Polygon", Slug: "polygon", CAIP2: "eip155:137", EVMChainID: 137},
	"avalanche": {Name: "Avalanche", Slug: "avalanche", CAIP2: "eip155:43114", EVMChainID: 43114},
}

var chainByID = map[int64]Chain{
	1:     chainBySlug["ethereum"],
	10:    chainBySlug["optimism"],
	137:   chainBySlug["polygon"],
	8453:  chainBySlug["base"],
	42161: chainBySlug["arbitrum"],
	43114: chainBySlug["avalanche"],
}

// nativeSymbols maps a chain to its native coin and the wrapped reserve symbol.
var nativeSymbols = map[string][2]string{
	"eip155:1":     {"ETH", "WETH"},
	"eip155:10":    {"ETH", "WETH"},
	"eip155:8453":  {"ETH", "WETH"},
	"eip155:42161": {"ETH", "WETH"},
}

var tokenRegistry = map[string][]Token{
	"eip155:1": {
		{Symbol: "USDC", Address: "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", Decimals: 6, PermitVersion: "2"},
		{Symbol: "USDT", Address: "0xdac17f958d2ee523a2206206994597c13d831ec7", Decimals: 6, ResetRequired: true},
		{Symbol: "DAI", Address: "0x6b175474e89094c44da98b954eedeac495271d0f", Decimals: 18},
		{Symbol: "WETH", Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", Decimals: 18},
		{Symbol: "GHO", Address: "0x40D16FC0246aD3160Ccc09B8D0D3A2cD28aE6C2f", Decimals: 18, PermitVersion: "1"},
		{Symbol: "AAVE", Address: "0x7Fc66500c84A76Ad7e9c93437bFc5Ac33E2DDaE9", Decimals: 18, PermitVersion: "1"},
		{Symbol: "STKAAVE", Address: "0x4da27a545c0c5B758a6BA100e3a049001de870f5", Decimals: 18, PermitVersion: "2"},
	},
	"eip155:8453": {
		{Symbol: "USDC", Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Decimals: 6, PermitVersion: "2"},
		{Symbol: "WETH", Address: "0x4200000000000000000000000000000000000006", Decimals: 18},
	},
	"eip155:42161": {
		{Symbol: "USDC", Address: "0xaf88d065e77c8cC2239327C5EDb3A432268e5831", Decimals: 6, PermitVersion: "2"},
		{Symbol: "USDT", Address: "0xFd086bC7CD5C481DCC9C85ebe478A1C0b69FCbb9", Decimals: 6},
		{Symbol: "DAI", Address: "0xDA10009cBd5D07dd0CeCc66161FC93D7c9000da1", Decimals: 18},
		{Symbol: "WETH", Address: "0x82aF49447D8a07e3bd95BD0d56f35241523fBab1", Decimals: 18},
	},
	"eip155:10": {
		{Symbol: "USDC", Address: "0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85", Decimals: 6, PermitVersion: "2"},
		{Symbol: "USDT", Address: "0x94b008aA00579c1307B0EF2c499aD98a8ce58e58", Decimals: 6},
		{Symbol: "DAI", Address: "0xDA10009cBd5D07dd0CeCc66161FC93D7c9000da1", Decimals: 18},
		{Symbol: "WETH", Address: "0x4200000000000000000000000000000000000006", Decimals: 18},
	},
	"eip155:137": {
		{Symbol: "USDC", Address: "0x3c499c542cef5e3811e1192ce70d8cc03d5c3359", Decimals: 6, PermitVersion: "2"},
		{Symbol: "USDT", Address: "0xc2132D05D31c914a87C6611C10748AEb04B58e8F", Decimals: 6},
		{Symbol: "DAI", Address: "0x8f3Cf7ad23Cd3CaDbD9735AFf958023239c6A063", Decimals: 18},
		{Symbol: "WETH", Address: "0x7ceB23fD6bC0adD59E62ac25578270cFf1b9f619", Decimals: 18},
	},
	"eip155:43114": {
		{Symbol: "USDC", Address: "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E", Decimals: 6, PermitVersion: "2"},
		{Symbol: "USDT", Address: "0x9702230A8Ea53601f5cD2dc00fDBc13d4dF4A8c7", Decimals: 6},
		{Symbol: "DAI", Address: "0xd586E7F844cEa2F87f50152665BCbc2C279D8d70", Decimals: 18},
		{Symbol: "WETH", Address: "0x49D5c2BdFfac6CE2BFdB6640F4F80f226bc10bAB", Decimals: 18},
	},
}

func ParseChain(input string) (Chain, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return Chain{}, clierr.New(clierr.CodeUsage, "chain is required")
	}
	norm := strings.ToLower(raw)

	if chain, ok := chainBySlug[norm]; ok {
		return chain, nil
	}

	var chainID int64
	switch {
	case eip155ChainPattern.MatchString(norm):
		chainID, _ = strconv.ParseInt(strings.TrimPrefix(norm, "eip155:"), 10, 64)
	default:
		id, err := strconv.ParseInt(norm, 10, 64)
		if err != nil {
			return Chain{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported chain input: %s", input))
		}
		chainID = id
	}
	if chain, ok := chainByID[chainID]; ok {
		return chain, nil
	}
	return Chain{Name: fmt.Sprintf("EVM-%d", chainID), Slug: fmt.Sprintf("evm-%d", chainID), CAIP2: fmt.Sprintf("eip155:%d", chainID), EVMChainID: chainID}, nil
}

func ParseAsset(input string, chain Chain) (Asset, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return Asset{}, clierr.New(clierr.CodeUsage, "asset is required")
	}

	if strings.Contains(raw, "/") {
		if !eip155AssetPattern.MatchString(raw) {
			return Asset{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid CAIP-19 asset format: %s", input))
		}
		parts := strings.SplitN(raw, "/", 2)
		if parts[0] != chain.CAIP2 {
			return Asset{}, clierr.New(clierr.CodeUsage, "asset chain does not match --chain")
		}
		return assetFromAddress(chain, strings.TrimPrefix(parts[1], "erc20:")), nil
	}

	if evmAddressPattern.MatchString(raw) {
		return assetFromAddress(chain, raw), nil
	}

	if native, ok := nativeSymbols[chain.CAIP2]; ok && strings.EqualFold(raw, native[0]) {
		wrapped, ok := KnownToken(chain.CAIP2, native[1])
		if !ok {
			return Asset{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("no wrapped reserve for %s on %s", native[0], chain.CAIP2))
		}
		asset := tokenAsset(chain, wrapped)
		asset.Symbol = native[0]
		asset.Native = true
		return asset, nil
	}

	matches := findTokensBySymbol(chain.CAIP2, raw)
	if len(matches) == 0 {
		return Asset{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("symbol %s not found in registry for chain %s", input, chain.CAIP2))
	}
	if len(matches) > 1 {
		addresses := make([]string, 0, len(matches))
		for _, m := range matches {
			addresses = append(addresses, m.Address)
		}
		sort.Strings(addresses)
		return Asset{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("symbol %s is ambiguous on chain %s, use address or CAIP-19 (%s)", input, chain.CAIP2, strings.Join(addresses, ", ")))
	}
	return tokenAsset(chain, matches[0]), nil
}

func assetFromAddress(chain Chain, address string) Asset {
	addr := strings.ToLower(strings.TrimSpace(address))
	if token, ok := LookupByAddress(chain.CAIP2, addr); ok {
		return tokenAsset(chain, token)
	}
	return Asset{ChainID: chain.CAIP2, AssetID: canonicalAssetID(chain.CAIP2, addr), Address: addr}
}

func tokenAsset(chain Chain, t Token) Asset {
	addr := strings.ToLower(t.Address)
	return Asset{
		ChainID:       chain.CAIP2,
		AssetID:       canonicalAssetID(chain.CAIP2, addr),
		Address:       addr,
		Symbol:        strings.ToUpper(t.Symbol),
		Decimals:      t.Decimals,
		PermitVersion: t.PermitVersion,
		ResetRequired: t.ResetRequired,
	}
}

func canonicalAssetID(chainID, address string) string {
	return fmt.Sprintf("%s/erc20:%s", chainID, strings.ToLower(strings.TrimSpace(address)))
}

func findTokensBySymbol(chainID, symbol string) []Token {
	matches := []Token{}
	for _, t := range tokenRegistry[chainID] {
		if strings.EqualFold(t.Symbol, symbol) {
			t.Symbol = strings.ToUpper(t.Symbol)
			t.Address = strings.ToLower(t.Address)
			matches = append(matches, t)
		}
	}
	return matches
}

func KnownToken(chainID, symbol string) (Token, bool) {
	matches := findTokensBySymbol(chainID, symbol)
	if len(matches) != 1 {
		return Token{}, false
	}
	return matches[0], true
}

func LookupByAddress(chainID, address string) (Token, bool) {
	for _, t := range tokenRegistry[chainID] {
		if strings.EqualFold(t.Address, strings.TrimSpace(address)) {
			t.Symbol = strings.ToUpper(t.Symbol)
			t.Address = strings.ToLower(t.Address)
			return t, true
		}
	}
	return Token{}, false
}
