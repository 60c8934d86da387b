package registry

import "strings"

// Canonical Aave V3 PoolAddressesProvider contracts.
var aavePoolAddressProviderByChainID = map[int64]string{
	1:     "0x2f39d218133AFaB8F2B819B1066c7E434Ad94E9e", // Ethereum
	10:    "0xa97684ead0e402dC232d5A977953DF7ECBaB3CDb", // Optimism
	137:   "0xa97684ead0e402dC232d5A977953DF7ECBaB3CDb", // Polygon
	8453:  "0xe20fCBdBfFC4Dd138cE8b2E6FBb6CB49777ad64D", // Base
	42161: "0xa97684ead0e402dC232d5A977953DF7ECBaB3CDb", // Arbitrum
	43114: "0xa97684ead0e402dC232d5A977953DF7ECBaB3CDb", // Avalanche
}

func AavePoolAddressProvider(chainID int64) (string, bool) {
	value, ok := aavePoolAddressProviderByChainID[chainID]
	return value, ok
}

// WrappedTokenGatewayV3 deployments. Other chains need an explicit override.
var aaveWrappedTokenGatewayByChainID = map[int64]string{
	1: "0xD322A49006FC828F9B5B37Ab215F99B4E5caB19C",
}

func AaveWrappedTokenGateway(chainID int64, override string) (string, bool) {
	if v := strings.TrimSpace(override); v != "" {
		return v, true
	}
	value, ok := aaveWrappedTokenGatewayByChainID[chainID]
	return value, ok
}

type SafetyModule struct {
	StakeToken  string
	StakedAsset string
}

var aaveSafetyModuleByChainID = map[int64]SafetyModule{
	1: {
		StakeToken:  "0x4da27a545c0c5B758a6BA100e3a049001de870f5",
		StakedAsset: "0x7Fc66500c84A76Ad7e9c93437bFc5Ac33E2DDaE9",
	},
}

func AaveSafetyModule(chainID int64) (SafetyModule, bool) {
	value, ok := aaveSafetyModuleByChainID[chainID]
	return value, ok
}

type GhoMarket struct {
	Token             string
	VariableDebtToken string
	DiscountToken     string
}

var aaveGhoByChainID = map[int64]GhoMarket{
	1: {
		Token:             "0x40D16FC0246aD3160Ccc09B8D0D3A2cD28aE6C2f",
		VariableDebtToken: "0x786dBff3f1292ae8F92ea68Cf93c30b34B1ed04B",
		DiscountToken:     "0x4da27a545c0c5B758a6BA100e3a049001de870f5",
	},
}

func AaveGho(chainID int64) (GhoMarket, bool) {
	value, ok := aaveGhoByChainID[chainID]
	return value, ok
}

// IncentivesControllerID is the PoolAddressesProvider key of the rewards controller.
const IncentivesControllerID = "INCENTIVES_CONTROLLER"

const AaveGraphQLEndpoint = "https://api.v3.aave.com/graphql"
