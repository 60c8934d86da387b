package builder

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/lendflow/internal/action"
	clierr "github.com/ggonzalez94/lendflow/internal/errors"
	"github.com/ggonzalez94/lendflow/internal/id"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	account = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	targets = Targets{
		Pool:                 common.HexToAddress("0x0000000000000000000000000000000000000001"),
		Gateway:              common.HexToAddress("0x0000000000000000000000000000000000000002"),
		IncentivesController: common.HexToAddress("0x0000000000000000000000000000000000000003"),
		AToken:               common.HexToAddress("0x0000000000000000000000000000000000000004"),
		VariableDebtToken:    common.HexToAddress("0x0000000000000000000000000000000000000005"),
		StakeToken:           common.HexToAddress("0x0000000000000000000000000000000000000006"),
	}
	usdc = id.Asset{AssetID: "eip155:1/erc20:0xa0b8", Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Symbol: "USDC", Decimals: 6, PermitVersion: "2"}
	eth  = id.Asset{AssetID: "eip155:1/erc20:0xc02a", Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", Symbol: "ETH", Decimals: 18, Native: true}
)

func params(kind action.Kind, asset id.Asset) Params {
	return Params{Kind: kind, Asset: asset, Amount: big.NewInt(5_000_000), Account: account, Targets: targets}
}

func selector(t *testing.T, data []byte) []byte {
	t.Helper()
	require.GreaterOrEqual(t, len(data), 4)
	return data[:4]
}

func TestGrantFor(t *testing.T) {
	tests := []struct {
		name    string
		kind    action.Kind
		asset   id.Asset
		auth    action.Authorization
		token   common.Address
		spender common.Address
	}{
		{"supply approves pool", action.Supply, usdc, action.AuthApprove, common.HexToAddress(usdc.Address), targets.Pool},
		{"repay approves pool", action.Repay, usdc, action.AuthApprove, common.HexToAddress(usdc.Address), targets.Pool},
		{"stake approves stake token", action.Stake, usdc, action.AuthApprove, common.HexToAddress(usdc.Address), targets.StakeToken},
		{"native withdraw approves aToken to gateway", action.Withdraw, eth, action.AuthApprove, targets.AToken, targets.Gateway},
		{"native borrow delegates debt token", action.Borrow, eth, action.AuthDelegation, targets.VariableDebtToken, targets.Gateway},
		{"erc20 borrow needs nothing", action.Borrow, usdc, action.AuthNone, common.Address{}, common.Address{}},
		{"native supply needs nothing", action.Supply, eth, action.AuthNone, common.Address{}, common.Address{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			grant, err := GrantFor(params(tt.kind, tt.asset))
			require.NoError(t, err)
			assert.Equal(t, tt.auth, grant.Kind)
			assert.Equal(t, tt.token, grant.Token)
			assert.Equal(t, tt.spender, grant.Spender)
		})
	}
}

func TestGrantForMissingTargets(t *testing.T) {
	p := params(action.Borrow, eth)
	p.Targets.Gateway = common.Address{}
	_, err := GrantFor(p)
	require.Error(t, err)

	p = params(action.Stake, usdc)
	p.Targets.StakeToken = common.Address{}
	_, err = GrantFor(p)
	var cliErr *clierr.Error
	require.ErrorAs(t, err, &cliErr)
	assert.Equal(t, clierr.CodeUnsupported, cliErr.Code)
}

func TestPoolBuildsPermitVariants(t *testing.T) {
	permit := &Permit{Deadline: big.NewInt(1_900_000_000), V: 28}

	plain, err := Pool{}.BuildAction(params(action.Supply, usdc), nil)
	require.NoError(t, err)
	assert.Equal(t, poolABI.Methods["supply"].ID, selector(t, plain.Data))

	signed, err := Pool{}.BuildAction(params(action.Supply, usdc), permit)
	require.NoError(t, err)
	assert.Equal(t, poolABI.Methods["supplyWithPermit"].ID, selector(t, signed.Data))
	assert.Equal(t, targets.Pool, signed.To)

	repay, err := Pool{}.BuildAction(params(action.Repay, usdc), permit)
	require.NoError(t, err)
	assert.Equal(t, poolABI.Methods["repayWithPermit"].ID, selector(t, repay.Data))

	_, err = Pool{}.BuildAction(params(action.Withdraw, usdc), permit)
	require.Error(t, err)
	_, err = Pool{}.BuildAction(params(action.Supply, eth), permit)
	require.Error(t, err)
}

func TestPoolNativeGatewayCarriesValue(t *testing.T) {
	supply, err := Pool{}.BuildAction(params(action.Supply, eth), nil)
	require.NoError(t, err)
	assert.Equal(t, targets.Gateway, supply.To)
	assert.Equal(t, "5000000", supply.ValueOrZero().String())
	assert.Equal(t, gatewayABI.Methods["depositETH"].ID, selector(t, supply.Data))

	repay, err := Pool{}.BuildAction(params(action.Repay, eth), nil)
	require.NoError(t, err)
	assert.Equal(t, "5000000", repay.ValueOrZero().String())

	withdraw, err := Pool{}.BuildAction(params(action.Withdraw, eth), nil)
	require.NoError(t, err)
	assert.Zero(t, withdraw.ValueOrZero().Sign())
	assert.Equal(t, gatewayABI.Methods["withdrawETH"].ID, selector(t, withdraw.Data))
}

func TestPoolBorrowUsesVariableRate(t *testing.T) {
	call, err := Pool{}.BuildAction(params(action.Borrow, usdc), nil)
	require.NoError(t, err)
	decoded, err := poolABI.Methods["borrow"].Inputs.Unpack(call.Data[4:])
	require.NoError(t, err)
	require.Len(t, decoded, 5)
	assert.Equal(t, int64(VariableRateMode), decoded[2].(*big.Int).Int64())
	assert.Equal(t, account, decoded[4].(common.Address))
}

func TestPoolClaimRequiresController(t *testing.T) {
	p := params(action.ClaimRewards, usdc)
	p.RewardAssets = []common.Address{targets.AToken}
	p.Reward = common.HexToAddress(usdc.Address)

	call, err := Pool{}.BuildAction(p, nil)
	require.NoError(t, err)
	assert.Equal(t, targets.IncentivesController, call.To)

	p.Targets.IncentivesController = common.Address{}
	_, err = Pool{}.BuildAction(p, nil)
	require.Error(t, err)

	p = params(action.ClaimRewards, usdc)
	_, err = Pool{}.BuildAction(p, nil)
	require.Error(t, err, "claim without reward assets")
}

func TestValidateRejectsBadParams(t *testing.T) {
	p := params(action.Supply, usdc)
	p.Amount = big.NewInt(0)
	require.Error(t, Validate(p))

	p = params(action.SwapCollateral, usdc)
	require.Error(t, Validate(p))

	p = params(action.Supply, usdc)
	p.Account = common.Address{}
	require.Error(t, Validate(p))
}

func TestSelect(t *testing.T) {
	b, err := Select("", nil)
	require.NoError(t, err)
	assert.Equal(t, "pool", b.Name())

	_, err = Select("planned", nil)
	require.Error(t, err)

	b, err = Select("PLANNED", Pool{})
	require.NoError(t, err)
	assert.NotNil(t, b)

	_, err = Select("router", nil)
	require.Error(t, err)
}
