package planner

import (
	"bytes"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/lendflow/internal/action"
	"github.com/ggonzalez94/lendflow/internal/builder"
	"github.com/ggonzalez94/lendflow/internal/execution"
	"github.com/ggonzalez94/lendflow/internal/gas"
	"github.com/ggonzalez94/lendflow/internal/id"
)

var (
	testAccount = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testTargets = builder.Targets{
		Pool:                 common.HexToAddress("0x0000000000000000000000000000000000000001"),
		Gateway:              common.HexToAddress("0x0000000000000000000000000000000000000002"),
		IncentivesController: common.HexToAddress("0x0000000000000000000000000000000000000003"),
		AToken:               common.HexToAddress("0x0000000000000000000000000000000000000004"),
		VariableDebtToken:    common.HexToAddress("0x0000000000000000000000000000000000000005"),
		StakeToken:           common.HexToAddress("0x0000000000000000000000000000000000000006"),
	}
	testUSDC = id.Asset{
		ChainID:       "eip155:1",
		AssetID:       "eip155:1/erc20:0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48",
		Address:       "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		Symbol:        "USDC",
		Decimals:      6,
		PermitVersion: "2",
	}
	testWETH = id.Asset{
		ChainID:  "eip155:1",
		AssetID:  "eip155:1/erc20:0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2",
		Address:  "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2",
		Symbol:   "ETH",
		Decimals: 18,
		Native:   true,
	}
	testChain = id.Chain{Name: "Ethereum", Slug: "ethereum", CAIP2: "eip155:1", EVMChainID: 1}
)

func testParams(kind action.Kind, asset id.Asset) builder.Params {
	return builder.Params{
		Kind:         kind,
		Asset:        asset,
		Amount:       big.NewInt(1_000_000),
		Account:      testAccount,
		Targets:      testTargets,
		RewardAssets: []common.Address{testTargets.AToken},
		Reward:       common.HexToAddress(testUSDC.Address),
	}
}

func testPermit() *builder.Permit {
	return &builder.Permit{Deadline: big.NewInt(1_900_000_000), V: 27, R: [32]byte{1}, S: [32]byte{2}}
}

func TestPlannedMatchesPoolBuilder(t *testing.T) {
	kinds := []action.Kind{action.Supply, action.Withdraw, action.Borrow, action.Repay, action.Stake, action.ClaimRewards}
	for _, kind := range kinds {
		for _, asset := range []id.Asset{testUSDC, testWETH} {
			for _, permit := range []*builder.Permit{nil, testPermit()} {
				params := testParams(kind, asset)
				want, wantErr := builder.Pool{}.BuildAction(params, permit)
				got, gotErr := Planned{}.BuildAction(params, permit)
				name := string(kind) + "/" + asset.Symbol
				if permit != nil {
					name += "/permit"
				}
				if (wantErr == nil) != (gotErr == nil) {
					t.Fatalf("%s: error mismatch pool=%v planned=%v", name, wantErr, gotErr)
				}
				if wantErr != nil {
					continue
				}
				if got.To != want.To {
					t.Fatalf("%s: target mismatch pool=%s planned=%s", name, want.To.Hex(), got.To.Hex())
				}
				if !bytes.Equal(got.Data, want.Data) {
					t.Fatalf("%s: calldata mismatch", name)
				}
				if got.ValueOrZero().Cmp(want.ValueOrZero()) != 0 {
					t.Fatalf("%s: value mismatch pool=%s planned=%s", name, want.ValueOrZero(), got.ValueOrZero())
				}
			}
		}
	}
}

func TestPlannedApprovalsMatchPoolBuilder(t *testing.T) {
	token := common.HexToAddress(testUSDC.Address)
	amount := big.NewInt(42)
	want, err := builder.Pool{}.BuildApprove(token, testTargets.Pool, amount)
	if err != nil {
		t.Fatalf("pool approve: %v", err)
	}
	got, err := Planned{}.BuildApprove(token, testTargets.Pool, amount)
	if err != nil {
		t.Fatalf("planned approve: %v", err)
	}
	if !bytes.Equal(want.Data, got.Data) || want.To != got.To {
		t.Fatal("approve calldata mismatch")
	}
	wantDel, _ := builder.Pool{}.BuildDelegation(testTargets.VariableDebtToken, testTargets.Gateway, amount)
	gotDel, err := Planned{}.BuildDelegation(testTargets.VariableDebtToken, testTargets.Gateway, amount)
	if err != nil {
		t.Fatalf("planned delegation: %v", err)
	}
	if !bytes.Equal(wantDel.Data, gotDel.Data) {
		t.Fatal("delegation calldata mismatch")
	}
}

func TestPlanSupplyWithResetAndApproval(t *testing.T) {
	params := testParams(action.Supply, testUSDC)
	grant, err := builder.GrantFor(params)
	if err != nil {
		t.Fatalf("GrantFor failed: %v", err)
	}
	flow, err := Plan(builder.Pool{}, Request{
		ActionID:       "flow_test",
		Chain:          testChain,
		Params:         params,
		InputAmount:    "1",
		ResolvedAmount: "1",
		Grant:          grant,
		Authorize:      true,
		ResetFirst:     true,
		Path:           gas.AuthPathTransaction,
	})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(flow.Steps) != 3 {
		t.Fatalf("expected reset, approval and supply steps, got %d", len(flow.Steps))
	}
	if flow.Steps[0].Type != execution.StepTypeReset || flow.Steps[1].Type != execution.StepTypeApproval {
		t.Fatalf("unexpected authorization steps: %s, %s", flow.Steps[0].Type, flow.Steps[1].Type)
	}
	if err := (execution.ApprovalPolicy{}).ValidateAuthorization(flow.Steps[0].Type, flow.Steps[0].Target, mustDecode(t, flow.Steps[0].Data), nil); err != nil {
		t.Fatalf("reset step failed policy: %v", err)
	}
	if err := (execution.ApprovalPolicy{}).ValidateAuthorization(flow.Steps[1].Type, flow.Steps[1].Target, mustDecode(t, flow.Steps[1].Data), params.Amount); err != nil {
		t.Fatalf("approval step failed policy: %v", err)
	}
	final, _ := flow.Final()
	if final.StepID != "aave-supply" || final.Type != execution.StepTypeLend {
		t.Fatalf("unexpected final step %+v", final)
	}
	if final.GasLimit != gas.Baseline(gas.OpSupply) {
		t.Fatalf("expected supply baseline gas, got %d", final.GasLimit)
	}
	if !strings.EqualFold(final.Target, testTargets.Pool.Hex()) {
		t.Fatalf("expected pool target, got %s", final.Target)
	}
	if flow.AuthPath != string(gas.AuthPathTransaction) || flow.Builder != "pool" || flow.AmountBase != "1000000" {
		t.Fatalf("unexpected flow header %+v", flow)
	}
}

func TestPlanNativeBorrowUsesDelegation(t *testing.T) {
	params := testParams(action.Borrow, testWETH)
	grant, err := builder.GrantFor(params)
	if err != nil {
		t.Fatalf("GrantFor failed: %v", err)
	}
	flow, err := Plan(Planned{}, Request{Chain: testChain, Params: params, Grant: grant, Authorize: true, Path: gas.AuthPathBatched})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(flow.Steps) != 2 || flow.Steps[0].Type != execution.StepTypeDelegation {
		t.Fatalf("expected delegation then borrow, got %+v", flow.Steps)
	}
	if !flow.Constraints.Batched {
		t.Fatal("expected batched constraint")
	}
	if !strings.EqualFold(flow.Steps[1].Target, testTargets.Gateway.Hex()) {
		t.Fatalf("expected gateway target, got %s", flow.Steps[1].Target)
	}
	if !strings.HasPrefix(flow.ActionID, "flow_") {
		t.Fatalf("expected generated flow id, got %s", flow.ActionID)
	}
}

func TestPlanPermitSignaturePath(t *testing.T) {
	params := testParams(action.Repay, testUSDC)
	grant, _ := builder.GrantFor(params)

	unsigned, err := Plan(builder.Pool{}, Request{Chain: testChain, Params: params, Grant: grant, Authorize: true, Path: gas.AuthPathSignature})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if unsigned.Steps[0].Type != execution.StepTypePermit || unsigned.Steps[0].Status != execution.StepStatusPending {
		t.Fatalf("expected pending permit step, got %+v", unsigned.Steps[0])
	}

	signed, err := Plan(builder.Pool{}, Request{Chain: testChain, Params: params, Grant: grant, Authorize: true, Path: gas.AuthPathSignature, Permit: testPermit()})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if signed.Steps[0].Status != execution.StepStatusSigned {
		t.Fatalf("expected signed permit step, got %s", signed.Steps[0].Status)
	}
	final, _ := signed.Final()
	if final.GasLimit != gas.Baseline(gas.OpRepayWithPermit) {
		t.Fatalf("expected repayWithPermit baseline, got %d", final.GasLimit)
	}
	if signed.Constraints.Deadline != "1900000000" {
		t.Fatalf("expected permit deadline recorded, got %q", signed.Constraints.Deadline)
	}
}

func TestPlanRejectsPermitForNativeAsset(t *testing.T) {
	params := testParams(action.Supply, testWETH)
	grant := builder.Grant{Kind: action.AuthApprove, Token: common.HexToAddress(testWETH.Address), Spender: testTargets.Pool}
	if _, err := Plan(builder.Pool{}, Request{Chain: testChain, Params: params, Grant: grant, Authorize: true, Path: gas.AuthPathSignature}); err == nil {
		t.Fatal("expected native permit plan to fail")
	}
}

func TestPlanWithoutAuthorization(t *testing.T) {
	params := testParams(action.Withdraw, testUSDC)
	grant, _ := builder.GrantFor(params)
	flow, err := Plan(builder.Pool{}, Request{Chain: testChain, Params: params, Grant: grant, Path: gas.AuthPathTransaction})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(flow.Steps) != 1 || flow.AuthPath != string(gas.AuthPathNone) {
		t.Fatalf("expected a single withdraw step, got %+v", flow.Steps)
	}
}

func mustDecode(t *testing.T, data string) []byte {
	t.Helper()
	call, err := execution.StepCall(execution.ActionStep{Target: testTargets.Pool.Hex(), Data: data})
	if err != nil {
		t.Fatalf("decode step data: %v", err)
	}
	return call.Data
}
