package execution

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/lendflow/internal/gas"
	"github.com/ggonzalez94/lendflow/internal/wallet"
)

type fakeEstimator struct {
	limits map[string]uint64
	calls  []wallet.Call
}

func (f *fakeEstimator) EstimateGas(_ context.Context, call wallet.Call) (uint64, error) {
	f.calls = append(f.calls, call)
	if limit, ok := f.limits[strings.ToLower(call.To.Hex())]; ok {
		return limit, nil
	}
	return 0, errors.New("execution reverted: allowance")
}

func testQuote() gas.Quote {
	return gas.Quote{
		Tier:    gas.TierNormal,
		BaseFee: big.NewInt(1_000_000_000),
		TipCap:  big.NewInt(2_000_000_000),
		FeeCap:  big.NewInt(4_000_000_000),
	}
}

const (
	estimateToken = "0x00000000000000000000000000000000000000Bb"
	estimatePool  = "0x00000000000000000000000000000000000000cC"
)

func TestEstimateActionGasSingleStep(t *testing.T) {
	est := &fakeEstimator{limits: map[string]uint64{"0x00000000000000000000000000000000000000bb": 21000}}
	action := Action{
		ActionID: "flow_test",
		Steps: []ActionStep{{
			StepID: "approve",
			Type:   StepTypeApproval,
			Target: estimateToken,
			Data:   "0x",
			Value:  "0",
		}},
	}

	estimate, err := EstimateActionGas(context.Background(), est, action, testQuote(), DefaultEstimateOptions())
	if err != nil {
		t.Fatalf("EstimateActionGas failed: %v", err)
	}
	if len(estimate.Steps) != 1 {
		t.Fatalf("expected one estimated step, got %d", len(estimate.Steps))
	}
	step := estimate.Steps[0]
	if step.GasEstimateRaw != "21000" {
		t.Fatalf("expected raw gas 21000, got %s", step.GasEstimateRaw)
	}
	if step.GasLimit != "25200" {
		t.Fatalf("expected gas limit 25200, got %s", step.GasLimit)
	}
	if step.EffectiveGasPriceWei != "3000000000" {
		t.Fatalf("expected effective gas price 3 gwei, got %s", step.EffectiveGasPriceWei)
	}
	if step.LikelyFeeWei != "75600000000000" {
		t.Fatalf("unexpected likely fee: %s", step.LikelyFeeWei)
	}
	if step.WorstCaseFeeWei != "100800000000000" {
		t.Fatalf("unexpected worst-case fee: %s", step.WorstCaseFeeWei)
	}
	if estimate.Tier != gas.TierNormal {
		t.Fatalf("unexpected tier %s", estimate.Tier)
	}
}

func TestEstimateActionGasFallsBackToBaseline(t *testing.T) {
	est := &fakeEstimator{limits: map[string]uint64{"0x00000000000000000000000000000000000000bb": 21000}}
	action := Action{
		ActionID: "flow_test",
		Steps: []ActionStep{
			{StepID: "approve", Type: StepTypeApproval, Target: estimateToken, Data: "0x"},
			{StepID: "permit", Type: StepTypePermit},
			{StepID: "supply", Type: StepTypeLend, Target: estimatePool, Data: "0x617ba037", GasLimit: 300_000},
		},
	}

	estimate, err := EstimateActionGas(context.Background(), est, action, testQuote(), DefaultEstimateOptions())
	if err != nil {
		t.Fatalf("EstimateActionGas failed: %v", err)
	}
	if len(estimate.Steps) != 2 {
		t.Fatalf("expected permit step to be skipped, got %d steps", len(estimate.Steps))
	}
	lend := estimate.Steps[1]
	if lend.Source != "baseline" || lend.GasLimit != "300000" {
		t.Fatalf("expected baseline 300000, got source=%s limit=%s", lend.Source, lend.GasLimit)
	}
	if lend.Error == "" {
		t.Fatal("expected simulation error to be recorded")
	}
	// 25200*3gwei + 300000*3gwei
	if estimate.LikelyFeeWei != "975600000000000" {
		t.Fatalf("unexpected likely total: %s", estimate.LikelyFeeWei)
	}
	if len(est.calls) != 2 || len(est.calls[1].Data) != 4 {
		t.Fatalf("expected decoded calldata to reach the estimator, got %+v", est.calls)
	}
}

func TestEstimateActionGasFailsWithoutBaseline(t *testing.T) {
	action := Action{
		ActionID: "flow_test",
		Steps:    []ActionStep{{StepID: "supply", Type: StepTypeLend, Target: estimatePool, Data: "0x", GasLimit: 300_000}},
	}
	opts := DefaultEstimateOptions()
	opts.Baseline = false
	if _, err := EstimateActionGas(context.Background(), &fakeEstimator{}, action, testQuote(), opts); err == nil {
		t.Fatal("expected simulation failure to surface")
	}
}

func TestEstimateActionGasRejectsLowMultiplier(t *testing.T) {
	action := Action{ActionID: "flow_test", Steps: []ActionStep{{StepID: "s", Target: estimatePool}}}
	_, err := EstimateActionGas(context.Background(), &fakeEstimator{}, action, testQuote(), EstimateOptions{GasMultiplier: 1})
	if err == nil {
		t.Fatal("expected multiplier validation error")
	}
}

func TestStepCallRoundTrip(t *testing.T) {
	step := CallStep(ActionStep{StepID: "x"}, wallet.Call{
		To:    common.HexToAddress(estimatePool),
		Data:  []byte{0xde, 0xad},
		Value: big.NewInt(7),
	})
	if step.Data != "0xdead" || step.Value != "7" {
		t.Fatalf("unexpected rendered step %+v", step)
	}
	call, err := StepCall(step)
	if err != nil {
		t.Fatalf("StepCall failed: %v", err)
	}
	if call.Value.Int64() != 7 || len(call.Data) != 2 {
		t.Fatalf("unexpected decoded call %+v", call)
	}
	step.Value = "-1"
	if _, err := StepCall(step); err == nil {
		t.Fatal("expected negative value to fail")
	}
}
