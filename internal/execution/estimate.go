package execution

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	clierr "github.com/ggonzalez94/lendflow/internal/errors"
	"github.com/ggonzalez94/lendflow/internal/gas"
	"github.com/ggonzalez94/lendflow/internal/wallet"
)

// GasEstimator is the gateway subset estimation needs.
type GasEstimator interface {
	EstimateGas(ctx context.Context, call wallet.Call) (uint64, error)
}

type EstimateOptions struct {
	GasMultiplier float64
	// Baseline falls back to the planned gas limit when simulation fails,
	// which is expected for an action whose approval has not landed yet.
	Baseline bool
}

type ActionGasEstimate struct {
	ActionID        string                  `json:"action_id"`
	EstimatedAt     string                  `json:"estimated_at"`
	Tier            gas.Tier                `json:"tier"`
	Steps           []ActionGasEstimateStep `json:"steps"`
	LikelyFeeWei    string                  `json:"likely_fee_wei"`
	WorstCaseFeeWei string                  `json:"worst_case_fee_wei"`
}

type ActionGasEstimateStep struct {
	StepID                  string   `json:"step_id"`
	Type                    StepType `json:"type"`
	Source                  string   `json:"source"`
	GasEstimateRaw          string   `json:"gas_estimate_raw,omitempty"`
	GasLimit                string   `json:"gas_limit"`
	BaseFeePerGasWei        string   `json:"base_fee_per_gas_wei"`
	MaxPriorityFeePerGasWei string   `json:"max_priority_fee_per_gas_wei"`
	MaxFeePerGasWei         string   `json:"max_fee_per_gas_wei"`
	EffectiveGasPriceWei    string   `json:"effective_gas_price_wei"`
	LikelyFeeWei            string   `json:"likely_fee_wei"`
	WorstCaseFeeWei         string   `json:"worst_case_fee_wei"`
	Error                   string   `json:"error,omitempty"`
}

func DefaultEstimateOptions() EstimateOptions {
	return EstimateOptions{GasMultiplier: 1.2, Baseline: true}
}

// EstimateActionGas prices every transaction step of a planned flow at the
// given fee quote. Signature steps cost nothing and are skipped.
func EstimateActionGas(ctx context.Context, est GasEstimator, action Action, quote gas.Quote, opts EstimateOptions) (ActionGasEstimate, error) {
	if strings.TrimSpace(action.ActionID) == "" {
		return ActionGasEstimate{}, clierr.New(clierr.CodeUsage, "missing action id")
	}
	if len(action.Steps) == 0 {
		return ActionGasEstimate{}, clierr.New(clierr.CodeUsage, "action has no executable steps")
	}
	if opts.GasMultiplier <= 1 {
		return ActionGasEstimate{}, clierr.New(clierr.CodeUsage, "--gas-multiplier must be > 1")
	}
	if quote.BaseFee == nil || quote.TipCap == nil || quote.FeeCap == nil {
		return ActionGasEstimate{}, clierr.New(clierr.CodeInternal, "incomplete fee quote")
	}

	likelyTotal := new(big.Int)
	worstTotal := new(big.Int)
	out := make([]ActionGasEstimateStep, 0, len(action.Steps))
	for _, step := range action.Steps {
		if step.Type == StepTypePermit {
			continue
		}
		call, err := StepCall(step)
		if err != nil {
			return ActionGasEstimate{}, err
		}

		item := ActionGasEstimateStep{StepID: step.StepID, Type: step.Type, Source: "simulation"}
		var limit uint64
		raw, err := est.EstimateGas(ctx, call)
		switch {
		case err == nil:
			item.GasEstimateRaw = strconvUint64(raw)
			limit = gas.ApplyMultiplier(raw, opts.GasMultiplier)
		case opts.Baseline && step.GasLimit > 0:
			item.Source = "baseline"
			item.Error = err.Error()
			limit = step.GasLimit
		default:
			return ActionGasEstimate{}, clierr.Wrap(clierr.CodeActionSim, fmt.Sprintf("estimate gas for step %s", step.StepID), err)
		}
		if limit == 0 {
			return ActionGasEstimate{}, clierr.New(clierr.CodeActionSim, "estimate gas returned zero")
		}

		fee := gas.EstimateFee(limit, quote)
		item.GasLimit = strconvUint64(limit)
		item.BaseFeePerGasWei = quote.BaseFee.String()
		item.MaxPriorityFeePerGasWei = quote.TipCap.String()
		item.MaxFeePerGasWei = quote.FeeCap.String()
		item.EffectiveGasPriceWei = fee.EffectiveGasPriceWei.String()
		item.LikelyFeeWei = fee.LikelyFeeWei.String()
		item.WorstCaseFeeWei = fee.WorstCaseFeeWei.String()
		likelyTotal.Add(likelyTotal, fee.LikelyFeeWei)
		worstTotal.Add(worstTotal, fee.WorstCaseFeeWei)
		out = append(out, item)
	}

	return ActionGasEstimate{
		ActionID:        action.ActionID,
		EstimatedAt:     time.Now().UTC().Format(time.RFC3339),
		Tier:            quote.Tier,
		Steps:           out,
		LikelyFeeWei:    likelyTotal.String(),
		WorstCaseFeeWei: worstTotal.String(),
	}, nil
}

// StepCall decodes a persisted step back into a call.
func StepCall(step ActionStep) (wallet.Call, error) {
	target := strings.TrimSpace(step.Target)
	if !common.IsHexAddress(target) {
		return wallet.Call{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("step %s has invalid target address", step.StepID))
	}
	data, err := hexutil.Decode(normalizeHex(step.Data))
	if err != nil {
		return wallet.Call{}, clierr.Wrap(clierr.CodeUsage, "decode step calldata", err)
	}
	value, err := parseNonNegativeBaseUnits(step.Value)
	if err != nil {
		return wallet.Call{}, clierr.Wrap(clierr.CodeUsage, "parse step value", err)
	}
	return wallet.Call{To: common.HexToAddress(target), Data: data, Value: value}, nil
}

// CallStep renders a call into the persisted step fields.
func CallStep(step ActionStep, call wallet.Call) ActionStep {
	step.Target = call.To.Hex()
	step.Data = hexutil.Encode(call.Data)
	step.Value = call.ValueOrZero().String()
	return step
}

func normalizeHex(v string) string {
	clean := strings.TrimSpace(v)
	if clean == "" || clean == "0x" {
		return "0x"
	}
	if !strings.HasPrefix(clean, "0x") {
		return "0x" + clean
	}
	return clean
}

func parseNonNegativeBaseUnits(raw string) (*big.Int, error) {
	clean := strings.TrimSpace(raw)
	if clean == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(clean, 10)
	if !ok {
		return nil, fmt.Errorf("invalid base-units integer")
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("value must be non-negative")
	}
	return value, nil
}

func strconvUint64(v uint64) string {
	return new(big.Int).SetUint64(v).String()
}
