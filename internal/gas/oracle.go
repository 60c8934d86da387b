package gas

import (
	"context"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum"
)

const (
	feeHistoryBlocks = 10

	fallbackTipWei     = 2_000_000_000
	fallbackBaseFeeWei = 1_000_000_000
)

var tierPercentiles = []float64{10, 50, 90}

// FeeSource is the subset of ethclient.Client the oracle reads.
type FeeSource interface {
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	FeeHistory(ctx context.Context, blockCount uint64, lastBlock *big.Int, rewardPercentiles []float64) (*ethereum.FeeHistory, error)
}

// Quote is an EIP-1559 price for one tier.
type Quote struct {
	Tier       Tier     `json:"tier"`
	BaseFee    *big.Int `json:"base_fee_per_gas_wei"`
	TipCap     *big.Int `json:"max_priority_fee_per_gas_wei"`
	FeeCap     *big.Int `json:"max_fee_per_gas_wei"`
	CustomGwei string   `json:"custom_gwei,omitempty"`
}

// Oracle prices the slow, normal and fast tiers from recent fee history.
type Oracle struct {
	source FeeSource
}

func NewOracle(source FeeSource) *Oracle {
	return &Oracle{source: source}
}

// Tiers quotes all preset tiers. Fee history failures fall back to the node
// tip suggestion, and then to fixed defaults.
func (o *Oracle) Tiers(ctx context.Context) (map[Tier]Quote, error) {
	baseFee := big.NewInt(fallbackBaseFeeWei)
	tips := map[Tier]*big.Int{}

	history, err := o.source.FeeHistory(ctx, feeHistoryBlocks, nil, tierPercentiles)
	if err == nil && history != nil {
		if n := len(history.BaseFee); n > 0 && history.BaseFee[n-1] != nil {
			baseFee = new(big.Int).Set(history.BaseFee[n-1])
		}
		for i, tier := range []Tier{TierSlow, TierNormal, TierFast} {
			if tip := medianReward(history.Reward, i); tip != nil {
				tips[tier] = tip
			}
		}
	}
	if len(tips) < 3 {
		suggested, err := o.source.SuggestGasTipCap(ctx)
		if err != nil || suggested == nil {
			suggested = big.NewInt(fallbackTipWei)
		}
		tips[TierSlow] = new(big.Int).Div(new(big.Int).Mul(suggested, big.NewInt(8)), big.NewInt(10))
		tips[TierNormal] = new(big.Int).Set(suggested)
		tips[TierFast] = new(big.Int).Div(new(big.Int).Mul(suggested, big.NewInt(15)), big.NewInt(10))
	}

	out := make(map[Tier]Quote, 3)
	for _, tier := range []Tier{TierSlow, TierNormal, TierFast} {
		out[tier] = Quote{Tier: tier, BaseFee: baseFee, TipCap: tips[tier], FeeCap: feeCap(baseFee, tips[tier])}
	}
	return out, nil
}

// Quote prices the selector's current tier. A custom value is used as the
// fee cap and bounds the tip.
func (o *Oracle) Quote(ctx context.Context, sel *Selector) (Quote, error) {
	tiers, err := o.Tiers(ctx)
	if err != nil {
		return Quote{}, err
	}
	tier, custom := sel.Current()
	if tier != TierCustom {
		return tiers[tier], nil
	}
	capWei, err := ParseGwei(custom)
	if err != nil {
		return Quote{}, err
	}
	normal := tiers[TierNormal]
	tip := new(big.Int).Set(normal.TipCap)
	if tip.Cmp(capWei) > 0 {
		tip = new(big.Int).Set(capWei)
	}
	return Quote{Tier: TierCustom, BaseFee: normal.BaseFee, TipCap: tip, FeeCap: capWei, CustomGwei: custom}, nil
}

// feeCap leaves room for two full base fee increases on top of the tip.
func feeCap(baseFee, tip *big.Int) *big.Int {
	out := new(big.Int).Mul(baseFee, big.NewInt(2))
	return out.Add(out, tip)
}

func medianReward(rewards [][]*big.Int, idx int) *big.Int {
	values := make([]*big.Int, 0, len(rewards))
	for _, row := range rewards {
		if idx < len(row) && row[idx] != nil {
			values = append(values, row[idx])
		}
	}
	if len(values) == 0 {
		return nil
	}
	sort.Slice(values, func(i, j int) bool { return values[i].Cmp(values[j]) < 0 })
	return new(big.Int).Set(values[len(values)/2])
}

// FeeEstimate is the expected and worst-case cost of a gas limit at a quote.
type FeeEstimate struct {
	GasLimit             uint64   `json:"gas_limit"`
	EffectiveGasPriceWei *big.Int `json:"effective_gas_price_wei"`
	LikelyFeeWei         *big.Int `json:"likely_fee_wei"`
	WorstCaseFeeWei      *big.Int `json:"worst_case_fee_wei"`
}

func EstimateFee(limit uint64, q Quote) FeeEstimate {
	effective := new(big.Int).Add(q.BaseFee, q.TipCap)
	if effective.Cmp(q.FeeCap) > 0 {
		effective = new(big.Int).Set(q.FeeCap)
	}
	gasLimit := new(big.Int).SetUint64(limit)
	return FeeEstimate{
		GasLimit:             limit,
		EffectiveGasPriceWei: effective,
		LikelyFeeWei:         new(big.Int).Mul(gasLimit, effective),
		WorstCaseFeeWei:      new(big.Int).Mul(gasLimit, q.FeeCap),
	}
}
