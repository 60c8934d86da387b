package discount

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wadOf(t *testing.T, v string) *uint256.Int {
	t.Helper()
	out, err := uint256.FromDecimal(v)
	require.NoError(t, err)
	return out
}

// Golden values follow GhoDiscountRateStrategy.calculateDiscountRate.
func TestCalculateGolden(t *testing.T) {
	cases := []struct {
		name string
		debt string
		stk  string
		want uint64
	}{
		{name: "half covered", debt: "1000000000000000000000", stk: "5000000000000000000", want: 1500},
		{name: "fully covered", debt: "100000000000000000000", stk: "10000000000000000000", want: 3000},
		{name: "exactly covered", debt: "100000000000000000000", stk: "1000000000000000000", want: 3000},
		{name: "stake below minimum", debt: "1000000000000000000000", stk: "100000000000000", want: 0},
		{name: "debt below minimum", debt: "500000000000000000", stk: "5000000000000000000", want: 0},
		{name: "minimum stake", debt: "1000000000000000000", stk: "1000000000000000", want: 300},
		{name: "large debt", debt: "3000000000000000000000", stk: "1000000000000000000", want: 100},
		{name: "uneven ratio", debt: "700000000000000000000", stk: "2000000000000000000", want: 857},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Calculate(wadOf(t, tc.debt), wadOf(t, tc.stk))
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCalculateNilInputs(t *testing.T) {
	assert.Equal(t, uint64(0), Calculate(nil, uint256.NewInt(1)))
	assert.Equal(t, uint64(0), Calculate(uint256.NewInt(1), nil))
}

func TestEffectiveRate(t *testing.T) {
	assert.Equal(t, uint64(700), EffectiveRateBps(1000, 3000))
	assert.Equal(t, uint64(1000), EffectiveRateBps(1000, 0))
	assert.Equal(t, uint64(0), EffectiveRateBps(1000, 10_000))
}
