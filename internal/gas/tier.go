package gas

import (
	"fmt"
	"math/big"
	"strings"
	"sync"

	clierr "github.com/ggonzalez94/lendflow/internal/errors"
)

// Tier is a fee speed selection.
type Tier string

const (
	TierSlow   Tier = "slow"
	TierNormal Tier = "normal"
	TierFast   Tier = "fast"
	TierCustom Tier = "custom"
)

func ParseTier(input string) (Tier, error) {
	switch Tier(strings.ToLower(strings.TrimSpace(input))) {
	case "", TierNormal:
		return TierNormal, nil
	case TierSlow:
		return TierSlow, nil
	case TierFast:
		return TierFast, nil
	case TierCustom:
		return TierCustom, nil
	default:
		return "", clierr.New(clierr.CodeUsage, fmt.Sprintf("fee tier must be one of slow|normal|fast|custom, got %q", input))
	}
}

// Selector holds the fee tier a flow will price with. It starts at normal and
// only changes through Select.
type Selector struct {
	mu         sync.Mutex
	tier       Tier
	customGwei string
	onChange   []func(Tier)
}

func NewSelector() *Selector {
	return &Selector{tier: TierNormal}
}

// Select switches tier. The custom tier requires a gwei value that parses as
// a number; no lower or upper bound is enforced.
func (s *Selector) Select(tier Tier, customGwei string) error {
	switch tier {
	case TierSlow, TierNormal, TierFast:
		customGwei = ""
	case TierCustom:
		if _, err := ParseGwei(customGwei); err != nil {
			return clierr.Wrap(clierr.CodeUsage, "parse custom gwei", err)
		}
	default:
		return clierr.New(clierr.CodeUsage, fmt.Sprintf("unknown fee tier %q", tier))
	}
	s.mu.Lock()
	changed := s.tier != tier || s.customGwei != strings.TrimSpace(customGwei)
	s.tier = tier
	s.customGwei = strings.TrimSpace(customGwei)
	hooks := append([]func(Tier){}, s.onChange...)
	s.mu.Unlock()
	if changed {
		for _, fn := range hooks {
			fn(tier)
		}
	}
	return nil
}

func (s *Selector) Current() (Tier, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tier, s.customGwei
}

// OnChange registers fn to run after every effective tier change.
func (s *Selector) OnChange(fn func(Tier)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// ParseGwei converts a decimal gwei string into wei, dropping sub-wei digits.
func ParseGwei(v string) (*big.Int, error) {
	clean := strings.TrimSpace(v)
	if clean == "" {
		return nil, fmt.Errorf("empty gwei value")
	}
	rat, ok := new(big.Rat).SetString(clean)
	if !ok {
		return nil, fmt.Errorf("invalid numeric value %q", v)
	}
	rat.Mul(rat, big.NewRat(1_000_000_000, 1))
	return new(big.Int).Quo(rat.Num(), rat.Denom()), nil
}
