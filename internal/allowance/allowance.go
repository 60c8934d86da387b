package allowance

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Record is the spender allowance the read layer last observed. A record that
// is not Known was invalidated and must be re-read before it can satisfy an
// action.
type Record struct {
	Owner     common.Address
	Spender   common.Address
	Asset     common.Address
	Approved  *uint256.Int
	Unlimited bool
	Known     bool
	FetchedAt time.Time
}

// Pending is the amount covered by a signed permit that has not been
// consumed yet.
type Pending struct {
	Amount    *uint256.Int
	Unlimited bool
}

var maxUint256 = new(uint256.Int).SetAllOne()

// FromOnChain builds a known record from an allowance(owner, spender) read.
// An allowance of MaxUint256 is the conventional "unlimited" approval.
func FromOnChain(owner, spender, asset common.Address, value *big.Int, at time.Time) Record {
	approved := new(uint256.Int)
	if value != nil && value.Sign() > 0 {
		if overflow := approved.SetFromBig(value); overflow {
			approved.SetAllOne()
		}
	}
	return Record{
		Owner:     owner,
		Spender:   spender,
		Asset:     asset,
		Approved:  approved,
		Unlimited: approved.Eq(maxUint256),
		Known:     true,
		FetchedAt: at,
	}
}

// Invalidate clears the record to unknown, forcing a fresh read.
func (r Record) Invalidate() Record {
	r.Known = false
	r.Approved = nil
	r.Unlimited = false
	return r
}

func (r Record) approved() *uint256.Int {
	if !r.Known || r.Approved == nil {
		return new(uint256.Int)
	}
	return r.Approved
}

// NeedsAuthorization reports whether an approval or permit is still required
// for requested. It is false when the recorded allowance is unlimited, when a
// non-zero recorded allowance covers requested, or when a pending signature
// is unlimited or covers requested.
func NeedsAuthorization(rec Record, requested *uint256.Int, pending *Pending) bool {
	if requested == nil {
		requested = new(uint256.Int)
	}
	if rec.Known && rec.Unlimited {
		return false
	}
	approved := rec.approved()
	if !approved.IsZero() && approved.Cmp(requested) >= 0 {
		return false
	}
	if pending != nil {
		if pending.Unlimited {
			return false
		}
		if pending.Amount != nil && pending.Amount.Cmp(requested) >= 0 {
			return false
		}
	}
	return true
}

// RequiresReset reports whether a token that rejects non-zero to non-zero
// approval changes needs approve(0) before the new approval.
func RequiresReset(rec Record, requested *uint256.Int, resetRequired bool) bool {
	if !resetRequired || !rec.Known || rec.Unlimited {
		return false
	}
	if rec.approved().IsZero() {
		return false
	}
	return NeedsAuthorization(rec, requested, nil)
}

// FromBig converts a non-negative big.Int into a uint256, saturating at
// MaxUint256.
func FromBig(v *big.Int) *uint256.Int {
	out := new(uint256.Int)
	if v == nil || v.Sign() <= 0 {
		return out
	}
	if overflow := out.SetFromBig(v); overflow {
		out.SetAllOne()
	}
	return out
}
