package txflow

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/lendflow/internal/builder"
)

// TransactionState tracks one of the two transactions a flow drives.
type TransactionState struct {
	Hash       common.Hash `json:"hash,omitempty"`
	BatchID    string      `json:"batch_id,omitempty"`
	Submitting bool        `json:"submitting"`
	Confirmed  bool        `json:"confirmed"`
	Err        *FlowError  `json:"error,omitempty"`
}

func (s TransactionState) HasHash() bool {
	return s.Hash != (common.Hash{})
}

// SignedAuthorization is an EIP-2612 permit waiting to be consumed by a
// *WithPermit call. It is valid only for the exact token, spender and amount
// it was signed for.
type SignedAuthorization struct {
	Signature []byte         `json:"signature"`
	V         uint8          `json:"v"`
	R         [32]byte       `json:"r"`
	S         [32]byte       `json:"s"`
	Deadline  time.Time      `json:"deadline"`
	Amount    *big.Int       `json:"amount"`
	Token     common.Address `json:"token"`
	Spender   common.Address `json:"spender"`
}

// Check reports why the signature cannot back a call for amount, or nil.
func (s *SignedAuthorization) Check(token, spender common.Address, amount *big.Int, now time.Time) *FlowError {
	switch {
	case s == nil:
		return newFlowError(StaleSignature, "no permit signature", nil)
	case !now.Before(s.Deadline):
		return newFlowError(StaleSignature, "permit signature expired", nil)
	case s.Token != token || s.Spender != spender:
		return newFlowError(StaleSignature, "permit signature was produced for a different asset", nil)
	case s.Amount == nil || amount == nil || s.Amount.Cmp(amount) != 0:
		return newFlowError(StaleSignature, "permit signature does not match the current amount", nil)
	}
	return nil
}

func (s *SignedAuthorization) Permit() *builder.Permit {
	return &builder.Permit{
		Deadline: big.NewInt(s.Deadline.Unix()),
		V:        s.V,
		R:        s.R,
		S:        s.S,
	}
}
