package signer

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type Signer interface {
	Address() common.Address
	SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error)
	// SignHash returns a 65-byte [R || S || V] signature with V in {27, 28}.
	SignHash(hash []byte) ([]byte, error)
}
