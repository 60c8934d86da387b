package execution

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/lendflow/internal/errors"
	"github.com/ggonzalez94/lendflow/internal/registry"
)

var (
	policyERC20ABI     = mustPolicyABI(registry.ERC20ABI)
	policyDebtTokenABI = mustPolicyABI(registry.AaveDebtTokenABI)

	policyApproveSelector    = policyERC20ABI.Methods["approve"].ID
	policyDelegationSelector = policyDebtTokenABI.Methods["approveDelegation"].ID
)

// ApprovalPolicy bounds what an authorization step may grant.
type ApprovalPolicy struct {
	AllowMaxApproval bool
}

// ValidateAuthorization checks an approval, reset or delegation step before
// it is sent. The granted amount must not exceed requested unless max
// approvals are allowed; a reset must grant exactly zero.
func (p ApprovalPolicy) ValidateAuthorization(stepType StepType, target string, data []byte, requested *big.Int) error {
	if !common.IsHexAddress(strings.TrimSpace(target)) {
		return clierr.New(clierr.CodeUsage, "invalid step target address")
	}
	var (
		method  abi.Method
		noun    string
		decoded []any
		err     error
	)
	switch stepType {
	case StepTypeApproval, StepTypeReset:
		if len(data) < 4 || !bytes.Equal(data[:4], policyApproveSelector) {
			return clierr.New(clierr.CodeActionPlan, "approval step must use ERC20 approve(spender,amount)")
		}
		method, noun = policyERC20ABI.Methods["approve"], "approval"
	case StepTypeDelegation:
		if len(data) < 4 || !bytes.Equal(data[:4], policyDelegationSelector) {
			return clierr.New(clierr.CodeActionPlan, "delegation step must use approveDelegation(delegatee,amount)")
		}
		method, noun = policyDebtTokenABI.Methods["approveDelegation"], "delegation"
	default:
		return nil
	}
	decoded, err = method.Inputs.Unpack(data[4:])
	if err != nil || len(decoded) != 2 {
		return clierr.New(clierr.CodeActionPlan, noun+" step calldata is invalid")
	}
	spender, ok := toAddress(decoded[0])
	if !ok || spender == (common.Address{}) {
		return clierr.New(clierr.CodeActionPlan, noun+" step has invalid spender")
	}
	amount, ok := toBigInt(decoded[1])
	if !ok || amount.Sign() < 0 {
		return clierr.New(clierr.CodeActionPlan, noun+" step has invalid amount")
	}
	if stepType == StepTypeReset {
		if amount.Sign() != 0 {
			return clierr.New(clierr.CodeActionPlan, "approval reset must approve zero")
		}
		return nil
	}
	if amount.Sign() == 0 {
		return clierr.New(clierr.CodeActionPlan, noun+" step has invalid amount")
	}
	if p.AllowMaxApproval {
		return nil
	}
	if requested == nil || requested.Sign() <= 0 {
		return clierr.New(clierr.CodeActionPlan, "cannot validate "+noun+" bounds without a requested amount; use --allow-max-approval to override")
	}
	if amount.Cmp(requested) > 0 {
		return clierr.New(
			clierr.CodeActionPlan,
			fmt.Sprintf("%s amount %s exceeds requested amount %s; use --allow-max-approval to override", noun, amount.String(), requested.String()),
		)
	}
	return nil
}

func toAddress(v any) (common.Address, bool) {
	switch value := v.(type) {
	case common.Address:
		return value, true
	case *common.Address:
		if value == nil {
			return common.Address{}, false
		}
		return *value, true
	default:
		return common.Address{}, false
	}
}

func toBigInt(v any) (*big.Int, bool) {
	switch value := v.(type) {
	case *big.Int:
		if value == nil {
			return nil, false
		}
		return value, true
	case big.Int:
		cpy := value
		return &cpy, true
	default:
		return nil, false
	}
}

func mustPolicyABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
