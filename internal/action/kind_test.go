package action

import "testing"

func TestParseAcceptsAliases(t *testing.T) {
	cases := map[string]Kind{
		"supply":          Supply,
		" Repay ":         Repay,
		"claim":           ClaimRewards,
		"claim-rewards":   ClaimRewards,
		"swap_collateral": SwapCollateral,
	}
	for in, want := range cases {
		got, err := Parse(in)
		if err != nil {
			t.Fatalf("Parse(%q) failed: %v", in, err)
		}
		if got != want {
			t.Fatalf("Parse(%q) = %s, want %s", in, got, want)
		}
	}
	if _, err := Parse("flashloan"); err == nil {
		t.Fatal("expected unsupported kind error")
	}
}

func TestAuthorizationByKind(t *testing.T) {
	if got := Supply.Authorization(false); got != AuthApprove {
		t.Fatalf("erc20 supply: got %s", got)
	}
	if got := Supply.Authorization(true); got != AuthNone {
		t.Fatalf("native supply: got %s", got)
	}
	if got := Withdraw.Authorization(true); got != AuthApprove {
		t.Fatalf("native withdraw: got %s", got)
	}
	if got := Borrow.Authorization(true); got != AuthDelegation {
		t.Fatalf("native borrow: got %s", got)
	}
	if got := Borrow.Authorization(false); got != AuthNone {
		t.Fatalf("erc20 borrow: got %s", got)
	}
	if got := ClaimRewards.Authorization(false); got != AuthNone {
		t.Fatalf("claim: got %s", got)
	}
}

func TestExecutableKinds(t *testing.T) {
	if SwapCollateral.Executable() || RepayCollateral.Executable() {
		t.Fatal("swap kinds must not be executable")
	}
	if !Stake.Executable() {
		t.Fatal("stake must be executable")
	}
}
