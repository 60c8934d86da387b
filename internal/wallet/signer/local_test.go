package signer

import (
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const testPrivateKey = "59c6995e998f97a5a0044976f0945388cf9b7e5e5f4f9d2d9d8f1f5b7f6d11d1"

func clearKeyEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{EnvPrivateKey, EnvPrivateKeyFile, EnvKeystorePath, EnvKeystorePassword, EnvKeystorePasswordFile} {
		t.Setenv(key, "")
	}
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
}

func TestNewLocalSignerFromEnvHex(t *testing.T) {
	clearKeyEnv(t)
	t.Setenv(EnvPrivateKey, testPrivateKey)
	s, err := NewLocalSignerFromEnv(KeySourceEnv)
	if err != nil {
		t.Fatalf("NewLocalSignerFromEnv failed: %v", err)
	}
	if s.Address() == (common.Address{}) {
		t.Fatal("expected non-zero signer address")
	}
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   common.Big1,
		To:        ptrAddress(common.HexToAddress("0x0000000000000000000000000000000000000001")),
		Value:     big.NewInt(0),
		Gas:       21_000,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
	})
	signed, err := s.SignTx(common.Big1, tx)
	if err != nil {
		t.Fatalf("SignTx failed: %v", err)
	}
	from, err := types.Sender(types.LatestSignerForChainID(common.Big1), signed)
	if err != nil || from != s.Address() {
		t.Fatalf("expected sender %s, got %s (%v)", s.Address(), from, err)
	}
}

func TestSignHashRecoversAddress(t *testing.T) {
	clearKeyEnv(t)
	s, err := NewLocalSignerFromInputs(KeySourceAuto, testPrivateKey)
	if err != nil {
		t.Fatalf("NewLocalSignerFromInputs failed: %v", err)
	}
	hash := crypto.Keccak256([]byte("permit"))
	sig, err := s.SignHash(hash)
	if err != nil {
		t.Fatalf("SignHash failed: %v", err)
	}
	if len(sig) != 65 || (sig[64] != 27 && sig[64] != 28) {
		t.Fatalf("expected 65-byte signature with v in {27,28}, got len=%d v=%d", len(sig), sig[64])
	}
	raw := append([]byte{}, sig...)
	raw[64] -= 27
	pub, err := crypto.SigToPub(hash, raw)
	if err != nil {
		t.Fatalf("recover pubkey: %v", err)
	}
	if crypto.PubkeyToAddress(*pub) != s.Address() {
		t.Fatal("recovered address does not match signer")
	}
}

func TestNewLocalSignerFromEnvFile(t *testing.T) {
	clearKeyEnv(t)
	keyFile := filepath.Join(t.TempDir(), "key.txt")
	if err := os.WriteFile(keyFile, []byte(testPrivateKey), 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	t.Setenv(EnvPrivateKeyFile, keyFile)

	s, err := NewLocalSignerFromEnv(KeySourceFile)
	if err != nil {
		t.Fatalf("NewLocalSignerFromEnv failed: %v", err)
	}
	if s.Address() == (common.Address{}) {
		t.Fatal("expected non-zero signer address")
	}
}

func TestNewLocalSignerFromEnvAutoUsesDefaultKeyFile(t *testing.T) {
	clearKeyEnv(t)
	cfgDir := t.TempDir()
	keyDir := filepath.Join(cfgDir, "lendflow")
	if err := os.MkdirAll(keyDir, 0o755); err != nil {
		t.Fatalf("create config dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(keyDir, "key.hex"), []byte(testPrivateKey), 0o644); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	t.Setenv("XDG_CONFIG_HOME", cfgDir)

	s, err := NewLocalSignerFromEnv(KeySourceAuto)
	if err != nil {
		t.Fatalf("expected auto key-source to use default key path: %v", err)
	}
	if s.Address() == (common.Address{}) {
		t.Fatal("expected non-zero signer address")
	}
}

func TestNewLocalSignerFromInputsOverrideWinsOverFileSource(t *testing.T) {
	clearKeyEnv(t)
	t.Setenv(EnvPrivateKeyFile, "/tmp/does-not-exist")
	if _, err := NewLocalSignerFromInputs(KeySourceFile, testPrivateKey); err != nil {
		t.Fatalf("expected private key override to win over file key-source: %v", err)
	}
}

func TestDefaultPrivateKeyPathUsesXDGConfigHome(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/lendflow-config-home")
	if got, want := defaultPrivateKeyPath(), "/tmp/lendflow-config-home/lendflow/key.hex"; got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestMissingKeyErrorIncludesHints(t *testing.T) {
	clearKeyEnv(t)
	_, err := NewLocalSignerFromInputs(KeySourceAuto, "")
	if err == nil {
		t.Fatal("expected missing key error")
	}
	msg := err.Error()
	if !strings.Contains(msg, defaultPrivateKeyHintPath) || !strings.Contains(msg, "--private-key") {
		t.Fatalf("expected key path and flag hints, got: %s", msg)
	}
}

func TestUnsupportedKeySource(t *testing.T) {
	if _, err := NewLocalSignerFromInputs("ledger", ""); err == nil {
		t.Fatal("expected unsupported key source error")
	}
}

func ptrAddress(v common.Address) *common.Address { return &v }
