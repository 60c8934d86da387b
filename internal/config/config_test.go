package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func isolate(t *testing.T) string {
	t.Helper()
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmp, "config"))
	t.Setenv("XDG_CACHE_HOME", filepath.Join(tmp, "cache"))
	t.Setenv("LENDFLOW_CONFIG", "")
	return tmp
}

func TestLoadPrecedenceFlagsOverEnvOverFile(t *testing.T) {
	tmp := isolate(t)
	configPath := filepath.Join(tmp, "config.yaml")
	if err := os.WriteFile(configPath, []byte("output: plain\nretries: 1\ngas:\n  tier: slow\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("LENDFLOW_OUTPUT", "json")
	t.Setenv("LENDFLOW_FEE_TIER", "fast")
	flags := GlobalFlags{ConfigPath: configPath, Plain: true, Retries: 5}
	settings, err := Load(flags)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if settings.OutputMode != "plain" {
		t.Fatalf("expected flag to win, got output=%s", settings.OutputMode)
	}
	if settings.Retries != 5 {
		t.Fatalf("expected retries from flags, got %d", settings.Retries)
	}
	if settings.FeeTier != "fast" {
		t.Fatalf("expected env to override file tier, got %s", settings.FeeTier)
	}
}

func TestLoadMutuallyExclusiveOutputFlags(t *testing.T) {
	isolate(t)
	_, err := Load(GlobalFlags{JSON: true, Plain: true, Retries: -1})
	if err == nil {
		t.Fatal("expected error with --json and --plain")
	}
}

func TestLoadDefaults(t *testing.T) {
	tmp := isolate(t)
	settings, err := Load(GlobalFlags{Retries: -1})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if settings.Retries != 2 {
		t.Fatalf("expected default retries, got %d", settings.Retries)
	}
	if !strings.HasPrefix(settings.FlowStorePath, filepath.Join(tmp, "cache", "lendflow")) {
		t.Fatalf("unexpected flow store path %s", settings.FlowStorePath)
	}
	if settings.WalletMode != WalletLocal || settings.Builder != BuilderPool {
		t.Fatalf("unexpected wallet/builder defaults: %s/%s", settings.WalletMode, settings.Builder)
	}
	if !settings.Batching || settings.SafeHealthFactor.String() != "1.5" {
		t.Fatalf("unexpected engine defaults: batching=%v hf=%s", settings.Batching, settings.SafeHealthFactor)
	}
	if settings.RepayBufferBps != 25 || settings.PreviewDebounce != 300*time.Millisecond {
		t.Fatalf("unexpected repay buffer or debounce: %d %s", settings.RepayBufferBps, settings.PreviewDebounce)
	}
}

func TestLoadEngineSectionFromFile(t *testing.T) {
	tmp := isolate(t)
	configPath := filepath.Join(tmp, "config.yaml")
	body := `
engine:
  builder: planned
  approval_mode: signature
  batching: false
  safe_health_factor: "1.8"
  repay_buffer_bps: 50
  preview_debounce: 1s
flows:
  path: /tmp/flows.db
wallet:
  mode: remote
  url: http://127.0.0.1:8545
`
	if err := os.WriteFile(configPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	settings, err := Load(GlobalFlags{ConfigPath: configPath, Retries: -1})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if settings.Builder != BuilderPlanned || settings.ApprovalMode != "signature" || settings.Batching {
		t.Fatalf("unexpected engine settings: %+v", settings)
	}
	if settings.SafeHealthFactor.String() != "1.8" || settings.RepayBufferBps != 50 {
		t.Fatalf("unexpected thresholds: %s %d", settings.SafeHealthFactor, settings.RepayBufferBps)
	}
	if settings.PreviewDebounce != time.Second {
		t.Fatalf("unexpected debounce %s", settings.PreviewDebounce)
	}
	if settings.FlowStorePath != "/tmp/flows.db" {
		t.Fatalf("unexpected flow store path %s", settings.FlowStorePath)
	}
	if settings.WalletMode != WalletRemote || settings.WalletURL != "http://127.0.0.1:8545" {
		t.Fatalf("unexpected wallet settings: %s %s", settings.WalletMode, settings.WalletURL)
	}
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	isolate(t)
	cases := map[string]GlobalFlags{
		"wallet mode":    {Wallet: "ledger", Retries: -1},
		"remote no url":  {Wallet: "remote", Retries: -1},
		"builder":        {Builder: "legacy", Retries: -1},
		"health factor":  {SafeHF: "0.9", Retries: -1},
		"bad hf literal": {SafeHF: "abc", Retries: -1},
		"bad timeout":    {Timeout: "soon", Retries: -1},
	}
	for name, flags := range cases {
		if _, err := Load(flags); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestGweiFlagSelectsCustomTier(t *testing.T) {
	isolate(t)
	settings, err := Load(GlobalFlags{Gwei: "3.5", Retries: -1})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if settings.FeeTier != "custom" || settings.CustomGwei != "3.5" {
		t.Fatalf("unexpected fee selection %s %s", settings.FeeTier, settings.CustomGwei)
	}
}
