package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	WalletLocal  = "local"
	WalletRemote = "remote"

	BuilderPool    = "pool"
	BuilderPlanned = "planned"
)

type GlobalFlags struct {
	ConfigPath     string
	JSON           bool
	Plain          bool
	Select         string
	ResultsOnly    bool
	EnableCommands string
	Timeout        string
	Retries        int
	NoCache        bool
	RPCURL         string
	Wallet         string
	WalletURL      string
	Builder        string
	ApprovalMode   string
	NoBatching     bool
	SafeHF         string
	FeeTier        string
	Gwei           string
	LogLevel       string
	MetricsFile    string
}

type Settings struct {
	OutputMode       string
	SelectFields     []string
	ResultsOnly      bool
	EnableCommands   []string
	Timeout          time.Duration
	Retries          int
	CacheEnabled     bool
	CachePath        string
	CacheLockPath    string
	CacheTTL         time.Duration
	FlowStorePath    string
	FlowLockPath     string
	RPCURL           string
	WalletMode       string
	WalletURL        string
	KeySource        string
	Builder          string
	ApprovalMode     string
	Batching         bool
	SafeHealthFactor decimal.Decimal
	RepayBufferBps   int64
	PreviewDebounce  time.Duration
	GasMultiplier    float64
	FeeTier          string
	CustomGwei       string
	AllowMaxApproval bool
	MetricsTextfile  string
	LogLevel         string
}

type fileConfig struct {
	Output  string `yaml:"output"`
	Timeout string `yaml:"timeout"`
	Retries *int   `yaml:"retries"`
	Cache   struct {
		Enabled  *bool  `yaml:"enabled"`
		TTL      string `yaml:"ttl"`
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"cache"`
	Flows struct {
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"flows"`
	RPCURL string `yaml:"rpc_url"`
	Wallet struct {
		Mode      string `yaml:"mode"`
		URL       string `yaml:"url"`
		URLEnv    string `yaml:"url_env"`
		KeySource string `yaml:"key_source"`
	} `yaml:"wallet"`
	Engine struct {
		Builder          string `yaml:"builder"`
		ApprovalMode     string `yaml:"approval_mode"`
		Batching         *bool  `yaml:"batching"`
		SafeHealthFactor string `yaml:"safe_health_factor"`
		RepayBufferBps   *int64 `yaml:"repay_buffer_bps"`
		PreviewDebounce  string `yaml:"preview_debounce"`
		AllowMaxApproval *bool  `yaml:"allow_max_approval"`
	} `yaml:"engine"`
	Gas struct {
		Multiplier *float64 `yaml:"multiplier"`
		Tier       string   `yaml:"tier"`
		CustomGwei string   `yaml:"custom_gwei"`
	} `yaml:"gas"`
	Metrics struct {
		Textfile string `yaml:"textfile"`
	} `yaml:"metrics"`
	LogLevel string `yaml:"log_level"`
}

func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}

	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}

	applyEnv(&settings)

	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 30 * time.Second
	}
	if settings.Retries < 0 {
		settings.Retries = 0
	}
	if settings.CacheTTL <= 0 {
		settings.CacheTTL = 30 * time.Second
	}
	if settings.GasMultiplier <= 1 {
		settings.GasMultiplier = 1.2
	}
	if settings.RepayBufferBps < 0 {
		settings.RepayBufferBps = 0
	}

	return settings, validate(settings)
}

func defaultSettings() (Settings, error) {
	cachePath, lockPath, err := defaultCachePaths()
	if err != nil {
		return Settings{}, err
	}
	cacheDir := filepath.Dir(cachePath)
	return Settings{
		OutputMode:       "json",
		Timeout:          30 * time.Second,
		Retries:          2,
		CacheEnabled:     true,
		CachePath:        cachePath,
		CacheLockPath:    lockPath,
		CacheTTL:         30 * time.Second,
		FlowStorePath:    filepath.Join(cacheDir, "flows.db"),
		FlowLockPath:     filepath.Join(cacheDir, "flows.lock"),
		WalletMode:       WalletLocal,
		KeySource:        "auto",
		Builder:          BuilderPool,
		ApprovalMode:     "auto",
		Batching:         true,
		SafeHealthFactor: decimal.RequireFromString("1.5"),
		RepayBufferBps:   25,
		PreviewDebounce:  300 * time.Millisecond,
		GasMultiplier:    1.2,
		FeeTier:          "normal",
		LogLevel:         "warn",
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	if v := os.Getenv("LENDFLOW_CONFIG"); v != "" {
		return v, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "lendflow", "config.yaml"), nil
}

func defaultCachePaths() (string, string, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", "", err
		}
		base = filepath.Join(home, ".cache")
	}
	dir := filepath.Join(base, "lendflow")
	return filepath.Join(dir, "cache.db"), filepath.Join(dir, "cache.lock"), nil
}

func applyFileConfig(path string, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.Output != "" {
		settings.OutputMode = strings.ToLower(cfg.Output)
	}
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return fmt.Errorf("config timeout: %w", err)
		}
		settings.Timeout = d
	}
	if cfg.Retries != nil {
		settings.Retries = *cfg.Retries
	}
	if cfg.Cache.Enabled != nil {
		settings.CacheEnabled = *cfg.Cache.Enabled
	}
	if cfg.Cache.TTL != "" {
		d, err := time.ParseDuration(cfg.Cache.TTL)
		if err != nil {
			return fmt.Errorf("config cache.ttl: %w", err)
		}
		settings.CacheTTL = d
	}
	if cfg.Cache.Path != "" {
		settings.CachePath = cfg.Cache.Path
	}
	if cfg.Cache.LockPath != "" {
		settings.CacheLockPath = cfg.Cache.LockPath
	}
	if cfg.Flows.Path != "" {
		settings.FlowStorePath = cfg.Flows.Path
	}
	if cfg.Flows.LockPath != "" {
		settings.FlowLockPath = cfg.Flows.LockPath
	}
	if cfg.RPCURL != "" {
		settings.RPCURL = cfg.RPCURL
	}
	if cfg.Wallet.Mode != "" {
		settings.WalletMode = strings.ToLower(cfg.Wallet.Mode)
	}
	if cfg.Wallet.URL != "" {
		settings.WalletURL = cfg.Wallet.URL
	}
	if cfg.Wallet.URLEnv != "" {
		settings.WalletURL = os.Getenv(cfg.Wallet.URLEnv)
	}
	if cfg.Wallet.KeySource != "" {
		settings.KeySource = strings.ToLower(cfg.Wallet.KeySource)
	}
	if cfg.Engine.Builder != "" {
		settings.Builder = strings.ToLower(cfg.Engine.Builder)
	}
	if cfg.Engine.ApprovalMode != "" {
		settings.ApprovalMode = strings.ToLower(cfg.Engine.ApprovalMode)
	}
	if cfg.Engine.Batching != nil {
		settings.Batching = *cfg.Engine.Batching
	}
	if cfg.Engine.SafeHealthFactor != "" {
		hf, err := decimal.NewFromString(cfg.Engine.SafeHealthFactor)
		if err != nil {
			return fmt.Errorf("config engine.safe_health_factor: %w", err)
		}
		settings.SafeHealthFactor = hf
	}
	if cfg.Engine.RepayBufferBps != nil {
		settings.RepayBufferBps = *cfg.Engine.RepayBufferBps
	}
	if cfg.Engine.PreviewDebounce != "" {
		d, err := time.ParseDuration(cfg.Engine.PreviewDebounce)
		if err != nil {
			return fmt.Errorf("config engine.preview_debounce: %w", err)
		}
		settings.PreviewDebounce = d
	}
	if cfg.Engine.AllowMaxApproval != nil {
		settings.AllowMaxApproval = *cfg.Engine.AllowMaxApproval
	}
	if cfg.Gas.Multiplier != nil {
		settings.GasMultiplier = *cfg.Gas.Multiplier
	}
	if cfg.Gas.Tier != "" {
		settings.FeeTier = strings.ToLower(cfg.Gas.Tier)
	}
	if cfg.Gas.CustomGwei != "" {
		settings.CustomGwei = cfg.Gas.CustomGwei
	}
	if cfg.Metrics.Textfile != "" {
		settings.MetricsTextfile = cfg.Metrics.Textfile
	}
	if cfg.LogLevel != "" {
		settings.LogLevel = strings.ToLower(cfg.LogLevel)
	}

	return nil
}

func applyEnv(settings *Settings) {
	if v := os.Getenv("LENDFLOW_OUTPUT"); v != "" {
		settings.OutputMode = strings.ToLower(v)
	}
	if v := os.Getenv("LENDFLOW_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.Timeout = d
		}
	}
	if v := os.Getenv("LENDFLOW_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.Retries = n
		}
	}
	if v := os.Getenv("LENDFLOW_NO_CACHE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.CacheEnabled = !b
		}
	}
	if v := os.Getenv("LENDFLOW_CACHE_PATH"); v != "" {
		settings.CachePath = v
	}
	if v := os.Getenv("LENDFLOW_CACHE_LOCK_PATH"); v != "" {
		settings.CacheLockPath = v
	}
	if v := os.Getenv("LENDFLOW_FLOWS_PATH"); v != "" {
		settings.FlowStorePath = v
	}
	if v := os.Getenv("LENDFLOW_FLOWS_LOCK_PATH"); v != "" {
		settings.FlowLockPath = v
	}
	if v := os.Getenv("LENDFLOW_RPC_URL"); v != "" {
		settings.RPCURL = v
	}
	if v := os.Getenv("LENDFLOW_WALLET"); v != "" {
		settings.WalletMode = strings.ToLower(v)
	}
	if v := os.Getenv("LENDFLOW_WALLET_URL"); v != "" {
		settings.WalletURL = v
	}
	if v := os.Getenv("LENDFLOW_KEY_SOURCE"); v != "" {
		settings.KeySource = strings.ToLower(v)
	}
	if v := os.Getenv("LENDFLOW_BUILDER"); v != "" {
		settings.Builder = strings.ToLower(v)
	}
	if v := os.Getenv("LENDFLOW_APPROVAL_MODE"); v != "" {
		settings.ApprovalMode = strings.ToLower(v)
	}
	if v := os.Getenv("LENDFLOW_BATCHING"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.Batching = b
		}
	}
	if v := os.Getenv("LENDFLOW_SAFE_HEALTH_FACTOR"); v != "" {
		if hf, err := decimal.NewFromString(v); err == nil {
			settings.SafeHealthFactor = hf
		}
	}
	if v := os.Getenv("LENDFLOW_REPAY_BUFFER_BPS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			settings.RepayBufferBps = n
		}
	}
	if v := os.Getenv("LENDFLOW_PREVIEW_DEBOUNCE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.PreviewDebounce = d
		}
	}
	if v := os.Getenv("LENDFLOW_GAS_MULTIPLIER"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			settings.GasMultiplier = f
		}
	}
	if v := os.Getenv("LENDFLOW_FEE_TIER"); v != "" {
		settings.FeeTier = strings.ToLower(v)
	}
	if v := os.Getenv("LENDFLOW_CUSTOM_GWEI"); v != "" {
		settings.CustomGwei = v
	}
	if v := os.Getenv("LENDFLOW_ALLOW_MAX_APPROVAL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.AllowMaxApproval = b
		}
	}
	if v := os.Getenv("LENDFLOW_METRICS_TEXTFILE"); v != "" {
		settings.MetricsTextfile = v
	}
	if v := os.Getenv("LENDFLOW_LOG_LEVEL"); v != "" {
		settings.LogLevel = strings.ToLower(v)
	}
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.JSON && flags.Plain {
		return fmt.Errorf("cannot use --json and --plain together")
	}
	if flags.JSON {
		settings.OutputMode = "json"
	}
	if flags.Plain {
		settings.OutputMode = "plain"
	}
	if fields := splitList(flags.Select); len(fields) > 0 {
		settings.SelectFields = fields
	}
	settings.ResultsOnly = flags.ResultsOnly
	if allowed := splitList(flags.EnableCommands); len(allowed) > 0 {
		settings.EnableCommands = allowed
	}

	if flags.Timeout != "" {
		d, err := time.ParseDuration(flags.Timeout)
		if err != nil {
			return fmt.Errorf("parse --timeout: %w", err)
		}
		settings.Timeout = d
	}
	if flags.Retries >= 0 {
		settings.Retries = flags.Retries
	}
	if flags.NoCache {
		settings.CacheEnabled = false
	}
	if v := strings.TrimSpace(flags.RPCURL); v != "" {
		settings.RPCURL = v
	}
	if v := strings.TrimSpace(flags.Wallet); v != "" {
		settings.WalletMode = strings.ToLower(v)
	}
	if v := strings.TrimSpace(flags.WalletURL); v != "" {
		settings.WalletURL = v
	}
	if v := strings.TrimSpace(flags.Builder); v != "" {
		settings.Builder = strings.ToLower(v)
	}
	if v := strings.TrimSpace(flags.ApprovalMode); v != "" {
		settings.ApprovalMode = strings.ToLower(v)
	}
	if flags.NoBatching {
		settings.Batching = false
	}
	if v := strings.TrimSpace(flags.SafeHF); v != "" {
		hf, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("parse --safe-health-factor: %w", err)
		}
		settings.SafeHealthFactor = hf
	}
	if v := strings.TrimSpace(flags.FeeTier); v != "" {
		settings.FeeTier = strings.ToLower(v)
	}
	if v := strings.TrimSpace(flags.Gwei); v != "" {
		settings.CustomGwei = v
		settings.FeeTier = "custom"
	}
	if v := strings.TrimSpace(flags.LogLevel); v != "" {
		settings.LogLevel = strings.ToLower(v)
	}
	if v := strings.TrimSpace(flags.MetricsFile); v != "" {
		settings.MetricsTextfile = v
	}
	return nil
}

func validate(settings Settings) error {
	if settings.OutputMode != "json" && settings.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}
	if settings.WalletMode != WalletLocal && settings.WalletMode != WalletRemote {
		return fmt.Errorf("wallet must be local or remote")
	}
	if settings.WalletMode == WalletRemote && strings.TrimSpace(settings.WalletURL) == "" {
		return fmt.Errorf("remote wallet requires a wallet url")
	}
	if settings.Builder != BuilderPool && settings.Builder != BuilderPlanned {
		return fmt.Errorf("builder must be pool or planned")
	}
	if !settings.SafeHealthFactor.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("safe health factor must be above 1")
	}
	return nil
}

func splitList(input string) []string {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}
