package app

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ggonzalez94/lendflow/internal/cache"
	"github.com/ggonzalez94/lendflow/internal/config"
	clierr "github.com/ggonzalez94/lendflow/internal/errors"
	"github.com/ggonzalez94/lendflow/internal/execution"
	"github.com/ggonzalez94/lendflow/internal/id"
	"github.com/ggonzalez94/lendflow/internal/logging"
	"github.com/ggonzalez94/lendflow/internal/metrics"
	"github.com/ggonzalez94/lendflow/internal/model"
	"github.com/ggonzalez94/lendflow/internal/out"
	"github.com/ggonzalez94/lendflow/internal/policy"
	"github.com/ggonzalez94/lendflow/internal/schema"
	"github.com/ggonzalez94/lendflow/internal/txflow"
	"github.com/ggonzalez94/lendflow/internal/version"
	"github.com/spf13/cobra"
)

type Runner struct {
	stdout io.Writer
	stderr io.Writer
	logw   io.Writer
	now    func() time.Time
	dial   dialer
}

func NewRunner() *Runner {
	return NewRunnerWithWriters(os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return &Runner{
		stdout: stdout,
		stderr: stderr,
		logw:   stderr,
		now:    time.Now,
		dial:   defaultDialer(),
	}
}

type runtimeState struct {
	runner   *Runner
	flags    config.GlobalFlags
	settings config.Settings
	logger   *slog.Logger
	root     *cobra.Command

	diskCache *cache.Store
	readCache *cache.Tiered
	flowStore *execution.Store
	cleanup   []func()

	lastCommand  string
	lastFlowID   string
	lastChainID  string
	lastWarnings []string
	started      time.Time
}

func (r *Runner) Run(args []string) int {
	state := &runtimeState{runner: r, logger: logging.Discard(), started: r.now()}
	root := state.newRootCommand()
	state.root = root
	root.SetArgs(args)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := root.Execute()
	err = normalizeRunError(err)
	if err != nil {
		state.renderError("", err)
	}
	state.close()
	return exitCode(err)
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "Lending transaction lifecycle CLI for Aave v3 markets",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			settings, err := config.Load(s.flags)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load configuration", err)
			}
			s.settings = settings
			s.logger = logging.New(s.runner.logw, version.CLIName, settings.LogLevel)

			path := trimRootPath(cmd.CommandPath())
			s.lastCommand = path
			return policy.CheckCommandAllowed(settings.EnableCommands, path)
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return clierr.Wrap(clierr.CodeUsage, "parse flags", err)
	})

	pf := cmd.PersistentFlags()
	pf.BoolVar(&s.flags.JSON, "json", false, "Output JSON (default)")
	pf.BoolVar(&s.flags.Plain, "plain", false, "Output plain text")
	pf.StringVar(&s.flags.Select, "select", "", "Select fields from data (comma-separated, dotted for nested)")
	pf.BoolVar(&s.flags.ResultsOnly, "results-only", false, "Output only data payload")
	pf.StringVar(&s.flags.EnableCommands, "enable-commands", "", "Allowlist command paths (comma-separated)")
	pf.StringVar(&s.flags.Timeout, "timeout", "", "Overall command timeout")
	pf.IntVar(&s.flags.Retries, "retries", -1, "Retries per HTTP request")
	pf.BoolVar(&s.flags.NoCache, "no-cache", false, "Disable the on-disk read cache")
	pf.StringVar(&s.flags.ConfigPath, "config", "", "Path to config file")
	pf.StringVar(&s.flags.RPCURL, "rpc-url", "", "RPC URL override for the selected chain")
	pf.StringVar(&s.flags.Wallet, "wallet", "", "Wallet gateway (local|remote)")
	pf.StringVar(&s.flags.WalletURL, "wallet-url", "", "JSON-RPC endpoint of a remote wallet")
	pf.StringVar(&s.flags.Builder, "builder", "", "Transaction builder generation (pool|planned)")
	pf.StringVar(&s.flags.ApprovalMode, "approval-mode", "", "Authorization preference (auto|transaction|signature)")
	pf.BoolVar(&s.flags.NoBatching, "no-batching", false, "Never bundle authorization and action into one batch")
	pf.StringVar(&s.flags.SafeHF, "safe-health-factor", "", "Health factor below which actions need acknowledgement")
	pf.StringVar(&s.flags.FeeTier, "fee-tier", "", "Fee tier (slow|normal|fast|custom)")
	pf.StringVar(&s.flags.Gwei, "gwei", "", "Custom max fee in gwei (selects the custom tier)")
	pf.StringVar(&s.flags.LogLevel, "log-level", "", "Log level (debug|info|warn|error)")
	pf.StringVar(&s.flags.MetricsFile, "metrics-textfile", "", "Write flow metrics to this file on exit")

	cmd.AddCommand(newVersionCommand(s))
	s.addFlowCommands(cmd)
	cmd.AddCommand(s.newFlowsCommand())
	cmd.AddCommand(s.newGasCommand())
	cmd.AddCommand(s.newDiscountCommand())
	cmd.AddCommand(s.newMarketsCommand())
	cmd.AddCommand(s.newSchemaCommand())
	return cmd
}

func (s *runtimeState) newSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema [command path]",
		Short: "Describe commands and flags as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, err := schema.Describe(s.root, strings.Join(args, " "))
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), desc, nil)
		},
	}
}

func newVersionCommand(s *runtimeState) *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if long {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), version.Long())
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), model.VersionInfo{
				Name:      version.CLIName,
				Version:   version.CLIVersion,
				Commit:    version.Commit,
				BuildDate: version.BuildDate,
			}, nil)
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "Print the long version string")
	return cmd
}

// ensureReadCache opens the two-tier read cache. The disk tier is skipped
// when caching is disabled.
func (s *runtimeState) ensureReadCache() (*cache.Tiered, error) {
	if s.readCache != nil {
		return s.readCache, nil
	}
	if s.settings.CacheEnabled && s.diskCache == nil {
		store, err := cache.Open(s.settings.CachePath, s.settings.CacheLockPath)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeInternal, "open cache", err)
		}
		s.diskCache = store
	}
	tiered, err := cache.NewTiered(cache.DefaultMemoryEntries, s.diskCache)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "create read cache", err)
	}
	s.readCache = tiered
	return tiered, nil
}

func (s *runtimeState) ensureFlowStore() error {
	if s.flowStore != nil {
		return nil
	}
	store, err := execution.OpenStore(s.settings.FlowStorePath, s.settings.FlowLockPath)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "open flow store", err)
	}
	s.flowStore = store
	return nil
}

func (s *runtimeState) close() {
	for i := len(s.cleanup) - 1; i >= 0; i-- {
		s.cleanup[i]()
	}
	s.cleanup = nil
	if s.flowStore != nil {
		_ = s.flowStore.Close()
	}
	if s.diskCache != nil {
		_ = s.diskCache.Close()
	}
	if path := strings.TrimSpace(s.settings.MetricsTextfile); path != "" {
		if err := metrics.Flow().WriteTextfile(path); err != nil {
			s.logger.Warn("write metrics textfile", slog.String("path", path), slog.String("error", err.Error()))
		}
	}
}

func (s *runtimeState) emitSuccess(commandPath string, data any, warnings []string) error {
	env := model.Envelope{
		Version:  model.EnvelopeVersion,
		Success:  true,
		Data:     data,
		Error:    nil,
		Warnings: warnings,
		Meta:     s.meta(commandPath),
	}
	return out.Render(s.runner.stdout, env, s.settings)
}

func (s *runtimeState) meta(commandPath string) model.EnvelopeMeta {
	now := s.runner.now()
	return model.EnvelopeMeta{
		RequestID: newRequestID(),
		Timestamp: now.UTC(),
		Command:   commandPath,
		FlowID:    s.lastFlowID,
		ChainID:   s.lastChainID,
		LatencyMS: now.Sub(s.started).Milliseconds(),
	}
}

func (s *runtimeState) renderError(commandPath string, err error) {
	if strings.TrimSpace(commandPath) == "" {
		commandPath = s.lastCommand
		if commandPath == "" {
			commandPath = version.CLIName
		}
	}
	body := &model.ErrorBody{Code: exitCode(err), Message: err.Error()}
	var fe *txflow.FlowError
	if errors.As(err, &fe) {
		body.Type = clierr.TypeName(fe.Code())
		body.Kind = string(fe.Kind)
		body.Message = fe.Error()
		body.RevertReason = fe.RevertReason
	} else if cErr, ok := clierr.As(err); ok {
		body.Type = clierr.TypeName(cErr.Code)
		body.Message = cErr.Error()
	} else {
		body.Type = clierr.TypeName(clierr.CodeInternal)
	}
	if errors.Is(err, txflow.ErrClosed) {
		body.Type = "flow_closed"
	}

	settings := s.settings
	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	settings.ResultsOnly = false
	settings.SelectFields = nil
	env := model.Envelope{
		Version:  model.EnvelopeVersion,
		Success:  false,
		Data:     []any{},
		Error:    body,
		Warnings: s.lastWarnings,
		Meta:     s.meta(commandPath),
	}
	_ = out.Render(s.runner.stderr, env, settings)
}

// exitCode maps flow errors through their kind before falling back to the
// CLI error code.
func exitCode(err error) int {
	var fe *txflow.FlowError
	if errors.As(err, &fe) {
		return int(fe.Code())
	}
	return clierr.ExitCode(err)
}

func parseChainAsset(chainArg, assetArg string) (id.Chain, id.Asset, error) {
	if strings.TrimSpace(chainArg) == "" {
		return id.Chain{}, id.Asset{}, clierr.New(clierr.CodeUsage, "--chain is required")
	}
	if strings.TrimSpace(assetArg) == "" {
		return id.Chain{}, id.Asset{}, clierr.New(clierr.CodeUsage, "--asset is required")
	}
	chain, err := id.ParseChain(chainArg)
	if err != nil {
		return id.Chain{}, id.Asset{}, err
	}
	asset, err := id.ParseAsset(assetArg, chain)
	if err != nil {
		return id.Chain{}, id.Asset{}, err
	}
	return chain, asset, nil
}

func newRequestID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func splitCSV(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if norm := strings.TrimSpace(part); norm != "" {
			out = append(out, norm)
		}
	}
	return out
}

func trimRootPath(path string) string {
	parts := strings.Fields(path)
	if len(parts) <= 1 {
		return path
	}
	return strings.Join(parts[1:], " ")
}

func normalizeRunError(err error) error {
	if err == nil {
		return nil
	}
	var fe *txflow.FlowError
	if errors.As(err, &fe) {
		return err
	}
	if _, ok := clierr.As(err); ok {
		return err
	}
	if errors.Is(err, txflow.ErrClosed) {
		return clierr.Wrap(clierr.CodeInternal, "flow closed before completion", err)
	}
	if isLikelyUsageError(err) {
		return clierr.Wrap(clierr.CodeUsage, "invalid command input", err)
	}
	return clierr.Wrap(clierr.CodeInternal, "execute command", err)
}

func isLikelyUsageError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	patterns := []string{
		"unknown command",
		"unknown flag",
		"required flag(s)",
		"flag needs an argument",
		"requires at least",
		"requires exactly",
		"accepts ",
		"invalid argument",
		"invalid args",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
