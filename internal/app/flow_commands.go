package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/ggonzalez94/lendflow/internal/action"
	"github.com/ggonzalez94/lendflow/internal/builder"
	clierr "github.com/ggonzalez94/lendflow/internal/errors"
	"github.com/ggonzalez94/lendflow/internal/execution"
	"github.com/ggonzalez94/lendflow/internal/execution/planner"
	"github.com/ggonzalez94/lendflow/internal/gas"
	"github.com/ggonzalez94/lendflow/internal/id"
	"github.com/ggonzalez94/lendflow/internal/metrics"
	"github.com/ggonzalez94/lendflow/internal/model"
	"github.com/ggonzalez94/lendflow/internal/txflow"
	"github.com/ggonzalez94/lendflow/internal/wallet"
	"github.com/ggonzalez94/lendflow/internal/wallet/signer"
	"github.com/spf13/cobra"
)

type flowVerb struct {
	use   string
	kind  action.Kind
	short string
}

var flowVerbs = []flowVerb{
	{use: "supply", kind: action.Supply, short: "Supply an asset to the pool"},
	{use: "withdraw", kind: action.Withdraw, short: "Withdraw a supplied asset"},
	{use: "borrow", kind: action.Borrow, short: "Borrow an asset against collateral"},
	{use: "repay", kind: action.Repay, short: "Repay borrowed debt"},
	{use: "stake", kind: action.Stake, short: "Stake in the safety module"},
	{use: "claim", kind: action.ClaimRewards, short: "Claim accrued incentive rewards"},
}

func (s *runtimeState) addFlowCommands(root *cobra.Command) {
	for _, verb := range flowVerbs {
		root.AddCommand(s.newFlowVerbCommand(verb))
	}
}

// flowArgs are the inputs shared by preview and run.
type flowArgs struct {
	chainArg         string
	assetArg         string
	amount           string
	acknowledge      bool
	allowMaxApproval bool
	stakeToken       string
	incentivized     string
	overrides        marketOverrides
	wallet           walletOptions
	pollInterval     string
	stepTimeout      string
}

func bindFlowFlags(cmd *cobra.Command, args *flowArgs, kind action.Kind) {
	cmd.Flags().StringVar(&args.chainArg, "chain", "", "Chain identifier")
	cmd.Flags().StringVar(&args.assetArg, "asset", "", "Asset symbol/address/CAIP-19")
	cmd.Flags().StringVar(&args.amount, "amount", "", `Amount in decimal units, or "-1" for the maximum`)
	cmd.Flags().BoolVar(&args.acknowledge, "acknowledge-risk", false, "Accept a projected health factor below the safe threshold")
	cmd.Flags().StringVar(&args.wallet.fromAddress, "from-address", "", "Account address (must match the wallet)")
	cmd.Flags().StringVar(&args.overrides.poolAddressProvider, "pool-address-provider", "", "Aave pool address provider override")
	cmd.Flags().StringVar(&args.overrides.pool, "pool-address", "", "Aave pool address override")
	cmd.Flags().StringVar(&args.overrides.gateway, "gateway-address", "", "Wrapped token gateway override for native assets")
	switch kind {
	case action.Stake:
		cmd.Flags().StringVar(&args.stakeToken, "stake-token", "", "Stake token override (defaults to the safety module)")
	case action.ClaimRewards:
		cmd.Flags().StringVar(&args.incentivized, "incentivized", "", "Incentivized reserves to claim from (comma-separated assets)")
	}
	_ = cmd.MarkFlagRequired("chain")
	_ = cmd.MarkFlagRequired("asset")
	_ = cmd.MarkFlagRequired("amount")
}

func bindWalletFlags(cmd *cobra.Command, args *flowArgs) {
	cmd.Flags().StringVar(&args.wallet.keySource, "key-source", "", "Key source ("+keySourceHelp+")")
	cmd.Flags().StringVar(&args.wallet.privateKey, "private-key", "", "Private key hex override for local signer (less safe)")
	cmd.Flags().StringVar(&args.pollInterval, "poll-interval", "2s", "Receipt polling interval")
	cmd.Flags().StringVar(&args.stepTimeout, "step-timeout", "2m", "Per-transaction receipt timeout")
	cmd.Flags().BoolVar(&args.allowMaxApproval, "allow-max-approval", false, "Allow approvals larger than the action amount")
}

func (s *runtimeState) newFlowVerbCommand(verb flowVerb) *cobra.Command {
	root := &cobra.Command{
		Use:   verb.use,
		Short: verb.short,
	}

	var preview flowArgs
	previewCmd := &cobra.Command{
		Use:   "preview",
		Short: "Resolve the amount and show authorization, risk and gas without submitting",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
			defer cancel()
			session, err := s.openFlow(ctx, verb.kind, preview, false)
			if err != nil {
				return err
			}
			defer session.flow.Close()
			result, warnings, err := session.prepare(ctx, s, preview)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), result, warnings)
		},
	}
	bindFlowFlags(previewCmd, &preview, verb.kind)

	var run flowArgs
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Authorize if needed, then submit the action and wait for confirmation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := run.parseDurations(); err != nil {
				return err
			}
			budget := s.settings.Timeout + 2*run.wallet.stepTimeout
			ctx, cancel := context.WithTimeout(context.Background(), budget)
			defer cancel()
			session, err := s.openFlow(ctx, verb.kind, run, true)
			if err != nil {
				return err
			}
			defer session.flow.Close()
			result, warnings, err := session.prepare(ctx, s, run)
			if err != nil {
				return err
			}
			steps, err := session.run(ctx, result.Flow)
			s.lastFlowID = session.flow.ID()
			if err != nil {
				return err
			}
			result.Flow = session.flow.Snapshot()
			result.Steps = steps
			if record, ok := session.flow.Record(); ok {
				result.Record = &record
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), result, warnings)
		},
	}
	bindFlowFlags(runCmd, &run, verb.kind)
	bindWalletFlags(runCmd, &run)

	var statusFlowID string
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show a persisted flow record",
		RunE: func(cmd *cobra.Command, _ []string) error {
			record, err := s.loadFlowRecord(statusFlowID)
			if err != nil {
				return err
			}
			if record.IntentType != string(verb.kind) {
				return clierr.New(clierr.CodeUsage, fmt.Sprintf("flow %s is a %s, not a %s", record.ActionID, record.IntentType, verb.kind))
			}
			s.lastFlowID = record.ActionID
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), record, nil)
		},
	}
	statusCmd.Flags().StringVar(&statusFlowID, "flow-id", "", "Flow identifier")
	_ = statusCmd.MarkFlagRequired("flow-id")

	root.AddCommand(previewCmd)
	root.AddCommand(runCmd)
	root.AddCommand(statusCmd)
	return root
}

func (a *flowArgs) parseDurations() error {
	if v := strings.TrimSpace(a.pollInterval); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return clierr.New(clierr.CodeUsage, "--poll-interval must be a positive duration")
		}
		a.wallet.pollInterval = d
	}
	if v := strings.TrimSpace(a.stepTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return clierr.New(clierr.CodeUsage, "--step-timeout must be a positive duration")
		}
		a.wallet.stepTimeout = d
	}
	return nil
}

type flowSession struct {
	chain id.Chain
	flow  *txflow.Flow
	log   *slog.Logger
}

// openFlow connects the chain and wallet and constructs the flow. Preview
// without a signing wallet watches --from-address read-only.
func (s *runtimeState) openFlow(ctx context.Context, kind action.Kind, args flowArgs, submit bool) (*flowSession, error) {
	chain, asset, err := parseChainAsset(args.chainArg, args.assetArg)
	if err != nil {
		return nil, err
	}
	s.lastChainID = chain.CAIP2
	cb, err := s.runner.dial.chain(ctx, s, chain, args.overrides)
	if err != nil {
		return nil, err
	}
	if cb.close != nil {
		s.cleanup = append(s.cleanup, cb.close)
	}

	var gw wallet.Gateway
	if !submit && strings.TrimSpace(args.wallet.fromAddress) != "" && strings.TrimSpace(args.wallet.privateKey) == "" {
		if !common.IsHexAddress(args.wallet.fromAddress) {
			return nil, clierr.New(clierr.CodeUsage, "--from-address must be an EVM address")
		}
		gw = watchGateway{account: common.HexToAddress(args.wallet.fromAddress), chainID: big.NewInt(chain.EVMChainID)}
	} else {
		var closeWallet func()
		gw, closeWallet, err = s.runner.dial.wallet(ctx, s, cb, args.wallet)
		if err != nil {
			return nil, err
		}
		s.cleanup = append(s.cleanup, closeWallet)
	}

	req := txflow.Request{Kind: kind, Asset: asset}
	if args.stakeToken != "" {
		if !common.IsHexAddress(args.stakeToken) {
			return nil, clierr.New(clierr.CodeUsage, "--stake-token must be an EVM address")
		}
		req.StakeToken = common.HexToAddress(args.stakeToken)
	}
	if kind == action.ClaimRewards {
		req.RewardAssets, err = incentivizedTokens(ctx, cb, chain, args.incentivized)
		if err != nil {
			return nil, err
		}
	}

	cfg, err := s.flowConfig(args)
	if err != nil {
		return nil, err
	}
	b, err := builder.Select(s.settings.Builder, planner.Planned{})
	if err != nil {
		return nil, err
	}
	deps := txflow.Deps{
		Gateway: gw,
		Reader:  cb.reader,
		Builder: b,
		Logger:  s.logger,
		Metrics: metrics.Flow(),
	}
	if cb.fees != nil {
		deps.Fees = gas.NewOracle(cb.fees)
	}
	if submit {
		if err := s.ensureFlowStore(); err != nil {
			return nil, err
		}
		deps.Store = s.flowStore
	}
	flow, err := txflow.New(req, cfg, deps)
	if err != nil {
		return nil, err
	}
	s.lastFlowID = flow.ID()
	return &flowSession{chain: chain, flow: flow, log: s.logger.With(slog.String("flow_id", flow.ID()))}, nil
}

func (s *runtimeState) flowConfig(args flowArgs) (txflow.Config, error) {
	mode, err := txflow.ParseApprovalMode(s.settings.ApprovalMode)
	if err != nil {
		return txflow.Config{}, err
	}
	cfg := txflow.DefaultConfig()
	cfg.ApprovalMode = mode
	cfg.Batching = s.settings.Batching
	cfg.SafeHealthFactor = s.settings.SafeHealthFactor
	cfg.RepayBufferBps = s.settings.RepayBufferBps
	cfg.AllowMaxApproval = s.settings.AllowMaxApproval || args.allowMaxApproval
	cfg.GasMultiplier = s.settings.GasMultiplier
	cfg.PreviewDebounce = s.settings.PreviewDebounce
	return cfg, nil
}

// incentivizedTokens expands reserve assets into the aToken and variable debt
// token addresses the rewards controller accrues on.
func incentivizedTokens(ctx context.Context, cb *chainBackend, chain id.Chain, input string) ([]common.Address, error) {
	items := splitCSV(input)
	if len(items) == 0 {
		return nil, clierr.New(clierr.CodeUsage, "--incentivized is required for claim")
	}
	out := make([]common.Address, 0, 2*len(items))
	for _, item := range items {
		asset, err := id.ParseAsset(item, chain)
		if err != nil {
			return nil, err
		}
		reserve, err := cb.reader.Reserve(ctx, common.HexToAddress(asset.Address))
		if err != nil {
			return nil, err
		}
		for _, token := range []common.Address{reserve.AToken, reserve.VariableDebtToken} {
			if token != (common.Address{}) {
				out = append(out, token)
			}
		}
	}
	return out, nil
}

// prepare loads the flow, resolves the amount, applies the fee tier and the
// risk acknowledgement, and waits for the health factor preview.
func (fs *flowSession) prepare(ctx context.Context, s *runtimeState, args flowArgs) (model.FlowResult, []string, error) {
	f := fs.flow
	if err := f.Load(ctx); err != nil {
		return model.FlowResult{}, nil, err
	}
	if _, err := f.SetAmount(args.amount); err != nil {
		return model.FlowResult{}, nil, err
	}
	tier, err := gas.ParseTier(s.settings.FeeTier)
	if err != nil {
		return model.FlowResult{}, nil, err
	}
	if err := f.SelectFee(tier, s.settings.CustomGwei); err != nil {
		return model.FlowResult{}, nil, err
	}
	if _, err := f.AwaitPreview(ctx); err != nil {
		return model.FlowResult{}, nil, err
	}
	f.Acknowledge(args.acknowledge)

	var warnings []string
	plan, err := f.GasPlan(ctx)
	if err != nil {
		fs.log.Debug("fee quote unavailable", slog.String("error", err.Error()))
		warnings = append(warnings, "fee quote unavailable: "+err.Error())
	}
	snap := f.Snapshot()
	warnings = append(warnings, flowWarnings(snap)...)
	return model.FlowResult{Flow: snap, Gas: &plan}, warnings, nil
}

// run authorizes on the separate paths and executes. The batched path carries
// the authorization inside Execute.
func (fs *flowSession) run(ctx context.Context, before txflow.Snapshot) ([]string, error) {
	f := fs.flow
	var steps []string
	if before.NeedsAuthorization && before.AuthPath != gas.AuthPathBatched {
		if err := f.Authorize(ctx); err != nil {
			return steps, err
		}
		steps = append(steps, "authorize:"+string(before.AuthPath))
		// A confirmed approval can move the path, so re-read it.
		if after := f.Snapshot(); after.NeedsAuthorization && after.AuthPath != gas.AuthPathBatched {
			return steps, clierr.New(clierr.CodeActionPlan, "authorization confirmed but the allowance still does not cover the amount")
		}
	}
	if err := f.Execute(ctx); err != nil {
		if errors.Is(err, txflow.ErrClosed) {
			fs.log.Warn("flow closed before the action completed")
		}
		return steps, err
	}
	path := before.AuthPath
	if path == "" {
		path = gas.AuthPathNone
	}
	if before.NeedsAuthorization && path == gas.AuthPathBatched {
		steps = append(steps, "batch:authorize+"+string(before.Kind))
	} else {
		steps = append(steps, "execute:"+string(before.Kind))
	}
	return steps, nil
}

func flowWarnings(snap txflow.Snapshot) []string {
	var out []string
	if snap.ExceedsLimit {
		out = append(out, fmt.Sprintf("amount exceeds the available %s", snap.Limit))
	}
	if snap.ResetFirst {
		out = append(out, "token requires resetting the allowance to zero before approving")
	}
	if snap.Risk.BelowSafeThreshold && !snap.Acknowledged {
		out = append(out, fmt.Sprintf("projected health factor %s is below %s; pass --acknowledge-risk to proceed",
			snap.Risk.Projected.String(), snap.Risk.Threshold.StringFixed(2)))
	}
	if snap.Risk.Liquidatable {
		out = append(out, "projected health factor is below 1; the position would be liquidatable")
	}
	return out
}

func (s *runtimeState) loadFlowRecord(flowID string) (execution.Action, error) {
	flowID = strings.TrimSpace(flowID)
	if flowID == "" {
		return execution.Action{}, clierr.New(clierr.CodeUsage, "--flow-id is required")
	}
	if err := s.ensureFlowStore(); err != nil {
		return execution.Action{}, err
	}
	record, err := s.flowStore.Get(flowID)
	if err != nil {
		if errors.Is(err, execution.ErrNotFound) {
			return execution.Action{}, clierr.Wrap(clierr.CodeUsage, "load flow", err)
		}
		return execution.Action{}, clierr.Wrap(clierr.CodeInternal, "load flow", err)
	}
	return record, nil
}

// watchGateway is a read-only gateway for previewing another account. Every
// write reports the wallet as unavailable.
type watchGateway struct {
	account common.Address
	chainID *big.Int
}

var _ wallet.Gateway = watchGateway{}

func (g watchGateway) Account(context.Context) (common.Address, error) { return g.account, nil }

func (g watchGateway) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(g.chainID), nil
}

func (g watchGateway) EstimateGas(context.Context, wallet.Call) (uint64, error) {
	return 0, fmt.Errorf("%w: watch-only account", wallet.ErrUnavailable)
}

func (g watchGateway) SendTransaction(context.Context, wallet.TxRequest) (common.Hash, error) {
	return common.Hash{}, fmt.Errorf("%w: watch-only account", wallet.ErrUnavailable)
}

func (g watchGateway) WaitForReceipt(context.Context, common.Hash) (wallet.Receipt, error) {
	return wallet.Receipt{}, fmt.Errorf("%w: watch-only account", wallet.ErrUnavailable)
}

func (g watchGateway) SignTypedData(context.Context, apitypes.TypedData) ([]byte, error) {
	return nil, fmt.Errorf("%w: watch-only account", wallet.ErrUnavailable)
}

func (g watchGateway) Capabilities(context.Context) (wallet.Capabilities, error) {
	return wallet.Capabilities{}, nil
}

func (g watchGateway) SendCalls(context.Context, []wallet.Call) (string, error) {
	return "", wallet.ErrBatchUnsupported
}

func (g watchGateway) WaitForCalls(context.Context, string) (wallet.CallsStatus, error) {
	return wallet.CallsStatus{}, wallet.ErrBatchUnsupported
}

// keySourceHelp is the usage string shared by commands that load a signer.
var keySourceHelp = strings.Join([]string{signer.KeySourceAuto, signer.KeySourceEnv, signer.KeySourceFile, signer.KeySourceKeystore}, "|")
