package app

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/lendflow/internal/action"
	"github.com/ggonzalez94/lendflow/internal/discount"
	clierr "github.com/ggonzalez94/lendflow/internal/errors"
	"github.com/ggonzalez94/lendflow/internal/execution"
	"github.com/ggonzalez94/lendflow/internal/gas"
	"github.com/ggonzalez94/lendflow/internal/httpx"
	"github.com/ggonzalez94/lendflow/internal/id"
	"github.com/ggonzalez94/lendflow/internal/model"
	"github.com/ggonzalez94/lendflow/internal/readlayer"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func (s *runtimeState) newFlowsCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "flows",
		Short: "Inspect persisted flow records",
	}

	var status, account string
	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent flows",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := s.ensureFlowStore(); err != nil {
				return err
			}
			records, err := s.flowStore.List(execution.ListFilter{Status: status, Account: account, Limit: limit})
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "list flows", err)
			}
			items := make([]model.FlowSummary, 0, len(records))
			for _, r := range records {
				items = append(items, model.FlowSummary{
					FlowID:    r.ActionID,
					Intent:    r.IntentType,
					Status:    string(r.Status),
					ChainID:   r.ChainID,
					Account:   r.FromAddress,
					Steps:     len(r.Steps),
					CreatedAt: r.CreatedAt,
					UpdatedAt: r.UpdatedAt,
				})
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), items, nil)
		},
	}
	listCmd.Flags().StringVar(&status, "status", "", "Filter by status (planned|authorized|running|completed|failed)")
	listCmd.Flags().StringVar(&account, "account", "", "Filter by account address")
	listCmd.Flags().IntVar(&limit, "limit", 20, "Maximum flows to return")

	var flowID string
	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Show one flow record",
		RunE: func(cmd *cobra.Command, _ []string) error {
			record, err := s.loadFlowRecord(flowID)
			if err != nil {
				return err
			}
			s.lastFlowID = record.ActionID
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), record, nil)
		},
	}
	getCmd.Flags().StringVar(&flowID, "flow-id", "", "Flow identifier")
	_ = getCmd.MarkFlagRequired("flow-id")

	var olderThan string
	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete completed and failed flows older than a duration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			age, err := time.ParseDuration(strings.TrimSpace(olderThan))
			if err != nil || age <= 0 {
				return clierr.New(clierr.CodeUsage, "--older-than must be a positive duration")
			}
			if err := s.ensureFlowStore(); err != nil {
				return err
			}
			n, err := s.flowStore.Prune(s.runner.now().Add(-age))
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "prune flows", err)
			}
			s.logger.Info("pruned flows", slog.Int64("count", n))
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), map[string]int64{"pruned": n}, nil)
		},
	}
	pruneCmd.Flags().StringVar(&olderThan, "older-than", "720h", "Minimum age since the last update")

	var estimateFlowID string
	estimateCmd := &cobra.Command{
		Use:   "estimate",
		Short: "Re-price the transaction steps of a persisted flow at the selected fee tier",
		RunE: func(cmd *cobra.Command, _ []string) error {
			record, err := s.loadFlowRecord(estimateFlowID)
			if err != nil {
				return err
			}
			s.lastFlowID = record.ActionID
			if !common.IsHexAddress(record.FromAddress) {
				return clierr.New(clierr.CodeUsage, "flow has no sender address to simulate from")
			}
			ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
			defer cancel()
			cb, err := s.dialChain(ctx, record.ChainID)
			if err != nil {
				return err
			}
			if cb.estimator == nil || cb.fees == nil {
				return clierr.New(clierr.CodeUnsupported, "gas simulation is not available for this chain")
			}
			sel, err := s.feeSelector()
			if err != nil {
				return err
			}
			quote, err := gas.NewOracle(cb.fees).Quote(ctx, sel)
			if err != nil {
				return clierr.Wrap(clierr.CodeUnavailable, "quote fee tier", err)
			}
			opts := execution.DefaultEstimateOptions()
			if s.settings.GasMultiplier > 1 {
				opts.GasMultiplier = s.settings.GasMultiplier
			}
			est, err := execution.EstimateActionGas(ctx, cb.estimator(common.HexToAddress(record.FromAddress)), record, quote, opts)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), est, nil)
		},
	}
	estimateCmd.Flags().StringVar(&estimateFlowID, "flow-id", "", "Flow identifier")
	_ = estimateCmd.MarkFlagRequired("flow-id")

	root.AddCommand(listCmd)
	root.AddCommand(getCmd)
	root.AddCommand(estimateCmd)
	root.AddCommand(pruneCmd)
	return root
}

type tierRow struct {
	gas.Quote
	Fee *gas.FeeEstimate `json:"fee,omitempty"`
}

type gasEstimate struct {
	Kind      action.Kind      `json:"kind"`
	Operation gas.Operation    `json:"operation"`
	AuthPath  gas.AuthPath     `json:"auth_path"`
	GasLimit  uint64           `json:"gas_limit"`
	Quote     *gas.Quote       `json:"quote,omitempty"`
	Fee       *gas.FeeEstimate `json:"fee,omitempty"`
}

func (s *runtimeState) newGasCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "gas",
		Short: "Fee tiers and recommended gas limits",
	}

	var tiersChain string
	var tiersLimit uint64
	tiersCmd := &cobra.Command{
		Use:   "tiers",
		Short: "Quote the slow, normal and fast fee tiers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
			defer cancel()
			oracle, err := s.feeOracle(ctx, tiersChain)
			if err != nil {
				return err
			}
			tiers, err := oracle.Tiers(ctx)
			if err != nil {
				return clierr.Wrap(clierr.CodeUnavailable, "quote fee tiers", err)
			}
			rows := make([]tierRow, 0, len(tiers))
			for _, tier := range []gas.Tier{gas.TierSlow, gas.TierNormal, gas.TierFast} {
				q, ok := tiers[tier]
				if !ok {
					continue
				}
				row := tierRow{Quote: q}
				if tiersLimit > 0 {
					fee := gas.EstimateFee(tiersLimit, q)
					row.Fee = &fee
				}
				rows = append(rows, row)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), rows, nil)
		},
	}
	tiersCmd.Flags().StringVar(&tiersChain, "chain", "", "Chain identifier")
	tiersCmd.Flags().Uint64Var(&tiersLimit, "gas-limit", 0, "Price this gas limit at every tier")
	_ = tiersCmd.MarkFlagRequired("chain")

	var estChain, estKind, estPath string
	var estNative, estPermit bool
	estimateCmd := &cobra.Command{
		Use:   "estimate",
		Short: "Recommended gas limit for an action and authorization path",
		RunE: func(cmd *cobra.Command, _ []string) error {
			kind, err := action.Parse(estKind)
			if err != nil {
				return err
			}
			path, err := parseAuthPath(estPath)
			if err != nil {
				return err
			}
			op := gas.OperationFor(kind, estPermit || path == gas.AuthPathSignature, estNative)
			out := gasEstimate{Kind: kind, Operation: op, AuthPath: path, GasLimit: gas.RecommendedGasLimit(op, path)}
			if strings.TrimSpace(estChain) != "" {
				ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
				defer cancel()
				oracle, err := s.feeOracle(ctx, estChain)
				if err != nil {
					return err
				}
				sel, err := s.feeSelector()
				if err != nil {
					return err
				}
				q, err := oracle.Quote(ctx, sel)
				if err != nil {
					return clierr.Wrap(clierr.CodeUnavailable, "quote fee tier", err)
				}
				fee := gas.EstimateFee(out.GasLimit, q)
				out.Quote = &q
				out.Fee = &fee
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), out, nil)
		},
	}
	estimateCmd.Flags().StringVar(&estChain, "chain", "", "Chain identifier (prices the limit at the selected tier)")
	estimateCmd.Flags().StringVar(&estKind, "kind", "", "Action kind (supply|withdraw|borrow|repay|stake|claim_rewards)")
	estimateCmd.Flags().StringVar(&estPath, "auth-path", string(gas.AuthPathNone), "Authorization path (none|transaction|signature|batched)")
	estimateCmd.Flags().BoolVar(&estNative, "native", false, "Native asset routed through the wrapped token gateway")
	estimateCmd.Flags().BoolVar(&estPermit, "permit", false, "Use the *WithPermit entry point")
	_ = estimateCmd.MarkFlagRequired("kind")

	root.AddCommand(tiersCmd)
	root.AddCommand(estimateCmd)
	return root
}

func parseAuthPath(input string) (gas.AuthPath, error) {
	switch p := gas.AuthPath(strings.ToLower(strings.TrimSpace(input))); p {
	case "", gas.AuthPathNone:
		return gas.AuthPathNone, nil
	case gas.AuthPathTransaction, gas.AuthPathSignature, gas.AuthPathBatched:
		return p, nil
	}
	return "", clierr.New(clierr.CodeUsage, fmt.Sprintf("auth path must be none|transaction|signature|batched, got %q", input))
}

// dialChain connects a chain with registry-discovered contracts and
// schedules the connection to close on exit.
func (s *runtimeState) dialChain(ctx context.Context, chainArg string) (*chainBackend, error) {
	chain, err := id.ParseChain(chainArg)
	if err != nil {
		return nil, err
	}
	s.lastChainID = chain.CAIP2
	cb, err := s.runner.dial.chain(ctx, s, chain, marketOverrides{})
	if err != nil {
		return nil, err
	}
	if cb.close != nil {
		s.cleanup = append(s.cleanup, cb.close)
	}
	return cb, nil
}

func (s *runtimeState) feeOracle(ctx context.Context, chainArg string) (*gas.Oracle, error) {
	cb, err := s.dialChain(ctx, chainArg)
	if err != nil {
		return nil, err
	}
	if cb.fees == nil {
		return nil, clierr.New(clierr.CodeUnsupported, "fee history is not available for this chain")
	}
	return gas.NewOracle(cb.fees), nil
}

func (s *runtimeState) feeSelector() (*gas.Selector, error) {
	tier, err := gas.ParseTier(s.settings.FeeTier)
	if err != nil {
		return nil, err
	}
	sel := gas.NewSelector()
	if err := sel.Select(tier, s.settings.CustomGwei); err != nil {
		return nil, err
	}
	return sel, nil
}

type discountView struct {
	readlayer.GhoDiscount
	Account          string `json:"account"`
	MaxDiscountBps   uint64 `json:"max_discount_bps"`
	BorrowRateBps    uint64 `json:"borrow_rate_bps,omitempty"`
	EffectiveRateBps uint64 `json:"effective_rate_bps,omitempty"`
}

func (s *runtimeState) newDiscountCommand() *cobra.Command {
	var chainArg, account, extraDebt string
	var borrowRateBps uint64
	cmd := &cobra.Command{
		Use:   "discount",
		Short: "GHO borrow discount from staked discount tokens",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !common.IsHexAddress(account) {
				return clierr.New(clierr.CodeUsage, "--account must be an EVM address")
			}
			extra := decimal.Zero
			if strings.TrimSpace(extraDebt) != "" {
				v, err := decimal.NewFromString(strings.TrimSpace(extraDebt))
				if err != nil || v.IsNegative() {
					return clierr.New(clierr.CodeUsage, "--extra-debt must be a non-negative decimal")
				}
				extra = v
			}
			ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
			defer cancel()
			cb, err := s.dialChain(ctx, chainArg)
			if err != nil {
				return err
			}
			if cb.gho == nil {
				return clierr.New(clierr.CodeUnsupported, "GHO discount reads are not available for this chain")
			}
			addr := common.HexToAddress(account)
			d, err := cb.gho.GhoDiscount(ctx, addr, extra)
			if err != nil {
				return err
			}
			view := discountView{GhoDiscount: d, Account: addr.Hex(), MaxDiscountBps: discount.DiscountRate}
			if borrowRateBps > 0 {
				view.BorrowRateBps = borrowRateBps
				view.EffectiveRateBps = discount.EffectiveRateBps(borrowRateBps, d.DiscountBps)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), view, nil)
		},
	}
	cmd.Flags().StringVar(&chainArg, "chain", "ethereum", "Chain identifier")
	cmd.Flags().StringVar(&account, "account", "", "Borrower address")
	cmd.Flags().StringVar(&extraDebt, "extra-debt", "", "Project the discount as if this much GHO were borrowed")
	cmd.Flags().Uint64Var(&borrowRateBps, "borrow-rate-bps", 0, "Variable borrow rate to apply the discount to")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func (s *runtimeState) newMarketsCommand() *cobra.Command {
	var chainArg, assetArg string
	var limit int
	cmd := &cobra.Command{
		Use:   "markets",
		Short: "Supply and borrow rates of Aave reserves",
		RunE: func(cmd *cobra.Command, _ []string) error {
			chain, asset, err := parseChainAsset(chainArg, assetArg)
			if err != nil {
				return err
			}
			s.lastChainID = chain.CAIP2
			tiered, err := s.ensureReadCache()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
			defer cancel()
			markets := readlayer.NewMarkets(httpx.New(s.settings.Timeout, s.settings.Retries), tiered, s.settings.CacheTTL)
			rates, err := markets.Rates(ctx, chain, asset)
			if err != nil {
				return err
			}
			sort.SliceStable(rates, func(i, j int) bool { return rates[i].SupplyAPY.GreaterThan(rates[j].SupplyAPY) })
			if limit > 0 && len(rates) > limit {
				rates = rates[:limit]
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), rates, nil)
		},
	}
	cmd.Flags().StringVar(&chainArg, "chain", "", "Chain identifier")
	cmd.Flags().StringVar(&assetArg, "asset", "", "Asset symbol/address/CAIP-19")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum rows to return")
	_ = cmd.MarkFlagRequired("chain")
	_ = cmd.MarkFlagRequired("asset")
	return cmd
}
