// Package txflow drives one lending action from a raw amount to a confirmed
// transaction: it resolves the amount, gates risky actions on the health
// factor preview, performs the approval, delegation or permit signature, and
// submits the protocol call alone or as an atomic batch.
package txflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/lendflow/internal/action"
	"github.com/ggonzalez94/lendflow/internal/allowance"
	"github.com/ggonzalez94/lendflow/internal/amount"
	"github.com/ggonzalez94/lendflow/internal/builder"
	clierr "github.com/ggonzalez94/lendflow/internal/errors"
	"github.com/ggonzalez94/lendflow/internal/execution"
	"github.com/ggonzalez94/lendflow/internal/gas"
	"github.com/ggonzalez94/lendflow/internal/id"
	"github.com/ggonzalez94/lendflow/internal/logging"
	"github.com/ggonzalez94/lendflow/internal/metrics"
	"github.com/ggonzalez94/lendflow/internal/readlayer"
	"github.com/ggonzalez94/lendflow/internal/registry"
	"github.com/ggonzalez94/lendflow/internal/safety"
	"github.com/ggonzalez94/lendflow/internal/wallet"
	"github.com/shopspring/decimal"
)

var ErrClosed = errors.New("flow closed")

type ApprovalMode string

const (
	ApprovalAuto        ApprovalMode = "auto"
	ApprovalTransaction ApprovalMode = "transaction"
	ApprovalSignature   ApprovalMode = "signature"
)

func ParseApprovalMode(input string) (ApprovalMode, error) {
	switch ApprovalMode(strings.ToLower(strings.TrimSpace(input))) {
	case "", ApprovalAuto:
		return ApprovalAuto, nil
	case ApprovalTransaction, "tx":
		return ApprovalTransaction, nil
	case ApprovalSignature, "permit":
		return ApprovalSignature, nil
	}
	return "", clierr.New(clierr.CodeUsage, fmt.Sprintf("approval mode must be auto|transaction|signature, got %q", input))
}

const DefaultPermitTTL = time.Hour

type Config struct {
	ApprovalMode     ApprovalMode
	Batching         bool
	SafeHealthFactor decimal.Decimal
	RepayBufferBps   int64
	AllowMaxApproval bool
	GasMultiplier    float64
	PreviewDebounce  time.Duration
	PermitTTL        time.Duration
	Referral         uint16
}

func DefaultConfig() Config {
	return Config{
		ApprovalMode:     ApprovalAuto,
		Batching:         true,
		SafeHealthFactor: safety.DefaultThreshold,
		RepayBufferBps:   amount.DefaultRepayBufferBps,
		GasMultiplier:    1.2,
		PreviewDebounce:  safety.DefaultDebounce,
		PermitTTL:        DefaultPermitTTL,
	}
}

// FeeQuoter prices the selected fee tier. *gas.Oracle satisfies it.
type FeeQuoter interface {
	Quote(ctx context.Context, sel *gas.Selector) (gas.Quote, error)
}

// Deps are the collaborators a flow is constructed with. Fees and Store are
// optional: without Fees the gateway picks fee caps, without Store the flow
// record only lives in memory.
type Deps struct {
	Gateway wallet.Gateway
	Reader  readlayer.Reader
	Builder builder.Builder
	Fees    FeeQuoter
	Store   *execution.Store
	Logger  *slog.Logger
	Metrics *metrics.FlowMetrics
	Now     func() time.Time
}

// Request names the action a flow drives.
type Request struct {
	Kind  action.Kind
	Asset id.Asset
	// StakeToken overrides the safety module for stake.
	StakeToken common.Address
	// RewardAssets are the incentivized aTokens and debt tokens a claim
	// collects from; the asset is the reward token.
	RewardAssets []common.Address
}

type marketState struct {
	contracts readlayer.Contracts
	reserve   readlayer.Reserve
	user      readlayer.UserReserve
	position  readlayer.Position
	claimable decimal.Decimal
}

// Flow is one action's lifecycle. All methods are safe for concurrent use;
// Load, Authorize and Execute run one at a time.
type Flow struct {
	op sync.Mutex
	mu sync.Mutex

	id   string
	req  Request
	cfg  Config
	deps Deps
	log  *slog.Logger

	life  context.Context
	close context.CancelFunc

	loaded   bool
	closed   bool
	account  common.Address
	chainID  *big.Int
	caps     wallet.Capabilities
	market   marketState
	targets  builder.Targets
	grant    builder.Grant
	decimals int32

	allowance allowance.Record
	input     amount.Amount
	hasInput  bool
	resolved  amount.Resolved
	version   uint64

	auth      TransactionState
	act       TransactionState
	signature *SignedAuthorization

	// gho holds the balances behind the GHO borrow discount; set only when
	// the flow borrows GHO.
	gho         *readlayer.GhoBalances
	ghoDiscount *readlayer.GhoDiscount

	preview      *safety.Previewer[readlayer.Hypothetical, readlayer.HealthPreview]
	previewSeq   uint64
	risk         safety.RiskAssessment
	acknowledged bool

	fees     *gas.Selector
	gasLimit uint64
	record   *execution.Action
}

func New(req Request, cfg Config, deps Deps) (*Flow, error) {
	if deps.Gateway == nil {
		return nil, newFlowError(WalletUnavailable, "no wallet gateway configured", wallet.ErrUnavailable)
	}
	if deps.Reader == nil {
		return nil, clierr.New(clierr.CodeInternal, "flow requires a protocol reader")
	}
	if !req.Kind.Executable() {
		return nil, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("%s is not supported by the transaction builders", req.Kind))
	}
	if deps.Builder == nil {
		deps.Builder = builder.Pool{}
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Flow()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if cfg.ApprovalMode == "" {
		cfg.ApprovalMode = ApprovalAuto
	}
	if !cfg.SafeHealthFactor.IsPositive() {
		cfg.SafeHealthFactor = safety.DefaultThreshold
	}
	if cfg.GasMultiplier <= 1 {
		cfg.GasMultiplier = 1.2
	}
	if cfg.PermitTTL <= 0 {
		cfg.PermitTTL = DefaultPermitTTL
	}

	f := &Flow{
		id:   execution.NewActionID(),
		req:  req,
		cfg:  cfg,
		deps: deps,
		fees: gas.NewSelector(),
	}
	f.log = deps.Logger.With(
		slog.String("flow_id", f.id),
		slog.String("kind", string(req.Kind)),
		slog.String("asset", req.Asset.AssetID),
	)
	f.life, f.close = context.WithCancel(context.Background())
	f.preview = safety.NewPreviewer(cfg.PreviewDebounce, deps.Reader.PreviewHealthFactor)
	f.preview.OnResult(f.applyPreview)
	f.fees.OnChange(func(gas.Tier) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.recomputeGasLocked()
	})
	return f, nil
}

func (f *Flow) ID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.id
}

// Load reads the wallet, market, position and allowance state the flow
// works from. It may be called again to refresh.
func (f *Flow) Load(ctx context.Context) error {
	f.op.Lock()
	defer f.op.Unlock()
	if err := f.checkOpen(); err != nil {
		return err
	}
	ctx, stop := f.bind(ctx)
	defer stop()

	gw := f.deps.Gateway
	account, err := gw.Account(ctx)
	if err != nil {
		return newFlowError(WalletUnavailable, "read wallet account", err)
	}
	chainID, err := gw.ChainID(ctx)
	if err != nil {
		return newFlowError(WalletUnavailable, "read wallet chain", err)
	}
	if want := strings.TrimSpace(f.req.Asset.ChainID); want != "" && want != fmt.Sprintf("eip155:%s", chainID) {
		return clierr.New(clierr.CodeUsage, fmt.Sprintf("wallet is connected to eip155:%s but the asset lives on %s", chainID, want))
	}
	caps, err := gw.Capabilities(ctx)
	if err != nil {
		f.log.Debug("wallet capabilities unavailable, using two-step path", slog.String("error", err.Error()))
		caps = wallet.Capabilities{}
	}

	market, err := f.readMarket(ctx, account)
	if err != nil {
		return err
	}
	targets := f.targetsFor(market, chainID)
	params := builder.Params{Kind: f.req.Kind, Asset: f.req.Asset, Account: account, Targets: targets}
	grant, err := builder.GrantFor(params)
	if err != nil {
		return err
	}
	rec, err := f.readAllowance(ctx, account, grant)
	if err != nil {
		return err
	}
	gho := f.readGhoBalances(ctx, account, chainID)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	f.gho = gho
	f.account = account
	f.chainID = chainID
	f.caps = caps
	f.market = market
	f.targets = targets
	f.grant = grant
	f.allowance = rec
	f.decimals = int32(f.req.Asset.Decimals)
	if market.reserve.Decimals > 0 && f.req.Kind != action.ClaimRewards {
		f.decimals = market.reserve.Decimals
	}
	f.loaded = true
	if f.hasInput {
		f.resolveLocked()
	} else if gho != nil {
		d := readlayer.ProjectGhoDiscount(*gho, decimal.Zero)
		f.ghoDiscount = &d
	}
	f.reevaluateLocked()
	f.log.Debug("flow loaded",
		slog.String("account", account.Hex()),
		slog.String("authorization", string(grant.Kind)),
		slog.Bool("atomic_batch", caps.AtomicBatch),
	)
	return nil
}

// readGhoBalances loads the discount inputs once so the discount can follow
// every amount change without another read. The discount is informational;
// a failed read only hides it.
func (f *Flow) readGhoBalances(ctx context.Context, account common.Address, chainID *big.Int) *readlayer.GhoBalances {
	if f.req.Kind != action.Borrow || !readlayer.IsGho(chainID.Int64(), common.HexToAddress(f.req.Asset.Address)) {
		return nil
	}
	r, ok := f.deps.Reader.(readlayer.GhoBalanceReader)
	if !ok {
		return nil
	}
	bal, err := r.GhoBalances(ctx, account)
	if err != nil {
		f.log.Debug("GHO discount balances unavailable", slog.String("error", err.Error()))
		return nil
	}
	return &bal
}

func (f *Flow) readMarket(ctx context.Context, account common.Address) (marketState, error) {
	r := f.deps.Reader
	var out marketState
	contracts, err := r.Contracts(ctx)
	if err != nil {
		return out, err
	}
	out.contracts = contracts
	if out.position, err = r.Position(ctx, account); err != nil {
		return out, err
	}

	asset := common.HexToAddress(f.req.Asset.Address)
	switch f.req.Kind {
	case action.ClaimRewards:
		assets := f.req.RewardAssets
		if len(assets) == 0 {
			return out, clierr.New(clierr.CodeUsage, "claim requires at least one incentivized asset")
		}
		raw, err := r.ClaimableRewards(ctx, account, assets, asset)
		if err != nil {
			return out, err
		}
		out.claimable = amount.FromBaseUnits(raw, int32(f.req.Asset.Decimals))
		out.user.WalletBalance = decimal.Zero
		return out, nil
	case action.Stake:
		// The staked token need not be a lending reserve.
		if reserve, err := r.Reserve(ctx, asset); err == nil {
			out.reserve = reserve
		}
	default:
		if out.reserve, err = r.Reserve(ctx, asset); err != nil {
			return out, err
		}
	}
	if out.user, err = r.UserReserve(ctx, account, f.req.Asset); err != nil {
		return out, err
	}
	return out, nil
}

func (f *Flow) targetsFor(m marketState, chainID *big.Int) builder.Targets {
	t := builder.Targets{
		Pool:                 m.contracts.Pool,
		Gateway:              m.contracts.Gateway,
		IncentivesController: m.contracts.IncentivesController,
		AToken:               m.reserve.AToken,
		VariableDebtToken:    m.reserve.VariableDebtToken,
		StakeToken:           f.req.StakeToken,
	}
	if t.StakeToken == (common.Address{}) && chainID != nil {
		if module, ok := registry.AaveSafetyModule(chainID.Int64()); ok {
			t.StakeToken = common.HexToAddress(module.StakeToken)
		}
	}
	return t
}

func (f *Flow) readAllowance(ctx context.Context, account common.Address, grant builder.Grant) (allowance.Record, error) {
	switch grant.Kind {
	case action.AuthApprove:
		return f.deps.Reader.Allowance(ctx, account, grant.Spender, grant.Token)
	case action.AuthDelegation:
		return f.deps.Reader.BorrowAllowance(ctx, grant.Token, account, grant.Spender)
	default:
		return allowance.Record{Owner: account, Known: true, Unlimited: true, FetchedAt: f.deps.Now()}, nil
	}
}

// SetAmount resolves raw (a decimal or "-1" for the maximum) against the
// loaded balances and caps. A changed amount discards a permit signed for the
// old one, clears action-blocking errors and restarts the health preview.
func (f *Flow) SetAmount(raw string) (amount.Resolved, error) {
	in, err := amount.Parse(raw)
	if err != nil {
		return amount.Resolved{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return amount.Resolved{}, ErrClosed
	}
	if !f.loaded {
		return amount.Resolved{}, clierr.New(clierr.CodeUsage, "flow must be loaded before setting an amount")
	}
	prev := f.resolved.CallAmount()
	f.input = in
	f.hasInput = true
	f.resolveLocked()
	if prev.Cmp(f.resolved.CallAmount()) != 0 {
		f.version++
		f.acknowledged = false
		if f.signature != nil {
			f.log.Debug("discarding permit signed for a different amount")
			f.signature = nil
			f.auth.Confirmed = false
		}
		if f.act.Err != nil && f.act.Err.Kind.Blocking() {
			f.act.Err = nil
		}
	}
	f.reevaluateLocked()
	return f.resolved, nil
}

func (f *Flow) resolveLocked() {
	f.resolved = amount.Normalize(f.input, f.amountContextLocked())
	f.ghoDiscount = nil
	if f.gho != nil {
		d := readlayer.ProjectGhoDiscount(*f.gho, f.resolved.OnChain)
		f.ghoDiscount = &d
	}
	switch f.req.Kind {
	case action.Supply, action.Withdraw, action.Borrow, action.Repay:
	default:
		return
	}
	if f.resolved.IsZero() {
		f.previewSeq = 0
		f.risk = safety.RiskAssessment{}
		return
	}
	f.risk = safety.RiskAssessment{Current: f.market.position.HealthFactor}
	f.previewSeq = f.preview.Request(readlayer.Hypothetical{
		Account: f.account,
		Kind:    f.req.Kind,
		Asset:   f.req.Asset,
		Amount:  f.resolved.OnChain,
	})
}

func (f *Flow) amountContextLocked() amount.Context {
	m := f.market
	ctx := amount.Context{
		Kind:           f.req.Kind,
		Decimals:       f.decimals,
		PriceUSD:       m.reserve.PriceUSD,
		WalletBalance:  m.user.WalletBalance,
		Supplied:       m.user.Supplied,
		Debt:           m.user.Debt,
		Claimable:      m.claimable,
		RepayBufferBps: f.cfg.RepayBufferBps,
	}
	liquidity := m.reserve.AvailableLiquidity()
	switch f.req.Kind {
	case action.Supply:
		ctx.SupplyRoom = m.reserve.SupplyRoom()
	case action.Withdraw:
		ctx.Liquidity = &liquidity
		ctx.WithdrawLimit = f.withdrawLimitLocked()
	case action.Borrow:
		borrowable := decimal.Zero
		if m.reserve.PriceUSD.IsPositive() {
			borrowable = m.position.AvailableBorrowsUSD.Div(m.reserve.PriceUSD)
		}
		if room := m.reserve.BorrowRoom(); room != nil {
			borrowable = decimal.Min(borrowable, *room)
		}
		ctx.Borrowable = borrowable
		ctx.Liquidity = &liquidity
	}
	return ctx
}

// withdrawLimitLocked is the collateral that can leave before the health
// factor reaches 1, or nil when withdrawing cannot affect it.
func (f *Flow) withdrawLimitLocked() *decimal.Decimal {
	m := f.market
	if !m.position.TotalDebtUSD.IsPositive() || !m.user.CollateralEnabled || !m.reserve.UsageAsCollateral {
		return nil
	}
	unit := m.reserve.PriceUSD.Mul(m.reserve.LiquidationThreshold)
	if !unit.IsPositive() {
		return nil
	}
	excess := m.position.TotalCollateralUSD.Mul(m.position.LiquidationThreshold).Sub(m.position.TotalDebtUSD)
	limit := excess.Div(unit)
	if limit.IsNegative() {
		limit = decimal.Zero
	}
	return &limit
}

// reevaluateLocked re-runs the allowance resolver and the gas plan. A stale
// "authorized" state is dropped once the resolver requires authorization
// again.
func (f *Flow) reevaluateLocked() {
	if f.needsAuthLocked() && f.auth.Confirmed {
		f.log.Info("authorization no longer covers the requested amount")
		f.auth.Confirmed = false
	}
	f.recomputeGasLocked()
}

func (f *Flow) needsAuthLocked() bool {
	if f.grant.Kind == action.AuthNone || f.grant.Kind == "" {
		return false
	}
	callAmount := f.resolved.CallAmount()
	var pending *allowance.Pending
	if f.signature != nil && f.signature.Check(f.grant.Token, f.grant.Spender, callAmount, f.deps.Now()) == nil {
		pending = &allowance.Pending{Amount: allowance.FromBig(f.signature.Amount)}
	}
	return allowance.NeedsAuthorization(f.allowance, allowance.FromBig(callAmount), pending)
}

func (f *Flow) resetFirstLocked() bool {
	if f.grant.Kind != action.AuthApprove {
		return false
	}
	return allowance.RequiresReset(f.allowance, allowance.FromBig(f.resolved.CallAmount()), f.req.Asset.ResetRequired)
}

func (f *Flow) batchingLocked() bool {
	return f.cfg.Batching && f.caps.AtomicBatch
}

func (f *Flow) permitAvailableLocked() bool {
	return f.grant.Kind == action.AuthApprove &&
		f.req.Asset.SupportsPermit() &&
		f.req.Kind.SupportsPermit() &&
		!f.resetFirstLocked()
}

// authPathLocked is how the current amount's authorization will be met.
func (f *Flow) authPathLocked() gas.AuthPath {
	if !f.needsAuthLocked() {
		if f.signature != nil {
			return gas.AuthPathSignature
		}
		return gas.AuthPathNone
	}
	if f.batchingLocked() && f.cfg.ApprovalMode != ApprovalSignature {
		return gas.AuthPathBatched
	}
	if f.permitAvailableLocked() && f.cfg.ApprovalMode != ApprovalTransaction {
		return gas.AuthPathSignature
	}
	return gas.AuthPathTransaction
}

func (f *Flow) recomputeGasLocked() {
	path := f.authPathLocked()
	op := gas.OperationFor(f.req.Kind, path == gas.AuthPathSignature, f.req.Asset.Native)
	f.gasLimit = gas.RecommendedGasLimit(op, path)
}

func (f *Flow) applyPreview(res safety.Result[readlayer.HealthPreview]) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || res.Seq != f.previewSeq {
		return
	}
	if res.Err != nil {
		f.log.Debug("health factor preview failed", slog.String("error", res.Err.Error()))
		return
	}
	f.risk = safety.Assess(res.Value.Before, res.Value.After, f.cfg.SafeHealthFactor)
}

// AwaitPreview waits for the health factor preview of the current amount and
// returns the assessment it produced. Kinds that cannot lower the health
// factor return the current assessment immediately.
func (f *Flow) AwaitPreview(ctx context.Context) (safety.RiskAssessment, error) {
	f.mu.Lock()
	seq := f.previewSeq
	risk := f.risk
	f.mu.Unlock()
	if seq == 0 {
		return risk, f.checkOpen()
	}
	ctx, stop := f.bind(ctx)
	defer stop()
	preview, err := f.preview.Await(ctx, seq)
	switch {
	case errors.Is(err, safety.ErrSuperseded):
		return safety.RiskAssessment{}, blocked(clierr.CodeBlocked, "amount changed while the health factor preview was running")
	case errors.Is(err, safety.ErrClosed):
		return safety.RiskAssessment{}, ErrClosed
	case err != nil:
		return safety.RiskAssessment{}, clierr.Wrap(clierr.CodeUnavailable, "preview health factor", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.previewSeq == seq {
		f.risk = safety.Assess(preview.Before, preview.After, f.cfg.SafeHealthFactor)
	}
	return f.risk, nil
}

// Acknowledge records the user's acceptance of a below-threshold health
// factor for the current amount.
func (f *Flow) Acknowledge(ack bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acknowledged = ack
}

// SelectFee changes the fee tier used for submissions.
func (f *Flow) SelectFee(tier gas.Tier, customGwei string) error {
	return f.fees.Select(tier, customGwei)
}

// GasPlan is the recommended limit for the current authorization path and,
// when a fee quoter is configured, its cost at the selected tier.
type GasPlan struct {
	Operation  gas.Operation    `json:"operation"`
	AuthPath   gas.AuthPath     `json:"auth_path"`
	GasLimit   uint64           `json:"gas_limit"`
	Tier       gas.Tier         `json:"tier"`
	CustomGwei string           `json:"custom_gwei,omitempty"`
	Quote      *gas.Quote       `json:"quote,omitempty"`
	Fee        *gas.FeeEstimate `json:"fee,omitempty"`
}

func (f *Flow) GasPlan(ctx context.Context) (GasPlan, error) {
	f.mu.Lock()
	path := f.authPathLocked()
	plan := GasPlan{
		Operation: gas.OperationFor(f.req.Kind, path == gas.AuthPathSignature, f.req.Asset.Native),
		AuthPath:  path,
		GasLimit:  f.gasLimit,
	}
	f.mu.Unlock()

	plan.Tier, plan.CustomGwei = f.fees.Current()
	if f.deps.Fees == nil {
		return plan, nil
	}
	quote, err := f.deps.Fees.Quote(ctx, f.fees)
	if err != nil {
		return plan, err
	}
	fee := gas.EstimateFee(plan.GasLimit, quote)
	plan.Quote = &quote
	plan.Fee = &fee
	return plan, nil
}

// Reset clears both transaction states, any signature and error so the same
// amount can be run again as a new flow record.
func (f *Flow) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auth = TransactionState{}
	f.act = TransactionState{}
	f.signature = nil
	f.acknowledged = false
	f.record = nil
	f.id = execution.NewActionID()
	f.reevaluateLocked()
}

// Close stops the preview and cancels in-flight wallet calls. Results that
// arrive afterwards are dropped.
func (f *Flow) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.close()
	f.mu.Unlock()
	f.preview.Close()
}

func (f *Flow) checkOpen() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	return nil
}

// bind ties ctx to the flow lifetime.
func (f *Flow) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(f.life, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (f *Flow) paramsLocked() builder.Params {
	return builder.Params{
		Kind:         f.req.Kind,
		Asset:        f.req.Asset,
		Amount:       f.resolved.CallAmount(),
		Account:      f.account,
		Targets:      f.targets,
		Referral:     f.cfg.Referral,
		RewardAssets: f.req.RewardAssets,
		Reward:       common.HexToAddress(f.req.Asset.Address),
	}
}
