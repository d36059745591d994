package execution

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/rewards-compounder/internal/errors"
	"github.com/ggonzalez94/rewards-compounder/internal/onchain"
	"github.com/ggonzalez94/rewards-compounder/internal/registry"
	"github.com/ggonzalez94/rewards-compounder/internal/rewards"
	"github.com/rs/zerolog"
)

// Chain is everything the executor reads, simulates and signs. Writes return once mined.
type Chain interface {
	Account() common.Address
	BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error)
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	Approve(ctx context.Context, token, spender common.Address, amount *big.Int) (onchain.Tx, error)
	Claim(ctx context.Context, pool common.Address) (onchain.Tx, error)
	RedeemLeveraged(ctx context.Context, minter common.Address, amount, minOut *big.Int) (onchain.Tx, error)
	RedeemPegged(ctx context.Context, minter common.Address, amount, minOut *big.Int) (onchain.Tx, error)
	Mint(ctx context.Context, minter common.Address, amount, minOut *big.Int) (onchain.Tx, error)
	Deposit(ctx context.Context, pool common.Address, amount, minOut *big.Int) (onchain.Tx, error)
	DryRunRedeemLeveraged(ctx context.Context, minter common.Address, amount *big.Int) (onchain.Quote, error)
	DryRunRedeemPegged(ctx context.Context, minter common.Address, amount *big.Int) (onchain.Quote, error)
	DryRunMint(ctx context.Context, minter common.Address, amount *big.Int) (onchain.Quote, error)
}

// Scanner takes the execution-time claimable snapshot.
type Scanner interface {
	Scan(ctx context.Context, selection rewards.Selection, targetPegged common.Address) (rewards.Snapshot, error)
}

// Refresher reloads read caches once a run completes.
type Refresher interface {
	Refresh(ctx context.Context) error
}

type Options struct {
	SlippageBps     int64
	NonceRetryDelay time.Duration
}

func DefaultOptions() Options {
	return Options{SlippageBps: DefaultSlippageBps, NonceRetryDelay: 2 * time.Second}
}

type Executor struct {
	chain     Chain
	reg       *registry.Registry
	scanner   Scanner
	refresher Refresher
	opts      Options
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewExecutor(chain Chain, reg *registry.Registry, scanner Scanner, refresher Refresher, opts Options) *Executor {
	if opts.SlippageBps <= 0 {
		opts.SlippageBps = DefaultSlippageBps
	}
	if opts.NonceRetryDelay <= 0 {
		opts.NonceRetryDelay = 2 * time.Second
	}
	return &Executor{chain: chain, reg: reg, scanner: scanner, refresher: refresher, opts: opts, sleep: sleepContext}
}

type DepositResult struct {
	Pool     common.Address `json:"pool"`
	MarketID string         `json:"market_id"`
	Amount   *big.Int       `json:"amount"`
}

type Summary struct {
	Deposits []DepositResult `json:"deposits"`
	Total    *big.Int        `json:"total"`
}

func (s *Summary) add(pool common.Address, marketID string, amount *big.Int) {
	if s.Total == nil {
		s.Total = new(big.Int)
	}
	s.Deposits = append(s.Deposits, DepositResult{Pool: pool, MarketID: marketID, Amount: amount})
	s.Total.Add(s.Total, amount)
}

// RunConsolidated executes a committed plan: claim, redeem leveraged, redeem foreign
// pegged, mint the target and deposit it across the plan's allocations.
func (e *Executor) RunConsolidated(ctx context.Context, plan *Plan, selection rewards.Selection, tracker *Tracker) (Summary, error) {
	if plan == nil {
		return Summary{}, clierr.New(clierr.CodeSetup, "missing execution plan")
	}
	if plan.TargetToken == (common.Address{}) {
		return Summary{}, clierr.New(clierr.CodeSetup, "missing target token address")
	}
	if err := ValidateAllocations(plan.Allocations, e.reg.TargetPools(plan.TargetToken)); err != nil {
		return Summary{}, err
	}
	snap, err := e.scanner.Scan(ctx, selection, plan.TargetToken)
	if err != nil {
		return Summary{}, clierr.Wrap(clierr.CodeUnavailable, "read claimable rewards", err)
	}
	claimPools := snap.ClaimablePools()
	if len(claimPools) == 0 {
		return Summary{}, clierr.New(clierr.CodeSetup, "no claimable rewards found")
	}

	r := e.newRun(ctx, tracker)
	steps := r.claimSteps(claimPools)
	levOps := make([]conversion, 0, len(plan.RedeemLeveraged))
	for i, entry := range plan.RedeemLeveraged {
		op := conversion{
			approveID:     fmt.Sprintf("approve-redeem-leveraged-%d", i+1),
			stepID:        fmt.Sprintf("redeem-leveraged-%d", i+1),
			kind:          StepKindRedeemLeveraged,
			input:         entry.LeveragedToken,
			output:        entry.WrappedCollateralToken,
			venue:         entry.Venue,
			venueLabel:    entry.MarketID,
			plannedAmount: entry.Amount,
			plannedOut:    entry.ExpectedOut,
			fee:           entry.Fee,
			dryRun:        e.chain.DryRunRedeemLeveraged,
			submit:        e.chain.RedeemLeveraged,
		}
		levOps = append(levOps, op)
		steps = append(steps, r.conversionSteps(op)...)
	}
	pegOps := make([]conversion, 0, len(plan.RedeemForeignPegged))
	for i, entry := range plan.RedeemForeignPegged {
		op := conversion{
			approveID:     fmt.Sprintf("approve-redeem-pegged-%d", i+1),
			stepID:        fmt.Sprintf("redeem-pegged-%d", i+1),
			kind:          StepKindRedeemPegged,
			input:         entry.PeggedToken,
			output:        entry.WrappedCollateralToken,
			venue:         entry.Venue,
			venueLabel:    entry.MarketID,
			plannedAmount: entry.Amount,
			plannedOut:    entry.ExpectedOut,
			fee:           entry.Fee,
			dryRun:        e.chain.DryRunRedeemPegged,
			submit:        e.chain.RedeemPegged,
		}
		pegOps = append(pegOps, op)
		steps = append(steps, r.conversionSteps(op)...)
	}
	mintOps := make([]conversion, 0, len(plan.Mint))
	for i, entry := range plan.Mint {
		op := conversion{
			approveID:     fmt.Sprintf("approve-mint-%d", i+1),
			stepID:        fmt.Sprintf("mint-%d", i+1),
			kind:          StepKindMint,
			input:         entry.WrappedCollateralToken,
			output:        plan.TargetToken,
			venue:         entry.Venue,
			venueLabel:    entry.MarketID,
			plannedAmount: entry.Amount,
			plannedOut:    entry.ExpectedMint,
			fee:           entry.Fee,
			dryRun:        e.chain.DryRunMint,
			submit:        e.chain.Mint,
		}
		mintOps = append(mintOps, op)
		steps = append(steps, r.conversionSteps(op)...)
	}
	deposits := r.depositOps("", plan.TargetToken, plan.Allocations)
	for _, op := range deposits {
		steps = append(steps, r.depositSteps(op)...)
	}
	if err := tracker.Commit(steps); err != nil {
		return Summary{}, clierr.Wrap(clierr.CodeInternal, "commit steps", err)
	}

	planned := map[common.Address]bool{plan.TargetToken: true}
	for _, op := range levOps {
		planned[op.input] = true
	}
	for _, op := range pegOps {
		planned[op.input] = true
	}
	for _, op := range mintOps {
		planned[op.input] = true
	}
	claimed, err := r.claimAll(snap, claimPools, func(_ rewards.ResolvedPool, token common.Address) bool {
		return planned[token]
	})
	if err != nil {
		return Summary{}, err
	}
	totals := sumDeltas(claimed)

	wrapped := balances{}
	for _, op := range levOps {
		op.amount = totals.get(op.input)
		out, err := r.convert(op)
		if err != nil {
			return Summary{}, err
		}
		wrapped.add(op.output, out)
	}
	for _, op := range pegOps {
		op.amount = totals.get(op.input)
		out, err := r.convert(op)
		if err != nil {
			return Summary{}, err
		}
		wrapped.add(op.output, out)
	}
	seen := map[common.Address]bool{}
	for _, op := range mintOps {
		if !seen[op.input] {
			seen[op.input] = true
			wrapped.add(op.input, totals.get(op.input))
		}
	}
	target := totals.get(plan.TargetToken)
	for _, op := range mintOps {
		op.amount = wrapped.take(op.input)
		out, err := r.convert(op)
		if err != nil {
			return Summary{}, err
		}
		target.Add(target, out)
	}

	summary, err := r.deposit(deposits, target)
	if err != nil {
		return summary, err
	}
	e.refresh(ctx, r.log)
	return summary, nil
}

// RunSimple compounds each market's rewards inside that market: redeem its own
// leveraged token, mint its own pegged token and deposit into its own pools.
// Rewards in other markets' tokens are left in the wallet.
func (e *Executor) RunSimple(ctx context.Context, selection rewards.Selection, allocations []Allocation, tracker *Tracker) (Summary, error) {
	for _, a := range allocations {
		if _, ok := e.reg.PoolMarket(a.Pool); !ok {
			return Summary{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("pool %s is not a known stability pool", a.Pool.Hex()))
		}
	}
	snap, err := e.scanner.Scan(ctx, selection, common.Address{})
	if err != nil {
		return Summary{}, clierr.Wrap(clierr.CodeUnavailable, "read claimable rewards", err)
	}
	claimPools := snap.ClaimablePools()
	if len(claimPools) == 0 {
		return Summary{}, clierr.New(clierr.CodeSetup, "no claimable rewards found")
	}

	r := e.newRun(ctx, tracker)
	markets := make([]registry.Market, 0)
	seenMarket := map[string]bool{}
	for _, p := range claimPools {
		if seenMarket[p.MarketID] {
			continue
		}
		seenMarket[p.MarketID] = true
		m, ok := e.reg.Market(p.MarketID)
		if !ok {
			return Summary{}, clierr.New(clierr.CodeSetup, "missing market "+p.MarketID)
		}
		markets = append(markets, m)
	}
	pending := pendingByMarket(snap)

	type marketOps struct {
		market   registry.Market
		redeem   *conversion
		mint     *conversion
		deposits []depositOp
	}
	plans := make([]marketOps, 0, len(markets))
	for _, m := range markets {
		mo := marketOps{market: m}
		has := pending[m.ID]
		if m.LeveragedToken != (common.Address{}) && has[m.LeveragedToken] {
			mo.redeem = &conversion{
				approveID:  "approve-redeem-" + m.ID,
				stepID:     "redeem-" + m.ID,
				kind:       StepKindRedeemLeveraged,
				input:      m.LeveragedToken,
				output:     m.WrappedCollateralToken,
				venue:      m.Minter,
				venueLabel: m.ID,
				dryRun:     e.chain.DryRunRedeemLeveraged,
				submit:     e.chain.RedeemLeveraged,
			}
		}
		if mo.redeem != nil || has[m.WrappedCollateralToken] {
			mo.mint = &conversion{
				approveID:  "approve-mint-" + m.ID,
				stepID:     "mint-" + m.ID,
				kind:       StepKindMint,
				input:      m.WrappedCollateralToken,
				output:     m.PeggedToken,
				venue:      m.Minter,
				venueLabel: m.ID,
				dryRun:     e.chain.DryRunMint,
				submit:     e.chain.Mint,
			}
		}
		if mo.mint != nil || has[m.PeggedToken] {
			allocs, err := marketAllocations(m, allocations)
			if err != nil {
				return Summary{}, err
			}
			mo.deposits = r.depositOps(m.ID, m.PeggedToken, allocs)
		}
		plans = append(plans, mo)
	}

	steps := r.claimSteps(claimPools)
	for _, mo := range plans {
		if mo.redeem != nil {
			steps = append(steps, r.conversionSteps(*mo.redeem)...)
		}
	}
	for _, mo := range plans {
		if mo.mint != nil {
			steps = append(steps, r.conversionSteps(*mo.mint)...)
		}
	}
	for _, mo := range plans {
		for _, op := range mo.deposits {
			steps = append(steps, r.depositSteps(op)...)
		}
	}
	if err := tracker.Commit(steps); err != nil {
		return Summary{}, clierr.Wrap(clierr.CodeInternal, "commit steps", err)
	}

	spent := map[string]map[common.Address]bool{}
	for _, mo := range plans {
		own := map[common.Address]bool{}
		if mo.redeem != nil {
			own[mo.redeem.input] = true
		}
		if mo.mint != nil {
			own[mo.mint.input] = true
		}
		if len(mo.deposits) > 0 {
			own[mo.market.PeggedToken] = true
		}
		spent[mo.market.ID] = own
	}
	claimed, err := r.claimAll(snap, claimPools, func(p rewards.ResolvedPool, token common.Address) bool {
		return spent[p.MarketID][token]
	})
	if err != nil {
		return Summary{}, err
	}
	byMarket := map[string]balances{}
	for _, p := range claimPools {
		if byMarket[p.MarketID] == nil {
			byMarket[p.MarketID] = balances{}
		}
		for token, v := range claimed[p.Address] {
			byMarket[p.MarketID].add(token, v)
		}
	}

	wrapped := map[string]*big.Int{}
	for _, mo := range plans {
		got := byMarket[mo.market.ID]
		wrapped[mo.market.ID] = got.get(mo.market.WrappedCollateralToken)
		if mo.redeem == nil {
			continue
		}
		op := *mo.redeem
		op.amount = got.get(op.input)
		out, err := r.convert(op)
		if err != nil {
			return Summary{}, err
		}
		wrapped[mo.market.ID].Add(wrapped[mo.market.ID], out)
	}
	minted := map[string]*big.Int{}
	for _, mo := range plans {
		if mo.mint == nil {
			continue
		}
		op := *mo.mint
		op.amount = wrapped[mo.market.ID]
		out, err := r.convert(op)
		if err != nil {
			return Summary{}, err
		}
		minted[mo.market.ID] = out
	}

	summary := Summary{Total: new(big.Int)}
	for _, mo := range plans {
		if len(mo.deposits) == 0 {
			continue
		}
		total := byMarket[mo.market.ID].get(mo.market.PeggedToken)
		if v := minted[mo.market.ID]; v != nil {
			total.Add(total, v)
		}
		part, err := r.deposit(mo.deposits, total)
		for _, d := range part.Deposits {
			summary.add(d.Pool, d.MarketID, d.Amount)
		}
		if err != nil {
			return summary, err
		}
	}
	e.refresh(ctx, r.log)
	return summary, nil
}

func (e *Executor) refresh(ctx context.Context, log zerolog.Logger) {
	if e.refresher == nil {
		return
	}
	if err := e.refresher.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("refresh after run failed")
	}
}

// marketAllocations keeps the allocations that target m's pools, defaulting to its
// collateral pool.
func marketAllocations(m registry.Market, allocations []Allocation) ([]Allocation, error) {
	own := []common.Address{}
	for _, p := range []common.Address{m.CollateralPool, m.SailPool} {
		if p != (common.Address{}) {
			own = append(own, p)
		}
	}
	if len(own) == 0 {
		return nil, clierr.New(clierr.CodeSetup, "market "+m.ID+" has no stability pools")
	}
	out := make([]Allocation, 0)
	for _, a := range allocations {
		if a.Pool == m.CollateralPool || a.Pool == m.SailPool {
			out = append(out, a)
		}
	}
	if len(out) == 0 {
		return []Allocation{{Pool: own[0], Percentage: 100}}, nil
	}
	if err := ValidateAllocations(out, own); err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "market "+m.ID+" allocations", err)
	}
	return out, nil
}

// pendingByMarket lists, per market, the tokens its selected pools will pay out.
func pendingByMarket(snap rewards.Snapshot) map[string]map[common.Address]bool {
	out := map[string]map[common.Address]bool{}
	for _, p := range snap.Pools {
		for _, r := range p.Rewards {
			if r.Amount == nil || r.Amount.Sign() <= 0 {
				continue
			}
			if out[p.Pool.MarketID] == nil {
				out[p.Pool.MarketID] = map[common.Address]bool{}
			}
			out[p.Pool.MarketID][r.Token] = true
		}
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// balances is a per-token running total.
type balances map[common.Address]*big.Int

func (b balances) add(token common.Address, v *big.Int) {
	if v == nil {
		return
	}
	if cur, ok := b[token]; ok {
		cur.Add(cur, v)
		return
	}
	b[token] = new(big.Int).Set(v)
}

// get returns a copy of the total, zero when absent.
func (b balances) get(token common.Address) *big.Int {
	if cur, ok := b[token]; ok {
		return new(big.Int).Set(cur)
	}
	return new(big.Int)
}

func (b balances) take(token common.Address) *big.Int {
	v := b.get(token)
	delete(b, token)
	return v
}

func sumDeltas(perPool map[common.Address]balances) balances {
	out := balances{}
	for _, deltas := range perPool {
		for token, v := range deltas {
			out.add(token, v)
		}
	}
	return out
}
