package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/rewards-compounder/internal/errors"
	"github.com/ggonzalez94/rewards-compounder/internal/execution"
	"github.com/ggonzalez94/rewards-compounder/internal/logger"
	"github.com/ggonzalez94/rewards-compounder/internal/onchain"
	"github.com/ggonzalez94/rewards-compounder/internal/registry"
	"github.com/ggonzalez94/rewards-compounder/internal/rewards"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Simulator runs read-only minter dry-runs.
type Simulator interface {
	DryRunRedeemLeveraged(ctx context.Context, minter common.Address, amount *big.Int) (onchain.Quote, error)
	DryRunRedeemPegged(ctx context.Context, minter common.Address, amount *big.Int) (onchain.Quote, error)
	DryRunMint(ctx context.Context, minter common.Address, amount *big.Int) (onchain.Quote, error)
}

// RewardCollector produces the plan-time reward snapshot.
type RewardCollector interface {
	Collect(ctx context.Context, selection rewards.Selection, targetPegged common.Address) ([]rewards.CategorizedReward, error)
}

// PlanCache stores encoded plan results by request key.
type PlanCache interface {
	Get(key string) ([]byte, bool, error)
	Put(key, account string, value []byte, ttl time.Duration) error
}

type FeeKind string

const (
	FeeKindRedeemLeveraged     FeeKind = "redeem_leveraged"
	FeeKindRedeemForeignPegged FeeKind = "redeem_foreign_pegged"
	FeeKindMint                FeeKind = "mint"
)

// Candidate is one simulated venue for one conversion.
type Candidate struct {
	MarketID    string          `json:"market_id"`
	Venue       common.Address  `json:"venue"`
	Fee         *big.Int        `json:"fee"`
	FeePercent  decimal.Decimal `json:"fee_percent"`
	ExpectedOut *big.Int        `json:"expected_out"`
}

// FeeDisclosure describes the chosen venue of one conversion for display.
type FeeDisclosure struct {
	Kind        FeeKind         `json:"kind"`
	Token       common.Address  `json:"token"`
	Symbol      string          `json:"symbol"`
	MarketID    string          `json:"market_id"`
	Venue       common.Address  `json:"venue"`
	Amount      *big.Int        `json:"amount"`
	Fee         *big.Int        `json:"fee"`
	FeePercent  decimal.Decimal `json:"fee_percent"`
	ExpectedOut *big.Int        `json:"expected_out"`
}

type PlanRequest struct {
	TargetMarketID string
	Allocations    []execution.Allocation
	Selection      rewards.Selection
}

type PlanResult struct {
	Plan     *execution.Plan             `json:"plan"`
	Fees     []FeeDisclosure             `json:"fees"`
	Rewards  []rewards.CategorizedReward `json:"rewards"`
	CacheKey string                      `json:"cache_key"`
	CacheHit bool                        `json:"cache_hit"`
}

type Options struct {
	Concurrency   int
	RatePerSecond float64
	CacheTTL      time.Duration
}

func DefaultOptions() Options {
	return Options{Concurrency: 4, RatePerSecond: 10, CacheTTL: 30 * time.Second}
}

type Planner struct {
	reg       *registry.Registry
	collector RewardCollector
	sim       Simulator
	cache     PlanCache
	account   common.Address
	limiter   *rate.Limiter
	opts      Options
}

// New builds a planner for account. A nil cache disables plan caching.
func New(reg *registry.Registry, collector RewardCollector, sim Simulator, account common.Address, cache PlanCache, opts Options) *Planner {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	limit := rate.Inf
	burst := opts.Concurrency
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	return &Planner{
		reg:       reg,
		collector: collector,
		sim:       sim,
		cache:     cache,
		account:   account,
		limiter:   rate.NewLimiter(limit, burst),
		opts:      opts,
	}
}

// PlanCompound turns the selection's claimable rewards into a committed plan that
// converts everything into the target market's pegged token.
func (p *Planner) PlanCompound(ctx context.Context, req PlanRequest) (PlanResult, error) {
	target, ok := p.reg.Market(req.TargetMarketID)
	if !ok {
		return PlanResult{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("unknown target market %q", req.TargetMarketID))
	}
	if err := execution.ValidateAllocations(req.Allocations, p.reg.TargetPools(target.PeggedToken)); err != nil {
		return PlanResult{}, err
	}
	key, err := CacheKey(p.account, req)
	if err != nil {
		return PlanResult{}, clierr.Wrap(clierr.CodeInternal, "compute plan cache key", err)
	}
	log := logger.GetForComponent("planner")
	if cached, ok := p.lookup(key); ok {
		log.Debug().Str("key", key).Msg("plan cache hit")
		return cached, nil
	}

	collected, err := p.collector.Collect(ctx, req.Selection, target.PeggedToken)
	if err != nil {
		return PlanResult{}, clierr.Wrap(clierr.CodeUnavailable, "collect claimable rewards", err)
	}
	if !hasRewards(collected) {
		return PlanResult{}, clierr.New(clierr.CodeSetup, "no claimable rewards found")
	}

	b := &builder{p: p, target: target}
	plan, fees, err := b.build(ctx, collected, req.Allocations)
	if err != nil {
		return PlanResult{}, err
	}
	result := PlanResult{Plan: plan, Fees: fees, Rewards: collected, CacheKey: key}
	p.store(key, result)
	log.Info().
		Str("target", target.ID).
		Int("redeem_leveraged", len(plan.RedeemLeveraged)).
		Int("redeem_foreign", len(plan.RedeemForeignPegged)).
		Int("mint", len(plan.Mint)).
		Str("expected_total", plan.ExpectedTotal.String()).
		Msg("plan ready")
	return result, nil
}

func (p *Planner) lookup(key string) (PlanResult, bool) {
	if p.cache == nil {
		return PlanResult{}, false
	}
	buf, ok, err := p.cache.Get(key)
	if err != nil || !ok {
		return PlanResult{}, false
	}
	var result PlanResult
	if err := json.Unmarshal(buf, &result); err != nil || result.Plan == nil {
		return PlanResult{}, false
	}
	result.CacheHit = true
	return result, true
}

func (p *Planner) store(key string, result PlanResult) {
	if p.cache == nil {
		return
	}
	buf, err := json.Marshal(result)
	if err == nil {
		err = p.cache.Put(key, p.account.Hex(), buf, p.opts.CacheTTL)
	}
	if err != nil {
		log := logger.GetForComponent("planner")
		log.Warn().Err(err).Msg("cache plan failed")
	}
}

func hasRewards(collected []rewards.CategorizedReward) bool {
	for _, r := range collected {
		if r.Amount != nil && r.Amount.Sign() > 0 {
			return true
		}
	}
	return false
}
