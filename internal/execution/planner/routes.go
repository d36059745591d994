package planner

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/rewards-compounder/internal/errors"
	"github.com/ggonzalez94/rewards-compounder/internal/execution"
	"github.com/ggonzalez94/rewards-compounder/internal/logger"
	"github.com/ggonzalez94/rewards-compounder/internal/onchain"
	"github.com/ggonzalez94/rewards-compounder/internal/registry"
	"github.com/ggonzalez94/rewards-compounder/internal/rewards"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Fee percentages are compared after rounding to this many decimal places.
const feePercentPlaces int32 = 6

type dryRun func(ctx context.Context, minter common.Address, amount *big.Int) (onchain.Quote, error)

// job is one venue simulation. Results are written in place; each job is owned by
// exactly one goroutine.
type job struct {
	market registry.Market
	amount *big.Int
	sim    dryRun
	cand   Candidate
	ok     bool
}

// conversion groups the candidate venues for one input token.
type conversion struct {
	kind   FeeKind
	token  common.Address
	symbol string
	amount *big.Int
	jobs   []*job
}

type builder struct {
	p      *Planner
	target registry.Market
}

func (b *builder) build(ctx context.Context, collected []rewards.CategorizedReward, allocations []execution.Allocation) (*execution.Plan, []FeeDisclosure, error) {
	plan := &execution.Plan{
		TargetMarketID:      b.target.ID,
		TargetToken:         b.target.PeggedToken,
		RedeemLeveraged:     []execution.LeveragedRedeem{},
		RedeemForeignPegged: []execution.ForeignRedeem{},
		Mint:                []execution.MintEntry{},
		Allocations:         append([]execution.Allocation(nil), allocations...),
		DirectTarget:        new(big.Int),
		ExpectedTotal:       new(big.Int),
	}
	fees := []FeeDisclosure{}
	wrapped := map[common.Address]*big.Int{}

	redeems := make([]*conversion, 0)
	for _, r := range collected {
		if r.Amount == nil || r.Amount.Sign() <= 0 {
			continue
		}
		symbol := b.symbol(r.Token, r.Symbol)
		switch r.Role {
		case rewards.RoleTargetPegged:
			plan.DirectTarget.Add(plan.DirectTarget, r.Amount)
		case rewards.RoleLeveraged:
			m, ok := b.p.reg.MarketByLeveraged(r.Token)
			if !ok {
				return nil, nil, noRoute(symbol, r.Token)
			}
			redeems = append(redeems, &conversion{
				kind: FeeKindRedeemLeveraged, token: r.Token, symbol: symbol, amount: r.Amount,
				jobs: []*job{{market: m, amount: r.Amount, sim: b.p.sim.DryRunRedeemLeveraged}},
			})
		case rewards.RoleForeignPegged:
			markets := b.p.reg.MarketsByPegged(r.Token)
			if len(markets) == 0 {
				return nil, nil, noRoute(symbol, r.Token)
			}
			c := &conversion{kind: FeeKindRedeemForeignPegged, token: r.Token, symbol: symbol, amount: r.Amount}
			for _, m := range markets {
				c.jobs = append(c.jobs, &job{market: m, amount: r.Amount, sim: b.p.sim.DryRunRedeemPegged})
			}
			redeems = append(redeems, c)
		case rewards.RoleCollateral:
			if !b.isWrapped(r.Token) {
				return nil, nil, noRoute(symbol, r.Token)
			}
			addTo(wrapped, r.Token, r.Amount)
		default:
			return nil, nil, clierr.New(clierr.CodeInternal, fmt.Sprintf("unclassified reward %s", r.Token.Hex()))
		}
	}

	if err := b.simulate(ctx, redeems); err != nil {
		return nil, nil, err
	}
	for _, c := range redeems {
		best, ok := pick(c.jobs)
		if !ok {
			return nil, nil, noRoute(c.symbol, c.token)
		}
		wrappedToken := best.market.WrappedCollateralToken
		if c.kind == FeeKindRedeemLeveraged {
			plan.RedeemLeveraged = append(plan.RedeemLeveraged, execution.LeveragedRedeem{
				MarketID:               best.market.ID,
				LeveragedToken:         c.token,
				Amount:                 new(big.Int).Set(c.amount),
				Venue:                  best.market.Minter,
				WrappedCollateralToken: wrappedToken,
				Fee:                    best.cand.Fee,
				ExpectedOut:            best.cand.ExpectedOut,
			})
		} else {
			plan.RedeemForeignPegged = append(plan.RedeemForeignPegged, execution.ForeignRedeem{
				MarketID:               best.market.ID,
				PeggedToken:            c.token,
				Amount:                 new(big.Int).Set(c.amount),
				Venue:                  best.market.Minter,
				WrappedCollateralToken: wrappedToken,
				Fee:                    best.cand.Fee,
				ExpectedOut:            best.cand.ExpectedOut,
			})
		}
		fees = append(fees, disclosure(c, best))
		addTo(wrapped, wrappedToken, best.cand.ExpectedOut)
	}

	tokens := make([]common.Address, 0, len(wrapped))
	for token, amount := range wrapped {
		if amount.Sign() > 0 {
			tokens = append(tokens, token)
		}
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].Cmp(tokens[j]) < 0 })
	mints := make([]*conversion, 0, len(tokens))
	for _, token := range tokens {
		symbol := b.symbol(token, "")
		venues := b.p.reg.MintVenues(b.target.PeggedToken, token)
		if len(venues) == 0 {
			return nil, nil, noRoute(symbol, token)
		}
		c := &conversion{kind: FeeKindMint, token: token, symbol: symbol, amount: wrapped[token]}
		for _, m := range venues {
			c.jobs = append(c.jobs, &job{market: m, amount: wrapped[token], sim: b.p.sim.DryRunMint})
		}
		mints = append(mints, c)
	}
	if err := b.simulate(ctx, mints); err != nil {
		return nil, nil, err
	}
	plan.ExpectedTotal.Set(plan.DirectTarget)
	for _, c := range mints {
		best, ok := pick(c.jobs)
		if !ok {
			return nil, nil, noRoute(c.symbol, c.token)
		}
		plan.Mint = append(plan.Mint, execution.MintEntry{
			MarketID:               best.market.ID,
			WrappedCollateralToken: c.token,
			Amount:                 new(big.Int).Set(c.amount),
			Venue:                  best.market.Minter,
			Fee:                    best.cand.Fee,
			ExpectedMint:           best.cand.ExpectedOut,
		})
		fees = append(fees, disclosure(c, best))
		plan.ExpectedTotal.Add(plan.ExpectedTotal, best.cand.ExpectedOut)
	}
	return plan, fees, nil
}

// simulate runs every job of every conversion concurrently under the planner's
// concurrency bound and rate limit. A failed dry-run, or one quoting no output, only
// disqualifies its venue.
func (b *builder) simulate(ctx context.Context, conversions []*conversion) error {
	log := logger.GetForComponent("planner")
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.p.opts.Concurrency)
	for _, c := range conversions {
		for _, j := range c.jobs {
			g.Go(func() error {
				if err := b.p.limiter.Wait(gctx); err != nil {
					return clierr.Wrap(clierr.CodeUnavailable, "rate limit simulations", err)
				}
				quote, err := j.sim(gctx, j.market.Minter, j.amount)
				if err != nil {
					log.Warn().Err(err).Str("kind", string(c.kind)).Str("market", j.market.ID).Str("token", c.token.Hex()).Msg("dry-run failed; venue skipped")
					return nil
				}
				if quote.Out == nil || quote.Out.Sign() <= 0 {
					log.Warn().Str("kind", string(c.kind)).Str("market", j.market.ID).Str("token", c.token.Hex()).Msg("dry-run quoted no output; venue skipped")
					return nil
				}
				j.cand = newCandidate(j.market, quote)
				j.ok = true
				return nil
			})
		}
	}
	return g.Wait()
}

func (b *builder) isWrapped(token common.Address) bool {
	for _, m := range b.p.reg.Markets() {
		if m.WrappedCollateralToken == token {
			return true
		}
	}
	return false
}

func (b *builder) symbol(token common.Address, fallback string) string {
	if s := b.p.reg.Symbol(token); s != "" {
		return s
	}
	if fallback != "" {
		return fallback
	}
	return rewards.ShortAddress(token)
}

func newCandidate(m registry.Market, q onchain.Quote) Candidate {
	fee := nonNil(q.Fee)
	out := nonNil(q.Out)
	return Candidate{
		MarketID:    m.ID,
		Venue:       m.Minter,
		Fee:         fee,
		FeePercent:  FeePercent(fee, out),
		ExpectedOut: out,
	}
}

// FeePercent is fee / (fee + out) * 100, rounded to six decimal places.
func FeePercent(fee, out *big.Int) decimal.Decimal {
	f := decimal.NewFromBigInt(nonNil(fee), 0)
	total := f.Add(decimal.NewFromBigInt(nonNil(out), 0))
	if total.IsZero() {
		return decimal.Zero
	}
	return f.Mul(decimal.NewFromInt(100)).DivRound(total, feePercentPlaces)
}

// pick returns the best simulated venue: lowest fee percent, then highest output,
// then lowest market id.
func pick(jobs []*job) (*job, bool) {
	ok := make([]*job, 0, len(jobs))
	for _, j := range jobs {
		if j.ok {
			ok = append(ok, j)
		}
	}
	if len(ok) == 0 {
		return nil, false
	}
	sort.SliceStable(ok, func(i, k int) bool {
		a, b := ok[i].cand, ok[k].cand
		if c := a.FeePercent.Cmp(b.FeePercent); c != 0 {
			return c < 0
		}
		if c := a.ExpectedOut.Cmp(b.ExpectedOut); c != 0 {
			return c > 0
		}
		return a.MarketID < b.MarketID
	})
	return ok[0], true
}

func disclosure(c *conversion, best *job) FeeDisclosure {
	return FeeDisclosure{
		Kind:        c.kind,
		Token:       c.token,
		Symbol:      c.symbol,
		MarketID:    best.market.ID,
		Venue:       best.market.Minter,
		Amount:      new(big.Int).Set(c.amount),
		Fee:         best.cand.Fee,
		FeePercent:  best.cand.FeePercent,
		ExpectedOut: best.cand.ExpectedOut,
	}
}

func noRoute(symbol string, token common.Address) error {
	return clierr.New(clierr.CodeNoRoute, fmt.Sprintf("no route found for %s (%s)", symbol, token.Hex()))
}

func addTo(m map[common.Address]*big.Int, token common.Address, v *big.Int) {
	if v == nil {
		return
	}
	if cur, ok := m[token]; ok {
		cur.Add(cur, v)
		return
	}
	m[token] = new(big.Int).Set(v)
}

func nonNil(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
