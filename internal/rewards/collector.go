package rewards

import (
	"context"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/rewards-compounder/internal/logger"
	"github.com/ggonzalez94/rewards-compounder/internal/onchain"
	"github.com/ggonzalez94/rewards-compounder/internal/registry"
	"golang.org/x/sync/errgroup"
)

// Role is the financial role of a reward token relative to the target.
type Role string

const (
	RoleCollateral    Role = "collateral"
	RoleTargetPegged  Role = "target_pegged"
	RoleForeignPegged Role = "foreign_pegged"
	RoleLeveraged     Role = "leveraged"
)

// PoolRef names one selected stability pool.
type PoolRef struct {
	MarketID string            `json:"market_id"`
	Role     registry.PoolRole `json:"role"`
}

// Selection is the ordered set of pools chosen for a run.
type Selection []PoolRef

type CategorizedReward struct {
	Token    common.Address `json:"token"`
	Symbol   string         `json:"symbol"`
	Amount   *big.Int       `json:"amount"`
	Role     Role           `json:"role"`
	MarketID string         `json:"market_id,omitempty"`
}

// ResolvedPool is a selection entry with its live address.
type ResolvedPool struct {
	PoolRef
	Address common.Address `json:"address"`
}

// PoolClaim is the claimable snapshot of one pool.
type PoolClaim struct {
	Pool    ResolvedPool
	Rewards []onchain.RewardBalance
	Failed  bool
}

// Snapshot is one read of every selected pool.
type Snapshot struct {
	Pools   []PoolClaim
	Rewards []CategorizedReward
}

// ClaimablePools lists pools with at least one non-zero claimable amount, in selection order.
func (s Snapshot) ClaimablePools() []ResolvedPool {
	out := make([]ResolvedPool, 0, len(s.Pools))
	for _, p := range s.Pools {
		for _, r := range p.Rewards {
			if r.Amount != nil && r.Amount.Sign() > 0 {
				out = append(out, p.Pool)
				break
			}
		}
	}
	return out
}

// RewardSource is the reward-query interface of a stability pool.
type RewardSource interface {
	ClaimableRewards(ctx context.Context, pool, account common.Address) ([]onchain.RewardBalance, error)
}

// SymbolSource resolves symbols for tokens the registry does not know.
type SymbolSource interface {
	Symbol(ctx context.Context, token common.Address) (string, error)
}

type Collector struct {
	reg         *registry.Registry
	source      RewardSource
	account     common.Address
	concurrency int
}

func NewCollector(reg *registry.Registry, source RewardSource, account common.Address, concurrency int) *Collector {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Collector{reg: reg, source: source, account: account, concurrency: concurrency}
}

// Resolve maps selection entries to pool addresses. Unresolved and repeated pools are dropped.
func (c *Collector) Resolve(selection Selection) []ResolvedPool {
	log := logger.GetForComponent("collector")
	seen := map[common.Address]bool{}
	out := make([]ResolvedPool, 0, len(selection))
	for _, ref := range selection {
		addr, ok := c.reg.PoolAddress(ref.MarketID, ref.Role)
		if !ok {
			log.Debug().Str("market", ref.MarketID).Str("pool", string(ref.Role)).Msg("skipping unresolved pool")
			continue
		}
		if seen[addr] {
			continue
		}
		seen[addr] = true
		out = append(out, ResolvedPool{PoolRef: ref, Address: addr})
	}
	return out
}

// Collect returns the aggregated, classified claimable rewards of a selection.
func (c *Collector) Collect(ctx context.Context, selection Selection, targetPegged common.Address) ([]CategorizedReward, error) {
	snap, err := c.Scan(ctx, selection, targetPegged)
	if err != nil {
		return nil, err
	}
	return snap.Rewards, nil
}

// Scan reads every resolved pool concurrently. A pool whose query fails contributes nothing.
func (c *Collector) Scan(ctx context.Context, selection Selection, targetPegged common.Address) (Snapshot, error) {
	log := logger.GetForComponent("collector")
	pools := c.Resolve(selection)
	claims := make([]PoolClaim, len(pools))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, pool := range pools {
		g.Go(func() error {
			claims[i].Pool = pool
			rewards, err := c.source.ClaimableRewards(gctx, pool.Address, c.account)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				log.Warn().Err(err).Str("market", pool.MarketID).Str("pool", pool.Address.Hex()).Msg("claimable rewards query failed; counting as zero")
				claims[i].Failed = true
				return nil
			}
			claims[i].Rewards = rewards
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}

	totals := map[common.Address]*big.Int{}
	for _, claim := range claims {
		for _, r := range claim.Rewards {
			if r.Amount == nil || r.Amount.Sign() <= 0 {
				continue
			}
			if cur, ok := totals[r.Token]; ok {
				cur.Add(cur, r.Amount)
				continue
			}
			totals[r.Token] = new(big.Int).Set(r.Amount)
		}
	}

	out := make([]CategorizedReward, 0, len(totals))
	for token, amount := range totals {
		role, marketID := c.Classify(token, targetPegged)
		out = append(out, CategorizedReward{
			Token:    token,
			Symbol:   c.symbol(ctx, token),
			Amount:   amount,
			Role:     role,
			MarketID: marketID,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Token.Cmp(out[j].Token) < 0
	})
	return Snapshot{Pools: claims, Rewards: out}, nil
}

// Classify assigns exactly one role to a token. Precedence: target pegged, leveraged,
// collateral, foreign pegged. The market id is the owning market, when one is known.
func (c *Collector) Classify(token, targetPegged common.Address) (Role, string) {
	if token == targetPegged {
		return RoleTargetPegged, firstID(c.reg.MarketsByPegged(token))
	}
	if m, ok := c.reg.MarketByLeveraged(token); ok {
		return RoleLeveraged, m.ID
	}
	if c.reg.IsCollateral(token) {
		return RoleCollateral, firstID(c.reg.MarketsByCollateral(token))
	}
	return RoleForeignPegged, firstID(c.reg.MarketsByPegged(token))
}

func (c *Collector) symbol(ctx context.Context, token common.Address) string {
	if s := c.reg.Symbol(token); s != "" {
		return s
	}
	if src, ok := c.source.(SymbolSource); ok {
		if s, err := src.Symbol(ctx, token); err == nil && s != "" {
			return s
		}
	}
	return ShortAddress(token)
}

// ShortAddress renders 0x1234...abcd style labels for unknown tokens.
func ShortAddress(addr common.Address) string {
	hex := addr.Hex()
	return hex[:6] + "..." + hex[len(hex)-4:]
}

func firstID(markets []registry.Market) string {
	if len(markets) == 0 {
		return ""
	}
	return markets[0].ID
}
