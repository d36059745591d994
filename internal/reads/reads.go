package reads

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/rewards-compounder/internal/logger"
	"github.com/ggonzalez94/rewards-compounder/internal/registry"
	"golang.org/x/sync/errgroup"
)

// Field names one logical read of a market.
type Field string

const (
	FieldPeggedSupply          Field = "pegged_supply"
	FieldLeveragedSupply       Field = "leveraged_supply"
	FieldCollateralRatio       Field = "collateral_ratio"
	FieldCollateralPoolAssets  Field = "collateral_pool_assets"
	FieldSailPoolAssets        Field = "sail_pool_assets"
	FieldCollateralPoolDeposit Field = "collateral_pool_deposit"
	FieldSailPoolDeposit       Field = "sail_pool_deposit"
)

// Key addresses one value of a batch.
type Key struct {
	MarketID string
	Field    Field
}

// Source performs the individual contract reads.
type Source interface {
	TotalSupply(ctx context.Context, token common.Address) (*big.Int, error)
	CollateralRatio(ctx context.Context, minter common.Address) (*big.Int, error)
	PoolTotalAssets(ctx context.Context, pool common.Address) (*big.Int, error)
	PoolDeposit(ctx context.Context, pool, owner common.Address) (*big.Int, error)
}

// MarketReads is the view of one market after a refresh.
type MarketReads struct {
	MarketID string             `json:"market_id"`
	Values   map[Field]*big.Int `json:"values"`
}

// Reader batches market and user-deposit reads and serves them by key.
type Reader struct {
	reg         *registry.Registry
	src         Source
	account     common.Address
	concurrency int

	mu        sync.RWMutex
	values    map[Key]*big.Int
	updatedAt time.Time
}

func New(reg *registry.Registry, src Source, account common.Address, concurrency int) *Reader {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Reader{reg: reg, src: src, account: account, concurrency: concurrency, values: map[Key]*big.Int{}}
}

type read struct {
	key Key
	fn  func(ctx context.Context) (*big.Int, error)
}

// batch lists the reads each market contributes. Optional tokens and pools add
// reads only when configured.
func (r *Reader) batch() []read {
	out := make([]read, 0)
	for _, m := range r.reg.Markets() {
		add := func(f Field, fn func(ctx context.Context) (*big.Int, error)) {
			out = append(out, read{key: Key{MarketID: m.ID, Field: f}, fn: fn})
		}
		add(FieldPeggedSupply, func(ctx context.Context) (*big.Int, error) { return r.src.TotalSupply(ctx, m.PeggedToken) })
		add(FieldCollateralRatio, func(ctx context.Context) (*big.Int, error) { return r.src.CollateralRatio(ctx, m.Minter) })
		if m.LeveragedToken != (common.Address{}) {
			add(FieldLeveragedSupply, func(ctx context.Context) (*big.Int, error) { return r.src.TotalSupply(ctx, m.LeveragedToken) })
		}
		if m.CollateralPool != (common.Address{}) {
			add(FieldCollateralPoolAssets, func(ctx context.Context) (*big.Int, error) { return r.src.PoolTotalAssets(ctx, m.CollateralPool) })
			if r.account != (common.Address{}) {
				add(FieldCollateralPoolDeposit, func(ctx context.Context) (*big.Int, error) {
					return r.src.PoolDeposit(ctx, m.CollateralPool, r.account)
				})
			}
		}
		if m.SailPool != (common.Address{}) {
			add(FieldSailPoolAssets, func(ctx context.Context) (*big.Int, error) { return r.src.PoolTotalAssets(ctx, m.SailPool) })
			if r.account != (common.Address{}) {
				add(FieldSailPoolDeposit, func(ctx context.Context) (*big.Int, error) {
					return r.src.PoolDeposit(ctx, m.SailPool, r.account)
				})
			}
		}
	}
	return out
}

// Refresh runs the whole batch and replaces the served values. Individual read
// failures leave their key absent.
func (r *Reader) Refresh(ctx context.Context) error {
	log := logger.GetForComponent("reads")
	reads := r.batch()
	results := make([]*big.Int, len(reads))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, rd := range reads {
		g.Go(func() error {
			v, err := rd.fn(gctx)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				log.Warn().Err(err).Str("market", rd.key.MarketID).Str("field", string(rd.key.Field)).Msg("read failed")
				return nil
			}
			results[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	values := make(map[Key]*big.Int, len(reads))
	for i, rd := range reads {
		if results[i] != nil {
			values[rd.key] = results[i]
		}
	}
	r.mu.Lock()
	r.values = values
	r.updatedAt = time.Now().UTC()
	r.mu.Unlock()
	log.Debug().Int("reads", len(reads)).Int("ok", len(values)).Msg("reads refreshed")
	return nil
}

func (r *Reader) Value(marketID string, field Field) (*big.Int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.values[Key{MarketID: marketID, Field: field}]
	if !ok {
		return nil, false
	}
	return new(big.Int).Set(v), true
}

// Markets returns every market's values in registry order.
func (r *Reader) Markets() []MarketReads {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byMarket := map[string]map[Field]*big.Int{}
	for k, v := range r.values {
		if byMarket[k.MarketID] == nil {
			byMarket[k.MarketID] = map[Field]*big.Int{}
		}
		byMarket[k.MarketID][k.Field] = new(big.Int).Set(v)
	}
	out := make([]MarketReads, 0, len(byMarket))
	for _, m := range r.reg.Markets() {
		if vals, ok := byMarket[m.ID]; ok {
			out = append(out, MarketReads{MarketID: m.ID, Values: vals})
		}
	}
	return out
}

func (r *Reader) UpdatedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.updatedAt
}

// Fields lists the fields present for a market, sorted.
func (m MarketReads) Fields() []Field {
	out := make([]Field, 0, len(m.Values))
	for f := range m.Values {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
