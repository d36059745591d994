package app

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/rewards-compounder/internal/errors"
	"github.com/ggonzalez94/rewards-compounder/internal/execution"
	"github.com/ggonzalez94/rewards-compounder/internal/registry"
	"github.com/ggonzalez94/rewards-compounder/internal/rewards"
)

// parseSelection reads --pool values of the form market:role. A bare market id
// selects its collateral pool.
func parseSelection(reg *registry.Registry, values []string) (rewards.Selection, error) {
	if len(values) == 0 {
		return nil, clierr.New(clierr.CodeUsage, "at least one --pool is required")
	}
	out := make(rewards.Selection, 0, len(values))
	for _, raw := range values {
		ref, err := parsePoolRef(reg, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, nil
}

func parsePoolRef(reg *registry.Registry, raw string) (rewards.PoolRef, error) {
	marketID, roleRaw, hasRole := strings.Cut(strings.TrimSpace(raw), ":")
	role := registry.PoolCollateral
	if hasRole {
		parsed, err := registry.ParsePoolRole(roleRaw)
		if err != nil {
			return rewards.PoolRef{}, clierr.Wrap(clierr.CodeUsage, "parse --pool "+raw, err)
		}
		role = parsed
	}
	if _, ok := reg.PoolAddress(marketID, role); !ok {
		return rewards.PoolRef{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("market %q has no %s pool", marketID, role))
	}
	return rewards.PoolRef{MarketID: marketID, Role: role}, nil
}

// parseAllocations reads --alloc values of the form pool=percent, where pool is a
// pool address or market:role.
func parseAllocations(reg *registry.Registry, values []string) ([]execution.Allocation, error) {
	out := make([]execution.Allocation, 0, len(values))
	for _, raw := range values {
		poolRaw, pctRaw, ok := strings.Cut(strings.TrimSpace(raw), "=")
		if !ok {
			return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid --alloc %q (expected pool=percent)", raw))
		}
		pct, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(pctRaw), "%"))
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, "parse --alloc percentage", err)
		}
		pool, err := resolvePool(reg, poolRaw)
		if err != nil {
			return nil, err
		}
		out = append(out, execution.Allocation{Pool: pool, Percentage: pct})
	}
	return out, nil
}

func resolvePool(reg *registry.Registry, raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if common.IsHexAddress(raw) {
		return common.HexToAddress(raw), nil
	}
	ref, err := parsePoolRef(reg, raw)
	if err != nil {
		return common.Address{}, err
	}
	addr, _ := reg.PoolAddress(ref.MarketID, ref.Role)
	return addr, nil
}

// defaultAllocations sends everything to the target market's collateral pool, or
// its sail pool when it has none.
func defaultAllocations(m registry.Market) []execution.Allocation {
	pool := m.CollateralPool
	if pool == (common.Address{}) {
		pool = m.SailPool
	}
	return []execution.Allocation{{Pool: pool, Percentage: 100}}
}

func parseAccount(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid account address %q", raw))
	}
	return common.HexToAddress(raw), nil
}
