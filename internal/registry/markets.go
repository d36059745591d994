package registry

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// PoolRole selects one of the two stability pools a market exposes.
type PoolRole string

const (
	PoolCollateral PoolRole = "collateral"
	PoolSail       PoolRole = "sail"
)

func ParsePoolRole(v string) (PoolRole, error) {
	switch PoolRole(strings.ToLower(strings.TrimSpace(v))) {
	case PoolCollateral:
		return PoolCollateral, nil
	case PoolSail:
		return PoolSail, nil
	default:
		return "", fmt.Errorf("unsupported pool role %q (expected collateral|sail)", v)
	}
}

// Market is one resolved market entry.
type Market struct {
	ID                     string
	Name                   string
	Minter                 common.Address
	PeggedToken            common.Address
	PeggedSymbol           string
	LeveragedToken         common.Address
	LeveragedSymbol        string
	CollateralToken        common.Address
	CollateralSymbol       string
	WrappedCollateralToken common.Address
	WrappedSymbol          string
	CollateralPool         common.Address
	SailPool               common.Address
}

func (m Market) Pool(role PoolRole) common.Address {
	switch role {
	case PoolCollateral:
		return m.CollateralPool
	case PoolSail:
		return m.SailPool
	default:
		return common.Address{}
	}
}

type marketsFile struct {
	ChainID int64         `yaml:"chain_id"`
	Markets []marketEntry `yaml:"markets"`
}

type marketEntry struct {
	ID                string     `yaml:"id"`
	Name              string     `yaml:"name"`
	Minter            string     `yaml:"minter"`
	Pegged            tokenEntry `yaml:"pegged"`
	Leveraged         tokenEntry `yaml:"leveraged"`
	Collateral        tokenEntry `yaml:"collateral"`
	WrappedCollateral tokenEntry `yaml:"wrapped_collateral"`
	Pools             struct {
		Collateral string `yaml:"collateral"`
		Sail       string `yaml:"sail"`
	} `yaml:"pools"`
}

type tokenEntry struct {
	Address string `yaml:"address"`
	Symbol  string `yaml:"symbol"`
}

// Registry resolves markets, tokens and pools by key.
type Registry struct {
	ChainID int64

	markets     []Market
	byID        map[string]int
	byPegged    map[common.Address][]int
	byLeveraged map[common.Address]int
	byWrapped   map[common.Address][]int
	byPool      map[common.Address]int
	collateral  map[common.Address]bool
	symbols     map[common.Address]string
}

// LoadMarkets reads a markets YAML file.
func LoadMarkets(path string) (*Registry, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read markets file: %w", err)
	}
	return ParseMarkets(buf)
}

func ParseMarkets(buf []byte) (*Registry, error) {
	var file marketsFile
	if err := yaml.Unmarshal(buf, &file); err != nil {
		return nil, fmt.Errorf("parse markets file: %w", err)
	}
	markets := make([]Market, 0, len(file.Markets))
	for i, entry := range file.Markets {
		m, err := entry.toMarket()
		if err != nil {
			return nil, fmt.Errorf("markets[%d]: %w", i, err)
		}
		markets = append(markets, m)
	}
	reg, err := New(markets)
	if err != nil {
		return nil, err
	}
	reg.ChainID = file.ChainID
	return reg, nil
}

func (e marketEntry) toMarket() (Market, error) {
	id := strings.TrimSpace(e.ID)
	if id == "" {
		return Market{}, fmt.Errorf("market id is required")
	}
	m := Market{
		ID:               id,
		Name:             e.Name,
		PeggedSymbol:     e.Pegged.Symbol,
		LeveragedSymbol:  e.Leveraged.Symbol,
		CollateralSymbol: e.Collateral.Symbol,
		WrappedSymbol:    e.WrappedCollateral.Symbol,
	}
	fields := []struct {
		name     string
		raw      string
		dst      *common.Address
		required bool
	}{
		{"minter", e.Minter, &m.Minter, true},
		{"pegged.address", e.Pegged.Address, &m.PeggedToken, true},
		{"leveraged.address", e.Leveraged.Address, &m.LeveragedToken, false},
		{"collateral.address", e.Collateral.Address, &m.CollateralToken, false},
		{"wrapped_collateral.address", e.WrappedCollateral.Address, &m.WrappedCollateralToken, true},
		{"pools.collateral", e.Pools.Collateral, &m.CollateralPool, false},
		{"pools.sail", e.Pools.Sail, &m.SailPool, false},
	}
	for _, f := range fields {
		raw := strings.TrimSpace(f.raw)
		if raw == "" {
			if f.required {
				return Market{}, fmt.Errorf("market %s: %s is required", id, f.name)
			}
			continue
		}
		if !common.IsHexAddress(raw) {
			return Market{}, fmt.Errorf("market %s: %s is not a valid address: %q", id, f.name, raw)
		}
		*f.dst = common.HexToAddress(raw)
	}
	return m, nil
}

// New builds a registry from already-resolved markets.
func New(markets []Market) (*Registry, error) {
	r := &Registry{
		markets:     make([]Market, 0, len(markets)),
		byID:        map[string]int{},
		byPegged:    map[common.Address][]int{},
		byLeveraged: map[common.Address]int{},
		byWrapped:   map[common.Address][]int{},
		byPool:      map[common.Address]int{},
		collateral:  map[common.Address]bool{},
		symbols:     map[common.Address]string{},
	}
	for _, m := range markets {
		if _, dup := r.byID[m.ID]; dup {
			return nil, fmt.Errorf("duplicate market id %q", m.ID)
		}
		idx := len(r.markets)
		r.markets = append(r.markets, m)
		r.byID[m.ID] = idx
		r.byPegged[m.PeggedToken] = append(r.byPegged[m.PeggedToken], idx)
		r.byWrapped[m.WrappedCollateralToken] = append(r.byWrapped[m.WrappedCollateralToken], idx)
		if m.LeveragedToken != (common.Address{}) {
			if other, ok := r.byLeveraged[m.LeveragedToken]; ok {
				return nil, fmt.Errorf("leveraged token %s is shared by markets %s and %s", m.LeveragedToken.Hex(), r.markets[other].ID, m.ID)
			}
			r.byLeveraged[m.LeveragedToken] = idx
		}
		for _, pool := range []common.Address{m.CollateralPool, m.SailPool} {
			if pool == (common.Address{}) {
				continue
			}
			if other, ok := r.byPool[pool]; ok && other != idx {
				return nil, fmt.Errorf("pool %s is shared by markets %s and %s", pool.Hex(), r.markets[other].ID, m.ID)
			}
			r.byPool[pool] = idx
		}
		if m.CollateralToken != (common.Address{}) {
			r.collateral[m.CollateralToken] = true
		}
		r.collateral[m.WrappedCollateralToken] = true
		r.setSymbol(m.PeggedToken, m.PeggedSymbol)
		r.setSymbol(m.LeveragedToken, m.LeveragedSymbol)
		r.setSymbol(m.CollateralToken, m.CollateralSymbol)
		r.setSymbol(m.WrappedCollateralToken, m.WrappedSymbol)
	}
	return r, nil
}

func (r *Registry) setSymbol(token common.Address, symbol string) {
	if token == (common.Address{}) || strings.TrimSpace(symbol) == "" {
		return
	}
	if _, ok := r.symbols[token]; !ok {
		r.symbols[token] = symbol
	}
}

// Markets returns every market in file order.
func (r *Registry) Markets() []Market {
	out := make([]Market, len(r.markets))
	copy(out, r.markets)
	return out
}

func (r *Registry) Market(id string) (Market, bool) {
	idx, ok := r.byID[id]
	if !ok {
		return Market{}, false
	}
	return r.markets[idx], true
}

// PoolAddress resolves (marketID, role). A market without that pool reports false.
func (r *Registry) PoolAddress(marketID string, role PoolRole) (common.Address, bool) {
	m, ok := r.Market(marketID)
	if !ok {
		return common.Address{}, false
	}
	addr := m.Pool(role)
	return addr, addr != (common.Address{})
}

// PoolMarket returns the market owning a stability pool.
func (r *Registry) PoolMarket(pool common.Address) (Market, bool) {
	idx, ok := r.byPool[pool]
	if !ok {
		return Market{}, false
	}
	return r.markets[idx], true
}

// MarketsByPegged lists markets whose pegged token is token, ordered by market id.
func (r *Registry) MarketsByPegged(token common.Address) []Market {
	return r.collect(r.byPegged[token])
}

// MarketByLeveraged returns the single market issuing a leveraged token.
func (r *Registry) MarketByLeveraged(token common.Address) (Market, bool) {
	idx, ok := r.byLeveraged[token]
	if !ok {
		return Market{}, false
	}
	return r.markets[idx], true
}

// MarketsByCollateral lists markets that use token as collateral or wrapped collateral.
func (r *Registry) MarketsByCollateral(token common.Address) []Market {
	seen := map[int]bool{}
	idxs := make([]int, 0)
	for _, idx := range r.byWrapped[token] {
		seen[idx] = true
		idxs = append(idxs, idx)
	}
	for idx, m := range r.markets {
		if m.CollateralToken == token && !seen[idx] {
			idxs = append(idxs, idx)
		}
	}
	return r.collect(idxs)
}

func (r *Registry) IsPegged(token common.Address) bool { return len(r.byPegged[token]) > 0 }

func (r *Registry) IsLeveraged(token common.Address) bool {
	_, ok := r.byLeveraged[token]
	return ok
}

func (r *Registry) IsCollateral(token common.Address) bool { return r.collateral[token] }

// MintVenues lists markets that mint pegged from wrapped, ordered by market id.
func (r *Registry) MintVenues(pegged, wrapped common.Address) []Market {
	out := make([]Market, 0)
	for _, m := range r.MarketsByPegged(pegged) {
		if m.WrappedCollateralToken == wrapped {
			out = append(out, m)
		}
	}
	return out
}

// TargetPools lists the deposit pools that accept token.
func (r *Registry) TargetPools(token common.Address) []common.Address {
	out := make([]common.Address, 0)
	for _, m := range r.MarketsByPegged(token) {
		for _, pool := range []common.Address{m.CollateralPool, m.SailPool} {
			if pool != (common.Address{}) {
				out = append(out, pool)
			}
		}
	}
	return out
}

// Symbol returns the configured symbol for a known token, or empty.
func (r *Registry) Symbol(token common.Address) string {
	return r.symbols[token]
}

func (r *Registry) collect(idxs []int) []Market {
	out := make([]Market, 0, len(idxs))
	for _, idx := range idxs {
		out = append(out, r.markets[idx])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
