package rewards

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/rewards-compounder/internal/onchain"
	"github.com/ggonzalez94/rewards-compounder/internal/registry"
)

var (
	peggedA    = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	leveragedA = common.HexToAddress("0x00000000000000000000000000000000000000a3")
	nativeA    = common.HexToAddress("0x00000000000000000000000000000000000000a4")
	wrappedA   = common.HexToAddress("0x00000000000000000000000000000000000000a5")
	poolA1     = common.HexToAddress("0x00000000000000000000000000000000000000a6")
	poolA2     = common.HexToAddress("0x00000000000000000000000000000000000000a7")
	peggedB    = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	leveragedB = common.HexToAddress("0x00000000000000000000000000000000000000b3")
	wrappedB   = common.HexToAddress("0x00000000000000000000000000000000000000b5")
	poolB1     = common.HexToAddress("0x00000000000000000000000000000000000000b6")
	poolB2     = common.HexToAddress("0x00000000000000000000000000000000000000b7")
	stranger   = common.HexToAddress("0x00000000000000000000000000000000000000ff")
	account    = common.HexToAddress("0x0000000000000000000000000000000000001234")
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New([]registry.Market{
		{ID: "a", Minter: common.HexToAddress("0xa1"), PeggedToken: peggedA, PeggedSymbol: "haUSD", LeveragedToken: leveragedA, LeveragedSymbol: "hsETH", CollateralToken: nativeA, WrappedCollateralToken: wrappedA, WrappedSymbol: "wstETH", CollateralPool: poolA1, SailPool: poolA2},
		{ID: "b", Minter: common.HexToAddress("0xb1"), PeggedToken: peggedB, PeggedSymbol: "haBTC", LeveragedToken: leveragedB, LeveragedSymbol: "hsBTC", WrappedCollateralToken: wrappedB, WrappedSymbol: "wBTC", CollateralPool: poolB1, SailPool: poolB2},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return reg
}

type fakeSource struct {
	claimable map[common.Address][]onchain.RewardBalance
	failing   map[common.Address]bool
}

func (f *fakeSource) ClaimableRewards(_ context.Context, pool, _ common.Address) ([]onchain.RewardBalance, error) {
	if f.failing[pool] {
		return nil, errors.New("rpc down")
	}
	return f.claimable[pool], nil
}

func reward(token common.Address, amount int64) onchain.RewardBalance {
	return onchain.RewardBalance{Token: token, Amount: big.NewInt(amount)}
}

func TestCollectAggregatesSameTokenAcrossPools(t *testing.T) {
	src := &fakeSource{claimable: map[common.Address][]onchain.RewardBalance{
		poolA1: {reward(peggedA, 40)},
		poolA2: {reward(peggedA, 60), reward(leveragedA, 5)},
	}}
	c := NewCollector(testRegistry(t), src, account, 2)
	got, err := c.Collect(context.Background(), Selection{{MarketID: "a", Role: registry.PoolCollateral}, {MarketID: "a", Role: registry.PoolSail}}, peggedA)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rewards, got %+v", got)
	}
	if got[0].Token != peggedA || got[0].Amount.Int64() != 100 || got[0].Role != RoleTargetPegged {
		t.Fatalf("unexpected aggregated pegged reward %+v", got[0])
	}
	if got[1].Role != RoleLeveraged || got[1].MarketID != "a" || got[1].Symbol != "hsETH" {
		t.Fatalf("unexpected leveraged reward %+v", got[1])
	}
}

func TestCollectSkipsUnresolvedAndFailingPools(t *testing.T) {
	src := &fakeSource{
		claimable: map[common.Address][]onchain.RewardBalance{poolB1: {reward(peggedB, 10)}, poolA1: {reward(peggedA, 1)}},
		failing:   map[common.Address]bool{poolA1: true},
	}
	c := NewCollector(testRegistry(t), src, account, 0)
	snap, err := c.Scan(context.Background(), Selection{
		{MarketID: "missing", Role: registry.PoolCollateral},
		{MarketID: "a", Role: registry.PoolCollateral},
		{MarketID: "b", Role: registry.PoolCollateral},
		{MarketID: "b", Role: registry.PoolCollateral},
	}, peggedA)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(snap.Pools) != 2 {
		t.Fatalf("expected 2 resolved pools, got %d", len(snap.Pools))
	}
	if !snap.Pools[0].Failed {
		t.Fatal("expected failing pool to be flagged")
	}
	if len(snap.Rewards) != 1 || snap.Rewards[0].Role != RoleForeignPegged || snap.Rewards[0].MarketID != "b" {
		t.Fatalf("unexpected rewards %+v", snap.Rewards)
	}
	if pools := snap.ClaimablePools(); len(pools) != 1 || pools[0].Address != poolB1 {
		t.Fatalf("unexpected claimable pools %+v", pools)
	}
}

func TestClassifyIsTotalAndExclusive(t *testing.T) {
	c := NewCollector(testRegistry(t), &fakeSource{}, account, 1)
	cases := []struct {
		token common.Address
		want  Role
	}{
		{peggedA, RoleTargetPegged},
		{leveragedA, RoleLeveraged},
		{leveragedB, RoleLeveraged},
		{nativeA, RoleCollateral},
		{wrappedA, RoleCollateral},
		{wrappedB, RoleCollateral},
		{peggedB, RoleForeignPegged},
		{stranger, RoleForeignPegged},
	}
	for _, tc := range cases {
		got, _ := c.Classify(tc.token, peggedA)
		if got != tc.want {
			t.Fatalf("token %s: expected %s, got %s", tc.token.Hex(), tc.want, got)
		}
	}
	// The target role follows the requested target, not the owning market.
	if got, _ := c.Classify(peggedB, peggedB); got != RoleTargetPegged {
		t.Fatalf("expected pegged B to be target when targeted, got %s", got)
	}
	if got, _ := c.Classify(peggedA, peggedB); got != RoleForeignPegged {
		t.Fatalf("expected pegged A to be foreign when B is targeted, got %s", got)
	}
}

func TestUnknownTokenSymbolFallsBackToShortAddress(t *testing.T) {
	src := &fakeSource{claimable: map[common.Address][]onchain.RewardBalance{poolA1: {reward(stranger, 3)}}}
	c := NewCollector(testRegistry(t), src, account, 1)
	got, err := c.Collect(context.Background(), Selection{{MarketID: "a", Role: registry.PoolCollateral}}, peggedA)
	if err != nil || len(got) != 1 {
		t.Fatalf("unexpected result %+v err=%v", got, err)
	}
	if got[0].Symbol != ShortAddress(stranger) {
		t.Fatalf("unexpected symbol %q", got[0].Symbol)
	}
}
