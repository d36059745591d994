package app

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/rewards-compounder/internal/registry"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.ParseMarkets([]byte(testMarketsYAML))
	if err != nil {
		t.Fatalf("ParseMarkets failed: %v", err)
	}
	return reg
}

func TestParseSelection(t *testing.T) {
	reg := testRegistry(t)
	selection, err := parseSelection(reg, []string{"eth-usd:sail", "btc-usd"})
	if err != nil {
		t.Fatalf("parseSelection failed: %v", err)
	}
	if len(selection) != 2 || selection[0].Role != registry.PoolSail || selection[1].Role != registry.PoolCollateral {
		t.Fatalf("unexpected selection %+v", selection)
	}

	for _, bad := range [][]string{nil, {"eth-usd:vault"}, {"sol-usd"}, {"btc-usd:sail"}} {
		if _, err := parseSelection(reg, bad); err == nil {
			t.Fatalf("expected error for %v", bad)
		}
	}
}

func TestParseAllocations(t *testing.T) {
	reg := testRegistry(t)
	allocs, err := parseAllocations(reg, []string{
		"eth-usd:collateral=40",
		"0x0000000000000000000000000000000000000F02=60%",
	})
	if err != nil {
		t.Fatalf("parseAllocations failed: %v", err)
	}
	if len(allocs) != 2 {
		t.Fatalf("expected two allocations, got %d", len(allocs))
	}
	if allocs[0].Pool != common.HexToAddress("0x0000000000000000000000000000000000000f01") || allocs[0].Percentage != 40 {
		t.Fatalf("unexpected first allocation %+v", allocs[0])
	}
	if allocs[1].Pool != common.HexToAddress("0x0000000000000000000000000000000000000f02") || allocs[1].Percentage != 60 {
		t.Fatalf("unexpected second allocation %+v", allocs[1])
	}

	for _, bad := range []string{"eth-usd:collateral", "eth-usd:collateral=half", "nope:sail=10"} {
		if _, err := parseAllocations(reg, []string{bad}); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestDefaultAllocations(t *testing.T) {
	reg := testRegistry(t)
	m, _ := reg.Market("btc-usd")
	allocs := defaultAllocations(m)
	if len(allocs) != 1 || allocs[0].Pool != m.CollateralPool || allocs[0].Percentage != 100 {
		t.Fatalf("unexpected default allocation %+v", allocs)
	}
	noCollateral := registry.Market{SailPool: common.HexToAddress("0x01")}
	if got := defaultAllocations(noCollateral); got[0].Pool != noCollateral.SailPool {
		t.Fatalf("expected sail pool fallback, got %+v", got)
	}
}
