package execution

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/rewards-compounder/internal/errors"
)

const (
	DefaultSlippageBps = 100
	bpsDenominator     = 10_000
)

// SplitAllocations divides total by integer percentages. Every allocation but the
// last gets floor(total*pct/100); the last gets the remainder, so the parts sum to total.
func SplitAllocations(total *big.Int, allocations []Allocation) []*big.Int {
	out := make([]*big.Int, len(allocations))
	if len(allocations) == 0 {
		return out
	}
	if total == nil || total.Sign() <= 0 {
		for i := range out {
			out[i] = new(big.Int)
		}
		return out
	}
	spent := new(big.Int)
	for i, a := range allocations[:len(allocations)-1] {
		part := new(big.Int).Mul(total, big.NewInt(int64(a.Percentage)))
		part.Quo(part, big.NewInt(100))
		out[i] = part
		spent.Add(spent, part)
	}
	out[len(out)-1] = new(big.Int).Sub(total, spent)
	return out
}

// ValidateAllocations checks percentages sum to 100 and every pool is in accepted.
func ValidateAllocations(allocations []Allocation, accepted []common.Address) error {
	if len(allocations) == 0 {
		return clierr.New(clierr.CodeUsage, "at least one allocation is required")
	}
	ok := make(map[common.Address]bool, len(accepted))
	for _, a := range accepted {
		ok[a] = true
	}
	seen := map[common.Address]bool{}
	sum := 0
	for _, a := range allocations {
		if a.Percentage <= 0 || a.Percentage > 100 {
			return clierr.New(clierr.CodeUsage, fmt.Sprintf("allocation for %s must be between 1 and 100 percent", a.Pool.Hex()))
		}
		if !ok[a.Pool] {
			return clierr.New(clierr.CodeUsage, fmt.Sprintf("pool %s does not accept the target token", a.Pool.Hex()))
		}
		if seen[a.Pool] {
			return clierr.New(clierr.CodeUsage, fmt.Sprintf("pool %s is allocated twice", a.Pool.Hex()))
		}
		seen[a.Pool] = true
		sum += a.Percentage
	}
	if sum != 100 {
		return clierr.New(clierr.CodeUsage, fmt.Sprintf("allocation percentages must sum to 100, got %d", sum))
	}
	return nil
}

// MinOut applies the slippage guard: floor(expected * (10000 - bps) / 10000).
func MinOut(expected *big.Int, slippageBps int64) *big.Int {
	if expected == nil || expected.Sign() <= 0 {
		return new(big.Int)
	}
	if slippageBps < 0 {
		slippageBps = 0
	}
	if slippageBps > bpsDenominator {
		slippageBps = bpsDenominator
	}
	out := new(big.Int).Mul(expected, big.NewInt(bpsDenominator-slippageBps))
	return out.Quo(out, big.NewInt(bpsDenominator))
}

// ScaleExpected rescales a planned output to the amount actually available:
// plannedExpected * actual / plannedAmount. It reports false when the plan has no usable figure.
func ScaleExpected(plannedExpected, plannedAmount, actual *big.Int) (*big.Int, bool) {
	if plannedExpected == nil || plannedAmount == nil || actual == nil {
		return nil, false
	}
	if plannedExpected.Sign() <= 0 || plannedAmount.Sign() <= 0 {
		return nil, false
	}
	if plannedAmount.Cmp(actual) == 0 {
		return new(big.Int).Set(plannedExpected), true
	}
	out := new(big.Int).Mul(plannedExpected, actual)
	return out.Quo(out, plannedAmount), true
}
