package execution

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/rewards-compounder/internal/errors"
	"github.com/ggonzalez94/rewards-compounder/internal/onchain"
	"github.com/ggonzalez94/rewards-compounder/internal/registry"
	"github.com/ggonzalez94/rewards-compounder/internal/rewards"
)

var (
	testAccount = common.HexToAddress("0x0000000000000000000000000000000000001234")

	minterA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	peggedA = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	levA    = common.HexToAddress("0x00000000000000000000000000000000000000a3")
	wrapA   = common.HexToAddress("0x00000000000000000000000000000000000000a5")
	poolA1  = common.HexToAddress("0x00000000000000000000000000000000000000a6")
	poolA2  = common.HexToAddress("0x00000000000000000000000000000000000000a7")

	minterB = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	peggedB = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	levB    = common.HexToAddress("0x00000000000000000000000000000000000000b3")
	wrapB   = common.HexToAddress("0x00000000000000000000000000000000000000b5")
	poolB1  = common.HexToAddress("0x00000000000000000000000000000000000000b6")
	poolB2  = common.HexToAddress("0x00000000000000000000000000000000000000b7")

	minterC = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	poolC1  = common.HexToAddress("0x00000000000000000000000000000000000000c6")
)

// testRegistry: markets a and c both mint peggedA (from wrapA and wrapB); b mints peggedB from wrapB.
func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New([]registry.Market{
		{ID: "a", Minter: minterA, PeggedToken: peggedA, PeggedSymbol: "haUSD", LeveragedToken: levA, LeveragedSymbol: "hsETH", WrappedCollateralToken: wrapA, WrappedSymbol: "wstETH", CollateralPool: poolA1, SailPool: poolA2},
		{ID: "b", Minter: minterB, PeggedToken: peggedB, PeggedSymbol: "haBTC", LeveragedToken: levB, LeveragedSymbol: "hsBTC", WrappedCollateralToken: wrapB, WrappedSymbol: "wBTC", CollateralPool: poolB1, SailPool: poolB2},
		{ID: "c", Minter: minterC, PeggedToken: peggedA, PeggedSymbol: "haUSD", WrappedCollateralToken: wrapB, WrappedSymbol: "wBTC", CollateralPool: poolC1},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return reg
}

type allowanceKey struct {
	token   common.Address
	spender common.Address
}

// fakeChain is a stateful stand-in for minters, pools and tokens. Every venue charges
// feeBps on conversions.
type fakeChain struct {
	mu         sync.Mutex
	reg        *registry.Registry
	feeBps     int64
	balances   map[common.Address]*big.Int
	allowances map[allowanceKey]*big.Int
	claimable  map[common.Address][]onchain.RewardBalance
	deposits   map[common.Address]*big.Int
	txs        []string
	nonce      int

	approveErrs     []error
	approveLands    bool
	failures        map[string]error
	claimableErrors map[common.Address]error
	onSubmit        func(method string)
}

func newFakeChain(reg *registry.Registry) *fakeChain {
	return &fakeChain{
		reg:             reg,
		feeBps:          100,
		balances:        map[common.Address]*big.Int{},
		allowances:      map[allowanceKey]*big.Int{},
		claimable:       map[common.Address][]onchain.RewardBalance{},
		deposits:        map[common.Address]*big.Int{},
		failures:        map[string]error{},
		claimableErrors: map[common.Address]error{},
	}
}

func (f *fakeChain) setClaimable(pool common.Address, token common.Address, amount int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claimable[pool] = append(f.claimable[pool], onchain.RewardBalance{Token: token, Amount: big.NewInt(amount)})
}

func (f *fakeChain) balance(token common.Address) *big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bal(token)
}

func (f *fakeChain) deposited(pool common.Address) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.deposits[pool]; ok {
		return v.Int64()
	}
	return 0
}

func (f *fakeChain) txCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.txs)
}

func (f *fakeChain) bal(token common.Address) *big.Int {
	if v, ok := f.balances[token]; ok {
		return v
	}
	v := new(big.Int)
	f.balances[token] = v
	return v
}

func (f *fakeChain) Account() common.Address { return testAccount }

func (f *fakeChain) ClaimableRewards(_ context.Context, pool, _ common.Address) ([]onchain.RewardBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.claimableErrors[pool]; err != nil {
		return nil, err
	}
	out := make([]onchain.RewardBalance, 0, len(f.claimable[pool]))
	for _, r := range f.claimable[pool] {
		out = append(out, onchain.RewardBalance{Token: r.Token, Amount: new(big.Int).Set(r.Amount)})
	}
	return out, nil
}

func (f *fakeChain) BalanceOf(_ context.Context, token, _ common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.bal(token)), nil
}

func (f *fakeChain) Allowance(_ context.Context, token, _ common.Address, spender common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.allowances[allowanceKey{token, spender}]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func (f *fakeChain) Approve(_ context.Context, token, spender common.Address, amount *big.Int) (onchain.Tx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.approveErrs) > 0 {
		err := f.approveErrs[0]
		f.approveErrs = f.approveErrs[1:]
		if f.approveLands {
			f.allowances[allowanceKey{token, spender}] = new(big.Int).Set(amount)
		}
		return onchain.Tx{}, err
	}
	f.allowances[allowanceKey{token, spender}] = new(big.Int).Set(amount)
	return f.mined("approve"), nil
}

func (f *fakeChain) Claim(_ context.Context, pool common.Address) (onchain.Tx, error) {
	f.hook("claim")
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures["claim"]; err != nil {
		return onchain.Tx{}, err
	}
	for _, r := range f.claimable[pool] {
		f.bal(r.Token).Add(f.bal(r.Token), r.Amount)
	}
	delete(f.claimable, pool)
	return f.mined("claim"), nil
}

func (f *fakeChain) RedeemLeveraged(_ context.Context, minter common.Address, amount, minOut *big.Int) (onchain.Tx, error) {
	m := f.market(minter)
	return f.convert("redeem_leveraged", minter, m.LeveragedToken, m.WrappedCollateralToken, amount, minOut)
}

func (f *fakeChain) RedeemPegged(_ context.Context, minter common.Address, amount, minOut *big.Int) (onchain.Tx, error) {
	m := f.market(minter)
	return f.convert("redeem_pegged", minter, m.PeggedToken, m.WrappedCollateralToken, amount, minOut)
}

func (f *fakeChain) Mint(_ context.Context, minter common.Address, amount, minOut *big.Int) (onchain.Tx, error) {
	m := f.market(minter)
	return f.convert("mint", minter, m.WrappedCollateralToken, m.PeggedToken, amount, minOut)
}

func (f *fakeChain) Deposit(_ context.Context, pool common.Address, amount, minOut *big.Int) (onchain.Tx, error) {
	f.hook("deposit")
	m, ok := f.reg.PoolMarket(pool)
	if !ok {
		return onchain.Tx{}, errors.New("unknown pool")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures["deposit"]; err != nil {
		return onchain.Tx{}, err
	}
	if err := f.spend(m.PeggedToken, pool, amount); err != nil {
		return onchain.Tx{}, err
	}
	if amount.Cmp(minOut) < 0 {
		return onchain.Tx{}, clierr.New(clierr.CodeReverted, "transaction reverted on-chain: min out")
	}
	if f.deposits[pool] == nil {
		f.deposits[pool] = new(big.Int)
	}
	f.deposits[pool].Add(f.deposits[pool], amount)
	return f.mined("deposit"), nil
}

func (f *fakeChain) DryRunRedeemLeveraged(_ context.Context, _ common.Address, amount *big.Int) (onchain.Quote, error) {
	return f.quote(amount), nil
}

func (f *fakeChain) DryRunRedeemPegged(_ context.Context, _ common.Address, amount *big.Int) (onchain.Quote, error) {
	return f.quote(amount), nil
}

func (f *fakeChain) DryRunMint(_ context.Context, _ common.Address, amount *big.Int) (onchain.Quote, error) {
	return f.quote(amount), nil
}

func (f *fakeChain) quote(amount *big.Int) onchain.Quote {
	fee := new(big.Int).Mul(amount, big.NewInt(f.feeBps))
	fee.Quo(fee, big.NewInt(10_000))
	return onchain.Quote{Fee: fee, Out: new(big.Int).Sub(amount, fee)}
}

func (f *fakeChain) market(minter common.Address) registry.Market {
	for _, m := range f.reg.Markets() {
		if m.Minter == minter {
			return m
		}
	}
	return registry.Market{}
}

func (f *fakeChain) convert(method string, venue, in, out common.Address, amount, minOut *big.Int) (onchain.Tx, error) {
	f.hook(method)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures[method]; err != nil {
		return onchain.Tx{}, err
	}
	q := f.quote(amount)
	if q.Out.Cmp(minOut) < 0 {
		return onchain.Tx{}, clierr.New(clierr.CodeReverted, "transaction reverted on-chain: slippage")
	}
	if err := f.spend(in, venue, amount); err != nil {
		return onchain.Tx{}, err
	}
	f.bal(out).Add(f.bal(out), q.Out)
	return f.mined(method), nil
}

func (f *fakeChain) spend(token, spender common.Address, amount *big.Int) error {
	key := allowanceKey{token, spender}
	if f.allowances[key] == nil || f.allowances[key].Cmp(amount) < 0 {
		return clierr.New(clierr.CodeReverted, "transaction reverted on-chain: allowance")
	}
	if f.bal(token).Cmp(amount) < 0 {
		return clierr.New(clierr.CodeReverted, "transaction reverted on-chain: balance")
	}
	f.allowances[key].Sub(f.allowances[key], amount)
	f.bal(token).Sub(f.bal(token), amount)
	return nil
}

func (f *fakeChain) hook(method string) {
	if f.onSubmit != nil {
		f.onSubmit(method)
	}
}

func (f *fakeChain) mined(method string) onchain.Tx {
	f.nonce++
	f.txs = append(f.txs, method)
	return onchain.Tx{Hash: common.BigToHash(big.NewInt(int64(f.nonce))), FeeWei: big.NewInt(1)}
}

type countingRefresher struct{ calls int }

func (c *countingRefresher) Refresh(context.Context) error {
	c.calls++
	return nil
}

func newTestExecutor(t *testing.T, chain *fakeChain, refresher Refresher) *Executor {
	t.Helper()
	collector := rewards.NewCollector(chain.reg, chain, testAccount, 2)
	e := NewExecutor(chain, chain.reg, collector, refresher, Options{SlippageBps: 100, NonceRetryDelay: time.Millisecond})
	e.sleep = func(context.Context, time.Duration) error { return nil }
	return e
}

func stepStatuses(steps []Step) string {
	out := ""
	for _, s := range steps {
		out += fmt.Sprintf("%s=%s ", s.ID, s.Status)
	}
	return out
}
