package execution

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/rewards-compounder/internal/errors"
	"github.com/ggonzalez94/rewards-compounder/internal/logger"
	"github.com/ggonzalez94/rewards-compounder/internal/onchain"
	"github.com/ggonzalez94/rewards-compounder/internal/registry"
	"github.com/ggonzalez94/rewards-compounder/internal/rewards"
	"github.com/rs/zerolog"
)

// runState carries one run's collaborators through its steps.
type runState struct {
	ctx     context.Context
	e       *Executor
	tracker *Tracker
	account common.Address
	log     zerolog.Logger
}

func (e *Executor) newRun(ctx context.Context, tracker *Tracker) *runState {
	return &runState{
		ctx:     ctx,
		e:       e,
		tracker: tracker,
		account: e.chain.Account(),
		log:     logger.GetForComponent("executor"),
	}
}

// conversion is one approve + redeem/mint pair.
type conversion struct {
	approveID     string
	stepID        string
	kind          StepKind
	input         common.Address
	output        common.Address
	venue         common.Address
	venueLabel    string
	amount        *big.Int
	plannedAmount *big.Int
	plannedOut    *big.Int
	fee           *big.Int
	dryRun        func(ctx context.Context, minter common.Address, amount *big.Int) (onchain.Quote, error)
	submit        func(ctx context.Context, minter common.Address, amount, minOut *big.Int) (onchain.Tx, error)
}

type depositOp struct {
	approveID  string
	stepID     string
	marketID   string
	token      common.Address
	allocation Allocation
}

func (r *runState) claimSteps(pools []rewards.ResolvedPool) []Step {
	steps := make([]Step, 0, len(pools))
	for i, p := range pools {
		steps = append(steps, Step{
			ID:    fmt.Sprintf("claim-%d", i+1),
			Kind:  StepKindClaim,
			Label: fmt.Sprintf("Claim rewards from %s %s pool", p.MarketID, p.Role),
		})
	}
	return steps
}

func (r *runState) conversionSteps(op conversion) []Step {
	action := "Redeem"
	if op.kind == StepKindMint {
		action = "Mint " + r.symbol(op.output) + " from"
	}
	step := Step{
		ID:    op.stepID,
		Kind:  op.kind,
		Label: fmt.Sprintf("%s %s via %s minter", action, r.symbol(op.input), op.venueLabel),
	}
	if op.fee != nil && op.fee.Sign() > 0 {
		feeToken := op.output
		if op.kind == StepKindMint {
			feeToken = op.input
		}
		step.Fee = op.fee.String() + " " + r.symbol(feeToken)
	}
	return []Step{
		{ID: op.approveID, Kind: StepKindApprove, Label: fmt.Sprintf("Approve %s for %s minter", r.symbol(op.input), op.venueLabel)},
		step,
	}
}

func (r *runState) depositOps(prefix string, token common.Address, allocations []Allocation) []depositOp {
	ops := make([]depositOp, 0, len(allocations))
	for i, a := range allocations {
		suffix := fmt.Sprintf("%d", i+1)
		if prefix != "" {
			suffix = prefix + "-" + suffix
		}
		marketID := ""
		if m, ok := r.e.reg.PoolMarket(a.Pool); ok {
			marketID = m.ID
		}
		ops = append(ops, depositOp{
			approveID:  "approve-deposit-" + suffix,
			stepID:     "deposit-" + suffix,
			marketID:   marketID,
			token:      token,
			allocation: a,
		})
	}
	return ops
}

func (r *runState) depositSteps(op depositOp) []Step {
	pool := r.poolLabel(op.allocation.Pool)
	return []Step{
		{ID: op.approveID, Kind: StepKindApprove, Label: fmt.Sprintf("Approve %s for %s", r.symbol(op.token), pool)},
		{ID: op.stepID, Kind: StepKindDeposit, Label: fmt.Sprintf("Deposit %s into %s (%d%%)", r.symbol(op.token), pool, op.allocation.Percentage)},
	}
}

// claimAll claims every pool in order and returns the balance deltas each claim produced.
// Claimed tokens that no later step spends are noted on the claim step and logged.
func (r *runState) claimAll(snap rewards.Snapshot, pools []rewards.ResolvedPool, spends func(p rewards.ResolvedPool, token common.Address) bool) (map[common.Address]balances, error) {
	tokens := map[common.Address][]common.Address{}
	for _, p := range snap.Pools {
		for _, reward := range p.Rewards {
			tokens[p.Pool.Address] = append(tokens[p.Pool.Address], reward.Token)
		}
	}
	out := map[common.Address]balances{}
	for i, p := range pools {
		id := fmt.Sprintf("claim-%d", i+1)
		err := r.do(id, func() (string, error) {
			deltas, err := r.measure(tokens[p.Address], func() error {
				tx, err := r.e.chain.Claim(r.ctx, p.Address)
				r.recordTx(id, tx)
				return err
			})
			if err != nil {
				return "", err
			}
			out[p.Address] = deltas
			details := r.describe("claimed", deltas)
			left := balances{}
			for token, v := range deltas {
				if v.Sign() > 0 && !spends(p, token) {
					left[token] = v
				}
			}
			if len(left) > 0 {
				note := r.describe("left in wallet", left)
				r.log.Warn().Str("step", id).Str("pool", p.Address.Hex()).Str("tokens", strings.TrimPrefix(note, "left in wallet ")).Msg("claimed tokens not compounded")
				details += "; " + note
			}
			return details, nil
		})
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// convert spends op.amount through the venue and returns the measured output.
func (r *runState) convert(op conversion) (*big.Int, error) {
	if op.amount == nil || op.amount.Sign() <= 0 {
		if err := r.skip(op.approveID, "nothing to approve"); err != nil {
			return nil, err
		}
		return new(big.Int), r.skip(op.stepID, "nothing to convert")
	}
	if err := r.ensureAllowance(op.approveID, op.input, op.venue, op.amount); err != nil {
		return nil, err
	}
	produced := new(big.Int)
	err := r.do(op.stepID, func() (string, error) {
		expected, ok := ScaleExpected(op.plannedOut, op.plannedAmount, op.amount)
		if !ok {
			quote, err := op.dryRun(r.ctx, op.venue, op.amount)
			if err != nil {
				return "", clierr.Wrap(clierr.CodeActionSim, "dry-run before submit", err)
			}
			expected = quote.Out
			if quote.Fee != nil && quote.Fee.Sign() > 0 {
				fee := quote.Fee.String()
				_ = r.tracker.Annotate(op.stepID, func(s *Step) { s.Fee = fee + " " + r.symbol(op.output) })
			}
		}
		minOut := MinOut(expected, r.e.opts.SlippageBps)
		deltas, err := r.measure([]common.Address{op.output}, func() error {
			tx, err := op.submit(r.ctx, op.venue, op.amount, minOut)
			r.recordTx(op.stepID, tx)
			return err
		})
		if err != nil {
			return "", err
		}
		produced = deltas.get(op.output)
		return fmt.Sprintf("spent %s %s, received %s %s (min %s)", op.amount, r.symbol(op.input), produced, r.symbol(op.output), minOut), nil
	})
	return produced, err
}

// deposit splits total across ops' allocations and deposits each part.
func (r *runState) deposit(ops []depositOp, total *big.Int) (Summary, error) {
	summary := Summary{Total: new(big.Int)}
	allocations := make([]Allocation, len(ops))
	for i, op := range ops {
		allocations[i] = op.allocation
	}
	parts := SplitAllocations(total, allocations)
	for i, op := range ops {
		amount := parts[i]
		if amount.Sign() == 0 {
			if err := r.skip(op.approveID, "nothing to approve"); err != nil {
				return summary, err
			}
			if err := r.skip(op.stepID, "nothing to deposit"); err != nil {
				return summary, err
			}
			continue
		}
		if err := r.ensureAllowance(op.approveID, op.token, op.allocation.Pool, amount); err != nil {
			return summary, err
		}
		err := r.do(op.stepID, func() (string, error) {
			minOut := MinOut(amount, r.e.opts.SlippageBps)
			tx, err := r.e.chain.Deposit(r.ctx, op.allocation.Pool, amount, minOut)
			r.recordTx(op.stepID, tx)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("deposited %s %s", amount, r.symbol(op.token)), nil
		})
		if err != nil {
			return summary, err
		}
		summary.add(op.allocation.Pool, op.marketID, amount)
	}
	return summary, nil
}

// ensureAllowance approves exactly amount when the current allowance is short. A
// nonce-too-low failure is retried once after a delay, unless the first approval landed.
func (r *runState) ensureAllowance(id string, token, spender common.Address, amount *big.Int) error {
	return r.do(id, func() (string, error) {
		current, err := r.e.chain.Allowance(r.ctx, token, r.account, spender)
		if err != nil {
			return "", err
		}
		if current.Cmp(amount) >= 0 {
			return "allowance sufficient", nil
		}
		tx, err := r.e.chain.Approve(r.ctx, token, spender, amount)
		if err != nil {
			if !IsNonceTooLow(err) {
				return "", err
			}
			r.log.Warn().Err(err).Str("step", id).Dur("delay", r.e.opts.NonceRetryDelay).Msg("approval hit nonce too low; retrying once")
			if err := r.e.sleep(r.ctx, r.e.opts.NonceRetryDelay); err != nil {
				return "", err
			}
			current, err := r.e.chain.Allowance(r.ctx, token, r.account, spender)
			if err != nil {
				return "", err
			}
			if current.Cmp(amount) >= 0 {
				return "approval already landed", nil
			}
			tx, err = r.e.chain.Approve(r.ctx, token, spender, amount)
			if err != nil {
				return "", err
			}
		}
		r.recordTx(id, tx)
		return fmt.Sprintf("approved %s %s", amount, r.symbol(token)), nil
	})
}

// do drives one step through in_progress to completed or error. On error every later
// pending step is failed and the error is returned typed for the caller.
func (r *runState) do(id string, fn func() (string, error)) error {
	if err := r.tracker.Begin(id); err != nil {
		return err
	}
	details, err := fn()
	if err == nil {
		return r.tracker.Complete(id, details)
	}
	se := Classify(err)
	_ = r.tracker.Fail(id, se)
	reason := ReasonPreviousFailed
	if se.Kind == ErrorKindUserRejected {
		reason = ReasonPreviousDeclined
	}
	r.tracker.FailRemaining(id, reason)
	r.log.Error().Err(err).Str("step", id).Str("kind", string(se.Kind)).Msg("step failed")
	return stepError(id, se, err)
}

func (r *runState) skip(id, reason string) error {
	if err := r.tracker.Begin(id); err != nil {
		return err
	}
	return r.tracker.Complete(id, "skipped: "+reason)
}

// measure reads balances of tokens around fn and returns the non-negative deltas.
func (r *runState) measure(tokens []common.Address, fn func() error) (balances, error) {
	before := balances{}
	for _, token := range tokens {
		if _, ok := before[token]; ok {
			continue
		}
		v, err := r.e.chain.BalanceOf(r.ctx, token, r.account)
		if err != nil {
			return nil, err
		}
		before[token] = v
	}
	if err := fn(); err != nil {
		return nil, err
	}
	deltas := balances{}
	for token, prev := range before {
		after, err := r.e.chain.BalanceOf(r.ctx, token, r.account)
		if err != nil {
			return nil, err
		}
		delta := new(big.Int).Sub(after, prev)
		if delta.Sign() < 0 {
			delta.SetInt64(0)
		}
		deltas[token] = delta
	}
	return deltas, nil
}

func (r *runState) recordTx(id string, tx onchain.Tx) {
	if tx.Hash == (common.Hash{}) {
		return
	}
	hash := tx.Hash.Hex()
	_ = r.tracker.Annotate(id, func(s *Step) { s.TxRef = hash })
}

func (r *runState) describe(verb string, deltas balances) string {
	tokens := make([]common.Address, 0, len(deltas))
	for token, v := range deltas {
		if v.Sign() > 0 {
			tokens = append(tokens, token)
		}
	}
	if len(tokens) == 0 {
		return verb + " nothing"
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].Cmp(tokens[j]) < 0 })
	parts := make([]string, 0, len(tokens))
	for _, token := range tokens {
		parts = append(parts, deltas[token].String()+" "+r.symbol(token))
	}
	return verb + " " + strings.Join(parts, ", ")
}

func (r *runState) symbol(token common.Address) string {
	if s := r.e.reg.Symbol(token); s != "" {
		return s
	}
	return rewards.ShortAddress(token)
}

func (r *runState) poolLabel(pool common.Address) string {
	m, ok := r.e.reg.PoolMarket(pool)
	if !ok {
		return rewards.ShortAddress(pool)
	}
	role := registry.PoolCollateral
	if pool == m.SailPool {
		role = registry.PoolSail
	}
	return fmt.Sprintf("%s %s pool", m.ID, role)
}

func stepError(id string, se StepError, cause error) error {
	code := clierr.CodeInternal
	switch se.Kind {
	case ErrorKindUserRejected:
		code = clierr.CodeUserRejected
	case ErrorKindReverted:
		code = clierr.CodeReverted
	case ErrorKindCancelled:
		code = clierr.CodeCancelled
	default:
		if typed, ok := clierr.As(cause); ok {
			code = typed.Code
		}
	}
	return clierr.Wrap(code, fmt.Sprintf("step %s failed: %s", id, se.Message), cause)
}
