package execution

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/rewards-compounder/internal/rewards"
	"github.com/google/uuid"
)

type StepStatus string

type StepKind string

type RunStatus string

type RunMode string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusInProgress StepStatus = "in_progress"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusError      StepStatus = "error"
)

const (
	StepKindClaim           StepKind = "claim"
	StepKindApprove         StepKind = "approve"
	StepKindRedeemLeveraged StepKind = "redeem_leveraged"
	StepKindRedeemPegged    StepKind = "redeem_pegged"
	StepKindMint            StepKind = "mint"
	StepKindDeposit         StepKind = "deposit"
)

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

const (
	RunModeConsolidated RunMode = "consolidated"
	RunModeSimple       RunMode = "simple"
)

type LeveragedRedeem struct {
	MarketID               string         `json:"market_id"`
	LeveragedToken         common.Address `json:"leveraged_token"`
	Amount                 *big.Int       `json:"amount"`
	Venue                  common.Address `json:"venue"`
	WrappedCollateralToken common.Address `json:"wrapped_collateral_token"`
	Fee                    *big.Int       `json:"fee"`
	ExpectedOut            *big.Int       `json:"expected_out"`
}

type ForeignRedeem struct {
	MarketID               string         `json:"market_id"`
	PeggedToken            common.Address `json:"pegged_token"`
	Amount                 *big.Int       `json:"amount"`
	Venue                  common.Address `json:"venue"`
	WrappedCollateralToken common.Address `json:"wrapped_collateral_token"`
	Fee                    *big.Int       `json:"fee"`
	ExpectedOut            *big.Int       `json:"expected_out"`
}

type MintEntry struct {
	MarketID               string         `json:"market_id"`
	WrappedCollateralToken common.Address `json:"wrapped_collateral_token"`
	Amount                 *big.Int       `json:"amount"`
	Venue                  common.Address `json:"venue"`
	Fee                    *big.Int       `json:"fee"`
	ExpectedMint           *big.Int       `json:"expected_mint"`
}

// Allocation assigns an integer percentage of the target token to one pool.
type Allocation struct {
	Pool       common.Address `json:"pool"`
	Percentage int            `json:"percentage"`
}

// Plan is the committed conversion route. Its amounts are hints; execution spends
// measured balance deltas.
type Plan struct {
	TargetMarketID      string            `json:"target_market_id"`
	TargetToken         common.Address    `json:"target_token"`
	RedeemLeveraged     []LeveragedRedeem `json:"redeem_leveraged"`
	RedeemForeignPegged []ForeignRedeem   `json:"redeem_foreign_pegged"`
	Mint                []MintEntry       `json:"mint"`
	Allocations         []Allocation      `json:"allocations"`
	DirectTarget        *big.Int          `json:"direct_target"`
	ExpectedTotal       *big.Int          `json:"expected_total"`
}

// Step is one atomic on-chain operation of a run.
type Step struct {
	ID        string     `json:"id"`
	Kind      StepKind   `json:"kind"`
	Label     string     `json:"label"`
	Status    StepStatus `json:"status"`
	Details   string     `json:"details,omitempty"`
	Fee       string     `json:"fee,omitempty"`
	TxRef     string     `json:"tx_ref,omitempty"`
	ErrorKind ErrorKind  `json:"error_kind,omitempty"`
}

// Run is the persisted record of one orchestration run.
type Run struct {
	RunID          string            `json:"run_id"`
	Mode           RunMode           `json:"mode"`
	Account        string            `json:"account"`
	TargetMarketID string            `json:"target_market_id,omitempty"`
	Selection      rewards.Selection `json:"selection"`
	Status         RunStatus         `json:"status"`
	Plan           *Plan             `json:"plan,omitempty"`
	Steps          []Step            `json:"steps"`
	Error          string            `json:"error,omitempty"`
	CreatedAt      string            `json:"created_at"`
	UpdatedAt      string            `json:"updated_at"`
}

func NewRunID() string {
	return "run_" + uuid.NewString()
}

func NewRun(mode RunMode, account common.Address, targetMarketID string, selection rewards.Selection) Run {
	now := time.Now().UTC().Format(time.RFC3339)
	return Run{
		RunID:          NewRunID(),
		Mode:           mode,
		Account:        account.Hex(),
		TargetMarketID: targetMarketID,
		Selection:      selection,
		Status:         RunStatusRunning,
		Steps:          []Step{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (r *Run) Touch() {
	r.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
}
