package model

import "time"

const EnvelopeVersion = "v1"

type Envelope struct {
	Version  string       `json:"version"`
	Success  bool         `json:"success"`
	Data     any          `json:"data,omitempty"`
	Error    *ErrorBody   `json:"error"`
	Warnings []string     `json:"warnings,omitempty"`
	Meta     EnvelopeMeta `json:"meta"`
}

type ErrorBody struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

type EnvelopeMeta struct {
	RequestID string      `json:"request_id"`
	Timestamp time.Time   `json:"timestamp"`
	Command   string      `json:"command"`
	ChainID   int64       `json:"chain_id,omitempty"`
	Account   string      `json:"account,omitempty"`
	RunID     string      `json:"run_id,omitempty"`
	Cache     CacheStatus `json:"cache"`
}

type CacheStatus struct {
	Status string `json:"status"`
	Key    string `json:"key,omitempty"`
}

// MarketInfo is the registry view of one market.
type MarketInfo struct {
	ID                     string `json:"id"`
	Name                   string `json:"name,omitempty"`
	Minter                 string `json:"minter"`
	PeggedToken            string `json:"pegged_token"`
	PeggedSymbol           string `json:"pegged_symbol,omitempty"`
	LeveragedToken         string `json:"leveraged_token,omitempty"`
	LeveragedSymbol        string `json:"leveraged_symbol,omitempty"`
	CollateralToken        string `json:"collateral_token,omitempty"`
	WrappedCollateralToken string `json:"wrapped_collateral_token"`
	CollateralPool         string `json:"collateral_pool,omitempty"`
	SailPool               string `json:"sail_pool,omitempty"`
}

// RunResult is the outcome of a compounding run.
type RunResult struct {
	RunID    string `json:"run_id"`
	Mode     string `json:"mode"`
	Status   string `json:"status"`
	Total    string `json:"total_deposited"`
	Deposits any    `json:"deposits"`
	Steps    any    `json:"steps"`
}
