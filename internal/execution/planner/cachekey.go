package planner

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

type keyAllocation struct {
	Pool       string `json:"pool"`
	Percentage int    `json:"percentage"`
}

type keyPool struct {
	MarketID string `json:"market_id"`
	Role     string `json:"role"`
}

type keyPayload struct {
	Account     string          `json:"account"`
	Target      string          `json:"target"`
	Allocations []keyAllocation `json:"allocations"`
	Selection   []keyPool       `json:"selection"`
}

// CacheKey hashes the canonical form of a plan request. Selection order does not
// change the key; allocation order does, since it fixes deposit order.
func CacheKey(account common.Address, req PlanRequest) (string, error) {
	payload := keyPayload{
		Account:     strings.ToLower(account.Hex()),
		Target:      strings.TrimSpace(req.TargetMarketID),
		Allocations: make([]keyAllocation, 0, len(req.Allocations)),
		Selection:   make([]keyPool, 0, len(req.Selection)),
	}
	for _, a := range req.Allocations {
		payload.Allocations = append(payload.Allocations, keyAllocation{Pool: strings.ToLower(a.Pool.Hex()), Percentage: a.Percentage})
	}
	seen := map[keyPool]bool{}
	for _, ref := range req.Selection {
		kp := keyPool{MarketID: ref.MarketID, Role: string(ref.Role)}
		if seen[kp] {
			continue
		}
		seen[kp] = true
		payload.Selection = append(payload.Selection, kp)
	}
	sort.Slice(payload.Selection, func(i, j int) bool {
		if payload.Selection[i].MarketID != payload.Selection[j].MarketID {
			return payload.Selection[i].MarketID < payload.Selection[j].MarketID
		}
		return payload.Selection[i].Role < payload.Selection[j].Role
	})
	buf, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(buf)
	return "plan:" + hex.EncodeToString(sum[:]), nil
}
