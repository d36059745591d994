package execution

import (
	"context"
	"testing"
)

func TestHandlePersistsStepTrail(t *testing.T) {
	store := openTestStore(t)
	chain := newFakeChain(testRegistry(t))
	chain.setClaimable(poolA1, peggedA, 10)
	exec := newTestExecutor(t, chain, nil)

	run := NewRun(RunModeConsolidated, testAccount, "a", selection("a", "collateral"))
	plan := &Plan{TargetMarketID: "a", TargetToken: peggedA, Allocations: []Allocation{{Pool: poolA1, Percentage: 100}}}
	run.Plan = plan
	h := NewHandle(run, store)
	h.Start(func(tr *Tracker) (Summary, error) {
		return exec.RunConsolidated(context.Background(), plan, run.Selection, tr)
	})
	summary, err := h.Wait()
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if summary.Total.Int64() != 10 {
		t.Fatalf("unexpected total %s", summary.Total)
	}

	stored, err := store.Get(run.RunID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.Status != RunStatusCompleted {
		t.Fatalf("expected completed run, got %s", stored.Status)
	}
	if len(stored.Steps) != 3 {
		t.Fatalf("expected 3 persisted steps, got %d", len(stored.Steps))
	}
	for _, s := range stored.Steps {
		if s.Status != StepStatusCompleted {
			t.Fatalf("expected persisted steps completed: %s", stepStatuses(stored.Steps))
		}
	}
}

func TestHandleCancelMarksRunCancelled(t *testing.T) {
	chain := newFakeChain(testRegistry(t))
	chain.setClaimable(poolA1, peggedA, 10)
	exec := newTestExecutor(t, chain, nil)

	run := NewRun(RunModeConsolidated, testAccount, "a", selection("a", "collateral"))
	plan := &Plan{TargetMarketID: "a", TargetToken: peggedA, Allocations: []Allocation{{Pool: poolA1, Percentage: 100}}}
	h := NewHandle(run, nil)
	chain.onSubmit = func(method string) {
		if method == "claim" {
			h.Cancel()
		}
	}
	h.Start(func(tr *Tracker) (Summary, error) {
		return exec.RunConsolidated(context.Background(), plan, run.Selection, tr)
	})
	if _, err := h.Wait(); err == nil {
		t.Fatal("expected cancellation error")
	}
	snap := h.Snapshot()
	if snap.Status != RunStatusCancelled {
		t.Fatalf("expected cancelled run, got %s", snap.Status)
	}
	if snap.Steps[0].Status != StepStatusCompleted {
		t.Fatalf("in-flight claim must complete, got %s", snap.Steps[0].Status)
	}
	if chain.deposited(poolA1) != 0 {
		t.Fatal("no deposit may happen after cancellation")
	}
}
