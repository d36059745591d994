package execution

import (
	"errors"
	"testing"
)

func committedTracker(t *testing.T, ids ...string) *Tracker {
	t.Helper()
	tr := NewTracker()
	steps := make([]Step, 0, len(ids))
	for _, id := range ids {
		steps = append(steps, Step{ID: id, Kind: StepKindApprove})
	}
	if err := tr.Commit(steps); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	return tr
}

func TestTrackerTransitions(t *testing.T) {
	tr := committedTracker(t, "one", "two")
	if err := tr.Complete("one", "done"); err == nil {
		t.Fatal("pending step must not complete without starting")
	}
	if err := tr.Begin("one"); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := tr.Annotate("one", func(s *Step) { s.TxRef = "0xabc" }); err != nil {
		t.Fatalf("Annotate failed: %v", err)
	}
	if err := tr.Complete("one", "done"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if err := tr.Begin("one"); err == nil {
		t.Fatal("completed step must be terminal")
	}
	if err := tr.Annotate("one", func(s *Step) {}); err == nil {
		t.Fatal("annotating a completed step must fail")
	}
	step, _ := tr.Step("one")
	if step.Status != StepStatusCompleted || step.TxRef != "0xabc" || step.Details != "done" {
		t.Fatalf("unexpected step %+v", step)
	}
	if err := tr.Begin("missing"); err == nil {
		t.Fatal("expected unknown step error")
	}
}

func TestTrackerCommitOnce(t *testing.T) {
	tr := committedTracker(t, "one")
	if err := tr.Commit([]Step{{ID: "two"}}); err == nil {
		t.Fatal("expected second commit to fail")
	}
	if err := NewTracker().Commit([]Step{{ID: "x"}, {ID: "x"}}); err == nil {
		t.Fatal("expected duplicate id error")
	}
}

func TestTrackerFailRemaining(t *testing.T) {
	tr := committedTracker(t, "one", "two", "three")
	_ = tr.Begin("one")
	_ = tr.Fail("one", StepError{Kind: ErrorKindReverted, Message: "reverted"})
	tr.FailRemaining("one", ReasonPreviousFailed)
	for _, id := range []string{"two", "three"} {
		s, _ := tr.Step(id)
		if s.Status != StepStatusError || s.Details != ReasonPreviousFailed {
			t.Fatalf("unexpected %s: %+v", id, s)
		}
	}
	first, _ := tr.Step("one")
	if first.ErrorKind != ErrorKindReverted || first.Details != "reverted" {
		t.Fatalf("unexpected failed step %+v", first)
	}
}

func TestTrackerCancelLeavesInProgressStep(t *testing.T) {
	tr := committedTracker(t, "one", "two")
	events := tr.Subscribe(16)
	_ = tr.Begin("one")
	tr.Cancel()
	tr.Cancel()

	if !tr.Cancelled() {
		t.Fatal("expected cancelled flag")
	}
	if err := tr.Begin("two"); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if err := tr.Complete("one", "mined"); err != nil {
		t.Fatalf("in-progress step must still complete: %v", err)
	}
	two, _ := tr.Step("two")
	if two.Status != StepStatusError || two.Details != ReasonCancelled {
		t.Fatalf("unexpected pending step after cancel: %+v", two)
	}
	tr.Close()

	var got []StepEvent
	for ev := range events {
		got = append(got, ev)
	}
	// begin one, cancel two, complete one
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	if got[1].Index != 1 || got[1].Step.Details != ReasonCancelled {
		t.Fatalf("unexpected cancel event %+v", got[1])
	}
	if got[2].Step.Status != StepStatusCompleted {
		t.Fatalf("unexpected last event %+v", got[2])
	}
}

func TestTrackerCancelBeforeCommit(t *testing.T) {
	tr := NewTracker()
	tr.Cancel()
	if err := tr.Commit([]Step{{ID: "one"}}); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	s, _ := tr.Step("one")
	if s.Status != StepStatusError || s.ErrorKind != ErrorKindCancelled {
		t.Fatalf("expected cancelled step, got %+v", s)
	}
}

func TestTrackerSubscribeAfterClose(t *testing.T) {
	tr := NewTracker()
	tr.Close()
	if _, ok := <-tr.Subscribe(1); ok {
		t.Fatal("expected closed channel")
	}
}
