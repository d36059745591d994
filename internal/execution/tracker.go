package execution

import (
	"fmt"
	"sync"
)

const (
	ReasonCancelled        = "cancelled"
	ReasonPreviousDeclined = "previous transaction declined"
	ReasonPreviousFailed   = "previous transaction failed"
)

// StepEvent is published on every step transition.
type StepEvent struct {
	Index int
	Step  Step
}

// Tracker owns a run's step list. The executor drives transitions; callers observe
// them through Subscribe and may request cancellation at any time.
type Tracker struct {
	mu        sync.Mutex
	steps     []Step
	index     map[string]int
	committed bool
	cancelled bool

	pubMu  sync.Mutex
	subs   []chan StepEvent
	closed bool
}

func NewTracker() *Tracker {
	return &Tracker{index: map[string]int{}}
}

// Subscribe returns a feed of step transitions. The channel is closed by Close.
// Subscribers must drain it.
func (t *Tracker) Subscribe(buffer int) <-chan StepEvent {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan StepEvent, buffer)
	t.pubMu.Lock()
	defer t.pubMu.Unlock()
	if t.closed {
		close(ch)
		return ch
	}
	t.subs = append(t.subs, ch)
	return ch
}

// Commit fixes the step list. It may be called once; steps start pending.
func (t *Tracker) Commit(steps []Step) error {
	t.mu.Lock()
	if t.committed {
		t.mu.Unlock()
		return fmt.Errorf("steps already committed")
	}
	t.committed = true
	events := make([]StepEvent, 0, len(steps))
	for _, s := range steps {
		if _, dup := t.index[s.ID]; dup {
			t.mu.Unlock()
			return fmt.Errorf("duplicate step id %q", s.ID)
		}
		s.Status = StepStatusPending
		t.index[s.ID] = len(t.steps)
		t.steps = append(t.steps, s)
		events = append(events, StepEvent{Index: len(t.steps) - 1, Step: s})
	}
	if t.cancelled {
		events = append(events, t.cancelPendingLocked()...)
	}
	t.publish(events)
	return nil
}

// Begin moves a pending step to in_progress. It refuses once the run is cancelled,
// so no step pending at cancellation time can start.
func (t *Tracker) Begin(id string) error {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return ErrCancelled
	}
	ev, err := t.transitionLocked(id, StepStatusInProgress, func(*Step) {})
	if err != nil {
		t.mu.Unlock()
		return err
	}
	t.publish([]StepEvent{ev})
	return nil
}

// Annotate updates details, fee or tx reference of an in-progress step.
func (t *Tracker) Annotate(id string, fn func(*Step)) error {
	t.mu.Lock()
	idx, ok := t.index[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("unknown step %q", id)
	}
	step := &t.steps[idx]
	if step.Status != StepStatusInProgress {
		t.mu.Unlock()
		return fmt.Errorf("step %q is %s, not in progress", id, step.Status)
	}
	fn(step)
	t.publish([]StepEvent{{Index: idx, Step: *step}})
	return nil
}

func (t *Tracker) Complete(id, details string) error {
	t.mu.Lock()
	ev, err := t.transitionLocked(id, StepStatusCompleted, func(s *Step) {
		if details != "" {
			s.Details = details
		}
	})
	if err != nil {
		t.mu.Unlock()
		return err
	}
	t.publish([]StepEvent{ev})
	return nil
}

func (t *Tracker) Fail(id string, se StepError) error {
	t.mu.Lock()
	ev, err := t.transitionLocked(id, StepStatusError, func(s *Step) {
		s.Details = se.Message
		s.ErrorKind = se.Kind
	})
	if err != nil {
		t.mu.Unlock()
		return err
	}
	t.publish([]StepEvent{ev})
	return nil
}

// FailRemaining marks every pending step after the given one as error with reason.
func (t *Tracker) FailRemaining(after, reason string) {
	t.mu.Lock()
	start := 0
	if idx, ok := t.index[after]; ok {
		start = idx + 1
	}
	events := make([]StepEvent, 0)
	for i := start; i < len(t.steps); i++ {
		if t.steps[i].Status != StepStatusPending {
			continue
		}
		t.steps[i].Status = StepStatusError
		t.steps[i].Details = reason
		t.steps[i].ErrorKind = ErrorKindCancelled
		events = append(events, StepEvent{Index: i, Step: t.steps[i]})
	}
	t.publish(events)
}

// Cancel sets the cancellation flag and marks every pending step as cancelled.
// Steps already in progress are left to finish.
func (t *Tracker) Cancel() {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return
	}
	t.cancelled = true
	t.publish(t.cancelPendingLocked())
}

func (t *Tracker) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

func (t *Tracker) Steps() []Step {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Step, len(t.steps))
	copy(out, t.steps)
	return out
}

func (t *Tracker) Step(id string) (Step, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, ok := t.index[id]
	if !ok {
		return Step{}, false
	}
	return t.steps[idx], true
}

// Close ends every subscription.
func (t *Tracker) Close() {
	t.pubMu.Lock()
	defer t.pubMu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for _, ch := range t.subs {
		close(ch)
	}
	t.subs = nil
}

func (t *Tracker) cancelPendingLocked() []StepEvent {
	events := make([]StepEvent, 0)
	for i := range t.steps {
		if t.steps[i].Status != StepStatusPending {
			continue
		}
		t.steps[i].Status = StepStatusError
		t.steps[i].Details = ReasonCancelled
		t.steps[i].ErrorKind = ErrorKindCancelled
		events = append(events, StepEvent{Index: i, Step: t.steps[i]})
	}
	return events
}

func (t *Tracker) transitionLocked(id string, to StepStatus, mutate func(*Step)) (StepEvent, error) {
	idx, ok := t.index[id]
	if !ok {
		return StepEvent{}, fmt.Errorf("unknown step %q", id)
	}
	step := &t.steps[idx]
	if !allowedTransition(step.Status, to) {
		return StepEvent{}, fmt.Errorf("step %q: invalid transition %s -> %s", id, step.Status, to)
	}
	step.Status = to
	mutate(step)
	return StepEvent{Index: idx, Step: *step}, nil
}

// publish hands events to subscribers in order. It must be called with mu held and
// releases it before sending.
func (t *Tracker) publish(events []StepEvent) {
	t.pubMu.Lock()
	t.mu.Unlock()
	defer t.pubMu.Unlock()
	if t.closed {
		return
	}
	for _, ev := range events {
		for _, ch := range t.subs {
			ch <- ev
		}
	}
}

func allowedTransition(from, to StepStatus) bool {
	switch from {
	case StepStatusPending:
		return to == StepStatusInProgress || to == StepStatusError
	case StepStatusInProgress:
		return to == StepStatusCompleted || to == StepStatusError
	default:
		return false
	}
}
