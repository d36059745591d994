package execution

import (
	"sync"

	"github.com/ggonzalez94/rewards-compounder/internal/logger"
)

// Handle is a started run. Cancel is cooperative and independent of the context the
// run was started with, so a transaction already submitted is still awaited.
type Handle struct {
	Run     Run
	tracker *Tracker
	store   *Store

	mu      sync.Mutex
	started bool
	done    chan struct{}
	summary Summary
	err     error
}

// NewHandle prepares a run record. A nil store keeps the run in memory only.
func NewHandle(run Run, store *Store) *Handle {
	return &Handle{Run: run, tracker: NewTracker(), store: store, done: make(chan struct{})}
}

func (h *Handle) Tracker() *Tracker { return h.tracker }

// Subscribe must be called before Start to observe every transition.
func (h *Handle) Subscribe(buffer int) <-chan StepEvent { return h.tracker.Subscribe(buffer) }

// Start runs fn in the background. Every step transition is persisted when a store is set.
func (h *Handle) Start(fn func(t *Tracker) (Summary, error)) {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return
	}
	h.started = true
	h.mu.Unlock()

	var recorded chan struct{}
	if h.store != nil {
		recorded = make(chan struct{})
		events := h.tracker.Subscribe(256)
		h.save()
		go func() {
			defer close(recorded)
			for ev := range events {
				h.apply(ev)
				h.save()
			}
		}()
	}
	go func() {
		summary, err := fn(h.tracker)
		h.tracker.Close()
		if recorded != nil {
			<-recorded
		}
		h.mu.Lock()
		h.summary, h.err = summary, err
		h.Run.Steps = h.tracker.Steps()
		switch {
		case err == nil:
			h.Run.Status = RunStatusCompleted
		case h.tracker.Cancelled():
			h.Run.Status = RunStatusCancelled
			h.Run.Error = err.Error()
		default:
			h.Run.Status = RunStatusFailed
			h.Run.Error = err.Error()
		}
		h.Run.Touch()
		h.mu.Unlock()
		h.save()
		close(h.done)
	}()
}

func (h *Handle) Cancel() { h.tracker.Cancel() }

// Wait blocks until the run ends.
func (h *Handle) Wait() (Summary, error) {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.summary, h.err
}

func (h *Handle) Done() <-chan struct{} { return h.done }

// Snapshot returns a copy of the run record.
func (h *Handle) Snapshot() Run {
	h.mu.Lock()
	defer h.mu.Unlock()
	run := h.Run
	run.Steps = append([]Step(nil), h.Run.Steps...)
	return run
}

func (h *Handle) apply(ev StepEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for len(h.Run.Steps) <= ev.Index {
		h.Run.Steps = append(h.Run.Steps, Step{})
	}
	h.Run.Steps[ev.Index] = ev.Step
	h.Run.Touch()
}

func (h *Handle) save() {
	if h.store == nil {
		return
	}
	run := h.Snapshot()
	if err := h.store.Save(run); err != nil {
		log := logger.GetForComponent("runstore")
		log.Warn().Err(err).Str("run_id", run.RunID).Msg("persist run failed")
	}
}
