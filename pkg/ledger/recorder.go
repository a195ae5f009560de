package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/fluxorio/ekc/pkg/coordinator"
	"github.com/fluxorio/ekc/pkg/logging"
)

// recorderBuffer is how far the writer may fall behind before observers
// block.
const recorderBuffer = 4096

// Recorder is a coordinator.Observer that writes events to the ledger on
// its own goroutine, keeping database latency off the event loop.
type Recorder struct {
	ledger *Ledger
	runID  string
	logger logging.Logger

	mu     sync.Mutex
	closed bool
	events chan coordinator.Event
	done   chan struct{}
}

// NewRecorder starts the writer goroutine for runID.
func NewRecorder(l *Ledger, runID string, logger logging.Logger) *Recorder {
	if logger == nil {
		logger = logging.NewNop()
	}
	r := &Recorder{
		ledger: l,
		runID:  runID,
		logger: logger.WithField("component", "ledger"),
		events: make(chan coordinator.Event, recorderBuffer),
		done:   make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *Recorder) ObserveCoordinator(ev coordinator.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.events <- ev
}

func (r *Recorder) loop() {
	defer close(r.done)
	for ev := range r.events {
		if err := r.write(ev); err != nil {
			r.logger.Errorf("%v", err)
		}
	}
}

func (r *Recorder) write(ev coordinator.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch ev.Kind {
	case coordinator.EventStarted:
		return r.ledger.StartRun(ctx, r.runID, ev.Fingerprint, ev.Progress.Total, ev.Time)
	case coordinator.EventRegistered:
		return r.ledger.RecordWorker(ctx, r.runID, ev.WorkerID, ev.Time)
	case coordinator.EventCompleted, coordinator.EventFailed:
		outcome := OutcomeCompleted
		if ev.Kind == coordinator.EventFailed {
			outcome = OutcomeFailed
		}
		return r.ledger.RecordTask(ctx, r.runID, TaskRecord{
			Index:      ev.Index,
			Input:      ev.Input,
			WorkerID:   ev.WorkerID,
			Outcome:    outcome,
			Output:     ev.Output,
			Reason:     ev.Reason,
			Error:      ev.Error,
			Elapsed:    ev.Elapsed,
			RecordedAt: ev.Time,
		})
	case coordinator.EventFinished:
		return r.ledger.FinishRun(ctx, r.runID, ev.Time)
	}
	return nil
}

// Close drains pending events and stops the writer. Events observed after
// Close are dropped.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.events)
	}
	r.mu.Unlock()
	<-r.done
}
