package worker

import "time"

// EventKind classifies worker lifecycle events.
type EventKind int

const (
	EventCompiled EventKind = iota + 1
	EventRegistered
	EventTaskCompleted
	EventTaskFailed
	EventAssignDropped
)

func (k EventKind) String() string {
	switch k {
	case EventCompiled:
		return "compiled"
	case EventRegistered:
		return "registered"
	case EventTaskCompleted:
		return "task_completed"
	case EventTaskFailed:
		return "task_failed"
	case EventAssignDropped:
		return "assign_dropped"
	default:
		return "unknown"
	}
}

// Event describes something that happened to a worker.
type Event struct {
	Kind        EventKind
	WorkerID    string
	Fingerprint string
	Stage       string
	Err         error
	Elapsed     time.Duration
	Bytes       int
	Time        time.Time
}

// Observer receives worker events on the message loop goroutine and must
// not block.
type Observer interface {
	ObserveWorker(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) ObserveWorker(ev Event) { f(ev) }
