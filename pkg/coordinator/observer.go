package coordinator

import (
	"time"

	"github.com/fluxorio/ekc/pkg/logging"
)

// EventKind classifies coordinator events.
type EventKind int

const (
	EventStarted EventKind = iota + 1
	EventRegistered
	EventDispatched
	EventCompleted
	EventFailed
	EventFinished
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventRegistered:
		return "registered"
	case EventDispatched:
		return "dispatched"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	case EventFinished:
		return "finished"
	default:
		return "unknown"
	}
}

func (k EventKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Failure reasons carried by EventFailed.
const (
	ReasonLoad     = "load"
	ReasonEncode   = "encode"
	ReasonPublish  = "publish"
	ReasonDecode   = "decode"
	ReasonStore    = "store"
	ReasonWorker   = "worker"
	ReasonOrphaned = "orphaned"
)

// Event describes a step of a run. Index is -1 for events not tied to an
// input image.
type Event struct {
	Kind        EventKind     `json:"kind"`
	WorkerID    string        `json:"worker_id,omitempty"`
	Index       int           `json:"index"`
	Input       string        `json:"input,omitempty"`
	Output      string        `json:"output,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	Error       string        `json:"error,omitempty"`
	Elapsed     time.Duration `json:"elapsed_ns,omitempty"`
	Fingerprint string        `json:"fingerprint,omitempty"`
	Progress    Progress      `json:"progress"`
	Time        time.Time     `json:"time"`
}

// Observer receives events. Dispatch events arrive on the dispatch
// goroutine and the rest on the event loop, so implementations must be
// safe for concurrent use and must not block.
type Observer interface {
	ObserveCoordinator(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) ObserveCoordinator(ev Event) { f(ev) }

// LogObserver writes one line per event.
type LogObserver struct {
	Logger logging.Logger
}

func (o LogObserver) ObserveCoordinator(ev Event) {
	p := ev.Progress
	switch ev.Kind {
	case EventStarted:
		o.Logger.Infof("kernel %s published, %d images queued", short(ev.Fingerprint), p.Total)
	case EventRegistered:
		o.Logger.Infof("worker %s registered", ev.WorkerID)
	case EventDispatched:
		o.Logger.Debugf("image %d (%s) sent to %s", ev.Index, ev.Input, ev.WorkerID)
	case EventCompleted:
		o.Logger.Infof("image %d from %s written to %s in %s [%d/%d]", ev.Index, ev.WorkerID, ev.Output, ev.Elapsed.Round(time.Millisecond), p.Completed+p.Failed, p.Total)
	case EventFailed:
		o.Logger.Warnf("image %d failed (%s) on %q: %s [%d/%d]", ev.Index, ev.Reason, ev.WorkerID, ev.Error, p.Completed+p.Failed, p.Total)
	case EventFinished:
		o.Logger.Infof("run finished: %d completed, %d failed", p.Completed, p.Failed)
	}
}

func short(fp string) string {
	if len(fp) > 16 {
		return fp[:16]
	}
	return fp
}
