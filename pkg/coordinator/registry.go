package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrUnknownWorker is returned for an identity that never registered.
	ErrUnknownWorker = errors.New("coordinator: unknown worker")
	// ErrNotProcessing is returned when a worker has no outstanding task,
	// which is how a redelivered result shows up.
	ErrNotProcessing = errors.New("coordinator: worker has no outstanding task")
)

// Status is a worker's availability.
type Status int

const (
	StatusReady Status = iota
	StatusProcessing
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusProcessing:
		return "processing"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Assignment is the task a Processing worker holds.
type Assignment struct {
	Index int
	Since time.Time
}

// WorkerInfo is a copy of a registry entry.
type WorkerInfo struct {
	ID           string    `json:"id"`
	Status       Status    `json:"status"`
	Index        int       `json:"index"` // -1 unless Processing
	Completed    int       `json:"completed"`
	Failed       int       `json:"failed"`
	RegisteredAt time.Time `json:"registered_at"`
}

type record struct {
	status       Status
	task         Assignment
	completed    int
	failed       int
	registeredAt time.Time
}

// Registration reports what Register changed.
type Registration struct {
	New bool
	// Orphaned is the task the worker held when it registered again, or
	// nil. The worker restarted and will never answer for it.
	Orphaned *Assignment
}

// Registry maps worker identity to status. A worker is Processing exactly
// while it holds one outstanding task. Every method takes the single lock;
// none of them blocks on I/O.
type Registry struct {
	mu      sync.Mutex
	workers map[string]*record
	// ready is closed and replaced whenever a worker becomes Ready.
	ready chan struct{}
	now   func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		workers: make(map[string]*record),
		ready:   make(chan struct{}),
		now:     time.Now,
	}
}

// Register inserts id as Ready, overwriting any previous entry.
func (r *Registry) Register(id string) Registration {
	r.mu.Lock()
	defer r.mu.Unlock()

	var reg Registration
	rec, ok := r.workers[id]
	if !ok {
		rec = &record{registeredAt: r.now()}
		r.workers[id] = rec
		reg.New = true
	} else if rec.status == StatusProcessing {
		task := rec.task
		reg.Orphaned = &task
		rec.failed++
	}
	rec.status = StatusReady
	rec.task = Assignment{Index: -1}
	r.broadcastLocked()
	return reg
}

// Acquire blocks until a worker is Ready, marks it Processing with task
// index and returns its identity. Among Ready workers the lowest identity
// wins.
func (r *Registry) Acquire(ctx context.Context, index int) (string, error) {
	for {
		r.mu.Lock()
		if id := r.lowestReadyLocked(); id != "" {
			rec := r.workers[id]
			rec.status = StatusProcessing
			rec.task = Assignment{Index: index, Since: r.now()}
			r.mu.Unlock()
			return id, nil
		}
		wait := r.ready
		r.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (r *Registry) lowestReadyLocked() string {
	best := ""
	for id, rec := range r.workers {
		if rec.status == StatusReady && (best == "" || id < best) {
			best = id
		}
	}
	return best
}

// Release returns a Processing worker to Ready and hands back its task.
// ok records whether the task succeeded.
func (r *Registry) Release(id string, ok bool) (Assignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, found := r.workers[id]
	if !found {
		return Assignment{}, ErrUnknownWorker
	}
	if rec.status != StatusProcessing {
		return Assignment{}, ErrNotProcessing
	}
	task := rec.task
	rec.status = StatusReady
	rec.task = Assignment{Index: -1}
	if ok {
		rec.completed++
	} else {
		rec.failed++
	}
	r.broadcastLocked()
	return task, nil
}

func (r *Registry) broadcastLocked() {
	close(r.ready)
	r.ready = make(chan struct{})
}

// Known reports whether id has registered.
func (r *Registry) Known(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.workers[id]
	return ok
}

// Status returns the status of id.
func (r *Registry) Status(id string) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.workers[id]
	if !ok {
		return 0, ErrUnknownWorker
	}
	return rec.status, nil
}

// Counts returns the number of Ready and Processing workers.
func (r *Registry) Counts() (ready, processing int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.workers {
		if rec.status == StatusProcessing {
			processing++
		} else {
			ready++
		}
	}
	return ready, processing
}

// Snapshot copies every entry, ordered by identity.
func (r *Registry) Snapshot() []WorkerInfo {
	r.mu.Lock()
	out := make([]WorkerInfo, 0, len(r.workers))
	for id, rec := range r.workers {
		out = append(out, WorkerInfo{
			ID:           id,
			Status:       rec.status,
			Index:        rec.task.Index,
			Completed:    rec.completed,
			Failed:       rec.failed,
			RegisteredAt: rec.registeredAt,
		})
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
