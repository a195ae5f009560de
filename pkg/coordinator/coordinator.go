// Package coordinator owns a batch of input images and farms them out to
// registered workers over the bus.
//
// Two activities share the worker Registry: the dispatch loop, which waits
// for a Ready worker and sends it the next image, and the event loop, which
// consumes registrations, results and failures one message at a time. The
// registry lock is never held across a publish.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fluxorio/ekc/pkg/bus"
	"github.com/fluxorio/ekc/pkg/codec"
	"github.com/fluxorio/ekc/pkg/kernel"
	"github.com/fluxorio/ekc/pkg/logging"
	"github.com/fluxorio/ekc/pkg/topic"
)

// Config configures a Coordinator.
type Config struct {
	InputDir  string `yaml:"input_dir" json:"input_dir"`
	OutputDir string `yaml:"output_dir" json:"output_dir"`
	// DispatchDelay is the grace period for workers to register before the
	// first image is sent.
	DispatchDelay time.Duration `yaml:"dispatch_delay" json:"dispatch_delay"`
}

// DefaultConfig returns the defaults used by ekc-coordinator.
func DefaultConfig() Config {
	return Config{
		InputDir:      "input",
		OutputDir:     "output",
		DispatchDelay: 2 * time.Second,
	}
}

// Progress counts tasks of a run.
type Progress struct {
	Total      int `json:"total"`
	Dispatched int `json:"dispatched"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Done reports whether every task has an outcome.
func (p Progress) Done() bool { return p.Completed+p.Failed >= p.Total }

// Snapshot is the coordinator state exposed on /status.
type Snapshot struct {
	Fingerprint string       `json:"fingerprint"`
	Started     time.Time    `json:"started"`
	Progress    Progress     `json:"progress"`
	Workers     []WorkerInfo `json:"workers"`
}

// Coordinator runs one batch.
type Coordinator struct {
	cfg       Config
	bus       bus.Bus
	kernel    kernel.Source
	source    Source
	sink      Sink
	registry  *Registry
	logger    logging.Logger
	tracer    trace.Tracer
	observers []Observer

	mu       sync.Mutex
	progress Progress
	started  time.Time
	done     chan struct{}
}

// New creates a coordinator for the images in source.
func New(cfg Config, b bus.Bus, src kernel.Source, source Source, sink Sink, logger logging.Logger, observers ...Observer) (*Coordinator, error) {
	if b == nil {
		return nil, errors.New("coordinator: bus is nil")
	}
	if src.Text == "" {
		return nil, kernel.ErrEmpty
	}
	if source == nil || sink == nil {
		return nil, errors.New("coordinator: source and sink are required")
	}
	if cfg.DispatchDelay < 0 {
		return nil, fmt.Errorf("coordinator: negative dispatch delay %s", cfg.DispatchDelay)
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	return &Coordinator{
		cfg:       cfg,
		bus:       b,
		kernel:    src,
		source:    source,
		sink:      sink,
		registry:  NewRegistry(),
		logger:    logger,
		tracer:    otel.Tracer("github.com/fluxorio/ekc/pkg/coordinator"),
		observers: observers,
		progress:  Progress{Total: source.Len()},
		done:      make(chan struct{}),
	}, nil
}

// Registry exposes the worker registry.
func (c *Coordinator) Registry() *Registry { return c.registry }

// Progress returns the current counters.
func (c *Coordinator) Progress() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress
}

// Done is closed once every task has completed or failed.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Snapshot returns the state served on /status.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	p, started := c.progress, c.started
	c.mu.Unlock()
	return Snapshot{
		Fingerprint: c.kernel.Fingerprint,
		Started:     started,
		Progress:    p,
		Workers:     c.registry.Snapshot(),
	}
}

// Run publishes the kernel, starts the dispatch loop and consumes events
// until every image has an outcome or ctx is done. A cancelled context is
// not an error.
func (c *Coordinator) Run(ctx context.Context) (Progress, error) {
	if err := c.bus.Subscribe(topic.Register); err != nil {
		return c.Progress(), fmt.Errorf("coordinator: subscribe %s: %w", topic.Register, err)
	}
	if err := c.bus.Publish(ctx, topic.Init, c.kernel.Bytes()); err != nil {
		return c.Progress(), fmt.Errorf("coordinator: publish kernel: %w", err)
	}

	c.mu.Lock()
	c.started = time.Now()
	c.mu.Unlock()
	c.emit(Event{Kind: EventStarted, Index: -1, Fingerprint: c.kernel.Fingerprint})

	if c.checkDone() {
		return c.Progress(), nil
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	wg.Add(2)
	go func() {
		defer wg.Done()
		c.dispatchLoop(ctx)
	}()
	// The last outcome may be recorded by the dispatch loop while the event
	// loop is blocked in Receive.
	go func() {
		defer wg.Done()
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		msg, err := c.bus.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, bus.ErrClosed) {
				return c.Progress(), nil
			}
			return c.Progress(), fmt.Errorf("coordinator: receive: %w", err)
		}
		if err := c.Handle(ctx, msg); err != nil {
			return c.Progress(), err
		}
		if c.finished() {
			return c.Progress(), nil
		}
	}
}

func (c *Coordinator) finished() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Coordinator) dispatchLoop(ctx context.Context) {
	if c.cfg.DispatchDelay > 0 {
		timer := time.NewTimer(c.cfg.DispatchDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}

	for i := 0; i < c.source.Len(); i++ {
		id, err := c.registry.Acquire(ctx, i)
		if err != nil {
			return
		}
		c.dispatch(ctx, i, id)
	}
	c.logger.Debugf("all %d images dispatched", c.source.Len())
}

// dispatch sends image i to worker id, which Acquire already marked
// Processing. On failure the worker goes straight back to Ready.
func (c *Coordinator) dispatch(ctx context.Context, i int, id string) {
	name := c.source.Name(i)
	ctx, span := c.tracer.Start(ctx, "coordinator.dispatch", trace.WithAttributes(
		attribute.Int("ekc.image.index", i),
		attribute.String("ekc.image.name", name),
		attribute.String("ekc.worker.id", id),
	))
	defer span.End()

	fail := func(reason string, err error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if _, rerr := c.registry.Release(id, false); rerr != nil {
			c.logger.Errorf("release %s after %s failure: %v", id, reason, rerr)
		}
		c.recordFailure(i, id, reason, err)
	}

	img, err := c.source.Load(i)
	if err != nil {
		fail(ReasonLoad, err)
		return
	}
	data, err := codec.Encode(img)
	if err != nil {
		fail(ReasonEncode, err)
		return
	}
	span.SetAttributes(attribute.Int("ekc.payload.bytes", len(data)))
	if err := c.bus.Publish(ctx, topic.Send(id), data); err != nil {
		fail(ReasonPublish, err)
		return
	}

	c.mu.Lock()
	c.progress.Dispatched++
	p := c.progress
	c.mu.Unlock()
	c.emit(Event{Kind: EventDispatched, WorkerID: id, Index: i, Input: name, Progress: p})
}

// Handle processes one inbound message. Only bus failures are returned;
// bad payloads and protocol violations are logged and skipped.
func (c *Coordinator) Handle(ctx context.Context, msg bus.Message) error {
	kind, id := topic.Parse(msg.Topic)
	switch kind {
	case topic.KindRegister:
		return c.handleRegister(string(msg.Payload))
	case topic.KindResult:
		c.handleResult(ctx, id, msg.Payload)
	case topic.KindFailure:
		c.handleFailure(id, string(msg.Payload))
	default:
		c.logger.Debugf("ignoring %s message on %s", kind, msg.Topic)
	}
	return nil
}

func (c *Coordinator) handleRegister(id string) error {
	if !topic.ValidWorkerID(id) {
		c.logger.Warnf("ignoring registration with invalid identity %q", id)
		return nil
	}
	reg := c.registry.Register(id)
	if reg.New {
		// Results can only be addressed once the identity is known.
		for _, t := range []string{topic.Recv(id), topic.Fail(id)} {
			if err := c.bus.Subscribe(t); err != nil {
				return fmt.Errorf("coordinator: subscribe %s: %w", t, err)
			}
		}
	} else {
		c.logger.Warnf("worker %s registered again", id)
	}
	c.emit(Event{Kind: EventRegistered, WorkerID: id, Index: -1, Progress: c.Progress()})

	if reg.Orphaned != nil {
		c.recordFailure(reg.Orphaned.Index, id, ReasonOrphaned, errors.New("worker restarted while processing"))
	}
	return nil
}

func (c *Coordinator) handleResult(ctx context.Context, id string, payload []byte) {
	_, span := c.tracer.Start(ctx, "coordinator.result", trace.WithAttributes(
		attribute.String("ekc.worker.id", id),
		attribute.Int("ekc.payload.bytes", len(payload)),
	))
	defer span.End()

	img, derr := codec.Decode(payload)
	task, err := c.registry.Release(id, derr == nil)
	if err != nil {
		c.ignore(id, "result", err)
		return
	}
	span.SetAttributes(attribute.Int("ekc.image.index", task.Index))
	elapsed := time.Since(task.Since)

	if derr != nil {
		span.RecordError(derr)
		span.SetStatus(codes.Error, derr.Error())
		c.recordFailure(task.Index, id, ReasonDecode, derr)
		return
	}

	out, err := c.sink.Store(task.Index, img)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.recordFailure(task.Index, id, ReasonStore, err)
		return
	}

	c.mu.Lock()
	c.progress.Completed++
	p := c.progress
	c.mu.Unlock()
	c.emit(Event{
		Kind:     EventCompleted,
		WorkerID: id,
		Index:    task.Index,
		Input:    c.source.Name(task.Index),
		Output:   out,
		Elapsed:  elapsed,
		Progress: p,
	})
	c.checkDone()
}

func (c *Coordinator) handleFailure(id, text string) {
	task, err := c.registry.Release(id, false)
	if err != nil {
		c.ignore(id, "failure report", err)
		return
	}
	c.recordFailure(task.Index, id, ReasonWorker, errors.New(text))
}

func (c *Coordinator) ignore(id, what string, err error) {
	switch {
	case errors.Is(err, ErrUnknownWorker):
		c.logger.Warnf("ignoring %s from unknown worker %q", what, id)
	case errors.Is(err, ErrNotProcessing):
		c.logger.Warnf("ignoring duplicate %s from %s", what, id)
	default:
		c.logger.Warnf("ignoring %s from %s: %v", what, id, err)
	}
}

func (c *Coordinator) recordFailure(index int, id, reason string, err error) {
	c.mu.Lock()
	c.progress.Failed++
	p := c.progress
	c.mu.Unlock()

	name := ""
	if index >= 0 && index < c.source.Len() {
		name = c.source.Name(index)
	}
	c.emit(Event{
		Kind:     EventFailed,
		WorkerID: id,
		Index:    index,
		Input:    name,
		Reason:   reason,
		Error:    err.Error(),
		Progress: p,
	})
	c.checkDone()
}

// checkDone closes done once, when the last outcome is in.
func (c *Coordinator) checkDone() bool {
	c.mu.Lock()
	p := c.progress
	if !p.Done() || c.finished() {
		c.mu.Unlock()
		return p.Done()
	}
	close(c.done)
	c.mu.Unlock()

	c.emit(Event{Kind: EventFinished, Index: -1, Fingerprint: c.kernel.Fingerprint, Progress: p})
	return true
}

func (c *Coordinator) emit(ev Event) {
	ev.Time = time.Now()
	for _, o := range c.observers {
		o.ObserveCoordinator(ev)
	}
}
