// Package worker runs one GPU pipeline and serves assignments from the
// coordinator, one image at a time.
//
// Lifecycle:
//
//	Uninitialized --kernel--> Ready --kernel--> Ready (recompiled)
//	                          Ready --assign--> Ready
//
// The worker subscribes to the init topic and its own send topic before
// anything else and announces itself on the register topic after every
// kernel that compiled, so the coordinator never assigns work to a worker
// that cannot run it and each new batch sees the worker as Ready. An
// assignment that still arrives while Uninitialized is dropped with a
// warning.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fluxorio/ekc/pkg/bus"
	"github.com/fluxorio/ekc/pkg/codec"
	"github.com/fluxorio/ekc/pkg/fsm"
	"github.com/fluxorio/ekc/pkg/gpu"
	"github.com/fluxorio/ekc/pkg/kernel"
	"github.com/fluxorio/ekc/pkg/logging"
	"github.com/fluxorio/ekc/pkg/topic"
)

const (
	StateUninitialized fsm.State = "uninitialized"
	StateReady         fsm.State = "ready"

	EventKernel fsm.Event = "kernel"
	EventAssign fsm.Event = "assign"
)

// Task failure stages outside the GPU pipeline.
const (
	StageDecode  = "decode"
	StageEncode  = "encode"
	StagePublish = "publish"
)

// ErrInvalidID rejects identities that cannot be embedded in a topic.
var ErrInvalidID = errors.New("worker: invalid identity")

// Config configures a Worker.
type Config struct {
	// ID is the worker identity. Empty generates a random UUID.
	ID string `yaml:"id" json:"id"`
}

// TaskError is the failure of a single assignment. The worker reports it
// on its fail topic and keeps serving.
type TaskError struct {
	Stage string
	Err   error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task failed at %s: %v", e.Stage, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// Worker owns at most one compiled pipeline.
type Worker struct {
	id        string
	bus       bus.Bus
	device    gpu.Device
	logger    logging.Logger
	tracer    trace.Tracer
	observers []Observer
	machine   *fsm.StateMachine

	// Owned by the message loop; only touched inside fsm actions.
	pipeline *gpu.Pipeline
	kernel   kernel.Source
}

// New creates a worker on device. It does not touch the bus until Start.
func New(cfg Config, b bus.Bus, device gpu.Device, logger logging.Logger, observers ...Observer) (*Worker, error) {
	if b == nil {
		return nil, errors.New("worker: bus is nil")
	}
	if device == nil {
		return nil, gpu.ErrNoDevice
	}
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	if !topic.ValidWorkerID(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	w := &Worker{
		id:        id,
		bus:       b,
		device:    device,
		logger:    logger.WithField("worker", id),
		tracer:    otel.Tracer("github.com/fluxorio/ekc/pkg/worker"),
		observers: observers,
		machine:   fsm.New("worker-"+id, StateUninitialized),
	}
	w.machine.Configure(StateUninitialized).
		PermitWithAction(EventKernel, StateReady, w.onKernel)
	w.machine.Configure(StateReady).
		InternalTransition(EventKernel, w.onKernel).
		InternalTransition(EventAssign, w.onAssign)
	w.machine.OnTransition(w.transitioned)
	return w, nil
}

// ID returns the worker identity.
func (w *Worker) ID() string { return w.id }

// State returns the lifecycle state.
func (w *Worker) State() fsm.State { return w.machine.CurrentState() }

// Start subscribes to the init topic and the worker's send topic.
func (w *Worker) Start() error {
	for _, t := range []string{topic.Init, topic.Send(w.id)} {
		if err := w.bus.Subscribe(t); err != nil {
			return fmt.Errorf("worker: subscribe %s: %w", t, err)
		}
	}
	w.logger.Infof("worker started on %s, waiting for kernel", w.device.Name())
	return nil
}

// Run subscribes and then consumes messages until ctx is done or the bus
// closes. It returns an error only for failures that leave the worker
// unable to do any work.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Start(); err != nil {
		return err
	}
	for {
		msg, err := w.bus.Receive(ctx)
		if err != nil {
			if errors.Is(err, bus.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("worker: receive: %w", err)
		}
		if err := w.Handle(ctx, msg); err != nil {
			return err
		}
	}
}

// Handle processes one message synchronously.
func (w *Worker) Handle(ctx context.Context, msg bus.Message) error {
	kind, id := topic.Parse(msg.Topic)
	switch kind {
	case topic.KindInit:
		return w.handleKernel(ctx, msg.Payload)
	case topic.KindAssign:
		if id != w.id {
			w.logger.Warnf("ignoring assignment for %q on %s", id, msg.Topic)
			return nil
		}
		w.handleAssign(ctx, msg.Payload)
		return nil
	default:
		w.logger.Debugf("ignoring %s message on %s", kind, msg.Topic)
		return nil
	}
}

func (w *Worker) handleKernel(ctx context.Context, payload []byte) error {
	src, err := kernel.New(payload)
	if err != nil {
		return fmt.Errorf("worker: kernel: %w", err)
	}
	recompile := w.machine.CurrentState() == StateReady
	if _, err := w.machine.Fire(ctx, EventKernel, src); err != nil {
		return fmt.Errorf("worker: compile kernel %s: %w", src.Short(), err)
	}

	if err := w.bus.Publish(ctx, topic.Register, []byte(w.id)); err != nil {
		return fmt.Errorf("worker: register: %w", err)
	}
	if recompile {
		w.logger.Infof("kernel %s recompiled, registered again as ready", src.Short())
	} else {
		w.logger.Infof("kernel %s compiled, registered as ready", src.Short())
	}
	w.notify(Event{Kind: EventRegistered, WorkerID: w.id, Fingerprint: src.Fingerprint})
	return nil
}

func (w *Worker) onKernel(_ context.Context, tc fsm.TransitionContext) error {
	src := tc.Data.(kernel.Source)
	p, err := gpu.Compile(w.device, src.Text)
	if err != nil {
		return err
	}
	if w.pipeline != nil {
		w.pipeline.Close()
	}
	w.pipeline = p
	w.kernel = src
	return nil
}

func (w *Worker) transitioned(tc fsm.TransitionContext) {
	if tc.From != tc.To {
		w.logger.Debugf("state %s -> %s on %s", tc.From, tc.To, tc.Event)
	}
	if tc.Event == EventKernel {
		src := tc.Data.(kernel.Source)
		w.notify(Event{Kind: EventCompiled, WorkerID: w.id, Fingerprint: src.Fingerprint})
	}
}

func (w *Worker) handleAssign(ctx context.Context, payload []byte) {
	if !w.machine.Can(EventAssign) {
		w.logger.Warnf("assignment of %d bytes arrived before the kernel, dropped", len(payload))
		w.notify(Event{Kind: EventAssignDropped, WorkerID: w.id})
		return
	}
	start := time.Now()
	_, err := w.machine.Fire(ctx, EventAssign, payload)
	if err == nil {
		return
	}

	stage := "task"
	var te *TaskError
	if errors.As(err, &te) {
		stage = te.Stage
		err = te
	}
	w.logger.Errorf("%v", err)
	w.notify(Event{Kind: EventTaskFailed, WorkerID: w.id, Stage: stage, Err: err, Elapsed: time.Since(start)})

	if perr := w.bus.Publish(ctx, topic.Fail(w.id), []byte(err.Error())); perr != nil {
		w.logger.Errorf("report failure on %s: %v", topic.Fail(w.id), perr)
	}
}

func (w *Worker) onAssign(ctx context.Context, tc fsm.TransitionContext) error {
	payload := tc.Data.([]byte)
	start := time.Now()

	ctx, span := w.tracer.Start(ctx, "worker.task", trace.WithAttributes(
		attribute.String("ekc.worker.id", w.id),
		attribute.Int("ekc.payload.bytes", len(payload)),
	))
	defer span.End()

	out, err := w.process(ctx, payload, span)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := w.bus.Publish(ctx, topic.Recv(w.id), out); err != nil {
		err = &TaskError{Stage: StagePublish, Err: err}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	elapsed := time.Since(start)
	w.logger.Debugf("task done in %s (%d bytes)", elapsed, len(out))
	w.notify(Event{Kind: EventTaskCompleted, WorkerID: w.id, Elapsed: elapsed, Bytes: len(out)})
	return nil
}

func (w *Worker) process(ctx context.Context, payload []byte, span trace.Span) ([]byte, error) {
	img, err := codec.Decode(payload)
	if err != nil {
		return nil, &TaskError{Stage: StageDecode, Err: err}
	}
	span.SetAttributes(
		attribute.Int64("ekc.image.width", int64(img.Width)),
		attribute.Int64("ekc.image.height", int64(img.Height)),
	)

	out, err := w.pipeline.Execute(ctx, img)
	if err != nil {
		stage := "gpu"
		var se *gpu.StageError
		if errors.As(err, &se) {
			stage = string(se.Stage)
		}
		return nil, &TaskError{Stage: stage, Err: err}
	}

	data, err := codec.Encode(out)
	if err != nil {
		return nil, &TaskError{Stage: StageEncode, Err: err}
	}
	return data, nil
}

// Close releases the pipeline. The bus and device belong to the caller.
func (w *Worker) Close() {
	if w.pipeline != nil {
		w.pipeline.Close()
		w.pipeline = nil
	}
}

func (w *Worker) notify(ev Event) {
	ev.Time = time.Now()
	for _, o := range w.observers {
		o.ObserveWorker(ev)
	}
}
