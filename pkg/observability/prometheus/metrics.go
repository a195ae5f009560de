package prometheus

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DefaultRegistry is the default Prometheus registry
	DefaultRegistry = prometheus.NewRegistry()

	// DefaultRegisterer is the default Prometheus registerer
	DefaultRegisterer = prometheus.WrapRegistererWith(prometheus.Labels{"service": "ekc"}, DefaultRegistry)

	// Metrics collection
	metricsOnce sync.Once
	metrics     *Metrics
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Coordinator metrics
	WorkersRegistered prometheus.Counter
	WorkersReady      prometheus.Gauge
	WorkersProcessing prometheus.Gauge
	TasksTotal        prometheus.Gauge
	TasksDispatched   prometheus.Counter
	TasksCompleted    prometheus.Counter
	TasksFailed       *prometheus.CounterVec
	TaskDuration      prometheus.Histogram

	// Worker metrics
	KernelCompiles     prometheus.Counter
	GPUTasks           *prometheus.CounterVec
	GPUTaskDuration    prometheus.Histogram
	ResultPayloadBytes prometheus.Histogram
	AssignsDropped     prometheus.Counter

	registry *prometheus.Registry
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = NewMetrics(DefaultRegisterer)
		metrics.registry = DefaultRegistry
		DefaultRegistry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
	return metrics
}

// NewMetrics creates a new metrics collection
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = DefaultRegisterer
	}
	f := promauto.With(registerer)

	return &Metrics{
		WorkersRegistered: f.NewCounter(prometheus.CounterOpts{
			Name: "ekc_workers_registered_total",
			Help: "Total number of worker registrations",
		}),
		WorkersReady: f.NewGauge(prometheus.GaugeOpts{
			Name: "ekc_workers_ready",
			Help: "Number of workers waiting for work",
		}),
		WorkersProcessing: f.NewGauge(prometheus.GaugeOpts{
			Name: "ekc_workers_processing",
			Help: "Number of workers holding a task",
		}),
		TasksTotal: f.NewGauge(prometheus.GaugeOpts{
			Name: "ekc_tasks",
			Help: "Number of images in the batch",
		}),
		TasksDispatched: f.NewCounter(prometheus.CounterOpts{
			Name: "ekc_tasks_dispatched_total",
			Help: "Total number of images sent to workers",
		}),
		TasksCompleted: f.NewCounter(prometheus.CounterOpts{
			Name: "ekc_tasks_completed_total",
			Help: "Total number of results written",
		}),
		TasksFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ekc_tasks_failed_total",
			Help: "Total number of failed tasks",
		}, []string{"reason"}),
		TaskDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ekc_task_duration_seconds",
			Help:    "Time from dispatch to result",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~40s
		}),

		KernelCompiles: f.NewCounter(prometheus.CounterOpts{
			Name: "ekc_worker_kernel_compiles_total",
			Help: "Total number of kernel compilations",
		}),
		GPUTasks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ekc_worker_tasks_total",
			Help: "Total number of tasks run by this worker",
		}, []string{"outcome", "stage"}),
		GPUTaskDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ekc_worker_task_duration_seconds",
			Help:    "Decode, execute, encode and publish time per task",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~32s
		}),
		ResultPayloadBytes: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ekc_worker_result_bytes",
			Help:    "Encoded result size in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10), // 1KiB to 256MiB
		}),
		AssignsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "ekc_worker_assigns_dropped_total",
			Help: "Assignments that arrived before the kernel",
		}),
	}
}

// RecordTaskFailure counts a failed task.
func (m *Metrics) RecordTaskFailure(reason string) {
	m.TasksFailed.WithLabelValues(reason).Inc()
}

// RecordTaskCompleted counts a written result and its round trip.
func (m *Metrics) RecordTaskCompleted(elapsed time.Duration) {
	m.TasksCompleted.Inc()
	m.TaskDuration.Observe(elapsed.Seconds())
}

// UpdateWorkers sets the registry gauges.
func (m *Metrics) UpdateWorkers(ready, processing int) {
	m.WorkersReady.Set(float64(ready))
	m.WorkersProcessing.Set(float64(processing))
}

// RecordGPUTask records one worker task.
func (m *Metrics) RecordGPUTask(outcome, stage string, elapsed time.Duration, bytes int) {
	m.GPUTasks.WithLabelValues(outcome, stage).Inc()
	m.GPUTaskDuration.Observe(elapsed.Seconds())
	if bytes > 0 {
		m.ResultPayloadBytes.Observe(float64(bytes))
	}
}

// Handler serves the registry the metrics were created on, or the
// default registry.
func (m *Metrics) Handler() http.Handler {
	reg := m.registry
	if reg == nil {
		reg = DefaultRegistry
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
