package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Broker loop metrics
	StepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comosim_steps_total",
			Help: "Total number of step commands issued by service",
		},
		[]string{"service"},
	)

	EventsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comosim_events_emitted_total",
			Help: "Total number of events recorded to the event log by type",
		},
		[]string{"event_type"},
	)

	GlobalClock = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "comosim_global_clock",
			Help: "Current global virtual time",
		},
	)

	EventLogSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "comosim_event_log_size",
			Help: "Number of events in the global event log",
		},
	)

	PeekLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "comosim_peek_fanout_duration_seconds",
			Help:    "Time taken for one concurrent peek fan-out in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	StepLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "comosim_step_duration_seconds",
			Help:    "Time taken for one simulator step in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Dispatcher metrics
	DispatchAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "comosim_dispatch_attempts_total",
			Help: "Total number of delivery attempts including retries",
		},
	)

	EventsDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "comosim_events_delivered_total",
			Help: "Total number of events accepted by subscribers",
		},
	)

	DispatchRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "comosim_dispatch_rejections_total",
			Help: "Total number of non-retriable subscriber rejections",
		},
	)

	DispatchFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "comosim_dispatch_failures_total",
			Help: "Total number of deliveries that failed after all retries",
		},
	)

	// Result writer metrics
	WriterQueueSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "comosim_writer_queue_size",
			Help: "Records buffered by the result writer",
		},
	)

	WriterBatchesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "comosim_writer_batches_sent_total",
			Help: "Total number of record batches posted by the result writer",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(StepsTotal)
	prometheus.MustRegister(EventsEmitted)
	prometheus.MustRegister(GlobalClock)
	prometheus.MustRegister(EventLogSize)
	prometheus.MustRegister(PeekLatency)
	prometheus.MustRegister(StepLatency)
	prometheus.MustRegister(DispatchAttempts)
	prometheus.MustRegister(EventsDelivered)
	prometheus.MustRegister(DispatchRejections)
	prometheus.MustRegister(DispatchFailures)
	prometheus.MustRegister(WriterQueueSize)
	prometheus.MustRegister(WriterBatchesSent)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
