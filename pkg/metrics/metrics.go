// Package metrics exposes the fabric's Prometheus instrumentation: one
// metric family per component (C4 transport, C5 broker, C7 store, C9
// scheduler), registered on a dedicated Registry so Handler never drags in
// the default global registry's process metrics unintentionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Transport / connection metrics (C4).
	ConnectionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "slmf_connections_active",
			Help: "Authenticated connections currently open, by connection role",
		},
		[]string{"identity"},
	)

	UnauthorizedConnectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "slmf_unauthorized_connections_total",
			Help: "Connection attempts rejected during the handshake because the presented key was not authorized",
		},
	)

	// Topic router / broker metrics (C5).
	TopicPublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slmf_topic_publish_total",
			Help: "Messages published, by topic",
		},
		[]string{"topic"},
	)

	TopicPublishBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slmf_topic_publish_bytes_total",
			Help: "Bytes published, by topic",
		},
		[]string{"topic"},
	)

	TopicSubscribersActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "slmf_topic_subscribers_active",
			Help: "Active subscriptions, by topic pattern",
		},
		[]string{"pattern"},
	)

	SlowSubscribersDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slmf_slow_subscribers_dropped_total",
			Help: "Subscribers disconnected for exceeding the slow-subscriber watermark",
		},
		[]string{"topic"},
	)

	// Event store metrics (C7).
	StoreWriteFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "slmf_store_write_failures_total",
			Help: "Event store append failures",
		},
	)

	StoreWriteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "slmf_store_write_duration_seconds",
			Help:    "Event store append latency",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Scheduler metrics (C9).
	TasksScheduled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slmf_tasks_scheduled_total",
			Help: "Task executions dispatched, by task name",
		},
		[]string{"task"},
	)

	TasksFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slmf_tasks_failed_total",
			Help: "Task executions that ended in failure, by task name and error kind",
		},
		[]string{"task", "kind"},
	)

	TasksInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "slmf_tasks_in_flight",
			Help: "Task executions currently running",
		},
	)

	TasksDeferred = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slmf_tasks_deferred_total",
			Help: "Task dispatches deferred by admission control, by reason",
		},
		[]string{"reason"},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "slmf_scheduling_latency_seconds",
			Help:    "Delay between a task's scheduled time and its actual dispatch",
			Buckets: prometheus.DefBuckets,
		},
	)

	LoopLagSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "slmf_scheduler_loop_lag_seconds",
			Help: "Most recent scheduler tick's observed lag against its tick interval",
		},
	)
)

// Registry is the fabric's private Prometheus registry. Components
// register against this, not prometheus.DefaultRegisterer, so Handler
// reports exactly the fabric's own series.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		ConnectionsActive,
		UnauthorizedConnectionsTotal,
		TopicPublishTotal,
		TopicPublishBytes,
		TopicSubscribersActive,
		SlowSubscribersDropped,
		StoreWriteFailuresTotal,
		StoreWriteDuration,
		TasksScheduled,
		TasksFailed,
		TasksInFlight,
		TasksDeferred,
		SchedulingLatency,
		LoopLagSeconds,
	)
}

// Handler returns the Prometheus HTTP handler for Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer, starting now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
