package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics of the replication pipeline. All
// methods are safe on a nil receiver so components can run without metrics.
type Metrics struct {
	Published           prometheus.Counter
	PublishFailures     prometheus.Counter
	PublishShed         prometheus.Counter
	BreakerState        prometheus.Gauge
	Consumed            *prometheus.CounterVec
	DecodeFailures      prometheus.Counter
	Reconciled          *prometheus.CounterVec
	ReconcileFailures   *prometheus.CounterVec
	ReconcileRetries    prometheus.Counter
	DeadLettered        prometheus.Counter
	ReconcileDurationMs prometheus.Histogram
	CommittedOffsets    prometheus.Counter
	HTTPRequests        *prometheus.CounterVec
	HTTPDurationMs      *prometheus.HistogramVec
}

// New creates the metrics and registers them on reg. Pass
// prometheus.DefaultRegisterer in main and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Published: f.NewCounter(prometheus.CounterOpts{
			Name: "gamehub_usersync_published_total",
			Help: "User change events handed to the broker and acknowledged",
		}),
		PublishFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "gamehub_usersync_publish_failures_total",
			Help: "User change events the broker failed to accept (dropped)",
		}),
		PublishShed: f.NewCounter(prometheus.CounterOpts{
			Name: "gamehub_usersync_publish_shed_total",
			Help: "User change events dropped without a send because the circuit was open",
		}),
		BreakerState: f.NewGauge(prometheus.GaugeOpts{
			Name: "gamehub_usersync_publish_circuit_open",
			Help: "Publisher circuit breaker state (0=closed, 1=open)",
		}),
		Consumed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gamehub_usersync_consumed_total",
			Help: "Messages handled by the dispatcher by ack decision",
		}, []string{"decision"}),
		DecodeFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "gamehub_usersync_decode_failures_total",
			Help: "Messages skipped because the payload could not be decoded",
		}),
		Reconciled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gamehub_usersync_reconciled_total",
			Help: "Events applied by the reconciliation engine by action and outcome",
		}, []string{"action", "outcome"}),
		ReconcileFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gamehub_usersync_reconcile_failures_total",
			Help: "Events the reconciliation engine failed to apply",
		}, []string{"action"}),
		ReconcileRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "gamehub_usersync_reconcile_retries_total",
			Help: "Reconciliation attempts retried under the retry policy",
		}),
		DeadLettered: f.NewCounter(prometheus.CounterOpts{
			Name: "gamehub_usersync_dead_lettered_total",
			Help: "Messages written to the dead-letter topic",
		}),
		ReconcileDurationMs: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gamehub_usersync_reconcile_duration_ms",
			Help:    "Latency of a single reconciliation in milliseconds",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 25, 50, 100, 250},
		}),
		CommittedOffsets: f.NewCounter(prometheus.CounterOpts{
			Name: "gamehub_usersync_committed_messages_total",
			Help: "Messages whose offsets were committed back to the broker",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gamehub_http_requests_total",
			Help: "Read model HTTP requests by route and status",
		}, []string{"route", "status"}),
		HTTPDurationMs: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gamehub_http_request_duration_ms",
			Help:    "Read model HTTP latency in milliseconds",
			Buckets: []float64{1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000},
		}, []string{"route"}),
	}
}

func (m *Metrics) IncPublished() {
	if m != nil {
		m.Published.Inc()
	}
}

func (m *Metrics) IncPublishFailures() {
	if m != nil {
		m.PublishFailures.Inc()
	}
}

func (m *Metrics) IncPublishShed() {
	if m != nil {
		m.PublishShed.Inc()
	}
}

// SetBreakerOpen sets the breaker gauge.
func (m *Metrics) SetBreakerOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.BreakerState.Set(1)
	} else {
		m.BreakerState.Set(0)
	}
}

func (m *Metrics) IncConsumed(decision string) {
	if m != nil {
		m.Consumed.WithLabelValues(decision).Inc()
	}
}

func (m *Metrics) IncDecodeFailures() {
	if m != nil {
		m.DecodeFailures.Inc()
	}
}

func (m *Metrics) IncReconciled(action, outcome string) {
	if m != nil {
		m.Reconciled.WithLabelValues(action, outcome).Inc()
	}
}

func (m *Metrics) IncReconcileFailures(action string) {
	if m != nil {
		m.ReconcileFailures.WithLabelValues(action).Inc()
	}
}

func (m *Metrics) IncReconcileRetries() {
	if m != nil {
		m.ReconcileRetries.Inc()
	}
}

func (m *Metrics) IncDeadLettered() {
	if m != nil {
		m.DeadLettered.Inc()
	}
}

// ObserveReconcile records how long one Apply took.
func (m *Metrics) ObserveReconcile(d time.Duration) {
	if m != nil {
		m.ReconcileDurationMs.Observe(float64(d.Microseconds()) / 1000.0)
	}
}

func (m *Metrics) AddCommitted(n int) {
	if m != nil {
		m.CommittedOffsets.Add(float64(n))
	}
}

func (m *Metrics) ObserveHTTP(route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.HTTPDurationMs.WithLabelValues(route).Observe(float64(d.Microseconds()) / 1000)
}
