package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Instance metrics (C1-C7 lifecycle)
	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stratoforge_instances_total",
			Help: "Current number of instances by status",
		},
		[]string{"status"},
	)

	InstanceTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratoforge_instance_transitions_total",
			Help: "Total number of instance state transitions by from and to status",
		},
		[]string{"from", "to"},
	)

	InstanceTransitionErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratoforge_instance_transition_errors_total",
			Help: "Total number of rejected or conflicting instance transitions",
		},
		[]string{"reason"},
	)

	// Worker metrics (C9 bootstrap/heartbeat)
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stratoforge_workers_total",
			Help: "Current number of registered workers by heartbeat freshness",
		},
		[]string{"freshness"},
	)

	WorkerRegistrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratoforge_worker_registrations_total",
			Help: "Total number of worker bootstrap registrations by result",
		},
		[]string{"result"},
	)

	WorkerHeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratoforge_worker_heartbeats_total",
			Help: "Total number of worker heartbeats received by result",
		},
		[]string{"result"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratoforge_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stratoforge_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Routing metrics (C10 request proxying)
	RoutingRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratoforge_routing_requests_total",
			Help: "Total number of proxied inference requests by outcome",
		},
		[]string{"outcome"},
	)

	RoutingRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stratoforge_routing_request_duration_seconds",
			Help:    "Proxied inference request duration in seconds by outcome",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	RoutingRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stratoforge_routing_retries_total",
			Help: "Total number of candidate retries after a retryable upstream status",
		},
	)

	RoutingNoCandidateTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stratoforge_routing_no_candidate_total",
			Help: "Total number of routing attempts that found no ready instance",
		},
	)

	UsageTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratoforge_usage_tokens_total",
			Help: "Total number of tokens recorded from proxied requests by kind",
		},
		[]string{"kind"}, // prompt, completion
	)

	// Reconciliation metrics (C5-C8 background jobs)
	ReconciliationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stratoforge_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation job pass in seconds by job name",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)

	ReconciliationCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratoforge_reconciliation_cycles_total",
			Help: "Total number of reconciliation job passes completed by job name and outcome",
		},
		[]string{"job", "outcome"},
	)

	ReconciliationItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratoforge_reconciliation_items_total",
			Help: "Total number of instances claimed and acted on per reconciliation job",
		},
		[]string{"job"},
	)

	// Storage/volume metrics
	VolumesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stratoforge_volumes_total",
			Help: "Current number of storage volumes by status",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(InstancesTotal)
	prometheus.MustRegister(InstanceTransitionsTotal)
	prometheus.MustRegister(InstanceTransitionErrorsTotal)
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(WorkerRegistrationsTotal)
	prometheus.MustRegister(WorkerHeartbeatsTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(RoutingRequestsTotal)
	prometheus.MustRegister(RoutingRequestDuration)
	prometheus.MustRegister(RoutingRetriesTotal)
	prometheus.MustRegister(RoutingNoCandidateTotal)
	prometheus.MustRegister(UsageTokensTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(ReconciliationItemsTotal)
	prometheus.MustRegister(VolumesTotal)
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
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
