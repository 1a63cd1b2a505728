/*
Package metrics provides Prometheus metrics collection and exposition for the
orchestrator.

The metrics package defines and registers all orchestrator metrics using the
Prometheus client library, providing observability into instance lifecycle,
worker fleet health, routing latency, and reconciliation throughput. Metrics
are exposed via an HTTP endpoint for scraping by Prometheus servers.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  │  - Automatic Go runtime metrics             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                 │          │
	│  │                                              │          │
	│  │  Instances: counts by status, transitions   │          │
	│  │  Workers: registrations, heartbeats         │          │
	│  │  API: request count, duration               │          │
	│  │  Routing: proxied requests, retries, usage  │          │
	│  │  Reconciliation: job duration, cycle count  │          │
	│  │  Volumes: storage lifecycle counts          │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint              │          │
	│  │  - Path: /metrics                           │          │
	│  │  - Format: Prometheus text exposition       │          │
	│  │  - Handler: promhttp.Handler()              │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Metric Registry:
  - Global Prometheus DefaultRegistry
  - All metrics registered at package init
  - Automatic collection of Go runtime metrics
  - Thread-safe for concurrent updates

Gauge Metrics:
  - Instant value that can go up or down
  - Examples: instances by status, workers by heartbeat freshness
  - Operations: Set, Inc, Dec, Add, Sub

Counter Metrics:
  - Monotonically increasing value
  - Examples: transitions total, routing requests total
  - Operations: Inc, Add (cannot decrease)

Histogram Metrics:
  - Distribution of observed values
  - Buckets for latency percentiles (p50, p95, p99)
  - Examples: API request duration, routing request duration
  - Includes: sum, count, buckets

Timer Helper:
  - Convenience wrapper for timing operations
  - Start timer, observe duration to histogram
  - Supports label values for histogram vectors

# Metrics Catalog

Instance Metrics:

stratoforge_instances_total{status}:
  - Type: Gauge
  - Description: Current instances by status (ready/booting/draining/...)
  - Example: stratoforge_instances_total{status="ready"} 12

stratoforge_instance_transitions_total{from, to}:
  - Type: Counter
  - Description: State transitions committed by pkg/statemachine
  - Example: stratoforge_instance_transitions_total{from="booting",to="ready"} 4

stratoforge_instance_transition_errors_total{reason}:
  - Type: Counter
  - Description: Rejected (illegal) or lost-race (concurrent) transitions
  - Example: stratoforge_instance_transition_errors_total{reason="concurrent"} 1

Worker Metrics:

stratoforge_workers_total{freshness}:
  - Type: Gauge
  - Description: Registered workers by heartbeat freshness (fresh/stale)

stratoforge_worker_registrations_total{result}:
  - Type: Counter
  - Description: Bootstrap registration attempts by result (accepted/rejected)

stratoforge_worker_heartbeats_total{result}:
  - Type: Counter
  - Description: Heartbeats received by result (accepted/rejected/stale_token)

API Metrics:

stratoforge_api_requests_total{method, status}:
  - Type: Counter
  - Description: Total API requests by method and status

stratoforge_api_request_duration_seconds{method}:
  - Type: Histogram
  - Description: API request duration in seconds
  - Buckets: Default Prometheus buckets

Routing Metrics:

stratoforge_routing_requests_total{outcome}:
  - Type: Counter
  - Description: Proxied inference requests by outcome (success/upstream_error/no_candidate)

stratoforge_routing_request_duration_seconds{outcome}:
  - Type: Histogram
  - Description: Proxied inference request duration in seconds

stratoforge_routing_retries_total:
  - Type: Counter
  - Description: Candidate retries after a retryable upstream status (502/503/504)

stratoforge_routing_no_candidate_total:
  - Type: Counter
  - Description: Routing attempts with no ready, non-cooled-down instance

stratoforge_usage_tokens_total{kind}:
  - Type: Counter
  - Description: Tokens recorded from proxied requests, kind=prompt|completion

Reconciliation Metrics:

stratoforge_reconciliation_duration_seconds{job}:
  - Type: Histogram
  - Description: Duration of one reconciliation job pass

stratoforge_reconciliation_cycles_total{job, outcome}:
  - Type: Counter
  - Description: Reconciliation passes completed, outcome=ok|error

stratoforge_reconciliation_items_total{job}:
  - Type: Counter
  - Description: Instances claimed and acted on per job pass

Volume Metrics:

stratoforge_volumes_total{status}:
  - Type: Gauge
  - Description: Storage volumes by lifecycle status

# Usage

Updating Gauge Metrics:

	import "github.com/cuemby/stratoforge/pkg/metrics"

	metrics.InstancesTotal.WithLabelValues("ready").Set(12)
	metrics.WorkersTotal.WithLabelValues("fresh").Set(5)

Updating Counter Metrics:

	metrics.InstanceTransitionsTotal.WithLabelValues("booting", "ready").Inc()
	metrics.RoutingRequestsTotal.WithLabelValues("success").Inc()

Recording Histogram Observations:

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDurationVec(metrics.RoutingRequestDuration, "success")

Complete Example:

	package main

	import (
		"net/http"
		"github.com/cuemby/stratoforge/pkg/metrics"
	)

	func main() {
		metrics.InstancesTotal.WithLabelValues("ready").Set(12)

		timer := metrics.NewTimer()
		routeRequest()
		timer.ObserveDurationVec(metrics.RoutingRequestDuration, "success")

		http.Handle("/metrics", metrics.Handler())
		http.ListenAndServe(":9090", nil)
	}

	func routeRequest() {}

# Integration Points

This package integrates with:

  - cmd/orchestrator: Registers health components and runs the Collector
  - pkg/api: Serves /healthz, /readyz, /livez and /metrics
  - Prometheus: Scrapes /metrics endpoint

Only InstancesTotal and VolumesTotal are set in this repository, by the
Collector. The other counters and histograms in the catalog above are
registered and exported, but no package updates them.

# Design Patterns

Package Init Registration:
  - All metrics registered in init() function
  - MustRegister panics on duplicate registration
  - Ensures metrics available before main()

Label Discipline:
  - Use WithLabelValues for cardinality-bounded labels
  - Avoid high-cardinality labels (instance IDs, timestamps)
  - Keep label count low (< 5 per metric)

Timer Pattern:
  - Create timer at operation start
  - Call ObserveDuration/ObserveDurationVec when it finishes
  - Supports both simple and vector histograms

# Monitoring

Prometheus Queries (PromQL):

Instance Health:
  - Ready instances: stratoforge_instances_total{status="ready"}
  - Transition rate: rate(stratoforge_instance_transitions_total[5m])
  - Illegal transition rate: rate(stratoforge_instance_transition_errors_total[5m])

Routing Performance:
  - Request rate: rate(stratoforge_routing_requests_total[1m])
  - Error rate: rate(stratoforge_routing_requests_total{outcome="upstream_error"}[1m])
  - p95 latency: histogram_quantile(0.95, stratoforge_routing_request_duration_seconds_bucket)
  - No-candidate rate: rate(stratoforge_routing_no_candidate_total[5m])

Reconciliation Health:
  - Cycle rate: rate(stratoforge_reconciliation_cycles_total[5m])
  - p95 job duration: histogram_quantile(0.95, stratoforge_reconciliation_duration_seconds_bucket)

# See Also

  - Prometheus documentation: https://prometheus.io/docs/
  - Prometheus client library: https://github.com/prometheus/client_golang
  - Histogram best practices: https://prometheus.io/docs/practices/histograms/
*/
package metrics
