// Package metrics holds the daemon's Prometheus collectors. Registration
// happens at init via promauto; the API server exposes them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CyclesTotal counts completed evaluation cycles.
	CyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trustedrelays_cycles_total",
		Help: "Completed evaluation cycles.",
	})

	// CycleDuration observes wall time per cycle.
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trustedrelays_cycle_duration_seconds",
		Help:    "Evaluation cycle duration.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	// ProbesTotal counts probes by outcome (reachable, unreachable, error).
	ProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustedrelays_probes_total",
		Help: "Relay probes by outcome.",
	}, []string{"outcome"})

	// EventsIngested counts accepted events by ingestor (monitor, report).
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustedrelays_events_ingested_total",
		Help: "Accepted events by ingestor.",
	}, []string{"ingestor"})

	// PublishesTotal counts publish attempts by result (published, skipped, failed).
	PublishesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustedrelays_publishes_total",
		Help: "Assertion publish decisions.",
	}, []string{"result"})

	// StoreErrors counts store read/write failures.
	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustedrelays_store_errors_total",
		Help: "Store failures by operation kind.",
	}, []string{"kind"})

	// TrackedRelays gauges the relay set size at the last cycle.
	TrackedRelays = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trustedrelays_tracked_relays",
		Help: "Relays evaluated in the last cycle.",
	})

	// APIRequests counts read-API requests by route and status class.
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustedrelays_api_requests_total",
		Help: "Read API requests by route and status class.",
	}, []string{"route", "status"})
)
