// Package metrics exports Prometheus metrics derived from the coordination
// event log.
package metrics

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GoCodeAlone/dispatch/comms"
)

// Collector holds all Prometheus metrics and updates them from events.
type Collector struct {
	registry *prometheus.Registry

	// Counters
	events      *prometheus.CounterVec
	claims      prometheus.Counter
	releases    *prometheus.CounterVec
	failures    prometheus.Counter
	quarantines prometheus.Counter
	handoffs    *prometheus.CounterVec

	// Histograms
	sessionDuration prometheus.Histogram
}

// NewCollector creates a collector registered on its own registry.
// workers, when non-nil, is sampled for the registered-worker gauge.
func NewCollector(workers func() float64) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_events_total",
				Help: "Total number of coordination events by type",
			},
			[]string{"type"},
		),
		claims: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dispatch_claims_total",
				Help: "Total number of successful task claims",
			},
		),
		releases: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_releases_total",
				Help: "Total number of tasks returned to the pool",
			},
			[]string{"cause"},
		),
		failures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dispatch_failures_reported_total",
				Help: "Total number of task failure reports",
			},
		),
		quarantines: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dispatch_quarantines_total",
				Help: "Total number of tasks moved to quarantine",
			},
		),
		handoffs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_handoffs_total",
				Help: "Total number of handoff package transitions",
			},
			[]string{"outcome"},
		),
		sessionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dispatch_session_worked_seconds",
				Help:    "Worked time of finished sessions, excluding pauses",
				Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 14400, 28800},
			},
		),
	}

	c.registry.MustRegister(
		c.events,
		c.claims,
		c.releases,
		c.failures,
		c.quarantines,
		c.handoffs,
		c.sessionDuration,
	)
	if workers != nil {
		c.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "dispatch_workers_registered",
				Help: "Number of workers in the registry",
			},
			workers,
		))
	}
	return c
}

// Registry returns the registry the collector's metrics live on.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the collector's metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Append implements comms.Log so the collector can sit in a fan-out.
func (c *Collector) Append(_ context.Context, ev *comms.Event) error {
	c.Observe(ev)
	return nil
}

// Handle is a comms.Handler for bus subscriptions.
func (c *Collector) Handle(_ context.Context, ev *comms.Event) error {
	c.Observe(ev)
	return nil
}

// Observe updates metrics from a single event.
func (c *Collector) Observe(ev *comms.Event) {
	c.events.WithLabelValues(string(ev.Type)).Inc()
	switch ev.Type {
	case comms.TypeClaimed:
		c.claims.Inc()
	case comms.TypeReleased:
		c.releases.WithLabelValues("release").Inc()
	case comms.TypeReclaimed:
		c.releases.WithLabelValues("reclaim").Inc()
	case comms.TypeFailureReported:
		c.failures.Inc()
	case comms.TypeQuarantined:
		c.quarantines.Inc()
	case comms.TypeHandoffInitiated:
		c.handoffs.WithLabelValues("initiated").Inc()
	case comms.TypeHandoffCompleted:
		c.handoffs.WithLabelValues("completed").Inc()
	case comms.TypeHandoffRejected:
		c.handoffs.WithLabelValues("rejected").Inc()
	case comms.TypeSessionFinished:
		if s, err := strconv.ParseFloat(ev.Metadata["worked_seconds"], 64); err == nil {
			c.sessionDuration.Observe(s)
		}
	}
}
