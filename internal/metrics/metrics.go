// Package metrics exports engine activity to Prometheus. The collector is
// an event subscriber, so it sees exactly what the ledger sees.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quantumlife/spendcoach/internal/events"
)

// DefaultNamespace prefixes every metric
const DefaultNamespace = "spendcoach"

// Collector counts engine events
type Collector struct {
	registry *prometheus.Registry

	decisions     *prometheus.CounterVec
	evaluation    prometheus.Histogram
	delivered     *prometheus.CounterVec
	responses     *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	wins          *prometheus.CounterVec
	celebrations  prometheus.Counter
	streakBreaks  *prometheus.CounterVec
	resets        prometheus.Counter
	detectorFails prometheus.Counter
	recalibrated  prometheus.Counter
}

// New creates a collector on its own registry. Go runtime and process
// collectors are included.
func New(namespace string) (*Collector, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	c := &Collector{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Gate pipeline outcomes by blocking gate.",
		}, []string{"outcome", "blocked_by"}),
		evaluation: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "Time spent evaluating one transaction.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
		}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interventions_delivered_total",
			Help:      "Delivered interventions by behavior and type.",
		}, []string{"behavior", "type"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intervention_responses_total",
			Help:      "User responses by response and failure action.",
		}, []string{"response", "action"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "User state transitions.",
		}, []string{"from", "to"}),
		wins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wins_detected_total",
			Help:      "Detected wins by behavior and win type.",
		}, []string{"behavior", "win_type"}),
		celebrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wins_celebrated_total",
			Help:      "Wins acknowledged by users.",
		}),
		streakBreaks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streak_breaks_total",
			Help:      "Streak resets by reason.",
		}, []string{"reason"}),
		resets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "profile_resets_total",
			Help:      "Explicit profile resets.",
		}),
		detectorFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detector_failures_total",
			Help:      "Detection passes skipped after a detector error.",
		}),
		recalibrated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recalibrations_total",
			Help:      "Seasonal factor recalibrations.",
		}),
	}

	for _, m := range []prometheus.Collector{
		c.decisions, c.evaluation, c.delivered, c.responses, c.transitions,
		c.wins, c.celebrations, c.streakBreaks, c.resets, c.detectorFails, c.recalibrated,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := c.registry.Register(m); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return c, nil
}

// WatchBus exports the bus backlog and drop count
func (c *Collector) WatchBus(namespace string, b *events.Bus) error {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	for _, m := range []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_bus_pending",
			Help:      "Events buffered and not yet dispatched.",
		}, func() float64 { return float64(b.Pending()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_bus_dropped_total",
			Help:      "Events dropped on a full buffer.",
		}, func() float64 { return float64(b.Dropped()) }),
	} {
		if err := c.registry.Register(m); err != nil {
			return fmt.Errorf("register bus metric: %w", err)
		}
	}
	return nil
}

// Registry exposes the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Name implements events.Subscriber
func (c *Collector) Name() string { return "metrics" }

// Handle implements events.Subscriber
func (c *Collector) Handle(_ context.Context, e events.Event) error {
	switch v := e.(type) {
	case events.Decision:
		outcome := "suppressed"
		if v.Decision.ShouldIntervene {
			outcome = "intervene"
		}
		c.decisions.WithLabelValues(outcome, v.Decision.BlockedBy).Inc()
		if v.Elapsed > 0 {
			c.evaluation.Observe(v.Elapsed.Seconds())
		}
	case events.Delivered:
		c.delivered.WithLabelValues(string(v.Intervention.Behavior), string(v.Intervention.InterventionType)).Inc()
	case events.Response:
		c.responses.WithLabelValues(string(v.Response), v.Action).Inc()
	case events.StateChanged:
		c.transitions.WithLabelValues(string(v.From), string(v.To)).Inc()
	case events.WinDetected:
		c.wins.WithLabelValues(string(v.Win.BehaviorType), string(v.Win.WinType)).Inc()
	case events.WinCelebrated:
		c.celebrations.Inc()
	case events.StreakBroken:
		c.streakBreaks.WithLabelValues(string(v.Reason)).Inc()
	case events.ProfileReset:
		c.resets.Inc()
	case events.DetectorFailed:
		c.detectorFails.Inc()
	case events.Recalibrated:
		c.recalibrated.Inc()
	}
	return nil
}
