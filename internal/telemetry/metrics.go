package telemetry

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/normanking/synapse/internal/bus"
)

var (
	// EventsObservedTotal counts bus events seen by the collector, by type.
	EventsObservedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synapse_events_observed_total",
		Help: "Total number of bus events observed, by event type.",
	}, []string{"type"})

	// PipelineRunsTotal counts generation pipeline runs by outcome.
	PipelineRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synapse_pipeline_runs_total",
		Help: "Total number of generation pipeline runs, by outcome.",
	}, []string{"outcome"})

	// PipelineStepDuration observes per-step pipeline latency.
	PipelineStepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "synapse_pipeline_step_duration_seconds",
		Help:    "Duration of generation pipeline steps.",
		Buckets: prometheus.DefBuckets,
	}, []string{"step"})

	// QualityScore observes assessed image quality scores.
	QualityScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "synapse_quality_score",
		Help:    "Assessed image quality scores (0-100).",
		Buckets: prometheus.LinearBuckets(0, 10, 11),
	})

	// SyncActionsPending tracks queued cross-environment sync actions.
	SyncActionsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "synapse_sync_actions_pending",
		Help: "Current number of queued sync actions.",
	})

	// ForecastHealthScore tracks the latest overall forecast health score.
	ForecastHealthScore = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "synapse_forecast_health_score",
		Help: "Latest overall health score from the predictive layer (0-100).",
	})

	// TuningAdjustmentsTotal counts adaptive tuner configuration swaps.
	TuningAdjustmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synapse_tuning_adjustments_total",
		Help: "Total number of adaptive tuning adjustments, by module.",
	}, []string{"module"})
)

// Collector subscribes to the event bus and keeps prometheus counters in
// step with the live event stream.
type Collector struct {
	bus     *bus.Bus
	mu      sync.Mutex
	sub     bus.Subscription
	started bool
}

// NewCollector creates a collector attached to the given bus.
func NewCollector(b *bus.Bus) *Collector {
	return &Collector{bus: b}
}

// ModuleName implements registry.Module.
func (c *Collector) ModuleName() string { return "metrics collector" }

// Start begins observing the bus. Calling Start twice is a no-op.
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started || c.bus == nil {
		return
	}
	c.started = true
	c.sub = c.bus.Subscribe(bus.Wildcard, c.handleEvent)
}

// Stop detaches the collector from the bus.
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return
	}
	c.started = false
	c.sub.Unsubscribe()
}

func (c *Collector) handleEvent(_ context.Context, event bus.Event) error {
	EventsObservedTotal.WithLabelValues(string(event.Type)).Inc()
	return nil
}
