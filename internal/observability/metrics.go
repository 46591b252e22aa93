// Package observability wires Prometheus metrics and OpenTelemetry tracing
// into the scheduler and the entity registry.
package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SimCollector bundles Prometheus metrics for a simulation run. It satisfies
// both sched.Recorder and registry.Recorder.
type SimCollector struct {
	gatherer prometheus.Gatherer

	TicksTotal        prometheus.Counter
	TickFailures      prometheus.Counter
	TickDuration      prometheus.Histogram
	ScheduledTotal    prometheus.Counter
	DispatchedTotal   prometheus.Counter
	CancelledTotal    prometheus.Counter
	PendingEvents     prometheus.Gauge
	RegistryEntities  prometheus.Gauge
	RegistryLocations prometheus.Gauge
}

// NewSimCollector registers simulation metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewSimCollector(reg prometheus.Registerer) (*SimCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	ticks, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sim_ticks_total",
		Help: "Number of completed scheduler ticks.",
	}), "sim_ticks_total")
	if err != nil {
		return nil, err
	}
	failures, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sim_tick_failures_total",
		Help: "Number of ticks abandoned because the world or an action failed.",
	}), "sim_tick_failures_total")
	if err != nil {
		return nil, err
	}
	duration, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sim_tick_duration_seconds",
		Help:    "Wall-clock time spent processing one tick.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}), "sim_tick_duration_seconds")
	if err != nil {
		return nil, err
	}
	scheduled, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sim_events_scheduled_total",
		Help: "Number of events added to the pending queue.",
	}), "sim_events_scheduled_total")
	if err != nil {
		return nil, err
	}
	dispatched, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sim_events_dispatched_total",
		Help: "Number of events whose action executed successfully.",
	}), "sim_events_dispatched_total")
	if err != nil {
		return nil, err
	}
	cancelled, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sim_events_cancelled_total",
		Help: "Number of pending events discarded by actor cancellation.",
	}), "sim_events_cancelled_total")
	if err != nil {
		return nil, err
	}
	pending, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sim_events_pending",
		Help: "Events waiting in the queue after the last completed tick.",
	}), "sim_events_pending")
	if err != nil {
		return nil, err
	}
	entities, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "registry_entities",
		Help: "Entities currently placed in the registry.",
	}), "registry_entities")
	if err != nil {
		return nil, err
	}
	locations, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "registry_occupied_locations",
		Help: "Locations holding at least one entity.",
	}), "registry_occupied_locations")
	if err != nil {
		return nil, err
	}

	return &SimCollector{
		gatherer:          gatherer,
		TicksTotal:        ticks,
		TickFailures:      failures,
		TickDuration:      duration,
		ScheduledTotal:    scheduled,
		DispatchedTotal:   dispatched,
		CancelledTotal:    cancelled,
		PendingEvents:     pending,
		RegistryEntities:  entities,
		RegistryLocations: locations,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *SimCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *SimCollector) Handler() http.Handler {
	gatherer := c.Gatherer()
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// EventScheduled implements sched.Recorder.
func (c *SimCollector) EventScheduled() {
	if c == nil {
		return
	}
	c.ScheduledTotal.Inc()
}

// EventsCancelled implements sched.Recorder.
func (c *SimCollector) EventsCancelled(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.CancelledTotal.Add(float64(n))
}

// TickCompleted implements sched.Recorder.
func (c *SimCollector) TickCompleted(elapsed time.Duration, dispatched, pending int) {
	if c == nil {
		return
	}
	c.TicksTotal.Inc()
	c.TickDuration.Observe(elapsed.Seconds())
	c.DispatchedTotal.Add(float64(dispatched))
	c.PendingEvents.Set(float64(pending))
}

// TickFailed implements sched.Recorder. Events that ran before the failure
// still count as dispatched.
func (c *SimCollector) TickFailed(dispatched int) {
	if c == nil {
		return
	}
	c.TickFailures.Inc()
	if dispatched > 0 {
		c.DispatchedTotal.Add(float64(dispatched))
	}
}

// SetOccupancy implements registry.Recorder.
func (c *SimCollector) SetOccupancy(entities, locations int) {
	if c == nil {
		return
	}
	c.RegistryEntities.Set(float64(entities))
	c.RegistryLocations.Set(float64(locations))
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
