// ============================================================================
// Livesync Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose sync-layer metrics for Prometheus.
//
// Metric groups:
//
//   1. Channel counters:
//      - livesync_events_received_total{kind}: decoded events by kind
//      - livesync_events_dropped_total{reason}: decode failures and
//        slow-subscriber drops
//      - livesync_reconnects_total: reconnect attempts after a drop
//
//   2. Poller counters:
//      - livesync_polls_total{outcome}: snapshot fetches by ok/error
//
//   3. Mutation counters:
//      - livesync_mutations_total{kind,outcome}: optimistic actions by
//        confirmed/failed/timeout
//
//   4. Reconciler:
//      - livesync_apply_latency_seconds: time from input dequeue to new
//        ViewModel published
//      - livesync_viewmodel_version: latest published version
//
// Alerting examples:
//   rate(livesync_events_dropped_total[5m]) > 0      -> decode drift
//   rate(livesync_reconnects_total[5m])              -> flapping transport
//   rate(livesync_mutations_total{outcome="timeout"}[5m]) -> ack latency
//
// Exposed via /metrics (promhttp) when enabled in the config; the
// collector owns its registry so tests can create as many instances as
// they like without duplicate-registration panics.
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds all livesync metrics.
type Collector struct {
	registry *prometheus.Registry

	eventsReceived *prometheus.CounterVec
	eventsDropped  *prometheus.CounterVec
	reconnects     prometheus.Counter

	polls     *prometheus.CounterVec
	mutations *prometheus.CounterVec

	applyLatency     prometheus.Histogram
	viewModelVersion prometheus.Gauge
}

// NewCollector creates a collector with its own registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livesync_events_received_total",
			Help: "Total decoded live events by kind",
		}, []string{"kind"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livesync_events_dropped_total",
			Help: "Total dropped frames/events by reason",
		}, []string{"reason"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livesync_reconnects_total",
			Help: "Total reconnect attempts after a transport drop",
		}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livesync_polls_total",
			Help: "Total REST snapshot fetches by outcome",
		}, []string{"outcome"}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livesync_mutations_total",
			Help: "Total optimistic mutations by kind and outcome",
		}, []string{"kind", "outcome"}),
		applyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "livesync_apply_latency_seconds",
			Help:    "Reconciler input-to-publish latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		viewModelVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livesync_viewmodel_version",
			Help: "Latest published ViewModel version",
		}),
	}

	c.registry.MustRegister(
		c.eventsReceived,
		c.eventsDropped,
		c.reconnects,
		c.polls,
		c.mutations,
		c.applyLatency,
		c.viewModelVersion,
	)

	return c
}

// RecordEventReceived counts a decoded event.
func (c *Collector) RecordEventReceived(kind string) {
	c.eventsReceived.WithLabelValues(kind).Inc()
}

// RecordEventDropped counts a dropped frame or event.
func (c *Collector) RecordEventDropped(reason string) {
	c.eventsDropped.WithLabelValues(reason).Inc()
}

// RecordReconnect counts a reconnect attempt.
func (c *Collector) RecordReconnect() {
	c.reconnects.Inc()
}

// RecordPoll counts a snapshot fetch: outcome is "ok" or "error".
func (c *Collector) RecordPoll(outcome string) {
	c.polls.WithLabelValues(outcome).Inc()
}

// RecordMutation counts an optimistic mutation outcome.
func (c *Collector) RecordMutation(kind, outcome string) {
	c.mutations.WithLabelValues(kind, outcome).Inc()
}

// ObserveApplyLatency records one reconciler apply duration.
func (c *Collector) ObserveApplyLatency(d time.Duration) {
	c.applyLatency.Observe(d.Seconds())
}

// SetViewModelVersion publishes the latest ViewModel version.
func (c *Collector) SetViewModelVersion(v uint64) {
	c.viewModelVersion.Set(float64(v))
}

// Handler returns the /metrics HTTP handler for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
