// Package metrics exposes sync telemetry as Prometheus collectors on a private registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "exchange_sync"

// Collector holds the sync metrics
type Collector struct {
	registry *prometheus.Registry

	records       *prometheus.CounterVec
	cycles        *prometheus.CounterVec
	cycleDuration *prometheus.HistogramVec
	watermark     *prometheus.GaugeVec
	ledger        *prometheus.CounterVec
	alerts        *prometheus.CounterVec
}

// NewCollector creates a Collector with its own registry
func NewCollector() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.records = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Records processed, by entity type and outcome.",
		},
		[]string{"entity", "outcome"},
	)
	c.cycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Sync cycles run, by entity type and result.",
		},
		[]string{"entity", "result"},
	)
	c.cycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of sync cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.5m
		},
		[]string{"entity"},
	)
	c.watermark = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watermark_timestamp_seconds",
			Help:      "Unix time of the last external modification that was synced.",
		},
		[]string{"entity"},
	)
	c.ledger = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_changes_total",
			Help:      "Change-log transitions, by entity type and new status.",
		},
		[]string{"entity", "status"},
	)
	c.alerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Cycles whose error count reached the alert threshold.",
		},
		[]string{"entity"},
	)

	c.registry.MustRegister(
		c.records, c.cycles, c.cycleDuration, c.watermark, c.ledger, c.alerts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Record counts one processed record
func (c *Collector) Record(entity, outcome string) {
	c.records.WithLabelValues(entity, outcome).Inc()
}

// Cycle records a finished cycle
func (c *Collector) Cycle(entity, result string, d time.Duration) {
	c.cycles.WithLabelValues(entity, result).Inc()
	c.cycleDuration.WithLabelValues(entity).Observe(d.Seconds())
}

// Watermark publishes the current watermark of entity
func (c *Collector) Watermark(entity string, t time.Time) {
	c.watermark.WithLabelValues(entity).Set(float64(t.Unix()))
}

// Ledger counts a change-log transition
func (c *Collector) Ledger(entity, status string) {
	c.ledger.WithLabelValues(entity, status).Inc()
}

// Alert counts a threshold breach
func (c *Collector) Alert(entity string) {
	c.alerts.WithLabelValues(entity).Inc()
}
