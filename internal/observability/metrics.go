// Package observability holds the agent's Prometheus instruments.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "svcagent"

// Metrics groups the agent's instruments. A nil *Metrics records nothing.
type Metrics struct {
	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	bulkFailures    *prometheus.CounterVec
	catalogSize     prometheus.Gauge
	running         prometheus.Gauge
}

// NewMetrics creates the instruments and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "command",
				Name:      "total",
				Help:      "Commands dispatched, by operation and outcome.",
			},
			[]string{"op", "outcome"},
		),
		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "command",
				Name:      "duration_seconds",
				Help:      "Command duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		bulkFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bulk",
				Name:      "item_failures_total",
				Help:      "Per-service failures inside bulk operations.",
			},
			[]string{"op"},
		),
		catalogSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "catalog",
			Name:      "descriptors",
			Help:      "Descriptors in the current catalog.",
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "runtime",
			Name:      "running_services",
			Help:      "Services reported running by the hosting runtime.",
		}),
	}
	reg.MustRegister(m.commands, m.commandDuration, m.bulkFailures, m.catalogSize, m.running)
	return m
}

// RecordCommand counts one dispatched command
func (m *Metrics) RecordCommand(op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(op, outcome).Inc()
	m.commandDuration.WithLabelValues(op).Observe(d.Seconds())
}

// RecordBulkFailure counts one failed item inside a bulk operation
func (m *Metrics) RecordBulkFailure(op string) {
	if m == nil {
		return
	}
	m.bulkFailures.WithLabelValues(op).Inc()
}

// SetCatalogSize publishes the size of the latest catalog
func (m *Metrics) SetCatalogSize(n int) {
	if m == nil {
		return
	}
	m.catalogSize.Set(float64(n))
}

// SetRunningServices publishes the number of running services
func (m *Metrics) SetRunningServices(n int) {
	if m == nil {
		return
	}
	m.running.Set(float64(n))
}

// Handler exposes g in the Prometheus text format
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
