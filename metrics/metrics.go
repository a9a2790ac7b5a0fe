// Package metrics exposes the service's Prometheus collectors. It is a leaf
// package: components record into a Metrics handle and the HTTP server
// serves its registry, so nothing here depends on the rest of the tree.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Delivery outcome label values.
const (
	OutcomeDelivered = "delivered"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// Script outcome label values.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
	OutcomeDenied  = "rate_limited"
)

// Metrics owns the registry and every collector the service records into.
type Metrics struct {
	registry *prometheus.Registry

	Deliveries      *prometheus.CounterVec
	DeliverySeconds prometheus.Histogram
	Retries         prometheus.Counter
	QueueDepth      prometheus.Gauge
	QueuePending    prometheus.Gauge

	ScriptsExecuted *prometheus.CounterVec
	ScriptSeconds   prometheus.Histogram

	LocksAcquired prometheus.Counter
	Leadership    prometheus.Gauge
	CronTicks     *prometheus.CounterVec
}

// New builds a Metrics handle on a fresh local registry.
func New(instanceID string) *Metrics {
	reg := prometheus.NewRegistry()

	factory := prometheus.WrapRegistererWith(prometheus.Labels{"instance": instanceID}, reg)

	m := &Metrics{
		registry: reg,
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backplane_webhook_deliveries_total",
			Help: "Webhook delivery attempts by outcome.",
		}, []string{"status"}),
		DeliverySeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "backplane_webhook_delivery_seconds",
			Help:    "End-to-end webhook delivery latency.",
			Buckets: prometheus.DefBuckets,
		}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backplane_webhook_retries_total",
			Help: "Delivery attempts re-queued for retry.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "backplane_delivery_queue_depth",
			Help: "Entries in the durable delivery stream.",
		}),
		QueuePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "backplane_delivery_queue_pending",
			Help: "Stream entries claimed by workers but not yet acked.",
		}),
		ScriptsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backplane_scripts_executed_total",
			Help: "Script executions by outcome.",
		}, []string{"outcome"}),
		ScriptSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "backplane_script_seconds",
			Help:    "Script execution wall time.",
			Buckets: prometheus.DefBuckets,
		}),
		LocksAcquired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backplane_locks_acquired_total",
			Help: "Distributed locks acquired by this instance.",
		}),
		Leadership: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "backplane_leader",
			Help: "1 while this instance holds cluster leadership.",
		}),
		CronTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backplane_cron_ticks_total",
			Help: "Scheduled script ticks by result.",
		}, []string{"result"}),
	}

	factory.MustRegister(
		m.Deliveries, m.DeliverySeconds, m.Retries,
		m.QueueDepth, m.QueuePending,
		m.ScriptsExecuted, m.ScriptSeconds,
		m.LocksAcquired, m.Leadership, m.CronTicks,
	)
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry for the HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Nop returns a Metrics handle on a throwaway registry for tests.
func Nop() *Metrics { return New("test") }
