// Package metrics holds the Prometheus collectors of the presence service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Heartbeats             *prometheus.CounterVec
	OnlineSubjects         prometheus.Gauge
	Evicted                prometheus.Counter
	EvictionFailures       prometheus.Counter
	EnrichmentPlaceholders prometheus.Counter
	ListDuration           prometheus.Histogram
	ChangeSubscribers      prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "heartbeats_total",
			Help:      "Heartbeats processed, by result.",
		}, []string{"result"}),
		OnlineSubjects: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "presence",
			Name:      "online_subjects",
			Help:      "Subjects online at the last resolution pass.",
		}),
		Evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "evicted_total",
			Help:      "Expired presence records deleted.",
		}),
		EvictionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "eviction_failures_total",
			Help:      "Eviction passes that failed.",
		}),
		EnrichmentPlaceholders: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "enrichment_placeholders_total",
			Help:      "Online entries served with a placeholder profile.",
		}),
		ListDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "presence",
			Name:      "list_duration_seconds",
			Help:      "Time to resolve the online set.",
			Buckets:   prometheus.DefBuckets,
		}),
		ChangeSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "presence",
			Name:      "change_subscribers",
			Help:      "Open change-stream subscriptions.",
		}),
	}

	reg.MustRegister(
		m.Heartbeats,
		m.OnlineSubjects,
		m.Evicted,
		m.EvictionFailures,
		m.EnrichmentPlaceholders,
		m.ListDuration,
		m.ChangeSubscribers,
	)
	return m
}
