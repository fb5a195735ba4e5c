package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Connections         prometheus.Gauge
	Replicas            prometheus.Gauge
	UpdatesMerged       prometheus.Counter
	Broadcasts          prometheus.Counter
	Flushes             prometheus.Counter
	FlushFailures       prometheus.Counter
	HandshakeRejections *prometheus.CounterVec
	Evictions           *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "inkwell_sync_connections",
			Help: "Live realtime connections.",
		}),
		Replicas: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "inkwell_sync_replicas",
			Help: "Document replicas held in memory.",
		}),
		UpdatesMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inkwell_sync_updates_merged_total",
			Help: "CRDT updates merged into replicas.",
		}),
		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inkwell_sync_broadcasts_total",
			Help: "Events fanned out to subscribers.",
		}),
		Flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inkwell_sync_flushes_total",
			Help: "Successful replica flushes to durable storage.",
		}),
		FlushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inkwell_sync_flush_failures_total",
			Help: "Failed replica flushes (retried with backoff).",
		}),
		HandshakeRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inkwell_sync_handshake_rejections_total",
			Help: "Rejected handshakes by reason.",
		}, []string{"reason"}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inkwell_sync_evictions_total",
			Help: "Forced evictions by cause.",
		}, []string{"cause"}),
	}
	reg.MustRegister(
		m.Connections, m.Replicas, m.UpdatesMerged, m.Broadcasts,
		m.Flushes, m.FlushFailures, m.HandshakeRejections, m.Evictions,
	)
	return m
}
