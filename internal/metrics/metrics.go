// Package metrics holds the Prometheus collectors of a node. Each node gets
// its own registry so that several nodes can run in one process.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relaydb"

// Metrics is the set of collectors updated by the cluster layer.
type Metrics struct {
	// ReplicationPushes counts /sync pushes by result (ok, failed).
	ReplicationPushes *prometheus.CounterVec
	// RecordsMerged counts inbound records by result (applied, ignored).
	RecordsMerged *prometheus.CounterVec

	RetryQueueDepth prometheus.Gauge
	RetryDelivered  prometheus.Counter
	// RetryDropped counts entries abandoned by reason (max_attempts, missing).
	RetryDropped *prometheus.CounterVec

	// Announces counts outbound registrations by result.
	Announces *prometheus.CounterVec
	// DirectoryNodes is the number of directory entries by status.
	DirectoryNodes *prometheus.GaugeVec

	// RouterWrites counts client writes by route (local, forwarded) and
	// result (committed, failed).
	RouterWrites *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ReplicationPushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replication_pushes_total",
			Help:      "Total number of record pushes to peers",
		}, []string{"result"}),
		RecordsMerged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_merged_total",
			Help:      "Total number of replicated records received",
		}, []string{"result"}),
		RetryQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "retry_queue_depth",
			Help:      "Number of pending replication retries",
		}),
		RetryDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_delivered_total",
			Help:      "Total number of retries delivered to a peer",
		}),
		RetryDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_dropped_total",
			Help:      "Total number of retries abandoned",
		}, []string{"reason"}),
		Announces: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_announces_total",
			Help:      "Total number of announcements sent to seeds",
		}, []string{"result"}),
		DirectoryNodes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "directory_nodes",
			Help:      "Number of known nodes by status",
		}, []string{"status"}),
		RouterWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_writes_total",
			Help:      "Total number of client writes",
		}, []string{"route", "result"}),
	}

	m.registry.MustRegister(
		m.ReplicationPushes,
		m.RecordsMerged,
		m.RetryQueueDepth,
		m.RetryDelivered,
		m.RetryDropped,
		m.Announces,
		m.DirectoryNodes,
		m.RouterWrites,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the node's registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
