package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all metrics for the application
type Registry struct {
	// Replication Metrics
	ReplicationRole              *prometheus.GaugeVec
	ReplicationConnectedReplicas prometheus.Gauge
	ReplicationMasterOffset      prometheus.Gauge
	ReplicationBacklogBytes      prometheus.Gauge
	ReplicationSyncsTotal        *prometheus.CounterVec
	ReplicationStreamBytes       *prometheus.CounterVec
	ReplicationSnapshotDuration  *prometheus.HistogramVec
	ReplicationSnapshotBytes     *prometheus.CounterVec
	ReplicationWaitDuration      prometheus.Histogram
	ReplicationLinkUp            prometheus.Gauge
	ReplicationOutputLimitDrops  prometheus.Counter

	// Server Metrics
	CommandsTotal     *prometheus.CounterVec
	ClientConnections prometheus.Gauge
	KeysTotal         prometheus.Gauge

	// System Metrics
	UptimeSeconds    prometheus.Gauge
	GoRoutines       prometheus.Gauge
	MemoryAllocBytes prometheus.Gauge
	MemorySysBytes   prometheus.Gauge

	registry *prometheus.Registry
}

var (
	// Global registry instance
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the global metrics registry
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
	}

	r.initReplicationMetrics()
	r.initServerMetrics()
	r.initSystemMetrics()

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}
