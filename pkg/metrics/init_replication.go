package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initReplicationMetrics() {
	r.ReplicationRole = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clusokv_replication_role",
			Help: "Replication role of this node (1 for current role, 0 otherwise)",
		},
		[]string{"role"}, // master, replica
	)

	r.ReplicationConnectedReplicas = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "clusokv_replication_connected_replicas",
			Help: "Number of replicas in the online state",
		},
	)

	r.ReplicationMasterOffset = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "clusokv_replication_master_offset",
			Help: "Current replication offset of this node",
		},
	)

	r.ReplicationBacklogBytes = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "clusokv_replication_backlog_bytes",
			Help: "Bytes of stream history currently held in the backlog",
		},
	)

	r.ReplicationSyncsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusokv_replication_syncs_total",
			Help: "Synchronization requests served, by outcome",
		},
		[]string{"result"}, // full, partial_ok, partial_err
	)

	r.ReplicationStreamBytes = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusokv_replication_stream_bytes_total",
			Help: "Replication stream bytes",
		},
		[]string{"direction"}, // sent, received
	)

	r.ReplicationSnapshotDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clusokv_replication_snapshot_duration_seconds",
			Help:    "Time taken to produce and transfer a snapshot",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"target"}, // disk, diskless
	)

	r.ReplicationSnapshotBytes = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusokv_replication_snapshot_bytes_total",
			Help: "Snapshot payload bytes",
		},
		[]string{"direction"}, // sent, received
	)

	r.ReplicationWaitDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "clusokv_replication_wait_duration_seconds",
			Help:    "Time WAIT callers spent blocked",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10},
		},
	)

	r.ReplicationLinkUp = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "clusokv_replication_master_link_up",
			Help: "Whether this replica is streaming from its master (1=yes, 0=no)",
		},
	)

	r.ReplicationOutputLimitDrops = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "clusokv_replication_output_limit_disconnects_total",
			Help: "Replicas disconnected for exceeding the output buffer limit",
		},
	)
}
