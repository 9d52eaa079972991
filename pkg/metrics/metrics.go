package metrics

import (
	"runtime"
	"time"
)

// Sync outcomes for RecordSync.
const (
	SyncFull       = "full"
	SyncPartialOK  = "partial_ok"
	SyncPartialErr = "partial_err"
)

// RecordSync counts one synchronization request by outcome.
func (r *Registry) RecordSync(result string) {
	r.ReplicationSyncsTotal.WithLabelValues(result).Inc()
}

// RecordSnapshot records a finished snapshot transfer.
func (r *Registry) RecordSnapshot(target string, duration time.Duration, bytes int64) {
	r.ReplicationSnapshotDuration.WithLabelValues(target).Observe(duration.Seconds())
	r.ReplicationSnapshotBytes.WithLabelValues("sent").Add(float64(bytes))
}

// RecordCommand records one processed command.
func (r *Registry) RecordCommand(command string, err bool) {
	status := "ok"
	if err {
		status = "error"
	}
	r.CommandsTotal.WithLabelValues(command, status).Inc()
}

// UpdateReplicationMetrics publishes the master-side replication gauges.
func (r *Registry) UpdateReplicationMetrics(onlineReplicas int, masterOffset int64, backlogBytes int) {
	r.ReplicationConnectedReplicas.Set(float64(onlineReplicas))
	r.ReplicationMasterOffset.Set(float64(masterOffset))
	r.ReplicationBacklogBytes.Set(float64(backlogBytes))
}

// SetReplicationRole sets the current replication role
func (r *Registry) SetReplicationRole(role string) {
	r.ReplicationRole.WithLabelValues("master").Set(0)
	r.ReplicationRole.WithLabelValues("replica").Set(0)
	r.ReplicationRole.WithLabelValues(role).Set(1)
}

// SetLinkUp records whether the replica link is streaming.
func (r *Registry) SetLinkUp(up bool) {
	if up {
		r.ReplicationLinkUp.Set(1)
	} else {
		r.ReplicationLinkUp.Set(0)
	}
}

// UpdateSystemMetrics samples process level gauges.
func (r *Registry) UpdateSystemMetrics(startedAt time.Time) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	r.UptimeSeconds.Set(time.Since(startedAt).Seconds())
	r.GoRoutines.Set(float64(runtime.NumGoroutine()))
	r.MemoryAllocBytes.Set(float64(m.Alloc))
	r.MemorySysBytes.Set(float64(m.Sys))
}
