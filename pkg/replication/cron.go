package replication

import (
	"time"

	"github.com/dd0wney/cluso-kv/pkg/events"
	"github.com/dd0wney/cluso-kv/pkg/logging"
	"github.com/dd0wney/cluso-kv/pkg/resp"
)

var keepaliveNewline = []byte("\n")

// cron runs the periodic replication duties: pinging replicas, keeping
// waiting replicas alive, timing out silent ones, freeing an unused
// backlog, and starting delayed diskless snapshots.
func (m *Manager) cron(now time.Time) {
	m.mu.Lock()

	keepalive := now.Sub(m.lastKeepalive) >= time.Second
	if keepalive {
		m.lastKeepalive = now
	}

	var expired []*replicaHandle
	online := 0
	for _, h := range m.handles {
		switch h.state {
		case StateAwaitingSnapshotStart:
			if keepalive {
				h.enqueueBytes(keepaliveNewline)
			}
		case StateAwaitingSnapshotEnd:
			if keepalive && h.job != nil && h.job.target == targetDisk {
				h.enqueueBytes(keepaliveNewline)
			}
		case StateOnline:
			online++
			if now.Sub(h.ackTime) > m.cfg.Timeout {
				expired = append(expired, h)
			}
		}
	}
	for _, h := range expired {
		h.logger.Warn("replica timed out", logging.Duration("idle", now.Sub(h.ackTime)))
		m.dropLocked(h, errReplicaTimeout)
		online--
	}

	if m.role == RoleMaster && len(m.handles) > 0 && now.Sub(m.lastPing) >= m.cfg.PingPeriod {
		m.feedLocked(resp.EncodeCommandStrings("PING"))
		m.lastPing = now
	}

	if m.role == RoleMaster && m.backlog != nil && len(m.handles) == 0 &&
		m.cfg.BacklogTTL > 0 && now.Sub(m.noReplicasSince) > m.cfg.BacklogTTL {
		m.freeBacklogLocked()
		m.ident.Change()
		m.ident.ClearSecondary()
		m.logger.Info("backlog freed after idle period", logging.Duration("ttl", m.cfg.BacklogTTL))
		m.publish(events.BacklogFreed, "", "")
	}

	backlogBytes := 0
	if m.backlog != nil {
		backlogBytes = m.backlog.Len()
	}
	m.metrics.UpdateReplicationMetrics(online, m.offset, backlogBytes)

	startSnapshot := false
	if m.job == nil {
		for _, h := range m.handles {
			if h.state == StateAwaitingSnapshotStart {
				startSnapshot = true
				break
			}
		}
	}
	m.mu.Unlock()

	if startSnapshot {
		m.maybeStartSnapshot(now)
	}
}
