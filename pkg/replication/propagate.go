package replication

import (
	"bytes"
	"strconv"
	"time"

	"github.com/dd0wney/cluso-kv/pkg/events"
	"github.com/dd0wney/cluso-kv/pkg/logging"
	"github.com/dd0wney/cluso-kv/pkg/resp"
)

// Propagate appends a write executed against db to the replication
// stream and returns the resulting offset. The caller must hold the Exec
// lock so the stream order matches the execution order. Writes are only
// propagated by a master; on a replica the current offset is returned.
func (m *Manager) Propagate(db int, args [][]byte) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.role != RoleMaster || len(args) == 0 {
		return m.offset
	}
	args = m.rewriteScriptsLocked(args)
	if db != m.lastDB {
		m.feedLocked(resp.EncodeCommand([]byte("SELECT"), []byte(strconv.Itoa(db))))
		m.lastDB = db
	}
	m.feedLocked(resp.EncodeCommand(args...))
	return m.offset
}

// rewriteScriptsLocked keeps the script cache in step with the stream and
// expands EVALSHA into EVAL when replicas may not know the script.
func (m *Manager) rewriteScriptsLocked(args [][]byte) [][]byte {
	switch {
	case eqFold(args[0], "EVALSHA") && len(args) >= 2:
		sha := string(bytes.ToLower(args[1]))
		if m.scriptCache.Exists(sha) || m.scripts == nil {
			return args
		}
		body, ok := m.scripts.ScriptBody(sha)
		if !ok {
			return args
		}
		rewritten := make([][]byte, 0, len(args))
		rewritten = append(rewritten, []byte("EVAL"), body)
		rewritten = append(rewritten, args[2:]...)
		m.scriptCache.Add(sha)
		return rewritten
	case eqFold(args[0], "EVAL") && len(args) >= 2:
		m.scriptCache.Add(ScriptSHA(args[1]))
	case eqFold(args[0], "SCRIPT") && len(args) >= 2:
		switch {
		case eqFold(args[1], "LOAD") && len(args) >= 3:
			m.scriptCache.Add(ScriptSHA(args[2]))
		case eqFold(args[1], "FLUSH"):
			m.scriptCache.Flush()
		}
	}
	return args
}

// feedLocked appends bytes to the stream: the offset advances, the
// backlog records them, and every attached replica past the snapshot
// start buffers them. Replicas over their output limit are dropped.
func (m *Manager) feedLocked(p []byte) {
	m.offset += int64(len(p))
	if m.backlog != nil {
		m.backlog.Append(p)
	}

	var over []*replicaHandle
	for _, h := range m.handles {
		if h.state == StateAwaitingSnapshotStart {
			continue
		}
		if err := h.appendStream(p, m.cfg.OutputBufferLimit); err != nil {
			over = append(over, h)
		}
	}
	for _, h := range over {
		m.metrics.ReplicationOutputLimitDrops.Inc()
		m.dropLocked(h, ErrOutputLimit)
	}
}

// applyFromMaster applies one command received from the master and
// relays its exact bytes to sub-replicas. On a replica lastDB tracks the
// database the relayed stream has selected.
func (m *Manager) applyFromMaster(db int, args [][]byte, raw []byte, apply bool) {
	m.exec.Lock()
	defer m.exec.Unlock()

	if apply {
		if err := m.data.Apply(db, args); err != nil {
			m.logger.Warn("replicated command failed",
				logging.String("command", string(args[0])),
				logging.Error(err))
		}
	}

	m.mu.Lock()
	m.lastDB = db
	m.feedLocked(raw)
	m.mu.Unlock()
	m.metrics.ReplicationStreamBytes.WithLabelValues("received").Add(float64(len(raw)))
}

// CheckWrite enforces the minimum number of in-sync replicas for writes
// on a master.
func (m *Manager) CheckWrite() error {
	if m.cfg.MinReplicasToWrite <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.role != RoleMaster {
		return nil
	}
	if m.goodReplicasLocked(time.Now()) < m.cfg.MinReplicasToWrite {
		return ErrNotEnoughReplicas
	}
	return nil
}

func (m *Manager) goodReplicasLocked(now time.Time) int {
	n := 0
	for _, h := range m.handles {
		if h.state == StateOnline && now.Sub(h.ackTime) <= m.cfg.MinReplicasMaxLag {
			n++
		}
	}
	return n
}

// handleAck records an acknowledgement from a replica.
func (m *Manager) handleAck(h *replicaHandle, off int64) {
	m.mu.Lock()
	if !m.attachedLocked(h) {
		m.mu.Unlock()
		return
	}
	if off > h.ackOffset {
		h.ackOffset = off
	}
	h.ackTime = time.Now()
	if h.putOnlineOnAck && h.state == StateOnline {
		h.putOnlineOnAck = false
		h.startStreaming()
		h.logger.Info("replica online", logging.Offset(h.ackOffset))
		m.publish(events.ReplicaOnline, h.Addr(), "")
	}
	m.mu.Unlock()

	m.acks.Notify()
}

// onlineAckOffsets returns the acknowledged offsets of online replicas.
func (m *Manager) onlineAckOffsets() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	offs := make([]int64, 0, len(m.handles))
	for _, h := range m.handles {
		if h.state == StateOnline {
			offs = append(offs, h.ackOffset)
		}
	}
	return offs
}

// sendGetAck feeds a single REPLCONF GETACK into the stream.
func (m *Manager) sendGetAck() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.role != RoleMaster || len(m.handles) == 0 {
		return
	}
	m.feedLocked(resp.EncodeCommandStrings("REPLCONF", "GETACK", "*"))
}

func (m *Manager) attachedLocked(h *replicaHandle) bool {
	for _, x := range m.handles {
		if x == h {
			return true
		}
	}
	return false
}

// detachLocked removes h from the replica set without closing it.
func (m *Manager) detachLocked(h *replicaHandle) bool {
	for i, x := range m.handles {
		if x == h {
			m.handles = append(m.handles[:i], m.handles[i+1:]...)
			if len(m.handles) == 0 {
				m.noReplicasSince = time.Now()
			}
			return true
		}
	}
	return false
}

// dropLocked disconnects a replica.
func (m *Manager) dropLocked(h *replicaHandle, err error) {
	if !m.detachLocked(h) {
		h.shutdown(err)
		return
	}
	h.shutdown(err)

	fields := []logging.Field{logging.State(h.state.String())}
	detail := ""
	if err != nil {
		fields = append(fields, logging.Error(err))
		detail = err.Error()
	}
	h.logger.Info("replica disconnected", fields...)
	m.publish(events.ReplicaDropped, h.Addr(), detail)
}

// dropHandle is dropLocked for callers not holding the Manager lock.
func (m *Manager) dropHandle(h *replicaHandle, err error) {
	m.mu.Lock()
	m.dropLocked(h, err)
	m.mu.Unlock()
}

// disconnectReplicasLocked drops every attached replica.
func (m *Manager) disconnectReplicasLocked(reason string) {
	if len(m.handles) == 0 {
		return
	}
	m.logger.Info("disconnecting replicas", logging.Count(len(m.handles)), logging.String("reason", reason))
	for _, h := range append([]*replicaHandle(nil), m.handles...) {
		m.dropLocked(h, nil)
	}
}
