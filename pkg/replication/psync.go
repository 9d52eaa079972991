package replication

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/dd0wney/cluso-kv/pkg/events"
	"github.com/dd0wney/cluso-kv/pkg/logging"
	"github.com/dd0wney/cluso-kv/pkg/metrics"
	"github.com/dd0wney/cluso-kv/pkg/resp"
	"github.com/dd0wney/cluso-kv/pkg/validation"
)

// ReplicaOptions are announced by a replica with REPLCONF before it
// requests synchronization.
type ReplicaOptions struct {
	ListeningPort int
	AnnouncedIP   string
	CapaEOF       bool
	CapaPSYNC2    bool
}

// Apply parses the option/value pairs following REPLCONF.
func (o *ReplicaOptions) Apply(pairs [][]byte) error {
	if len(pairs)%2 != 0 {
		return ErrReplconfSyntax
	}
	for i := 0; i < len(pairs); i += 2 {
		name, value := strings.ToLower(string(pairs[i])), string(pairs[i+1])
		switch name {
		case "listening-port":
			port, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("%w: listening-port %q", ErrReplconfOption, value)
			}
			if err := validation.ValidatePort(port); err != nil {
				return fmt.Errorf("%w: %v", ErrReplconfOption, err)
			}
			o.ListeningPort = port
		case "ip-address":
			if err := validation.ValidateIP(value); err != nil {
				return fmt.Errorf("%w: %v", ErrReplconfOption, err)
			}
			o.AnnouncedIP = value
		case "capa":
			switch strings.ToLower(value) {
			case "eof":
				o.CapaEOF = true
			case "psync2":
				o.CapaPSYNC2 = true
			}
		default:
			return fmt.Errorf("%w: %s", ErrReplconfOption, name)
		}
	}
	return nil
}

// Sync serves a PSYNC or legacy SYNC request. args is the full command.
// On success the connection belongs to the replication layer; the caller
// must neither read from nor write to it again. On error nothing has been
// written and the caller should reply with the error.
func (m *Manager) Sync(conn net.Conn, r *resp.Reader, opts ReplicaOptions, args [][]byte) error {
	legacy := eqFold(args[0], "SYNC")
	replid, offset := "?", int64(-1)
	if !legacy {
		if len(args) != 3 {
			return fmt.Errorf("wrong number of arguments for 'psync' command")
		}
		replid = string(args[1])
		off, err := strconv.ParseInt(string(args[2]), 10, 64)
		if err != nil {
			return fmt.Errorf("value is not an integer or out of range")
		}
		offset = off
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stoppedLocked() {
		return ErrStopped
	}
	if m.role == RoleReplica && !m.linkUp {
		return ErrNoMasterLink
	}
	if len(m.handles) >= m.cfg.MaxReplicas {
		return ErrTooManyReplicas
	}

	h := newReplicaHandle(m, conn, r, opts)
	h.legacy = legacy

	if !legacy && m.tryPartialLocked(h, replid, offset) {
		return nil
	}
	m.fullSyncLocked(h)
	return nil
}

// tryPartialLocked attaches h with +CONTINUE when the requested history is
// ours and still in the backlog.
func (m *Manager) tryPartialLocked(h *replicaHandle, replid string, offset int64) bool {
	if replid == "?" {
		return false
	}
	if !m.ident.Accepts(replid, offset) {
		if replid != m.ident.ID && replid != m.ident.SecondaryID {
			h.logger.Info("partial resync rejected: replication id mismatch",
				logging.ReplID(replid), logging.String("current", m.ident.ID))
		} else {
			h.logger.Info("partial resync rejected: offset past secondary id limit",
				logging.Offset(offset), logging.Int64("limit", m.ident.SecondaryOffset))
		}
		m.metrics.RecordSync(metrics.SyncPartialErr)
		return false
	}
	if m.backlog == nil || !m.backlog.Contains(offset) {
		h.logger.Info("partial resync rejected: offset out of backlog range", logging.Offset(offset))
		m.metrics.RecordSync(metrics.SyncPartialErr)
		return false
	}

	pending, err := m.backlog.ReadFrom(offset)
	if err != nil {
		m.metrics.RecordSync(metrics.SyncPartialErr)
		return false
	}

	h.state = StateOnline
	h.ackTime = time.Now()
	reply := "+CONTINUE"
	if h.opts.CapaPSYNC2 {
		reply += " " + m.ident.ID
	}
	h.enqueueBytes([]byte(reply + "\r\n"))
	h.stream = append([]byte(nil), pending...)
	h.streaming = true

	m.handles = append(m.handles, h)
	h.start()

	m.metrics.RecordSync(metrics.SyncPartialOK)
	h.logger.Info("partial resync accepted",
		logging.Offset(offset), logging.Int("backlog_bytes", len(pending)))
	m.publish(events.PartialSync, h.Addr(), strconv.Itoa(len(pending)))
	return true
}

// fullSyncLocked attaches h for a full resynchronization. It joins an
// in-flight disk snapshot when possible and otherwise waits for the next
// snapshot job.
func (m *Manager) fullSyncLocked(h *replicaHandle) {
	h.state = StateAwaitingSnapshotStart
	m.scriptCache.Flush()

	if m.backlog == nil {
		if m.role == RoleMaster {
			m.ident.Change()
			m.ident.ClearSecondary()
		}
		m.newBacklogLocked()
	}

	m.handles = append(m.handles, h)
	h.start()
	m.metrics.RecordSync(metrics.SyncFull)
	m.publish(events.ReplicaAttached, h.Addr(), "full")

	if job := m.job; job != nil && job.target == targetDisk {
		for _, other := range m.handles {
			if other == h || other.job != job || other.state != StateAwaitingSnapshotEnd {
				continue
			}
			h.copyStreamFrom(other)
			m.setupFullSyncLocked(h, job)
			h.logger.Info("full resync attached to running snapshot", logging.String("job", job.id))
			return
		}
	}

	h.logger.Info("full resync queued")
	m.kickSnapshot()
}

// setupFullSyncLocked binds h to job and sends +FULLRESYNC.
func (m *Manager) setupFullSyncLocked(h *replicaHandle, job *snapshotJob) {
	h.state = StateAwaitingSnapshotEnd
	h.job = job
	h.initialOffset = job.offset
	if !h.legacy {
		h.enqueueBytes([]byte(fmt.Sprintf("+FULLRESYNC %s %d\r\n", job.replid, job.offset)))
	}
	m.publish(events.FullSync, h.Addr(), job.target.String())
}
