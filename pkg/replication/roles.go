package replication

import (
	"net"
	"strconv"
	"time"

	"github.com/dd0wney/cluso-kv/pkg/backlog"
	"github.com/dd0wney/cluso-kv/pkg/events"
	"github.com/dd0wney/cluso-kv/pkg/logging"
	"github.com/dd0wney/cluso-kv/pkg/validation"
)

// ReplicaOf makes this node replicate from host:port. Pointing at the
// current master is a no-op. A master that is demoted keeps its own
// history as the cached session so it can resume partially from a
// promoted replica of its own.
func (m *Manager) ReplicaOf(host string, port int) error {
	ep, err := validation.ParseEndpoint(host, strconv.Itoa(port))
	if err != nil {
		return err
	}

	m.roleMu.Lock()
	defer m.roleMu.Unlock()

	m.mu.Lock()
	if m.stoppedLocked() {
		m.mu.Unlock()
		return ErrStopped
	}
	if m.role == RoleReplica && m.masterHost == ep.Host && m.masterPort == ep.Port {
		m.mu.Unlock()
		m.logger.Info("already replicating from requested master", logging.Addr(masterAddr(ep.Host, ep.Port)))
		return nil
	}

	wasMaster := m.role == RoleMaster
	m.disconnectReplicasLocked("role change")
	m.abortJobLocked()
	if wasMaster {
		m.discardCachedMasterLocked()
		m.cacheMasterUsingMyselfLocked()
	}
	m.role = RoleReplica
	m.masterHost, m.masterPort = ep.Host, ep.Port
	old := m.client
	m.client = nil
	m.mu.Unlock()

	if old != nil {
		old.stop()
	}

	c := newReplicaClient(m, ep.Host, ep.Port)

	m.mu.Lock()
	m.client = c
	m.linkUp = false
	m.publish(events.RoleChanged, "", "replica of "+masterAddr(ep.Host, ep.Port))
	m.mu.Unlock()

	m.scriptCache.Flush()
	m.metrics.SetReplicationRole("replica")
	m.metrics.SetLinkUp(false)
	m.logger.Info("replicating from master", logging.Addr(masterAddr(ep.Host, ep.Port)))

	c.start()
	return nil
}

// PromoteToMaster stops replicating and turns this node into a master.
// The previous replication ID stays valid as the secondary ID up to the
// current offset, so former siblings can continue partially. Promoting a
// master is a no-op.
func (m *Manager) PromoteToMaster() error {
	m.roleMu.Lock()
	defer m.roleMu.Unlock()

	m.mu.Lock()
	if m.role == RoleMaster {
		m.mu.Unlock()
		return nil
	}
	c := m.client
	m.client = nil
	m.mu.Unlock()

	if c != nil {
		c.stop()
	}

	m.mu.Lock()
	m.discardCachedMasterLocked()
	m.ident.Shift(m.offset)
	if m.backlog == nil {
		m.newBacklogLocked()
	}
	m.disconnectReplicasLocked("promotion")
	m.abortJobLocked()
	m.role = RoleMaster
	m.masterHost, m.masterPort = "", 0
	m.linkUp = false
	m.lastDB = -1
	m.noReplicasSince = time.Now()
	m.logger.Info("promoted to master",
		logging.ReplID(m.ident.ID),
		logging.String("secondary_replid", m.ident.SecondaryID),
		logging.Int64("secondary_offset", m.ident.SecondaryOffset))
	m.publish(events.RoleChanged, "", "master")
	m.mu.Unlock()

	m.scriptCache.Flush()
	m.metrics.SetReplicationRole("master")
	m.metrics.SetLinkUp(false)
	return nil
}

func (m *Manager) newBacklogLocked() {
	m.backlog = backlog.New(m.backlogSize, m.offset)
	m.logger.Debug("backlog created",
		logging.Int("size", m.backlogSize), logging.Offset(m.offset))
}

func (m *Manager) freeBacklogLocked() {
	m.backlog = nil
}

func masterAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
