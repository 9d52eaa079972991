package replication

import (
	"fmt"
	"strings"
	"time"
)

// ReplicaInfo describes one attached replica.
type ReplicaInfo struct {
	ID        string
	Addr      string
	State     HandleState
	AckOffset int64
	Lag       time.Duration
	Pending   int
}

// Status is a point-in-time view of the replication state.
type Status struct {
	Role            Role
	ReplID          string
	SecondaryReplID string
	SecondaryOffset int64
	Offset          int64

	BacklogActive    bool
	BacklogSize      int
	BacklogFirstByte int64
	BacklogLen       int

	Replicas []ReplicaInfo

	MasterHost     string
	MasterPort     int
	LinkState      string
	LinkUp         bool
	SyncInProgress bool
}

// Status returns the current replication state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	st := Status{
		Role:            m.role,
		ReplID:          m.ident.ID,
		SecondaryReplID: m.ident.SecondaryID,
		SecondaryOffset: m.ident.SecondaryOffset,
		Offset:          m.offset,
		MasterHost:      m.masterHost,
		MasterPort:      m.masterPort,
		LinkUp:          m.linkUp,
		BacklogSize:     m.backlogSize,
	}
	if m.backlog != nil {
		st.BacklogActive = true
		st.BacklogFirstByte = m.backlog.FirstByteOffset()
		st.BacklogLen = m.backlog.Len()
	}
	for _, h := range m.handles {
		st.Replicas = append(st.Replicas, ReplicaInfo{
			ID:        h.id,
			Addr:      h.Addr(),
			State:     h.state,
			AckOffset: h.ackOffset,
			Lag:       now.Sub(h.ackTime),
			Pending:   h.pending(),
		})
	}
	if m.client != nil {
		ls := m.client.getState()
		st.LinkState = ls.publicName()
		st.SyncInProgress = ls == stateTransferringSnapshot || ls == stateApplyingSnapshot
	}
	return st
}

// Role returns the ROLE command reply: for a master its offset and the
// online replicas, for a replica its master, link state and offset.
func (m *Manager) Role() []any {
	st := m.Status()
	if st.Role == RoleMaster {
		replicas := make([]any, 0, len(st.Replicas))
		for _, r := range st.Replicas {
			if r.State != StateOnline {
				continue
			}
			host, port := splitAddr(r.Addr)
			replicas = append(replicas, []any{host, port, fmt.Sprint(r.AckOffset)})
		}
		return []any{"master", st.Offset, replicas}
	}
	offset := int64(-1)
	if st.LinkUp {
		offset = st.Offset
	}
	return []any{"slave", st.MasterHost, int64(st.MasterPort), st.LinkState, offset}
}

// Info renders the replication section of INFO.
func (m *Manager) Info() string {
	st := m.Status()
	var b strings.Builder
	b.WriteString("# Replication\r\n")
	fmt.Fprintf(&b, "role:%s\r\n", st.Role)
	if st.Role == RoleReplica {
		link := "down"
		if st.LinkUp {
			link = "up"
		}
		fmt.Fprintf(&b, "master_host:%s\r\n", st.MasterHost)
		fmt.Fprintf(&b, "master_port:%d\r\n", st.MasterPort)
		fmt.Fprintf(&b, "master_link_status:%s\r\n", link)
		fmt.Fprintf(&b, "master_sync_in_progress:%d\r\n", boolInt(st.SyncInProgress))
		fmt.Fprintf(&b, "slave_repl_offset:%d\r\n", st.Offset)
		fmt.Fprintf(&b, "slave_read_only:%d\r\n", boolInt(m.cfg.ReadOnly()))
	}
	fmt.Fprintf(&b, "connected_slaves:%d\r\n", len(st.Replicas))
	for i, r := range st.Replicas {
		host, port := splitAddr(r.Addr)
		fmt.Fprintf(&b, "slave%d:ip=%s,port=%s,state=%s,offset=%d,lag=%d\r\n",
			i, host, port, r.State, r.AckOffset, int64(r.Lag.Seconds()))
	}
	fmt.Fprintf(&b, "master_replid:%s\r\n", st.ReplID)
	secondary := st.SecondaryReplID
	if secondary == "" {
		secondary = strings.Repeat("0", IDLength)
	}
	fmt.Fprintf(&b, "master_replid2:%s\r\n", secondary)
	fmt.Fprintf(&b, "master_repl_offset:%d\r\n", st.Offset)
	fmt.Fprintf(&b, "second_repl_offset:%d\r\n", st.SecondaryOffset)
	fmt.Fprintf(&b, "repl_backlog_active:%d\r\n", boolInt(st.BacklogActive))
	fmt.Fprintf(&b, "repl_backlog_size:%d\r\n", st.BacklogSize)
	fmt.Fprintf(&b, "repl_backlog_first_byte_offset:%d\r\n", st.BacklogFirstByte)
	fmt.Fprintf(&b, "repl_backlog_histlen:%d\r\n", st.BacklogLen)
	return b.String()
}

func splitAddr(addr string) (string, string) {
	i := strings.LastIndexByte(addr, ':')
	if i < 0 {
		return addr, ""
	}
	return strings.Trim(addr[:i], "[]"), addr[i+1:]
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
