package health

// ReplicationState is what ReplicationCheck needs to know about a node.
type ReplicationState struct {
	Role              string // "master" or "slave"
	LinkUp            bool
	LinkState         string
	ConnectedReplicas int
	WritesAccepted    bool
	SyncInProgress    bool
}

// ReplicationCheck reports a master refusing writes for lack of good
// replicas as degraded, a replica synchronizing with its master as
// degraded, and a replica without a master link as unhealthy.
func ReplicationCheck(state func() ReplicationState) CheckFunc {
	return func() Check {
		st := state()
		check := Check{
			Name: "replication",
			Details: map[string]any{
				"role":               st.Role,
				"connected_replicas": st.ConnectedReplicas,
			},
		}

		if st.Role == "master" {
			check.Status, check.Message = StatusHealthy, "master"
			if !st.WritesAccepted {
				check.Status, check.Message = StatusDegraded, "not enough good replicas to accept writes"
			}
			return check
		}

		check.Details["link_state"] = st.LinkState
		check.Details["sync_in_progress"] = st.SyncInProgress
		switch {
		case st.LinkUp:
			check.Status, check.Message = StatusHealthy, "master link up"
		case st.SyncInProgress:
			check.Status, check.Message = StatusDegraded, "synchronizing with master"
		default:
			check.Status, check.Message = StatusUnhealthy, "master link down"
		}
		return check
	}
}

// ListenerCheck is unhealthy while the command listener is not bound.
func ListenerCheck(addr func() (string, bool)) CheckFunc {
	return func() Check {
		a, ok := addr()
		if !ok {
			return Check{Name: "listener", Status: StatusUnhealthy, Message: "not listening"}
		}
		return Check{Name: "listener", Status: StatusHealthy, Message: a}
	}
}

// MemoryCheck is degraded when more than 90% of the memory obtained from
// the OS is allocated.
func MemoryCheck(usage func() (alloc, sys uint64)) CheckFunc {
	return func() Check {
		alloc, sys := usage()
		check := Check{
			Name:    "memory",
			Status:  StatusHealthy,
			Details: map[string]any{"alloc_bytes": alloc, "sys_bytes": sys},
		}
		if sys > 0 && float64(alloc)/float64(sys) > 0.9 {
			check.Status, check.Message = StatusDegraded, "high memory usage"
		}
		return check
	}
}
