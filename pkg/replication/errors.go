package replication

import "errors"

var (
	// ErrNotMaster is returned by master-only operations on a replica.
	ErrNotMaster = errors.New("replication: node is not a master")
	// ErrNoMasterLink refuses synchronization while this replica's own
	// link is not streaming.
	ErrNoMasterLink = errors.New("replication: master link is down")
	// ErrSnapshotFailed is reported to replicas waiting on a failed snapshot.
	ErrSnapshotFailed = errors.New("replication: snapshot generation failed")
	// ErrOutputLimit disconnects a replica whose pending output grew too large.
	ErrOutputLimit = errors.New("replication: output buffer limit exceeded")
	// ErrProtocolMismatch marks replies that could not be interpreted.
	ErrProtocolMismatch = errors.New("replication: protocol mismatch")
	// ErrHandshakeRejected is returned when the master refuses a handshake step.
	ErrHandshakeRejected = errors.New("replication: handshake rejected")
	// ErrTooManyReplicas refuses a replica beyond the configured maximum.
	ErrTooManyReplicas = errors.New("replication: too many replicas")
	// ErrNotEnoughReplicas refuses writes when too few replicas are in sync.
	ErrNotEnoughReplicas = errors.New("replication: not enough good replicas")
	// ErrReplconfSyntax rejects REPLCONF arguments that are not option/value pairs.
	ErrReplconfSyntax = errors.New("replication: REPLCONF syntax error")
	// ErrReplconfOption rejects an unknown REPLCONF option or an invalid value.
	ErrReplconfOption = errors.New("replication: invalid REPLCONF option")
)

// ErrStopped is returned once the Manager has been stopped.
var ErrStopped = errors.New("replication: stopped")
