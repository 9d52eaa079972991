// Package events publishes replication lifecycle events (role changes,
// replica synchronization, link state) to external observers.
package events

import "time"

// Type names an event. Every type shares the "repl." prefix so subscribers
// can filter on it.
type Type string

const (
	RoleChanged      Type = "repl.role_changed"
	ReplicaAttached  Type = "repl.replica_attached"
	ReplicaOnline    Type = "repl.replica_online"
	ReplicaDropped   Type = "repl.replica_dropped"
	FullSync         Type = "repl.full_sync"
	PartialSync      Type = "repl.partial_sync"
	SnapshotFinished Type = "repl.snapshot_finished"
	SnapshotFailed   Type = "repl.snapshot_failed"
	LinkUp           Type = "repl.link_up"
	LinkDown         Type = "repl.link_down"
	BacklogFreed     Type = "repl.backlog_freed"
)

// Event is a single lifecycle notification.
type Event struct {
	Type    Type      `json:"type"`
	Time    time.Time `json:"time"`
	ReplID  string    `json:"replid,omitempty"`
	Offset  int64     `json:"offset"`
	Replica string    `json:"replica,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

// Sink receives events. Implementations must not block the caller.
type Sink interface {
	Publish(ev Event)
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Publish(Event) {}

// Recorder keeps events in memory. Useful in tests.
type Recorder struct {
	ch chan Event
}

// NewRecorder returns a Recorder buffering up to size events; further
// events are dropped.
func NewRecorder(size int) *Recorder {
	return &Recorder{ch: make(chan Event, size)}
}

func (r *Recorder) Publish(ev Event) {
	select {
	case r.ch <- ev:
	default:
	}
}

// Events exposes the recorded events.
func (r *Recorder) Events() <-chan Event {
	return r.ch
}
