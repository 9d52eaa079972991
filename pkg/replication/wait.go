package replication

import (
	"context"
	"sync"
	"time"
)

// AckTracker blocks WAIT callers until enough replicas acknowledge an
// offset. Waiters are re-evaluated in registration order on every
// acknowledgement.
type AckTracker struct {
	offsets func() []int64
	request func()

	mu      sync.Mutex
	waiters []*ackWaiter
}

type ackWaiter struct {
	replicas int
	offset   int64
	done     chan int
}

// NewAckTracker returns a tracker that reads acknowledged offsets with
// offsets and asks replicas to acknowledge with request.
func NewAckTracker(offsets func() []int64, request func()) *AckTracker {
	return &AckTracker{offsets: offsets, request: request}
}

// Count returns how many replicas acknowledged at least offset.
func (t *AckTracker) Count(offset int64) int {
	return countAtLeast(t.offsets(), offset)
}

// Wait blocks until replicas acknowledged offset, timeout elapses, or ctx
// is done, and returns the number of acknowledging replicas. A
// non-positive replicas or timeout returns the current count at once.
func (t *AckTracker) Wait(ctx context.Context, replicas int, offset int64, timeout time.Duration) int {
	count := t.Count(offset)
	if replicas <= 0 || timeout <= 0 || count >= replicas {
		return count
	}

	w := &ackWaiter{replicas: replicas, offset: offset, done: make(chan int, 1)}
	t.mu.Lock()
	t.waiters = append(t.waiters, w)
	t.mu.Unlock()

	if t.request != nil {
		t.request()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case n := <-w.done:
		return n
	case <-timer.C:
	case <-ctx.Done():
	}

	t.remove(w)
	select {
	case n := <-w.done:
		return n
	default:
	}
	return t.Count(offset)
}

// Notify resolves every waiter whose target has been reached. It must not
// be called while holding the lock guarding the offsets source.
func (t *AckTracker) Notify() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.waiters) == 0 {
		return
	}

	offs := t.offsets()
	kept := t.waiters[:0]
	for _, w := range t.waiters {
		if n := countAtLeast(offs, w.offset); n >= w.replicas {
			w.done <- n
			continue
		}
		kept = append(kept, w)
	}
	for i := len(kept); i < len(t.waiters); i++ {
		t.waiters[i] = nil
	}
	t.waiters = kept
}

// Pending returns the number of blocked waiters.
func (t *AckTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}

func (t *AckTracker) remove(w *ackWaiter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, x := range t.waiters {
		if x == w {
			t.waiters = append(t.waiters[:i], t.waiters[i+1:]...)
			return
		}
	}
}

func countAtLeast(offs []int64, offset int64) int {
	n := 0
	for _, off := range offs {
		if off >= offset {
			n++
		}
	}
	return n
}

// Wait blocks until replicas replicas acknowledged offset or timeout
// elapses. Only a master can wait.
func (m *Manager) Wait(ctx context.Context, replicas int, offset int64, timeout time.Duration) (int, error) {
	if !m.IsMaster() {
		return 0, ErrNotMaster
	}
	start := time.Now()
	n := m.acks.Wait(ctx, replicas, offset, timeout)
	m.metrics.ReplicationWaitDuration.Observe(time.Since(start).Seconds())
	return n, nil
}
