package replication

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAcks struct {
	mu       sync.Mutex
	offs     []int64
	requests atomic.Int32
}

func (f *fakeAcks) offsets() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.offs...)
}

func (f *fakeAcks) set(i int, off int64) {
	f.mu.Lock()
	f.offs[i] = off
	f.mu.Unlock()
}

func (f *fakeAcks) request() { f.requests.Add(1) }

func waitAsync(tr *AckTracker, ctx context.Context, n int, off int64, timeout time.Duration) <-chan int {
	out := make(chan int, 1)
	go func() { out <- tr.Wait(ctx, n, off, timeout) }()
	return out
}

func waitPending(t *testing.T, tr *AckTracker, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return tr.Pending() == n }, time.Second, time.Millisecond)
}

func TestAckTracker_ReturnsImmediately(t *testing.T) {
	acks := &fakeAcks{offs: []int64{10, 20, 30}}
	tr := NewAckTracker(acks.offsets, acks.request)
	ctx := context.Background()

	assert.Equal(t, 2, tr.Wait(ctx, 2, 20, time.Hour), "already satisfied")
	assert.Equal(t, 1, tr.Wait(ctx, 3, 30, 0), "zero timeout")
	assert.Equal(t, 1, tr.Wait(ctx, 3, 30, -time.Second), "negative timeout")
	assert.Equal(t, 3, tr.Wait(ctx, 0, 5, time.Hour), "zero replicas")
	assert.Zero(t, tr.Pending())
	assert.Zero(t, acks.requests.Load(), "no GETACK when nothing blocks")
}

func TestAckTracker_NotifyResolvesWaiter(t *testing.T) {
	acks := &fakeAcks{offs: []int64{0, 0}}
	tr := NewAckTracker(acks.offsets, acks.request)

	res := waitAsync(tr, context.Background(), 2, 50, time.Minute)
	waitPending(t, tr, 1)
	assert.Equal(t, int32(1), acks.requests.Load())

	acks.set(0, 50)
	tr.Notify()
	assert.Equal(t, 1, tr.Pending(), "one ack is not enough")

	acks.set(1, 70)
	tr.Notify()
	select {
	case n := <-res:
		assert.Equal(t, 2, n)
	case <-time.After(time.Second):
		t.Fatal("waiter not resolved")
	}
	assert.Zero(t, tr.Pending())
}

func TestAckTracker_NotifyKeepsUnsatisfiedWaiters(t *testing.T) {
	acks := &fakeAcks{offs: []int64{0}}
	tr := NewAckTracker(acks.offsets, nil)

	low := waitAsync(tr, context.Background(), 1, 10, time.Minute)
	high := waitAsync(tr, context.Background(), 1, 100, 200*time.Millisecond)
	waitPending(t, tr, 2)

	acks.set(0, 10)
	tr.Notify()
	assert.Equal(t, 1, <-low)
	assert.Equal(t, 0, <-high, "timed out with the current count")
	assert.Zero(t, tr.Pending())
}

func TestAckTracker_Timeout(t *testing.T) {
	acks := &fakeAcks{offs: []int64{5, 100}}
	tr := NewAckTracker(acks.offsets, acks.request)

	start := time.Now()
	n := tr.Wait(context.Background(), 2, 50, 30*time.Millisecond)
	assert.Equal(t, 1, n)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Zero(t, tr.Pending())
}

func TestAckTracker_ContextCancel(t *testing.T) {
	acks := &fakeAcks{offs: []int64{0}}
	tr := NewAckTracker(acks.offsets, acks.request)
	ctx, cancel := context.WithCancel(context.Background())

	res := waitAsync(tr, ctx, 1, 1, time.Hour)
	waitPending(t, tr, 1)
	cancel()

	select {
	case n := <-res:
		assert.Zero(t, n)
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter still blocked")
	}
	assert.Zero(t, tr.Pending())
}

func TestCountAtLeast(t *testing.T) {
	assert.Equal(t, 0, countAtLeast(nil, 1))
	assert.Equal(t, 2, countAtLeast([]int64{1, 5, 9}, 5))
	assert.Equal(t, 3, countAtLeast([]int64{1, 5, 9}, 0))
}
