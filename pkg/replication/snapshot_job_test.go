package replication

import (
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-kv/pkg/events"
	"github.com/dd0wney/cluso-kv/pkg/storage"
)

var errCaptureBroken = errors.New("capture broken")

// brokenDataset fails every capture once release is closed.
type brokenDataset struct {
	*storage.Keyspace
	release chan struct{}
	once    sync.Once
}

func (d *brokenDataset) Capture(int) io.WriterTo { return brokenCapture{release: d.release} }

func (d *brokenDataset) fail() { d.once.Do(func() { close(d.release) }) }

type brokenCapture struct{ release <-chan struct{} }

func (c brokenCapture) WriteTo(io.Writer) (int64, error) {
	<-c.release
	return 0, errCaptureBroken
}

func newBrokenManager(t *testing.T, mutate func(*Config)) (*testManager, *brokenDataset) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SnapshotDir = t.TempDir()
	if mutate != nil {
		mutate(&cfg)
	}
	data := &brokenDataset{Keyspace: storage.NewKeyspace(16), release: make(chan struct{})}
	rec := events.NewRecorder(256)
	m, err := NewManager(Options{Config: cfg, Dataset: data, Scripts: data.Keyspace, Events: rec})
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	t.Cleanup(data.fail)
	return &testManager{Manager: m, data: data.Keyspace, events: rec}, data
}

// readUntilClosed consumes r until the peer closes the connection. Hitting
// the read deadline fails the test.
func readUntilClosed(t *testing.T, r io.Reader) {
	t.Helper()
	_, err := io.Copy(io.Discard, r)
	require.NoError(t, err, "connection was not closed")
}

func TestSnapshotFailure_DiskDropsWaitingReplicas(t *testing.T) {
	m, data := newBrokenManager(t, nil)
	m.Propagate(0, [][]byte{[]byte("SET"), []byte("a"), []byte("1")})

	first, _, err := syncPipe(t, m, ReplicaOptions{ListeningPort: 7001}, "PSYNC", "?", "-1")
	require.NoError(t, err)
	m.maybeStartSnapshot(time.Now())

	line, err := first.ReadLine()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "+FULLRESYNC "), line)

	// A replica arriving during a disk snapshot shares it.
	second, _, err := syncPipe(t, m, ReplicaOptions{ListeningPort: 7002}, "PSYNC", "?", "-1")
	require.NoError(t, err)
	line, err = second.ReadLine()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "+FULLRESYNC "), line)
	for _, r := range m.Status().Replicas {
		assert.Equal(t, StateAwaitingSnapshotEnd, r.State)
	}

	data.fail()
	ev := m.waitEvent(t, events.SnapshotFailed)
	assert.Contains(t, ev.Detail, errCaptureBroken.Error())

	readUntilClosed(t, first)
	readUntilClosed(t, second)
	require.Eventually(t, func() bool { return len(m.Status().Replicas) == 0 },
		2*time.Second, 5*time.Millisecond)

	entries, err := os.ReadDir(m.Config().SnapshotDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "a failed snapshot leaves no file behind")

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Nil(t, m.job)
}

func TestSnapshotFailure_DisklessRejectsQueuedReplica(t *testing.T) {
	m, data := newBrokenManager(t, func(c *Config) {
		c.DisklessSync = true
		c.DisklessSyncDelay = -1
	})

	streaming, _, err := syncPipe(t, m, ReplicaOptions{ListeningPort: 7001, CapaEOF: true}, "PSYNC", "?", "-1")
	require.NoError(t, err)
	m.maybeStartSnapshot(time.Now())
	line, err := streaming.ReadLine()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "+FULLRESYNC "), line)

	// A diskless transfer is never shared, so this replica keeps waiting.
	queued, _, err := syncPipe(t, m, ReplicaOptions{ListeningPort: 7002}, "PSYNC", "?", "-1")
	require.NoError(t, err)
	states := map[HandleState]int{}
	for _, r := range m.Status().Replicas {
		states[r.State]++
	}
	assert.Equal(t, map[HandleState]int{StateAwaitingSnapshotEnd: 1, StateAwaitingSnapshotStart: 1}, states)

	data.fail()
	m.waitEvent(t, events.SnapshotFailed)

	line, err = queued.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "-ERR snapshot generation failed", line)
	readUntilClosed(t, queued)
	readUntilClosed(t, streaming)

	require.Eventually(t, func() bool { return len(m.Status().Replicas) == 0 },
		2*time.Second, 5*time.Millisecond)
}

func TestSnapshotStart_MasterReselectsDatabase(t *testing.T) {
	m := newTestManager(t, nil)
	m.Propagate(3, [][]byte{[]byte("SET"), []byte("a"), []byte("1")})

	_, _, err := syncPipe(t, m, ReplicaOptions{ListeningPort: 7001}, "PSYNC", "?", "-1")
	require.NoError(t, err)
	m.maybeStartSnapshot(time.Now())

	start := m.Offset() + 1
	m.Propagate(3, [][]byte{[]byte("SET"), []byte("b"), []byte("2")})

	m.mu.Lock()
	got, err := m.backlog.ReadFrom(start)
	m.mu.Unlock()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(got), "*2\r\n$6\r\nSELECT\r\n$1\r\n3\r\n"), "%q", got)
}
