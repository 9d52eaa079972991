package replication

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-kv/pkg/events"
	"github.com/dd0wney/cluso-kv/pkg/storage"
)

type testManager struct {
	*Manager
	data   *storage.Keyspace
	events *events.Recorder
}

func newTestManager(t *testing.T, mutate func(*Config)) *testManager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SnapshotDir = t.TempDir()
	if mutate != nil {
		mutate(&cfg)
	}
	data := storage.NewKeyspace(16)
	rec := events.NewRecorder(256)
	m, err := NewManager(Options{Config: cfg, Dataset: data, Scripts: data, Events: rec})
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return &testManager{Manager: m, data: data, events: rec}
}

func (tm *testManager) withBacklog() *testManager {
	tm.mu.Lock()
	tm.newBacklogLocked()
	tm.mu.Unlock()
	return tm
}

// attachOnline registers an online replica that is not served by any
// goroutine. The peer end of its connection is returned.
func (tm *testManager) attachOnline(t *testing.T, port int) (*replicaHandle, net.Conn) {
	t.Helper()
	local, peer := net.Pipe()
	t.Cleanup(func() { _ = peer.Close() })

	h := newReplicaHandle(tm.Manager, local, nil, ReplicaOptions{ListeningPort: port, AnnouncedIP: "127.0.0.1"})
	tm.mu.Lock()
	h.state = StateOnline
	h.ackTime = time.Now()
	tm.handles = append(tm.handles, h)
	tm.mu.Unlock()
	return h, peer
}

func (tm *testManager) waitEvent(t *testing.T, typ events.Type) events.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-tm.events.Events():
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", typ)
			return events.Event{}
		}
	}
}

func TestNewManager_StartsAsMasterWithoutBacklog(t *testing.T) {
	m := newTestManager(t, nil)
	require.True(t, m.IsMaster())
	require.Len(t, m.Identity().ID, IDLength)
	require.Zero(t, m.Offset())

	m.mu.Lock()
	defer m.mu.Unlock()
	require.Nil(t, m.backlog)
	require.Equal(t, -1, m.lastDB)
}

func TestNewManager_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MasterUser = "repl"
	_, err := NewManager(Options{Config: cfg, Dataset: storage.NewKeyspace(1)})
	require.Error(t, err)
}

func TestManager_SetBacklogSize(t *testing.T) {
	tm := newTestManager(t, nil)
	require.Error(t, tm.SetBacklogSize(8))

	require.NoError(t, tm.SetBacklogSize(2048))
	assert.Equal(t, 2048, tm.Config().BacklogSize)

	tm.withBacklog()
	tm.Propagate(0, [][]byte{[]byte("SET"), []byte("a"), []byte("b")})
	off := tm.Offset()

	require.NoError(t, tm.SetBacklogSize(4096))
	tm.mu.Lock()
	defer tm.mu.Unlock()
	assert.Equal(t, 4096, tm.backlog.Capacity())
	assert.Equal(t, off+1, tm.backlog.FirstByteOffset())
	assert.False(t, tm.backlog.Contains(1))
}
