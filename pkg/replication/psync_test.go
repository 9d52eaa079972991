package replication

import (
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-kv/pkg/events"
	"github.com/dd0wney/cluso-kv/pkg/resp"
)

func TestReplicaOptions_Apply(t *testing.T) {
	var o ReplicaOptions
	require.NoError(t, o.Apply(resp.Args(
		"listening-port", "6380",
		"ip-address", "10.0.0.7",
		"capa", "eof",
		"CAPA", "psync2",
		"capa", "unknown-capability",
	)))
	assert.Equal(t, ReplicaOptions{ListeningPort: 6380, AnnouncedIP: "10.0.0.7", CapaEOF: true, CapaPSYNC2: true}, o)
}

func TestReplicaOptions_ApplyErrors(t *testing.T) {
	tests := []struct {
		name  string
		pairs []string
		want  error
	}{
		{"odd pairs", []string{"listening-port"}, ErrReplconfSyntax},
		{"bad port", []string{"listening-port", "http"}, ErrReplconfOption},
		{"port out of range", []string{"listening-port", "70000"}, ErrReplconfOption},
		{"bad ip", []string{"ip-address", "not an ip"}, ErrReplconfOption},
		{"unknown option", []string{"rdb-only", "1"}, ErrReplconfOption},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var o ReplicaOptions
			err := o.Apply(resp.Args(tt.pairs...))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

// syncPipe issues args against m over an in-memory connection and returns
// the replica's end.
func syncPipe(t *testing.T, m *testManager, opts ReplicaOptions, args ...string) (*resp.Reader, net.Conn, error) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })
	_ = client.SetDeadline(time.Now().Add(5 * time.Second))

	err := m.Sync(server, resp.NewReader(server), opts, resp.Args(args...))
	if err != nil {
		_ = server.Close()
	}
	return resp.NewReader(client), client, err
}

func TestSync_PartialResyncFromBacklog(t *testing.T) {
	m := newTestManager(t, nil).withBacklog()
	m.Propagate(0, resp.Args("SET", "a", "1"))
	from := m.Offset() + 1
	m.Propagate(0, resp.Args("SET", "b", "2"))

	r, client, err := syncPipe(t, m, ReplicaOptions{CapaPSYNC2: true, ListeningPort: 7001},
		"PSYNC", m.Identity().ID, itoa64(from))
	require.NoError(t, err)

	line, err := r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "+CONTINUE "+m.Identity().ID, line)

	want := resp.EncodeCommandStrings("SET", "b", "2")
	got := make([]byte, len(want))
	_, err = io.ReadFull(r, got)
	require.NoError(t, err)
	assert.Equal(t, string(want), string(got))

	ev := m.waitEvent(t, events.PartialSync)
	assert.Equal(t, itoa64(int64(len(want))), ev.Detail)

	_, err = client.Write(resp.EncodeCommandStrings("REPLCONF", "ACK", itoa64(m.Offset())))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		reps := m.Status().Replicas
		return len(reps) == 1 && reps[0].AckOffset == m.Offset()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSync_ContinueWithoutPSYNC2OmitsID(t *testing.T) {
	m := newTestManager(t, nil).withBacklog()
	m.Propagate(0, resp.Args("SET", "a", "1"))

	r, _, err := syncPipe(t, m, ReplicaOptions{}, "PSYNC", m.Identity().ID, itoa64(m.Offset()+1))
	require.NoError(t, err)
	line, err := r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "+CONTINUE", line)
}

func TestSync_FallsBackToFullResync(t *testing.T) {
	tests := []struct {
		name   string
		replid func(m *testManager) string
		offset func(m *testManager) int64
	}{
		{"unknown history", func(*testManager) string { return "?" }, func(*testManager) int64 { return -1 }},
		{"id mismatch", func(*testManager) string { return NewReplID() }, func(m *testManager) int64 { return m.Offset() + 1 }},
		{"offset before backlog", func(m *testManager) string { return m.Identity().ID }, func(*testManager) int64 { return 1 }},
		{"offset ahead", func(m *testManager) string { return m.Identity().ID }, func(m *testManager) int64 { return m.Offset() + 100 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t, nil)
			m.Propagate(0, resp.Args("SET", "a", "1"))
			m.withBacklog()
			m.Propagate(0, resp.Args("SET", "b", "2"))

			_, _, err := syncPipe(t, m, ReplicaOptions{}, "PSYNC", tt.replid(m), itoa64(tt.offset(m)))
			require.NoError(t, err)

			st := m.Status()
			require.Len(t, st.Replicas, 1)
			assert.Equal(t, StateAwaitingSnapshotStart, st.Replicas[0].State)
			ev := m.waitEvent(t, events.ReplicaAttached)
			assert.Equal(t, "full", ev.Detail)
		})
	}
}

func TestSync_FullResyncCreatesBacklogAndNewHistory(t *testing.T) {
	m := newTestManager(t, nil)
	m.Propagate(0, resp.Args("SET", "a", "1"))
	before := m.Identity()

	_, _, err := syncPipe(t, m, ReplicaOptions{}, "PSYNC", "?", "-1")
	require.NoError(t, err)

	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotNil(t, m.backlog)
	assert.Equal(t, m.offset+1, m.backlog.FirstByteOffset())
	assert.NotEqual(t, before.ID, m.ident.ID, "a master without backlog cannot prove contiguity")
}

func TestSync_Rejections(t *testing.T) {
	t.Run("argument count", func(t *testing.T) {
		m := newTestManager(t, nil)
		_, _, err := syncPipe(t, m, ReplicaOptions{}, "PSYNC", "?")
		assert.Error(t, err)
	})
	t.Run("bad offset", func(t *testing.T) {
		m := newTestManager(t, nil)
		_, _, err := syncPipe(t, m, ReplicaOptions{}, "PSYNC", "?", "x")
		assert.Error(t, err)
	})
	t.Run("replica without link", func(t *testing.T) {
		m := newTestManager(t, nil)
		m.mu.Lock()
		m.role = RoleReplica
		m.mu.Unlock()
		_, _, err := syncPipe(t, m, ReplicaOptions{}, "PSYNC", "?", "-1")
		assert.ErrorIs(t, err, ErrNoMasterLink)
	})
	t.Run("too many replicas", func(t *testing.T) {
		m := newTestManager(t, func(c *Config) { c.MaxReplicas = 1 })
		m.attachOnline(t, 7001)
		_, _, err := syncPipe(t, m, ReplicaOptions{}, "SYNC")
		assert.ErrorIs(t, err, ErrTooManyReplicas)
	})
	t.Run("stopped", func(t *testing.T) {
		m := newTestManager(t, nil)
		m.Stop()
		_, _, err := syncPipe(t, m, ReplicaOptions{}, "SYNC")
		assert.ErrorIs(t, err, ErrStopped)
	})
}

func itoa64(n int64) string {
	return strconv.FormatInt(n, 10)
}
