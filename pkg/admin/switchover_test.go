package admin

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-kv/pkg/replication"
	"github.com/dd0wney/cluso-kv/pkg/resp"
	"github.com/dd0wney/cluso-kv/pkg/server"
	"github.com/dd0wney/cluso-kv/pkg/validation"
)

func startNode(t *testing.T) *server.Server {
	t.Helper()
	repl := replication.DefaultConfig()
	repl.SnapshotDir = t.TempDir()
	repl.PingPeriod = time.Hour
	repl.ReconnectDelay = 20 * time.Millisecond
	repl.Timeout = 5 * time.Second

	s, err := server.New(server.Config{Addr: "127.0.0.1:0"}, server.Options{Replication: repl})
	require.NoError(t, err)
	require.NoError(t, s.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Serve(ctx)
	}()
	t.Cleanup(func() {
		s.Close()
		cancel()
		<-done
	})
	return s
}

func dialNode(t *testing.T, addr string) *NodeClient {
	t.Helper()
	c, err := Dial(context.Background(), addr, "", 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitLinked(t *testing.T, c *NodeClient) {
	t.Helper()
	require.Eventually(t, func() bool {
		r, err := c.Role(context.Background())
		return err == nil && r.Role == RoleReplica && r.LinkState == "connected"
	}, 10*time.Second, 20*time.Millisecond)
}

func follow(t *testing.T, c *NodeClient, master string) {
	t.Helper()
	ep, err := validation.ParseHostPort(master)
	require.NoError(t, err)
	require.NoError(t, c.ReplicaOf(context.Background(), ep.Host, ep.Port))
	waitLinked(t, c)
}

func TestParseRole(t *testing.T) {
	master := resp.Value{Kind: resp.Array, Array: []resp.Value{
		{Kind: resp.BulkString, Bulk: []byte("master")},
		{Kind: resp.Integer, Int: 42},
		{Kind: resp.Array, Array: []resp.Value{
			{Kind: resp.Array, Array: []resp.Value{
				{Kind: resp.BulkString, Bulk: []byte("10.0.0.2")},
				{Kind: resp.BulkString, Bulk: []byte("7380")},
				{Kind: resp.BulkString, Bulk: []byte("40")},
			}},
		}},
	}}
	role, err := parseRole(master)
	require.NoError(t, err)
	assert.Equal(t, RoleMaster, role.Role)
	assert.Equal(t, int64(42), role.Offset)
	require.Len(t, role.Replicas, 1)
	assert.Equal(t, ReplicaRole{Host: "10.0.0.2", Port: 7380, Offset: 40}, role.Replicas[0])

	replica := resp.Value{Kind: resp.Array, Array: []resp.Value{
		{Kind: resp.BulkString, Bulk: []byte("slave")},
		{Kind: resp.BulkString, Bulk: []byte("10.0.0.1")},
		{Kind: resp.Integer, Int: 7379},
		{Kind: resp.BulkString, Bulk: []byte("connected")},
		{Kind: resp.Integer, Int: 42},
	}}
	role, err = parseRole(replica)
	require.NoError(t, err)
	assert.Equal(t, RoleReplica, role.Role)
	assert.Equal(t, "10.0.0.1", role.MasterHost)
	assert.Equal(t, 7379, role.MasterPort)
	assert.Equal(t, "connected", role.LinkState)

	_, err = parseRole(resp.Value{Kind: resp.Array})
	assert.Error(t, err)
	_, err = parseRole(resp.Value{Kind: resp.Array, Array: []resp.Value{{Kind: resp.BulkString, Bulk: []byte("sentinel")}}})
	assert.Error(t, err)
}

func TestClusterConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cluster ClusterConfig
		wantErr bool
	}{
		{"valid", ClusterConfig{Nodes: []NodeConfig{{"a", "127.0.0.1:7379"}, {"b", "127.0.0.1:7380"}}}, false},
		{"single node", ClusterConfig{Nodes: []NodeConfig{{"a", "127.0.0.1:7379"}}}, true},
		{"duplicate name", ClusterConfig{Nodes: []NodeConfig{{"a", "127.0.0.1:7379"}, {"a", "127.0.0.1:7380"}}}, true},
		{"bad address", ClusterConfig{Nodes: []NodeConfig{{"a", "127.0.0.1"}, {"b", "127.0.0.1:7380"}}}, true},
		{"missing name", ClusterConfig{Nodes: []NodeConfig{{"", "127.0.0.1:7379"}, {"b", "127.0.0.1:7380"}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cluster.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadCluster(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cluster.yaml")
	doc := "password: pw\nnodes:\n  - name: a\n    addr: 127.0.0.1:7379\n  - name: b\n    addr: 127.0.0.1:7380\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cluster, err := LoadCluster(path)
	require.NoError(t, err)
	assert.Equal(t, "pw", cluster.Password)
	require.Len(t, cluster.Nodes, 2)
	assert.Equal(t, "b", cluster.Nodes[1].Name)
}

func TestSwitchover_PromotesCaughtUpReplica(t *testing.T) {
	a, b, c := startNode(t), startNode(t), startNode(t)
	ca, cb, cc := dialNode(t, a.Addr()), dialNode(t, b.Addr()), dialNode(t, c.Addr())
	ctx := context.Background()

	follow(t, cb, a.Addr())
	follow(t, cc, a.Addr())
	for _, k := range []string{"k1", "k2", "k3"} {
		_, err := ca.Do(ctx, "SET", k, "v")
		require.NoError(t, err)
	}

	sw, err := NewSwitchover(ClusterConfig{Nodes: []NodeConfig{
		{Name: "a", Addr: a.Addr()},
		{Name: "b", Addr: b.Addr()},
		{Name: "c", Addr: c.Addr()},
	}}, nil)
	require.NoError(t, err)

	topo, err := sw.Discover(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", topo.Master.Node.Name)
	assert.Len(t, topo.Replicas, 2)

	plan, err := sw.Plan(topo, "b")
	require.NoError(t, err)
	assert.Equal(t, "b", plan.Target.Name)
	require.Len(t, plan.Others, 1)
	assert.Equal(t, "c", plan.Others[0].Name)
	assert.Contains(t, plan.String(), "promote b")

	res, err := sw.Execute(ctx, plan, SwitchoverOptions{SyncTimeout: 10 * time.Second, PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, "b", res.NewMaster)
	assert.ElementsMatch(t, []string{"a", "c"}, res.Repointed)

	role, err := cb.Role(ctx)
	require.NoError(t, err)
	assert.Equal(t, RoleMaster, role.Role)
	waitLinked(t, ca)
	waitLinked(t, cc)

	// The old master resumed from the new master's history.
	_, err = cb.Do(ctx, "SET", "after", "x")
	require.NoError(t, err)
	for _, n := range []*server.Server{a, c} {
		n := n
		require.Eventually(t, func() bool {
			v, ok := n.Keyspace().Get(0, "after")
			return ok && string(v) == "x"
		}, 5*time.Second, 10*time.Millisecond)
		_, ok := n.Keyspace().Get(0, "k3")
		assert.True(t, ok)
	}

	topo, err = sw.Discover(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", topo.Master.Node.Name)
}

func TestSwitchover_PlanErrors(t *testing.T) {
	a, b := startNode(t), startNode(t)
	sw, err := NewSwitchover(ClusterConfig{Nodes: []NodeConfig{
		{Name: "a", Addr: a.Addr()},
		{Name: "b", Addr: b.Addr()},
	}}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	// Two independent masters.
	_, err = sw.Discover(ctx)
	assert.ErrorIs(t, err, ErrSplitBrain)

	follow(t, dialNode(t, b.Addr()), a.Addr())
	topo, err := sw.Discover(ctx)
	require.NoError(t, err)

	_, err = sw.Plan(topo, "a")
	assert.Error(t, err)
	_, err = sw.Plan(topo, "zzz")
	assert.Error(t, err)

	plan, err := sw.Plan(topo, "")
	require.NoError(t, err)
	assert.Equal(t, "b", plan.Target.Name)
}
