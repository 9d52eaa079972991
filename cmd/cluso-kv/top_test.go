package main

import (
	"context"
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-kv/pkg/admin"
)

type fakeSource struct {
	topo *admin.Topology
	err  error
}

func (f fakeSource) Discover(context.Context) (*admin.Topology, error) {
	return f.topo, f.err
}

func sampleTopology() *admin.Topology {
	return &admin.Topology{
		Master: &admin.NodeStatus{
			Node: admin.NodeConfig{Name: "node-a", Addr: "10.0.0.1:6379"},
			Role: admin.NodeRole{Role: admin.RoleMaster, Offset: 500, Replicas: []admin.ReplicaRole{
				{Host: "10.0.0.2", Port: 6379, Offset: 480},
			}},
		},
		Replicas: []*admin.NodeStatus{{
			Node: admin.NodeConfig{Name: "node-b", Addr: "10.0.0.2:6379"},
			Role: admin.NodeRole{Role: admin.RoleReplica, Offset: 480, MasterHost: "10.0.0.1", MasterPort: 6379, LinkState: "connected"},
		}},
		Down: []*admin.NodeStatus{{
			Node: admin.NodeConfig{Name: "node-c", Addr: "10.0.0.3:6379"},
			Err:  errors.New("connection refused"),
		}},
	}
}

func update(t *testing.T, m topModel, msg tea.Msg) (topModel, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	tm, ok := next.(topModel)
	require.True(t, ok)
	return tm, cmd
}

func TestTopModel_RefreshFillsTables(t *testing.T) {
	src := fakeSource{topo: sampleTopology()}
	m := newTopModel(src, time.Second)

	msg := m.refresh()()
	m, _ = update(t, m, msg)

	rows := m.nodes.Rows()
	require.Len(t, rows, 3)
	assert.Equal(t, "master", rows[0][2])
	assert.Equal(t, "replica of 10.0.0.1:6379", rows[1][2])
	assert.Equal(t, "20", rows[1][4])
	assert.Equal(t, "connected", rows[1][5])
	assert.Equal(t, "down", rows[2][2])

	reps := m.replicas.Rows()
	require.Len(t, reps, 1)
	assert.Equal(t, "10.0.0.2:6379", reps[0][0])
	assert.Equal(t, "20", reps[0][2])

	assert.Contains(t, m.View(), "master node-a, 1 replicas, 1 down")
}

func TestTopModel_ShowsDiscoveryError(t *testing.T) {
	topo := sampleTopology()
	topo.Master = nil
	m := newTopModel(fakeSource{topo: topo, err: admin.ErrNoMaster}, time.Second)

	m, _ = update(t, m, m.refresh()())
	assert.Contains(t, m.View(), admin.ErrNoMaster.Error())
	assert.Empty(t, m.replicas.Rows())
	require.Len(t, m.nodes.Rows(), 2)
	assert.Equal(t, "-", m.nodes.Rows()[0][4], "no master to measure lag against")
}

func TestTopModel_Keys(t *testing.T) {
	m := newTopModel(fakeSource{topo: sampleTopology()}, time.Second)

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyTab})
	assert.Equal(t, replicasView, m.current)
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyTab})
	assert.Equal(t, topologyView, m.current)
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyShiftTab})
	assert.Equal(t, replicasView, m.current)

	_, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	require.NotNil(t, cmd)
	_, ok := cmd().(topoMsg)
	assert.True(t, ok)

	_, cmd = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}

func TestTopModel_InitialView(t *testing.T) {
	m := newTopModel(fakeSource{}, time.Second)
	assert.NotNil(t, m.Init())
	assert.Contains(t, m.View(), "discovering...")
}
