package admin

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dd0wney/cluso-kv/pkg/validation"
)

// Node roles as reported by ROLE.
const (
	RoleMaster  = "master"
	RoleReplica = "slave"
)

// ClusterConfig lists the nodes of one replication group.
type ClusterConfig struct {
	Password string       `yaml:"password"`
	Nodes    []NodeConfig `yaml:"nodes"`
}

// NodeConfig represents a single node configuration
type NodeConfig struct {
	Name string `yaml:"name"`
	Addr string `yaml:"addr"`
}

// LoadCluster reads a cluster file.
func LoadCluster(path string) (ClusterConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ClusterConfig{}, err
	}

	var config ClusterConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return ClusterConfig{}, err
	}
	return config, config.Validate()
}

// Validate checks that every node has a unique name and a valid address.
func (c ClusterConfig) Validate() error {
	v := validation.NewConfigValidator("ClusterConfig")
	v.Custom("Nodes", func() error {
		if len(c.Nodes) < 2 {
			return fmt.Errorf("at least two nodes are required")
		}
		seen := make(map[string]bool, len(c.Nodes))
		for _, n := range c.Nodes {
			if n.Name == "" {
				return fmt.Errorf("node %s has no name", n.Addr)
			}
			if seen[n.Name] {
				return fmt.Errorf("duplicate node name %s", n.Name)
			}
			seen[n.Name] = true
			if _, err := validation.ParseHostPort(n.Addr); err != nil {
				return fmt.Errorf("node %s: %w", n.Name, err)
			}
		}
		return nil
	})
	return v.Validate()
}

// NodeRole is a parsed ROLE reply.
type NodeRole struct {
	Role   string
	Offset int64

	// Replica side
	MasterHost string
	MasterPort int
	LinkState  string

	// Master side
	Replicas []ReplicaRole
}

// ReplicaRole is one replica listed by a master.
type ReplicaRole struct {
	Host   string
	Port   int
	Offset int64
}

// NodeStatus is the observed state of one configured node.
type NodeStatus struct {
	Node NodeConfig
	Role NodeRole
	Err  error
}

// Topology is the observed state of a cluster.
type Topology struct {
	Master   *NodeStatus
	Replicas []*NodeStatus
	Down     []*NodeStatus
}

// SwitchoverOptions tunes Execute.
type SwitchoverOptions struct {
	// SyncTimeout bounds the wait for the target to catch up.
	SyncTimeout time.Duration
	// PollInterval is how often ROLE is polled.
	PollInterval time.Duration
	// Force promotes the target even if it did not catch up in time.
	Force bool
}

// SwitchoverResult reports a completed switchover.
type SwitchoverResult struct {
	OldMaster     string
	NewMaster     string
	Repointed     []string
	Offset        int64
	WaitedSeconds float64
	CompletedAt   time.Time
}
