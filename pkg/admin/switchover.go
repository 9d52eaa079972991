// Package admin coordinates operator-driven role changes across a
// replication group: discovering the topology, promoting a caught-up
// replica and repointing the remaining nodes at it.
package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dd0wney/cluso-kv/pkg/logging"
	"github.com/dd0wney/cluso-kv/pkg/validation"
)

var (
	// ErrNoMaster is returned when no configured node reports the master role.
	ErrNoMaster = errors.New("no master found")
	// ErrSplitBrain is returned when more than one node reports the master role.
	ErrSplitBrain = errors.New("more than one master found")
	// ErrNotCaughtUp is returned when the target did not reach the master offset in time.
	ErrNotCaughtUp = errors.New("target replica did not catch up")
)

// Switchover moves the master role of a group to one of its replicas.
type Switchover struct {
	cluster ClusterConfig
	logger  logging.Logger
	timeout time.Duration
}

// NewSwitchover creates a coordinator for cluster.
func NewSwitchover(cluster ClusterConfig, logger logging.Logger) (*Switchover, error) {
	if err := cluster.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Switchover{
		cluster: cluster,
		logger:  logger.With(logging.Component("switchover")),
		timeout: 5 * time.Second,
	}, nil
}

func (s *Switchover) dial(ctx context.Context, n NodeConfig) (*NodeClient, error) {
	return Dial(ctx, n.Addr, s.cluster.Password, s.timeout)
}

func (s *Switchover) node(name string) (NodeConfig, bool) {
	for _, n := range s.cluster.Nodes {
		if n.Name == name {
			return n, true
		}
	}
	return NodeConfig{}, false
}

// Discover queries ROLE on every node.
func (s *Switchover) Discover(ctx context.Context) (*Topology, error) {
	topo := &Topology{}
	for _, n := range s.cluster.Nodes {
		st := &NodeStatus{Node: n}
		st.Role, st.Err = s.role(ctx, n)
		switch {
		case st.Err != nil:
			s.logger.Warn("node unreachable", logging.String("node", n.Name), logging.Error(st.Err))
			topo.Down = append(topo.Down, st)
		case st.Role.Role == RoleMaster:
			if topo.Master != nil {
				return topo, fmt.Errorf("%w: %s and %s", ErrSplitBrain, topo.Master.Node.Name, n.Name)
			}
			topo.Master = st
		default:
			topo.Replicas = append(topo.Replicas, st)
		}
	}
	if topo.Master == nil {
		return topo, ErrNoMaster
	}
	return topo, nil
}

func (s *Switchover) role(ctx context.Context, n NodeConfig) (NodeRole, error) {
	c, err := s.dial(ctx, n)
	if err != nil {
		return NodeRole{}, err
	}
	defer c.Close()
	return c.Role(ctx)
}

// Plan describes a switchover before it is executed.
type Plan struct {
	Master NodeConfig
	Target NodeConfig
	Others []NodeConfig
	// Lag is the master offset minus the target offset when planned.
	Lag int64
}

// Plan picks the target: the named node, or the connected replica with the
// highest offset.
func (s *Switchover) Plan(topo *Topology, target string) (*Plan, error) {
	if topo.Master == nil {
		return nil, ErrNoMaster
	}

	var chosen *NodeStatus
	if target != "" {
		if _, ok := s.node(target); !ok {
			return nil, fmt.Errorf("unknown node %s", target)
		}
		for _, r := range topo.Replicas {
			if r.Node.Name == target {
				chosen = r
			}
		}
		if chosen == nil {
			return nil, fmt.Errorf("node %s is not a reachable replica", target)
		}
	} else {
		for _, r := range topo.Replicas {
			if r.Role.LinkState != "connected" {
				continue
			}
			if chosen == nil || r.Role.Offset > chosen.Role.Offset {
				chosen = r
			}
		}
		if chosen == nil {
			return nil, errors.New("no connected replica to promote")
		}
	}

	plan := &Plan{
		Master: topo.Master.Node,
		Target: chosen.Node,
		Lag:    topo.Master.Role.Offset - chosen.Role.Offset,
	}
	for _, r := range topo.Replicas {
		if r != chosen {
			plan.Others = append(plan.Others, r.Node)
		}
	}
	return plan, nil
}

// Steps renders the plan for a dry run.
func (p *Plan) Steps() []string {
	steps := []string{
		fmt.Sprintf("wait for %s (%s) to reach the offset of %s (lag %d bytes)", p.Target.Name, p.Target.Addr, p.Master.Name, p.Lag),
		fmt.Sprintf("promote %s with REPLICAOF NO ONE", p.Target.Name),
		fmt.Sprintf("repoint old master %s at %s", p.Master.Name, p.Target.Addr),
	}
	for _, o := range p.Others {
		steps = append(steps, fmt.Sprintf("repoint replica %s at %s", o.Name, p.Target.Addr))
	}
	return append(steps, fmt.Sprintf("wait for %s to link to %s", p.Master.Name, p.Target.Name))
}

func (p *Plan) String() string {
	var b strings.Builder
	for i, step := range p.Steps() {
		fmt.Fprintf(&b, "%d. %s\n", i+1, step)
	}
	return b.String()
}

// Execute runs plan. Writes to the old master should be stopped first;
// anything written after the target caught up is lost when the old master
// resynchronizes from the new one.
func (s *Switchover) Execute(ctx context.Context, plan *Plan, opts SwitchoverOptions) (*SwitchoverResult, error) {
	opts.SyncTimeout = validation.DefaultOrDuration(opts.SyncTimeout, 30*time.Second)
	opts.PollInterval = validation.DefaultOrDuration(opts.PollInterval, 100*time.Millisecond)

	timer := logging.StartTimer(s.logger, "switchover finished", logging.Operation("switchover"),
		logging.String("from", plan.Master.Name), logging.String("to", plan.Target.Name))
	start := time.Now()

	master, err := s.dial(ctx, plan.Master)
	if err != nil {
		timer.EndError(err)
		return nil, err
	}
	defer master.Close()
	target, err := s.dial(ctx, plan.Target)
	if err != nil {
		timer.EndError(err)
		return nil, err
	}
	defer target.Close()

	offset, err := s.waitCaughtUp(ctx, master, target, opts)
	if err != nil {
		if !opts.Force || !errors.Is(err, ErrNotCaughtUp) {
			timer.EndError(err)
			return nil, err
		}
		s.logger.Warn("promoting a replica that has not caught up", logging.Error(err))
	}

	if err := target.Promote(ctx); err != nil {
		timer.EndError(err)
		return nil, fmt.Errorf("promote %s: %w", plan.Target.Name, err)
	}
	s.logger.Info("replica promoted", logging.String("node", plan.Target.Name), logging.Offset(offset))

	ep, err := validation.ParseHostPort(plan.Target.Addr)
	if err != nil {
		timer.EndError(err)
		return nil, err
	}

	result := &SwitchoverResult{
		OldMaster: plan.Master.Name,
		NewMaster: plan.Target.Name,
		Offset:    offset,
	}

	if err := master.ReplicaOf(ctx, ep.Host, ep.Port); err != nil {
		timer.EndError(err)
		return result, fmt.Errorf("repoint %s: %w", plan.Master.Name, err)
	}
	result.Repointed = append(result.Repointed, plan.Master.Name)

	for _, o := range plan.Others {
		if err := s.repoint(ctx, o, ep); err != nil {
			s.logger.Error("failed to repoint replica",
				logging.Operation("repoint"), logging.String("node", o.Name), logging.Error(err))
			continue
		}
		result.Repointed = append(result.Repointed, o.Name)
	}

	if err := s.waitLinked(ctx, master, opts); err != nil {
		s.logger.Warn("old master has not linked to the new master yet", logging.Error(err))
	}

	result.WaitedSeconds = time.Since(start).Seconds()
	result.CompletedAt = time.Now()
	timer.End()
	return result, nil
}

func (s *Switchover) repoint(ctx context.Context, n NodeConfig, ep validation.Endpoint) error {
	c, err := s.dial(ctx, n)
	if err != nil {
		return err
	}
	defer c.Close()
	return c.ReplicaOf(ctx, ep.Host, ep.Port)
}

// waitCaughtUp polls until the target's offset reaches the master's.
func (s *Switchover) waitCaughtUp(ctx context.Context, master, target *NodeClient, opts SwitchoverOptions) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opts.SyncTimeout)
	defer cancel()

	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	var last int64
	for {
		m, err := master.Role(ctx)
		if err != nil {
			return last, caughtUpErr(ctx, err)
		}
		t, err := target.Role(ctx)
		if err != nil {
			return last, caughtUpErr(ctx, err)
		}
		last = t.Offset
		if t.LinkState == "connected" && t.Offset >= m.Offset {
			return t.Offset, nil
		}
		s.logger.Debug("waiting for target to catch up",
			logging.Int64("master_offset", m.Offset), logging.Int64("target_offset", t.Offset))

		select {
		case <-ctx.Done():
			return last, fmt.Errorf("%w: offset %d of %d", ErrNotCaughtUp, t.Offset, m.Offset)
		case <-ticker.C:
		}
	}
}

func caughtUpErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrNotCaughtUp, err)
	}
	return err
}

// waitLinked polls until c reports a connected master link.
func (s *Switchover) waitLinked(ctx context.Context, c *NodeClient, opts SwitchoverOptions) error {
	ctx, cancel := context.WithTimeout(ctx, opts.SyncTimeout)
	defer cancel()

	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	for {
		r, err := c.Role(ctx)
		if err == nil && r.Role == RoleReplica && r.LinkState == "connected" {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
