package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/dd0wney/cluso-kv/pkg/resp"
)

// ReplyError is an error reply returned by a node.
type ReplyError string

func (e ReplyError) Error() string { return string(e) }

// NodeClient issues administrative commands to one node.
type NodeClient struct {
	addr    string
	timeout time.Duration

	mu   sync.Mutex
	conn net.Conn
	r    *resp.Reader
	w    *resp.Writer
}

// Dial connects to addr and authenticates when password is set.
func Dial(ctx context.Context, addr, password string, timeout time.Duration) (*NodeClient, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	c := &NodeClient{
		addr:    addr,
		timeout: timeout,
		conn:    conn,
		r:       resp.NewReader(conn),
		w:       resp.NewWriter(conn),
	}
	if password != "" {
		if _, err := c.Do(ctx, "AUTH", password); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("auth %s: %w", addr, err)
		}
	}
	return c, nil
}

// Addr returns the node address.
func (c *NodeClient) Addr() string {
	return c.addr
}

// Do sends one command and reads its reply. Error replies are returned
// as ReplyError.
func (c *NodeClient) Do(ctx context.Context, args ...string) (resp.Value, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return resp.Value{}, err
	}
	if err := c.w.WriteCommand(args...); err != nil {
		return resp.Value{}, err
	}
	if err := c.w.Flush(); err != nil {
		return resp.Value{}, err
	}
	v, err := c.r.ReadReply()
	if err != nil {
		return resp.Value{}, err
	}
	if v.IsError() {
		return v, ReplyError(v.Str)
	}
	return v, nil
}

// Role queries ROLE.
func (c *NodeClient) Role(ctx context.Context) (NodeRole, error) {
	v, err := c.Do(ctx, "ROLE")
	if err != nil {
		return NodeRole{}, err
	}
	return parseRole(v)
}

// ReplicaOf points the node at a new master.
func (c *NodeClient) ReplicaOf(ctx context.Context, host string, port int) error {
	_, err := c.Do(ctx, "REPLICAOF", host, strconv.Itoa(port))
	return err
}

// Promote turns the node into a master.
func (c *NodeClient) Promote(ctx context.Context) error {
	_, err := c.Do(ctx, "REPLICAOF", "NO", "ONE")
	return err
}

// Close closes the connection.
func (c *NodeClient) Close() error {
	return c.conn.Close()
}

var errBadRole = errors.New("malformed ROLE reply")

func parseRole(v resp.Value) (NodeRole, error) {
	if v.Kind != resp.Array || len(v.Array) == 0 {
		return NodeRole{}, errBadRole
	}
	items := v.Array
	switch items[0].Text() {
	case "master":
		if len(items) != 3 {
			return NodeRole{}, errBadRole
		}
		role := NodeRole{Role: RoleMaster, Offset: items[1].Int}
		for _, r := range items[2].Array {
			if len(r.Array) != 3 {
				return NodeRole{}, errBadRole
			}
			port, _ := strconv.Atoi(r.Array[1].Text())
			off, err := strconv.ParseInt(r.Array[2].Text(), 10, 64)
			if err != nil {
				return NodeRole{}, errBadRole
			}
			role.Replicas = append(role.Replicas, ReplicaRole{Host: r.Array[0].Text(), Port: port, Offset: off})
		}
		return role, nil
	case "slave":
		if len(items) != 5 {
			return NodeRole{}, errBadRole
		}
		return NodeRole{
			Role:       RoleReplica,
			MasterHost: items[1].Text(),
			MasterPort: int(items[2].Int),
			LinkState:  items[3].Text(),
			Offset:     items[4].Int,
		}, nil
	default:
		return NodeRole{}, fmt.Errorf("%w: unknown role %q", errBadRole, items[0].Text())
	}
}
