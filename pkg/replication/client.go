package replication

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dd0wney/cluso-kv/pkg/events"
	"github.com/dd0wney/cluso-kv/pkg/logging"
	"github.com/dd0wney/cluso-kv/pkg/resp"
	"golang.org/x/time/rate"
)

// linkState is the state of the replica side of a master link.
type linkState int32

const (
	stateConnect linkState = iota
	stateConnecting
	stateAwaitingPing
	stateSendingAuth
	stateSendingPort
	stateSendingIP
	stateSendingCapabilities
	stateSendingResyncRequest
	stateAwaitingResyncReply
	stateTransferringSnapshot
	stateApplyingSnapshot
	stateStreaming
)

var linkStateNames = map[linkState]string{
	stateConnect:              "connect",
	stateConnecting:           "connecting",
	stateAwaitingPing:         "awaiting_ping",
	stateSendingAuth:          "sending_auth",
	stateSendingPort:          "sending_port",
	stateSendingIP:            "sending_ip",
	stateSendingCapabilities:  "sending_capa",
	stateSendingResyncRequest: "sending_psync",
	stateAwaitingResyncReply:  "awaiting_psync_reply",
	stateTransferringSnapshot: "transfer",
	stateApplyingSnapshot:     "loading",
	stateStreaming:            "connected",
}

func (s linkState) String() string {
	if name, ok := linkStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// publicName is the coarse state reported by ROLE.
func (s linkState) publicName() string {
	switch {
	case s == stateConnect:
		return "connect"
	case s == stateConnecting:
		return "connecting"
	case s < stateTransferringSnapshot:
		return "handshake"
	case s < stateStreaming:
		return "sync"
	default:
		return "connected"
	}
}

// linkTransitions maps each state to the step that performs it and
// returns the next state. Any error resets the link to stateConnect.
var linkTransitions = map[linkState]func(*replicaClient) (linkState, error){
	stateConnect:              (*replicaClient).waitReconnect,
	stateConnecting:           (*replicaClient).connect,
	stateAwaitingPing:         (*replicaClient).ping,
	stateSendingAuth:          (*replicaClient).auth,
	stateSendingPort:          (*replicaClient).sendPort,
	stateSendingIP:            (*replicaClient).sendIP,
	stateSendingCapabilities:  (*replicaClient).sendCapabilities,
	stateSendingResyncRequest: (*replicaClient).sendResyncRequest,
	stateAwaitingResyncReply:  (*replicaClient).awaitResyncReply,
	stateTransferringSnapshot: (*replicaClient).transferSnapshot,
	stateApplyingSnapshot:     (*replicaClient).applySnapshot,
	stateStreaming:            (*replicaClient).stream,
}

const (
	connResource     = "master-conn"
	snapshotResource = "snapshot-file"
)

// replicaClient drives one master link from a single goroutine.
type replicaClient struct {
	m      *Manager
	host   string
	port   int
	logger logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	state  atomic.Int32

	connMu sync.Mutex
	conn   net.Conn
	r      *resp.Reader
	wmu    sync.Mutex

	resources *ResourceCleanup
	retry     bool

	// negotiated by the resync reply
	fullID     string
	fullOffset int64
	legacy     bool
	payload    io.Reader
	db         int

	loadKeepalive *rate.Limiter
}

func newReplicaClient(m *Manager, host string, port int) *replicaClient {
	ctx, cancel := context.WithCancel(context.Background())
	logger := m.logger.With(logging.Component("replica-link"), logging.Addr(masterAddr(host, port)))
	return &replicaClient{
		m:             m,
		host:          host,
		port:          port,
		logger:        logger,
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
		resources:     NewResourceCleanup(logger),
		loadKeepalive: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

func (c *replicaClient) getState() linkState {
	return linkState(c.state.Load())
}

func (c *replicaClient) setState(s linkState) {
	if prev := linkState(c.state.Swap(int32(s))); prev != s {
		c.logger.Debug("link state changed", logging.State(s.String()))
	}
}

func (c *replicaClient) start() {
	go c.run()
}

// stop cancels the link and waits for its goroutine.
func (c *replicaClient) stop() {
	c.cancel()
	c.connMu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.connMu.Unlock()
	<-c.done
}

func (c *replicaClient) run() {
	defer close(c.done)

	for c.ctx.Err() == nil {
		st := c.getState()
		next, err := linkTransitions[st](c)
		if err != nil {
			c.fail(st, err)
			continue
		}
		c.setState(next)
	}
	c.resources.Cleanup()
}

// fail tears down the current attempt and schedules a reconnect.
func (c *replicaClient) fail(st linkState, err error) {
	if c.ctx.Err() != nil {
		c.logger.Debug("master link stopped", logging.State(st.String()))
	} else {
		c.logger.Warn("master link failed", logging.State(st.String()), logging.Error(err))
	}
	if st == stateStreaming {
		c.m.linkLost(c.db, c.legacy)
	}
	if errors.Is(err, ErrProtocolMismatch) {
		c.m.discardCachedMaster()
	}

	c.resources.Cleanup()
	c.connMu.Lock()
	c.conn = nil
	c.connMu.Unlock()
	c.r = nil
	c.payload = nil
	c.legacy = false
	c.retry = true
	c.setState(stateConnect)
}

func (c *replicaClient) waitReconnect() (linkState, error) {
	if c.retry {
		t := time.NewTimer(c.m.cfg.ReconnectDelay)
		defer t.Stop()
		select {
		case <-c.ctx.Done():
			return stateConnect, c.ctx.Err()
		case <-t.C:
		}
	}
	return stateConnecting, nil
}

func (c *replicaClient) write(p []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.m.cfg.Timeout)); err != nil {
		return err
	}
	_, err := c.conn.Write(p)
	return err
}

func (c *replicaClient) sendAck() error {
	off := c.m.Offset()
	return c.write(resp.EncodeCommandStrings("REPLCONF", "ACK", formatInt(off)))
}

// linkLost records the end of a streaming session. Unless the session
// came from a legacy SYNC it is cached for a later partial resync.
func (m *Manager) linkLost(db int, legacy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.linkUp = false
	if m.role == RoleReplica && !legacy {
		m.cacheMasterLocked(db)
	}
	m.metrics.SetLinkUp(false)
	m.publish(events.LinkDown, "", "")
}

func (m *Manager) setLinkUp() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.linkUp = true
	m.metrics.SetLinkUp(true)
	m.publish(events.LinkUp, "", masterAddr(m.masterHost, m.masterPort))
}
