package replication

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/dd0wney/cluso-kv/pkg/logging"
	"github.com/dd0wney/cluso-kv/pkg/resp"
)

func formatInt(n int64) string {
	return strconv.FormatInt(n, 10)
}

func (c *replicaClient) connect() (linkState, error) {
	dialer := net.Dialer{Timeout: c.m.cfg.HandshakeTimeout}
	conn, err := dialer.DialContext(c.ctx, "tcp", masterAddr(c.host, c.port))
	if err != nil {
		return stateConnect, fmt.Errorf("dial master: %w", err)
	}
	c.resources.Add(conn, connResource)

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	if c.ctx.Err() != nil {
		return stateConnect, c.ctx.Err()
	}

	c.r = resp.NewReader(conn)
	c.logger.Info("connected to master")
	return stateAwaitingPing, nil
}

// roundTrip sends one handshake command and reads its reply.
func (c *replicaClient) roundTrip(args ...string) (resp.Value, error) {
	if err := c.write(resp.EncodeCommandStrings(args...)); err != nil {
		return resp.Value{}, err
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(c.m.cfg.HandshakeTimeout)); err != nil {
		return resp.Value{}, err
	}
	return c.r.ReadReply()
}

// ping checks the master is responsive. Authentication errors are
// accepted here; AUTH follows.
func (c *replicaClient) ping() (linkState, error) {
	reply, err := c.roundTrip("PING")
	if err != nil {
		return stateConnect, fmt.Errorf("ping master: %w", err)
	}
	if reply.IsError() {
		msg := reply.Text()
		if !strings.HasPrefix(msg, "NOAUTH") && !strings.HasPrefix(msg, "NOPERM") &&
			!strings.Contains(msg, "operation not permitted") {
			return stateConnect, fmt.Errorf("%w: PING: %s", ErrHandshakeRejected, msg)
		}
	}
	if c.m.cfg.MasterAuth != "" {
		return stateSendingAuth, nil
	}
	return stateSendingPort, nil
}

func (c *replicaClient) auth() (linkState, error) {
	args := []string{"AUTH"}
	if c.m.cfg.MasterUser != "" {
		args = append(args, c.m.cfg.MasterUser)
	}
	args = append(args, c.m.cfg.MasterAuth)

	reply, err := c.roundTrip(args...)
	if err != nil {
		return stateConnect, fmt.Errorf("auth: %w", err)
	}
	if reply.IsError() {
		return stateConnect, fmt.Errorf("%w: AUTH: %s", ErrHandshakeRejected, reply.Text())
	}
	return stateSendingPort, nil
}

func (c *replicaClient) sendPort() (linkState, error) {
	port := c.m.announcedPort()
	if err := c.replconf("listening-port", strconv.Itoa(port)); err != nil {
		return stateConnect, err
	}
	if c.m.cfg.AnnounceIP != "" {
		return stateSendingIP, nil
	}
	return stateSendingCapabilities, nil
}

func (c *replicaClient) sendIP() (linkState, error) {
	if err := c.replconf("ip-address", c.m.cfg.AnnounceIP); err != nil {
		return stateConnect, err
	}
	return stateSendingCapabilities, nil
}

func (c *replicaClient) sendCapabilities() (linkState, error) {
	if err := c.replconf("capa", "eof", "capa", "psync2"); err != nil {
		return stateConnect, err
	}
	return stateSendingResyncRequest, nil
}

// replconf sends one REPLCONF. Error replies are logged and ignored since
// older masters do not know every option.
func (c *replicaClient) replconf(args ...string) error {
	reply, err := c.roundTrip(append([]string{"REPLCONF"}, args...)...)
	if err != nil {
		return fmt.Errorf("replconf %s: %w", args[0], err)
	}
	if reply.IsError() {
		c.logger.Warn("master rejected REPLCONF option",
			logging.String("option", args[0]), logging.String("reply", reply.Text()))
	}
	return nil
}

// sendResyncRequest asks for a partial resync of the cached session, or
// a full one when there is none.
func (c *replicaClient) sendResyncRequest() (linkState, error) {
	replid, offset := "?", int64(-1)
	if cm, ok := c.m.CachedMaster(); ok {
		replid, offset = cm.ReplID, cm.Offset+1
		c.logger.Info("trying partial resync", logging.ReplID(replid), logging.Offset(offset))
	} else {
		c.logger.Info("requesting full resync")
	}
	if err := c.write(resp.EncodeCommandStrings("PSYNC", replid, formatInt(offset))); err != nil {
		return stateConnect, fmt.Errorf("send psync: %w", err)
	}
	return stateAwaitingResyncReply, nil
}

func (c *replicaClient) readLine(timeout time.Duration) (string, error) {
	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return "", err
		}
		line, err := c.r.ReadLine()
		if err != nil {
			return "", err
		}
		if line != "" {
			return line, nil
		}
	}
}

// awaitResyncReply interprets the PSYNC reply. Keepalive newlines the
// master sends while preparing a snapshot are skipped.
func (c *replicaClient) awaitResyncReply() (linkState, error) {
	line, err := c.readLine(c.m.cfg.HandshakeTimeout)
	if err != nil {
		return stateConnect, fmt.Errorf("read psync reply: %w", err)
	}

	switch {
	case strings.HasPrefix(line, "+FULLRESYNC"):
		fields := strings.Fields(line)
		if len(fields) != 3 || len(fields[1]) != IDLength {
			return stateConnect, fmt.Errorf("%w: malformed reply %q", ErrProtocolMismatch, line)
		}
		off, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return stateConnect, fmt.Errorf("%w: malformed reply %q", ErrProtocolMismatch, line)
		}
		c.fullID, c.fullOffset = fields[1], off
		c.m.discardCachedMaster()
		c.logger.Info("full resync", logging.ReplID(c.fullID), logging.Offset(off))
		return stateTransferringSnapshot, nil

	case strings.HasPrefix(line, "+CONTINUE"):
		newID := strings.TrimSpace(strings.TrimPrefix(line, "+CONTINUE"))
		if newID != "" && len(newID) != IDLength {
			return stateConnect, fmt.Errorf("%w: malformed reply %q", ErrProtocolMismatch, line)
		}
		cm, err := c.m.resumeFromCache(newID)
		if err != nil {
			return stateConnect, err
		}
		c.db = cm.DB
		c.logger.Info("partial resync accepted", logging.Offset(cm.Offset+1))
		return stateStreaming, nil

	case strings.HasPrefix(line, "-NOMASTERLINK"), strings.HasPrefix(line, "-LOADING"):
		return stateConnect, fmt.Errorf("master not ready: %s", line[1:])

	case strings.HasPrefix(line, "-"):
		c.logger.Warn("master does not support PSYNC, falling back to SYNC", logging.String("reply", line[1:]))
		c.m.discardCachedMaster()
		if err := c.write(resp.EncodeCommandStrings("SYNC")); err != nil {
			return stateConnect, fmt.Errorf("send sync: %w", err)
		}
		c.legacy = true
		c.fullID, c.fullOffset = "", -1
		return stateTransferringSnapshot, nil

	default:
		return stateConnect, fmt.Errorf("%w: unexpected reply %q", ErrProtocolMismatch, line)
	}
}

// resumeFromCache continues the cached session after +CONTINUE. When the
// master announces a new replication ID the old one stays valid as the
// secondary ID and sub-replicas are disconnected so they resync against
// the new history.
func (m *Manager) resumeFromCache(newID string) (CachedMaster, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cached == nil {
		return CachedMaster{}, fmt.Errorf("%w: +CONTINUE without a cached master", ErrProtocolMismatch)
	}
	cm := *m.cached
	m.cached = nil
	m.lastDB = cm.DB

	if newID != "" && newID != cm.ReplID {
		m.ident.SecondaryID = cm.ReplID
		m.ident.SecondaryOffset = m.offset + 1
		m.ident.ID = newID
		m.logger.Info("master replication id changed",
			logging.ReplID(newID), logging.String("previous", cm.ReplID))
		m.disconnectReplicasLocked("master replication id changed")
	}
	if m.backlog == nil {
		m.newBacklogLocked()
	}
	return cm, nil
}
