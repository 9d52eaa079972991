package server

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/dd0wney/cluso-kv/pkg/replication"
)

// cmdReplconf records replica options. ACK and GETACK are handled by the
// replication layer once the connection is a replica link, so here they
// are accepted silently.
func cmdReplconf(_ *Server, c *client, args [][]byte) error {
	switch strings.ToUpper(string(args[1])) {
	case "ACK", "GETACK":
		return nil
	}
	if err := c.replica.Apply(args[1:]); err != nil {
		if errors.Is(err, replication.ErrReplconfSyntax) {
			return errSyntax
		}
		return err
	}
	return c.w.WriteSimple("OK")
}

// cmdSync hands the connection to the replication layer.
func cmdSync(s *Server, c *client, args [][]byte) error {
	if err := c.w.Flush(); err != nil {
		return err
	}
	err := s.repl.Sync(c.conn, c.r, c.replica, args)
	switch {
	case err == nil:
		c.handedOff = true
		return nil
	case errors.Is(err, replication.ErrNoMasterLink):
		return errNoMasterLnk
	default:
		return err
	}
}

func cmdReplicaOf(s *Server, c *client, args [][]byte) error {
	host, port := string(args[1]), string(args[2])
	if strings.EqualFold(host, "no") && strings.EqualFold(port, "one") {
		if err := s.repl.PromoteToMaster(); err != nil {
			return err
		}
		return c.w.WriteSimple("OK")
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return replyError("ERR Invalid master port")
	}
	if err := s.repl.ReplicaOf(host, p); err != nil {
		return err
	}
	return c.w.WriteSimple("OK")
}

func cmdRole(s *Server, c *client, _ [][]byte) error {
	return writeReply(c.w, s.repl.Role())
}

// cmdWait blocks until numreplicas replicas acknowledged the client's last
// write or the timeout in milliseconds elapses.
func cmdWait(s *Server, c *client, args [][]byte) error {
	n, err := strconv.Atoi(string(args[1]))
	if err != nil {
		return errNotInteger
	}
	ms, err := strconv.ParseInt(string(args[2]), 10, 64)
	if err != nil || ms < 0 {
		return replyError("ERR timeout is not an integer or out of range")
	}
	if !s.repl.IsMaster() {
		return replyError("ERR WAIT cannot be used with replica instances.")
	}

	got, err := s.repl.Wait(s.ctx, n, c.lastWrite, time.Duration(ms)*time.Millisecond)
	if err != nil {
		return err
	}
	return c.w.WriteInt(int64(got))
}

// cmdConfig exposes the replication parameters that can change at runtime.
func cmdConfig(s *Server, c *client, args [][]byte) error {
	sub := strings.ToUpper(string(args[1]))
	param := strings.ToLower(string(args[2]))
	switch {
	case sub == "GET" && len(args) == 3:
		if param != "repl-backlog-size" {
			return writeReply(c.w, []any{})
		}
		size := strconv.Itoa(s.repl.Config().BacklogSize)
		return writeReply(c.w, []any{[]byte(param), []byte(size)})
	case sub == "SET" && len(args) == 4:
		if param != "repl-backlog-size" {
			return replyError("ERR Unsupported CONFIG parameter: " + param)
		}
		size, err := strconv.Atoi(string(args[3]))
		if err != nil {
			return errNotInteger
		}
		if err := s.repl.SetBacklogSize(size); err != nil {
			return err
		}
		return c.w.WriteSimple("OK")
	default:
		return errSyntax
	}
}
