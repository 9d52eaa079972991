package server

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dd0wney/cluso-kv/pkg/logging"
	"github.com/dd0wney/cluso-kv/pkg/replication"
	"github.com/dd0wney/cluso-kv/pkg/resp"
	"github.com/dd0wney/cluso-kv/pkg/storage"
)

// replyError is an error whose text is sent to the client verbatim.
type replyError string

func (e replyError) Error() string { return string(e) }

var (
	errNoAuth      = replyError("NOAUTH Authentication required.")
	errWrongPass   = replyError("WRONGPASS invalid username-password pair or user is disabled.")
	errReadOnly    = replyError("READONLY You can't write against a read only replica.")
	errNoReplicas  = replyError("NOREPLICAS Not enough good replicas to write.")
	errNoMasterLnk = replyError("NOMASTERLINK Can't SYNC while not connected with my master")
	errSyntax      = replyError("ERR syntax error")
	errNotInteger  = replyError("ERR value is not an integer or out of range")
)

type handlerFunc func(s *Server, c *client, args [][]byte) error

// command describes one entry of the command table. A negative arity is
// a minimum. noExec commands run without the execution lock because they
// block or hand the connection over.
type command struct {
	arity   int
	noExec  bool
	handler handlerFunc
}

func (cmd command) arityOK(n int) bool {
	if cmd.arity < 0 {
		return n >= -cmd.arity
	}
	return n == cmd.arity
}

var commandTable map[string]command

func init() {
	commandTable = map[string]command{
		"PING":      {arity: -1, handler: cmdPing},
		"ECHO":      {arity: 2, handler: cmdEcho},
		"AUTH":      {arity: -2, handler: cmdAuth},
		"SELECT":    {arity: 2, handler: cmdSelect},
		"QUIT":      {arity: -1, handler: cmdQuit},
		"GET":       {arity: 2, handler: cmdData},
		"DBSIZE":    {arity: 1, handler: cmdDBSize},
		"SET":       {arity: 3, handler: cmdData},
		"DEL":       {arity: -2, handler: cmdData},
		"INCR":      {arity: 2, handler: cmdData},
		"APPEND":    {arity: 3, handler: cmdData},
		"FLUSHDB":   {arity: 1, handler: cmdData},
		"FLUSHALL":  {arity: 1, handler: cmdData},
		"EVAL":      {arity: -3, handler: cmdData},
		"EVALSHA":   {arity: -3, handler: cmdData},
		"SCRIPT":    {arity: -2, handler: cmdData},
		"INFO":      {arity: -1, handler: cmdInfo},
		"CONFIG":    {arity: -3, handler: cmdConfig},
		"REPLCONF":  {arity: -2, noExec: true, handler: cmdReplconf},
		"PSYNC":     {arity: 3, noExec: true, handler: cmdSync},
		"SYNC":      {arity: 1, noExec: true, handler: cmdSync},
		"REPLICAOF": {arity: 3, noExec: true, handler: cmdReplicaOf},
		"SLAVEOF":   {arity: 3, noExec: true, handler: cmdReplicaOf},
		"ROLE":      {arity: 1, noExec: true, handler: cmdRole},
		"WAIT":      {arity: 3, noExec: true, handler: cmdWait},
	}
}

// dispatch executes one command and reports whether the connection
// should be closed afterwards.
func (s *Server) dispatch(c *client, args [][]byte) bool {
	name := upper(args[0])
	cmd, ok := commandTable[name]

	var err error
	switch {
	case !ok:
		err = fmt.Errorf("unknown command '%s'", strings.ToLower(name))
	case !cmd.arityOK(len(args)):
		err = fmt.Errorf("wrong number of arguments for '%s' command", strings.ToLower(name))
	case s.cfg.RequirePass != "" && !c.authed && name != "AUTH" && name != "QUIT":
		err = errNoAuth
	case cmd.noExec:
		err = cmd.handler(s, c, args)
	default:
		s.execMu.Lock()
		err = cmd.handler(s, c, args)
		s.execMu.Unlock()
	}

	s.metrics.RecordCommand(strings.ToLower(name), err != nil)
	if err != nil {
		if !c.handedOff {
			_ = c.w.WriteError(replyText(err))
		}
		s.logger.Debug("command failed", logging.String("command", name), logging.Error(err))
	}
	return name == "QUIT"
}

func replyText(err error) string {
	var re replyError
	if errors.As(err, &re) {
		return string(re)
	}
	return storage.ReplyText(err)
}

// writeReply encodes a command result.
func writeReply(w *resp.Writer, v any) error {
	switch v := v.(type) {
	case nil:
		return w.WriteNull()
	case string:
		return w.WriteSimple(v)
	case []byte:
		return w.WriteBulk(v)
	case int64:
		return w.WriteInt(v)
	case int:
		return w.WriteInt(int64(v))
	case []any:
		if err := w.WriteArrayHeader(len(v)); err != nil {
			return err
		}
		for _, item := range v {
			if err := writeReply(w, item); err != nil {
				return err
			}
		}
		return nil
	default:
		return w.WriteBulkString(fmt.Sprint(v))
	}
}

func cmdPing(_ *Server, c *client, args [][]byte) error {
	if len(args) > 1 {
		return c.w.WriteBulk(args[1])
	}
	return c.w.WriteSimple("PONG")
}

func cmdEcho(_ *Server, c *client, args [][]byte) error {
	return c.w.WriteBulk(args[1])
}

func cmdQuit(_ *Server, c *client, _ [][]byte) error {
	return c.w.WriteSimple("OK")
}

func cmdAuth(s *Server, c *client, args [][]byte) error {
	if len(args) > 3 {
		return errSyntax
	}
	if s.cfg.RequirePass == "" {
		return errors.New("AUTH <password> called without any password configured for the default user. Are you sure your configuration is correct?")
	}
	if string(args[len(args)-1]) != s.cfg.RequirePass {
		return errWrongPass
	}
	c.authed = true
	return c.w.WriteSimple("OK")
}

func cmdSelect(s *Server, c *client, args [][]byte) error {
	db, err := strconv.Atoi(string(args[1]))
	if err != nil {
		return errNotInteger
	}
	if db < 0 || db >= s.data.Databases() {
		return errors.New("DB index is out of range")
	}
	c.db = db
	return c.w.WriteSimple("OK")
}

func cmdDBSize(s *Server, c *client, _ [][]byte) error {
	return c.w.WriteInt(int64(s.data.DBSize(c.db)))
}

// cmdData runs a keyspace command. Writes are refused on a read-only
// replica and when too few replicas are in sync, and are propagated once
// they succeed.
func cmdData(s *Server, c *client, args [][]byte) error {
	write := storage.IsWrite(args)
	if write {
		if !s.repl.IsMaster() && s.repl.Config().ReadOnly() {
			return errReadOnly
		}
		if err := s.repl.CheckWrite(); err != nil {
			if errors.Is(err, replication.ErrNotEnoughReplicas) {
				return errNoReplicas
			}
			return err
		}
	}

	reply, err := s.data.Do(c.db, args)
	if err != nil {
		return err
	}
	if write {
		c.lastWrite = s.repl.Propagate(c.db, args)
	}
	return writeReply(c.w, reply)
}

func cmdInfo(s *Server, c *client, args [][]byte) error {
	section := "all"
	if len(args) > 1 {
		section = strings.ToLower(string(args[1]))
	}

	var b strings.Builder
	if section == "all" || section == "server" {
		fmt.Fprintf(&b, "# Server\r\nuptime_in_seconds:%d\r\ntcp_port:%d\r\n\r\n",
			int64(time.Since(s.started).Seconds()), portOf(s.Addr()))
	}
	if section == "all" || section == "replication" {
		b.WriteString(s.repl.Info())
		b.WriteString("\r\n")
	}
	if section == "all" || section == "keyspace" {
		b.WriteString("# Keyspace\r\n")
		for db := 0; db < s.data.Databases(); db++ {
			if n := s.data.DBSize(db); n > 0 {
				fmt.Fprintf(&b, "db%d:keys=%d\r\n", db, n)
			}
		}
	}
	return c.w.WriteBulkString(b.String())
}
