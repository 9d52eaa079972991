package e2e

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-kv/pkg/events"
	"github.com/dd0wney/cluso-kv/pkg/replication"
	"github.com/dd0wney/cluso-kv/pkg/resp"
	"github.com/dd0wney/cluso-kv/pkg/server"
)

const eventuallyTimeout = 10 * time.Second

type node struct {
	srv    *server.Server
	events *events.Recorder
	client *client
}

func (n *node) repl() *replication.Manager { return n.srv.Replication() }

func (n *node) addr() string { return n.srv.Addr() }

func (n *node) port() int {
	_, p, _ := net.SplitHostPort(n.addr())
	v, _ := strconv.Atoi(p)
	return v
}

func startNode(t *testing.T, mutate func(*replication.Config)) *node {
	t.Helper()
	cfg := replication.DefaultConfig()
	cfg.SnapshotDir = t.TempDir()
	cfg.PingPeriod = time.Hour
	cfg.ReconnectDelay = 20 * time.Millisecond
	cfg.Timeout = 5 * time.Second
	cfg.CronInterval = 10 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	rec := events.NewRecorder(1024)
	s, err := server.New(server.Config{Addr: "127.0.0.1:0"}, server.Options{Replication: cfg, Events: rec})
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

	return &node{srv: s, events: rec, client: dial(t, s.Addr())}
}

// follow makes n a replica of master at addr and waits for the link.
func (n *node) follow(t *testing.T, addr string) {
	t.Helper()
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	p, _ := strconv.Atoi(port)
	require.NoError(t, n.repl().ReplicaOf(host, p))
	n.waitLinked(t)
}

func (n *node) waitLinked(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return n.repl().Status().LinkUp
	}, eventuallyTimeout, 5*time.Millisecond, "replica never linked")
}

// waitOffset waits until n's offset equals want.
func (n *node) waitOffset(t *testing.T, want func() int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return n.repl().Offset() == want()
	}, eventuallyTimeout, 5*time.Millisecond, "offsets never converged")
}

// waitEvent consumes recorded events until one of type typ arrives.
func (n *node) waitEvent(t *testing.T, typ events.Type) events.Event {
	t.Helper()
	timeout := time.After(eventuallyTimeout)
	for {
		select {
		case ev := <-n.events.Events():
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("event %s not observed", typ)
			return events.Event{}
		}
	}
}

// drainEvents discards recorded events.
func (n *node) drainEvents() {
	for {
		select {
		case <-n.events.Events():
		default:
			return
		}
	}
}

func (n *node) get(db int, key string) (string, bool) {
	v, ok := n.srv.Keyspace().Get(db, key)
	return string(v), ok
}

type client struct {
	conn net.Conn
	r    *resp.Reader
	w    *resp.Writer
}

func dial(t *testing.T, addr string) *client {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &client{conn: conn, r: resp.NewReader(conn), w: resp.NewWriter(conn)}
}

func (c *client) send(t *testing.T, args ...string) {
	t.Helper()
	require.NoError(t, c.w.WriteCommand(args...))
	require.NoError(t, c.w.Flush())
}

func (c *client) do(t *testing.T, args ...string) resp.Value {
	t.Helper()
	c.send(t, args...)
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(eventuallyTimeout)))
	v, err := c.r.ReadReply()
	require.NoError(t, err)
	return v
}

// proxy forwards TCP connections to target and can sever or refuse them
// to simulate network failures.
type proxy struct {
	ln     net.Listener
	target string

	mu      sync.Mutex
	conns   []net.Conn
	refuse  bool
	stopped bool
	wg      sync.WaitGroup
}

func startProxy(t *testing.T, target string) *proxy {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := &proxy{ln: ln, target: target}
	p.wg.Add(1)
	go p.accept()
	t.Cleanup(p.stop)
	return p
}

func (p *proxy) addr() string { return p.ln.Addr().String() }

func (p *proxy) accept() {
	defer p.wg.Done()
	for {
		in, err := p.ln.Accept()
		if err != nil {
			return
		}
		p.mu.Lock()
		if p.refuse || p.stopped {
			p.mu.Unlock()
			_ = in.Close()
			continue
		}
		out, err := net.Dial("tcp", p.target)
		if err != nil {
			p.mu.Unlock()
			_ = in.Close()
			continue
		}
		p.conns = append(p.conns, in, out)
		p.mu.Unlock()

		go pipe(in, out)
		go pipe(out, in)
	}
}

func pipe(dst, src net.Conn) {
	_, _ = io.Copy(dst, src)
	_ = dst.Close()
	_ = src.Close()
}

// cut closes every forwarded connection.
func (p *proxy) cut() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.conns {
		_ = c.Close()
	}
	p.conns = nil
}

// setRefuse makes the proxy drop new connections while on.
func (p *proxy) setRefuse(on bool) {
	p.mu.Lock()
	p.refuse = on
	p.mu.Unlock()
}

func (p *proxy) stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	_ = p.ln.Close()
	p.cut()
	p.wg.Wait()
}
