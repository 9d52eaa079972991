// Package server implements the TCP command server of a node: client
// connections, serialized command execution, and the replication
// administrative commands.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dd0wney/cluso-kv/pkg/events"
	"github.com/dd0wney/cluso-kv/pkg/logging"
	"github.com/dd0wney/cluso-kv/pkg/metrics"
	"github.com/dd0wney/cluso-kv/pkg/replication"
	"github.com/dd0wney/cluso-kv/pkg/resp"
	"github.com/dd0wney/cluso-kv/pkg/storage"
	"github.com/dd0wney/cluso-kv/pkg/validation"
)

// Config holds the command server configuration.
type Config struct {
	Addr        string `yaml:"addr"`
	Databases   int    `yaml:"databases" validate:"min=0,max=1024"`
	RequirePass string `yaml:"requirepass"`
	MaxClients  int    `yaml:"max_clients"`
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Addr:       "127.0.0.1:7379",
		Databases:  storage.DefaultDatabases,
		MaxClients: 10000,
	}
}

// ApplyDefaults applies default values to zero-valued fields
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	c.Addr = validation.DefaultOrString(c.Addr, d.Addr)
	c.Databases = validation.DefaultOrInt(c.Databases, d.Databases)
	c.MaxClients = validation.DefaultOrInt(c.MaxClients, d.MaxClients)
}

// Validate validates the server configuration
func (c *Config) Validate() error {
	v := validation.NewConfigValidator("ServerConfig")
	v.Required("Addr", c.Addr).
		RangeInt("Databases", c.Databases, 1, 1024).
		MinInt("MaxClients", c.MaxClients, 1)
	return v.Validate()
}

// Options carries the collaborators of a Server.
type Options struct {
	Replication replication.Config
	Logger      logging.Logger
	Metrics     *metrics.Registry
	Events      events.Sink
}

// Server accepts client connections and executes their commands one at a
// time under execMu.
type Server struct {
	cfg     Config
	data    *storage.Keyspace
	repl    *replication.Manager
	logger  logging.Logger
	metrics *metrics.Registry
	started time.Time

	// ctx bounds blocking commands and is cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	execMu sync.Mutex

	ln      net.Listener
	mu      sync.Mutex
	clients map[*client]struct{}
	closing atomic.Bool
	wg      sync.WaitGroup
}

// New creates a Server and its replication manager.
func New(cfg Config, opts Options) (*Server, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewRegistry()
	}

	s := &Server{
		cfg:     cfg,
		data:    storage.NewKeyspace(cfg.Databases),
		logger:  opts.Logger.With(logging.Component("server")),
		metrics: opts.Metrics,
		started: time.Now(),
		clients: make(map[*client]struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	repl, err := replication.NewManager(replication.Options{
		Config:     opts.Replication,
		Dataset:    s.data,
		Exec:       &s.execMu,
		Scripts:    s.data,
		Logger:     opts.Logger,
		Metrics:    opts.Metrics,
		Events:     opts.Events,
		ListenPort: portOf(cfg.Addr),
	})
	if err != nil {
		return nil, fmt.Errorf("replication: %w", err)
	}
	s.repl = repl
	return s, nil
}

// Replication returns the replication manager.
func (s *Server) Replication() *replication.Manager {
	return s.repl
}

// Keyspace returns the dataset.
func (s *Server) Keyspace() *storage.Keyspace {
	return s.data
}

// Listen binds the configured address.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	s.repl.SetListenPort(portOf(ln.Addr().String()))
	return nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.Addr
	}
	return s.ln.Addr().String()
}

// Serve accepts clients until ctx is done, then disconnects them and
// stops replication.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.repl.Start(ctx)
	s.logger.Info("accepting connections", logging.Addr(s.ln.Addr().String()))

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.closing.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		if !s.addClient(conn) {
			_, _ = conn.Write([]byte("-ERR max number of clients reached\r\n"))
			_ = conn.Close()
			continue
		}
	}
}

// Close stops accepting, disconnects clients and replicas, and stops
// the master link.
func (s *Server) Close() {
	if !s.closing.CompareAndSwap(false, true) {
		return
	}
	s.cancel()
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.mu.Lock()
	for c := range s.clients {
		_ = c.conn.Close()
	}
	s.mu.Unlock()
	s.repl.Stop()
	s.wg.Wait()
	s.logger.Info("server stopped")
}

func (s *Server) addClient(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.clients) >= s.cfg.MaxClients {
		return false
	}
	c := newClient(conn)
	s.clients[c] = struct{}{}
	s.metrics.ClientConnections.Inc()
	s.wg.Add(1)
	go s.serveClient(c)
	return true
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	s.metrics.ClientConnections.Dec()
}

func (s *Server) serveClient(c *client) {
	defer s.wg.Done()
	defer s.removeClient(c)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic serving client", logging.Any("panic", r), logging.Addr(c.conn.RemoteAddr().String()))
		}
		if !c.handedOff {
			_ = c.conn.Close()
		}
	}()

	for {
		args, err := c.r.ReadCommand()
		if err != nil {
			if errors.Is(err, resp.ErrProtocol) {
				_ = c.w.WriteError("ERR Protocol error: " + err.Error())
				_ = c.w.Flush()
			}
			return
		}
		if len(args) == 0 {
			continue
		}
		quit := s.dispatch(c, args)
		if c.handedOff {
			return
		}
		if err := c.w.Flush(); err != nil || quit {
			return
		}
	}
}

// UpdateMetrics samples server gauges.
func (s *Server) UpdateMetrics() {
	s.metrics.KeysTotal.Set(float64(s.data.Keys()))
	s.metrics.UpdateSystemMetrics(s.started)
}

// client is the per-connection state.
type client struct {
	conn      net.Conn
	r         *resp.Reader
	w         *resp.Writer
	db        int
	authed    bool
	replica   replication.ReplicaOptions
	lastWrite int64
	handedOff bool
}

func newClient(conn net.Conn) *client {
	return &client{conn: conn, r: resp.NewReader(conn), w: resp.NewWriter(conn)}
}

func portOf(addr string) int {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	var n int
	if _, err := fmt.Sscanf(port, "%d", &n); err != nil {
		return 0
	}
	return n
}

func upper(b []byte) string {
	return strings.ToUpper(string(b))
}
