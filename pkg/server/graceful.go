package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dd0wney/cluso-kv/pkg/health"
	"github.com/dd0wney/cluso-kv/pkg/logging"
	"github.com/dd0wney/cluso-kv/pkg/metrics"
	"github.com/dd0wney/cluso-kv/pkg/replication"
)

// GracefulServer wraps the admin HTTP server (metrics and health) with
// graceful shutdown.
type GracefulServer struct {
	server       *http.Server
	logger       logging.Logger
	ln           net.Listener
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// NewGracefulServer creates a new graceful HTTP server
func NewGracefulServer(addr string, handler http.Handler, logger logging.Logger) *GracefulServer {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &GracefulServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
			MaxHeaderBytes:    1 << 20,
		},
		logger:     logger.With(logging.Component("admin")),
		shutdownCh: make(chan struct{}),
	}
}

// Listen binds the admin address.
func (gs *GracefulServer) Listen() error {
	ln, err := net.Listen("tcp", gs.server.Addr)
	if err != nil {
		return err
	}
	gs.ln = ln
	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (gs *GracefulServer) Addr() string {
	if gs.ln == nil {
		return gs.server.Addr
	}
	return gs.ln.Addr().String()
}

// Start serves until Shutdown is called.
func (gs *GracefulServer) Start() error {
	if gs.ln == nil {
		if err := gs.Listen(); err != nil {
			return err
		}
	}

	gs.logger.Info("starting admin HTTP server", logging.Addr(gs.Addr()))
	if err := gs.server.Serve(gs.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown initiates a graceful shutdown
func (gs *GracefulServer) Shutdown(timeout time.Duration) error {
	var err error
	gs.shutdownOnce.Do(func() {
		close(gs.shutdownCh)

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		gs.logger.Info("initiating graceful shutdown", logging.Duration("timeout", timeout))

		if shutdownErr := gs.server.Shutdown(ctx); shutdownErr != nil {
			err = shutdownErr
			gs.logger.Error("error during shutdown", logging.Error(shutdownErr))
		} else {
			gs.logger.Info("admin server shutdown complete")
		}
	})
	return err
}

// IsShuttingDown returns true if shutdown has been initiated
func (gs *GracefulServer) IsShuttingDown() bool {
	select {
	case <-gs.shutdownCh:
		return true
	default:
		return false
	}
}

// ShutdownChannel returns a channel that closes when shutdown is initiated
func (gs *GracefulServer) ShutdownChannel() <-chan struct{} {
	return gs.shutdownCh
}

// HealthChecker builds the node's health checks: liveness of the
// listener, readiness from the replication state, and memory usage.
func (s *Server) HealthChecker() *health.Checker {
	hc := health.NewChecker()

	hc.Register("listener", health.ListenerCheck(func() (string, bool) {
		if s.ln == nil || s.closing.Load() {
			return "", false
		}
		return s.ln.Addr().String(), true
	}), health.Liveness)

	replCheck := health.ReplicationCheck(func() health.ReplicationState {
		st := s.repl.Status()
		online := 0
		for _, r := range st.Replicas {
			if r.State == replication.StateOnline {
				online++
			}
		}
		return health.ReplicationState{
			Role:              st.Role.String(),
			LinkUp:            st.LinkUp,
			LinkState:         st.LinkState,
			ConnectedReplicas: online,
			WritesAccepted:    s.repl.CheckWrite() == nil,
			SyncInProgress:    st.SyncInProgress,
		}
	})
	hc.Register("replication", replCheck, health.Readiness)

	hc.Register("memory", health.MemoryCheck(func() (uint64, uint64) {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		return m.Alloc, m.Sys
	}))
	return hc
}

// AdminHandler routes /metrics and the health endpoints.
func AdminHandler(reg *metrics.Registry, hc *health.Checker) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg.GetPrometheusRegistry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", hc.Handler(health.All))
	mux.HandleFunc("/health/ready", hc.Handler(health.Readiness))
	mux.HandleFunc("/health/live", hc.Handler(health.Liveness))
	return mux
}
