package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dd0wney/cluso-kv/pkg/config"
	"github.com/dd0wney/cluso-kv/pkg/events"
	"github.com/dd0wney/cluso-kv/pkg/logging"
	"github.com/dd0wney/cluso-kv/pkg/metrics"
	"github.com/dd0wney/cluso-kv/pkg/server"
)

const metricsInterval = 5 * time.Second

type serveFlags struct {
	configPath  string
	addr        string
	replicaOf   string
	metricsAddr string
	eventsAddr  string
	logLevel    string
}

func newServeCmd() *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run a node",
		Aliases: []string{"s"},
		Example: "cluso-kv serve --config node.yaml --replicaof 10.0.0.1:7379",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "path to the YAML configuration file")
	cmd.Flags().StringVar(&f.addr, "addr", "", "command listener address (overrides server.addr)")
	cmd.Flags().StringVar(&f.replicaOf, "replicaof", "", "host:port of the master to follow")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "admin HTTP address for /metrics and /health")
	cmd.Flags().StringVar(&f.eventsAddr, "events-addr", "", "mangos URL to publish replication events on")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	return cmd
}

// loadConfig reads the file, if any, and applies flag and environment
// overrides.
func loadConfig(cmd *cobra.Command, f serveFlags) (config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Server.Addr = f.addr
	}
	if flags.Changed("replicaof") {
		cfg.ReplicaOf = f.replicaOf
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Addr = f.metricsAddr
	}
	if flags.Changed("events-addr") {
		cfg.Events.Addr = f.eventsAddr
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = f.logLevel
	} else if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		cfg.Logging.Level = lvl
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func runServe(parent context.Context, cfg config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := cfg.NewLogger(os.Stdout)
	logging.SetDefaultLogger(logger)
	reg := metrics.DefaultRegistry()

	var sink events.Sink = events.NopSink{}
	var publisher *events.Publisher
	if cfg.Events.Addr != "" {
		p, err := events.NewPublisher(events.PublisherConfig{
			Address:    cfg.Events.Addr,
			BufferSize: cfg.Events.BufferSize,
		}, logger)
		if err != nil {
			return err
		}
		if err := p.Start(); err != nil {
			return err
		}
		publisher, sink = p, p
		defer func() {
			_ = publisher.Stop()
			if n := publisher.Dropped(); n > 0 {
				logging.Warn("lifecycle events dropped", logging.Int64("count", n))
			}
		}()
	}

	srv, err := server.New(cfg.Server, server.Options{
		Replication: cfg.Replication,
		Logger:      logger,
		Metrics:     reg,
		Events:      sink,
	})
	if err != nil {
		return err
	}
	if err := srv.Listen(); err != nil {
		return err
	}

	if cfg.ReplicaOf != "" {
		ep, err := cfg.MasterEndpoint()
		if err != nil {
			return err
		}
		if err := srv.Replication().ReplicaOf(ep.Host, ep.Port); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Serve(gctx)
	})

	if cfg.Metrics.Addr != "" {
		admin := server.NewGracefulServer(cfg.Metrics.Addr, server.AdminHandler(reg, srv.HealthChecker()), logger)
		if err := admin.Listen(); err != nil {
			srv.Close()
			return err
		}
		g.Go(admin.Start)
		g.Go(func() error {
			<-gctx.Done()
			return admin.Shutdown(10 * time.Second)
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(metricsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				srv.UpdateMetrics()
			}
		}
	})

	logging.Info("node started",
		logging.Addr(srv.Addr()),
		logging.String("role", srv.Replication().Status().Role.String()),
		logging.Bool("diskless_sync", cfg.Replication.DisklessSync))

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.ErrorLog("node stopped with error", logging.Error(err))
		return err
	}
	logging.Info("node stopped")
	return nil
}
