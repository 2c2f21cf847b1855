// Scribed is the clinical dictation back-of-house daemon.
//
// It owns durable consultation session state, the at-least-once audit
// outbox, the stalled-session watchdog, and the rule lifecycle engine,
// and exposes them over an HTTP API.
//
// Usage:
//
//	# Start the daemon with defaults
//	scribed serve
//
//	# Start with a config file, overriding the port via environment
//	SCRIBED_SERVER_PORT=9000 scribed serve --config /etc/scribed/scribed.yaml
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fernhealth/scribed/internal/config"
	"github.com/fernhealth/scribed/internal/health"
	"github.com/fernhealth/scribed/internal/httpapi"
	"github.com/fernhealth/scribed/internal/learning"
	"github.com/fernhealth/scribed/internal/logging"
	"github.com/fernhealth/scribed/internal/outbox"
	"github.com/fernhealth/scribed/internal/session"
	"github.com/fernhealth/scribed/internal/storage"
	"github.com/fernhealth/scribed/internal/watchdog"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// configPath is the --config flag value.
var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "scribed",
	Short:   "Clinical dictation session substrate",
	Long:    "scribed persists consultation sessions, audits pipeline events, and manages documentation rule lifecycles.",
	Version: version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the scribed daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			cancel()
		}()

		return run(ctx)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("scribed\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// run starts the daemon and blocks until the context is cancelled.
func run(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()

	logger.Info("starting scribed",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("in_memory_storage", cfg.Storage.InMemory),
		zap.String("outbox_sink", cfg.Outbox.Sink),
	)

	store, closeStore, err := openStore(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer closeStore()

	sink, closeSink, err := buildSink(cfg.Outbox, logger)
	if err != nil {
		return fmt.Errorf("failed to build audit sink: %w", err)
	}
	defer closeSink()

	counters := health.NewCounters()

	sessions, err := session.NewService(session.Config{
		RetryCeiling:        cfg.Session.RetryCeiling,
		SegmentRetryCeiling: cfg.Session.SegmentRetryCeiling,
		RetryBackoff:        cfg.Session.RetryBackoff,
		StallAge:            cfg.Session.StallAge,
		SessionTTL:          cfg.Session.SessionTTL,
	}, store, counters, logger.Named("session"))
	if err != nil {
		return fmt.Errorf("failed to create session service: %w", err)
	}

	ob, err := outbox.NewService(outbox.Config{
		DrainInterval:       cfg.Outbox.DrainInterval,
		MaxAttempts:         cfg.Outbox.MaxAttempts,
		InitialBackoff:      cfg.Outbox.InitialBackoff,
		MaxBackoff:          cfg.Outbox.MaxBackoff,
		BackoffMultiplier:   cfg.Outbox.BackoffMultiplier,
		RandomizationFactor: cfg.Outbox.RandomizationFactor,
		DeliveryRate:        cfg.Outbox.DeliveryRate,
		BatchLimit:          cfg.Outbox.BatchLimit,
		ClaimTimeout:        cfg.Outbox.ClaimTimeout,
	}, store, sink, counters, logger.Named("outbox"))
	if err != nil {
		return fmt.Errorf("failed to create outbox service: %w", err)
	}

	lrn, err := learning.NewService(learning.Config{
		DisableAutoPromote: cfg.Learning.DisableAutoPromote,
	}, store, ob, counters, logger.Named("learning"))
	if err != nil {
		return fmt.Errorf("failed to create learning service: %w", err)
	}

	wd, err := watchdog.New(watchdog.Config{
		Interval:              cfg.Watchdog.Interval,
		StallThresholds:       cfg.Watchdog.StallThresholds,
		DefaultStallThreshold: cfg.Watchdog.DefaultStallThreshold,
	}, sessions, ob, counters, logger.Named("watchdog"))
	if err != nil {
		return fmt.Errorf("failed to create watchdog: %w", err)
	}

	agg, err := health.NewAggregator(sessions, ob, counters, logger.Named("health"))
	if err != nil {
		return fmt.Errorf("failed to create health aggregator: %w", err)
	}

	srv, err := httpapi.NewServer(sessions, lrn, ob, agg, logger.Named("http"), cfg.Server)
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}
	srv.Echo().GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	if err := ob.Start(); err != nil {
		return fmt.Errorf("failed to start outbox worker: %w", err)
	}
	defer ob.Stop()

	if err := wd.Start(); err != nil {
		return fmt.Errorf("failed to start watchdog: %w", err)
	}
	defer wd.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server error: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}

	logger.Info("scribed shutdown complete")
	return nil
}

// openStore builds the configured storage backend. The returned
// closer is safe to call even when the backend has no resources.
func openStore(cfg config.StorageConfig, logger *zap.Logger) (storage.Store, func(), error) {
	if cfg.InMemory {
		return storage.NewMemoryStore(), func() {}, nil
	}

	store, err := storage.OpenBadger(storage.BadgerConfig{
		Path:       cfg.Path,
		SyncWrites: cfg.SyncWrites,
		GCInterval: cfg.GCInterval,
	}, logger.Named("storage"))
	if err != nil {
		return nil, nil, err
	}
	return store, func() {
		if err := store.Close(); err != nil {
			logger.Warn("failed to close badger store", zap.Error(err))
		}
	}, nil
}

// buildSink constructs the configured audit delivery backend.
func buildSink(cfg config.OutboxConfig, logger *zap.Logger) (outbox.Sink, func(), error) {
	switch cfg.Sink {
	case "http":
		sink, err := outbox.NewHTTPSink(cfg.HTTPEndpoint, 10*time.Second)
		if err != nil {
			return nil, nil, err
		}
		return sink, func() {}, nil
	case "nats":
		nc, err := nats.Connect(cfg.NATSURL,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(1*time.Second),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATSURL, err)
		}
		sink, err := outbox.NewNATSSink(nc, cfg.NATSSubjectPrefix)
		if err != nil {
			nc.Close()
			return nil, nil, err
		}
		return sink, nc.Close, nil
	case "log", "":
		return outbox.NewLogSink(logger.Named("audit")), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown outbox sink %q", cfg.Sink)
	}
}
