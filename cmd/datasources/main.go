// Package main implements the entry point for the datasources plugin:
// an update engine that enriches managed nodes with properties fetched
// from external HTTP endpoints.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/Normation/rudder-plugin-datasources/config"
	"github.com/Normation/rudder-plugin-datasources/events"
	"github.com/Normation/rudder-plugin-datasources/fanout"
	"github.com/Normation/rudder-plugin-datasources/fetcher"
	"github.com/Normation/rudder-plugin-datasources/health"
	"github.com/Normation/rudder-plugin-datasources/inventory"
	"github.com/Normation/rudder-plugin-datasources/manager"
	"github.com/Normation/rudder-plugin-datasources/metric"
	"github.com/Normation/rudder-plugin-datasources/natsclient"
	"github.com/Normation/rudder-plugin-datasources/nodequery"
	"github.com/Normation/rudder-plugin-datasources/pkg/retry"
	"github.com/Normation/rudder-plugin-datasources/repository"
)

// Build information constants
const (
	Version = "1.0.0"
	appName = "datasources"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("plugin failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return err
	}
	if cliCfg.LogLevel != "" {
		cfg.Log.Level = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		cfg.Log.Format = cliCfg.LogFormat
	}

	logger := setupLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		logger.Info("configuration is valid", "config_path", cliCfg.ConfigPath)
		return nil
	}

	logger.Info("starting datasources plugin",
		"version", Version,
		"config_path", cliCfg.ConfigPath,
		"nats", cfg.NATS.URLs)

	ctx := context.Background()
	return runWithSignalHandling(ctx, cfg, logger, cliCfg.ShutdownTimeout)
}

func runWithSignalHandling(ctx context.Context, cfg *config.Config, logger *slog.Logger, shutdownTimeout time.Duration) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	app, err := setup(signalCtx, cfg, logger)
	if err != nil {
		return err
	}

	<-signalCtx.Done()
	logger.Info("shutdown signal received", "timeout", shutdownTimeout)
	return app.shutdown(shutdownTimeout)
}

// application bundles the running pieces for shutdown
type application struct {
	logger        *slog.Logger
	natsClient    *natsclient.Client
	metricsServer *metric.Server
	bridge        *events.Bridge
	mgr           *manager.Manager
}

func setup(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	monitor := health.NewMonitor()
	registry := metric.NewMetricsRegistry()
	metrics := registry.CoreMetrics()

	natsClient, err := buildNATSClient(cfg, metrics)
	if err != nil {
		return nil, err
	}
	connectRetry := retry.Config{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}
	if err := retry.Do(ctx, connectRetry, func() error {
		return natsClient.Connect(ctx)
	}); err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	kvStore, err := natsClient.NewKVStore(ctx, cfg.NATS.Bucket, natsclient.DefaultKVOptions())
	if err != nil {
		_ = natsClient.Close()
		return nil, fmt.Errorf("opening descriptor bucket %q: %w", cfg.NATS.Bucket, err)
	}

	inv := inventory.NewNATSInventory(natsClient)
	executor := fanout.New(
		nodequery.New(fetcher.New()),
		inv,
		logger,
		fanout.WithMaxParallel(cfg.Engine.MaxParallel),
		fanout.WithMetrics(metrics),
	)

	mgr := manager.New(
		repository.NewKV(kvStore),
		inv,
		inv,
		executor,
		logger,
		manager.WithMetrics(metrics),
		manager.WithHealthMonitor(monitor),
		manager.WithStartStagger(cfg.Engine.StartStagger),
	)
	if err := mgr.Initialize(ctx); err != nil {
		_ = natsClient.Close()
		return nil, err
	}
	mgr.StartAll()

	bridge := events.New(natsClient, mgr, logger,
		events.WithHealthMonitor(monitor),
		events.WithMetricsRegistry(registry))
	if err := bridge.Start(ctx); err != nil {
		mgr.Stop()
		_ = natsClient.Close()
		return nil, err
	}

	app := &application{
		logger:     logger,
		natsClient: natsClient,
		bridge:     bridge,
		mgr:        mgr,
	}

	if cfg.Metrics.Enabled {
		app.metricsServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry, monitor)
		if err := app.metricsServer.Start(); err != nil {
			logger.Warn("metrics server failed to start", "error", err)
			app.metricsServer = nil
		} else {
			logger.Info("metrics server listening", "address", app.metricsServer.Address())
		}
	}

	return app, nil
}

func buildNATSClient(cfg *config.Config, metrics *metric.Metrics) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithName(appName),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait),
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}

	client, err := natsclient.NewClient(cfg.NATS.URLs, opts...)
	if err != nil {
		return nil, err
	}

	client.OnHealthChange(func(status health.Status) {
		metrics.RecordNATSStatus(status.Healthy)
	})
	return client, nil
}

func (a *application) shutdown(timeout time.Duration) error {
	if err := a.bridge.Stop(timeout); err != nil {
		a.logger.Warn("events bridge stop failed", "error", err)
	}

	a.mgr.Stop()

	if a.metricsServer != nil {
		if err := a.metricsServer.Stop(); err != nil {
			a.logger.Warn("metrics server stop failed", "error", err)
		}
	}

	if err := a.natsClient.Close(); err != nil {
		a.logger.Warn("NATS close failed", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}
