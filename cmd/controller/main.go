// Command controller runs the autoscaling controller: it loads
// configuration, wires the registry and runtime adapters, starts the
// six periodic control-loop tasks, and serves the status/control HTTP
// surface until it receives SIGINT or SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/runnerctl/runnerctl/internal/api"
	"github.com/runnerctl/runnerctl/internal/config"
	"github.com/runnerctl/runnerctl/internal/controller"
	"github.com/runnerctl/runnerctl/internal/eventlog"
	"github.com/runnerctl/runnerctl/internal/github"
	"github.com/runnerctl/runnerctl/internal/metrics"
	"github.com/runnerctl/runnerctl/internal/provider"
	"github.com/runnerctl/runnerctl/internal/provider/docker"
	"github.com/runnerctl/runnerctl/internal/provider/ec2"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("CONTROLLER_CONFIG_FILE"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg)

	scopePath, isOrg := cfg.GitHub.Scope()
	registry := github.New(cfg.GitHub.Token, scopePath, isOrg, cfg.Identity.RunnerPrefix, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Authentication failures are fatal at startup: the controller never
	// runs against a scope it cannot actually operate on.
	if err := registry.ValidateToken(ctx); err != nil {
		return fmt.Errorf("github token validation failed: %w", err)
	}

	rt, err := newRuntime(cfg, logger)
	if err != nil {
		return fmt.Errorf("create runtime adapter: %w", err)
	}
	defer rt.Close()

	if cfg.Runtime.RunnerNetwork != "" {
		if err := rt.EnsureNetwork(ctx, cfg.Runtime.RunnerNetwork); err != nil {
			logger.Warn("failed to ensure runtime network", "network", cfg.Runtime.RunnerNetwork, "error", err)
		}
	}

	promReg := prometheus.NewRegistry()
	met := metrics.NewMetrics(promReg)
	events := eventlog.New(200)

	ctrl, err := controller.New(cfg, registry, rt, met, events, logger)
	if err != nil {
		return fmt.Errorf("create controller: %w", err)
	}

	srv := api.New(cfg, ctrl, met, promReg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	errCh := make(chan error, 2)
	go func() {
		errCh <- ctrl.Run(ctx)
	}()
	go func() {
		errCh <- srv.Start(ctx)
	}()

	// On shutdown the controller does not tear down workers: they are
	// expected to survive a restart and be re-adopted.
	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func newRuntime(cfg *config.Config, logger *slog.Logger) (provider.Provider, error) {
	switch cfg.Runtime.Type {
	case "ec2":
		return ec2.New(cfg.AWS, cfg.Identity.ControllerID, logger)
	default:
		return docker.New(cfg.Runtime, cfg.Identity.ControllerID, logger)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Observability.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Observability.StructuredLogging {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
