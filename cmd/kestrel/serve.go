package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v3"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/worker"
)

const shutdownTimeout = 10 * time.Second

var (
	hostFlag = &cli.StringFlag{
		Name:  "host",
		Usage: "Address the HTTP server binds to",
	}

	portFlag = &cli.IntFlag{
		Name:  "port",
		Usage: "Port the HTTP server listens on",
	}

	workerFlag = &cli.BoolFlag{
		Name:  "worker",
		Usage: "Consume assessment requests from the event bus",
	}

	serveCmd = &cli.Command{
		Name:   "serve",
		Usage:  "Run the HTTP API",
		Action: cmdServe,
		Flags: []cli.Flag{
			hostFlag,
			portFlag,
			workerFlag,
		},
	}
)

func cmdServe(ctx context.Context, c *cli.Command) error {
	cfg := loadConfig(c)
	if c.IsSet(hostFlag.Name) {
		cfg.Server.Host = c.String(hostFlag.Name)
	}
	if c.IsSet(portFlag.Name) {
		cfg.Server.Port = int(c.Int(portFlag.Name))
	}
	if c.IsSet(workerFlag.Name) {
		cfg.Worker.Enabled = c.Bool(workerFlag.Name)
	}

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"risk_config_source", cfg.RiskConfig.Source,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	shutdownTracing := initTracing(cfg.Tracing)

	a, err := newApp(ctx, cfg, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer a.Close()

	a.provider.Start(ctx)
	slog.Info("risk config refresh started", "interval", cfg.RiskConfig.RefreshInterval)

	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(a.bus, a.service)
		if err := asyncWorker.Start(worker.Config{WorkerCount: cfg.Worker.WorkerCount}); err != nil {
			slog.Error("failed to start async worker", "error", err)
			asyncWorker = nil
		}
	}

	srv := api.NewServer(cfg.Server, api.Dependencies{
		Service:  a.service,
		Provider: a.provider,
		Configs:  a.repo,
		Repo:     a.repo,
		Cache:    a.cache,
		Bus:      a.bus,
	}, prometheus.DefaultGatherer, Version)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"config_version", a.provider.Version(),
	)
	printBanner(cfg, Version)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		slog.Error("server failed", "error", serveErr)
	}
	slog.Info("shutting down...")

	// Stop taking bus work before the HTTP server so in-flight results can
	// still be published.
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Error("failed to flush traces", "error", err)
	}

	slog.Info("kestrel shutdown complete")
	return serveErr
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  KESTREL - credit risk assessment")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /assessments                        - Assess a loan application")
	fmt.Println("    GET  /assessments/{id}                   - Get assessment by ID")
	fmt.Println("    GET  /assessments/{id}/replay            - Re-score with the recorded config")
	fmt.Println("    POST /assessments/{id}/override          - Apply a manual override")
	fmt.Println("    POST /assessments/{id}/invalidate        - Invalidate an assessment")
	fmt.Println("    GET  /loan-applications/{id}/assessments - Assessment history")
	fmt.Println("    GET  /config                             - Active risk configuration")
	fmt.Println("    POST /config/rules                       - Publish a rule set version")
	fmt.Println("    POST /config/thresholds                  - Publish a threshold version")
	fmt.Println("    POST /config/reload                      - Refresh the risk configuration")
	fmt.Println("    GET  /health                             - Health check")
	fmt.Println("    GET  /metrics                            - Prometheus metrics")
	fmt.Println()
}
