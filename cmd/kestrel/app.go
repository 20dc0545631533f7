package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/opensource-finance/kestrel/internal/applicant"
	"github.com/opensource-finance/kestrel/internal/assessment"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/riskconfig"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/velocity"
)

// app holds the wired components shared by every command.
type app struct {
	cfg      *domain.Config
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	metrics  *metrics.Metrics
	provider *riskconfig.Provider
	service  *assessment.Service
}

// newApp opens the backends named by cfg and loads the first configuration
// snapshot. On error everything opened so far is closed again.
func newApp(ctx context.Context, cfg *domain.Config, reg prometheus.Registerer) (*app, error) {
	a := &app{cfg: cfg, metrics: metrics.New(reg)}
	if err := a.open(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) open(ctx context.Context) error {
	cfg := a.cfg

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("initialize repository: %w", err)
	}
	a.repo = repo
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	c, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("initialize cache: %w", err)
	}
	a.cache = c
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	b, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("initialize event bus: %w", err)
	}
	a.bus = b
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	compiler, err := rules.NewCompiler()
	if err != nil {
		return fmt.Errorf("initialize rule compiler: %w", err)
	}

	var source riskconfig.Source
	switch cfg.RiskConfig.Source {
	case "file":
		source = riskconfig.NewFileSource(cfg.RiskConfig.FilePath)
	case "store", "":
		if err = riskconfig.Seed(ctx, a.repo); err != nil {
			return err
		}
		source = riskconfig.NewStoreSource(a.repo)
	default:
		return fmt.Errorf("unsupported risk config source: %s", cfg.RiskConfig.Source)
	}

	a.provider = riskconfig.NewProvider(source, compiler, riskconfig.Options{
		RefreshInterval: cfg.RiskConfig.RefreshInterval,
		FetchTimeout:    cfg.RiskConfig.FetchTimeout,
		Cache:           a.cache,
		Observer:        a.metrics,
	})
	if err = a.provider.Load(ctx); err != nil {
		return fmt.Errorf("load risk config: %w", err)
	}
	slog.Info("risk config loaded",
		"source", cfg.RiskConfig.Source,
		"config_version", a.provider.Version(),
	)

	lookups := applicant.Options{
		Timeout:     cfg.Assessment.LookupTimeout,
		FallbackTTL: cfg.Assessment.FallbackTTL,
		Metrics:     a.metrics,
	}

	a.service, err = assessment.NewService(assessment.Dependencies{
		Store:     a.repo,
		Configs:   a.repo,
		Provider:  a.provider,
		Compiler:  compiler,
		Bureau:    applicant.NewResilientBureau(applicant.NewSimulatedBureau(), a.cache, lookups),
		Profiles:  applicant.NewResilientDirectory(applicant.NewMemoryDirectory(true), a.cache, lookups),
		Inquiries: velocity.NewService(a.cache, cfg.Assessment.InquiryWindow),
		Bus:       a.bus,
		Metrics:   a.metrics,
	}, assessment.Config{
		LookupTimeout:  cfg.Assessment.LookupTimeout,
		PublishRetries: cfg.Assessment.PublishRetries,
	})
	if err != nil {
		return fmt.Errorf("initialize assessment service: %w", err)
	}
	return nil
}

// Close waits for pending event publications and releases the backends.
func (a *app) Close() {
	if a.service != nil {
		a.service.Wait()
	}
	if a.provider != nil {
		a.provider.Stop()
	}
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			slog.Error("failed to close event bus", "error", err)
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			slog.Error("failed to close cache", "error", err)
		}
	}
	if a.repo != nil {
		if err := a.repo.Close(); err != nil {
			slog.Error("failed to close repository", "error", err)
		}
	}
}
