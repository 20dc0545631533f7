package applicant

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Lookup sources, used as cache key prefixes and metric labels.
const (
	SourceBureau  = "bureau"
	SourceProfile = "profile"
)

// Options tune the resilient adapters.
type Options struct {
	// Timeout bounds every upstream call (default 3s)
	Timeout time.Duration

	// FallbackTTL is how long a successful answer stays usable as a fallback
	// (default 24h)
	FallbackTTL time.Duration

	Metrics *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 3 * time.Second
	}
	if o.FallbackTTL <= 0 {
		o.FallbackTTL = 24 * time.Hour
	}
	return o
}

// ResilientBureau wraps a BureauClient with a timeout and a last-known-good
// cache. A failed lookup is answered from the cache with Stale set.
type ResilientBureau struct {
	inner domain.BureauClient
	cache domain.Cache
	opts  Options
}

// NewResilientBureau decorates inner.
func NewResilientBureau(inner domain.BureauClient, c domain.Cache, opts Options) *ResilientBureau {
	return &ResilientBureau{inner: inner, cache: c, opts: opts.withDefaults()}
}

func (r *ResilientBureau) GetReport(ctx context.Context, clientID string) (*domain.BureauReport, error) {
	key := SourceBureau + ":" + clientID

	report, err := lookup(ctx, r.opts, SourceBureau, func(ctx context.Context) (*domain.BureauReport, error) {
		return r.inner.GetReport(ctx, clientID)
	})
	if err == nil {
		remember(ctx, r.cache, key, report, r.opts.FallbackTTL)
		return report, nil
	}

	var cached domain.BureauReport
	if recall(ctx, r.cache, key, &cached) {
		r.opts.Metrics.IncrementFallback(SourceBureau)
		slog.Warn("bureau lookup failed, using cached report",
			"client_id", clientID,
			"fetched_at", cached.FetchedAt,
			"error", err,
		)
		cached.Stale = true
		return &cached, nil
	}
	return nil, fmt.Errorf("bureau lookup for %s: %w", clientID, err)
}

// ResilientDirectory wraps a ProfileProvider the same way ResilientBureau
// wraps a bureau.
type ResilientDirectory struct {
	inner domain.ProfileProvider
	cache domain.Cache
	opts  Options
}

// NewResilientDirectory decorates inner.
func NewResilientDirectory(inner domain.ProfileProvider, c domain.Cache, opts Options) *ResilientDirectory {
	return &ResilientDirectory{inner: inner, cache: c, opts: opts.withDefaults()}
}

func (r *ResilientDirectory) GetProfile(ctx context.Context, loanApplicationID, clientID string) (*domain.ApplicantProfile, error) {
	key := SourceProfile + ":" + loanApplicationID

	profile, err := lookup(ctx, r.opts, SourceProfile, func(ctx context.Context) (*domain.ApplicantProfile, error) {
		return r.inner.GetProfile(ctx, loanApplicationID, clientID)
	})
	if err == nil {
		remember(ctx, r.cache, key, profile, r.opts.FallbackTTL)
		return profile, nil
	}

	var cached domain.ApplicantProfile
	if recall(ctx, r.cache, key, &cached) {
		r.opts.Metrics.IncrementFallback(SourceProfile)
		slog.Warn("profile lookup failed, using cached profile",
			"loan_application_id", loanApplicationID,
			"fetched_at", cached.FetchedAt,
			"error", err,
		)
		cached.Stale = true
		return &cached, nil
	}
	return nil, fmt.Errorf("profile lookup for %s: %w", loanApplicationID, err)
}

// lookup runs fn under the configured timeout and records its latency.
func lookup[T any](ctx context.Context, opts Options, source string, fn func(context.Context) (*T, error)) (*T, error) {
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	start := time.Now()
	v, err := fn(ctx)
	if err == nil && v == nil {
		err = fmt.Errorf("%s returned no data", source)
	}
	opts.Metrics.ObserveLookup(source, err == nil, time.Since(start))
	return v, err
}

func remember(ctx context.Context, c domain.Cache, key string, v any, ttl time.Duration) {
	if c == nil {
		return
	}
	if err := cache.SetJSON(context.WithoutCancel(ctx), c, key, v, ttl); err != nil {
		slog.Warn("failed to cache lookup result", "key", key, "error", err)
	}
}

func recall(ctx context.Context, c domain.Cache, key string, v any) bool {
	if c == nil {
		return false
	}
	found, err := cache.GetJSON(context.WithoutCancel(ctx), c, key, v)
	if err != nil {
		slog.Warn("failed to read cached lookup result", "key", key, "error", err)
		return false
	}
	return found
}
