package riskconfig

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// lastGoodKey is where the most recent good snapshot is kept for warm starts.
const lastGoodKey = "riskconfig:last-good"

// RefreshObserver is told about every refresh attempt.
type RefreshObserver interface {
	ConfigRefreshed(ok bool)
}

// Options tune a Provider. Zero values fall back to defaults.
type Options struct {
	RefreshInterval time.Duration
	FetchTimeout    time.Duration

	// Cache, when set, stores the last good snapshot so a restart can
	// serve it while the source is unreachable.
	Cache    domain.Cache
	Observer RefreshObserver
}

// Provider serves the current Snapshot. Readers never block on a refresh and
// never observe a half-applied update.
type Provider struct {
	source   Source
	compiler *rules.Compiler
	opts     Options

	current atomic.Pointer[Snapshot]

	mu      sync.Mutex // serializes refreshes
	stopCh  chan struct{}
	stopped chan struct{}
	running bool
}

// NewProvider creates a provider. Call Load before serving traffic.
func NewProvider(source Source, compiler *rules.Compiler, opts Options) *Provider {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 5 * time.Minute
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 5 * time.Second
	}
	return &Provider{source: source, compiler: compiler, opts: opts}
}

// Compiler returns the compiler snapshots are built with.
func (p *Provider) Compiler() *rules.Compiler {
	return p.compiler
}

// Load performs the initial fetch. If the source fails it falls back to the
// cached last good snapshot. An error means no snapshot is available.
func (p *Provider) Load(ctx context.Context) error {
	err := p.Refresh(ctx)
	if err == nil {
		return nil
	}
	if p.restore(ctx) {
		slog.Warn("risk config source unavailable, serving cached snapshot",
			"error", err,
			"config_version", p.Version(),
		)
		return nil
	}
	return fmt.Errorf("%w: %v", domain.ErrConfigurationUnavailable, err)
}

// Refresh fetches both documents, builds a snapshot and swaps it in. On any
// failure the previous snapshot stays in place.
func (p *Provider) Refresh(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap, err := p.fetch(ctx)
	if p.opts.Observer != nil {
		p.opts.Observer.ConfigRefreshed(err == nil)
	}
	if err != nil {
		slog.Warn("risk config refresh failed, keeping last good snapshot",
			"error", err,
			"config_version", p.Version(),
		)
		return err
	}

	prev := p.current.Swap(snap)
	if prev == nil || prev.Version != snap.Version {
		slog.Info("risk config loaded",
			"config_version", snap.Version,
			"rules", len(snap.Program.Rules),
			"grades", len(snap.Thresholds.Grades),
		)
	}
	p.persist(ctx, snap)
	return nil
}

func (p *Provider) fetch(ctx context.Context) (*Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.FetchTimeout)
	defer cancel()

	rs, err := p.source.FetchRuleSet(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch rule set: %w", err)
	}
	tc, err := p.source.FetchThresholds(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch thresholds: %w", err)
	}
	return Build(p.compiler, rs, tc)
}

// Install swaps in an already built snapshot.
func (p *Provider) Install(ctx context.Context, snap *Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current.Store(snap)
	p.persist(ctx, snap)
}

func (p *Provider) persist(ctx context.Context, snap *Snapshot) {
	if p.opts.Cache == nil {
		return
	}
	doc := Document{Rules: snap.RuleSet, Thresholds: snap.Thresholds}
	if err := cache.SetJSON(ctx, p.opts.Cache, lastGoodKey, doc, 0); err != nil {
		slog.Warn("failed to cache risk config snapshot", "error", err)
	}
}

func (p *Provider) restore(ctx context.Context) bool {
	if p.opts.Cache == nil {
		return false
	}
	var doc Document
	found, err := cache.GetJSON(ctx, p.opts.Cache, lastGoodKey, &doc)
	if err != nil || !found {
		return false
	}
	snap, err := Build(p.compiler, doc.Rules, doc.Thresholds)
	if err != nil {
		slog.Warn("cached risk config snapshot is invalid", "error", err)
		return false
	}
	p.current.CompareAndSwap(nil, snap)
	return true
}

// Start refreshes on the configured interval until Stop or ctx is done.
func (p *Provider) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.stopped = make(chan struct{})
	stopCh, stopped := p.stopCh, p.stopped
	p.mu.Unlock()

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(p.opts.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				_ = p.Refresh(ctx)
			}
		}
	}()
}

// Stop ends the refresh loop and waits for it to exit.
func (p *Provider) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	stopped := p.stopped
	p.mu.Unlock()
	<-stopped
}

// Snapshot returns the current snapshot.
func (p *Provider) Snapshot() (*Snapshot, error) {
	snap := p.current.Load()
	if snap == nil {
		return nil, domain.ErrConfigurationUnavailable
	}
	return snap, nil
}

// GetRuleConfiguration returns a copy of the active rules and their version.
func (p *Provider) GetRuleConfiguration() ([]domain.AssessmentRule, string, error) {
	snap, err := p.Snapshot()
	if err != nil {
		return nil, "", err
	}
	out := slices.Clone(snap.RuleSet.Rules)
	for i := range out {
		out[i].Flags = slices.Clone(out[i].Flags)
	}
	return out, snap.RuleSet.Version, nil
}

// GetThresholdConfiguration returns a copy of the active thresholds, the DTI
// cutoff and the version.
func (p *Provider) GetThresholdConfiguration() (*domain.ThresholdConfiguration, decimal.Decimal, string, error) {
	snap, err := p.Snapshot()
	if err != nil {
		return nil, decimal.Zero, "", err
	}
	tc := *snap.Thresholds
	tc.Grades = slices.Clone(tc.Grades)
	tc.ReviewFlags = slices.Clone(tc.ReviewFlags)
	return &tc, tc.DTICutoff, tc.Version, nil
}

// Version returns "rules:<v1>|thresholds:<v2>", or "" before the first load.
func (p *Provider) Version() string {
	if snap := p.current.Load(); snap != nil {
		return snap.Version
	}
	return ""
}
