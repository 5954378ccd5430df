package services

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"chat-engine/internal/core/domain"
	"chat-engine/internal/core/ports"
	"chat-engine/internal/metrics"
)

// ReconcilerConfig tunes the polling loop
type ReconcilerConfig struct {
	Interval time.Duration
	Jitter   time.Duration

	// BlockedEvery re-polls blocked instances only every Nth cycle so they can
	// recover without hammering the provider.
	BlockedEvery int

	Concurrency int
	CallTimeout time.Duration
}

// Reconciler polls the provider for the true authorization state of each
// instance and writes corrections into the registry.
type Reconciler struct {
	repo     ports.InstanceRepository
	provider ports.ProviderGateway
	metrics  *metrics.Metrics
	cfg      ReconcilerConfig

	now    func() time.Time
	jitter func(max time.Duration) time.Duration
	cycle  int
}

// NewReconciler creates a reconciler
func NewReconciler(repo ports.InstanceRepository, provider ports.ProviderGateway, m *metrics.Metrics, cfg ReconcilerConfig) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BlockedEvery <= 0 {
		cfg.BlockedEvery = 10
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 15 * time.Second
	}
	return &Reconciler{
		repo:     repo,
		provider: provider,
		metrics:  m,
		cfg:      cfg,
		now:      time.Now,
		jitter:   randomJitter,
	}
}

// MapProviderState translates a provider state string into the local enum
func MapProviderState(raw string) domain.AuthState {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "authorized", "connected", "open":
		return domain.AuthStateAuthorized
	case "notauthorized", "not_authorized", "unauthorized", "qr", "disconnected", "starting", "close":
		return domain.AuthStateUnauthorized
	case "blocked", "banned":
		return domain.AuthStateBlocked
	default:
		return domain.AuthStateUnknown
	}
}

// Run reconciles on every tick until ctx is cancelled
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	slog.Info("[RECONCILER] Service started", "interval", r.cfg.Interval)

	for {
		r.ReconcileOnce(ctx)

		select {
		case <-ctx.Done():
			slog.Info("[RECONCILER] Service stopped")
			return
		case <-ticker.C:
		}
	}
}

// ReconcileOnce runs a single pass over all instances. Failures are logged
// per instance and retried on the next pass.
func (r *Reconciler) ReconcileOnce(ctx context.Context) {
	instances, err := r.repo.ListInstances(ctx)
	if err != nil {
		slog.Error("Failed to list instances for reconciliation", "error", err)
		return
	}

	r.cycle++
	includeBlocked := r.cycle%r.cfg.BlockedEvery == 1 || r.cfg.BlockedEvery == 1

	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)

	for _, inst := range instances {
		if inst.IsBlocked() && !includeBlocked {
			continue
		}
		inst := inst
		g.Go(func() error {
			r.reconcileInstance(ctx, inst)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Reconciler) reconcileInstance(ctx context.Context, inst *domain.Instance) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("PANIC recovered in reconcileInstance",
				"panic", rec,
				"instance_id", inst.ID,
			)
		}
	}()

	if d := r.jitter(r.cfg.Jitter); d > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(d):
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	raw, err := r.provider.GetState(callCtx, inst)
	cancel()

	var mapped domain.AuthState
	switch {
	case errors.Is(err, domain.ErrInstanceBlocked):
		// 403 on the state endpoint is the provider's blocked answer
		mapped = domain.AuthStateBlocked
		raw = "blocked"
	case err != nil:
		r.metrics.Reconcile("error")
		slog.Warn("Failed to fetch instance state",
			"error", err,
			"instance_id", inst.ID,
			"identifier", inst.Identifier,
		)
		return
	default:
		mapped = MapProviderState(raw)
	}
	now := r.now()

	if mapped == inst.AuthState {
		r.metrics.Reconcile("unchanged")
		if err := r.repo.TouchReconciled(ctx, inst.ID, now); err != nil {
			slog.Warn("Failed to record reconcile timestamp", "error", err, "instance_id", inst.ID)
		}
		return
	}

	var authorizedAt *time.Time
	if mapped == domain.AuthStateAuthorized {
		authorizedAt = &now
	}
	if err := r.repo.UpdateAuthState(ctx, inst.ID, mapped, now, authorizedAt); err != nil {
		r.metrics.Reconcile("error")
		slog.Error("Failed to update instance state",
			"error", err,
			"instance_id", inst.ID,
		)
		return
	}

	r.metrics.Reconcile("changed")
	slog.Info("Instance state reconciled",
		"instance_id", inst.ID,
		"identifier", inst.Identifier,
		"from", inst.AuthState,
		"to", mapped,
		"provider_state", raw,
	)
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}
