package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"chat-engine/internal/core/domain"
	"chat-engine/internal/core/ports"
	"chat-engine/internal/metrics"
)

// WorkerConfig tunes the delivery loop
type WorkerConfig struct {
	BatchSize    int
	PollInterval time.Duration
	Concurrency  int

	MaxAttempts          int // transient failures before a message fails
	MaxRateLimitAttempts int // provider 429s before a message fails

	BackoffBase time.Duration
	BackoffMax  time.Duration

	// RateMaxWait is the longest the worker sleeps for a local token before
	// deferring the message instead
	RateMaxWait time.Duration

	CallTimeout time.Duration

	// StaleAfter releases messages stuck in sending after a worker crash.
	// The lease is refreshed before every send, so it must exceed
	// RateMaxWait + CallTimeout.
	StaleAfter time.Duration
}

func (c *WorkerConfig) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.MaxRateLimitAttempts <= 0 {
		c.MaxRateLimitAttempts = 3 * c.MaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 10 * time.Minute
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 15 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Minute
	}
}

// CampaignTracker receives terminal outcomes of campaign messages
type CampaignTracker interface {
	RecordOutcome(ctx context.Context, campaignID int64, sent bool) error
}

// retryAfterer is implemented by provider errors carrying a Retry-After hint
type retryAfterer interface {
	RetryAfter() time.Duration
}

// DeliveryWorker drains the outbound queue into the provider
type DeliveryWorker struct {
	queue     *OutboundQueue
	repo      ports.QueueRepository
	instances ports.InstanceRepository
	registry  *Registry
	provider  ports.ProviderGateway
	limiter   *InstanceLimiter
	campaigns CampaignTracker
	metrics   *metrics.Metrics
	cfg       WorkerConfig

	now func() time.Time
}

// NewDeliveryWorker wires a worker. campaigns may be nil.
func NewDeliveryWorker(
	queue *OutboundQueue,
	repo ports.QueueRepository,
	instances ports.InstanceRepository,
	registry *Registry,
	provider ports.ProviderGateway,
	limiter *InstanceLimiter,
	campaigns CampaignTracker,
	m *metrics.Metrics,
	cfg WorkerConfig,
) *DeliveryWorker {
	cfg.applyDefaults()
	return &DeliveryWorker{
		queue:     queue,
		repo:      repo,
		instances: instances,
		registry:  registry,
		provider:  provider,
		limiter:   limiter,
		campaigns: campaigns,
		metrics:   m,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Backoff returns base * 2^attempt capped at max
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Run polls the queue until ctx is cancelled
func (w *DeliveryWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	slog.Info("[WORKER] Delivery worker started",
		"poll_interval", w.cfg.PollInterval,
		"batch_size", w.cfg.BatchSize,
	)

	lastRecovery := time.Time{}
	for {
		if w.now().Sub(lastRecovery) >= w.cfg.StaleAfter {
			w.recoverStale(ctx)
			lastRecovery = w.now()
		}

		// Drain while batches come back full
		for ctx.Err() == nil {
			n, err := w.ProcessBatch(ctx)
			if err != nil {
				slog.Error("Delivery batch failed", "error", err)
				break
			}
			if n < w.cfg.BatchSize {
				break
			}
		}

		select {
		case <-ctx.Done():
			slog.Info("[WORKER] Delivery worker stopped")
			return
		case <-ticker.C:
		}
	}
}

func (w *DeliveryWorker) recoverStale(ctx context.Context) {
	n, err := w.repo.RecoverStale(ctx, w.now().Add(-w.cfg.StaleAfter))
	if err != nil {
		slog.Error("Failed to recover stale messages", "error", err)
		return
	}
	if n > 0 {
		slog.Warn("Released stale sending messages", "count", n)
	}
}

// ProcessBatch claims one batch and attempts every message in it. Instances
// are processed concurrently; messages of one instance keep claim order.
func (w *DeliveryWorker) ProcessBatch(ctx context.Context) (int, error) {
	msgs, err := w.queue.DequeueBatch(ctx, w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	var order []int64
	groups := make(map[int64][]*domain.QueuedMessage)
	for _, m := range msgs {
		if _, ok := groups[m.InstanceID]; !ok {
			order = append(order, m.InstanceID)
		}
		groups[m.InstanceID] = append(groups[m.InstanceID], m)
	}

	var g errgroup.Group
	g.SetLimit(w.cfg.Concurrency)
	for _, instanceID := range order {
		batch := groups[instanceID]
		g.Go(func() error {
			w.deliverInstance(ctx, batch)
			return nil
		})
	}
	_ = g.Wait()

	return len(msgs), nil
}

func (w *DeliveryWorker) deliverInstance(ctx context.Context, msgs []*domain.QueuedMessage) {
	inst, err := w.instances.GetInstance(ctx, msgs[0].InstanceID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			for _, m := range msgs {
				w.fail(ctx, m, m.Attempts, "instance not found")
			}
			return
		}
		// Storage trouble: hand the claims back untouched
		slog.Error("Failed to load instance for delivery",
			"error", err,
			"instance_id", msgs[0].InstanceID,
		)
		for _, m := range msgs {
			w.reschedule(ctx, m, w.now(), m.Attempts, m.LastError)
		}
		return
	}

	var deferUntil time.Time
	for _, m := range msgs {
		if !deferUntil.IsZero() {
			w.metrics.Delivery("deferred")
			w.reschedule(ctx, m, deferUntil, m.Attempts, m.LastError)
			continue
		}
		deferUntil = w.deliverOne(ctx, inst, m)
	}
}

// deliverOne attempts a single message. A non-zero return defers every later
// message of the same instance in this batch until that time.
func (w *DeliveryWorker) deliverOne(ctx context.Context, inst *domain.Instance, msg *domain.QueuedMessage) (deferUntil time.Time) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("PANIC recovered in deliverOne",
				"panic", r,
				"message_id", msg.ID,
			)
			w.reschedule(ctx, msg, w.now().Add(w.cfg.BackoffBase), msg.Attempts+1, strPtr(fmt.Sprint(r)))
			deferUntil = time.Time{}
		}
	}()

	if inst.IsBlocked() {
		w.metrics.Delivery("blocked")
		w.fail(ctx, msg, msg.Attempts, "instance blocked")
		return time.Time{}
	}

	wait, err := w.limiter.Acquire(ctx, inst.ID, w.cfg.RateMaxWait)
	if err != nil {
		// Shutting down: release the claim
		w.reschedule(ctx, msg, w.now(), msg.Attempts, msg.LastError)
		return time.Time{}
	}
	if wait > 0 {
		until := w.now().Add(wait)
		w.metrics.Delivery("deferred")
		w.reschedule(ctx, msg, until, msg.Attempts, msg.LastError)
		return until
	}

	// Refresh the lease right before the call so a slow batch is never
	// released to another worker while this message is in flight
	if err := w.repo.Heartbeat(ctx, msg.ID, msg.LeaseID); err != nil {
		if errors.Is(err, domain.ErrLeaseLost) {
			w.metrics.Delivery("lease_lost")
			slog.Warn("Message claim lost before send, skipping",
				"message_id", msg.ID,
				"instance_id", inst.ID,
			)
			return time.Time{}
		}
		slog.Error("Failed to refresh message lease", "error", err, "message_id", msg.ID)
		return time.Time{}
	}

	callCtx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
	providerID, err := w.provider.Send(callCtx, inst, ports.OutboundMessage{
		ChatID:  msg.ChatID,
		Type:    msg.Type,
		Content: msg.Content,
	})
	cancel()

	now := w.now()
	switch {
	case err == nil:
		if err := w.repo.MarkSent(ctx, msg.ID, msg.LeaseID, providerID); err != nil {
			slog.Error("Failed to mark message sent", "error", err, "message_id", msg.ID)
			return time.Time{}
		}
		w.metrics.Delivery("sent")
		slog.Info("Message delivered",
			"message_id", msg.ID,
			"instance_id", inst.ID,
			"provider_message_id", providerID,
		)
		w.recordCampaign(ctx, msg, true)
		return time.Time{}

	case errors.Is(err, domain.ErrRateLimited):
		attempts := msg.Attempts + 1
		if attempts > w.cfg.MaxRateLimitAttempts {
			w.metrics.Delivery("failed")
			w.fail(ctx, msg, attempts, err.Error())
			return time.Time{}
		}
		delay := Backoff(w.cfg.BackoffBase, w.cfg.BackoffMax, msg.Attempts)
		var ra retryAfterer
		if errors.As(err, &ra) && ra.RetryAfter() > delay {
			delay = ra.RetryAfter()
		}
		until := now.Add(delay)
		w.metrics.Delivery("rate_limited")
		slog.Warn("Provider rate limited, backing off",
			"message_id", msg.ID,
			"instance_id", inst.ID,
			"attempts", attempts,
			"retry_at", until,
		)
		w.reschedule(ctx, msg, until, attempts, strPtr(err.Error()))
		return until

	case errors.Is(err, domain.ErrInstanceBlocked):
		w.metrics.Delivery("blocked")
		w.fail(ctx, msg, msg.Attempts+1, err.Error())
		if err := w.registry.MarkBlocked(ctx, inst.ID, "send rejected: instance blocked"); err != nil {
			slog.Error("Failed to flip instance to blocked", "error", err, "instance_id", inst.ID)
		}
		inst.AuthState = domain.AuthStateBlocked
		return time.Time{}

	case errors.Is(err, domain.ErrRejected):
		w.metrics.Delivery("failed")
		w.fail(ctx, msg, msg.Attempts+1, err.Error())
		return time.Time{}

	default:
		attempts := msg.Attempts + 1
		if attempts > w.cfg.MaxAttempts {
			w.metrics.Delivery("failed")
			w.fail(ctx, msg, attempts, err.Error())
			return time.Time{}
		}
		until := now.Add(Backoff(w.cfg.BackoffBase, w.cfg.BackoffMax, msg.Attempts))
		w.metrics.Delivery("retry")
		slog.Warn("Transient delivery failure, retrying",
			"error", err,
			"message_id", msg.ID,
			"attempts", attempts,
			"retry_at", until,
		)
		w.reschedule(ctx, msg, until, attempts, strPtr(err.Error()))
		return time.Time{}
	}
}

func (w *DeliveryWorker) fail(ctx context.Context, msg *domain.QueuedMessage, attempts int, reason string) {
	if err := w.repo.MarkFailed(ctx, msg.ID, msg.LeaseID, attempts, reason); err != nil {
		if errors.Is(err, domain.ErrLeaseLost) {
			slog.Warn("Message claim lost, outcome dropped", "message_id", msg.ID, "reason", reason)
			return
		}
		slog.Error("Failed to mark message failed", "error", err, "message_id", msg.ID)
		return
	}
	slog.Warn("Message delivery failed permanently",
		"message_id", msg.ID,
		"instance_id", msg.InstanceID,
		"attempts", attempts,
		"reason", reason,
	)
	w.recordCampaign(ctx, msg, false)
}

func (w *DeliveryWorker) reschedule(ctx context.Context, msg *domain.QueuedMessage, at time.Time, attempts int, lastError *string) {
	if err := w.repo.Reschedule(ctx, msg.ID, msg.LeaseID, at, attempts, lastError); err != nil {
		if errors.Is(err, domain.ErrLeaseLost) {
			slog.Warn("Message claim lost, reschedule dropped", "message_id", msg.ID)
			return
		}
		slog.Error("Failed to reschedule message", "error", err, "message_id", msg.ID)
	}
}

func (w *DeliveryWorker) recordCampaign(ctx context.Context, msg *domain.QueuedMessage, sent bool) {
	if msg.CampaignID == nil || w.campaigns == nil {
		return
	}
	if err := w.campaigns.RecordOutcome(ctx, *msg.CampaignID, sent); err != nil {
		slog.Error("Failed to record campaign outcome",
			"error", err,
			"campaign_id", *msg.CampaignID,
			"message_id", msg.ID,
		)
	}
}

func strPtr(s string) *string {
	return &s
}
