package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chat-engine/internal/core/domain"
	"chat-engine/internal/core/ports"
)

// DispatchRequest is a bulk send of one message to many recipients
type DispatchRequest struct {
	InstanceID int64    `json:"instance_id"`
	Type       string   `json:"type"`
	Content    string   `json:"content"`
	Recipients []string `json:"recipients"`
	Priority   int      `json:"priority"`
}

// CampaignDispatcher fans one message out and tracks per-recipient outcomes
type CampaignDispatcher struct {
	repo  ports.CampaignRepository
	queue *OutboundQueue
	now   func() time.Time
}

// NewCampaignDispatcher creates a dispatcher
func NewCampaignDispatcher(repo ports.CampaignRepository, queue *OutboundQueue) *CampaignDispatcher {
	return &CampaignDispatcher{repo: repo, queue: queue, now: time.Now}
}

// Dispatch creates the campaign and enqueues one message per recipient.
// A recipient that cannot be enqueued counts as failed; the campaign goes on.
func (d *CampaignDispatcher) Dispatch(ctx context.Context, req DispatchRequest) (*domain.Campaign, error) {
	if req.Content == "" {
		return nil, domain.NewValidationError("content", "is required")
	}
	if len(req.Recipients) == 0 {
		return nil, domain.NewValidationError("recipients", "must not be empty")
	}
	for i, r := range req.Recipients {
		r = strings.TrimSpace(r)
		if r == "" {
			return nil, domain.NewValidationError("recipients", fmt.Sprintf("entry %d is blank", i))
		}
		req.Recipients[i] = r
	}

	// Reject unknown or blocked instances before creating anything
	inst, err := d.queue.instances.GetInstance(ctx, req.InstanceID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("instance %d not found: %w", req.InstanceID, domain.ErrInvalidInstance)
	}
	if err != nil {
		return nil, fmt.Errorf("load instance: %w", err)
	}
	if inst.IsBlocked() {
		return nil, fmt.Errorf("instance %d is blocked: %w", req.InstanceID, domain.ErrInvalidInstance)
	}

	now := d.now()
	c := &domain.Campaign{
		InstanceID:     req.InstanceID,
		Content:        req.Content,
		RecipientCount: len(req.Recipients),
		Status:         domain.CampaignStatusSending,
		StartedAt:      &now,
		CreatedAt:      now,
	}
	if err := d.repo.CreateCampaign(ctx, c); err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}

	slog.Info("Campaign started",
		"campaign_id", c.ID,
		"instance_id", c.InstanceID,
		"recipients", c.RecipientCount,
	)

	campaignID := c.ID
	enqueued := 0
	for _, chatID := range req.Recipients {
		_, err := d.queue.Enqueue(ctx, EnqueueRequest{
			InstanceID:  req.InstanceID,
			ChatID:      chatID,
			Type:        req.Type,
			Content:     req.Content,
			Priority:    req.Priority,
			ScheduledAt: now,
			CampaignID:  &campaignID,
		})
		if err != nil {
			slog.Warn("Campaign recipient could not be queued",
				"error", err,
				"campaign_id", campaignID,
				"chat_id", chatID,
			)
			if recErr := d.RecordOutcome(ctx, campaignID, false); recErr != nil {
				return nil, recErr
			}
			continue
		}
		enqueued++
	}

	latest, err := d.repo.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("reload campaign %d: %w", campaignID, err)
	}
	slog.Info("Campaign queued",
		"campaign_id", campaignID,
		"enqueued", enqueued,
		"failed", latest.Failed,
	)
	return latest, nil
}

// Get returns a campaign with its counters
func (d *CampaignDispatcher) Get(ctx context.Context, id int64) (*domain.Campaign, error) {
	c, err := d.repo.GetCampaign(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get campaign %d: %w", id, err)
	}
	return c, nil
}

// RecordOutcome counts one terminal recipient
func (d *CampaignDispatcher) RecordOutcome(ctx context.Context, campaignID int64, sent bool) error {
	c, err := d.repo.RecordOutcome(ctx, campaignID, sent, d.now())
	if err != nil {
		return fmt.Errorf("record campaign outcome: %w", err)
	}
	if c.Status == domain.CampaignStatusCompleted && c.Resolved() == c.RecipientCount {
		slog.Info("Campaign completed",
			"campaign_id", c.ID,
			"sent", c.Sent,
			"failed", c.Failed,
		)
	}
	return nil
}

// RecordDelivered counts one delivery receipt
func (d *CampaignDispatcher) RecordDelivered(ctx context.Context, campaignID int64) error {
	if err := d.repo.RecordDelivered(ctx, campaignID); err != nil {
		return fmt.Errorf("record campaign delivery: %w", err)
	}
	return nil
}
