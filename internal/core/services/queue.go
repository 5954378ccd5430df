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
	"chat-engine/internal/metrics"
)

// EnqueueRequest describes one outbound message
type EnqueueRequest struct {
	InstanceID  int64     `json:"instance_id"`
	ChatID      string    `json:"chat_id"`
	Type        string    `json:"type"`
	Content     string    `json:"content"`
	Priority    int       `json:"priority"`
	ScheduledAt time.Time `json:"scheduled_at"`
	CampaignID  *int64    `json:"campaign_id,omitempty"`
}

// OutboundQueue is the durable, priority-ordered store of messages awaiting delivery
type OutboundQueue struct {
	instances ports.InstanceRepository
	repo      ports.QueueRepository
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewOutboundQueue creates a queue service
func NewOutboundQueue(instances ports.InstanceRepository, repo ports.QueueRepository, m *metrics.Metrics) *OutboundQueue {
	return &OutboundQueue{
		instances: instances,
		repo:      repo,
		metrics:   m,
		now:       time.Now,
	}
}

// Enqueue validates the target instance and inserts a pending message.
// Fails with domain.ErrInvalidInstance if the instance is missing or blocked.
func (q *OutboundQueue) Enqueue(ctx context.Context, req EnqueueRequest) (*domain.QueuedMessage, error) {
	req.ChatID = strings.TrimSpace(req.ChatID)
	if req.ChatID == "" {
		return nil, domain.NewValidationError("chat_id", "is required")
	}
	if req.Content == "" {
		return nil, domain.NewValidationError("content", "is required")
	}
	if req.Type == "" {
		req.Type = domain.MessageTypeText
	}

	inst, err := q.instances.GetInstance(ctx, req.InstanceID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("instance %d not found: %w", req.InstanceID, domain.ErrInvalidInstance)
	}
	if err != nil {
		return nil, fmt.Errorf("load instance: %w", err)
	}
	if inst.IsBlocked() {
		return nil, fmt.Errorf("instance %d is blocked: %w", req.InstanceID, domain.ErrInvalidInstance)
	}

	now := q.now()
	scheduledAt := req.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = now
	}

	msg := &domain.QueuedMessage{
		InstanceID:  inst.ID,
		CampaignID:  req.CampaignID,
		ChatID:      req.ChatID,
		Type:        req.Type,
		Content:     req.Content,
		Priority:    req.Priority,
		ScheduledAt: scheduledAt,
		Status:      domain.MessageStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.repo.InsertMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("insert queued message: %w", err)
	}

	slog.Debug("Message enqueued",
		"message_id", msg.ID,
		"instance_id", msg.InstanceID,
		"priority", msg.Priority,
		"scheduled_at", msg.ScheduledAt,
	)
	return msg, nil
}

// DequeueBatch claims up to limit due messages and marks them sending
func (q *OutboundQueue) DequeueBatch(ctx context.Context, limit int) ([]*domain.QueuedMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	msgs, err := q.repo.ClaimBatch(ctx, q.now(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	q.metrics.ClaimedBatch(len(msgs))
	return msgs, nil
}

// Get returns a queued message by id
func (q *OutboundQueue) Get(ctx context.Context, id int64) (*domain.QueuedMessage, error) {
	msg, err := q.repo.GetMessage(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get queued message %d: %w", id, err)
	}
	return msg, nil
}
