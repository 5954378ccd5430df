package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"chat-engine/internal/adapters/dto"
	"chat-engine/internal/core/domain"
	"chat-engine/internal/core/ports"
	"chat-engine/internal/metrics"
)

// Ingest outcomes
const (
	IngestStored    = "stored"
	IngestDuplicate = "duplicate"
	IngestIgnored   = "ignored"
	IngestReceipt   = "receipt"
)

const dedupTTL = 24 * time.Hour

// InboundHandler reacts to a newly stored inbound event
type InboundHandler interface {
	HandleInbound(ctx context.Context, inst *domain.Instance, evt *domain.InboundEvent)
}

// DeliveryRecorder counts provider delivery receipts of campaign messages
type DeliveryRecorder interface {
	RecordDelivered(ctx context.Context, campaignID int64) error
}

// IngestResult tells the webhook handler what happened to a payload
type IngestResult struct {
	Outcome string `json:"outcome"`
	EventID int64  `json:"event_id,omitempty"`
}

// Ingestor orchestrates webhook processing.
// The payload is persisted before Ingest returns; auto-replies run in the background.
type Ingestor struct {
	webhookRepo ports.WebhookRepository
	instances   ports.InstanceRepository
	inboundRepo ports.InboundRepository
	queueRepo   ports.QueueRepository
	dedupRepo   ports.DedupRepository
	handler     InboundHandler
	receipts    DeliveryRecorder
	metrics     *metrics.Metrics

	wg  sync.WaitGroup
	now func() time.Time
}

// NewIngestor creates an ingestor with dependencies injected.
// dedupRepo, handler and receipts may be nil.
func NewIngestor(
	webhookRepo ports.WebhookRepository,
	instances ports.InstanceRepository,
	inboundRepo ports.InboundRepository,
	queueRepo ports.QueueRepository,
	dedupRepo ports.DedupRepository,
	handler InboundHandler,
	receipts DeliveryRecorder,
	m *metrics.Metrics,
) *Ingestor {
	return &Ingestor{
		webhookRepo: webhookRepo,
		instances:   instances,
		inboundRepo: inboundRepo,
		queueRepo:   queueRepo,
		dedupRepo:   dedupRepo,
		handler:     handler,
		receipts:    receipts,
		metrics:     m,
		now:         time.Now,
	}
}

// Ingest validates and stores one webhook payload.
// Malformed payloads and unknown instances return a domain.ValidationError.
// Any other error means nothing was stored and the provider should redeliver.
// Every payload is audited with its final status.
func (in *Ingestor) Ingest(ctx context.Context, platform string, payload []byte) (IngestResult, error) {
	status, errLog := domain.WebhookStatusFailed, "ingest aborted"
	defer func() {
		in.saveAuditLog(platform, payload, status, errLog)
	}()

	res, err := in.ingest(ctx, payload)
	if err != nil {
		errLog = err.Error()
		return res, err
	}
	status, errLog = domain.WebhookStatusProcessed, ""
	return res, nil
}

func (in *Ingestor) ingest(ctx context.Context, payload []byte) (IngestResult, error) {
	var req dto.ProviderWebhookRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		in.metrics.WebhookEvent("invalid")
		return IngestResult{}, domain.NewValidationError("payload", "is not valid JSON")
	}

	req.InstanceID = strings.TrimSpace(req.InstanceID)
	if req.InstanceID == "" {
		in.metrics.WebhookEvent("invalid")
		return IngestResult{}, domain.NewValidationError("instanceId", "is required")
	}

	if req.IsDeliveryReceipt() {
		return in.handleReceipt(ctx, &req)
	}
	if !req.IsUserMessage() {
		slog.Debug("Skipping non-user webhook event",
			"event", req.Event,
			"from_me", req.Data.FromMe,
			"message_id", req.Data.MessageID,
		)
		in.metrics.WebhookEvent(IngestIgnored)
		return IngestResult{Outcome: IngestIgnored}, nil
	}

	if req.Data.MessageID == "" {
		in.metrics.WebhookEvent("invalid")
		return IngestResult{}, domain.NewValidationError("data.messageId", "is required")
	}
	if req.Data.From == "" {
		in.metrics.WebhookEvent("invalid")
		return IngestResult{}, domain.NewValidationError("data.from", "is required")
	}

	inst, err := in.resolveInstance(ctx, req.InstanceID)
	if err != nil {
		return IngestResult{}, err
	}

	dedupKey := fmt.Sprintf("%d:%s", inst.ID, req.Data.MessageID)
	if in.dedupRepo != nil {
		isDup, err := in.dedupRepo.IsDuplicate(ctx, dedupKey)
		if err != nil {
			// The unique constraint below still holds
			slog.Warn("Dedup cache unavailable", "error", err, "message_id", req.Data.MessageID)
		} else if isDup {
			slog.Info("Duplicate message detected, skipping",
				"message_id", req.Data.MessageID,
				"instance_id", inst.ID,
			)
			in.metrics.WebhookEvent(IngestDuplicate)
			return IngestResult{Outcome: IngestDuplicate}, nil
		}
	}

	now := in.now()
	evt := &domain.InboundEvent{
		InstanceID:        inst.ID,
		ProviderMessageID: req.Data.MessageID,
		SenderID:          req.Data.From,
		Type:              req.GetMessageType(),
		Text:              req.Data.Text,
		ReceivedAt:        req.ReceivedAt(now),
		CreatedAt:         now,
	}

	inserted, err := in.inboundRepo.InsertIfAbsent(ctx, evt)
	if err != nil {
		in.metrics.WebhookEvent("error")
		return IngestResult{}, fmt.Errorf("save inbound event: %w", err)
	}

	in.markProcessed(ctx, dedupKey)

	if !inserted {
		slog.Info("Redelivered message absorbed",
			"message_id", req.Data.MessageID,
			"instance_id", inst.ID,
		)
		in.metrics.WebhookEvent(IngestDuplicate)
		return IngestResult{Outcome: IngestDuplicate}, nil
	}

	in.metrics.WebhookEvent(IngestStored)
	slog.Info("Inbound message stored",
		"event_id", evt.ID,
		"message_id", evt.ProviderMessageID,
		"instance_id", inst.ID,
		"sender_id", evt.SenderID,
		"content_preview", preview(evt.Text, 50),
	)

	in.handOff(inst, evt)
	return IngestResult{Outcome: IngestStored, EventID: evt.ID}, nil
}

// Wait blocks until background work started by Ingest has finished
func (in *Ingestor) Wait() {
	in.wg.Wait()
}

func (in *Ingestor) resolveInstance(ctx context.Context, identifier string) (*domain.Instance, error) {
	inst, err := in.instances.GetInstanceByIdentifier(ctx, identifier)
	if errors.Is(err, domain.ErrNotFound) {
		in.metrics.WebhookEvent("invalid")
		return nil, domain.NewValidationError("instanceId", "is not a registered instance")
	}
	if err != nil {
		in.metrics.WebhookEvent("error")
		return nil, fmt.Errorf("resolve instance: %w", err)
	}
	return inst, nil
}

func (in *Ingestor) handleReceipt(ctx context.Context, req *dto.ProviderWebhookRequest) (IngestResult, error) {
	if req.Data.MessageID == "" {
		in.metrics.WebhookEvent("invalid")
		return IngestResult{}, domain.NewValidationError("data.messageId", "is required")
	}
	inst, err := in.resolveInstance(ctx, req.InstanceID)
	if err != nil {
		return IngestResult{}, err
	}

	msg, err := in.queueRepo.MarkDelivered(ctx, inst.ID, req.Data.MessageID)
	if err != nil {
		in.metrics.WebhookEvent("error")
		return IngestResult{}, fmt.Errorf("mark message delivered: %w", err)
	}
	in.metrics.WebhookEvent(IngestReceipt)
	if msg == nil {
		// Receipt for a message we never sent or already counted
		return IngestResult{Outcome: IngestReceipt}, nil
	}

	if msg.CampaignID != nil && in.receipts != nil {
		if err := in.receipts.RecordDelivered(ctx, *msg.CampaignID); err != nil {
			slog.Error("Failed to count campaign delivery",
				"error", err,
				"campaign_id", *msg.CampaignID,
				"message_id", msg.ID,
			)
		}
	}
	slog.Debug("Delivery receipt applied",
		"message_id", msg.ID,
		"provider_message_id", req.Data.MessageID,
		"status", req.Data.Status,
	)
	return IngestResult{Outcome: IngestReceipt}, nil
}

func (in *Ingestor) markProcessed(ctx context.Context, key string) {
	if in.dedupRepo == nil {
		return
	}
	if err := in.dedupRepo.MarkProcessed(ctx, key, dedupTTL); err != nil {
		// Message already saved
		slog.Warn("Failed to mark message in dedup cache",
			"error", err,
			"key", key,
		)
	}
}

// saveAuditLog persists the raw payload without blocking the request
func (in *Ingestor) saveAuditLog(platform string, payload []byte, status, errLog string) {
	if in.webhookRepo == nil {
		return
	}
	raw := make([]byte, len(payload))
	copy(raw, payload)
	if !json.Valid(raw) {
		// payload_json is a JSON column
		quoted, _ := json.Marshal(string(payload))
		raw = quoted
	}
	log := &domain.WebhookLog{
		Platform:    platform,
		PayloadJSON: json.RawMessage(raw),
		Status:      status,
		CreatedAt:   in.now(),
	}
	if errLog != "" {
		log.ErrorLog = &errLog
	}

	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("PANIC in webhook log save", "panic", r)
			}
		}()

		if err := in.webhookRepo.SaveLog(context.Background(), log); err != nil {
			slog.Error("Failed to save webhook log (async)", "error", err)
		}
	}()
}

// handOff runs the inbound handler after the request has been answered
func (in *Ingestor) handOff(inst *domain.Instance, evt *domain.InboundEvent) {
	if in.handler == nil {
		return
	}
	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("PANIC recovered in inbound handler",
					"panic", r,
					"event_id", evt.ID,
				)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		in.handler.HandleInbound(ctx, inst, evt)
	}()
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
