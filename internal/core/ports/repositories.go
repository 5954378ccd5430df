// Package ports defines interfaces for dependency inversion
// Following Hexagonal Architecture: Core defines contracts, Adapters implement them
package ports

import (
	"context"
	"time"

	"chat-engine/internal/core/domain"
)

// InstanceRepository persists messaging accounts
type InstanceRepository interface {
	// Upsert inserts the instance or, when the identifier exists, returns the
	// stored row. The caller decides whether a credential mismatch is a conflict.
	Upsert(ctx context.Context, inst *domain.Instance) (stored *domain.Instance, created bool, err error)

	// UpdateConfig replaces credential, host and owner of an existing instance
	UpdateConfig(ctx context.Context, id int64, credential, hostURL string, ownerID *int64) error

	GetInstance(ctx context.Context, id int64) (*domain.Instance, error)
	GetInstanceByIdentifier(ctx context.Context, identifier string) (*domain.Instance, error)
	ListInstances(ctx context.Context) ([]*domain.Instance, error)

	// SetPrimary clears the primary flag on every instance of ownerID and sets
	// it on instanceID inside one transaction. Returns domain.ErrNotFound when
	// instanceID is not owned by ownerID.
	SetPrimary(ctx context.Context, ownerID, instanceID int64) error

	// UpdateAuthState writes the reconciled state; authorizedAt is non-nil only
	// when the new state is authorized.
	UpdateAuthState(ctx context.Context, id int64, state domain.AuthState, reconciledAt time.Time, authorizedAt *time.Time) error

	// TouchReconciled records a reconcile pass that found no change
	TouchReconciled(ctx context.Context, id int64, reconciledAt time.Time) error

	// UpdateIdentifier migrates the provider identifier; rows keyed by id are untouched
	UpdateIdentifier(ctx context.Context, id int64, identifier string) error
}

// QueueRepository is the durable outbound queue
type QueueRepository interface {
	InsertMessage(ctx context.Context, msg *domain.QueuedMessage) error
	GetMessage(ctx context.Context, id int64) (*domain.QueuedMessage, error)

	// ClaimBatch atomically moves up to limit due pending messages to sending,
	// ordered by (priority, scheduled_at, id), and stamps them with a fresh
	// lease. Concurrent callers never receive the same message.
	ClaimBatch(ctx context.Context, now time.Time, limit int) ([]*domain.QueuedMessage, error)

	// Heartbeat refreshes updated_at of a claimed message. It and the outcome
	// writes below return domain.ErrLeaseLost when the message is no longer
	// sending under lease.
	Heartbeat(ctx context.Context, id int64, lease string) error

	MarkSent(ctx context.Context, id int64, lease, providerMessageID string) error
	MarkFailed(ctx context.Context, id int64, lease string, attempts int, lastError string) error

	// Reschedule puts a claimed message back to pending
	Reschedule(ctx context.Context, id int64, lease string, scheduledAt time.Time, attempts int, lastError *string) error

	// MarkDelivered flips a sent message to delivered by provider message id.
	// Returns nil message when nothing matched.
	MarkDelivered(ctx context.Context, instanceID int64, providerMessageID string) (*domain.QueuedMessage, error)

	// RecoverStale resets sending rows last touched before cutoff
	RecoverStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// InboundRepository stores normalized inbound messages
type InboundRepository interface {
	// InsertIfAbsent stores the event unless (instance_id, provider_message_id)
	// already exists. inserted is false for a redelivery.
	InsertIfAbsent(ctx context.Context, evt *domain.InboundEvent) (inserted bool, err error)
}

// RuleRepository stores auto-reply rules
type RuleRepository interface {
	CreateRule(ctx context.Context, rule *domain.AutoReplyRule) error
	UpdateRule(ctx context.Context, rule *domain.AutoReplyRule) error
	GetRule(ctx context.Context, id int64) (*domain.AutoReplyRule, error)
	ListRules(ctx context.Context) ([]*domain.AutoReplyRule, error)

	// ListEnabledRules returns enabled rules that apply to instanceID
	// (instance-specific or global), ordered by priority then id.
	ListEnabledRules(ctx context.Context, instanceID int64) ([]*domain.AutoReplyRule, error)

	// TryConsume atomically resets the usage counter when day differs from the
	// stored counter day, then increments it if the cap allows. Returns false
	// when the rule is exhausted for day.
	TryConsume(ctx context.Context, ruleID int64, day string) (bool, error)

	// ReleaseUse returns one use taken by TryConsume for day. No-op once the
	// counter moved to another day.
	ReleaseUse(ctx context.Context, ruleID int64, day string) error
}

// CampaignRepository stores bulk-send jobs and their counters
type CampaignRepository interface {
	CreateCampaign(ctx context.Context, c *domain.Campaign) error
	GetCampaign(ctx context.Context, id int64) (*domain.Campaign, error)

	// RecordOutcome increments sent or failed and completes the campaign when
	// every recipient is resolved, in one transaction.
	RecordOutcome(ctx context.Context, id int64, sent bool, at time.Time) (*domain.Campaign, error)

	// RecordDelivered increments the delivered counter
	RecordDelivered(ctx context.Context, id int64) error
}

// WebhookRepository handles persistence of webhook audit logs
type WebhookRepository interface {
	// SaveLog persists a webhook event to the audit log
	SaveLog(ctx context.Context, log *domain.WebhookLog) error
}

// DedupRepository is a fast-path cache in front of the inbound uniqueness constraint
type DedupRepository interface {
	// IsDuplicate checks if an event ID has already been processed
	IsDuplicate(ctx context.Context, eventID string) (bool, error)

	// MarkProcessed marks an event as processed in the cache with a TTL
	MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) error
}

// RetentionRepository purges old rows under disk pressure
type RetentionRepository interface {
	PurgeTerminalMessages(ctx context.Context, olderThan time.Time, limit int) (int64, error)
	PurgeWebhookLogs(ctx context.Context, olderThan time.Time, limit int) (int64, error)
}
