// Package domain contains core business entities
// Following Hexagonal Architecture: These models are infrastructure-agnostic
package domain

import (
	"encoding/json"
	"time"
)

// AuthState is the provider-side authorization state of an instance
type AuthState string

const (
	AuthStateUnauthorized AuthState = "unauthorized"
	AuthStateAuthorized   AuthState = "authorized"
	AuthStateBlocked      AuthState = "blocked"
	AuthStateUnknown      AuthState = "unknown"
)

// InstanceStatus is the local status derived from AuthState
type InstanceStatus string

const (
	InstanceStatusOnline      InstanceStatus = "online"
	InstanceStatusPendingAuth InstanceStatus = "pending_auth"
	InstanceStatusBlocked     InstanceStatus = "blocked"
	InstanceStatusUnknown     InstanceStatus = "unknown"
)

// StatusFor derives the local status from an authorization state
func StatusFor(state AuthState) InstanceStatus {
	switch state {
	case AuthStateAuthorized:
		return InstanceStatusOnline
	case AuthStateUnauthorized:
		return InstanceStatusPendingAuth
	case AuthStateBlocked:
		return InstanceStatusBlocked
	default:
		return InstanceStatusUnknown
	}
}

// Instance represents one registered account on the messaging provider.
// ID is the stable surrogate key referenced by every other table; Identifier
// is the provider-assigned id and may be migrated.
type Instance struct {
	ID               int64          `json:"id" db:"id"`
	Identifier       string         `json:"identifier" db:"identifier"`
	OwnerID          *int64         `json:"owner_id,omitempty" db:"owner_id"`
	Credential       string         `json:"-" db:"credential"` // Never expose in JSON
	HostURL          string         `json:"host_url" db:"host_url"`
	AuthState        AuthState      `json:"auth_state" db:"auth_state"`
	Status           InstanceStatus `json:"status" db:"status"`
	IsPrimary        bool           `json:"is_primary" db:"is_primary"`
	LastReconciledAt *time.Time     `json:"last_reconciled_at,omitempty" db:"last_reconciled_at"`
	LastAuthorizedAt *time.Time     `json:"last_authorized_at,omitempty" db:"last_authorized_at"`
	CreatedAt        time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at" db:"updated_at"`
}

// IsBlocked reports whether the instance is excluded from delivery
func (i *Instance) IsBlocked() bool {
	return i.AuthState == AuthStateBlocked
}

// MessageStatus tracks the lifecycle of a queued message
type MessageStatus string

const (
	MessageStatusPending   MessageStatus = "pending"
	MessageStatusSending   MessageStatus = "sending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusFailed    MessageStatus = "failed"
)

// IsTerminal reports whether no further delivery attempt will be made
func (s MessageStatus) IsTerminal() bool {
	return s == MessageStatusSent || s == MessageStatusDelivered || s == MessageStatusFailed
}

// MessageType constants
const (
	MessageTypeText     = "text"
	MessageTypeImage    = "image"
	MessageTypeVideo    = "video"
	MessageTypeAudio    = "audio"
	MessageTypeDocument = "document"
	MessageTypeSticker  = "sticker"
)

// QueuedMessage is one outbound delivery attempt
type QueuedMessage struct {
	ID                int64         `json:"id" db:"id"`
	InstanceID        int64         `json:"instance_id" db:"instance_id"`
	CampaignID        *int64        `json:"campaign_id,omitempty" db:"campaign_id"`
	ChatID            string        `json:"chat_id" db:"chat_id"`
	Type              string        `json:"type" db:"type"`
	Content           string        `json:"content" db:"content"`
	Priority          int           `json:"priority" db:"priority"`
	ScheduledAt       time.Time     `json:"scheduled_at" db:"scheduled_at"`
	Status            MessageStatus `json:"status" db:"status"`
	Attempts          int           `json:"attempts" db:"attempts"`
	LastError         *string       `json:"last_error,omitempty" db:"last_error"`
	ProviderMessageID *string       `json:"provider_message_id,omitempty" db:"provider_message_id"`
	LeaseID           string        `json:"-" db:"lease_id"` // set by ClaimBatch
	CreatedAt         time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at" db:"updated_at"`
}

// InboundEvent is one normalized inbound message; immutable once stored
type InboundEvent struct {
	ID                int64     `json:"id" db:"id"`
	InstanceID        int64     `json:"instance_id" db:"instance_id"`
	ProviderMessageID string    `json:"provider_message_id" db:"provider_message_id"`
	SenderID          string    `json:"sender_id" db:"sender_id"`
	Type              string    `json:"type" db:"type"`
	Text              string    `json:"text" db:"text"`
	ReceivedAt        time.Time `json:"received_at" db:"received_at"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}

// MatchMode controls how a rule trigger is compared with inbound text
type MatchMode string

const (
	MatchExact    MatchMode = "exact"
	MatchContains MatchMode = "contains"
)

// AutoReplyRule is one trigger definition.
// DailyCap of zero never fires; a negative cap means unlimited.
type AutoReplyRule struct {
	ID            int64         `json:"id" db:"id"`
	InstanceID    *int64        `json:"instance_id,omitempty" db:"instance_id"` // nil applies to every instance
	Trigger       string        `json:"trigger" db:"trigger_text"`
	MatchMode     MatchMode     `json:"match_mode" db:"match_mode"`
	CaseSensitive bool          `json:"case_sensitive" db:"case_sensitive"`
	ReplyTemplate string        `json:"reply_template" db:"reply_template"`
	Priority      int           `json:"priority" db:"priority"`
	Enabled       bool          `json:"enabled" db:"enabled"`
	DailyCap      int           `json:"daily_cap" db:"daily_cap"`
	UsageCount    int           `json:"usage_count" db:"usage_count"`
	UsageDay      string        `json:"usage_day" db:"usage_day"` // YYYY-MM-DD in the engine's zone
	Delay         time.Duration `json:"delay" db:"delay_ms"`
	Category      string        `json:"category" db:"category"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at" db:"updated_at"`
}

// Unlimited reports whether the rule has no daily cap
func (r *AutoReplyRule) Unlimited() bool {
	return r.DailyCap < 0
}

// CampaignStatus constants
type CampaignStatus string

const (
	CampaignStatusPending   CampaignStatus = "pending"
	CampaignStatusSending   CampaignStatus = "sending"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusFailed    CampaignStatus = "failed"
)

// Campaign is one bulk-send job.
// Counters only grow and Sent never exceeds RecipientCount.
type Campaign struct {
	ID             int64          `json:"id" db:"id"`
	InstanceID     int64          `json:"instance_id" db:"instance_id"`
	Content        string         `json:"content" db:"content"`
	RecipientCount int            `json:"recipient_count" db:"recipient_count"`
	Sent           int            `json:"sent" db:"sent_count"`
	Delivered      int            `json:"delivered" db:"delivered_count"`
	Failed         int            `json:"failed" db:"failed_count"`
	Status         CampaignStatus `json:"status" db:"status"`
	StartedAt      *time.Time     `json:"started_at,omitempty" db:"started_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
}

// Resolved is the number of recipients that reached a terminal status
func (c *Campaign) Resolved() int {
	return c.Sent + c.Failed
}

// WebhookLog represents the audit trail for incoming webhook events
type WebhookLog struct {
	ID          int64           `json:"id" db:"id"`
	Platform    string          `json:"platform" db:"platform"`
	PayloadJSON json.RawMessage `json:"payload_json" db:"payload_json"`
	Status      string          `json:"status" db:"status"` // "pending", "processed", "failed"
	RetryCount  int             `json:"retry_count" db:"retry_count"`
	ErrorLog    *string         `json:"error_log,omitempty" db:"error_log"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// WebhookStatus constants for lifecycle management
const (
	WebhookStatusPending   = "pending"
	WebhookStatusProcessed = "processed"
	WebhookStatusFailed    = "failed"
)
