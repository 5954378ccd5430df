// Package dto contains data transfer objects for external APIs
// Separating DTOs from handlers prevents import cycles
package dto

import (
	"strings"
	"time"
)

// Webhook event kinds sent by the provider
const (
	EventMessage       = "message"
	EventMessageStatus = "message.status"
)

// ProviderWebhookRequest is the top-level webhook payload from the provider
type ProviderWebhookRequest struct {
	InstanceID string          `json:"instanceId"` // Provider identifier of the receiving account
	Event      string          `json:"event"`
	Data       ProviderMessage `json:"data"`
}

// ProviderMessage carries one inbound message or one status update
type ProviderMessage struct {
	MessageID string `json:"messageId"` // Used for deduplication
	From      string `json:"from"`
	Type      string `json:"type"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"` // Unix seconds

	// FromMe marks messages sent by the account itself (echo)
	FromMe bool `json:"fromMe,omitempty"`

	// Status is set on message.status events: sent, delivered, read
	Status string `json:"status,omitempty"`
}

// IsUserMessage reports whether the event is a message written by a contact.
// Echoes of our own sends and status receipts are not.
func (r *ProviderWebhookRequest) IsUserMessage() bool {
	if r.Event != "" && r.Event != EventMessage {
		return false
	}
	return !r.Data.FromMe
}

// IsDeliveryReceipt reports a status event confirming delivery or read
func (r *ProviderWebhookRequest) IsDeliveryReceipt() bool {
	if r.Event != EventMessageStatus {
		return false
	}
	switch strings.ToLower(r.Data.Status) {
	case "delivered", "read":
		return true
	}
	return false
}

// GetMessageType defaults to text when the provider omits it
func (r *ProviderWebhookRequest) GetMessageType() string {
	if r.Data.Type == "" {
		return "text"
	}
	return strings.ToLower(r.Data.Type)
}

// ReceivedAt converts the provider timestamp, falling back to fallback when unset
func (r *ProviderWebhookRequest) ReceivedAt(fallback time.Time) time.Time {
	if r.Data.Timestamp <= 0 {
		return fallback
	}
	// Some providers send milliseconds
	if r.Data.Timestamp > 1e12 {
		return time.UnixMilli(r.Data.Timestamp).UTC()
	}
	return time.Unix(r.Data.Timestamp, 0).UTC()
}
