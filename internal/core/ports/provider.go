package ports

import (
	"context"

	"chat-engine/internal/core/domain"
)

// OutboundMessage is what the provider needs to send one message
type OutboundMessage struct {
	ChatID  string
	Type    string
	Content string
}

// ProviderGateway talks to the remote messaging provider.
// Errors wrap one of domain.ErrRateLimited, ErrRejected, ErrInstanceBlocked or ErrTransient.
type ProviderGateway interface {
	// GetState returns the raw provider state string for the instance
	GetState(ctx context.Context, inst *domain.Instance) (string, error)

	// Send delivers one message and returns the provider message id
	Send(ctx context.Context, inst *domain.Instance, msg OutboundMessage) (string, error)
}
