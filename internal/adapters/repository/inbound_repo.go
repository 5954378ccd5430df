package repository

import (
	"context"
	"fmt"
	"log/slog"

	"chat-engine/internal/core/domain"
)

// InsertIfAbsent relies on uq_inbound_message to absorb provider redeliveries
func (r *MariaDBRepository) InsertIfAbsent(ctx context.Context, evt *domain.InboundEvent) (bool, error) {
	query := `
		INSERT INTO inbound_events (instance_id, provider_message_id, sender_id, type, text,
			received_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	res, err := r.db.ExecContext(ctx, query,
		evt.InstanceID,
		evt.ProviderMessageID,
		evt.SenderID,
		evt.Type,
		evt.Text,
		evt.ReceivedAt.UTC(),
		evt.CreatedAt.UTC(),
	)
	if isDuplicateEntry(err) {
		slog.Debug("Inbound event already stored",
			"instance_id", evt.InstanceID,
			"provider_message_id", evt.ProviderMessageID,
		)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert inbound event: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("get last insert id: %w", err)
	}
	evt.ID = id
	return true, nil
}
