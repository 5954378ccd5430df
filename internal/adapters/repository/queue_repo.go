package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"chat-engine/internal/core/domain"
)

const messageColumns = `id, instance_id, campaign_id, chat_id, type, content, priority, scheduled_at,
	status, attempts, last_error, provider_message_id, created_at, updated_at`

func scanMessage(row rowScanner) (*domain.QueuedMessage, error) {
	var (
		msg        domain.QueuedMessage
		campaignID sql.NullInt64
		lastError  sql.NullString
		providerID sql.NullString
	)
	err := row.Scan(
		&msg.ID,
		&msg.InstanceID,
		&campaignID,
		&msg.ChatID,
		&msg.Type,
		&msg.Content,
		&msg.Priority,
		&msg.ScheduledAt,
		&msg.Status,
		&msg.Attempts,
		&lastError,
		&providerID,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	msg.CampaignID = int64Ptr(campaignID)
	msg.LastError = stringPtr(lastError)
	msg.ProviderMessageID = stringPtr(providerID)
	return &msg, nil
}

// InsertMessage stores a new queued message and sets its id
func (r *MariaDBRepository) InsertMessage(ctx context.Context, msg *domain.QueuedMessage) error {
	query := `
		INSERT INTO queued_messages (instance_id, campaign_id, chat_id, type, content, priority,
			scheduled_at, status, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	res, err := r.db.ExecContext(ctx, query,
		msg.InstanceID,
		nullInt64(msg.CampaignID),
		msg.ChatID,
		msg.Type,
		msg.Content,
		msg.Priority,
		msg.ScheduledAt.UTC(),
		msg.Status,
		msg.Attempts,
		msg.CreatedAt.UTC(),
		msg.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert queued message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("get last insert id: %w", err)
	}
	msg.ID = id
	return nil
}

// GetMessage loads one queued message
func (r *MariaDBRepository) GetMessage(ctx context.Context, id int64) (*domain.QueuedMessage, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM queued_messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get queued message: %w", err)
	}
	return msg, nil
}

// ClaimBatch locks due rows with SKIP LOCKED so parallel workers split the
// queue instead of blocking on each other, then marks them sending.
func (r *MariaDBRepository) ClaimBatch(ctx context.Context, now time.Time, limit int) ([]*domain.QueuedMessage, error) {
	var claimed []*domain.QueuedMessage

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			SELECT ` + messageColumns + `
			FROM queued_messages
			WHERE status = 'pending' AND scheduled_at <= ?
			ORDER BY priority ASC, scheduled_at ASC, id ASC
			LIMIT ?
			FOR UPDATE SKIP LOCKED
		`
		rows, err := tx.QueryContext(ctx, query, now.UTC(), limit)
		if err != nil {
			return fmt.Errorf("select due messages: %w", err)
		}
		for rows.Next() {
			msg, err := scanMessage(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scan queued message: %w", err)
			}
			claimed = append(claimed, msg)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("select due messages: %w", err)
		}
		if len(claimed) == 0 {
			return nil
		}

		lease := uuid.NewString()
		args := make([]any, 0, len(claimed)+2)
		args = append(args, lease, r.now())
		for _, m := range claimed {
			args = append(args, m.ID)
			m.LeaseID = lease
		}
		update := `UPDATE queued_messages SET status = 'sending', lease_id = ?, updated_at = ? WHERE id IN (` + placeholders(len(claimed)) + `)`
		if _, err := tx.ExecContext(ctx, update, args...); err != nil {
			return fmt.Errorf("mark messages sending: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, m := range claimed {
		m.Status = domain.MessageStatusSending
	}
	return claimed, nil
}

// leased runs an update guarded by "id = ? AND status = 'sending' AND
// lease_id = ?" (the last two args) and maps zero matched rows to
// domain.ErrLeaseLost. The DSN sets clientFoundRows so matched rows count
// even when no value changes.
func (r *MariaDBRepository) leased(ctx context.Context, op, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, domain.ErrLeaseLost)
	}
	return nil
}

// Heartbeat extends the claim on a sending message
func (r *MariaDBRepository) Heartbeat(ctx context.Context, id int64, lease string) error {
	return r.leased(ctx, "heartbeat message",
		`UPDATE queued_messages SET updated_at = ? WHERE id = ? AND status = 'sending' AND lease_id = ?`,
		r.now(), id, lease)
}

// MarkSent records a successful provider send
func (r *MariaDBRepository) MarkSent(ctx context.Context, id int64, lease, providerMessageID string) error {
	query := `
		UPDATE queued_messages
		SET status = 'sent', provider_message_id = ?, last_error = NULL, lease_id = NULL, updated_at = ?
		WHERE id = ? AND status = 'sending' AND lease_id = ?
	`
	return r.leased(ctx, "mark message sent", query, providerMessageID, r.now(), id, lease)
}

// MarkFailed moves a message to its terminal failed state
func (r *MariaDBRepository) MarkFailed(ctx context.Context, id int64, lease string, attempts int, lastError string) error {
	query := `
		UPDATE queued_messages
		SET status = 'failed', attempts = ?, last_error = ?, lease_id = NULL, updated_at = ?
		WHERE id = ? AND status = 'sending' AND lease_id = ?
	`
	return r.leased(ctx, "mark message failed", query, attempts, lastError, r.now(), id, lease)
}

// Reschedule releases a claimed message back to pending
func (r *MariaDBRepository) Reschedule(ctx context.Context, id int64, lease string, scheduledAt time.Time, attempts int, lastError *string) error {
	query := `
		UPDATE queued_messages
		SET status = 'pending', scheduled_at = ?, attempts = ?, last_error = ?, lease_id = NULL, updated_at = ?
		WHERE id = ? AND status = 'sending' AND lease_id = ?
	`
	return r.leased(ctx, "reschedule message", query,
		scheduledAt.UTC(), attempts, nullString(lastError), r.now(), id, lease)
}

// MarkDelivered applies a delivery receipt to a sent message
func (r *MariaDBRepository) MarkDelivered(ctx context.Context, instanceID int64, providerMessageID string) (*domain.QueuedMessage, error) {
	var msg *domain.QueuedMessage

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			SELECT ` + messageColumns + `
			FROM queued_messages
			WHERE instance_id = ? AND provider_message_id = ? AND status = 'sent'
			LIMIT 1
			FOR UPDATE
		`
		m, err := scanMessage(tx.QueryRowContext(ctx, query, instanceID, providerMessageID))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select sent message: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE queued_messages SET status = 'delivered', updated_at = ? WHERE id = ?`, r.now(), m.ID); err != nil {
			return fmt.Errorf("mark message delivered: %w", err)
		}
		m.Status = domain.MessageStatusDelivered
		msg = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// RecoverStale returns sending rows abandoned by a crashed worker to pending
func (r *MariaDBRepository) RecoverStale(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		UPDATE queued_messages
		SET status = 'pending', lease_id = NULL, updated_at = ?
		WHERE status = 'sending' AND updated_at < ?
	`
	res, err := r.db.ExecContext(ctx, query, r.now(), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("recover stale messages: %w", err)
	}
	return res.RowsAffected()
}
