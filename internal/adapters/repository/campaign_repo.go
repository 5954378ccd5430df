package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chat-engine/internal/core/domain"
)

const campaignColumns = `id, instance_id, content, recipient_count, sent_count, delivered_count,
	failed_count, status, started_at, completed_at, created_at`

func scanCampaign(row rowScanner) (*domain.Campaign, error) {
	var (
		c           domain.Campaign
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(
		&c.ID,
		&c.InstanceID,
		&c.Content,
		&c.RecipientCount,
		&c.Sent,
		&c.Delivered,
		&c.Failed,
		&c.Status,
		&startedAt,
		&completedAt,
		&c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.StartedAt = timePtr(startedAt)
	c.CompletedAt = timePtr(completedAt)
	return &c, nil
}

// CreateCampaign stores a campaign and sets its id
func (r *MariaDBRepository) CreateCampaign(ctx context.Context, c *domain.Campaign) error {
	query := `
		INSERT INTO campaigns (instance_id, content, recipient_count, sent_count, delivered_count,
			failed_count, status, started_at, created_at)
		VALUES (?, ?, ?, 0, 0, 0, ?, ?, ?)
	`
	res, err := r.db.ExecContext(ctx, query,
		c.InstanceID,
		c.Content,
		c.RecipientCount,
		c.Status,
		nullTime(c.StartedAt),
		c.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("get last insert id: %w", err)
	}
	c.ID = id
	return nil
}

// GetCampaign loads a campaign with its counters
func (r *MariaDBRepository) GetCampaign(ctx context.Context, id int64) (*domain.Campaign, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`, id)
	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

// RecordOutcome bumps one counter and completes the campaign once every
// recipient is resolved. Outcomes past the recipient count are ignored.
func (r *MariaDBRepository) RecordOutcome(ctx context.Context, id int64, sent bool, at time.Time) (*domain.Campaign, error) {
	var out *domain.Campaign

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		c, err := scanCampaign(tx.QueryRowContext(ctx,
			`SELECT `+campaignColumns+` FROM campaigns WHERE id = ? FOR UPDATE`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock campaign: %w", err)
		}

		if c.Resolved() >= c.RecipientCount {
			slog.Warn("Campaign outcome beyond recipient count ignored",
				"campaign_id", id,
				"sent", sent,
			)
			out = c
			return nil
		}

		if sent {
			c.Sent++
		} else {
			c.Failed++
		}
		if c.Resolved() >= c.RecipientCount {
			c.Status = domain.CampaignStatusCompleted
			done := at.UTC()
			c.CompletedAt = &done
		}

		query := `
			UPDATE campaigns
			SET sent_count = ?, failed_count = ?, status = ?, completed_at = ?
			WHERE id = ?
		`
		if _, err := tx.ExecContext(ctx, query, c.Sent, c.Failed, c.Status, nullTime(c.CompletedAt), id); err != nil {
			return fmt.Errorf("update campaign counters: %w", err)
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RecordDelivered bumps the delivered counter
func (r *MariaDBRepository) RecordDelivered(ctx context.Context, id int64) error {
	query := `
		UPDATE campaigns
		SET delivered_count = delivered_count + 1
		WHERE id = ? AND delivered_count < recipient_count
	`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("record campaign delivery: %w", err)
	}
	return nil
}
