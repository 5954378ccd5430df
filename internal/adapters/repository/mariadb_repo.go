// Package repository implements data persistence adapters
// Following Hexagonal Architecture: Adapters implement ports defined in core
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"chat-engine/internal/core/domain"
	"chat-engine/internal/core/ports"
)

// Ensure MariaDBRepository implements the required interfaces
var (
	_ ports.InstanceRepository  = (*MariaDBRepository)(nil)
	_ ports.QueueRepository     = (*MariaDBRepository)(nil)
	_ ports.InboundRepository   = (*MariaDBRepository)(nil)
	_ ports.RuleRepository      = (*MariaDBRepository)(nil)
	_ ports.CampaignRepository  = (*MariaDBRepository)(nil)
	_ ports.WebhookRepository   = (*MariaDBRepository)(nil)
	_ ports.RetentionRepository = (*MariaDBRepository)(nil)
)

const mysqlDuplicateEntry = 1062

// MariaDBRepository implements persistence operations for MariaDB
type MariaDBRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewMariaDBRepository creates a new MariaDB repository instance
func NewMariaDBRepository(db *sql.DB) *MariaDBRepository {
	return &MariaDBRepository{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func isDuplicateEntry(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
}

// withTx runs fn inside a transaction, rolling back on error
func (r *MariaDBRepository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	v := n.String
	return &v
}

// ============================================================================
// WebhookRepository Implementation
// ============================================================================

// SaveLog persists a webhook event to the audit log
func (r *MariaDBRepository) SaveLog(ctx context.Context, log *domain.WebhookLog) error {
	query := `
		INSERT INTO webhook_logs (platform, payload_json, status, retry_count, error_log, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	res, err := r.db.ExecContext(ctx, query,
		log.Platform,
		[]byte(log.PayloadJSON),
		log.Status,
		log.RetryCount,
		nullString(log.ErrorLog),
		log.CreatedAt.UTC(),
	)
	if err != nil {
		slog.Error("Failed to save webhook log",
			"error", err,
			"platform", log.Platform,
		)
		return fmt.Errorf("save webhook log: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		log.ID = id
	}

	slog.Debug("Webhook log saved",
		"platform", log.Platform,
		"status", log.Status,
	)
	return nil
}

// ============================================================================
// RetentionRepository Implementation
// ============================================================================

// PurgeTerminalMessages deletes sent, delivered and failed messages last
// touched before olderThan
func (r *MariaDBRepository) PurgeTerminalMessages(ctx context.Context, olderThan time.Time, limit int) (int64, error) {
	query := `
		DELETE FROM queued_messages
		WHERE status IN ('sent', 'delivered', 'failed')
		AND updated_at < ?
		LIMIT ?
	`
	res, err := r.db.ExecContext(ctx, query, olderThan.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("purge queued messages: %w", err)
	}
	return res.RowsAffected()
}

// PurgeWebhookLogs deletes finished (processed or failed) audit rows created
// before olderThan
func (r *MariaDBRepository) PurgeWebhookLogs(ctx context.Context, olderThan time.Time, limit int) (int64, error) {
	query := `
		DELETE FROM webhook_logs
		WHERE status IN (?, ?) AND created_at < ?
		LIMIT ?
	`
	res, err := r.db.ExecContext(ctx, query,
		domain.WebhookStatusProcessed, domain.WebhookStatusFailed, olderThan.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("purge webhook logs: %w", err)
	}
	return res.RowsAffected()
}
