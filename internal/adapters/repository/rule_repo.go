package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chat-engine/internal/core/domain"
)

const ruleColumns = `id, instance_id, trigger_text, match_mode, case_sensitive, reply_template,
	priority, enabled, daily_cap, usage_count, usage_day, delay_ms, category, created_at, updated_at`

func scanRule(row rowScanner) (*domain.AutoReplyRule, error) {
	var (
		rule       domain.AutoReplyRule
		instanceID sql.NullInt64
		delayMs    int64
	)
	err := row.Scan(
		&rule.ID,
		&instanceID,
		&rule.Trigger,
		&rule.MatchMode,
		&rule.CaseSensitive,
		&rule.ReplyTemplate,
		&rule.Priority,
		&rule.Enabled,
		&rule.DailyCap,
		&rule.UsageCount,
		&rule.UsageDay,
		&delayMs,
		&rule.Category,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rule.InstanceID = int64Ptr(instanceID)
	rule.Delay = time.Duration(delayMs) * time.Millisecond
	return &rule, nil
}

func (r *MariaDBRepository) queryRules(ctx context.Context, query string, args ...any) ([]*domain.AutoReplyRule, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []*domain.AutoReplyRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

// CreateRule stores a rule and sets its id
func (r *MariaDBRepository) CreateRule(ctx context.Context, rule *domain.AutoReplyRule) error {
	query := `
		INSERT INTO auto_reply_rules (instance_id, trigger_text, match_mode, case_sensitive,
			reply_template, priority, enabled, daily_cap, usage_count, usage_day, delay_ms,
			category, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	res, err := r.db.ExecContext(ctx, query,
		nullInt64(rule.InstanceID),
		rule.Trigger,
		rule.MatchMode,
		rule.CaseSensitive,
		rule.ReplyTemplate,
		rule.Priority,
		rule.Enabled,
		rule.DailyCap,
		rule.UsageCount,
		rule.UsageDay,
		rule.Delay.Milliseconds(),
		rule.Category,
		rule.CreatedAt.UTC(),
		rule.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("get last insert id: %w", err)
	}
	rule.ID = id
	return nil
}

// UpdateRule rewrites the editable fields; usage counters are owned by TryConsume
func (r *MariaDBRepository) UpdateRule(ctx context.Context, rule *domain.AutoReplyRule) error {
	query := `
		UPDATE auto_reply_rules
		SET instance_id = ?, trigger_text = ?, match_mode = ?, case_sensitive = ?,
			reply_template = ?, priority = ?, enabled = ?, daily_cap = ?, delay_ms = ?,
			category = ?, updated_at = ?
		WHERE id = ?
	`
	res, err := r.db.ExecContext(ctx, query,
		nullInt64(rule.InstanceID),
		rule.Trigger,
		rule.MatchMode,
		rule.CaseSensitive,
		rule.ReplyTemplate,
		rule.Priority,
		rule.Enabled,
		rule.DailyCap,
		rule.Delay.Milliseconds(),
		rule.Category,
		rule.UpdatedAt.UTC(),
		rule.ID,
	)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetRule loads one rule
func (r *MariaDBRepository) GetRule(ctx context.Context, id int64) (*domain.AutoReplyRule, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM auto_reply_rules WHERE id = ?`, id)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return rule, nil
}

// ListRules returns every rule in evaluation order
func (r *MariaDBRepository) ListRules(ctx context.Context) ([]*domain.AutoReplyRule, error) {
	return r.queryRules(ctx, `SELECT `+ruleColumns+` FROM auto_reply_rules ORDER BY priority ASC, id ASC`)
}

// ListEnabledRules returns enabled global and instance rules in evaluation order
func (r *MariaDBRepository) ListEnabledRules(ctx context.Context, instanceID int64) ([]*domain.AutoReplyRule, error) {
	query := `
		SELECT ` + ruleColumns + `
		FROM auto_reply_rules
		WHERE enabled = 1 AND (instance_id IS NULL OR instance_id = ?)
		ORDER BY priority ASC, id ASC
	`
	return r.queryRules(ctx, query, instanceID)
}

// TryConsume resets the counter on a new day and takes one use if the cap allows.
// The row lock makes reset and increment one atomic step.
func (r *MariaDBRepository) TryConsume(ctx context.Context, ruleID int64, day string) (bool, error) {
	consumed := false

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var (
			dailyCap   int
			usageCount int
			usageDay   string
		)
		err := tx.QueryRowContext(ctx,
			`SELECT daily_cap, usage_count, usage_day FROM auto_reply_rules WHERE id = ? FOR UPDATE`,
			ruleID,
		).Scan(&dailyCap, &usageCount, &usageDay)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock rule usage: %w", err)
		}

		if usageDay != day {
			usageCount = 0
		}
		if dailyCap >= 0 && usageCount >= dailyCap {
			return nil
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE auto_reply_rules SET usage_count = ?, usage_day = ? WHERE id = ?`,
			usageCount+1, day, ruleID,
		); err != nil {
			return fmt.Errorf("increment rule usage: %w", err)
		}
		consumed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return consumed, nil
}

// ReleaseUse gives back a use whose reply could not be queued
func (r *MariaDBRepository) ReleaseUse(ctx context.Context, ruleID int64, day string) error {
	query := `
		UPDATE auto_reply_rules
		SET usage_count = usage_count - 1
		WHERE id = ? AND usage_day = ? AND usage_count > 0
	`
	if _, err := r.db.ExecContext(ctx, query, ruleID, day); err != nil {
		return fmt.Errorf("release rule usage: %w", err)
	}
	return nil
}
