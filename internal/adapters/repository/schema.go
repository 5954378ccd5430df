package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// Every table references instances by surrogate id so identifier
// migration never orphans rows.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS instances (
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		identifier VARCHAR(128) NOT NULL,
		owner_id BIGINT NULL,
		credential VARCHAR(512) NOT NULL,
		host_url VARCHAR(512) NOT NULL,
		auth_state VARCHAR(32) NOT NULL DEFAULT 'unknown',
		status VARCHAR(32) NOT NULL DEFAULT 'unknown',
		is_primary TINYINT(1) NOT NULL DEFAULT 0,
		last_reconciled_at DATETIME(3) NULL,
		last_authorized_at DATETIME(3) NULL,
		created_at DATETIME(3) NOT NULL,
		updated_at DATETIME(3) NOT NULL,
		UNIQUE KEY uq_instances_identifier (identifier),
		KEY idx_instances_owner (owner_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS campaigns (
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		instance_id BIGINT NOT NULL,
		content TEXT NOT NULL,
		recipient_count INT NOT NULL,
		sent_count INT NOT NULL DEFAULT 0,
		delivered_count INT NOT NULL DEFAULT 0,
		failed_count INT NOT NULL DEFAULT 0,
		status VARCHAR(16) NOT NULL,
		started_at DATETIME(3) NULL,
		completed_at DATETIME(3) NULL,
		created_at DATETIME(3) NOT NULL,
		CONSTRAINT fk_campaigns_instance FOREIGN KEY (instance_id) REFERENCES instances (id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS queued_messages (
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		instance_id BIGINT NOT NULL,
		campaign_id BIGINT NULL,
		chat_id VARCHAR(128) NOT NULL,
		type VARCHAR(16) NOT NULL,
		content TEXT NOT NULL,
		priority INT NOT NULL DEFAULT 0,
		scheduled_at DATETIME(3) NOT NULL,
		status VARCHAR(16) NOT NULL,
		attempts INT NOT NULL DEFAULT 0,
		last_error TEXT NULL,
		provider_message_id VARCHAR(128) NULL,
		lease_id CHAR(36) NULL,
		created_at DATETIME(3) NOT NULL,
		updated_at DATETIME(3) NOT NULL,
		KEY idx_queue_due (status, priority, scheduled_at, id),
		KEY idx_queue_provider (instance_id, provider_message_id),
		CONSTRAINT fk_queue_instance FOREIGN KEY (instance_id) REFERENCES instances (id),
		CONSTRAINT fk_queue_campaign FOREIGN KEY (campaign_id) REFERENCES campaigns (id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS inbound_events (
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		instance_id BIGINT NOT NULL,
		provider_message_id VARCHAR(128) NOT NULL,
		sender_id VARCHAR(128) NOT NULL,
		type VARCHAR(16) NOT NULL,
		text TEXT NOT NULL,
		received_at DATETIME(3) NOT NULL,
		created_at DATETIME(3) NOT NULL,
		UNIQUE KEY uq_inbound_message (instance_id, provider_message_id),
		CONSTRAINT fk_inbound_instance FOREIGN KEY (instance_id) REFERENCES instances (id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS auto_reply_rules (
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		instance_id BIGINT NULL,
		trigger_text VARCHAR(255) NOT NULL,
		match_mode VARCHAR(16) NOT NULL,
		case_sensitive TINYINT(1) NOT NULL DEFAULT 0,
		reply_template TEXT NOT NULL,
		priority INT NOT NULL DEFAULT 0,
		enabled TINYINT(1) NOT NULL DEFAULT 1,
		daily_cap INT NOT NULL DEFAULT -1,
		usage_count INT NOT NULL DEFAULT 0,
		usage_day CHAR(10) NOT NULL DEFAULT '',
		delay_ms BIGINT NOT NULL DEFAULT 0,
		category VARCHAR(64) NOT NULL DEFAULT '',
		created_at DATETIME(3) NOT NULL,
		updated_at DATETIME(3) NOT NULL,
		KEY idx_rules_enabled (enabled, priority, id),
		CONSTRAINT fk_rules_instance FOREIGN KEY (instance_id) REFERENCES instances (id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS webhook_logs (
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		platform VARCHAR(32) NOT NULL,
		payload_json JSON NOT NULL,
		status VARCHAR(16) NOT NULL,
		retry_count INT NOT NULL DEFAULT 0,
		error_log TEXT NULL,
		created_at DATETIME(3) NOT NULL,
		KEY idx_webhook_logs_created (created_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// Migrate creates missing tables
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	slog.Info("Database schema ready", "tables", len(schema))
	return nil
}
