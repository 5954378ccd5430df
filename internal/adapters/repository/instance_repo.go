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

const instanceColumns = `id, identifier, owner_id, credential, host_url, auth_state, status,
	is_primary, last_reconciled_at, last_authorized_at, created_at, updated_at`

func scanInstance(row rowScanner) (*domain.Instance, error) {
	var (
		inst         domain.Instance
		ownerID      sql.NullInt64
		reconciledAt sql.NullTime
		authorizedAt sql.NullTime
	)
	err := row.Scan(
		&inst.ID,
		&inst.Identifier,
		&ownerID,
		&inst.Credential,
		&inst.HostURL,
		&inst.AuthState,
		&inst.Status,
		&inst.IsPrimary,
		&reconciledAt,
		&authorizedAt,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	inst.OwnerID = int64Ptr(ownerID)
	inst.LastReconciledAt = timePtr(reconciledAt)
	inst.LastAuthorizedAt = timePtr(authorizedAt)
	return &inst, nil
}

// Upsert inserts a new instance or returns the row already holding the identifier
func (r *MariaDBRepository) Upsert(ctx context.Context, inst *domain.Instance) (*domain.Instance, bool, error) {
	now := r.now()
	query := `
		INSERT INTO instances (identifier, owner_id, credential, host_url, auth_state, status,
			is_primary, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
	`
	res, err := r.db.ExecContext(ctx, query,
		inst.Identifier,
		nullInt64(inst.OwnerID),
		inst.Credential,
		inst.HostURL,
		inst.AuthState,
		inst.Status,
		now,
		now,
	)
	if isDuplicateEntry(err) {
		stored, err := r.GetInstanceByIdentifier(ctx, inst.Identifier)
		if err != nil {
			return nil, false, err
		}
		return stored, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("insert instance: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, false, fmt.Errorf("get last insert id: %w", err)
	}
	created := *inst
	created.ID = id
	created.CreatedAt = now
	created.UpdatedAt = now
	return &created, true, nil
}

// UpdateConfig replaces credential, host and owner. Moving an instance to
// another owner drops its primary flag; is_primary is assigned before
// owner_id so the comparison sees the old owner.
func (r *MariaDBRepository) UpdateConfig(ctx context.Context, id int64, credential, hostURL string, ownerID *int64) error {
	query := `
		UPDATE instances
		SET is_primary = IF(owner_id <=> ?, is_primary, 0),
			credential = ?, host_url = ?, owner_id = ?, updated_at = ?
		WHERE id = ?
	`
	owner := nullInt64(ownerID)
	if _, err := r.db.ExecContext(ctx, query, owner, credential, hostURL, owner, r.now(), id); err != nil {
		return fmt.Errorf("update instance config: %w", err)
	}
	return nil
}

// GetInstance loads an instance by surrogate id
func (r *MariaDBRepository) GetInstance(ctx context.Context, id int64) (*domain.Instance, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get instance: %w", err)
	}
	return inst, nil
}

// GetInstanceByIdentifier loads an instance by provider identifier
func (r *MariaDBRepository) GetInstanceByIdentifier(ctx context.Context, identifier string) (*domain.Instance, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE identifier = ?`, identifier)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get instance by identifier: %w", err)
	}
	return inst, nil
}

// ListInstances returns every instance ordered by id
func (r *MariaDBRepository) ListInstances(ctx context.Context) ([]*domain.Instance, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+instanceColumns+` FROM instances ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var out []*domain.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// SetPrimary locks every instance of the owner, then moves the primary flag.
// Concurrent calls for one owner serialize on the row locks.
func (r *MariaDBRepository) SetPrimary(ctx context.Context, ownerID, instanceID int64) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id FROM instances WHERE owner_id = ? FOR UPDATE`, ownerID)
		if err != nil {
			return fmt.Errorf("lock owner instances: %w", err)
		}
		found := false
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan instance id: %w", err)
			}
			if id == instanceID {
				found = true
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("lock owner instances: %w", err)
		}
		if !found {
			return fmt.Errorf("instance %d for owner %d: %w", instanceID, ownerID, domain.ErrNotFound)
		}

		query := `
			UPDATE instances
			SET is_primary = (id = ?), updated_at = ?
			WHERE owner_id = ?
		`
		if _, err := tx.ExecContext(ctx, query, instanceID, r.now(), ownerID); err != nil {
			return fmt.Errorf("update primary flag: %w", err)
		}
		return nil
	})
}

// UpdateAuthState writes a reconciled state and its derived status
func (r *MariaDBRepository) UpdateAuthState(ctx context.Context, id int64, state domain.AuthState, reconciledAt time.Time, authorizedAt *time.Time) error {
	query := `
		UPDATE instances
		SET auth_state = ?, status = ?, last_reconciled_at = ?,
			last_authorized_at = COALESCE(?, last_authorized_at), updated_at = ?
		WHERE id = ?
	`
	_, err := r.db.ExecContext(ctx, query,
		state,
		domain.StatusFor(state),
		reconciledAt.UTC(),
		nullTime(authorizedAt),
		r.now(),
		id,
	)
	if err != nil {
		slog.Error("Failed to update instance state",
			"error", err,
			"instance_id", id,
			"state", state,
		)
		return fmt.Errorf("update auth state: %w", err)
	}
	return nil
}

// TouchReconciled records a pass that found no change
func (r *MariaDBRepository) TouchReconciled(ctx context.Context, id int64, reconciledAt time.Time) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE instances SET last_reconciled_at = ? WHERE id = ?`, reconciledAt.UTC(), id); err != nil {
		return fmt.Errorf("touch reconciled: %w", err)
	}
	return nil
}

// UpdateIdentifier migrates the provider identifier
func (r *MariaDBRepository) UpdateIdentifier(ctx context.Context, id int64, identifier string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE instances SET identifier = ?, updated_at = ? WHERE id = ?`, identifier, r.now(), id)
	if isDuplicateEntry(err) {
		return domain.ErrDuplicateIdentifier
	}
	if err != nil {
		return fmt.Errorf("update identifier: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
