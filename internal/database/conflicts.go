package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"leadsync/internal/models"
)

const conflictColumns = `id, workspace_id, entity_type, local_id, external_id, conflict_type,
    local_snapshot, external_snapshot, created_at, resolved_at, resolution`

func (q *Queries) CreateConflict(ctx context.Context, c *models.SyncConflict) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.ConflictType == "" {
		c.ConflictType = models.ConflictConcurrentUpdate
	}

	result, err := q.q.ExecContext(ctx,
		`INSERT INTO sync_conflicts (workspace_id, entity_type, local_id, external_id, conflict_type,
         local_snapshot, external_snapshot, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.WorkspaceID,
		c.EntityType,
		c.LocalID,
		c.ExternalID,
		c.ConflictType,
		rawOrDefault(c.LocalSnapshot, "{}"),
		rawOrDefault(c.ExternalSnapshot, "{}"),
		ts(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create conflict: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	c.ID = id
	return nil
}

// HasOpenConflict reports whether an unresolved conflict with the same
// external snapshot is already recorded. Redelivered webhooks hit this.
func (q *Queries) HasOpenConflict(ctx context.Context, workspaceID, entityType, externalID string, externalSnapshot []byte) (bool, error) {
	var n int
	err := q.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_conflicts
         WHERE workspace_id = ? AND entity_type = ? AND external_id = ?
           AND resolved_at IS NULL AND external_snapshot = ?`,
		workspaceID, entityType, externalID, string(externalSnapshot)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check open conflicts: %w", err)
	}
	return n > 0, nil
}

func (q *Queries) GetConflict(ctx context.Context, workspaceID string, id int64) (*models.SyncConflict, error) {
	row := q.q.QueryRowContext(ctx,
		`SELECT `+conflictColumns+` FROM sync_conflicts WHERE workspace_id = ? AND id = ?`, workspaceID, id)
	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict %d: %w", id, err)
	}
	return c, nil
}

// ListConflicts returns conflicts of a workspace, newest first.
func (q *Queries) ListConflicts(ctx context.Context, workspaceID string, openOnly bool, limit int) ([]*models.SyncConflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM sync_conflicts WHERE workspace_id = ?`
	if openOnly {
		query += ` AND resolved_at IS NULL`
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`

	rows, err := q.q.QueryContext(ctx, query, workspaceID, clampLimit(limit, 100, models.MaxEventListLimit))
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*models.SyncConflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

// ResolveConflict marks an open conflict as resolved.
func (q *Queries) ResolveConflict(ctx context.Context, id int64, resolution string, now time.Time) error {
	result, err := q.q.ExecContext(ctx,
		`UPDATE sync_conflicts SET resolved_at = ?, resolution = ? WHERE id = ? AND resolved_at IS NULL`,
		ts(now), resolution, id)
	if err != nil {
		return fmt.Errorf("failed to resolve conflict %d: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("conflict %d is not open: %w", id, ErrNotFound)
	}
	return nil
}

// CountOpenConflicts counts unresolved conflicts; an empty entity type matches all.
func (q *Queries) CountOpenConflicts(ctx context.Context, workspaceID, entityType string) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_conflicts
         WHERE workspace_id = ? AND (? = '' OR entity_type = ?) AND resolved_at IS NULL`,
		workspaceID, entityType, entityType).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count conflicts: %w", err)
	}
	return n, nil
}

func scanConflict(row rowScanner) (*models.SyncConflict, error) {
	var (
		c          models.SyncConflict
		local      string
		external   string
		resolvedAt sql.NullTime
		resolution sql.NullString
	)
	err := row.Scan(&c.ID, &c.WorkspaceID, &c.EntityType, &c.LocalID, &c.ExternalID, &c.ConflictType,
		&local, &external, &c.CreatedAt, &resolvedAt, &resolution)
	if err != nil {
		return nil, err
	}
	c.LocalSnapshot = []byte(local)
	c.ExternalSnapshot = []byte(external)
	c.CreatedAt = c.CreatedAt.UTC()
	c.ResolvedAt = ptrTime(resolvedAt)
	c.Resolution = ptrString(resolution)
	return &c, nil
}
