package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"leadsync/internal/models"
)

const syncStatusColumns = `id, workspace_id, entity_type, local_id, external_id, sync_hash, last_synced_at, status`

func (q *Queries) GetSyncStatus(ctx context.Context, workspaceID, entityType, externalID string) (*models.SyncStatus, error) {
	row := q.q.QueryRowContext(ctx,
		`SELECT `+syncStatusColumns+` FROM sync_status
         WHERE workspace_id = ? AND entity_type = ? AND external_id = ?`,
		workspaceID, entityType, externalID)
	return scanSyncStatus(row)
}

// GetSyncStatusByLocal finds the link of a local entity.
func (q *Queries) GetSyncStatusByLocal(ctx context.Context, workspaceID, entityType string, localID int64) (*models.SyncStatus, error) {
	row := q.q.QueryRowContext(ctx,
		`SELECT `+syncStatusColumns+` FROM sync_status
         WHERE workspace_id = ? AND entity_type = ? AND local_id = ?
         ORDER BY last_synced_at DESC LIMIT 1`,
		workspaceID, entityType, localID)
	return scanSyncStatus(row)
}

// UpsertSyncStatus writes the link keyed by (workspace, entity type, external id).
func (q *Queries) UpsertSyncStatus(ctx context.Context, s *models.SyncStatus) error {
	if s.LastSyncedAt.IsZero() {
		s.LastSyncedAt = time.Now().UTC()
	}
	if s.Status == "" {
		s.Status = models.SyncSynced
	}

	query := `INSERT INTO sync_status (workspace_id, entity_type, local_id, external_id, sync_hash, last_synced_at, status)
              VALUES (?, ?, ?, ?, ?, ?, ?)
              ON CONFLICT(workspace_id, entity_type, external_id) DO UPDATE SET
                  local_id = excluded.local_id,
                  sync_hash = excluded.sync_hash,
                  last_synced_at = excluded.last_synced_at,
                  status = excluded.status`
	_, err := q.q.ExecContext(ctx, query,
		s.WorkspaceID,
		s.EntityType,
		s.LocalID,
		s.ExternalID,
		s.SyncHash,
		ts(s.LastSyncedAt),
		s.Status,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert sync status: %w", err)
	}
	return nil
}

// TouchSyncStatus refreshes last_synced_at only.
func (q *Queries) TouchSyncStatus(ctx context.Context, id int64, now time.Time) error {
	_, err := q.q.ExecContext(ctx, `UPDATE sync_status SET last_synced_at = ? WHERE id = ?`, ts(now), id)
	if err != nil {
		return fmt.Errorf("failed to touch sync status %d: %w", id, err)
	}
	return nil
}

// SetSyncState changes the state of an existing link, keeping its hash.
func (q *Queries) SetSyncState(ctx context.Context, id int64, status string, now time.Time) error {
	_, err := q.q.ExecContext(ctx,
		`UPDATE sync_status SET status = ?, last_synced_at = ? WHERE id = ?`, status, ts(now), id)
	if err != nil {
		return fmt.Errorf("failed to set sync status %d: %w", id, err)
	}
	return nil
}

func (q *Queries) CountSyncStatuses(ctx context.Context, workspaceID, entityType, status string) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_status WHERE workspace_id = ? AND entity_type = ? AND status = ?`,
		workspaceID, entityType, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count sync statuses: %w", err)
	}
	return n, nil
}

func scanSyncStatus(row rowScanner) (*models.SyncStatus, error) {
	var s models.SyncStatus
	err := row.Scan(&s.ID, &s.WorkspaceID, &s.EntityType, &s.LocalID, &s.ExternalID, &s.SyncHash, &s.LastSyncedAt, &s.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan sync status: %w", err)
	}
	s.LastSyncedAt = s.LastSyncedAt.UTC()
	return &s, nil
}
