package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"leadsync/internal/models"
)

const syncJobColumns = `id, workspace_id, vendor, status, options, entities, total, processed, created,
    updated, skipped, failed, last_error, created_at, started_at, finished_at`

func (q *Queries) CreateSyncJob(ctx context.Context, j *models.SyncJob) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	if j.Status == "" {
		j.Status = models.JobQueued
	}

	_, err := q.q.ExecContext(ctx,
		`INSERT INTO sync_jobs (id, workspace_id, vendor, status, options, entities, total, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID,
		j.WorkspaceID,
		j.Vendor,
		j.Status,
		encodeJSON(j.Options, "{}"),
		rawOrDefault(j.Entities, "[]"),
		j.Total,
		ts(j.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create sync job: %w", err)
	}
	return nil
}

func (q *Queries) GetSyncJob(ctx context.Context, id string) (*models.SyncJob, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+syncJobColumns+` FROM sync_jobs WHERE id = ?`, id)
	return scanSyncJob(row)
}

// MarkSyncJobRunning sets running and keeps the first start time.
func (q *Queries) MarkSyncJobRunning(ctx context.Context, id string, now time.Time) error {
	_, err := q.q.ExecContext(ctx,
		`UPDATE sync_jobs SET status = 'running', started_at = COALESCE(started_at, ?)
         WHERE id = ? AND status IN ('queued', 'running')`,
		ts(now), id)
	if err != nil {
		return fmt.Errorf("failed to mark sync job %s running: %w", id, err)
	}
	return nil
}

// SaveSyncJobProgress persists counters of a running job. It reports false
// when the job is no longer running, e.g. after cancellation.
func (q *Queries) SaveSyncJobProgress(ctx context.Context, j *models.SyncJob) (bool, error) {
	result, err := q.q.ExecContext(ctx,
		`UPDATE sync_jobs SET processed = ?, created = ?, updated = ?, skipped = ?, failed = ?, last_error = ?
         WHERE id = ? AND status = 'running'`,
		j.Processed, j.Created, j.Updated, j.Skipped, j.Failed, nullString(j.LastError), j.ID)
	if err != nil {
		return false, fmt.Errorf("failed to save sync job %s progress: %w", j.ID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected == 1, nil
}

// FinishSyncJob moves a non-terminal job to a terminal status.
func (q *Queries) FinishSyncJob(ctx context.Context, id, status string, lastError *string, now time.Time) (bool, error) {
	result, err := q.q.ExecContext(ctx,
		`UPDATE sync_jobs SET status = ?, last_error = COALESCE(?, last_error), finished_at = ?
         WHERE id = ? AND status IN ('queued', 'running')`,
		status, nullString(lastError), ts(now), id)
	if err != nil {
		return false, fmt.Errorf("failed to finish sync job %s: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected == 1, nil
}

// ListResumableSyncJobs returns queued and running jobs, oldest first.
func (q *Queries) ListResumableSyncJobs(ctx context.Context) ([]*models.SyncJob, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+syncJobColumns+` FROM sync_jobs WHERE status IN ('queued', 'running') ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list resumable sync jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.SyncJob
	for rows.Next() {
		j, err := scanSyncJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func scanSyncJob(row rowScanner) (*models.SyncJob, error) {
	var (
		j          models.SyncJob
		options    string
		entities   string
		lastError  sql.NullString
		startedAt  sql.NullTime
		finishedAt sql.NullTime
	)
	err := row.Scan(&j.ID, &j.WorkspaceID, &j.Vendor, &j.Status, &options, &entities, &j.Total, &j.Processed,
		&j.Created, &j.Updated, &j.Skipped, &j.Failed, &lastError, &j.CreatedAt, &startedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan sync job: %w", err)
	}
	if err := json.Unmarshal([]byte(options), &j.Options); err != nil {
		return nil, fmt.Errorf("failed to decode sync job options: %w", err)
	}
	j.Entities = []byte(entities)
	j.LastError = ptrString(lastError)
	j.CreatedAt = j.CreatedAt.UTC()
	j.StartedAt = ptrTime(startedAt)
	j.FinishedAt = ptrTime(finishedAt)
	return &j, nil
}
