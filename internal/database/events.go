package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"leadsync/internal/models"
)

const eventColumns = `id, workspace_id, vendor, object_type, action, external_id, payload,
    processing_status, retry_count, next_retry_at, error_message, dedup_key,
    created_at, started_at, processed_at`

// EventFilter narrows ListEvents.
type EventFilter struct {
	WorkspaceID string
	Vendor      string
	Status      string
	Limit       int
}

// CreateEvent inserts a pending event. Events carrying a dedup key that
// already exists for the workspace are not inserted and created is false.
func (q *Queries) CreateEvent(ctx context.Context, e *models.QueuedEvent) (bool, error) {
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.Status == "" {
		e.Status = models.EventPending
	}

	query := `INSERT INTO webhook_events (workspace_id, vendor, object_type, action, external_id, payload,
              processing_status, retry_count, dedup_key, created_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
              ON CONFLICT(workspace_id, dedup_key) DO NOTHING`
	result, err := q.q.ExecContext(ctx, query,
		e.WorkspaceID,
		e.Vendor,
		e.ObjectType,
		e.Action,
		e.ExternalID,
		rawOrDefault(e.Payload, "{}"),
		e.Status,
		nullString(e.DedupKey),
		ts(e.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to create event: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	id, err := result.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("failed to get last insert id: %w", err)
	}
	e.ID = id
	return true, nil
}

func (q *Queries) GetEvent(ctx context.Context, id int64) (*models.QueuedEvent, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM webhook_events WHERE id = ?`, id)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event %d: %w", id, err)
	}
	return e, nil
}

// FetchDueEvents returns up to limit events ready for an attempt, oldest
// first: pending rows and failed rows whose retry time has come and whose
// retry budget is not exhausted.
func (q *Queries) FetchDueEvents(ctx context.Context, now time.Time, maxRetries, limit int) ([]*models.QueuedEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM webhook_events
              WHERE processing_status = 'pending'
                 OR (processing_status = 'failed' AND next_retry_at IS NOT NULL
                     AND next_retry_at <= ? AND retry_count <= ?)
              ORDER BY created_at ASC, id ASC LIMIT ?`
	return q.queryEvents(ctx, query, ts(now), maxRetries, limit)
}

// ClaimEvent moves a due event to processing. It reports false when another
// worker changed the row since it was fetched.
func (q *Queries) ClaimEvent(ctx context.Context, id int64, now time.Time) (bool, error) {
	query := `UPDATE webhook_events SET processing_status = 'processing', started_at = ?
              WHERE id = ? AND (processing_status = 'pending'
                 OR (processing_status = 'failed' AND next_retry_at IS NOT NULL AND next_retry_at <= ?))`
	result, err := q.q.ExecContext(ctx, query, ts(now), id, ts(now))
	if err != nil {
		return false, fmt.Errorf("failed to claim event %d: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected == 1, nil
}

func (q *Queries) CompleteEvent(ctx context.Context, id int64, now time.Time) error {
	query := `UPDATE webhook_events SET processing_status = 'completed', processed_at = ?,
              error_message = NULL, next_retry_at = NULL
              WHERE id = ? AND processing_status = 'processing'`
	return q.execEventUpdate(ctx, "complete", id, query, ts(now), id)
}

func (q *Queries) SkipEvent(ctx context.Context, id int64, reason string, now time.Time) error {
	query := `UPDATE webhook_events SET processing_status = 'skipped', processed_at = ?,
              error_message = ?, next_retry_at = NULL
              WHERE id = ? AND processing_status = 'processing'`
	return q.execEventUpdate(ctx, "skip", id, query, ts(now), reason, id)
}

// FailEvent records a failed attempt that will be retried at nextRetryAt.
func (q *Queries) FailEvent(ctx context.Context, id int64, errMsg string, nextRetryAt, now time.Time) error {
	query := `UPDATE webhook_events SET processing_status = 'failed', error_message = ?,
              next_retry_at = ?, retry_count = retry_count + 1, processed_at = ?
              WHERE id = ? AND processing_status = 'processing'`
	return q.execEventUpdate(ctx, "fail", id, query, errMsg, ts(nextRetryAt), ts(now), id)
}

// FreezeEvent records the final failed attempt; the event leaves automatic retry.
func (q *Queries) FreezeEvent(ctx context.Context, id int64, errMsg string, now time.Time) error {
	query := `UPDATE webhook_events SET processing_status = 'failed', error_message = ?,
              next_retry_at = NULL, processed_at = ?
              WHERE id = ? AND processing_status = 'processing'`
	return q.execEventUpdate(ctx, "freeze", id, query, errMsg, ts(now), id)
}

// ResetFailedEvents puts failed events of a workspace back to pending with a
// fresh retry budget. An empty vendor matches all vendors.
func (q *Queries) ResetFailedEvents(ctx context.Context, workspaceID, vendor string) (int64, error) {
	query := `UPDATE webhook_events SET processing_status = 'pending', retry_count = 0,
              next_retry_at = NULL, error_message = NULL, started_at = NULL, processed_at = NULL
              WHERE processing_status = 'failed' AND workspace_id = ? AND (? = '' OR vendor = ?)`
	result, err := q.q.ExecContext(ctx, query, workspaceID, vendor, vendor)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed events: %w", err)
	}
	return result.RowsAffected()
}

// StaleProcessingEvents returns events left in processing since before cutoff.
func (q *Queries) StaleProcessingEvents(ctx context.Context, cutoff time.Time) ([]*models.QueuedEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM webhook_events
              WHERE processing_status = 'processing' AND (started_at IS NULL OR started_at < ?)
              ORDER BY created_at ASC, id ASC`
	return q.queryEvents(ctx, query, ts(cutoff))
}

func (q *Queries) ListEvents(ctx context.Context, f EventFilter) ([]*models.QueuedEvent, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.WorkspaceID != "" {
		where = append(where, "workspace_id = ?")
		args = append(args, f.WorkspaceID)
	}
	if f.Vendor != "" {
		where = append(where, "vendor = ?")
		args = append(args, f.Vendor)
	}
	if f.Status != "" {
		where = append(where, "processing_status = ?")
		args = append(args, f.Status)
	}

	query := `SELECT ` + eventColumns + ` FROM webhook_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, clampLimit(f.Limit, 100, models.MaxEventListLimit))

	return q.queryEvents(ctx, query, args...)
}

// CountEvents counts events of a workspace with the given status; an empty
// vendor matches all vendors.
func (q *Queries) CountEvents(ctx context.Context, workspaceID, vendor, status string) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM webhook_events
         WHERE workspace_id = ? AND (? = '' OR vendor = ?) AND processing_status = ?`,
		workspaceID, vendor, vendor, status,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

// LastEventAt returns the creation time of the newest event, or nil.
func (q *Queries) LastEventAt(ctx context.Context, workspaceID, vendor string) (*time.Time, error) {
	var last sql.NullTime
	err := q.q.QueryRowContext(ctx,
		`SELECT created_at FROM webhook_events WHERE workspace_id = ? AND vendor = ?
         ORDER BY created_at DESC, id DESC LIMIT 1`,
		workspaceID, vendor,
	).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read last event time: %w", err)
	}
	return ptrTime(last), nil
}

// ConsecutiveFailures counts failed events newer than the newest completed one.
func (q *Queries) ConsecutiveFailures(ctx context.Context, workspaceID, vendor string) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM webhook_events
         WHERE workspace_id = ? AND vendor = ? AND processing_status = 'failed'
           AND created_at > COALESCE((SELECT MAX(created_at) FROM webhook_events
               WHERE workspace_id = ? AND vendor = ? AND processing_status = 'completed'), '')`,
		workspaceID, vendor, workspaceID, vendor,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count consecutive failures: %w", err)
	}
	return n, nil
}

// ArchiveEvents moves terminal events created before cutoff to the archive
// table and returns how many rows moved.
func (q *Queries) ArchiveEvents(ctx context.Context, cutoff, now time.Time) (int64, error) {
	insert := `INSERT OR IGNORE INTO webhook_events_archive (id, workspace_id, vendor, object_type, action,
               external_id, payload, processing_status, retry_count, error_message, dedup_key,
               created_at, processed_at, archived_at)
               SELECT id, workspace_id, vendor, object_type, action, external_id, payload,
               processing_status, retry_count, error_message, dedup_key, created_at, processed_at, ?
               FROM webhook_events
               WHERE processing_status IN ('completed', 'skipped') AND created_at < ?`
	if _, err := q.q.ExecContext(ctx, insert, ts(now), ts(cutoff)); err != nil {
		return 0, fmt.Errorf("failed to copy events to archive: %w", err)
	}

	result, err := q.q.ExecContext(ctx,
		`DELETE FROM webhook_events WHERE processing_status IN ('completed', 'skipped') AND created_at < ?`,
		ts(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to delete archived events: %w", err)
	}
	return result.RowsAffected()
}

// CountArchivedEvents counts archived rows of a workspace, or of all
// workspaces when workspaceID is empty.
func (q *Queries) CountArchivedEvents(ctx context.Context, workspaceID string) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM webhook_events_archive WHERE (? = '' OR workspace_id = ?)`,
		workspaceID, workspaceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count archived events: %w", err)
	}
	return n, nil
}

func (q *Queries) execEventUpdate(ctx context.Context, op string, id int64, query string, args ...interface{}) error {
	result, err := q.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s event %d: %w", op, id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("failed to %s event %d: %w", op, id, ErrNotFound)
	}
	return nil
}

func (q *Queries) queryEvents(ctx context.Context, query string, args ...interface{}) ([]*models.QueuedEvent, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*models.QueuedEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return events, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*models.QueuedEvent, error) {
	var (
		e           models.QueuedEvent
		payload     string
		nextRetryAt sql.NullTime
		errMsg      sql.NullString
		dedupKey    sql.NullString
		startedAt   sql.NullTime
		processedAt sql.NullTime
	)
	err := row.Scan(
		&e.ID, &e.WorkspaceID, &e.Vendor, &e.ObjectType, &e.Action, &e.ExternalID, &payload,
		&e.Status, &e.RetryCount, &nextRetryAt, &errMsg, &dedupKey,
		&e.CreatedAt, &startedAt, &processedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Payload = []byte(payload)
	e.NextRetryAt = ptrTime(nextRetryAt)
	e.ErrorMessage = ptrString(errMsg)
	e.DedupKey = ptrString(dedupKey)
	e.CreatedAt = e.CreatedAt.UTC()
	e.StartedAt = ptrTime(startedAt)
	e.ProcessedAt = ptrTime(processedAt)
	return &e, nil
}
