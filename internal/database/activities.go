package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"leadsync/internal/models"
)

// InsertActivity appends an activity unless one with the same dedup key
// already exists for the workspace. inserted is false for duplicates.
func (q *Queries) InsertActivity(ctx context.Context, a *models.Activity) (bool, error) {
	now := time.Now().UTC()
	a.CreatedAt = now
	if a.OccurredAt.IsZero() {
		a.OccurredAt = now
	}

	var leadID interface{}
	if a.LeadID != nil {
		leadID = *a.LeadID
	}

	result, err := q.q.ExecContext(ctx,
		`INSERT INTO lead_activities (workspace_id, lead_id, activity_type, dedup_key, description,
         metadata, occurred_at, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(workspace_id, dedup_key) DO NOTHING`,
		a.WorkspaceID,
		leadID,
		a.ActivityType,
		a.DedupKey,
		a.Description,
		encodeJSON(a.Metadata, "{}"),
		ts(a.OccurredAt),
		ts(a.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert activity: %w", err)
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
	a.ID = id
	return true, nil
}

// ListActivities returns a lead's activity log, oldest first.
func (q *Queries) ListActivities(ctx context.Context, workspaceID string, leadID int64) ([]*models.Activity, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT id, workspace_id, lead_id, activity_type, dedup_key, description, metadata, occurred_at, created_at
         FROM lead_activities WHERE workspace_id = ? AND lead_id = ?
         ORDER BY occurred_at ASC, id ASC`,
		workspaceID, leadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list activities: %w", err)
	}
	defer rows.Close()

	var activities []*models.Activity
	for rows.Next() {
		var (
			a        models.Activity
			lead     sql.NullInt64
			metadata string
		)
		if err := rows.Scan(&a.ID, &a.WorkspaceID, &lead, &a.ActivityType, &a.DedupKey, &a.Description,
			&metadata, &a.OccurredAt, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		if lead.Valid {
			id := lead.Int64
			a.LeadID = &id
		}
		if err := json.Unmarshal([]byte(metadata), &a.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode activity metadata: %w", err)
		}
		activities = append(activities, &a)
	}
	return activities, rows.Err()
}

// CountActivities counts activities of a workspace with the given type;
// an empty type matches all.
func (q *Queries) CountActivities(ctx context.Context, workspaceID, activityType string) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM lead_activities WHERE workspace_id = ? AND (? = '' OR activity_type = ?)`,
		workspaceID, activityType, activityType).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count activities: %w", err)
	}
	return n, nil
}
