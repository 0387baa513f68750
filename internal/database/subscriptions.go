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

const subscriptionColumns = `id, workspace_id, vendor, secret, remote_id, event_filters, active, created_at`

// UpsertSubscription creates or replaces the subscription of (workspace, vendor).
func (q *Queries) UpsertSubscription(ctx context.Context, s *models.WebhookSubscription) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}

	_, err := q.q.ExecContext(ctx,
		`INSERT INTO webhook_subscriptions (workspace_id, vendor, secret, remote_id, event_filters, active, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(workspace_id, vendor) DO UPDATE SET
             secret = excluded.secret,
             remote_id = excluded.remote_id,
             event_filters = excluded.event_filters,
             active = excluded.active`,
		s.WorkspaceID,
		s.Vendor,
		s.Secret,
		nullString(s.RemoteID),
		encodeJSON(s.EventFilters, "[]"),
		s.Active,
		ts(s.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}

	stored, err := q.GetSubscription(ctx, s.WorkspaceID, s.Vendor)
	if err != nil {
		return err
	}
	s.ID = stored.ID
	s.CreatedAt = stored.CreatedAt
	return nil
}

func (q *Queries) GetSubscription(ctx context.Context, workspaceID, vendor string) (*models.WebhookSubscription, error) {
	row := q.q.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE workspace_id = ? AND vendor = ?`,
		workspaceID, vendor)
	return scanSubscription(row)
}

// ListSubscriptions returns the subscriptions of a workspace; an empty
// vendor lists all vendors.
func (q *Queries) ListSubscriptions(ctx context.Context, workspaceID, vendor string) ([]*models.WebhookSubscription, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions
         WHERE workspace_id = ? AND (? = '' OR vendor = ?) ORDER BY vendor`,
		workspaceID, vendor, vendor)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*models.WebhookSubscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

func (q *Queries) DeleteSubscription(ctx context.Context, workspaceID, vendor string) error {
	result, err := q.q.ExecContext(ctx,
		`DELETE FROM webhook_subscriptions WHERE workspace_id = ? AND vendor = ?`, workspaceID, vendor)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSubscription(row rowScanner) (*models.WebhookSubscription, error) {
	var (
		s        models.WebhookSubscription
		remoteID sql.NullString
		filters  string
	)
	err := row.Scan(&s.ID, &s.WorkspaceID, &s.Vendor, &s.Secret, &remoteID, &filters, &s.Active, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}
	s.RemoteID = ptrString(remoteID)
	if err := json.Unmarshal([]byte(filters), &s.EventFilters); err != nil {
		return nil, fmt.Errorf("failed to decode event filters: %w", err)
	}
	s.CreatedAt = s.CreatedAt.UTC()
	return &s, nil
}
