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

const leadColumns = `id, workspace_id, email, first_name, last_name, phone, company, title, status,
    tags, metadata, engagement_score, deleted_at, created_at, updated_at`

func (q *Queries) GetLead(ctx context.Context, workspaceID string, id int64) (*models.Lead, error) {
	row := q.q.QueryRowContext(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE workspace_id = ? AND id = ?`, workspaceID, id)
	return scanLead(row)
}

// GetLeadByEmail matches case-insensitively, including soft-deleted leads.
func (q *Queries) GetLeadByEmail(ctx context.Context, workspaceID, email string) (*models.Lead, error) {
	email = models.NormalizeEmail(email)
	if email == "" {
		return nil, ErrNotFound
	}
	row := q.q.QueryRowContext(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE workspace_id = ? AND email = ?`, workspaceID, email)
	return scanLead(row)
}

func (q *Queries) CreateLead(ctx context.Context, l *models.Lead) error {
	now := time.Now().UTC()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	l.UpdatedAt = now
	if l.Status == "" {
		l.Status = models.LeadNew
	}
	l.Email = models.NormalizeEmail(l.Email)

	result, err := q.q.ExecContext(ctx,
		`INSERT INTO leads (workspace_id, email, first_name, last_name, phone, company, title, status,
         tags, metadata, engagement_score, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.WorkspaceID,
		nullEmail(l.Email),
		l.FirstName,
		l.LastName,
		l.Phone,
		l.Company,
		l.Title,
		l.Status,
		encodeJSON(l.Tags, "[]"),
		encodeJSON(l.Metadata, "{}"),
		l.EngagementScore,
		ts(l.CreatedAt),
		ts(l.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create lead: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	l.ID = id
	return nil
}

// UpdateLead writes every mutable field of the lead. A lead that was
// soft-deleted is revived when deleted_at is cleared by the caller.
func (q *Queries) UpdateLead(ctx context.Context, l *models.Lead) error {
	l.UpdatedAt = time.Now().UTC()
	l.Email = models.NormalizeEmail(l.Email)

	result, err := q.q.ExecContext(ctx,
		`UPDATE leads SET email = ?, first_name = ?, last_name = ?, phone = ?, company = ?, title = ?,
         status = ?, tags = ?, metadata = ?, engagement_score = ?, deleted_at = ?, updated_at = ?
         WHERE workspace_id = ? AND id = ?`,
		nullEmail(l.Email),
		l.FirstName,
		l.LastName,
		l.Phone,
		l.Company,
		l.Title,
		l.Status,
		encodeJSON(l.Tags, "[]"),
		encodeJSON(l.Metadata, "{}"),
		l.EngagementScore,
		nullTS(l.DeletedAt),
		ts(l.UpdatedAt),
		l.WorkspaceID,
		l.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update lead %d: %w", l.ID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("failed to update lead %d: %w", l.ID, ErrNotFound)
	}
	return nil
}

// SoftDeleteLead marks the lead deleted. Deleting twice keeps the first timestamp.
func (q *Queries) SoftDeleteLead(ctx context.Context, workspaceID string, id int64, now time.Time) error {
	_, err := q.q.ExecContext(ctx,
		`UPDATE leads SET status = ?, deleted_at = COALESCE(deleted_at, ?), updated_at = ?
         WHERE workspace_id = ? AND id = ?`,
		models.LeadDeleted, ts(now), ts(now), workspaceID, id)
	if err != nil {
		return fmt.Errorf("failed to delete lead %d: %w", id, err)
	}
	return nil
}

// SetLeadStatus changes only the status column.
func (q *Queries) SetLeadStatus(ctx context.Context, workspaceID string, id int64, status string) error {
	_, err := q.q.ExecContext(ctx,
		`UPDATE leads SET status = ?, updated_at = ? WHERE workspace_id = ? AND id = ?`,
		status, ts(time.Now()), workspaceID, id)
	if err != nil {
		return fmt.Errorf("failed to set lead %d status: %w", id, err)
	}
	return nil
}

func (q *Queries) AddEngagement(ctx context.Context, id int64, delta int) error {
	if delta == 0 {
		return nil
	}
	_, err := q.q.ExecContext(ctx,
		`UPDATE leads SET engagement_score = engagement_score + ?, updated_at = ? WHERE id = ?`,
		delta, ts(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to add engagement to lead %d: %w", id, err)
	}
	return nil
}

func (q *Queries) CountLeads(ctx context.Context, workspaceID string) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM leads WHERE workspace_id = ?`, workspaceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count leads: %w", err)
	}
	return n, nil
}

func nullEmail(email string) interface{} {
	if email == "" {
		return nil
	}
	return email
}

func scanLead(row rowScanner) (*models.Lead, error) {
	var (
		l         models.Lead
		email     sql.NullString
		tags      string
		metadata  string
		deletedAt sql.NullTime
	)
	err := row.Scan(&l.ID, &l.WorkspaceID, &email, &l.FirstName, &l.LastName, &l.Phone, &l.Company, &l.Title,
		&l.Status, &tags, &metadata, &l.EngagementScore, &deletedAt, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan lead: %w", err)
	}

	l.Email = email.String
	if err := json.Unmarshal([]byte(tags), &l.Tags); err != nil {
		return nil, fmt.Errorf("failed to decode tags of lead %d: %w", l.ID, err)
	}
	if err := json.Unmarshal([]byte(metadata), &l.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata of lead %d: %w", l.ID, err)
	}
	l.DeletedAt = ptrTime(deletedAt)
	l.CreatedAt = l.CreatedAt.UTC()
	l.UpdatedAt = l.UpdatedAt.UTC()
	return &l, nil
}
