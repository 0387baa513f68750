package models

import (
	"encoding/json"
	"strings"
	"time"
)

type Lead struct {
	ID              int64                  `json:"id"`
	WorkspaceID     string                 `json:"workspace_id"`
	Email           string                 `json:"email"`
	FirstName       string                 `json:"first_name"`
	LastName        string                 `json:"last_name"`
	Phone           string                 `json:"phone"`
	Company         string                 `json:"company"`
	Title           string                 `json:"title"`
	Status          string                 `json:"status"`
	Tags            []string               `json:"tags"`
	Metadata        map[string]interface{} `json:"metadata"`
	EngagementScore int                    `json:"engagement_score"`
	DeletedAt       *time.Time             `json:"deleted_at"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// HasTag reports whether the lead already carries tag.
func (l *Lead) HasTag(tag string) bool {
	for _, t := range l.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// AddTag appends tag once.
func (l *Lead) AddTag(tag string) {
	if tag == "" || l.HasTag(tag) {
		return
	}
	l.Tags = append(l.Tags, tag)
}

// Snapshot is the JSON image of the lead stored with conflicts.
func (l *Lead) Snapshot() json.RawMessage {
	raw, err := json.Marshal(l)
	if err != nil {
		return json.RawMessage("{}")
	}
	return raw
}

// NormalizeEmail lower-cases and trims an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Activity is one entry of a lead's activity log.
type Activity struct {
	ID           int64                  `json:"id"`
	WorkspaceID  string                 `json:"workspace_id"`
	LeadID       *int64                 `json:"lead_id"`
	ActivityType string                 `json:"activity_type"`
	DedupKey     string                 `json:"dedup_key"`
	Description  string                 `json:"description"`
	Metadata     map[string]interface{} `json:"metadata"`
	OccurredAt   time.Time              `json:"occurred_at"`
	CreatedAt    time.Time              `json:"created_at"`
}
