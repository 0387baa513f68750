package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// QueuedEvent is one inbound or derived change waiting for the engine.
type QueuedEvent struct {
	ID           int64           `json:"id"`
	WorkspaceID  string          `json:"workspace_id"`
	Vendor       string          `json:"vendor"`
	ObjectType   string          `json:"object_type"`
	Action       string          `json:"action"`
	ExternalID   string          `json:"external_id"`
	Payload      json.RawMessage `json:"payload"`
	Status       string          `json:"processing_status"`
	RetryCount   int             `json:"retry_count"`
	NextRetryAt  *time.Time      `json:"next_retry_at"`
	ErrorMessage *string         `json:"error_message"`
	DedupKey     *string         `json:"dedup_key,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at"`
	ProcessedAt  *time.Time      `json:"processed_at"`
}

// EventPayload is the stored body of a QueuedEvent.
type EventPayload struct {
	Current  json.RawMessage `json:"current,omitempty"`
	Previous json.RawMessage `json:"previous,omitempty"`
	Meta     json.RawMessage `json:"meta,omitempty"`
}

// DecodePayload unpacks the stored payload.
func (e *QueuedEvent) DecodePayload() (EventPayload, error) {
	var p EventPayload
	if len(e.Payload) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return p, fmt.Errorf("decode payload of event %d: %w", e.ID, err)
	}
	return p, nil
}

// Route returns the "object.action" pair of the event.
func (e *QueuedEvent) Route() string {
	return e.ObjectType + "." + e.Action
}

// IsAbsent reports whether raw carries no JSON value at all.
func IsAbsent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// PassResult summarizes one engine pass.
type PassResult struct {
	Processed        int   `json:"processed"`
	Failed           int   `json:"failed"`
	Skipped          int   `json:"skipped"`
	ProcessingTimeMS int64 `json:"processing_time_ms"`
}

// WebhookHealth is the per-vendor queue summary of a workspace.
type WebhookHealth struct {
	Vendor              string     `json:"vendor"`
	WorkspaceID         string     `json:"workspace_id"`
	LastEventAt         *time.Time `json:"last_event_at"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	Pending             int        `json:"pending"`
	Failed              int        `json:"failed"`
	OpenConflicts       int        `json:"open_conflicts"`
	Healthy             bool       `json:"healthy"`
}

// WorkspaceStats counts the local state of a workspace. Links are keyed by
// entity type, then by link status.
type WorkspaceStats struct {
	WorkspaceID    string                    `json:"workspace_id"`
	Leads          int                       `json:"leads"`
	Activities     int                       `json:"activities"`
	ArchivedEvents int                       `json:"archived_events"`
	Links          map[string]map[string]int `json:"links"`
}
