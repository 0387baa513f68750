package models

import (
	"encoding/json"
	"time"
)

// SyncStatus links an external record to its local entity.
type SyncStatus struct {
	ID           int64     `json:"id"`
	WorkspaceID  string    `json:"workspace_id"`
	EntityType   string    `json:"entity_type"`
	LocalID      int64     `json:"local_id"`
	ExternalID   string    `json:"external_id"`
	SyncHash     string    `json:"sync_hash"`
	LastSyncedAt time.Time `json:"last_synced_at"`
	Status       string    `json:"status"`
}

// SyncConflict records a divergence that needs a human decision.
type SyncConflict struct {
	ID               int64           `json:"id"`
	WorkspaceID      string          `json:"workspace_id"`
	EntityType       string          `json:"entity_type"`
	LocalID          int64           `json:"local_id"`
	ExternalID       string          `json:"external_id"`
	ConflictType     string          `json:"conflict_type"`
	LocalSnapshot    json.RawMessage `json:"local_snapshot"`
	ExternalSnapshot json.RawMessage `json:"external_snapshot"`
	CreatedAt        time.Time       `json:"created_at"`
	ResolvedAt       *time.Time      `json:"resolved_at"`
	Resolution       *string         `json:"resolution"`
}

// IsOpen reports whether the conflict still awaits resolution.
func (c *SyncConflict) IsOpen() bool {
	return c.ResolvedAt == nil
}
