package models

import "time"

// WebhookSubscription holds the shared secret for one workspace and vendor.
type WebhookSubscription struct {
	ID           int64     `json:"id"`
	WorkspaceID  string    `json:"workspace_id"`
	Vendor       string    `json:"vendor"`
	Secret       string    `json:"-"`
	RemoteID     *string   `json:"remote_id"`
	EventFilters []string  `json:"event_filters"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// Accepts reports whether the filters let object.action through.
// An empty filter list accepts everything; "object.*" and "*.action" match wildcards.
func (s *WebhookSubscription) Accepts(objectType, action string) bool {
	if len(s.EventFilters) == 0 {
		return true
	}
	for _, f := range s.EventFilters {
		switch f {
		case "*", "*.*", objectType + "." + action, objectType + ".*", "*." + action:
			return true
		}
	}
	return false
}
