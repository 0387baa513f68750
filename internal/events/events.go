package events

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventConflictDetected = "conflict_detected"
	EventLeadReplied      = "lead_replied"
	EventLeadBounced      = "lead_bounced"
	EventEventFrozen      = "event_frozen"
	EventSyncJobFinished  = "sync_job_finished"
)

// All lists every domain event type published by the pipeline.
var All = []string{
	EventConflictDetected,
	EventLeadReplied,
	EventLeadBounced,
	EventEventFrozen,
	EventSyncJobFinished,
}

// ConflictPayload is published when a handler records a sync conflict.
type ConflictPayload struct {
	ConflictID  int64  `json:"conflict_id"`
	WorkspaceID string `json:"workspace_id"`
	EntityType  string `json:"entity_type"`
	ExternalID  string `json:"external_id"`
	LocalID     int64  `json:"local_id,omitempty"`
}

// LeadPayload describes a lead state change driven by inbound mail.
type LeadPayload struct {
	LeadID      int64  `json:"lead_id"`
	WorkspaceID string `json:"workspace_id"`
	Email       string `json:"email"`
	Status      string `json:"status"`
	MessageID   string `json:"message_id,omitempty"`
}

// FrozenPayload is published when an event exhausts its retries.
type FrozenPayload struct {
	EventID     int64  `json:"event_id"`
	WorkspaceID string `json:"workspace_id"`
	Vendor      string `json:"vendor"`
	ObjectType  string `json:"object_type"`
	Action      string `json:"action"`
	RetryCount  int    `json:"retry_count"`
	Error       string `json:"error"`
}

type SyncJobPayload struct {
	JobID       string `json:"job_id"`
	WorkspaceID string `json:"workspace_id"`
	Status      string `json:"status"`
	Processed   int    `json:"processed"`
	Failed      int    `json:"failed"`
}

// Event represents a lightweight domain event.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// SubscribeAll registers the handler for every known event type.
func (b *EventBus) SubscribeAll(handler EventHandler) {
	for _, t := range All {
		b.Subscribe(t, handler)
	}
}

// Publish notifies subscribers of the event type.
// Handlers run synchronously and their errors are dropped.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	for _, handler := range handlers {
		_ = handler(event)
	}
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	event, err := NewJSONEvent(eventType, payload)
	if err != nil {
		return err
	}

	b.Publish(&event)
	return nil
}

// NewJSONEvent builds an Event with JSON payload for manual publishing.
func NewJSONEvent(eventType string, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}

	return Event{Type: eventType, Payload: raw, CreatedAt: time.Now().UTC()}, nil
}
