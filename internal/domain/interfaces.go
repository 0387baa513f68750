package domain

import (
	"context"
	"time"

	"leadsync/internal/models"
)

// EventPublisher emits in-process domain events.
type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

// EventQueue is the part of the store the engine drives.
type EventQueue interface {
	FetchDueEvents(ctx context.Context, now time.Time, maxRetries, limit int) ([]*models.QueuedEvent, error)
	ClaimEvent(ctx context.Context, id int64, now time.Time) (bool, error)
	CompleteEvent(ctx context.Context, id int64, now time.Time) error
	SkipEvent(ctx context.Context, id int64, reason string, now time.Time) error
	FailEvent(ctx context.Context, id int64, errMsg string, nextRetryAt, now time.Time) error
	FreezeEvent(ctx context.Context, id int64, errMsg string, now time.Time) error
	StaleProcessingEvents(ctx context.Context, cutoff time.Time) ([]*models.QueuedEvent, error)
}

// Locker provides a single-flight lock shared by every engine instance.
// Acquire returns a release func, or ok=false when the lock is held elsewhere.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

// DeadLetterSink receives events that exhausted their retries.
type DeadLetterSink interface {
	PushDeadLetter(ctx context.Context, event *models.QueuedEvent, reason string) error
}

// WebhookRegistrar registers webhooks on the vendor side.
type WebhookRegistrar interface {
	RegisterWebhook(ctx context.Context, subscriptionURL string, secret string) (remoteID string, err error)
	DeleteWebhook(ctx context.Context, remoteID string) error
}
