// Package handlers holds the per-route entity handlers. Every handler is
// idempotent: replaying an event yields the same local state and no
// duplicate rows. Cross-entity effects are enqueued as derived events.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"leadsync/internal/database"
	"leadsync/internal/domain"
	"leadsync/internal/events"
	"leadsync/internal/logging"
	"leadsync/internal/metrics"
	"leadsync/internal/models"
	"leadsync/internal/resolver"
	"leadsync/internal/router"
)

// ErrInvalidPayload marks events whose stored payload cannot be handled.
var ErrInvalidPayload = errors.New("invalid event payload")

// Set builds the router handlers over one store.
type Set struct {
	db        *database.DB
	publisher domain.EventPublisher
	logger    *zerolog.Logger
	now       func() time.Time
}

func New(db *database.DB, publisher domain.EventPublisher, logger *zerolog.Logger) *Set {
	return &Set{
		db:        db,
		publisher: publisher,
		logger:    logging.Component(logger, "handlers"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Handlers returns the full route table.
func (s *Set) Handlers() router.Handlers {
	return router.Handlers{
		PersonAdded:       s.PersonUpsert,
		PersonUpdated:     s.PersonUpsert,
		PersonDeleted:     s.PersonDeleted,
		DealAdded:         s.DealUpsert,
		DealUpdated:       s.DealUpsert,
		DealDeleted:       s.DealDeleted,
		ActivityAdded:     s.ActivityUpsert,
		ActivityUpdated:   s.ActivityUpsert,
		ActivityDeleted:   s.ActivityDeleted,
		EmailMessageAdded: s.EmailMessageAdded,
		FollowUpAdded:     s.FollowUpAdded,
	}
}

// Router is a shortcut for router.New(s.Handlers()).
func (s *Set) Router() (*router.Router, error) {
	return router.New(s.Handlers())
}

type change struct {
	payload  models.EventPayload
	current  models.Record
	previous models.Record
}

func decodeChange(e *models.QueuedEvent, requireCurrent bool) (*change, error) {
	p, err := e.DecodePayload()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	current, err := models.DecodeRecord(p.Current)
	if err != nil {
		return nil, fmt.Errorf("%w: current: %v", ErrInvalidPayload, err)
	}
	previous, err := models.DecodeRecord(p.Previous)
	if err != nil {
		return nil, fmt.Errorf("%w: previous: %v", ErrInvalidPayload, err)
	}
	if requireCurrent && current == nil {
		return nil, fmt.Errorf("%w: %s event %d has no current state", ErrInvalidPayload, e.Route(), e.ID)
	}
	return &change{payload: p, current: current, previous: previous}, nil
}

// syncStatus returns the link for an external id, or nil when none exists.
func syncStatus(ctx context.Context, q *database.Queries, workspaceID, entityType, externalID string) (*models.SyncStatus, error) {
	if externalID == "" {
		return nil, nil
	}
	status, err := q.GetSyncStatus(ctx, workspaceID, entityType, externalID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	return status, err
}

// leadIDFor resolves the local lead linked to an external person id; 0 when unknown.
func leadIDFor(ctx context.Context, q *database.Queries, workspaceID, personExternalID string) (int64, error) {
	status, err := syncStatus(ctx, q, workspaceID, models.EntityPerson, personExternalID)
	if err != nil || status == nil || status.Status == models.SyncDeleted {
		return 0, err
	}
	return status.LocalID, nil
}

// recordConflict stores a conflict and flips the link to conflict in one
// transaction. A redelivered payload that is already recorded is ignored.
func (s *Set) recordConflict(ctx context.Context, e *models.QueuedEvent, entityType string, status *models.SyncStatus, current json.RawMessage) error {
	var conflict *models.SyncConflict
	err := s.db.InTx(ctx, func(q *database.Queries) error {
		exists, err := q.HasOpenConflict(ctx, e.WorkspaceID, entityType, e.ExternalID, current)
		if err != nil || exists {
			return err
		}

		localSnapshot := json.RawMessage("{}")
		if entityType == models.EntityPerson && status.LocalID > 0 {
			lead, err := q.GetLead(ctx, e.WorkspaceID, status.LocalID)
			if err != nil && !errors.Is(err, database.ErrNotFound) {
				return err
			}
			if lead != nil {
				localSnapshot = lead.Snapshot()
			}
		}

		conflict = &models.SyncConflict{
			WorkspaceID:      e.WorkspaceID,
			EntityType:       entityType,
			LocalID:          status.LocalID,
			ExternalID:       e.ExternalID,
			ConflictType:     models.ConflictConcurrentUpdate,
			LocalSnapshot:    localSnapshot,
			ExternalSnapshot: current,
			CreatedAt:        s.now(),
		}
		if err := q.CreateConflict(ctx, conflict); err != nil {
			return err
		}
		return q.SetSyncState(ctx, status.ID, models.SyncConflicted, s.now())
	})
	if err != nil {
		return fmt.Errorf("record %s conflict for %s: %w", entityType, e.ExternalID, err)
	}

	if conflict != nil {
		s.logger.Warn().
			Str("workspace_id", e.WorkspaceID).
			Str("entity_type", entityType).
			Str("external_id", e.ExternalID).
			Int64("conflict_id", conflict.ID).
			Msg("Sync conflict recorded")
		metrics.IncConflict(entityType)
		s.publish(events.EventConflictDetected, events.ConflictPayload{
			ConflictID:  conflict.ID,
			WorkspaceID: e.WorkspaceID,
			EntityType:  entityType,
			ExternalID:  e.ExternalID,
			LocalID:     status.LocalID,
		})
	}
	return nil
}

// touch refreshes last_synced_at of an already-applied change.
func (s *Set) touch(ctx context.Context, status *models.SyncStatus) error {
	if status == nil {
		return nil
	}
	return s.db.TouchSyncStatus(ctx, status.ID, s.now())
}

func (s *Set) publish(eventType string, payload interface{}) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishJSON(eventType, payload); err != nil {
		s.logger.Warn().Err(err).Str("event_type", eventType).Msg("Failed to publish domain event")
	}
}

func resolve(status *models.SyncStatus, c *change) resolver.Decision {
	return resolver.Decide(status, c.payload.Current, c.payload.Previous)
}
