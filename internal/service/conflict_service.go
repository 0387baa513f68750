package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"leadsync/internal/database"
	"leadsync/internal/logging"
	"leadsync/internal/models"
	"leadsync/internal/resolver"
)

var (
	ErrConflictNotFound  = errors.New("conflict not found")
	ErrConflictResolved  = errors.New("conflict already resolved")
	ErrInvalidResolution = errors.New("invalid resolution")
	// ErrConflictsPending rejects accept_external while older conflicts of
	// the same entity are open; their external states would be lost.
	ErrConflictsPending = errors.New("other conflicts for the entity are still open")
)

// ConflictService lists, resolves and exports sync conflicts.
type ConflictService struct {
	db     *database.DB
	logger *zerolog.Logger
	now    func() time.Time
}

func NewConflictService(db *database.DB, logger *zerolog.Logger) *ConflictService {
	return &ConflictService{
		db:     db,
		logger: logging.Component(logger, "conflicts"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *ConflictService) List(ctx context.Context, workspaceID string, openOnly bool, limit int) ([]*models.SyncConflict, error) {
	return s.db.ListConflicts(ctx, workspaceID, openOnly, limit)
}

// Resolve closes an open conflict.
//
// keep_local records the external state as seen, so later changes based on
// it apply normally. accept_external enqueues the external state as a
// derived update, which the engine applies through the usual handler.
// accept_external requires every other conflict of the entity to be closed
// first; keep_local may close them in any order.
func (s *ConflictService) Resolve(ctx context.Context, workspaceID string, id int64, resolution string) (*models.SyncConflict, error) {
	if resolution != models.ResolutionKeepLocal && resolution != models.ResolutionAcceptExternal {
		return nil, fmt.Errorf("%w: %q", ErrInvalidResolution, resolution)
	}

	conflict, err := s.db.GetConflict(ctx, workspaceID, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrConflictNotFound
	}
	if err != nil {
		return nil, err
	}
	if !conflict.IsOpen() {
		return nil, ErrConflictResolved
	}

	now := s.now()
	err = s.db.InTx(ctx, func(q *database.Queries) error {
		if err := q.ResolveConflict(ctx, conflict.ID, resolution, now); err != nil {
			return err
		}

		status, err := q.GetSyncStatus(ctx, workspaceID, conflict.EntityType, conflict.ExternalID)
		if errors.Is(err, database.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		// other open conflicts for the entity keep it in conflict
		open, err := q.ListConflicts(ctx, workspaceID, true, models.MaxEventListLimit)
		if err != nil {
			return err
		}
		for _, other := range open {
			if other.ID != conflict.ID && other.EntityType == conflict.EntityType && other.ExternalID == conflict.ExternalID {
				if resolution == models.ResolutionAcceptExternal {
					return ErrConflictsPending
				}
				return nil
			}
		}

		switch resolution {
		case models.ResolutionKeepLocal:
			hash, err := resolver.Fingerprint(conflict.ExternalSnapshot)
			if err != nil {
				return fmt.Errorf("fingerprint external snapshot: %w", err)
			}
			status.SyncHash = hash
			status.Status = models.SyncSynced
			status.LastSyncedAt = now
			return q.UpsertSyncStatus(ctx, status)
		default:
			if err := q.SetSyncState(ctx, status.ID, models.SyncSynced, now); err != nil {
				return err
			}
			return s.enqueueAccepted(ctx, q, conflict, now)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("resolve conflict %d: %w", id, err)
	}

	resolved := resolution
	conflict.Resolution = &resolved
	conflict.ResolvedAt = &now
	s.logger.Info().
		Int64("conflict_id", conflict.ID).
		Str("workspace_id", workspaceID).
		Str("entity_type", conflict.EntityType).
		Str("resolution", resolution).
		Msg("Conflict resolved")
	return conflict, nil
}

func (s *ConflictService) enqueueAccepted(ctx context.Context, q *database.Queries, c *models.SyncConflict, now time.Time) error {
	objectType := c.EntityType
	if objectType != models.ObjectPerson && objectType != models.ObjectDeal {
		return nil
	}
	payload, err := json.Marshal(models.EventPayload{
		Current: c.ExternalSnapshot,
		Meta:    json.RawMessage(fmt.Sprintf(`{"conflict_id":%d}`, c.ID)),
	})
	if err != nil {
		return err
	}
	key := fmt.Sprintf("conflict_resolution:%d", c.ID)
	_, err = q.CreateEvent(ctx, &models.QueuedEvent{
		WorkspaceID: c.WorkspaceID,
		Vendor:      models.VendorInternal,
		ObjectType:  objectType,
		Action:      models.ActionUpdated,
		ExternalID:  c.ExternalID,
		Payload:     payload,
		DedupKey:    &key,
		CreatedAt:   now,
	})
	return err
}
