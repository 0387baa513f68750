package handlers

import (
	"context"
	"errors"
	"fmt"

	"leadsync/internal/database"
	"leadsync/internal/models"
	"leadsync/internal/resolver"
)

// PersonUpsert handles person.added and person.updated. Both go through
// the resolver; an update for an unknown id behaves like an add.
func (s *Set) PersonUpsert(ctx context.Context, e *models.QueuedEvent) error {
	c, err := decodeChange(e, true)
	if err != nil {
		return err
	}

	status, err := syncStatus(ctx, s.db.Queries, e.WorkspaceID, models.EntityPerson, e.ExternalID)
	if err != nil {
		return fmt.Errorf("load person sync status: %w", err)
	}

	decision := resolve(status, c)
	s.logger.Debug().
		Int64("event_id", e.ID).
		Str("external_id", e.ExternalID).
		Str("decision", decision.Action.String()).
		Str("reason", decision.Reason).
		Msg("Person change resolved")

	switch decision.Action {
	case resolver.ActionCreate:
		return s.createPerson(ctx, e, c, decision.Hash)
	case resolver.ActionApply:
		return s.applyPerson(ctx, e, c, status, decision.Hash)
	case resolver.ActionSkip:
		return s.touch(ctx, status)
	case resolver.ActionConflict:
		return s.recordConflict(ctx, e, models.EntityPerson, status, c.payload.Current)
	default:
		return fmt.Errorf("unexpected resolver action %s", decision.Action)
	}
}

// createPerson links the external person to an existing lead with the same
// email, or creates a new lead.
func (s *Set) createPerson(ctx context.Context, e *models.QueuedEvent, c *change, hash string) error {
	fields := readPerson(c.current)

	return s.db.InTx(ctx, func(q *database.Queries) error {
		lead, err := q.GetLeadByEmail(ctx, e.WorkspaceID, fields.Email)
		switch {
		case errors.Is(err, database.ErrNotFound):
			lead = &models.Lead{WorkspaceID: e.WorkspaceID, Status: models.LeadNew}
			fields.apply(lead)
			lead.Metadata = map[string]interface{}{"source": e.Vendor, "external_id": e.ExternalID}
			if err := q.CreateLead(ctx, lead); err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			fields.apply(lead)
			if lead.DeletedAt != nil {
				lead.DeletedAt = nil
				lead.Status = models.LeadNew
			}
			if err := q.UpdateLead(ctx, lead); err != nil {
				return err
			}
		}

		if err := q.UpsertSyncStatus(ctx, &models.SyncStatus{
			WorkspaceID:  e.WorkspaceID,
			EntityType:   models.EntityPerson,
			LocalID:      lead.ID,
			ExternalID:   e.ExternalID,
			SyncHash:     hash,
			LastSyncedAt: s.now(),
			Status:       models.SyncSynced,
		}); err != nil {
			return err
		}

		_, err = q.InsertActivity(ctx, &models.Activity{
			WorkspaceID:  e.WorkspaceID,
			LeadID:       &lead.ID,
			ActivityType: "lead_synced",
			DedupKey:     fmt.Sprintf("lead_synced:%s:%s", e.Vendor, e.ExternalID),
			Description:  fmt.Sprintf("Linked to %s person %s", e.Vendor, e.ExternalID),
			Metadata:     map[string]interface{}{"event_id": e.ID},
			OccurredAt:   s.now(),
		})
		return err
	})
}

func (s *Set) applyPerson(ctx context.Context, e *models.QueuedEvent, c *change, status *models.SyncStatus, hash string) error {
	fields := readPerson(c.current)

	return s.db.InTx(ctx, func(q *database.Queries) error {
		lead, err := q.GetLead(ctx, e.WorkspaceID, status.LocalID)
		if errors.Is(err, database.ErrNotFound) {
			lead = &models.Lead{WorkspaceID: e.WorkspaceID, Status: models.LeadNew}
			fields.apply(lead)
			if err := q.CreateLead(ctx, lead); err != nil {
				return err
			}
		} else if err != nil {
			return err
		} else {
			if fields.Email != "" && fields.Email != lead.Email {
				other, err := q.GetLeadByEmail(ctx, e.WorkspaceID, fields.Email)
				if err != nil && !errors.Is(err, database.ErrNotFound) {
					return err
				}
				if other != nil && other.ID != lead.ID {
					s.logger.Warn().
						Int64("lead_id", lead.ID).
						Int64("other_lead_id", other.ID).
						Msg("External email belongs to another lead, keeping local email")
					fields.Email = ""
				}
			}
			fields.apply(lead)
			if err := q.UpdateLead(ctx, lead); err != nil {
				return err
			}
		}

		status.LocalID = lead.ID
		status.SyncHash = hash
		status.Status = models.SyncSynced
		status.LastSyncedAt = s.now()
		return q.UpsertSyncStatus(ctx, status)
	})
}

// PersonDeleted soft-deletes the linked lead.
func (s *Set) PersonDeleted(ctx context.Context, e *models.QueuedEvent) error {
	status, err := syncStatus(ctx, s.db.Queries, e.WorkspaceID, models.EntityPerson, e.ExternalID)
	if err != nil {
		return fmt.Errorf("load person sync status: %w", err)
	}
	if status != nil && status.Status == models.SyncDeleted {
		return s.touch(ctx, status)
	}

	return s.db.InTx(ctx, func(q *database.Queries) error {
		if status == nil {
			// remember the deletion so a late add for this id is skipped
			return q.UpsertSyncStatus(ctx, &models.SyncStatus{
				WorkspaceID:  e.WorkspaceID,
				EntityType:   models.EntityPerson,
				ExternalID:   e.ExternalID,
				LastSyncedAt: s.now(),
				Status:       models.SyncDeleted,
			})
		}

		if err := q.SoftDeleteLead(ctx, e.WorkspaceID, status.LocalID, s.now()); err != nil {
			return err
		}
		if err := q.SetSyncState(ctx, status.ID, models.SyncDeleted, s.now()); err != nil {
			return err
		}
		_, err := q.InsertActivity(ctx, &models.Activity{
			WorkspaceID:  e.WorkspaceID,
			LeadID:       &status.LocalID,
			ActivityType: "lead_deleted",
			DedupKey:     fmt.Sprintf("lead_deleted:%s:%s", e.Vendor, e.ExternalID),
			Description:  fmt.Sprintf("Deleted in %s", e.Vendor),
			OccurredAt:   s.now(),
		})
		return err
	})
}
