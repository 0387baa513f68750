package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"leadsync/internal/database"
	"leadsync/internal/models"
	"leadsync/internal/resolver"
)

// FollowUp is the current state of a derived follow_up.added event.
type FollowUp struct {
	DealID   string `json:"deal_id"`
	Stage    string `json:"stage"`
	Title    string `json:"title,omitempty"`
	LeadID   int64  `json:"lead_id,omitempty"`
	PersonID string `json:"person_id,omitempty"`
}

// DealUpsert handles deal.added and deal.updated. The deal drives the
// status of the lead linked through its person.
func (s *Set) DealUpsert(ctx context.Context, e *models.QueuedEvent) error {
	c, err := decodeChange(e, true)
	if err != nil {
		return err
	}

	status, err := syncStatus(ctx, s.db.Queries, e.WorkspaceID, models.EntityDeal, e.ExternalID)
	if err != nil {
		return fmt.Errorf("load deal sync status: %w", err)
	}

	decision := resolve(status, c)
	switch decision.Action {
	case resolver.ActionSkip:
		return s.touch(ctx, status)
	case resolver.ActionConflict:
		return s.recordConflict(ctx, e, models.EntityDeal, status, c.payload.Current)
	case resolver.ActionCreate, resolver.ActionApply:
		return s.applyDeal(ctx, e, c, decision)
	default:
		return fmt.Errorf("unexpected resolver action %s", decision.Action)
	}
}

func (s *Set) applyDeal(ctx context.Context, e *models.QueuedEvent, c *change, decision resolver.Decision) error {
	deal := readDeal(c.current)
	previous := readDeal(c.previous)

	stageChanged := c.previous != nil && previous.Stage != deal.Stage
	wantFollowUp := deal.Stage != "" &&
		(e.Action == models.ActionAdded || decision.Action == resolver.ActionCreate || stageChanged)

	return s.db.InTx(ctx, func(q *database.Queries) error {
		leadID, err := leadIDFor(ctx, q, e.WorkspaceID, deal.PersonID)
		if err != nil {
			return err
		}

		if leadID > 0 {
			if err := s.applyDealStatus(ctx, q, e.WorkspaceID, leadID, deal.Status); err != nil {
				return err
			}
		} else if deal.PersonID != "" {
			s.logger.Debug().
				Str("deal_id", e.ExternalID).
				Str("person_id", deal.PersonID).
				Msg("Deal person is not synced, lead status unchanged")
		}

		if err := q.UpsertSyncStatus(ctx, &models.SyncStatus{
			WorkspaceID:  e.WorkspaceID,
			EntityType:   models.EntityDeal,
			LocalID:      leadID,
			ExternalID:   e.ExternalID,
			SyncHash:     decision.Hash,
			LastSyncedAt: s.now(),
			Status:       models.SyncSynced,
		}); err != nil {
			return err
		}

		if !wantFollowUp {
			return nil
		}
		return s.enqueueFollowUp(ctx, q, e, FollowUp{
			DealID:   e.ExternalID,
			Stage:    deal.Stage,
			Title:    deal.Title,
			LeadID:   leadID,
			PersonID: deal.PersonID,
		})
	})
}

func (s *Set) applyDealStatus(ctx context.Context, q *database.Queries, workspaceID string, leadID int64, dealStatus string) error {
	next, ok := leadStatusForDeal(dealStatus)
	if !ok {
		return nil
	}
	lead, err := q.GetLead(ctx, workspaceID, leadID)
	if errors.Is(err, database.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if lead.DeletedAt != nil || lead.Status == next {
		return nil
	}
	return q.SetLeadStatus(ctx, workspaceID, leadID, next)
}

// enqueueFollowUp writes the derived event in the caller's transaction.
// The dedup key makes redelivery of the same stage change a no-op.
func (s *Set) enqueueFollowUp(ctx context.Context, q *database.Queries, e *models.QueuedEvent, f FollowUp) error {
	current, err := json.Marshal(f)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(models.EventPayload{
		Current: current,
		Meta:    json.RawMessage(fmt.Sprintf(`{"source_event_id":%d}`, e.ID)),
	})
	if err != nil {
		return err
	}

	key := fmt.Sprintf("follow_up:%s:%s:%s", e.Vendor, f.DealID, f.Stage)
	created, err := q.CreateEvent(ctx, &models.QueuedEvent{
		WorkspaceID: e.WorkspaceID,
		Vendor:      e.Vendor,
		ObjectType:  models.ObjectFollowUp,
		Action:      models.ActionAdded,
		ExternalID:  f.DealID,
		Payload:     payload,
		DedupKey:    &key,
		CreatedAt:   s.now(),
	})
	if err != nil {
		return fmt.Errorf("enqueue follow-up: %w", err)
	}
	if created {
		s.logger.Debug().Str("dedup_key", key).Msg("Follow-up enqueued")
	}
	return nil
}

// DealDeleted marks the deal link deleted and logs it on the lead.
func (s *Set) DealDeleted(ctx context.Context, e *models.QueuedEvent) error {
	status, err := syncStatus(ctx, s.db.Queries, e.WorkspaceID, models.EntityDeal, e.ExternalID)
	if err != nil {
		return fmt.Errorf("load deal sync status: %w", err)
	}
	if status != nil && status.Status == models.SyncDeleted {
		return s.touch(ctx, status)
	}

	return s.db.InTx(ctx, func(q *database.Queries) error {
		if status == nil {
			return q.UpsertSyncStatus(ctx, &models.SyncStatus{
				WorkspaceID:  e.WorkspaceID,
				EntityType:   models.EntityDeal,
				ExternalID:   e.ExternalID,
				LastSyncedAt: s.now(),
				Status:       models.SyncDeleted,
			})
		}

		if err := q.SetSyncState(ctx, status.ID, models.SyncDeleted, s.now()); err != nil {
			return err
		}

		activity := &models.Activity{
			WorkspaceID:  e.WorkspaceID,
			ActivityType: "deal_deleted",
			DedupKey:     fmt.Sprintf("deal_deleted:%s:%s", e.Vendor, e.ExternalID),
			Description:  fmt.Sprintf("Deal %s deleted in %s", e.ExternalID, e.Vendor),
			OccurredAt:   s.now(),
		}
		if status.LocalID > 0 {
			activity.LeadID = &status.LocalID
		}
		_, err := q.InsertActivity(ctx, activity)
		return err
	})
}
