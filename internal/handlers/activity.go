package handlers

import (
	"context"
	"fmt"
	"strconv"

	"leadsync/internal/database"
	"leadsync/internal/models"
	"leadsync/internal/resolver"
)

// ActivityUpsert handles activity.added and activity.updated. One log row
// exists per (activity, done) pair; completed activities add engagement.
func (s *Set) ActivityUpsert(ctx context.Context, e *models.QueuedEvent) error {
	c, err := decodeChange(e, true)
	if err != nil {
		return err
	}

	status, err := syncStatus(ctx, s.db.Queries, e.WorkspaceID, models.EntityActivity, e.ExternalID)
	if err != nil {
		return fmt.Errorf("load activity sync status: %w", err)
	}

	decision := resolve(status, c)
	switch decision.Action {
	case resolver.ActionSkip:
		return s.touch(ctx, status)
	case resolver.ActionConflict:
		return s.recordConflict(ctx, e, models.EntityActivity, status, c.payload.Current)
	case resolver.ActionCreate, resolver.ActionApply:
	default:
		return fmt.Errorf("unexpected resolver action %s", decision.Action)
	}

	activity := readActivity(c.current)

	return s.db.InTx(ctx, func(q *database.Queries) error {
		leadID, err := leadIDFor(ctx, q, e.WorkspaceID, activity.PersonID)
		if err != nil {
			return err
		}

		row := &models.Activity{
			WorkspaceID:  e.WorkspaceID,
			ActivityType: "crm_" + nonEmpty(activity.Type, "activity"),
			DedupKey:     fmt.Sprintf("activity:%s:%s:%s", e.Vendor, e.ExternalID, strconv.FormatBool(activity.Done)),
			Description:  activity.Subject,
			Metadata: map[string]interface{}{
				"external_id": e.ExternalID,
				"type":        activity.Type,
				"done":        activity.Done,
			},
			OccurredAt: activity.OccurredAt,
		}
		if row.OccurredAt.IsZero() {
			row.OccurredAt = s.now()
		}
		if leadID > 0 {
			row.LeadID = &leadID
		}

		inserted, err := q.InsertActivity(ctx, row)
		if err != nil {
			return err
		}
		if inserted && activity.Done && leadID > 0 {
			if err := q.AddEngagement(ctx, leadID, engagementDelta(activity.Type)); err != nil {
				return err
			}
		}

		return q.UpsertSyncStatus(ctx, &models.SyncStatus{
			WorkspaceID:  e.WorkspaceID,
			EntityType:   models.EntityActivity,
			LocalID:      leadID,
			ExternalID:   e.ExternalID,
			SyncHash:     decision.Hash,
			LastSyncedAt: s.now(),
			Status:       models.SyncSynced,
		})
	})
}

// ActivityDeleted marks the activity link deleted. Log rows are kept.
func (s *Set) ActivityDeleted(ctx context.Context, e *models.QueuedEvent) error {
	status, err := syncStatus(ctx, s.db.Queries, e.WorkspaceID, models.EntityActivity, e.ExternalID)
	if err != nil {
		return fmt.Errorf("load activity sync status: %w", err)
	}
	if status == nil {
		return s.db.UpsertSyncStatus(ctx, &models.SyncStatus{
			WorkspaceID:  e.WorkspaceID,
			EntityType:   models.EntityActivity,
			ExternalID:   e.ExternalID,
			LastSyncedAt: s.now(),
			Status:       models.SyncDeleted,
		})
	}
	return s.db.SetSyncState(ctx, status.ID, models.SyncDeleted, s.now())
}

func nonEmpty(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
