package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"leadsync/internal/models"
)

// FollowUpAdded logs a scheduled follow-up on the lead of a deal.
func (s *Set) FollowUpAdded(ctx context.Context, e *models.QueuedEvent) error {
	p, err := e.DecodePayload()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	var f FollowUp
	if err := json.Unmarshal(p.Current, &f); err != nil {
		return fmt.Errorf("%w: follow-up: %v", ErrInvalidPayload, err)
	}
	if f.DealID == "" {
		f.DealID = e.ExternalID
	}

	activity := &models.Activity{
		WorkspaceID:  e.WorkspaceID,
		ActivityType: "follow_up_scheduled",
		DedupKey:     fmt.Sprintf("follow_up:%s:%s:%s", e.Vendor, f.DealID, f.Stage),
		Description:  fmt.Sprintf("Follow up on deal %s at stage %s", nonEmpty(f.Title, f.DealID), f.Stage),
		Metadata: map[string]interface{}{
			"deal_id": f.DealID,
			"stage":   f.Stage,
		},
		OccurredAt: s.now(),
	}
	if f.LeadID > 0 {
		activity.LeadID = &f.LeadID
	}

	_, err = s.db.InsertActivity(ctx, activity)
	return err
}
