package service

import (
	"context"

	"leadsync/internal/database"
	"leadsync/internal/models"
)

// unhealthyAfter is the number of consecutive failures that marks a vendor unhealthy.
const unhealthyAfter = 5

type HealthService struct {
	db *database.DB
}

func NewHealthService(db *database.DB) *HealthService {
	return &HealthService{db: db}
}

// WebhookHealth summarizes the queue of one workspace and vendor.
func (s *HealthService) WebhookHealth(ctx context.Context, workspaceID, vendor string) (*models.WebhookHealth, error) {
	if !models.IsVendor(vendor) {
		return nil, ErrUnknownVendor
	}

	h := &models.WebhookHealth{Vendor: vendor, WorkspaceID: workspaceID}
	var err error
	if h.LastEventAt, err = s.db.LastEventAt(ctx, workspaceID, vendor); err != nil {
		return nil, err
	}
	if h.ConsecutiveFailures, err = s.db.ConsecutiveFailures(ctx, workspaceID, vendor); err != nil {
		return nil, err
	}
	if h.Pending, err = s.db.CountEvents(ctx, workspaceID, vendor, models.EventPending); err != nil {
		return nil, err
	}
	if h.Failed, err = s.db.CountEvents(ctx, workspaceID, vendor, models.EventFailed); err != nil {
		return nil, err
	}
	if h.OpenConflicts, err = s.db.CountOpenConflicts(ctx, workspaceID, ""); err != nil {
		return nil, err
	}
	h.Healthy = h.ConsecutiveFailures < unhealthyAfter
	return h, nil
}

// Stats counts leads, activities, archived events and sync links of a workspace.
func (s *HealthService) Stats(ctx context.Context, workspaceID string) (*models.WorkspaceStats, error) {
	st := &models.WorkspaceStats{WorkspaceID: workspaceID, Links: make(map[string]map[string]int, 3)}
	var err error
	if st.Leads, err = s.db.CountLeads(ctx, workspaceID); err != nil {
		return nil, err
	}
	if st.Activities, err = s.db.CountActivities(ctx, workspaceID, ""); err != nil {
		return nil, err
	}
	if st.ArchivedEvents, err = s.db.CountArchivedEvents(ctx, workspaceID); err != nil {
		return nil, err
	}
	for _, entity := range []string{models.EntityPerson, models.EntityDeal, models.EntityActivity} {
		counts := make(map[string]int, 3)
		for _, state := range []string{models.SyncSynced, models.SyncDeleted, models.SyncConflicted} {
			n, err := s.db.CountSyncStatuses(ctx, workspaceID, entity, state)
			if err != nil {
				return nil, err
			}
			counts[state] = n
		}
		st.Links[entity] = counts
	}
	return st, nil
}

// Ping checks that the store answers.
func (s *HealthService) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
