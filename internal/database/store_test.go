package database

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadsync/internal/models"
)

func TestSyncStatusUpsert(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	_, err := db.GetSyncStatus(ctx, "ws", models.EntityPerson, "1")
	assert.ErrorIs(t, err, ErrNotFound)

	s := &models.SyncStatus{WorkspaceID: "ws", EntityType: models.EntityPerson, LocalID: 10, ExternalID: "1", SyncHash: "h1"}
	require.NoError(t, db.UpsertSyncStatus(ctx, s))

	s.SyncHash = "h2"
	require.NoError(t, db.UpsertSyncStatus(ctx, s))

	stored, err := db.GetSyncStatus(ctx, "ws", models.EntityPerson, "1")
	require.NoError(t, err)
	assert.Equal(t, "h2", stored.SyncHash)
	assert.Equal(t, models.SyncSynced, stored.Status)

	n, err := db.CountSyncStatuses(ctx, "ws", models.EntityPerson, models.SyncSynced)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "upsert must not duplicate rows")

	later := time.Now().UTC().Add(time.Hour)
	require.NoError(t, db.TouchSyncStatus(ctx, stored.ID, later))
	require.NoError(t, db.SetSyncState(ctx, stored.ID, models.SyncDeleted, later))

	stored, err = db.GetSyncStatusByLocal(ctx, "ws", models.EntityPerson, 10)
	require.NoError(t, err)
	assert.Equal(t, models.SyncDeleted, stored.Status)
	assert.Equal(t, "h2", stored.SyncHash)
	assert.WithinDuration(t, later, stored.LastSyncedAt, time.Millisecond)
}

func TestConflicts(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	external := json.RawMessage(`{"id":1,"name":"B"}`)
	c := &models.SyncConflict{
		WorkspaceID:      "ws",
		EntityType:       models.EntityPerson,
		LocalID:          3,
		ExternalID:       "1",
		LocalSnapshot:    json.RawMessage(`{"id":3}`),
		ExternalSnapshot: external,
	}
	require.NoError(t, db.CreateConflict(ctx, c))
	require.NotZero(t, c.ID)

	has, err := db.HasOpenConflict(ctx, "ws", models.EntityPerson, "1", external)
	require.NoError(t, err)
	assert.True(t, has)

	open, err := db.CountOpenConflicts(ctx, "ws", "")
	require.NoError(t, err)
	assert.Equal(t, 1, open)

	list, err := db.ListConflicts(ctx, "ws", true, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.ConflictConcurrentUpdate, list[0].ConflictType)
	assert.True(t, list[0].IsOpen())

	require.NoError(t, db.ResolveConflict(ctx, c.ID, models.ResolutionKeepLocal, time.Now()))
	assert.ErrorIs(t, db.ResolveConflict(ctx, c.ID, models.ResolutionKeepLocal, time.Now()), ErrNotFound)

	stored, err := db.GetConflict(ctx, "ws", c.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsOpen())
	require.NotNil(t, stored.Resolution)
	assert.Equal(t, models.ResolutionKeepLocal, *stored.Resolution)

	_, err = db.GetConflict(ctx, "other-ws", c.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	has, err = db.HasOpenConflict(ctx, "ws", models.EntityPerson, "1", external)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestLeads(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	l := &models.Lead{WorkspaceID: "ws", Email: " Ann@X.io ", FirstName: "Ann", Tags: []string{"vip"}}
	require.NoError(t, db.CreateLead(ctx, l))
	assert.Equal(t, "ann@x.io", l.Email)
	assert.Equal(t, models.LeadNew, l.Status)

	dup := &models.Lead{WorkspaceID: "ws", Email: "ANN@x.io"}
	assert.Error(t, db.CreateLead(ctx, dup), "email is unique per workspace")

	require.NoError(t, db.CreateLead(ctx, &models.Lead{WorkspaceID: "other", Email: "ann@x.io"}))
	require.NoError(t, db.CreateLead(ctx, &models.Lead{WorkspaceID: "ws", FirstName: "NoMail1"}))
	require.NoError(t, db.CreateLead(ctx, &models.Lead{WorkspaceID: "ws", FirstName: "NoMail2"}))

	found, err := db.GetLeadByEmail(ctx, "ws", "ANN@X.IO")
	require.NoError(t, err)
	assert.Equal(t, l.ID, found.ID)
	assert.Equal(t, []string{"vip"}, found.Tags)

	found.Company = "Acme"
	found.AddTag("customer")
	require.NoError(t, db.UpdateLead(ctx, found))
	require.NoError(t, db.AddEngagement(ctx, found.ID, 5))
	require.NoError(t, db.SetLeadStatus(ctx, "ws", found.ID, models.LeadReplied))

	stored, err := db.GetLead(ctx, "ws", found.ID)
	require.NoError(t, err)
	assert.Equal(t, "Acme", stored.Company)
	assert.Equal(t, 5, stored.EngagementScore)
	assert.Equal(t, models.LeadReplied, stored.Status)
	assert.ElementsMatch(t, []string{"vip", "customer"}, stored.Tags)

	require.NoError(t, db.SoftDeleteLead(ctx, "ws", found.ID, time.Now()))
	stored, err = db.GetLead(ctx, "ws", found.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LeadDeleted, stored.Status)
	assert.NotNil(t, stored.DeletedAt)

	n, err := db.CountLeads(ctx, "ws")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.ErrorIs(t, db.UpdateLead(ctx, &models.Lead{ID: 999, WorkspaceID: "ws"}), ErrNotFound)
}

func TestActivitiesDedup(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	lead := &models.Lead{WorkspaceID: "ws", Email: "a@x.io"}
	require.NoError(t, db.CreateLead(ctx, lead))

	a := &models.Activity{WorkspaceID: "ws", LeadID: &lead.ID, ActivityType: "call", DedupKey: "activity:1"}
	inserted, err := db.InsertActivity(ctx, a)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = db.InsertActivity(ctx, &models.Activity{WorkspaceID: "ws", LeadID: &lead.ID, ActivityType: "call", DedupKey: "activity:1"})
	require.NoError(t, err)
	assert.False(t, inserted)

	orphan := &models.Activity{WorkspaceID: "ws", ActivityType: "task", DedupKey: "activity:2"}
	inserted, err = db.InsertActivity(ctx, orphan)
	require.NoError(t, err)
	assert.True(t, inserted)

	list, err := db.ListActivities(ctx, "ws", lead.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "call", list[0].ActivityType)

	n, err := db.CountActivities(ctx, "ws", "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSubscriptions(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	s := &models.WebhookSubscription{WorkspaceID: "ws", Vendor: models.VendorPipedrive, Secret: "s1", Active: true}
	require.NoError(t, db.UpsertSubscription(ctx, s))
	require.NotZero(t, s.ID)

	remote := "77"
	replaced := &models.WebhookSubscription{
		WorkspaceID: "ws", Vendor: models.VendorPipedrive, Secret: "s2", Active: true,
		RemoteID: &remote, EventFilters: []string{"person.*"},
	}
	require.NoError(t, db.UpsertSubscription(ctx, replaced))
	assert.Equal(t, s.ID, replaced.ID)

	stored, err := db.GetSubscription(ctx, "ws", models.VendorPipedrive)
	require.NoError(t, err)
	assert.Equal(t, "s2", stored.Secret)
	assert.Equal(t, []string{"person.*"}, stored.EventFilters)
	require.NotNil(t, stored.RemoteID)
	assert.True(t, stored.Active)

	list, err := db.ListSubscriptions(ctx, "ws", "")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, db.DeleteSubscription(ctx, "ws", models.VendorPipedrive))
	assert.ErrorIs(t, db.DeleteSubscription(ctx, "ws", models.VendorPipedrive), ErrNotFound)
	_, err = db.GetSubscription(ctx, "ws", models.VendorPipedrive)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSyncJobs(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	j := &models.SyncJob{
		ID:          "job-1",
		WorkspaceID: "ws",
		Vendor:      models.VendorPipedrive,
		Options:     models.SyncJobOptions{BatchSize: 10, DuplicateStrategy: models.DuplicateSkip},
		Entities:    json.RawMessage(`[{"email":"a@x.io"}]`),
		Total:       1,
	}
	require.NoError(t, db.CreateSyncJob(ctx, j))

	resumable, err := db.ListResumableSyncJobs(ctx)
	require.NoError(t, err)
	require.Len(t, resumable, 1)

	saved, err := db.SaveSyncJobProgress(ctx, j)
	require.NoError(t, err)
	assert.False(t, saved, "queued jobs do not accept progress")

	require.NoError(t, db.MarkSyncJobRunning(ctx, j.ID, time.Now()))
	j.Processed, j.Created = 1, 1
	saved, err = db.SaveSyncJobProgress(ctx, j)
	require.NoError(t, err)
	assert.True(t, saved)

	done, err := db.FinishSyncJob(ctx, j.ID, models.JobCompleted, nil, time.Now())
	require.NoError(t, err)
	assert.True(t, done)

	done, err = db.FinishSyncJob(ctx, j.ID, models.JobCancelled, nil, time.Now())
	require.NoError(t, err)
	assert.False(t, done, "terminal jobs stay terminal")

	stored, err := db.GetSyncJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, stored.Status)
	assert.Equal(t, 1, stored.Created)
	assert.Equal(t, 10, stored.Options.BatchSize)
	assert.NotNil(t, stored.StartedAt)
	assert.NotNil(t, stored.FinishedAt)
	assert.JSONEq(t, `[{"email":"a@x.io"}]`, string(stored.Entities))

	_, err = db.GetSyncJob(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
