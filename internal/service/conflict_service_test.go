package service

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"leadsync/internal/database"
	"leadsync/internal/models"
	"leadsync/internal/resolver"
)

// seedConflict stores a lead linked to person "42" that is in conflict.
func seedConflict(t *testing.T, db *database.DB) (*models.Lead, *models.SyncConflict) {
	t.Helper()
	ctx := context.Background()

	lead := &models.Lead{WorkspaceID: ws, Email: "ann@example.com", FirstName: "Ann", Status: models.LeadNew}
	require.NoError(t, db.CreateLead(ctx, lead))

	require.NoError(t, db.UpsertSyncStatus(ctx, &models.SyncStatus{
		WorkspaceID: ws,
		EntityType:  models.EntityPerson,
		LocalID:     lead.ID,
		ExternalID:  "42",
		SyncHash:    "stale",
		Status:      models.SyncConflicted,
	}))

	c := &models.SyncConflict{
		WorkspaceID:      ws,
		EntityType:       models.EntityPerson,
		LocalID:          lead.ID,
		ExternalID:       "42",
		LocalSnapshot:    lead.Snapshot(),
		ExternalSnapshot: json.RawMessage(`{"id":42,"first_name":"Annie","email":"ann@example.com"}`),
	}
	require.NoError(t, db.CreateConflict(ctx, c))
	return lead, c
}

func TestResolveKeepLocal(t *testing.T) {
	db := newTestDB(t)
	_, c := seedConflict(t, db)
	svc := NewConflictService(db, nopLogger())
	ctx := context.Background()

	resolved, err := svc.Resolve(ctx, ws, c.ID, models.ResolutionKeepLocal)
	require.NoError(t, err)
	require.NotNil(t, resolved.Resolution)
	assert.Equal(t, models.ResolutionKeepLocal, *resolved.Resolution)
	assert.False(t, resolved.IsOpen())

	status, err := db.GetSyncStatus(ctx, ws, models.EntityPerson, "42")
	require.NoError(t, err)
	assert.Equal(t, models.SyncSynced, status.Status)
	hash, err := resolver.Fingerprint(c.ExternalSnapshot)
	require.NoError(t, err)
	assert.Equal(t, hash, status.SyncHash)

	n, err := db.CountEvents(ctx, ws, "", models.EventPending)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = svc.Resolve(ctx, ws, c.ID, models.ResolutionKeepLocal)
	assert.ErrorIs(t, err, ErrConflictResolved)
}

func TestResolveAcceptExternalEnqueuesUpdate(t *testing.T) {
	db := newTestDB(t)
	_, c := seedConflict(t, db)
	svc := NewConflictService(db, nopLogger())
	ctx := context.Background()

	_, err := svc.Resolve(ctx, ws, c.ID, models.ResolutionAcceptExternal)
	require.NoError(t, err)

	status, err := db.GetSyncStatus(ctx, ws, models.EntityPerson, "42")
	require.NoError(t, err)
	assert.Equal(t, models.SyncSynced, status.Status)
	assert.Equal(t, "stale", status.SyncHash)

	pending, err := db.ListEvents(ctx, database.EventFilter{WorkspaceID: ws, Status: models.EventPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	e := pending[0]
	assert.Equal(t, models.VendorInternal, e.Vendor)
	assert.Equal(t, "person.updated", e.Route())
	assert.Equal(t, "42", e.ExternalID)

	p, err := e.DecodePayload()
	require.NoError(t, err)
	assert.JSONEq(t, string(c.ExternalSnapshot), string(p.Current))
	assert.True(t, models.IsAbsent(p.Previous))

	// the queued update applies because no previous state is supplied
	decision := resolver.Decide(status, p.Current, p.Previous)
	assert.Equal(t, resolver.ActionApply, decision.Action)
}

func TestResolveErrors(t *testing.T) {
	db := newTestDB(t)
	_, c := seedConflict(t, db)
	svc := NewConflictService(db, nopLogger())
	ctx := context.Background()

	_, err := svc.Resolve(ctx, ws, c.ID, "merge")
	assert.ErrorIs(t, err, ErrInvalidResolution)

	_, err = svc.Resolve(ctx, ws, c.ID+100, models.ResolutionKeepLocal)
	assert.ErrorIs(t, err, ErrConflictNotFound)

	_, err = svc.Resolve(ctx, "ws-other", c.ID, models.ResolutionKeepLocal)
	assert.ErrorIs(t, err, ErrConflictNotFound)
}

func TestResolveKeepsConflictWhileOthersOpen(t *testing.T) {
	db := newTestDB(t)
	lead, first := seedConflict(t, db)
	ctx := context.Background()
	second := &models.SyncConflict{
		WorkspaceID:      ws,
		EntityType:       models.EntityPerson,
		LocalID:          lead.ID,
		ExternalID:       "42",
		ExternalSnapshot: json.RawMessage(`{"id":42,"first_name":"Anne"}`),
	}
	require.NoError(t, db.CreateConflict(ctx, second))

	svc := NewConflictService(db, nopLogger())
	_, err := svc.Resolve(ctx, ws, first.ID, models.ResolutionKeepLocal)
	require.NoError(t, err)

	status, err := db.GetSyncStatus(ctx, ws, models.EntityPerson, "42")
	require.NoError(t, err)
	assert.Equal(t, models.SyncConflicted, status.Status)

	open, err := svc.List(ctx, ws, true, 0)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, second.ID, open[0].ID)
}

func TestResolveAcceptExternalWaitsForOtherConflicts(t *testing.T) {
	db := newTestDB(t)
	lead, first := seedConflict(t, db)
	ctx := context.Background()
	second := &models.SyncConflict{
		WorkspaceID:      ws,
		EntityType:       models.EntityPerson,
		LocalID:          lead.ID,
		ExternalID:       "42",
		ExternalSnapshot: json.RawMessage(`{"id":42,"first_name":"Anne","email":"ann@example.com"}`),
	}
	require.NoError(t, db.CreateConflict(ctx, second))
	svc := NewConflictService(db, nopLogger())

	_, err := svc.Resolve(ctx, ws, second.ID, models.ResolutionAcceptExternal)
	require.ErrorIs(t, err, ErrConflictsPending)

	open, err := svc.List(ctx, ws, true, 0)
	require.NoError(t, err)
	assert.Len(t, open, 2, "rejected resolution leaves the conflict open")
	pending, err := db.CountEvents(ctx, ws, "", models.EventPending)
	require.NoError(t, err)
	assert.Zero(t, pending)

	_, err = svc.Resolve(ctx, ws, first.ID, models.ResolutionKeepLocal)
	require.NoError(t, err)
	_, err = svc.Resolve(ctx, ws, second.ID, models.ResolutionAcceptExternal)
	require.NoError(t, err)

	pending, err = db.CountEvents(ctx, ws, "", models.EventPending)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
	status, err := db.GetSyncStatus(ctx, ws, models.EntityPerson, "42")
	require.NoError(t, err)
	assert.Equal(t, models.SyncSynced, status.Status)
}

func TestExportConflicts(t *testing.T) {
	db := newTestDB(t)
	_, c := seedConflict(t, db)
	svc := NewConflictService(db, nopLogger())

	var buf bytes.Buffer
	require.NoError(t, svc.Export(context.Background(), ws, false, &buf))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{conflictSheet}, f.GetSheetList())
	rows, err := f.GetRows(conflictSheet)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "External ID", rows[0][2])
	assert.Equal(t, "42", rows[1][2])
	assert.Equal(t, models.EntityPerson, rows[1][1])
	assert.JSONEq(t, string(c.ExternalSnapshot), rows[1][9])
}
