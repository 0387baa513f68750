package service

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"leadsync/internal/database"
	"leadsync/internal/models"
)

const ws = "ws-1"

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "service.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func nopLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

func subscribe(t *testing.T, db *database.DB, vendor, secret string, filters ...string) {
	t.Helper()
	require.NoError(t, db.UpsertSubscription(context.Background(), &models.WebhookSubscription{
		WorkspaceID:  ws,
		Vendor:       vendor,
		Secret:       secret,
		EventFilters: filters,
		Active:       true,
	}))
}

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

type mockRegistrar struct {
	mock.Mock
}

func (m *mockRegistrar) RegisterWebhook(ctx context.Context, url, secret string) (string, error) {
	args := m.Called(ctx, url, secret)
	return args.String(0), args.Error(1)
}

func (m *mockRegistrar) DeleteWebhook(ctx context.Context, remoteID string) error {
	return m.Called(ctx, remoteID).Error(0)
}

type recordingPublisher struct {
	mu       sync.Mutex
	types    []string
	payloads []interface{}
}

func (p *recordingPublisher) PublishJSON(eventType string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.types = append(p.types, eventType)
	p.payloads = append(p.payloads, payload)
	return nil
}
