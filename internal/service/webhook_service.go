package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"leadsync/internal/database"
	"leadsync/internal/logging"
	"leadsync/internal/metrics"
	"leadsync/internal/models"
	"leadsync/internal/vendors"
)

var (
	ErrInvalidSignature     = errors.New("invalid webhook signature")
	ErrUnknownVendor        = errors.New("unknown vendor")
	ErrSubscriptionNotFound = errors.New("webhook subscription not found")
)

// IngestResult is the outcome of an accepted delivery.
type IngestResult struct {
	EventID int64
	Ignored bool
}

// WebhookService verifies, normalizes and enqueues vendor deliveries.
// It never runs business logic.
type WebhookService struct {
	db     *database.DB
	logger *zerolog.Logger
}

func NewWebhookService(db *database.DB, logger *zerolog.Logger) *WebhookService {
	return &WebhookService{db: db, logger: logging.Component(logger, "webhooks")}
}

// Ingest handles one delivery. Nothing is stored unless the signature and
// the payload are valid.
func (s *WebhookService) Ingest(ctx context.Context, vendor, workspaceID string, header http.Header, body []byte) (*IngestResult, error) {
	parser, ok := vendors.Lookup(vendor)
	if !ok {
		metrics.IncWebhook(vendor, "unknown_vendor")
		return nil, ErrUnknownVendor
	}

	sub, err := s.db.GetSubscription(ctx, workspaceID, vendor)
	if errors.Is(err, database.ErrNotFound) || (err == nil && !sub.Active) {
		metrics.IncWebhook(vendor, "no_subscription")
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load subscription: %w", err)
	}

	if !VerifySignature(sub.Secret, body, header.Get(parser.SignatureHeader())) {
		metrics.IncWebhook(vendor, "bad_signature")
		s.logger.Warn().Str("vendor", vendor).Str("workspace_id", workspaceID).Msg("Rejected webhook with invalid signature")
		return nil, ErrInvalidSignature
	}

	n, err := parser.Parse(body)
	if err != nil {
		metrics.IncWebhook(vendor, "malformed")
		return nil, err
	}

	if !sub.Accepts(n.ObjectType, n.Action) {
		metrics.IncWebhook(vendor, "ignored")
		return &IngestResult{Ignored: true}, nil
	}

	payload, err := n.Payload()
	if err != nil {
		return nil, err
	}
	event := &models.QueuedEvent{
		WorkspaceID: workspaceID,
		Vendor:      vendor,
		ObjectType:  n.ObjectType,
		Action:      n.Action,
		ExternalID:  n.ExternalID,
		Payload:     payload,
	}
	if _, err := s.db.CreateEvent(ctx, event); err != nil {
		metrics.IncWebhook(vendor, "error")
		return nil, fmt.Errorf("enqueue event: %w", err)
	}

	metrics.IncWebhook(vendor, "accepted")
	s.logger.Debug().
		Int64("event_id", event.ID).
		Str("workspace_id", workspaceID).
		Str("route", event.Route()).
		Str("external_id", event.ExternalID).
		Msg("Webhook enqueued")
	return &IngestResult{EventID: event.ID}, nil
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares in constant time. An optional "sha256=" prefix
// is accepted.
func VerifySignature(secret string, body []byte, signature string) bool {
	signature = strings.TrimSpace(signature)
	signature = strings.TrimPrefix(signature, "sha256=")
	if secret == "" || signature == "" {
		return false
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
