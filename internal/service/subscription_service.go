package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"leadsync/internal/database"
	"leadsync/internal/domain"
	"leadsync/internal/logging"
	"leadsync/internal/models"
	"leadsync/internal/router"
)

// ErrInvalidFilter is returned for event filters that can never match.
var ErrInvalidFilter = errors.New("invalid event filter")

// SubscriptionService manages per-workspace webhook secrets.
type SubscriptionService struct {
	db            *database.DB
	registrars    map[string]domain.WebhookRegistrar
	publicBaseURL string
	logger        *zerolog.Logger
}

func NewSubscriptionService(db *database.DB, publicBaseURL string, logger *zerolog.Logger) *SubscriptionService {
	return &SubscriptionService{
		db:            db,
		registrars:    make(map[string]domain.WebhookRegistrar),
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		logger:        logging.Component(logger, "subscriptions"),
	}
}

// WithRegistrar enables remote registration for a vendor.
func (s *SubscriptionService) WithRegistrar(vendor string, r domain.WebhookRegistrar) *SubscriptionService {
	s.registrars[vendor] = r
	return s
}

// WebhookURL is the ingress URL of a workspace.
func (s *SubscriptionService) WebhookURL(vendor, workspaceID string) string {
	return fmt.Sprintf("%s/integrations/%s/webhooks/%s", s.publicBaseURL, vendor, workspaceID)
}

// Register creates or rotates the subscription and returns it with the new
// secret. The secret is only returned here.
func (s *SubscriptionService) Register(ctx context.Context, workspaceID, vendor string, filters []string) (*models.WebhookSubscription, string, error) {
	if !models.IsVendor(vendor) {
		return nil, "", ErrUnknownVendor
	}
	if err := validateFilters(filters); err != nil {
		return nil, "", err
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, "", err
	}

	sub := &models.WebhookSubscription{
		WorkspaceID:  workspaceID,
		Vendor:       vendor,
		Secret:       secret,
		EventFilters: filters,
		Active:       true,
	}

	previous, err := s.db.GetSubscription(ctx, workspaceID, vendor)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, "", err
	}

	if registrar, ok := s.registrars[vendor]; ok && s.publicBaseURL != "" {
		if previous != nil && previous.RemoteID != nil {
			if err := registrar.DeleteWebhook(ctx, *previous.RemoteID); err != nil {
				s.logger.Warn().Err(err).Str("remote_id", *previous.RemoteID).Msg("Failed to delete previous remote webhook")
			}
		}
		remoteID, err := registrar.RegisterWebhook(ctx, s.WebhookURL(vendor, workspaceID), secret)
		if err != nil {
			return nil, "", fmt.Errorf("register %s webhook: %w", vendor, err)
		}
		sub.RemoteID = &remoteID
	}

	if err := s.db.UpsertSubscription(ctx, sub); err != nil {
		return nil, "", err
	}
	s.logger.Info().Str("workspace_id", workspaceID).Str("vendor", vendor).Msg("Webhook subscription registered")
	return sub, secret, nil
}

func (s *SubscriptionService) List(ctx context.Context, workspaceID, vendor string) ([]*models.WebhookSubscription, error) {
	if vendor != "" && !models.IsVendor(vendor) {
		return nil, ErrUnknownVendor
	}
	return s.db.ListSubscriptions(ctx, workspaceID, vendor)
}

// Delete removes the subscription and its remote webhook, if any.
func (s *SubscriptionService) Delete(ctx context.Context, workspaceID, vendor string) error {
	sub, err := s.db.GetSubscription(ctx, workspaceID, vendor)
	if errors.Is(err, database.ErrNotFound) {
		return ErrSubscriptionNotFound
	}
	if err != nil {
		return err
	}

	if registrar, ok := s.registrars[vendor]; ok && sub.RemoteID != nil {
		if err := registrar.DeleteWebhook(ctx, *sub.RemoteID); err != nil {
			return fmt.Errorf("delete %s webhook: %w", vendor, err)
		}
	}

	if err := s.db.DeleteSubscription(ctx, workspaceID, vendor); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return ErrSubscriptionNotFound
		}
		return err
	}
	s.logger.Info().Str("workspace_id", workspaceID).Str("vendor", vendor).Msg("Webhook subscription deleted")
	return nil
}

func validateFilters(filters []string) error {
	for _, f := range filters {
		object, action, ok := strings.Cut(f, ".")
		if f == "*" {
			continue
		}
		if !ok || object == "" || action == "" {
			return fmt.Errorf("%w: %q", ErrInvalidFilter, f)
		}
		if object != "*" && action != "*" && !router.Supports(object, action) {
			return fmt.Errorf("%w: %q is not a supported event", ErrInvalidFilter, f)
		}
	}
	return nil
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
