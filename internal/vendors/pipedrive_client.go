package vendors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"leadsync/internal/config"
	"leadsync/internal/logging"
)

// PipedriveClient manages webhooks through the Pipedrive REST API.
type PipedriveClient struct {
	baseURL    string
	apiToken   string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zerolog.Logger
}

func NewPipedriveClient(cfg config.PipedriveConfig, logger *zerolog.Logger) *PipedriveClient {
	rps := cfg.RateLimit
	if rps <= 0 {
		rps = 2
	}
	return &PipedriveClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiToken:   cfg.APIToken,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		logger:     logging.Component(logger, "pipedrive"),
	}
}

// Configured reports whether an API token is set.
func (c *PipedriveClient) Configured() bool {
	return c != nil && c.apiToken != ""
}

type pipedriveResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Data    struct {
		ID json.Number `json:"id"`
	} `json:"data"`
}

// RegisterWebhook subscribes subscriptionURL to every object and action.
// Pipedrive sends the secret back as the basic-auth password.
func (c *PipedriveClient) RegisterWebhook(ctx context.Context, subscriptionURL, secret string) (string, error) {
	body, err := json.Marshal(map[string]string{
		"subscription_url":   subscriptionURL,
		"event_action":       "*",
		"event_object":       "*",
		"http_auth_user":     "leadsync",
		"http_auth_password": secret,
	})
	if err != nil {
		return "", err
	}

	resp, err := c.do(ctx, http.MethodPost, "/v1/webhooks", body)
	if err != nil {
		return "", err
	}
	id := resp.Data.ID.String()
	if id == "" {
		return "", fmt.Errorf("pipedrive: webhook created without id")
	}
	c.logger.Info().Str("remote_id", id).Str("url", subscriptionURL).Msg("Webhook registered")
	return id, nil
}

func (c *PipedriveClient) DeleteWebhook(ctx context.Context, remoteID string) error {
	if _, err := c.do(ctx, http.MethodDelete, "/v1/webhooks/"+url.PathEscape(remoteID), nil); err != nil {
		return err
	}
	c.logger.Info().Str("remote_id", remoteID).Msg("Webhook deleted")
	return nil
}

func (c *PipedriveClient) do(ctx context.Context, method, path string, body []byte) (*pipedriveResponse, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("pipedrive: api token is not configured")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("pipedrive: rate limiter: %w", err)
	}

	endpoint := c.baseURL + path + "?api_token=" + url.QueryEscape(c.apiToken)
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("pipedrive: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pipedrive: %s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("pipedrive: read response: %w", err)
	}

	var out pipedriveResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil && res.StatusCode < 300 {
			return nil, fmt.Errorf("pipedrive: decode response: %w", err)
		}
	}
	if res.StatusCode >= 300 || (len(raw) > 0 && !out.Success) {
		msg := out.Error
		if msg == "" {
			msg = http.StatusText(res.StatusCode)
		}
		return nil, fmt.Errorf("pipedrive: %s %s: status %d: %s", method, path, res.StatusCode, msg)
	}
	return &out, nil
}
