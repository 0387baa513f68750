package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"

	"leadsync/internal/config"
)

const (
	apiKeyHeaderDefault   = "x-api-key"
	apiExtraHeaderDefault = "x-api-extra"
	workspaceHeader       = "x-workspace-id"
	clientKeyUnknown      = "unknown"
)

// Permissions carried by API keys.
const (
	permReadEvents          = "read:events"
	permWriteEvents         = "write:events"
	permManageSubscriptions = "manage:subscriptions"
	permReadConflicts       = "read:conflicts"
	permWriteConflicts      = "write:conflicts"
	permRunSync             = "run:sync"
)

var (
	errMissingKey        = errors.New("missing api key headers")
	errInvalidKey        = errors.New("invalid api key")
	errInvalidExtra      = errors.New("invalid extra header")
	errPermissionDenied  = errors.New("permission denied")
	errWorkspaceMismatch = errors.New("api key is not bound to this workspace")
	errWorkspaceRequired = errors.New("workspace is required")
	errRateLimited       = errors.New("rate limit exceeded")
)

type clientCtxKey struct{}

// HTTPAuth checks API keys, permissions and per-key rate limits for the
// admin routes. Keys are bound to one workspace.
type HTTPAuth struct {
	cfg     config.APIConfig
	clients map[string]config.APIClientKey
	limiter *rateLimiter
}

func NewHTTPAuth(cfg config.APIConfig) *HTTPAuth {
	m := make(map[string]config.APIClientKey, len(cfg.Auth.APIKeys))
	for _, k := range cfg.Auth.APIKeys {
		m[k.Key] = k
	}
	return &HTTPAuth{cfg: cfg, clients: m, limiter: newRateLimiter(cfg.RateLimit)}
}

// Require wraps next with authentication for one permission.
func (a *HTTPAuth) Require(permission string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.Auth.Enabled {
			client, err := a.authenticate(r)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
			if !hasPermission(client, permission) {
				writeError(w, http.StatusForbidden, errPermissionDenied.Error())
				return
			}
			r = r.WithContext(context.WithValue(r.Context(), clientCtxKey{}, client))
		}

		if !a.limiter.allow(a.clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, errRateLimited.Error())
			return
		}

		next(w, r)
	}
}

func (a *HTTPAuth) authenticate(r *http.Request) (config.APIClientKey, error) {
	apiKey := strings.TrimSpace(r.Header.Get(a.headerName(a.cfg.Auth.HeaderAPIKey, apiKeyHeaderDefault)))
	extra := strings.TrimSpace(r.Header.Get(a.headerName(a.cfg.Auth.HeaderExtra, apiExtraHeaderDefault)))
	if apiKey == "" || extra == "" {
		return config.APIClientKey{}, errMissingKey
	}

	client, ok := a.clients[apiKey]
	if !ok {
		return config.APIClientKey{}, errInvalidKey
	}
	if subtle.ConstantTimeCompare([]byte(client.Extra), []byte(extra)) != 1 {
		return config.APIClientKey{}, errInvalidExtra
	}
	return client, nil
}

func (a *HTTPAuth) headerName(configured, fallback string) string {
	if h := strings.TrimSpace(configured); h != "" {
		return h
	}
	return fallback
}

// An empty permission list allows everything.
func hasPermission(client config.APIClientKey, required string) bool {
	if required == "" || len(client.Permissions) == 0 {
		return true
	}
	for _, p := range client.Permissions {
		if strings.TrimSpace(p) == required {
			return true
		}
	}
	return false
}

func (a *HTTPAuth) clientKey(r *http.Request) string {
	if apiKey := strings.TrimSpace(r.Header.Get(a.headerName(a.cfg.Auth.HeaderAPIKey, apiKeyHeaderDefault))); apiKey != "" {
		return apiKey
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return clientKeyUnknown
}

// workspaceFor returns the workspace a request acts on. A key bound to a
// workspace can only act on that workspace.
func workspaceFor(r *http.Request) (string, error) {
	requested := strings.TrimSpace(r.URL.Query().Get("workspace_id"))
	if requested == "" {
		requested = strings.TrimSpace(r.Header.Get(workspaceHeader))
	}

	client, ok := r.Context().Value(clientCtxKey{}).(config.APIClientKey)
	if ok && client.Workspace != "" {
		if requested != "" && requested != client.Workspace {
			return "", errWorkspaceMismatch
		}
		return client.Workspace, nil
	}
	if requested == "" {
		return "", errWorkspaceRequired
	}
	return requested, nil
}
