package vendors

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadsync/internal/config"
)

func TestPipedriveClient(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tok", r.URL.Query().Get("api_token"))
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/webhooks":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.Write([]byte(`{"success":true,"data":{"id":321}}`))
		case r.Method == http.MethodDelete && r.URL.Path == "/v1/webhooks/321":
			w.Write([]byte(`{"success":true,"data":{"id":321}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"success":false,"error":"not found"}`))
		}
	}))
	defer srv.Close()

	c := NewPipedriveClient(config.PipedriveConfig{APIToken: "tok", BaseURL: srv.URL + "/", RateLimit: 100}, nil)
	require.True(t, c.Configured())

	id, err := c.RegisterWebhook(context.Background(), "https://hooks.example.com/integrations/pipedrive/webhooks/ws-1", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "321", id)
	assert.Equal(t, "s3cret", got["http_auth_password"])
	assert.Equal(t, "*", got["event_object"])

	require.NoError(t, c.DeleteWebhook(context.Background(), "321"))

	err = c.DeleteWebhook(context.Background(), "999")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestPipedriveClient_NotConfigured(t *testing.T) {
	c := NewPipedriveClient(config.PipedriveConfig{BaseURL: "http://127.0.0.1:1"}, nil)
	assert.False(t, c.Configured())
	_, err := c.RegisterWebhook(context.Background(), "http://x", "s")
	assert.Error(t, err)
}
