package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	// Register should be safe to call multiple times
	Register()
	Register()

	assert.NotPanics(t, func() {
		IncHTTP("test_endpoint")
		ObservePass(150 * time.Millisecond)
		IncDomainEvent("lead_replied")
	})
}

func TestWebhookCounter(t *testing.T) {
	before := testutil.ToFloat64(webhooksReceived.WithLabelValues("pipedrive", "accepted"))
	IncWebhook("pipedrive", "accepted")
	IncWebhook("pipedrive", "accepted")
	after := testutil.ToFloat64(webhooksReceived.WithLabelValues("pipedrive", "accepted"))
	assert.Equal(t, before+2, after)
}

func TestAddEventsIgnoresZero(t *testing.T) {
	before := testutil.ToFloat64(eventsProcessed.WithLabelValues("failed"))
	AddEvents("failed", 0)
	AddEvents("failed", -3)
	AddEvents("failed", 2)
	assert.Equal(t, before+2, testutil.ToFloat64(eventsProcessed.WithLabelValues("failed")))
}

func TestConflictCounter(t *testing.T) {
	before := testutil.ToFloat64(conflictsDetected.WithLabelValues("person"))
	IncConflict("person")
	assert.Equal(t, before+1, testutil.ToFloat64(conflictsDetected.WithLabelValues("person")))
}
