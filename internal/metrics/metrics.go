package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "leadsync"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	webhooksReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_received_total",
			Help:      "Inbound webhooks by vendor and outcome.",
		},
		[]string{"vendor", "outcome"},
	)

	eventsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_processed_total",
			Help:      "Queued events handled by the engine, by outcome.",
		},
		[]string{"outcome"},
	)

	conflictsDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_conflicts_total",
			Help:      "Sync conflicts recorded, by entity type.",
		},
		[]string{"entity_type"},
	)

	domainEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "domain_events_total",
			Help:      "Domain events published on the in-process bus.",
		},
		[]string{"type"},
	)

	passDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_pass_duration_seconds",
			Help:      "Duration of engine passes.",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			webhooksReceived,
			eventsProcessed,
			conflictsDetected,
			domainEvents,
			passDuration,
		)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

func IncWebhook(vendor, outcome string) {
	webhooksReceived.WithLabelValues(vendor, outcome).Inc()
}

// AddEvents adds n to the engine outcome counter; n <= 0 is ignored.
func AddEvents(outcome string, n int) {
	if n <= 0 {
		return
	}
	eventsProcessed.WithLabelValues(outcome).Add(float64(n))
}

func IncConflict(entityType string) {
	conflictsDetected.WithLabelValues(entityType).Inc()
}

func IncDomainEvent(eventType string) {
	domainEvents.WithLabelValues(eventType).Inc()
}

func ObservePass(d time.Duration) {
	passDuration.Observe(d.Seconds())
}
