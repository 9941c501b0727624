package application

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/vulpemventures/connector/internal/core/ports"
)

const metricsNamespace = "connector"

var (
	methodCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "method_calls_total",
		Help:      "Number of canonical method calls by method and outcome.",
	}, []string{"method", "outcome"})

	notificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "notifications_sent_total",
		Help:      "Number of notifications enqueued to subscribers.",
	}, []string{"event"})

	notificationsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "notifications_dropped_total",
		Help:      "Number of notifications dropped because of a full queue.",
	}, []string{"event"})

	openConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "open_connections",
		Help:      "Number of live persistent connections.",
	})

	watchedAddresses = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "watched_addresses",
		Help:      "Number of addresses with at least one balance subscriber.",
	})

	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "notification_cycle_duration_seconds",
		Help:      "Duration of a notification cycle.",
		Buckets:   prometheus.DefBuckets,
	})
)

func outcomeOf(err error) string {
	if err == nil {
		return "ok"
	}

	var badRequestErr *BadRequestError
	var schemaErr *InternalSchemaError
	var rejectedErr *ports.BackendRejectedError
	switch {
	case errors.As(err, &badRequestErr):
		return "bad_request"
	case errors.As(err, &schemaErr):
		return "schema_error"
	case errors.As(err, &rejectedErr):
		return "backend_rejected"
	case errors.Is(err, ports.ErrBackendUnavailable):
		return "backend_unavailable"
	case errors.Is(err, ErrMethodNotFound):
		return "not_found"
	default:
		return "error"
	}
}
