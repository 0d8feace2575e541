// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exchange outcomes.
const (
	OutcomeCompleted   = "completed"
	OutcomeTruncated   = "truncated"
	OutcomeUpstreamErr = "upstream_error"
	OutcomePersistErr  = "persistence_error"
	OutcomeRejected    = "rejected"
)

var (
	// exchanges counts finished exchanges.
	// Labels: app, outcome
	exchanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatrelay",
		Subsystem: "relay",
		Name:      "exchanges_total",
		Help:      "Chat exchanges by app and outcome",
	}, []string{"app", "outcome"})

	// exchangeDuration measures an exchange from request to [DONE].
	exchangeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chatrelay",
		Subsystem: "relay",
		Name:      "exchange_duration_seconds",
		Help:      "Time from chat request to end of stream",
		Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	}, []string{"app"})

	// upstreamEvents counts decoded upstream events by discriminator.
	upstreamEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatrelay",
		Subsystem: "upstream",
		Name:      "events_total",
		Help:      "Upstream stream events by event name",
	}, []string{"event"})

	// completeRetries counts retried completion commits.
	completeRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chatrelay",
		Subsystem: "store",
		Name:      "complete_retries_total",
		Help:      "Retried assistant message commits",
	})

	// conversationsPurged counts conversations removed by retention.
	conversationsPurged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chatrelay",
		Subsystem: "retention",
		Name:      "conversations_purged_total",
		Help:      "Conversations deleted by the retention sweeper",
	})
)

// ObserveExchange records a finished exchange.
func ObserveExchange(app, outcome string, elapsed time.Duration) {
	exchanges.WithLabelValues(app, outcome).Inc()
	exchangeDuration.WithLabelValues(app).Observe(elapsed.Seconds())
}

// ObserveEvent records one decoded upstream event.
func ObserveEvent(name string) {
	if name == "" {
		name = "unnamed"
	}
	upstreamEvents.WithLabelValues(name).Inc()
}

// ObserveCompleteRetry records a retried completion commit.
func ObserveCompleteRetry() {
	completeRetries.Inc()
}

// ObservePurged records conversations removed by retention.
func ObservePurged(n int64) {
	conversationsPurged.Add(float64(n))
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
