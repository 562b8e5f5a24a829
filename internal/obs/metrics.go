package obs

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hook0/dispatch-engine/internal/config"
)

// Prometheus metrics for the dispatch/delivery pipeline, renamed from the
// teacher's job-queue metric set onto Hook0's event/attempt vocabulary but
// keeping the same counter/gauge/histogram shapes and registration idiom.
var (
	EventsIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hook0_events_ingested_total",
		Help: "Total number of events accepted by the ingestion gate",
	})
	EventsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hook0_events_rejected_total",
		Help: "Total number of events rejected at ingestion, by reason",
	}, []string{"reason"})
	AttemptsDispatched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hook0_attempts_dispatched_total",
		Help: "Total number of request attempts sent to their target by output workers",
	})
	AttemptsClaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hook0_attempts_claimed_total",
		Help: "Total number of request_attempt rows claimed by output workers",
	})
	AttemptsSucceeded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hook0_attempts_succeeded_total",
		Help: "Total number of request attempts that received a 2xx response",
	})
	AttemptsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hook0_attempts_failed_total",
		Help: "Total number of request attempts that did not succeed",
	})
	AttemptsRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hook0_attempts_retried_total",
		Help: "Total number of failed attempts rescheduled for retry",
	})
	AttemptsExhausted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hook0_attempts_exhausted_total",
		Help: "Total number of attempts that ran out of retry budget",
	})
	DeliveryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "hook0_delivery_duration_seconds",
		Help:    "Histogram of end-to-end HTTP delivery attempt durations",
		Buckets: prometheus.DefBuckets,
	})
	PendingAttempts = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hook0_pending_attempts",
		Help: "Current count of claimable request_attempt rows by queue type",
	}, []string{"queue_type"})
	FIFOBlockedSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hook0_fifo_blocked_subscriptions",
		Help: "Number of FIFO subscriptions currently holding a head-of-line attempt",
	})
	SubscriptionsAutoDisabled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hook0_subscriptions_auto_disabled_total",
		Help: "Total number of subscriptions auto-disabled for sustained failure",
	})
	CircuitBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hook0_circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	})
	CircuitBreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hook0_circuit_breaker_trips_total",
		Help: "Count of times the delivery circuit breaker transitioned to Open",
	})
	ReaperRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hook0_reaper_recovered_total",
		Help: "Total number of request attempts recovered from expired leases",
	})
	WorkerActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hook0_worker_active",
		Help: "Number of active output worker goroutines",
	})
)

func init() {
	prometheus.MustRegister(
		EventsIngested, EventsRejected,
		AttemptsDispatched, AttemptsClaimed, AttemptsSucceeded, AttemptsFailed, AttemptsRetried, AttemptsExhausted,
		DeliveryDuration, PendingAttempts, FIFOBlockedSubscriptions, SubscriptionsAutoDisabled,
		CircuitBreakerState, CircuitBreakerTrips, ReaperRecovered, WorkerActive,
	)
}

// StartMetricsServer exposes /metrics alone and returns a server for
// controlled shutdown; prefer StartHTTPServer when health endpoints are
// also needed.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
