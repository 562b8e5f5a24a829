// Package outputworker implements the Output Worker of spec.md §2/§4.6: the
// claim/deliver/record loop driving the RequestAttempt state machine.
// Ported from the teacher's internal/worker/worker.go claim-process-record
// shape (N goroutines, a breaker-gated poll loop, per-job tracing and
// metrics) and generalized from a single BRPOPLPUSH dequeue to a batched
// Queue.Claim with per-attempt concurrent delivery.
package outputworker

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hook0/dispatch-engine/internal/breaker"
	"github.com/hook0/dispatch-engine/internal/config"
	"github.com/hook0/dispatch-engine/internal/httpclient"
	"github.com/hook0/dispatch-engine/internal/model"
	"github.com/hook0/dispatch-engine/internal/obs"
	"github.com/hook0/dispatch-engine/internal/queue"
	"github.com/hook0/dispatch-engine/internal/retrypolicy"
	"github.com/hook0/dispatch-engine/internal/signing"
	"github.com/hook0/dispatch-engine/internal/store"
)

// Store is the subset of store.Store the Output Worker needs beyond Queue's
// claim/complete surface: loading delivery context and cancelling attempts
// whose subscription was deleted underneath them.
type Store interface {
	LoadDeliveryContext(ctx context.Context, attemptID uuid.UUID) (store.DeliveryContext, error)
	Cancel(ctx context.Context, attemptID uuid.UUID) error
}

var _ Store = (store.Store)(nil)

// Worker runs the claim/deliver/record loop across a pool of goroutines.
type Worker struct {
	cfg    *config.Config
	queue  queue.Queue
	store  Store
	http   *httpclient.Client
	cb     *breaker.CircuitBreaker
	log    *zap.Logger
	id     string
}

// New constructs a Worker. id identifies this process in worker_name/
// worker_version columns (e.g. hostname-pid).
func New(cfg *config.Config, q queue.Queue, s Store, httpClient *httpclient.Client, log *zap.Logger, id string) *Worker {
	cb := breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod, cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)
	return &Worker{cfg: cfg, queue: q, store: s, http: httpClient, cb: cb, log: log, id: id}
}

// Run drives the poll loop per spec.md §4.6 until ctx is cancelled, then
// waits up to worker.shutdown_deadline for in-flight deliveries to finish.
func (w *Worker) Run(ctx context.Context) {
	var inFlight sync.WaitGroup

	stateTicker := time.NewTicker(2 * time.Second)
	defer stateTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-stateTicker.C:
				obs.CircuitBreakerState.Set(breakerStateGauge(w.cb.State()))
			}
		}
	}()

	obs.WorkerActive.Inc()
	defer obs.WorkerActive.Dec()

	for ctx.Err() == nil {
		if !w.cb.Allow() {
			time.Sleep(w.cfg.CircuitBreaker.CooldownPeriod)
			continue
		}

		batch, err := w.queue.Claim(ctx, w.id, w.id, w.cfg.Worker.BatchSize, w.cfg.Worker.Lease)
		if err != nil {
			w.log.Error("claim failed", obs.Err(err))
			prev := w.cb.State()
			w.cb.Record(false)
			if prev != w.cb.State() && w.cb.State() == breaker.Open {
				obs.CircuitBreakerTrips.Inc()
			}
			time.Sleep(w.cfg.Worker.PollInterval)
			continue
		}
		if len(batch) == 0 {
			time.Sleep(w.cfg.Worker.PollInterval)
			continue
		}

		var wg sync.WaitGroup
		wg.Add(len(batch))
		inFlight.Add(len(batch))
		allOK := true
		var okMu sync.Mutex
		for _, attempt := range batch {
			go func(a model.RequestAttempt) {
				defer wg.Done()
				defer inFlight.Done()
				ok := w.processAttempt(ctx, a.ID)
				okMu.Lock()
				allOK = allOK && ok
				okMu.Unlock()
			}(attempt)
		}
		wg.Wait()

		prev := w.cb.State()
		w.cb.Record(allOK)
		if prev != w.cb.State() && w.cb.State() == breaker.Open {
			obs.CircuitBreakerTrips.Inc()
		}
	}

	waitWithDeadline(&inFlight, w.cfg.Worker.ShutdownDeadline)
}

func waitWithDeadline(wg *sync.WaitGroup, deadline time.Duration) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(deadline):
	}
}

// processAttempt implements one iteration of spec.md §4.6's worker loop
// body: load context, check cancellation, build/sign/deliver, classify,
// apply retry policy, write the transition. Returns whether the delivery
// itself succeeded, for the process-wide breaker's sample.
func (w *Worker) processAttempt(ctx context.Context, attemptID uuid.UUID) bool {
	ctx, span := obs.ContextWithAttemptSpan(ctx, attemptID.String(), "", "", 0)
	defer span.End()

	dc, err := w.store.LoadDeliveryContext(ctx, attemptID)
	if err != nil {
		obs.RecordError(ctx, err)
		w.log.Error("load delivery context failed", obs.UUID("attempt_id", attemptID), obs.Err(err))
		return false
	}

	if !dc.Subscription.Live() {
		if err := w.store.Cancel(ctx, attemptID); err != nil {
			w.log.Error("cancel failed", obs.UUID("attempt_id", attemptID), obs.Err(err))
		}
		return true
	}

	start := time.Now().UTC()
	sig := signing.Sign(dc.Subscription.Secret, start, dc.Event.Payload)
	headers := []model.Header{
		{Key: "Content-Type", Value: string(dc.Event.ContentType)},
		{Key: "X-Hook0-Event-Id", Value: dc.Event.ID.String()},
		{Key: "X-Hook0-Event-Type", Value: dc.Event.EventTypeName},
		{Key: "X-Hook0-Subscription-Id", Value: dc.Subscription.ID.String()},
		{Key: "X-Hook0-Attempt", Value: strconv.Itoa(dc.Attempt.RetryCount + 1)},
		{Key: "X-Hook0-Signature", Value: sig},
		{Key: "X-Hook0-Timestamp", Value: signing.FormatTimestamp(start)},
		{Key: "User-Agent", Value: signing.UserAgent(w.id)},
	}

	resp := w.http.Deliver(ctx, dc.Subscription.ID, dc.Subscription.Target, headers, dc.Event.Payload)
	obs.DeliveryDuration.Observe(time.Duration(resp.ElapsedMS * int64(time.Millisecond)).Seconds())
	obs.AttemptsDispatched.Inc()

	if resp.Success() {
		obs.SetSpanSuccess(ctx)
		if err := w.queue.CompleteSuccess(ctx, attemptID, resp); err != nil {
			w.log.Error("complete success failed", obs.UUID("attempt_id", attemptID), obs.Err(err))
			return false
		}
		obs.AttemptsSucceeded.Inc()
		return true
	}

	cfg := dc.Subscription.EffectiveRetryConfig(dc.Application.DefaultRetryConfig)
	decision := retrypolicy.Decide(dc.Attempt.RetryCount, cfg)
	if decision.Retry {
		delay := decision.Delay
		if w.cfg.Worker.RetryJitterEnabled {
			delay = retrypolicy.JitteredDelay(delay)
		}
		if err := w.queue.Reschedule(ctx, attemptID, resp, time.Now().UTC().Add(delay), dc.Attempt.RetryCount+1); err != nil {
			w.log.Error("reschedule failed", obs.UUID("attempt_id", attemptID), obs.Err(err))
			return false
		}
		obs.AttemptsRetried.Inc()
		return false
	}

	if err := w.queue.MarkExhausted(ctx, attemptID, resp); err != nil {
		w.log.Error("mark exhausted failed", obs.UUID("attempt_id", attemptID), obs.Err(err))
		return false
	}
	obs.AttemptsExhausted.Inc()
	obs.SubscriptionsAutoDisabled.Inc()
	return false
}

func breakerStateGauge(s breaker.State) float64 {
	switch s {
	case breaker.Closed:
		return 0
	case breaker.HalfOpen:
		return 1
	case breaker.Open:
		return 2
	default:
		return -1
	}
}
