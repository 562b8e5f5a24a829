// Package store defines the Durable Store contract of spec.md §2/§6.3: the
// only component with on-disk state, exposing a small set of atomic
// operations the rest of the pipeline composes against. Grounded on the
// teacher's exactly_once.OutboxManager contract (business logic + durable
// write inside one transaction) and on the pack's pg_store.go claim pattern.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hook0/dispatch-engine/internal/model"
)

// DeliveryContext bundles everything the Output Worker needs to build and
// sign an outbound request for one claimed attempt, avoiding N separate
// lookups for event payload, subscription target and secret.
type DeliveryContext struct {
	Attempt      model.RequestAttempt
	Event        model.Event
	Subscription model.Subscription
	Application  model.Application
}

// Store is the single interface every other component depends on. Postgres
// is the reference implementation (postgres.go), exercised directly in
// postgres_test.go against github.com/DATA-DOG/go-sqlmock; callers that only
// need a subset of Store (internal/ingest, internal/dispatcher,
// internal/outputworker) depend on their own narrower interface instead and
// fake it with a plain in-memory struct in their own tests.
type Store interface {
	// GetApplication, GetOrganization and GetEventType resolve the
	// Ingestion Gate's validation chain (spec.md §4.1).
	GetApplication(ctx context.Context, appID uuid.UUID) (*model.Application, error)
	GetOrganization(ctx context.Context, orgID uuid.UUID) (*model.Organization, error)
	GetEventType(ctx context.Context, appID uuid.UUID, name string) (*model.EventType, error)
	EventExists(ctx context.Context, appID, eventID uuid.UUID) (bool, error)
	CountEventsToday(ctx context.Context, appID uuid.UUID, day time.Time) (int64, error)

	// InsertEventAndDispatch is spec.md §6.3's first atomic operation:
	// insert event + compute matching subscriptions + insert N attempts +
	// set dispatched_at, all in one transaction.
	InsertEventAndDispatch(ctx context.Context, evt model.Event) (model.Event, []model.RequestAttempt, error)

	// Replay recreates pending request_attempt rows for an already-ingested
	// event against currently-matching (or explicitly listed) subscriptions,
	// per spec.md §6.2/§9's replay design note. applicationID scopes the
	// lookup since event_id is only unique per application, not globally.
	Replay(ctx context.Context, applicationID, eventID uuid.UUID, subscriptionIDs []uuid.UUID) ([]model.RequestAttempt, error)

	// Claim is spec.md §6.3's second atomic operation: claim up to K
	// attempts with lease, row-level lock-and-skip.
	Claim(ctx context.Context, workerName, workerVersion string, batchSize int, lease time.Duration) ([]model.RequestAttempt, error)

	// LoadDeliveryContext fetches the event/subscription pair for a claimed
	// attempt so the worker can build, sign and send the request.
	LoadDeliveryContext(ctx context.Context, attemptID uuid.UUID) (DeliveryContext, error)

	// CompleteSuccess, Reschedule and MarkExhausted are spec.md §6.3's third
	// atomic operation in its three possible outcomes: record response +
	// state transition for one attempt, optionally update FIFOState.
	CompleteSuccess(ctx context.Context, attemptID uuid.UUID, resp model.Response) error
	Reschedule(ctx context.Context, attemptID uuid.UUID, resp model.Response, newDelayUntil time.Time, newRetryCount int) error
	MarkExhausted(ctx context.Context, attemptID uuid.UUID, resp model.Response) error
	Cancel(ctx context.Context, attemptID uuid.UUID) error

	// AttemptsByEvent and AttemptsBySubscription are spec.md §6.3's
	// range-query operation.
	AttemptsByEvent(ctx context.Context, applicationID, eventID uuid.UUID) ([]model.RequestAttempt, error)
	AttemptsBySubscription(ctx context.Context, subscriptionID uuid.UUID, from, to time.Time) ([]model.RequestAttempt, error)

	// ReapExpiredLeases clears picked_at on attempts whose lease has expired
	// without a terminal write, per spec.md §5.8's liveness sweep.
	ReapExpiredLeases(ctx context.Context, lease time.Duration) (int, error)
}
