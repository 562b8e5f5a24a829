// Package queue implements the Queue of spec.md §2/§4.3: the claim/complete
// surface the Output Worker drives, backed by the same request_attempts
// table regardless of which Queue implementation is selected. Grounded on
// the pack's pg_store.go row-lock claim pattern (postgres.go) and the
// teacher's event-hooks/nats.go pub/sub wiring (external.go).
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hook0/dispatch-engine/internal/model"
	"github.com/hook0/dispatch-engine/internal/store"
)

// Queue is the claim/complete surface of spec.md §4.3. Postgres is always
// the state of record; implementations differ only in how a worker learns
// that new claimable work exists.
type Queue interface {
	Claim(ctx context.Context, workerName, workerVersion string, batchSize int, lease time.Duration) ([]model.RequestAttempt, error)
	CompleteSuccess(ctx context.Context, attemptID uuid.UUID, resp model.Response) error
	Reschedule(ctx context.Context, attemptID uuid.UUID, resp model.Response, newDelayUntil time.Time, newRetryCount int) error
	MarkExhausted(ctx context.Context, attemptID uuid.UUID, resp model.Response) error
}

var _ Queue = (*PGQueue)(nil)
var _ Queue = (*ExternalQueue)(nil)

// storeSubset is the slice of store.Store every Queue implementation needs.
type storeSubset interface {
	Claim(ctx context.Context, workerName, workerVersion string, batchSize int, lease time.Duration) ([]model.RequestAttempt, error)
	CompleteSuccess(ctx context.Context, attemptID uuid.UUID, resp model.Response) error
	Reschedule(ctx context.Context, attemptID uuid.UUID, resp model.Response, newDelayUntil time.Time, newRetryCount int) error
	MarkExhausted(ctx context.Context, attemptID uuid.UUID, resp model.Response) error
}

var _ storeSubset = (store.Store)(nil)
