package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hook0/dispatch-engine/internal/model"
)

// PGQueue is the `pg` worker.queue_type: claim is a direct row-lock query
// against request_attempts, no separate notification channel. A worker
// learns about new work purely by polling at worker.poll_interval.
type PGQueue struct {
	store storeSubset
}

// NewPGQueue wraps a store for direct polling use.
func NewPGQueue(s storeSubset) *PGQueue {
	return &PGQueue{store: s}
}

func (q *PGQueue) Claim(ctx context.Context, workerName, workerVersion string, batchSize int, lease time.Duration) ([]model.RequestAttempt, error) {
	return q.store.Claim(ctx, workerName, workerVersion, batchSize, lease)
}

func (q *PGQueue) CompleteSuccess(ctx context.Context, attemptID uuid.UUID, resp model.Response) error {
	return q.store.CompleteSuccess(ctx, attemptID, resp)
}

func (q *PGQueue) Reschedule(ctx context.Context, attemptID uuid.UUID, resp model.Response, newDelayUntil time.Time, newRetryCount int) error {
	return q.store.Reschedule(ctx, attemptID, resp, newDelayUntil, newRetryCount)
}

func (q *PGQueue) MarkExhausted(ctx context.Context, attemptID uuid.UUID, resp model.Response) error {
	return q.store.MarkExhausted(ctx, attemptID, resp)
}
