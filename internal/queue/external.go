package queue

import (
	"context"

	"github.com/nats-io/nats.go"
)

// ExternalQueue is the `external` worker.queue_type: a NATS subject carries
// claim-available notifications (Notify publishes one, Woken signals on
// each one received), but Claim still runs the same row-lock query against
// Postgres — the NATS message is a hint, never a source of truth, per
// spec.md §9's open-question resolution. Nothing in this repository calls
// Notify, and internal/outputworker does not read Woken: workers poll at
// worker.poll_interval with either queue_type.
type ExternalQueue struct {
	*PGQueue
	conn    *nats.Conn
	subject string
	woken   chan struct{}
}

// NewExternalQueue connects to natsURL and subscribes to subject, fanning
// every message into a buffered wake-up channel a worker loop can select on.
func NewExternalQueue(s storeSubset, natsURL, subject string) (*ExternalQueue, error) {
	conn, err := nats.Connect(natsURL)
	if err != nil {
		return nil, err
	}
	q := &ExternalQueue{
		PGQueue: NewPGQueue(s),
		conn:    conn,
		subject: subject,
		woken:   make(chan struct{}, 1),
	}
	if _, err := conn.Subscribe(subject, func(*nats.Msg) {
		select {
		case q.woken <- struct{}{}:
		default:
		}
	}); err != nil {
		conn.Close()
		return nil, err
	}
	return q, nil
}

// Notify publishes a claim-available hint on the subject. No caller in this
// repository invokes it; the Dispatcher does not publish after committing.
func (q *ExternalQueue) Notify(ctx context.Context) error {
	return q.conn.Publish(q.subject, []byte("claimable"))
}

// Woken returns the buffered channel signalled for each hint received on the
// subject (at most one signal pending). The Output Worker's poll loop does
// not select on it.
func (q *ExternalQueue) Woken() <-chan struct{} {
	return q.woken
}

// Close drains and closes the NATS connection.
func (q *ExternalQueue) Close() {
	q.conn.Close()
}
