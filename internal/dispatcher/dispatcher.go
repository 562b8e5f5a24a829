// Package dispatcher exposes the Dispatcher of spec.md §2/§4.2 as a
// standalone, testable surface. The transactional half of the algorithm
// (the Postgres `@>` containment query plus the per-subscription fan-out
// insert) has to run inside the event's own insert transaction, so it lives
// in internal/store; this package wraps those store operations for callers
// that don't need to see the transaction, and it owns a pure-Go fallback
// matcher that unit tests use instead of the indexable query. Replay does
// not go through it: internal/store selects replay subscriptions in SQL.
package dispatcher

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/hook0/dispatch-engine/internal/model"
	"github.com/hook0/dispatch-engine/internal/store"
)

// Store is the subset of store.Store the Dispatcher depends on.
type Store interface {
	InsertEventAndDispatch(ctx context.Context, evt model.Event) (model.Event, []model.RequestAttempt, error)
	Replay(ctx context.Context, applicationID, eventID uuid.UUID, subscriptionIDs []uuid.UUID) ([]model.RequestAttempt, error)
}

var _ Store = (store.Store)(nil)

// Dispatcher fans an ingested event out to its matching subscriptions.
type Dispatcher struct {
	Store Store
}

// New constructs a Dispatcher over the given store.
func New(s Store) *Dispatcher {
	return &Dispatcher{Store: s}
}

// Dispatch inserts evt and its matching request_attempt rows in one store
// transaction, per spec.md §4.2.
func (d *Dispatcher) Dispatch(ctx context.Context, evt model.Event) (model.Event, []model.RequestAttempt, error) {
	stored, attempts, err := d.Store.InsertEventAndDispatch(ctx, evt)
	if err != nil {
		return model.Event{}, nil, fmt.Errorf("dispatch: %w", err)
	}
	return stored, attempts, nil
}

// Replay re-runs step 2 of the dispatch algorithm for an already-ingested
// event, against either its currently-matching subscriptions (subscriptionIDs
// empty) or an explicit subset (spec.md §6.2). applicationID scopes the
// lookup since event_id is only unique per application.
func (d *Dispatcher) Replay(ctx context.Context, applicationID, eventID uuid.UUID, subscriptionIDs []uuid.UUID) ([]model.RequestAttempt, error) {
	attempts, err := d.Store.Replay(ctx, applicationID, eventID, subscriptionIDs)
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	return attempts, nil
}

// MatchingSubscriptions is the pure-Go fallback matcher of spec.md §4.2 step
// 1: event-type membership and label-subset containment, evaluated in
// memory, for unit tests that don't want a live database or any caller that
// already holds the candidate subscription set. The replay path does not
// call it: with an explicit subscription list, store.Replay keeps only the
// listed subscriptions that are enabled and not deleted, without checking
// event type or labels.
func MatchingSubscriptions(evt model.Event, subs []model.Subscription) []model.Subscription {
	var out []model.Subscription
	for _, s := range subs {
		if s.Matches(evt) {
			out = append(out, s)
		}
	}
	return out
}
