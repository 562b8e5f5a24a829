// Package fifo implements the FIFO Coordinator of spec.md §2/§4.7: single
// in-flight, head-of-line blocking, and release discipline per FIFO
// subscription. It operates on the caller's *sql.Tx so the Dispatcher
// (seeding) and the Output Worker (release) can compose it into their own
// transaction boundary rather than opening a second one, matching §9's
// note that the FIFO state row's correctness depends on row-lock discipline
// shared with the writer that owns it.
package fifo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hook0/dispatch-engine/internal/model"
)

// SeedAndGate implements spec.md §4.2 step 2a: lazily create the FIFOState
// row if this is the subscription's first matching event, then decide
// whether the new attempt may run immediately (current_attempt_id was nil,
// now set to attemptID) or must block behind the in-flight one (sentinel
// delay_until).
func SeedAndGate(ctx context.Context, tx *sql.Tx, subscriptionID, attemptID uuid.UUID, eventOccurredAt time.Time) (delayUntil time.Time, err error) {
	const upsert = `
		INSERT INTO fifo_states (subscription_id, current_attempt_id, last_completed_event_created_at, updated_at)
		VALUES ($1, NULL, $2, $2)
		ON CONFLICT (subscription_id) DO NOTHING
	`
	if _, err := tx.ExecContext(ctx, upsert, subscriptionID, eventOccurredAt); err != nil {
		return time.Time{}, fmt.Errorf("seed fifo state: %w", err)
	}

	const lock = `SELECT current_attempt_id FROM fifo_states WHERE subscription_id = $1 FOR UPDATE`
	var current sql.NullString
	if err := tx.QueryRowContext(ctx, lock, subscriptionID).Scan(&current); err != nil {
		return time.Time{}, fmt.Errorf("lock fifo state: %w", err)
	}

	if current.Valid {
		return model.FIFOSentinel, nil
	}

	now := time.Now().UTC()
	const setCurrent = `UPDATE fifo_states SET current_attempt_id = $1, updated_at = $2 WHERE subscription_id = $3`
	if _, err := tx.ExecContext(ctx, setCurrent, attemptID, now, subscriptionID); err != nil {
		return time.Time{}, fmt.Errorf("set fifo current: %w", err)
	}
	return now, nil
}

// Release implements spec.md §4.7's release algorithm, run on any terminal
// transition (succeeded, exhausted, cancelled) of the subscription's current
// attempt. It is a no-op when the subscription has no FIFOState row, which
// is always true for non-FIFO subscriptions. Ordering uses the completed
// attempt's event's occurred_at (spec.md:110/218's FIFO order key), never a
// row's created_at/dispatch timestamp.
func Release(ctx context.Context, tx *sql.Tx, subscriptionID uuid.UUID, completedEventOccurredAt time.Time) error {
	const lock = `SELECT current_attempt_id FROM fifo_states WHERE subscription_id = $1 FOR UPDATE`
	var current sql.NullString
	err := tx.QueryRowContext(ctx, lock, subscriptionID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lock fifo state: %w", err)
	}

	now := time.Now().UTC()
	const advance = `UPDATE fifo_states SET last_completed_event_created_at = $1, current_attempt_id = NULL, updated_at = $2 WHERE subscription_id = $3`
	if _, err := tx.ExecContext(ctx, advance, completedEventOccurredAt, now, subscriptionID); err != nil {
		return fmt.Errorf("advance fifo state: %w", err)
	}

	const nextQ = `
		SELECT ra.id
		FROM request_attempts ra
		JOIN events e ON e.id = ra.event_id
		WHERE ra.subscription_id = $1 AND e.occurred_at > $2 AND ra.state IN ('pending', 'failed_retry')
		ORDER BY e.occurred_at ASC, e.id ASC
		LIMIT 1
	`
	var nextAttemptID uuid.UUID
	err = tx.QueryRowContext(ctx, nextQ, subscriptionID, completedEventOccurredAt).Scan(&nextAttemptID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("find next fifo attempt: %w", err)
	}

	const setNext = `UPDATE fifo_states SET current_attempt_id = $1 WHERE subscription_id = $2`
	if _, err := tx.ExecContext(ctx, setNext, nextAttemptID, subscriptionID); err != nil {
		return fmt.Errorf("set next fifo current: %w", err)
	}
	const lift = `UPDATE request_attempts SET delay_until = now() WHERE id = $1`
	if _, err := tx.ExecContext(ctx, lift, nextAttemptID); err != nil {
		return fmt.Errorf("lift fifo sentinel: %w", err)
	}
	return nil
}
