package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hook0/dispatch-engine/internal/apperr"
	"github.com/hook0/dispatch-engine/internal/fifo"
	"github.com/hook0/dispatch-engine/internal/model"
)

// PGStore is the Postgres-backed Store implementation, grounded on the
// teacher's exactly_once.SQLOutboxManager (business logic + durable write in
// one *sql.Tx) and the pack's pg_store.go row-lock claim pattern.
type PGStore struct {
	db                     *sql.DB
	autoDisableThreshold   int
	autoDisableMinDuration time.Duration
}

// New constructs a PGStore. autoDisableThreshold/autoDisableMinDuration mirror
// worker.AutoDisable from internal/config, passed explicitly so this package
// has no import-time dependency on config.
func New(db *sql.DB, autoDisableThreshold int, autoDisableMinDuration time.Duration) *PGStore {
	return &PGStore{db: db, autoDisableThreshold: autoDisableThreshold, autoDisableMinDuration: autoDisableMinDuration}
}

func (p *PGStore) GetApplication(ctx context.Context, appID uuid.UUID) (*model.Application, error) {
	const q = `SELECT id, organization_id, default_retry_config, events_per_day_override FROM applications WHERE id = $1`
	var app model.Application
	var cfgBytes []byte
	var override sql.NullInt64
	err := p.db.QueryRowContext(ctx, q, appID).Scan(&app.ID, &app.OrganizationID, &cfgBytes, &override)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrApplicationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get application: %w", err)
	}
	cfg, err := unmarshalRetryConfig(cfgBytes)
	if err != nil {
		return nil, err
	}
	app.DefaultRetryConfig = *cfg
	if override.Valid {
		v := override.Int64
		app.EventsPerDayOverride = &v
	}
	return &app, nil
}

func (p *PGStore) GetOrganization(ctx context.Context, orgID uuid.UUID) (*model.Organization, error) {
	const q = `SELECT id, plan_events_per_day_quota FROM organizations WHERE id = $1`
	var org model.Organization
	err := p.db.QueryRowContext(ctx, q, orgID).Scan(&org.ID, &org.PlanEventsPerDayQuota)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("organization %s: %w", orgID, err)
	}
	if err != nil {
		return nil, fmt.Errorf("get organization: %w", err)
	}
	return &org, nil
}

func (p *PGStore) GetEventType(ctx context.Context, appID uuid.UUID, name string) (*model.EventType, error) {
	const q = `SELECT application_id, name, deprecated_at FROM event_types WHERE application_id = $1 AND name = $2`
	var et model.EventType
	var deactivated sql.NullTime
	err := p.db.QueryRowContext(ctx, q, appID, name).Scan(&et.ApplicationID, &et.Name, &deactivated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrEventTypeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event type: %w", err)
	}
	if deactivated.Valid {
		et.DeactivatedAt = &deactivated.Time
	}
	return &et, nil
}

func (p *PGStore) EventExists(ctx context.Context, appID, eventID uuid.UUID) (bool, error) {
	const q = `SELECT EXISTS(SELECT 1 FROM events WHERE application_id = $1 AND id = $2)`
	var exists bool
	if err := p.db.QueryRowContext(ctx, q, appID, eventID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check event exists: %w", err)
	}
	return exists, nil
}

func (p *PGStore) CountEventsToday(ctx context.Context, appID uuid.UUID, day time.Time) (int64, error) {
	const q = `SELECT count(*) FROM events WHERE application_id = $1 AND received_at::date = $2::date`
	var n int64
	if err := p.db.QueryRowContext(ctx, q, appID, day).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events today: %w", err)
	}
	return n, nil
}

// InsertEventAndDispatch implements spec.md §6.3's first atomic operation and
// §4.2's dispatch algorithm, application-layer variant per §9's design note:
// insert the event, SELECT ... FOR UPDATE the matching subscription set
// (guarding against concurrent subscription edits), insert one attempt per
// match, then set dispatched_at — all inside one transaction.
func (p *PGStore) InsertEventAndDispatch(ctx context.Context, evt model.Event) (model.Event, []model.RequestAttempt, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Event{}, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if evt.ID == uuid.Nil {
		evt.ID = uuid.New()
	}
	labelsJSON, err := json.Marshal(evt.Labels)
	if err != nil {
		return model.Event{}, nil, fmt.Errorf("marshal labels: %w", err)
	}

	const insertEvent = `
		INSERT INTO events (id, application_id, event_type_name, payload, content_type, labels, occurred_at, received_at, ingesting_secret_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = tx.ExecContext(ctx, insertEvent, evt.ID, evt.ApplicationID, evt.EventTypeName, evt.Payload, string(evt.ContentType), labelsJSON, evt.OccurredAt, evt.ReceivedAt, evt.IngestingSecretID)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Event{}, nil, apperr.ErrEventAlreadyIngested
		}
		return model.Event{}, nil, fmt.Errorf("insert event: %w", err)
	}

	subs, err := matchingSubscriptionsForUpdate(ctx, tx, evt)
	if err != nil {
		return model.Event{}, nil, err
	}

	attempts, err := fanOut(ctx, tx, evt, subs)
	if err != nil {
		return model.Event{}, nil, err
	}

	now := time.Now().UTC()
	const setDispatched = `UPDATE events SET dispatched_at = $1 WHERE application_id = $2 AND id = $3`
	if _, err := tx.ExecContext(ctx, setDispatched, now, evt.ApplicationID, evt.ID); err != nil {
		return model.Event{}, nil, fmt.Errorf("set dispatched_at: %w", err)
	}
	evt.DispatchedAt = &now

	if err := tx.Commit(); err != nil {
		return model.Event{}, nil, fmt.Errorf("commit: %w", err)
	}
	return evt, attempts, nil
}

// matchingSubscriptionsForUpdate implements spec.md §4.2 step 1 as an
// indexable Postgres query (§9's GIN/`@>` containment strategy): the event's
// labels (as jsonb) must contain the subscription's labels, and the
// subscription's event_type_names array must contain the event's type.
// FOR UPDATE (not SKIP LOCKED) because dispatch must see every matching
// subscription, never skip a contended one.
func matchingSubscriptionsForUpdate(ctx context.Context, tx *sql.Tx, evt model.Event) ([]model.Subscription, error) {
	eventLabelsJSON, err := json.Marshal(evt.Labels)
	if err != nil {
		return nil, fmt.Errorf("marshal event labels: %w", err)
	}
	eventTypeJSON, err := json.Marshal([]string{evt.EventTypeName})
	if err != nil {
		return nil, fmt.Errorf("marshal event type filter: %w", err)
	}

	const q = `
		SELECT id, application_id, is_enabled, deleted_at, event_type_names, labels,
		       target_method, target_url, target_headers, secret, retry_config,
		       fifo_mode, consecutive_failures, first_failure_at, last_failure_at, auto_disabled_at
		FROM subscriptions
		WHERE application_id = $1
		  AND is_enabled = true
		  AND deleted_at IS NULL
		  AND event_type_names @> $2::jsonb
		  AND $3::jsonb @> labels
		ORDER BY id
		FOR UPDATE
	`
	rows, err := tx.QueryContext(ctx, q, evt.ApplicationID, eventTypeJSON, eventLabelsJSON)
	if err != nil {
		return nil, fmt.Errorf("query matching subscriptions: %w", err)
	}
	defer rows.Close()

	var out []model.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(row rowScanner) (model.Subscription, error) {
	var s model.Subscription
	var deletedAt, firstFailure, lastFailure, autoDisabled sql.NullTime
	var eventTypeNamesJSON, labelsJSON, headersJSON, retryConfigJSON []byte
	var secret []byte
	var method string

	err := row.Scan(
		&s.ID, &s.ApplicationID, &s.IsEnabled, &deletedAt, &eventTypeNamesJSON, &labelsJSON,
		&method, &s.Target.URL, &headersJSON, &secret, &retryConfigJSON,
		&s.FIFOMode, &s.ConsecutiveFailures, &firstFailure, &lastFailure, &autoDisabled,
	)
	if err != nil {
		return model.Subscription{}, fmt.Errorf("scan subscription: %w", err)
	}

	s.Target.Method = model.TargetMethod(method)
	if deletedAt.Valid {
		s.DeletedAt = &deletedAt.Time
	}
	if firstFailure.Valid {
		s.FirstFailureAt = &firstFailure.Time
	}
	if lastFailure.Valid {
		s.LastFailureAt = &lastFailure.Time
	}
	if autoDisabled.Valid {
		s.AutoDisabledAt = &autoDisabled.Time
	}
	if len(secret) != 16 {
		return model.Subscription{}, fmt.Errorf("subscription %s: secret must be 16 bytes, got %d", s.ID, len(secret))
	}
	copy(s.Secret[:], secret)

	if err := json.Unmarshal(eventTypeNamesJSON, &s.EventTypeNames); err != nil {
		return model.Subscription{}, fmt.Errorf("unmarshal event_type_names: %w", err)
	}
	labels, err := unmarshalLabels(labelsJSON)
	if err != nil {
		return model.Subscription{}, err
	}
	s.Labels = labels
	headers, err := unmarshalHeaders(headersJSON)
	if err != nil {
		return model.Subscription{}, err
	}
	s.Target.Headers = headers
	if len(retryConfigJSON) > 0 {
		cfg, err := unmarshalRetryConfig(retryConfigJSON)
		if err != nil {
			return model.Subscription{}, err
		}
		s.RetryConfig = cfg
	}
	return s, nil
}

// fanOut implements spec.md §4.2 step 2: for each matched subscription,
// insert a request_attempt, delegating FIFO blocking and state seeding to
// internal/fifo so the Dispatcher and the Output Worker share one coordinator.
// Each call handles one event; FIFO release order does not depend on
// insertion order, since fifo.Release picks the next candidate by
// (occurred_at, id).
func fanOut(ctx context.Context, tx *sql.Tx, evt model.Event, subs []model.Subscription) ([]model.RequestAttempt, error) {
	now := time.Now().UTC()
	attempts := make([]model.RequestAttempt, 0, len(subs))

	for _, sub := range subs {
		attemptID := uuid.New()
		delayUntil := now

		if sub.FIFOMode {
			d, err := fifo.SeedAndGate(ctx, tx, sub.ID, attemptID, evt.OccurredAt)
			if err != nil {
				return nil, fmt.Errorf("fifo gate: %w", err)
			}
			delayUntil = d
		}

		const insertAttempt = `
			INSERT INTO request_attempts (id, event_id, subscription_id, application_id, created_at, delay_until, retry_count, state)
			VALUES ($1, $2, $3, $4, $5, $6, 0, 'pending')
		`
		if _, err := tx.ExecContext(ctx, insertAttempt, attemptID, evt.ID, sub.ID, sub.ApplicationID, now, delayUntil); err != nil {
			return nil, fmt.Errorf("insert request_attempt: %w", err)
		}

		attempts = append(attempts, model.RequestAttempt{
			ID:             attemptID,
			EventID:        evt.ID,
			SubscriptionID: sub.ID,
			ApplicationID:  sub.ApplicationID,
			CreatedAt:      now,
			DelayUntil:     delayUntil,
			State:          model.AttemptPending,
		})
	}
	return attempts, nil
}

// Replay recreates pending request_attempt rows for an already-dispatched
// event, per §9's replay design note: dispatched_at stays monotone, only
// fresh attempts are added against currently-matching (or explicitly listed)
// subscriptions. applicationID scopes the event lookup since event_id is
// only unique per application.
func (p *PGStore) Replay(ctx context.Context, applicationID, eventID uuid.UUID, subscriptionIDs []uuid.UUID) ([]model.RequestAttempt, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	evt, err := loadEvent(ctx, tx, applicationID, eventID)
	if err != nil {
		return nil, err
	}

	var subs []model.Subscription
	if len(subscriptionIDs) == 0 {
		subs, err = matchingSubscriptionsForUpdate(ctx, tx, evt)
		if err != nil {
			return nil, err
		}
	} else {
		subs, err = subscriptionsByIDForUpdate(ctx, tx, evt.ApplicationID, subscriptionIDs)
		if err != nil {
			return nil, err
		}
	}

	attempts, err := fanOut(ctx, tx, evt, subs)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return attempts, nil
}

// queryRower is the QueryRowContext subset shared by *sql.DB and *sql.Tx, so
// loadEvent can run either inside a transaction or directly against the pool.
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// loadEvent fetches an event scoped by applicationID, since event_id
// (spec.md §4.1/§4.2) is only unique per application, not globally.
func loadEvent(ctx context.Context, q queryRower, applicationID, eventID uuid.UUID) (model.Event, error) {
	const query = `
		SELECT id, application_id, event_type_name, payload, content_type, labels, occurred_at, received_at, dispatched_at, ingesting_secret_id
		FROM events WHERE application_id = $1 AND id = $2
	`
	var evt model.Event
	var contentType string
	var labelsJSON []byte
	var dispatchedAt sql.NullTime
	err := q.QueryRowContext(ctx, query, applicationID, eventID).Scan(
		&evt.ID, &evt.ApplicationID, &evt.EventTypeName, &evt.Payload, &contentType, &labelsJSON,
		&evt.OccurredAt, &evt.ReceivedAt, &dispatchedAt, &evt.IngestingSecretID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Event{}, fmt.Errorf("event %s: not found", eventID)
	}
	if err != nil {
		return model.Event{}, fmt.Errorf("load event: %w", err)
	}
	evt.ContentType = model.ContentType(contentType)
	labels, err := unmarshalLabels(labelsJSON)
	if err != nil {
		return model.Event{}, err
	}
	evt.Labels = labels
	if dispatchedAt.Valid {
		evt.DispatchedAt = &dispatchedAt.Time
	}
	return evt, nil
}

func subscriptionsByIDForUpdate(ctx context.Context, tx *sql.Tx, appID uuid.UUID, ids []uuid.UUID) ([]model.Subscription, error) {
	const q = `
		SELECT id, application_id, is_enabled, deleted_at, event_type_names, labels,
		       target_method, target_url, target_headers, secret, retry_config,
		       fifo_mode, consecutive_failures, first_failure_at, last_failure_at, auto_disabled_at
		FROM subscriptions
		WHERE application_id = $1 AND id = ANY($2::uuid[]) AND is_enabled = true AND deleted_at IS NULL
		ORDER BY id
		FOR UPDATE
	`
	idStrs := make([]string, len(ids))
	for i, id := range ids {
		idStrs[i] = id.String()
	}
	rows, err := tx.QueryContext(ctx, q, appID, pq.Array(idStrs))
	if err != nil {
		return nil, fmt.Errorf("query subscriptions by id: %w", err)
	}
	defer rows.Close()

	var out []model.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Claim implements spec.md §4.3/§6.3/:121's claim() contract directly: find
// attempts where picked_at is null, or picked_at+lease has expired and the
// row never reached a terminal state — a lease-expired in_flight row is
// reclaimed by this query itself, not merely by internal/reaper's separate
// sweep (the reaper is a backstop that shortens the worst-case wait; Claim's
// own liveness guarantee must not depend on it running). Row-lock claim
// skipping already-locked rows, ordered by (delay_until, created_at, id).
// FIFO-blocked attempts carry the sentinel delay_until and are therefore
// naturally excluded by the delay_until <= now() predicate — no separate
// FIFO filter is needed here.
func (p *PGStore) Claim(ctx context.Context, workerName, workerVersion string, batchSize int, lease time.Duration) ([]model.RequestAttempt, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const q = `
		SELECT id, event_id, subscription_id, application_id, created_at, picked_at,
		       worker_name, worker_version, succeeded_at, failed_at, delay_until, retry_count, response_id, state
		FROM request_attempts
		WHERE delay_until <= now()
		  AND state NOT IN ('succeeded', 'exhausted', 'cancelled')
		  AND (picked_at IS NULL OR picked_at + ($1 * interval '1 millisecond') < now())
		ORDER BY delay_until ASC, created_at ASC, id ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $2
	`
	rows, err := tx.QueryContext(ctx, q, lease.Milliseconds(), batchSize)
	if err != nil {
		return nil, fmt.Errorf("claim query: %w", err)
	}

	var claimed []model.RequestAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, a)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	now := time.Now().UTC()
	const update = `UPDATE request_attempts SET picked_at = $1, worker_name = $2, worker_version = $3, state = 'in_flight' WHERE id = $4`
	for i := range claimed {
		if _, err := tx.ExecContext(ctx, update, now, workerName, workerVersion, claimed[i].ID); err != nil {
			return nil, fmt.Errorf("claim update: %w", err)
		}
		claimed[i].PickedAt = &now
		claimed[i].WorkerName = workerName
		claimed[i].WorkerVersion = workerVersion
		claimed[i].State = model.AttemptInFlight
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return claimed, nil
}

func scanAttempt(row rowScanner) (model.RequestAttempt, error) {
	var a model.RequestAttempt
	var pickedAt, succeededAt, failedAt sql.NullTime
	var workerName, workerVersion sql.NullString
	var responseID sql.NullString
	var state string

	err := row.Scan(&a.ID, &a.EventID, &a.SubscriptionID, &a.ApplicationID, &a.CreatedAt, &pickedAt,
		&workerName, &workerVersion, &succeededAt, &failedAt, &a.DelayUntil, &a.RetryCount, &responseID, &state)
	if err != nil {
		return model.RequestAttempt{}, fmt.Errorf("scan attempt: %w", err)
	}
	a.State = model.AttemptState(state)
	a.WorkerName = workerName.String
	a.WorkerVersion = workerVersion.String
	if pickedAt.Valid {
		a.PickedAt = &pickedAt.Time
	}
	if succeededAt.Valid {
		a.SucceededAt = &succeededAt.Time
	}
	if failedAt.Valid {
		a.FailedAt = &failedAt.Time
	}
	if responseID.Valid {
		id, err := uuid.Parse(responseID.String)
		if err != nil {
			return model.RequestAttempt{}, fmt.Errorf("parse response_id: %w", err)
		}
		a.ResponseID = &id
	}
	return a, nil
}

// LoadDeliveryContext fetches everything the Output Worker needs to build and
// sign one outbound request.
func (p *PGStore) LoadDeliveryContext(ctx context.Context, attemptID uuid.UUID) (DeliveryContext, error) {
	const q = `
		SELECT ra.id, ra.event_id, ra.subscription_id, ra.application_id, ra.created_at, ra.picked_at,
		       ra.worker_name, ra.worker_version, ra.succeeded_at, ra.failed_at, ra.delay_until, ra.retry_count, ra.response_id, ra.state
		FROM request_attempts ra WHERE ra.id = $1
	`
	row := p.db.QueryRowContext(ctx, q, attemptID)
	attempt, err := scanAttempt(row)
	if err != nil {
		return DeliveryContext{}, fmt.Errorf("load attempt: %w", err)
	}

	evt, err := loadEvent(ctx, p.db, attempt.ApplicationID, attempt.EventID)
	if err != nil {
		return DeliveryContext{}, err
	}

	const subQ = `
		SELECT id, application_id, is_enabled, deleted_at, event_type_names, labels,
		       target_method, target_url, target_headers, secret, retry_config,
		       fifo_mode, consecutive_failures, first_failure_at, last_failure_at, auto_disabled_at
		FROM subscriptions WHERE id = $1
	`
	sub, err := scanSubscription(p.db.QueryRowContext(ctx, subQ, attempt.SubscriptionID))
	if err != nil {
		return DeliveryContext{}, fmt.Errorf("load subscription: %w", err)
	}

	app, err := p.GetApplication(ctx, attempt.ApplicationID)
	if err != nil {
		return DeliveryContext{}, fmt.Errorf("load application: %w", err)
	}

	return DeliveryContext{Attempt: attempt, Event: evt, Subscription: sub, Application: *app}, nil
}

func insertResponse(ctx context.Context, tx *sql.Tx, resp model.Response) (uuid.UUID, error) {
	if resp.ID == uuid.Nil {
		resp.ID = uuid.New()
	}
	headersJSON, err := json.Marshal(resp.Headers)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal response headers: %w", err)
	}
	var errorKind interface{}
	if resp.ErrorKind != nil {
		errorKind = string(*resp.ErrorKind)
	}
	var httpCode interface{}
	if resp.HTTPCode != nil {
		httpCode = *resp.HTTPCode
	}
	const q = `
		INSERT INTO responses (id, error_kind, http_code, headers, body, elapsed_ms)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := tx.ExecContext(ctx, q, resp.ID, errorKind, httpCode, headersJSON, resp.Body, resp.ElapsedMS); err != nil {
		return uuid.Nil, fmt.Errorf("insert response: %w", err)
	}
	return resp.ID, nil
}

// CompleteSuccess implements spec.md §4.6's in_flight→succeeded transition:
// record the response, reset the subscription's failure streak, and release
// the next FIFO attempt if applicable.
func (p *PGStore) CompleteSuccess(ctx context.Context, attemptID uuid.UUID, resp model.Response) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	respID, err := insertResponse(ctx, tx, resp)
	if err != nil {
		return err
	}

	var subscriptionID uuid.UUID
	var eventOccurredAt time.Time
	const update = `
		UPDATE request_attempts ra SET succeeded_at = now(), response_id = $1, state = 'succeeded'
		FROM events e
		WHERE ra.id = $2 AND e.id = ra.event_id
		RETURNING ra.subscription_id, e.occurred_at
	`
	if err := tx.QueryRowContext(ctx, update, respID, attemptID).Scan(&subscriptionID, &eventOccurredAt); err != nil {
		return fmt.Errorf("mark succeeded: %w", err)
	}

	const resetHealth = `UPDATE subscriptions SET consecutive_failures = 0, first_failure_at = NULL, last_failure_at = NULL WHERE id = $1`
	if _, err := tx.ExecContext(ctx, resetHealth, subscriptionID); err != nil {
		return fmt.Errorf("reset subscription health: %w", err)
	}

	if err := fifo.Release(ctx, tx, subscriptionID, eventOccurredAt); err != nil {
		return err
	}

	return tx.Commit()
}

// Reschedule implements spec.md §4.6's in_flight→failed_retry transition,
// immediately folded into pending per model.AttemptFailedRetry's contract.
func (p *PGStore) Reschedule(ctx context.Context, attemptID uuid.UUID, resp model.Response, newDelayUntil time.Time, newRetryCount int) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	respID, err := insertResponse(ctx, tx, resp)
	if err != nil {
		return err
	}

	const update = `
		UPDATE request_attempts
		SET response_id = $1, retry_count = $2, delay_until = $3, picked_at = NULL, state = 'pending'
		WHERE id = $4
	`
	if _, err := tx.ExecContext(ctx, update, respID, newRetryCount, newDelayUntil, attemptID); err != nil {
		return fmt.Errorf("reschedule: %w", err)
	}
	return tx.Commit()
}

// MarkExhausted implements spec.md §4.6's in_flight→exhausted transition,
// including the auto-disable health check.
func (p *PGStore) MarkExhausted(ctx context.Context, attemptID uuid.UUID, resp model.Response) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	respID, err := insertResponse(ctx, tx, resp)
	if err != nil {
		return err
	}

	var subscriptionID uuid.UUID
	var eventOccurredAt time.Time
	const update = `
		UPDATE request_attempts ra SET failed_at = now(), response_id = $1, state = 'exhausted'
		FROM events e
		WHERE ra.id = $2 AND e.id = ra.event_id
		RETURNING ra.subscription_id, e.occurred_at
	`
	if err := tx.QueryRowContext(ctx, update, respID, attemptID).Scan(&subscriptionID, &eventOccurredAt); err != nil {
		return fmt.Errorf("mark exhausted: %w", err)
	}

	if err := p.bumpFailureHealth(ctx, tx, subscriptionID); err != nil {
		return err
	}

	if err := fifo.Release(ctx, tx, subscriptionID, eventOccurredAt); err != nil {
		return err
	}

	return tx.Commit()
}

// bumpFailureHealth implements spec.md §4.6's auto-disable rule: bump
// consecutive_failures, stamp first/last failure, and auto-disable once both
// the streak threshold and the minimum elapsed duration are met.
func (p *PGStore) bumpFailureHealth(ctx context.Context, tx *sql.Tx, subscriptionID uuid.UUID) error {
	const lock = `SELECT consecutive_failures, first_failure_at FROM subscriptions WHERE id = $1 FOR UPDATE`
	var consecutiveFailures int
	var firstFailure sql.NullTime
	if err := tx.QueryRowContext(ctx, lock, subscriptionID).Scan(&consecutiveFailures, &firstFailure); err != nil {
		return fmt.Errorf("lock subscription health: %w", err)
	}

	now := time.Now().UTC()
	consecutiveFailures++
	first := now
	if firstFailure.Valid {
		first = firstFailure.Time
	}

	autoDisable := consecutiveFailures >= p.autoDisableThreshold && now.Sub(first) >= p.autoDisableMinDuration

	const update = `
		UPDATE subscriptions
		SET consecutive_failures = $1, first_failure_at = $2, last_failure_at = $3,
		    auto_disabled_at = CASE WHEN $4 THEN $3 ELSE auto_disabled_at END,
		    is_enabled = CASE WHEN $4 THEN false ELSE is_enabled END
		WHERE id = $5
	`
	if _, err := tx.ExecContext(ctx, update, consecutiveFailures, first, now, autoDisable, subscriptionID); err != nil {
		return fmt.Errorf("update subscription health: %w", err)
	}
	return nil
}

// Cancel implements spec.md §4.6's any-non-terminal→cancelled transition.
func (p *PGStore) Cancel(ctx context.Context, attemptID uuid.UUID) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	cancelled := model.ErrCancelled
	respID, err := insertResponse(ctx, tx, model.Response{ErrorKind: &cancelled})
	if err != nil {
		return err
	}

	var subscriptionID uuid.UUID
	var eventOccurredAt time.Time
	const update = `
		UPDATE request_attempts ra SET failed_at = now(), response_id = $1, state = 'cancelled'
		FROM events e
		WHERE ra.id = $2 AND e.id = ra.event_id
		RETURNING ra.subscription_id, e.occurred_at
	`
	if err := tx.QueryRowContext(ctx, update, respID, attemptID).Scan(&subscriptionID, &eventOccurredAt); err != nil {
		return fmt.Errorf("mark cancelled: %w", err)
	}

	if err := fifo.Release(ctx, tx, subscriptionID, eventOccurredAt); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PGStore) AttemptsByEvent(ctx context.Context, applicationID, eventID uuid.UUID) ([]model.RequestAttempt, error) {
	const q = `
		SELECT id, event_id, subscription_id, application_id, created_at, picked_at,
		       worker_name, worker_version, succeeded_at, failed_at, delay_until, retry_count, response_id, state
		FROM request_attempts WHERE application_id = $1 AND event_id = $2 ORDER BY created_at ASC
	`
	return p.queryAttempts(ctx, q, applicationID, eventID)
}

func (p *PGStore) AttemptsBySubscription(ctx context.Context, subscriptionID uuid.UUID, from, to time.Time) ([]model.RequestAttempt, error) {
	const q = `
		SELECT id, event_id, subscription_id, application_id, created_at, picked_at,
		       worker_name, worker_version, succeeded_at, failed_at, delay_until, retry_count, response_id, state
		FROM request_attempts WHERE subscription_id = $1 AND created_at >= $2 AND created_at <= $3 ORDER BY created_at ASC
	`
	return p.queryAttempts(ctx, q, subscriptionID, from, to)
}

func (p *PGStore) queryAttempts(ctx context.Context, q string, args ...interface{}) ([]model.RequestAttempt, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var out []model.RequestAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ReapExpiredLeases implements the liveness sweep of spec.md §5.8: clear
// picked_at on non-terminal attempts whose lease has silently expired,
// shortening the worst-case wait until the next Claim re-discovers them.
func (p *PGStore) ReapExpiredLeases(ctx context.Context, lease time.Duration) (int, error) {
	const q = `
		UPDATE request_attempts
		SET picked_at = NULL, state = 'pending'
		WHERE picked_at IS NOT NULL
		  AND picked_at + ($1 * interval '1 millisecond') < now()
		  AND state = 'in_flight'
	`
	res, err := p.db.ExecContext(ctx, q, lease.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("reap expired leases: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func unmarshalLabels(b []byte) (model.Labels, error) {
	if len(b) == 0 {
		return model.Labels{}, nil
	}
	var l model.Labels
	if err := json.Unmarshal(b, &l); err != nil {
		return nil, fmt.Errorf("unmarshal labels: %w", err)
	}
	if l == nil {
		l = model.Labels{}
	}
	return l, nil
}

func unmarshalHeaders(b []byte) ([]model.Header, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var h []model.Header
	if err := json.Unmarshal(b, &h); err != nil {
		return nil, fmt.Errorf("unmarshal headers: %w", err)
	}
	return h, nil
}

func unmarshalRetryConfig(b []byte) (*model.RetryConfig, error) {
	type wire struct {
		MaxFastRetries    int `json:"max_fast_retries"`
		FastRetryDelay    int `json:"fast_retry_delay_seconds"`
		MaxFastRetryDelay int `json:"max_fast_retry_delay_seconds"`
		MaxSlowRetries    int `json:"max_slow_retries"`
		SlowRetryDelay    int `json:"slow_retry_delay_seconds"`
	}
	var w wire
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("unmarshal retry config: %w", err)
	}
	return &model.RetryConfig{
		MaxFastRetries:    w.MaxFastRetries,
		FastRetryDelay:    time.Duration(w.FastRetryDelay) * time.Second,
		MaxFastRetryDelay: time.Duration(w.MaxFastRetryDelay) * time.Second,
		MaxSlowRetries:    w.MaxSlowRetries,
		SlowRetryDelay:    time.Duration(w.SlowRetryDelay) * time.Second,
	}, nil
}
