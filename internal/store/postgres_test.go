package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hook0/dispatch-engine/internal/apperr"
	"github.com/hook0/dispatch-engine/internal/model"
)

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return New(db, 5, time.Hour), mock, func() { db.Close() }
}

func TestClaim_SelectsNonTerminalAttempts(t *testing.T) {
	p, mock, cleanup := newMockStore(t)
	defer cleanup()

	attemptID := uuid.New()
	eventID := uuid.New()
	subID := uuid.New()
	appID := uuid.New()
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, event_id, subscription_id, application_id, created_at, picked_at.*" +
		"WHERE delay_until <= now\\(\\) AND state NOT IN \\('succeeded', 'exhausted', 'cancelled'\\) " +
		"AND \\(picked_at IS NULL OR picked_at \\+ \\(\\$1 \\* interval '1 millisecond'\\) < now\\(\\)\\)").
		WithArgs(int64(30000), 10).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "event_id", "subscription_id", "application_id", "created_at", "picked_at",
			"worker_name", "worker_version", "succeeded_at", "failed_at", "delay_until", "retry_count", "response_id", "state",
		}).AddRow(attemptID, eventID, subID, appID, now, nil, nil, nil, nil, nil, now, 0, nil, "in_flight"))
	mock.ExpectExec("UPDATE request_attempts SET picked_at").
		WithArgs(sqlmock.AnyArg(), "worker-1", "v1", attemptID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	claimed, err := p.Claim(context.Background(), "worker-1", "v1", 10, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, model.AttemptInFlight, claimed[0].State)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertEventAndDispatch_DuplicateEventReturnsErrEventAlreadyIngested(t *testing.T) {
	p, mock, cleanup := newMockStore(t)
	defer cleanup()

	evt := model.Event{
		ID:            uuid.New(),
		ApplicationID: uuid.New(),
		EventTypeName: "order.created",
		Payload:       []byte(`{}`),
		ContentType:   model.ContentTypeJSON,
		Labels:        model.Labels{"env": "prod"},
		OccurredAt:    time.Now().UTC(),
		ReceivedAt:    time.Now().UTC(),
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO events").
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	_, _, err := p.InsertEventAndDispatch(context.Background(), evt)
	require.ErrorIs(t, err, apperr.ErrEventAlreadyIngested)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteSuccess_ReleasesFIFOUsingEventOccurredAt(t *testing.T) {
	p, mock, cleanup := newMockStore(t)
	defer cleanup()

	attemptID := uuid.New()
	subID := uuid.New()
	occurredAt := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO responses").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("UPDATE request_attempts ra SET succeeded_at = now\\(\\), response_id = \\$1, state = 'succeeded'").
		WithArgs(sqlmock.AnyArg(), attemptID).
		WillReturnRows(sqlmock.NewRows([]string{"subscription_id", "occurred_at"}).AddRow(subID, occurredAt))
	mock.ExpectExec("UPDATE subscriptions SET consecutive_failures").
		WithArgs(subID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT current_attempt_id FROM fifo_states").
		WithArgs(subID).
		WillReturnRows(sqlmock.NewRows([]string{"current_attempt_id"}).AddRow(attemptID.String()))
	mock.ExpectExec("UPDATE fifo_states SET last_completed_event_created_at").
		WithArgs(occurredAt, sqlmock.AnyArg(), subID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT ra.id FROM request_attempts ra").
		WithArgs(subID, occurredAt).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectCommit()

	err := p.CompleteSuccess(context.Background(), attemptID, model.Response{ElapsedMS: 10})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReapExpiredLeases_ReturnsAffectedCount(t *testing.T) {
	p, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectExec("UPDATE request_attempts").
		WithArgs(int64(30000)).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := p.ReapExpiredLeases(context.Background(), 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}
