package ingestapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hook0/dispatch-engine/internal/ingest"
	"github.com/hook0/dispatch-engine/internal/model"
)

type fakeAuth struct {
	appID    uuid.UUID
	secretID uuid.UUID
	err      error
}

func (f fakeAuth) Authenticate(ctx context.Context, credential string) (uuid.UUID, uuid.UUID, error) {
	return f.appID, f.secretID, f.err
}

type fakeStore struct {
	app      model.Application
	org      model.Organization
	evtType  model.EventType
	exists   bool
	count    int64
	inserted model.Event
	attempts []model.RequestAttempt
}

func (f *fakeStore) GetApplication(ctx context.Context, appID uuid.UUID) (*model.Application, error) {
	return &f.app, nil
}
func (f *fakeStore) GetOrganization(ctx context.Context, orgID uuid.UUID) (*model.Organization, error) {
	return &f.org, nil
}
func (f *fakeStore) GetEventType(ctx context.Context, appID uuid.UUID, name string) (*model.EventType, error) {
	return &f.evtType, nil
}
func (f *fakeStore) EventExists(ctx context.Context, appID, eventID uuid.UUID) (bool, error) {
	return f.exists, nil
}
func (f *fakeStore) CountEventsToday(ctx context.Context, appID uuid.UUID, day time.Time) (int64, error) {
	return f.count, nil
}
func (f *fakeStore) InsertEventAndDispatch(ctx context.Context, evt model.Event) (model.Event, []model.RequestAttempt, error) {
	f.inserted = evt
	return evt, f.attempts, nil
}

func newTestRouter(fs *fakeStore, auth fakeAuth) http.Handler {
	gate := &ingest.Gate{Store: fs, Auth: auth, Log: zap.NewNop()}
	svc := New(gate, zap.NewNop())
	router := mux.NewRouter()
	svc.RegisterRoutes(router)
	return router
}

func defaultStore() *fakeStore {
	return &fakeStore{
		app:     model.Application{ID: uuid.New(), EventsPerDayOverride: int64Ptr(1000)},
		evtType: model.EventType{Name: "order.created"},
		count:   0,
	}
}

func int64Ptr(v int64) *int64 { return &v }

func TestHandlePublish_Success(t *testing.T) {
	fs := defaultStore()
	auth := fakeAuth{appID: fs.app.ID, secretID: uuid.New()}
	router := newTestRouter(fs, auth)

	body, _ := json.Marshal(map[string]interface{}{
		"event_id":        uuid.New(),
		"event_type_name": "order.created",
		"payload":         map[string]int{"x": 1},
		"content_type":    "application/json",
		"occurred_at":     time.Now().UTC(),
		"labels":          map[string]string{"env": "prod"},
	})
	req := httptest.NewRequest(http.MethodPost, "/publish", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+fs.app.ID.String()+":"+auth.secretID.String())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestHandlePublish_MissingCredential(t *testing.T) {
	fs := defaultStore()
	router := newTestRouter(fs, fakeAuth{})

	req := httptest.NewRequest(http.MethodPost, "/publish", bytes.NewReader([]byte("{}")))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandlePublish_InvalidJSON(t *testing.T) {
	fs := defaultStore()
	router := newTestRouter(fs, fakeAuth{})

	req := httptest.NewRequest(http.MethodPost, "/publish", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Authorization", "Bearer x:y")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlePublish_DuplicateEventReturns409(t *testing.T) {
	fs := defaultStore()
	fs.exists = true
	auth := fakeAuth{appID: fs.app.ID, secretID: uuid.New()}
	router := newTestRouter(fs, auth)

	body, _ := json.Marshal(map[string]interface{}{
		"event_id":        uuid.New(),
		"event_type_name": "order.created",
		"payload":         map[string]int{"x": 1},
		"content_type":    "application/json",
		"occurred_at":     time.Now().UTC(),
		"labels":          map[string]string{"env": "prod"},
	})
	req := httptest.NewRequest(http.MethodPost, "/publish", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+fs.app.ID.String()+":"+auth.secretID.String())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}
