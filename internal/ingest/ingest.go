// Package ingest implements the Ingestion Gate of spec.md §2/§4.1: the
// publish boundary that validates, dedups, quota-checks, and hands a fresh
// event to the Dispatcher inside one store transaction.
package ingest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hook0/dispatch-engine/internal/apperr"
	"github.com/hook0/dispatch-engine/internal/model"
	"github.com/hook0/dispatch-engine/internal/obs"
	"github.com/hook0/dispatch-engine/internal/store"
)

// Authenticator binds a bearer credential to an application_id. The real
// verification logic is an external collaborator per spec.md §1; this
// interface is the seam this core depends on.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (applicationID uuid.UUID, secretID uuid.UUID, err error)
}

// PublishRequest carries the fields spec.md §4.1's publish operation takes.
type PublishRequest struct {
	Credential    string
	EventID       uuid.UUID
	EventTypeName string
	Payload       []byte
	ContentType   model.ContentType
	OccurredAt    time.Time
	Labels        model.Labels
}

// PublishResult is what publish returns on success.
type PublishResult struct {
	Event    model.Event
	Attempts []model.RequestAttempt
}

// Gate implements Publish.
type Gate struct {
	Store Store
	Auth  Authenticator
	Log   *zap.Logger
}

// Store is the subset of store.Store the Ingestion Gate depends on.
type Store interface {
	GetApplication(ctx context.Context, appID uuid.UUID) (*model.Application, error)
	GetOrganization(ctx context.Context, orgID uuid.UUID) (*model.Organization, error)
	GetEventType(ctx context.Context, appID uuid.UUID, name string) (*model.EventType, error)
	EventExists(ctx context.Context, appID, eventID uuid.UUID) (bool, error)
	CountEventsToday(ctx context.Context, appID uuid.UUID, day time.Time) (int64, error)
	InsertEventAndDispatch(ctx context.Context, evt model.Event) (model.Event, []model.RequestAttempt, error)
}

var _ Store = (store.Store)(nil)

// Publish implements spec.md §4.1 exactly: auth binding, duplicate check,
// label validation, payload/content-type validation, event-type liveness,
// daily quota, then insert+dispatch in one store transaction.
func (g *Gate) Publish(ctx context.Context, req PublishRequest) (PublishResult, error) {
	appID, secretID, err := g.Auth.Authenticate(ctx, req.Credential)
	if err != nil {
		return PublishResult{}, fmt.Errorf("authenticate: %w", err)
	}

	exists, err := g.Store.EventExists(ctx, appID, req.EventID)
	if err != nil {
		return PublishResult{}, fmt.Errorf("check duplicate: %w", err)
	}
	if exists {
		return PublishResult{}, apperr.ErrEventAlreadyIngested
	}

	if err := validateLabels(req.Labels); err != nil {
		return PublishResult{}, err
	}
	if err := validatePayload(req.Payload, req.ContentType); err != nil {
		return PublishResult{}, err
	}

	app, err := g.Store.GetApplication(ctx, appID)
	if err != nil {
		return PublishResult{}, err
	}
	eventType, err := g.Store.GetEventType(ctx, appID, req.EventTypeName)
	if err != nil {
		return PublishResult{}, err
	}
	now := time.Now().UTC()
	if !eventType.Active(now) {
		return PublishResult{}, apperr.ErrEventTypeDeactivated
	}

	limit, err := g.resolveQuota(ctx, app)
	if err != nil {
		return PublishResult{}, err
	}
	count, err := g.Store.CountEventsToday(ctx, appID, now)
	if err != nil {
		return PublishResult{}, fmt.Errorf("count events today: %w", err)
	}
	if count >= limit {
		return PublishResult{}, apperr.ErrTooManyEventsToday
	}

	evt := model.Event{
		ID:                req.EventID,
		ApplicationID:     appID,
		EventTypeName:     req.EventTypeName,
		Payload:           req.Payload,
		ContentType:       req.ContentType,
		Labels:            req.Labels,
		OccurredAt:        req.OccurredAt,
		ReceivedAt:        now,
		IngestingSecretID: secretID,
	}

	stored, attempts, err := g.Store.InsertEventAndDispatch(ctx, evt)
	if err != nil {
		return PublishResult{}, err
	}

	obs.EventsIngested.Inc()
	if g.Log != nil {
		g.Log.Debug("event ingested", obs.UUID("event_id", stored.ID), obs.Int("attempts", len(attempts)))
	}
	return PublishResult{Event: stored, Attempts: attempts}, nil
}

// resolveQuota implements spec.md §4.1's quota resolution chain:
// application override, then organization plan.
func (g *Gate) resolveQuota(ctx context.Context, app *model.Application) (int64, error) {
	if app.EventsPerDayOverride != nil {
		return *app.EventsPerDayOverride, nil
	}
	org, err := g.Store.GetOrganization(ctx, app.OrganizationID)
	if err != nil {
		return 0, fmt.Errorf("resolve quota: %w", err)
	}
	return org.PlanEventsPerDayQuota, nil
}

// validateLabels implements spec.md §4.1/§8's label shape boundary: 1 to 10
// entries, each key and value 1 to 50 characters (measured in runes).
func validateLabels(labels model.Labels) error {
	if len(labels) < 1 || len(labels) > 10 {
		return apperr.NewValidationError("labels", fmt.Sprintf("must have between 1 and 10 entries, got %d", len(labels)))
	}
	for k, v := range labels {
		if l := utf8.RuneCountInString(k); l < 1 || l > 50 {
			return apperr.NewValidationError("labels", fmt.Sprintf("key %q length must be 1..50", k))
		}
		if l := utf8.RuneCountInString(v); l < 1 || l > 50 {
			return apperr.NewValidationError("labels", fmt.Sprintf("value for key %q length must be 1..50", k))
		}
	}
	return nil
}

// validatePayload implements spec.md §4.1's payload/content-type check:
// JSON must parse, base64 binary must decode. Text is accepted as-is.
func validatePayload(payload []byte, contentType model.ContentType) error {
	switch contentType {
	case model.ContentTypeJSON:
		var v interface{}
		if err := json.Unmarshal(payload, &v); err != nil {
			return apperr.NewValidationError("payload", "not valid JSON for content-type application/json")
		}
	case model.ContentTypeBinary:
		if _, err := base64.StdEncoding.DecodeString(string(payload)); err != nil {
			return apperr.NewValidationError("payload", "not valid base64 for content-type application/octet-stream")
		}
	case model.ContentTypeText:
		// raw bytes, nothing to validate beyond the content-type tag itself.
	default:
		return apperr.NewValidationError("content_type", fmt.Sprintf("unsupported content type %q", contentType))
	}
	return nil
}
