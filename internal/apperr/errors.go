// Package apperr defines the error taxonomy of spec.md §7: ingest-time
// errors surfaced synchronously to the publisher, and delivery-time
// classifications consumed by the retry policy. Modeled after the
// teacher's event-hooks error shape: sentinel errors plus a couple of
// structured types that carry enough context for the caller to decide
// what to do next.
package apperr

import (
	"errors"
	"fmt"
)

// Ingest-time sentinels. These are never retried; they're returned
// synchronously from Publish.
var (
	ErrEventAlreadyIngested = errors.New("event already ingested")
	ErrTooManyEventsToday   = errors.New("too many events today")
	ErrEventTypeNotFound    = errors.New("event type not found")
	ErrEventTypeDeactivated = errors.New("event type deactivated")
	ErrApplicationNotFound  = errors.New("application not found")
	ErrSubscriptionNotFound = errors.New("subscription not found")
)

// Kind names the taxonomy buckets of spec.md §7, independent of the
// specific sentinel or structured error raised.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindQuota               Kind = "quota"
	KindIdempotency         Kind = "idempotency"
	KindDurationTransient   Kind = "duration_transient"
	KindEndpointPermanent   Kind = "endpoint_permanent"
	KindFatalPerAttempt     Kind = "fatal_per_attempt"
	KindInternal            Kind = "internal"
)

// ValidationError reports a caller-supplied data problem at ingest: label
// shape, payload/content-type mismatch, malformed event type name.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// ProblemDetails is the shape ingest-time errors are surfaced to the
// publisher in, per spec.md §7 ("problem-details structure").
type ProblemDetails struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Status int    `json:"status"`
}

// ToProblemDetails maps a known ingest-time error to the wire shape. The
// caller is responsible for generating a fresh ID per response.
func ToProblemDetails(id string, err error) ProblemDetails {
	switch {
	case errors.Is(err, ErrEventAlreadyIngested):
		return ProblemDetails{ID: id, Title: "event already ingested", Detail: err.Error(), Status: 409}
	case errors.Is(err, ErrTooManyEventsToday):
		return ProblemDetails{ID: id, Title: "quota exceeded", Detail: err.Error(), Status: 429}
	case errors.Is(err, ErrEventTypeNotFound), errors.Is(err, ErrEventTypeDeactivated):
		return ProblemDetails{ID: id, Title: "invalid event type", Detail: err.Error(), Status: 422}
	default:
		var ve *ValidationError
		if errors.As(err, &ve) {
			return ProblemDetails{ID: id, Title: "validation failed", Detail: ve.Error(), Status: 422}
		}
		return ProblemDetails{ID: id, Title: "internal error", Detail: "an internal error occurred", Status: 500}
	}
}

// DeliveryOutcomeError wraps a failed delivery attempt's classification so
// the output worker and retry policy can reason about it without re-parsing
// an HTTP response.
type DeliveryOutcomeError struct {
	Kind       Kind
	ErrorKind  string
	HTTPCode   int
	Message    string
	Retryable  bool
	Err        error
}

func (e *DeliveryOutcomeError) Error() string {
	return fmt.Sprintf("delivery outcome (%s): %s", e.Kind, e.Message)
}

func (e *DeliveryOutcomeError) Unwrap() error { return e.Err }

func NewDeliveryOutcomeError(kind Kind, errorKind string, httpCode int, message string, retryable bool, err error) *DeliveryOutcomeError {
	return &DeliveryOutcomeError{Kind: kind, ErrorKind: errorKind, HTTPCode: httpCode, Message: message, Retryable: retryable, Err: err}
}
