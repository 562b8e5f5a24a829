// Package model holds the durable entities of the dispatch and delivery
// engine: applications, event types, events, subscriptions, request
// attempts, responses and FIFO state. These are the types that cross the
// store boundary; components never invent their own shadow copies.
package model

import (
	"time"

	"github.com/google/uuid"
)

// ContentType tags the shape of an event payload. Hook0 never parses or
// transforms the payload beyond what's needed to validate it at ingest.
type ContentType string

const (
	ContentTypeJSON   ContentType = "application/json"
	ContentTypeText   ContentType = "text/plain"
	ContentTypeBinary ContentType = "application/octet-stream"
)

// Application owns event types and subscriptions and carries the defaults
// every subscription under it falls back to.
type Application struct {
	ID                  uuid.UUID
	OrganizationID       uuid.UUID
	DefaultRetryConfig   RetryConfig
	EventsPerDayOverride *int64
}

// Organization is the minimal slice of the external billing/org concept
// this core needs: the plan-level event quota used when an application has
// no override (spec.md §4.1 quota resolution chain).
type Organization struct {
	ID                  uuid.UUID
	PlanEventsPerDayQuota int64
}

// EventType identifies a class of event within an application. Deactivation
// is soft: historical events remain valid, only new ingestion is refused.
type EventType struct {
	ApplicationID uuid.UUID
	Name          string // "service.resource.verb"
	DeactivatedAt *time.Time
}

func (et EventType) Active(asOf time.Time) bool {
	return et.DeactivatedAt == nil || et.DeactivatedAt.After(asOf)
}

// Labels is a small string-to-string map attached to events and used as a
// subscription filter. IsSubsetOf reports whether a subscription's labels
// are a subset of an event's (every key/value appears identically).
type Labels map[string]string

// IsSubsetOf reports whether every (k, v) pair in l also appears in other
// with an identical value. An empty label set is a subset of everything.
func (l Labels) IsSubsetOf(other Labels) bool {
	for k, v := range l {
		if other[k] != v {
			return false
		}
	}
	return true
}

// Event is immutable after ingest: every field besides DispatchedAt is set
// once at Publish time, and DispatchedAt itself is set exactly once by the
// Dispatcher.
type Event struct {
	ID                uuid.UUID
	ApplicationID     uuid.UUID
	EventTypeName     string
	Payload           []byte
	ContentType       ContentType
	Labels            Labels
	OccurredAt        time.Time
	ReceivedAt        time.Time
	DispatchedAt      *time.Time
	IngestingSecretID uuid.UUID
}

// TargetMethod enumerates the HTTP methods a subscription's webhook target
// may use.
type TargetMethod string

const (
	MethodPOST  TargetMethod = "POST"
	MethodPUT   TargetMethod = "PUT"
	MethodPATCH TargetMethod = "PATCH"
)

// Header is a single custom header a subscription asks to have merged into
// every outbound delivery, last, after Hook0's own headers.
type Header struct {
	Key   string
	Value string
}

// HTTPTarget is currently the only Subscription target variant.
type HTTPTarget struct {
	Method  TargetMethod
	URL     string
	Headers []Header
}

// RetryConfig parameterizes the two-tier retry policy of spec.md §4.4.
type RetryConfig struct {
	MaxFastRetries       int
	FastRetryDelay       time.Duration
	MaxFastRetryDelay    time.Duration
	MaxSlowRetries       int
	SlowRetryDelay       time.Duration
}

// DefaultRetryConfig matches spec.md §4.4's defaults: F=30, f=5s, f_max=300s,
// S=30, s=3600s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxFastRetries:    30,
		FastRetryDelay:    5 * time.Second,
		MaxFastRetryDelay: 300 * time.Second,
		MaxSlowRetries:    30,
		SlowRetryDelay:    3600 * time.Second,
	}
}

// Subscription describes what to deliver, where, and under what ordering
// and retry discipline.
type Subscription struct {
	ID                 uuid.UUID
	ApplicationID      uuid.UUID
	IsEnabled          bool
	DeletedAt          *time.Time
	EventTypeNames     []string
	Labels             Labels
	Target             HTTPTarget
	Secret             [16]byte // 128-bit, opaque to clients after creation
	RetryConfig        *RetryConfig // nil: fall back to application default
	FIFOMode           bool
	ConsecutiveFailures int
	FirstFailureAt     *time.Time
	LastFailureAt      *time.Time
	AutoDisabledAt     *time.Time
}

// Live reports whether the subscription is eligible to match new events.
func (s Subscription) Live() bool {
	return s.IsEnabled && s.DeletedAt == nil
}

// EffectiveRetryConfig resolves the subscription's retry config, falling
// back to the application default.
func (s Subscription) EffectiveRetryConfig(appDefault RetryConfig) RetryConfig {
	if s.RetryConfig != nil {
		return *s.RetryConfig
	}
	return appDefault
}

// Matches reports whether evt is routed to s per spec.md §4.2 step 1:
// event-type membership AND label-subset containment.
func (s Subscription) Matches(evt Event) bool {
	if !s.Live() {
		return false
	}
	found := false
	for _, n := range s.EventTypeNames {
		if n == evt.EventTypeName {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	return s.Labels.IsSubsetOf(evt.Labels)
}

// AttemptState is the RequestAttempt state machine of spec.md §4.6.
type AttemptState string

const (
	AttemptPending   AttemptState = "pending"
	AttemptInFlight  AttemptState = "in_flight"
	AttemptSucceeded AttemptState = "succeeded"
	AttemptFailedRetry AttemptState = "failed_retry" // transient, immediately rescheduled into pending
	AttemptExhausted AttemptState = "exhausted"
	AttemptCancelled AttemptState = "cancelled"
)

// Terminal reports whether the state is one the state machine cannot leave.
func (s AttemptState) Terminal() bool {
	return s == AttemptSucceeded || s == AttemptExhausted || s == AttemptCancelled
}

// FIFOSentinel is the +infinity delay_until used to block a FIFO attempt
// from being claimed until the coordinator releases it.
var FIFOSentinel = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

// RequestAttempt is the unit the pipeline schedules: one delivery of one
// event to one subscription.
type RequestAttempt struct {
	ID             uuid.UUID
	EventID        uuid.UUID
	SubscriptionID uuid.UUID
	ApplicationID  uuid.UUID

	CreatedAt  time.Time
	PickedAt   *time.Time
	WorkerName string
	WorkerVersion string

	SucceededAt *time.Time
	FailedAt    *time.Time
	DelayUntil  time.Time

	RetryCount int
	ResponseID *uuid.UUID

	State AttemptState
}

// ErrorKind classifies a delivery Response per spec.md §4.5.
type ErrorKind string

const (
	ErrTCPConnect        ErrorKind = "tcp_connect"
	ErrTLS               ErrorKind = "tls"
	ErrDNSResolution     ErrorKind = "dns_resolution"
	ErrTimeout           ErrorKind = "timeout"
	ErrInvalidResponse   ErrorKind = "invalid_response"
	ErrTooLargeResponse  ErrorKind = "too_large_response"
	ErrUnsupportedScheme ErrorKind = "unsupported_scheme"
	ErrRedirectDisallowed ErrorKind = "redirect_disallowed"
	ErrCancelled         ErrorKind = "cancelled"
)

// Response is one-to-one with a RequestAttempt: the recorded outcome of
// trying to deliver it.
type Response struct {
	ID         uuid.UUID
	ErrorKind  *ErrorKind
	HTTPCode   *int
	Headers    map[string]string
	Body       []byte // truncated to the configured cap
	ElapsedMS  int64
}

// Success reports whether the response counts as a successful delivery per
// spec.md §4.5: an Http outcome with a 2xx status. A body truncated at the
// capture cap (ErrTooLargeResponse) does not turn a 2xx into a failure.
func (r Response) Success() bool {
	if r.HTTPCode == nil || *r.HTTPCode < 200 || *r.HTTPCode >= 300 {
		return false
	}
	return r.ErrorKind == nil || *r.ErrorKind == ErrTooLargeResponse
}

// FIFOState tracks per-FIFO-subscription single-in-flight discipline.
type FIFOState struct {
	SubscriptionID             uuid.UUID
	CurrentAttemptID           *uuid.UUID
	LastCompletedEventCreatedAt time.Time
	UpdatedAt                  time.Time
}
