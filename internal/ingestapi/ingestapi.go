// Package ingestapi wires the Ingestion Gate (internal/ingest) to an HTTP
// surface: the publish() entry point spec.md §2's control-flow diagram names
// as the system's front door ("Publish -> Ingestion Gate -> Dispatcher ->
// ..."). Routed with gorilla/mux in the same idiom as internal/replayapi.
package ingestapi

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/hook0/dispatch-engine/internal/apperr"
	"github.com/hook0/dispatch-engine/internal/ingest"
	"github.com/hook0/dispatch-engine/internal/model"
)

// Service exposes the Ingestion Gate's Publish operation over HTTP.
type Service struct {
	gate *ingest.Gate
	log  *zap.Logger
}

func New(gate *ingest.Gate, log *zap.Logger) *Service {
	return &Service{gate: gate, log: log}
}

func (s *Service) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/publish", s.handlePublish).Methods(http.MethodPost)
}

type publishRequest struct {
	EventID       uuid.UUID         `json:"event_id"`
	EventTypeName string            `json:"event_type_name"`
	Payload       json.RawMessage   `json:"payload"`
	ContentType   string            `json:"content_type"`
	OccurredAt    time.Time         `json:"occurred_at"`
	Labels        map[string]string `json:"labels"`
}

type publishResponse struct {
	Event    model.Event            `json:"event"`
	Attempts []model.RequestAttempt `json:"attempts"`
}

func (s *Service) handlePublish(w http.ResponseWriter, r *http.Request) {
	credential := bearerCredential(r.Header.Get("Authorization"))
	if credential == "" {
		writeProblem(w, apperr.ProblemDetails{Title: "missing bearer credential", Status: http.StatusUnauthorized})
		return
	}

	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, apperr.ProblemDetails{Title: "invalid JSON body", Detail: err.Error(), Status: http.StatusBadRequest})
		return
	}

	payload, contentType, err := decodePayload(req.Payload, model.ContentType(req.ContentType))
	if err != nil {
		writeProblem(w, apperr.ProblemDetails{Title: "invalid payload", Detail: err.Error(), Status: http.StatusUnprocessableEntity})
		return
	}

	result, err := s.gate.Publish(r.Context(), ingest.PublishRequest{
		Credential:    credential,
		EventID:       req.EventID,
		EventTypeName: req.EventTypeName,
		Payload:       payload,
		ContentType:   contentType,
		OccurredAt:    req.OccurredAt,
		Labels:        model.Labels(req.Labels),
	})
	if err != nil {
		s.log.Warn("publish failed", zap.String("event_id", req.EventID.String()), zap.Error(err))
		writeProblem(w, apperr.ToProblemDetails(req.EventID.String(), err))
		return
	}

	writeJSON(w, http.StatusAccepted, publishResponse{Event: result.Event, Attempts: result.Attempts})
}

// decodePayload turns the request's payload field into the bytes handed to
// ingest.Publish: a binary payload must be a JSON string holding valid
// base64 and is passed on as that base64 text (ingest.Publish's own
// content-type validation in internal/ingest/ingest.go checks it again); a
// text payload is unwrapped from its JSON string; any other content type
// passes the raw JSON bytes through unchanged, tagged as JSON.
func decodePayload(raw json.RawMessage, contentType model.ContentType) ([]byte, model.ContentType, error) {
	switch contentType {
	case model.ContentTypeBinary:
		var encoded string
		if err := json.Unmarshal(raw, &encoded); err != nil {
			return nil, contentType, err
		}
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, contentType, err
		}
		return []byte(base64.StdEncoding.EncodeToString(decoded)), contentType, nil
	case model.ContentTypeText:
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, contentType, err
		}
		return []byte(text), contentType, nil
	default:
		return []byte(raw), model.ContentTypeJSON, nil
	}
}

func bearerCredential(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimPrefix(header, prefix)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeProblem(w http.ResponseWriter, pd apperr.ProblemDetails) {
	if pd.Status == 0 {
		pd.Status = http.StatusInternalServerError
	}
	writeJSON(w, pd.Status, pd)
}
