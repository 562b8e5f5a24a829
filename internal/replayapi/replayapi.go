// Package replayapi exposes the one HTTP operation spec.md §6.2 names as
// part of this core's contract surface: replay(event_id, optional
// subscription_id_list). It is not a REST management layer — create/list/
// update endpoints for applications and subscriptions are out of scope —
// just the single handler this core owns, routed with gorilla/mux in the
// same idiom as the event-hooks manager routed its webhook endpoints.
package replayapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/hook0/dispatch-engine/internal/dispatcher"
	"github.com/hook0/dispatch-engine/internal/model"
)

// Service serves the replay surface.
type Service struct {
	dispatcher *dispatcher.Dispatcher
	log        *zap.Logger
}

func New(d *dispatcher.Dispatcher, log *zap.Logger) *Service {
	return &Service{dispatcher: d, log: log}
}

// RegisterRoutes mounts the replay endpoint on router.
func (s *Service) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/replay", s.handleReplay).Methods(http.MethodPost)
}

type replayRequest struct {
	ApplicationID   uuid.UUID   `json:"application_id"`
	EventID         uuid.UUID   `json:"event_id"`
	SubscriptionIDs []uuid.UUID `json:"subscription_ids,omitempty"`
}

type replayResponse struct {
	Attempts []model.RequestAttempt `json:"attempts"`
}

func (s *Service) handleReplay(w http.ResponseWriter, r *http.Request) {
	var req replayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", err)
		return
	}
	if req.EventID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "event_id is required", nil)
		return
	}
	if req.ApplicationID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "application_id is required", nil)
		return
	}

	attempts, err := s.dispatcher.Replay(r.Context(), req.ApplicationID, req.EventID, req.SubscriptionIDs)
	if err != nil {
		s.log.Warn("replay failed", zap.String("event_id", req.EventID.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "replay failed", err)
		return
	}

	writeJSON(w, http.StatusOK, replayResponse{Attempts: attempts})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	body := map[string]interface{}{
		"error":     message,
		"status":    status,
		"timestamp": time.Now().UTC(),
	}
	if err != nil {
		body["details"] = err.Error()
	}
	writeJSON(w, status, body)
}
