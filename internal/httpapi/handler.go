package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"qms/journey-service/internal/journey"
	"qms/journey-service/internal/models"
	"qms/journey-service/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Pinger is implemented by stores that hold a connection worth checking.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	journey *journey.Orchestrator
	entries store.EntryStore
	queue   store.QueueReader
	health  Pinger
	log     zerolog.Logger
}

type Options struct {
	Health Pinger
	Logger zerolog.Logger
}

type checkInRequest struct {
	StructureID        string `json:"structure_id"`
	PatientID          string `json:"patient_id"`
	Priority           int    `json:"priority"`
	ConsultationReason string `json:"consultation_reason"`
	ActorID            string `json:"actor_id"`
	Notes              string `json:"notes"`
}

type actionRequest struct {
	ActorID        string `json:"actor_id"`
	Notes          string `json:"notes"`
	AssignedTo     string `json:"assigned_to"`
	ExpectedStatus string `json:"expected_status"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type waitingView struct {
	journey.Waiting
	Urgency journey.Urgency `json:"urgency"`
}

type entryView struct {
	models.QueueEntry
	Waiting        waitingView `json:"waiting"`
	AllowedActions []string    `json:"allowed_actions"`
}

func NewHandler(orchestrator *journey.Orchestrator, entries store.EntryStore, queue store.QueueReader, options Options) *Handler {
	return &Handler{
		journey: orchestrator,
		entries: entries,
		queue:   queue,
		health:  options.Health,
		log:     options.Logger.With().Str("component", "httpapi").Logger(),
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("POST /api/queue/entries", h.handleCheckIn)
	mux.HandleFunc("GET /api/queue/entries", h.handleListActive)
	mux.HandleFunc("GET /api/queue/entries/{id}", h.handleGetEntry)
	mux.HandleFunc("GET /api/queue/entries/{id}/journey", h.handleJourney)
	mux.HandleFunc("POST /api/queue/entries/{id}/actions/{action}", h.handleAction)
	mux.HandleFunc("GET /api/queue/transitions", h.handleTransitions)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health.Ping(r.Context()); err != nil {
			h.log.Warn().Err(err).Msg("health check failed")
			writeError(w, requestID(r), http.StatusServiceUnavailable, "unavailable", "storage unavailable")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	var req checkInRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.StructureID = strings.TrimSpace(req.StructureID)
	req.PatientID = strings.TrimSpace(req.PatientID)
	req.ActorID = strings.TrimSpace(req.ActorID)

	if req.StructureID == "" || req.PatientID == "" {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "structure_id and patient_id are required")
		return
	}
	if !isValidUUID(req.StructureID) || !isValidUUID(req.PatientID) {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "structure_id and patient_id must be UUIDs")
		return
	}
	if req.ActorID != "" && !isValidUUID(req.ActorID) {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "actor_id must be a UUID when provided")
		return
	}
	if req.Priority != 0 && (req.Priority < models.PriorityCritical || req.Priority > models.PriorityDeferred) {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "priority must be between 1 and 4")
		return
	}

	entry, err := h.journey.CheckIn(r.Context(), models.QueueEntry{
		StructureID:        req.StructureID,
		PatientID:          req.PatientID,
		Priority:           req.Priority,
		ConsultationReason: strings.TrimSpace(req.ConsultationReason),
	}, req.ActorID, req.Notes)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.view(entry))
}

func (h *Handler) handleListActive(w http.ResponseWriter, r *http.Request) {
	structureID := strings.TrimSpace(r.URL.Query().Get("structure_id"))
	if structureID == "" || !isValidUUID(structureID) {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "structure_id query parameter must be a UUID")
		return
	}
	entries, err := h.queue.ListActive(r.Context(), structureID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	views := make([]entryView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, h.view(entry))
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	entry, ok := h.loadEntry(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.view(entry))
}

func (h *Handler) handleJourney(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !isValidUUID(id) {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "entry id must be a UUID")
		return
	}
	steps, err := h.queue.ListSteps(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if steps == nil {
		steps = []models.JourneyStep{}
	}
	writeJSON(w, http.StatusOK, steps)
}

func (h *Handler) handleAction(w http.ResponseWriter, r *http.Request) {
	action := r.PathValue("action")
	run, ok := actions[action]
	if !ok {
		writeError(w, requestID(r), http.StatusNotFound, "unknown_action", "unknown action "+action)
		return
	}

	var req actionRequest
	if r.ContentLength != 0 && !decodeRequest(w, r, &req) {
		return
	}
	req.ActorID = strings.TrimSpace(req.ActorID)
	req.AssignedTo = strings.TrimSpace(req.AssignedTo)
	req.ExpectedStatus = strings.TrimSpace(req.ExpectedStatus)
	if req.ActorID != "" && !isValidUUID(req.ActorID) {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "actor_id must be a UUID when provided")
		return
	}
	if req.AssignedTo != "" && !isValidUUID(req.AssignedTo) {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "assigned_to must be a UUID when provided")
		return
	}

	entry, ok := h.loadEntry(w, r)
	if !ok {
		return
	}
	if req.ExpectedStatus != "" {
		expected, err := models.ParseStatus(req.ExpectedStatus)
		if err != nil {
			writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		entry.Status = expected
	}

	updated, err := run(h.journey, r, entry, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(updated))
}

func (h *Handler) handleTransitions(w http.ResponseWriter, r *http.Request) {
	from, err := models.ParseStatus(strings.TrimSpace(r.URL.Query().Get("from")))
	if err != nil {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "from must be a queue status")
		return
	}
	targets := journey.AllowedTargets(from)
	if targets == nil {
		targets = []models.Status{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"from":    from,
		"targets": targets,
		"actions": actionsFrom(from),
	})
}

func (h *Handler) loadEntry(w http.ResponseWriter, r *http.Request) (models.QueueEntry, bool) {
	id := r.PathValue("id")
	if !isValidUUID(id) {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "entry id must be a UUID")
		return models.QueueEntry{}, false
	}
	entry, err := h.entries.GetEntry(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return models.QueueEntry{}, false
	}
	return entry, true
}

func (h *Handler) view(entry models.QueueEntry) entryView {
	waiting := h.journey.Clock().WaitingTime(entry.ArrivalTime)
	return entryView{
		QueueEntry:     entry,
		Waiting:        waitingView{Waiting: waiting, Urgency: journey.UrgencyFor(waiting.Minutes)},
		AllowedActions: actionsFrom(entry.Status),
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := mapError(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, requestID(r), status, code, msg)
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func requestID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, journey.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", err.Error()
	case errors.Is(err, journey.ErrConcurrencyConflict):
		return http.StatusConflict, "concurrency_conflict", "state changed, please refresh"
	case errors.Is(err, store.ErrEntryNotFound):
		return http.StatusNotFound, "entry_not_found", "queue entry not found"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
