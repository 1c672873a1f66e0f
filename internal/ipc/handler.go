// Package ipc provides the HTTP API for the bug-resolution scheduler.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Rogers-F/bugloop/internal/domain"
	"github.com/Rogers-F/bugloop/internal/logging"
	"github.com/Rogers-F/bugloop/internal/scheduler"
	"github.com/Rogers-F/bugloop/internal/store"
)

var requestValidate = validator.New()

// Handler holds all dependencies for the HTTP handlers. Journal may be nil,
// in which case history endpoints answer from memory only.
type Handler struct {
	Scheduler *scheduler.Scheduler
	Journal   *store.Journal
	Logger    *logging.Logger
	// StreamInterval is the poll period of the event stream. Defaults to 2s.
	StreamInterval time.Duration
}

// SubmitTicketRequest is the body for POST /api/v1/tickets.
type SubmitTicketRequest struct {
	ID          string `json:"id" validate:"omitempty,max=128"`
	Severity    int    `json:"severity" validate:"min=1,max=5"`
	Description string `json:"description" validate:"required,max=8192"`
}

// TicksRequest is the body for PUT /api/v1/tuning/ticks.
type TicksRequest struct {
	TicksPerPhase int `json:"ticks_per_phase" validate:"required"`
}

// EntropyRequest is the body for POST /api/v1/bugs/{bugID}/entropy.
type EntropyRequest struct {
	Bits float64 `json:"bits" validate:"gte=0"`
}

// APIError is a structured error response.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"cycle":  h.Scheduler.CycleCount(),
	})
}

// Status handles GET /api/v1/status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Scheduler.Snapshot())
}

// SubmitTicket handles POST /api/v1/tickets.
func (h *Handler) SubmitTicket(w http.ResponseWriter, r *http.Request) {
	var req SubmitTicketRequest
	if !decode(w, r, &req) {
		return
	}

	ticket, err := h.Scheduler.Submit(r.Context(), domain.BugTicket{
		ID:          req.ID,
		Severity:    req.Severity,
		Description: req.Description,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ticket)
}

// ListBacklog handles GET /api/v1/backlog.
func (h *Handler) ListBacklog(w http.ResponseWriter, r *http.Request) {
	backlog := h.Scheduler.Backlog()
	if backlog == nil {
		backlog = []domain.BugTicket{}
	}
	writeJSON(w, http.StatusOK, backlog)
}

// ListBugs handles GET /api/v1/bugs.
func (h *Handler) ListBugs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Scheduler.Snapshot().Live)
}

// GetBug handles GET /api/v1/bugs/{bugID}.
func (h *Handler) GetBug(w http.ResponseWriter, r *http.Request) {
	bugID := r.PathValue("bugID")
	bug, ok := h.Scheduler.LiveBug(bugID)
	if !ok {
		writeError(w, domain.Errorf(domain.ErrBugNotFound, "bug %s is not live", bugID))
		return
	}
	writeJSON(w, http.StatusOK, bug)
}

// GetOutcome handles GET /api/v1/bugs/{bugID}/outcome.
func (h *Handler) GetOutcome(w http.ResponseWriter, r *http.Request) {
	bugID := r.PathValue("bugID")
	if o, ok := h.Scheduler.Outcome(bugID); ok {
		writeJSON(w, http.StatusOK, o)
		return
	}
	if h.Journal == nil {
		writeError(w, domain.Errorf(domain.ErrBugNotFound, "bug %s has not retired", bugID))
		return
	}
	o, err := h.Journal.OutcomeFor(r.Context(), bugID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// ListOutcomes handles GET /api/v1/outcomes.
func (h *Handler) ListOutcomes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Scheduler.Outcomes())
}

// ListEvents handles GET /api/v1/bugs/{bugID}/events?since_seq=N.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	bugID := r.PathValue("bugID")
	if h.Journal == nil {
		writeJSON(w, http.StatusOK, []domain.BugEvent{})
		return
	}

	events, err := h.Journal.Events.ListByBug(r.Context(), h.Journal.DB, bugID, sinceSeq(r))
	if err != nil {
		writeError(w, domain.WrapEngineError(domain.ErrStoreQuery.Code, "list events", err))
		return
	}
	if events == nil {
		events = []domain.BugEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// ListAudit handles GET /api/v1/bugs/{bugID}/audit.
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	bugID := r.PathValue("bugID")
	if h.Journal == nil {
		writeJSON(w, http.StatusOK, []domain.AuditRecord{})
		return
	}
	recs, err := h.Journal.AuditFor(r.Context(), bugID)
	if err != nil {
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []domain.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// StreamEvents handles GET /api/v1/bugs/{bugID}/events/stream (SSE).
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	bugID := r.PathValue("bugID")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, APIError{Code: 500, Message: "streaming not supported"})
		return
	}
	if h.Journal == nil {
		writeJSON(w, http.StatusServiceUnavailable, APIError{Code: 503, Message: "journal disabled"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx := r.Context()
	lastSeq := sinceSeq(r)
	send := func() error {
		events, err := h.Journal.Events.ListByBug(ctx, h.Journal.DB, bugID, lastSeq)
		if err != nil {
			return err
		}
		for _, ev := range events {
			writeSSEEvent(w, flusher, ev)
			lastSeq = ev.SeqNo
		}
		return nil
	}

	if err := send(); err != nil {
		writeSSEError(w, flusher, err)
		return
	}

	interval := h.StreamInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := send(); err != nil {
				return
			}
		}
	}
}

// SetTicks handles PUT /api/v1/tuning/ticks.
func (h *Handler) SetTicks(w http.ResponseWriter, r *http.Request) {
	var req TicksRequest
	if !decode(w, r, &req) {
		return
	}
	applied := h.Scheduler.SetTicksPerPhase(req.TicksPerPhase)
	if h.Logger != nil {
		h.Logger.Info("ticks per phase tuned", "requested", req.TicksPerPhase, "applied", applied)
	}
	writeJSON(w, http.StatusOK, TicksRequest{TicksPerPhase: applied})
}

// RecordEntropy handles POST /api/v1/bugs/{bugID}/entropy.
func (h *Handler) RecordEntropy(w http.ResponseWriter, r *http.Request) {
	bugID := r.PathValue("bugID")
	var req EntropyRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.Scheduler.RecordEntropy(bugID, req.Bits); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decode reads and validates a JSON body, writing a 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return false
	}
	if err := requestValidate.Struct(v); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: validationMessage(err)})
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

func sinceSeq(r *http.Request) int64 {
	if s := r.URL.Query().Get("since_seq"); s != "" {
		if parsed, err := strconv.ParseInt(s, 10, 64); err == nil {
			return parsed
		}
	}
	return 0
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var engErr *domain.EngineError
	if errors.As(err, &engErr) {
		status := http.StatusInternalServerError
		switch engErr.Code {
		case domain.ErrBugNotFound.Code:
			status = http.StatusNotFound
		case domain.ErrDuplicateBug.Code:
			status = http.StatusConflict
		case domain.ErrTicketInvalid.Code:
			status = http.StatusBadRequest
		case domain.ErrInvalidPhase.Code:
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, APIError{Code: engErr.Code, Message: engErr.Error()})
		return
	}
	writeJSON(w, http.StatusInternalServerError, APIError{Code: -1, Message: err.Error()})
}

func writeSSEEvent(w http.ResponseWriter, f http.Flusher, ev domain.BugEvent) {
	data, _ := json.Marshal(ev)
	fmt.Fprintf(w, "data: %s\n\n", data)
	f.Flush()
}

func writeSSEError(w http.ResponseWriter, f http.Flusher, err error) {
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", err.Error())
	f.Flush()
}
