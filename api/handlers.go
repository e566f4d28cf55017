/*
handlers.go - HTTP API handlers for the budget ledger

PURPOSE:
  Exposes the ledger Service via REST. Handles HTTP request/response, JSON
  serialization, and delegates every money movement to ledger.Service.

REQUEST FLOW:
  1. Parse HTTP request
  2. Take the actor from X-Actor-ID
  3. Call the ledger service (one transaction per call)
  4. Serialize response
  5. Map errors

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: invalid input or amount
  - 404: grievance, request or budget not found
  - 409: state machine or concurrency conflict
  - 422: budget rule violation (insufficient, exceeded, nothing to refetch)
  - 500: internal errors
  Rejected mutations carry the active envelope's figures in "budget".

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/civictrack/budget-ledger/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *ledger.Service
	Log     zerolog.Logger

	mu              sync.Mutex
	currentScenario string
}

func NewHandler(svc *ledger.Service, log zerolog.Logger) *Handler {
	return &Handler{Service: svc, Log: log.With().Str("component", "api").Logger()}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// BUDGET HANDLERS
// =============================================================================

func (h *Handler) ListEnvelopes(w http.ResponseWriter, r *http.Request) {
	envs, err := h.Service.ListEnvelopes(r.Context())
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	dtos := make([]EnvelopeDTO, len(envs))
	for i := range envs {
		dtos[i] = toEnvelopeDTO(&envs[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetActiveEnvelope(w http.ResponseWriter, r *http.Request) {
	env, err := h.Service.ActiveEnvelope(r.Context())
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEnvelopeDTO(env))
}

func (h *Handler) GetEnvelope(w http.ResponseWriter, r *http.Request) {
	env, err := h.Service.GetEnvelope(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEnvelopeDTO(env))
}

func (h *Handler) GetDrift(w http.ResponseWriter, r *http.Request) {
	report, err := h.Service.CheckDrift(r.Context())
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) CreateEnvelope(w http.ResponseWriter, r *http.Request) {
	var req CreateEnvelopeRequest
	if !decode(w, r, &req) {
		return
	}
	cats := make([]ledger.CategoryAllocation, len(req.Categories))
	for i, c := range req.Categories {
		cats[i] = ledger.CategoryAllocation{Category: c.Category, Allocated: c.Allocated}
	}
	env, err := h.Service.CreateEnvelope(r.Context(), ledger.NewEnvelope{
		FiscalYear:     req.FiscalYear,
		TotalAllocated: req.TotalAllocated,
		Operational:    req.OperationalBudget,
		Categories:     cats,
		CreatedBy:      actorID(r),
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEnvelopeDTO(env))
}

func (h *Handler) ActivateEnvelope(w http.ResponseWriter, r *http.Request) {
	h.transitionEnvelope(w, r, h.Service.ActivateEnvelope)
}

func (h *Handler) CloseEnvelope(w http.ResponseWriter, r *http.Request) {
	h.transitionEnvelope(w, r, h.Service.CloseEnvelope)
}

func (h *Handler) ArchiveEnvelope(w http.ResponseWriter, r *http.Request) {
	h.transitionEnvelope(w, r, h.Service.ArchiveEnvelope)
}

func (h *Handler) transitionEnvelope(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, id, actor string) (*ledger.SystemBudget, error)) {
	env, err := fn(r.Context(), chi.URLParam(r, "id"), actorID(r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEnvelopeDTO(env))
}

// =============================================================================
// GRIEVANCE HANDLERS
// =============================================================================

func (h *Handler) ListGrievances(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ledger.GrievanceFilter{
		Status:     ledger.TaskStatus(q.Get("status")),
		AssignedTo: q.Get("assignedTo"),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid status filter", fmt.Errorf("unknown status %q", filter.Status))
		return
	}
	tasks, err := h.Service.ListGrievances(r.Context(), filter)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handler) GetGrievance(w http.ResponseWriter, r *http.Request) {
	g, err := h.Service.GetGrievance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *Handler) CreateGrievance(w http.ResponseWriter, r *http.Request) {
	var req CreateGrievanceRequest
	if !decode(w, r, &req) {
		return
	}
	g, err := h.Service.CreateGrievance(r.Context(), ledger.NewGrievance{
		ID:       req.ID,
		Title:    req.Title,
		Category: req.Category,
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (h *Handler) AssignGrievance(w http.ResponseWriter, r *http.Request) {
	var req AssignRequest
	if !decode(w, r, &req) {
		return
	}
	g, err := h.Service.AssignGrievance(r.Context(), ledger.AssignInput{
		GrievanceID: chi.URLParam(r, "id"),
		Engineer:    req.Engineer,
		Amount:      req.Amount,
		Admin:       actorID(r),
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *Handler) StartWork(w http.ResponseWriter, r *http.Request) {
	g, err := h.Service.StartWork(r.Context(), chi.URLParam(r, "id"), actorID(r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *Handler) RecordSpend(w http.ResponseWriter, r *http.Request) {
	var req SpendRequest
	if !decode(w, r, &req) {
		return
	}
	g, err := h.Service.RecordActualSpend(r.Context(), req.toReport(chi.URLParam(r, "id"), actorID(r)))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *Handler) CompleteTask(w http.ResponseWriter, r *http.Request) {
	var req SpendRequest
	if !decode(w, r, &req) {
		return
	}
	g, err := h.Service.CompleteTask(r.Context(), req.toReport(chi.URLParam(r, "id"), actorID(r)))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *Handler) ConfirmGrievance(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Service.Confirm(r.Context(), ledger.ConfirmInput{
		GrievanceID: chi.URLParam(r, "id"),
		FinalStatus: req.FinalStatus,
		AdminNotes:  req.AdminNotes,
		Admin:       actorID(r),
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) ConfirmAll(w http.ResponseWriter, r *http.Request) {
	var req ConfirmAllRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Service.ConfirmAll(r.Context(), req.AdminNotes, actorID(r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// =============================================================================
// RESOURCE REQUEST HANDLERS
// =============================================================================

func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ledger.RequestFilter{GrievanceID: q.Get("grievanceId")}
	for _, s := range q["status"] {
		filter.Statuses = append(filter.Statuses, ledger.RequestStatus(s))
	}
	reqs, err := h.Service.ListRequests(r.Context(), filter)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.Service.GetRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *Handler) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	var body SubmitResourceRequest
	if !decode(w, r, &body) {
		return
	}
	req, err := h.Service.SubmitResourceRequest(r.Context(), body.toInput(actorID(r)))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (h *Handler) ApproveRequest(w http.ResponseWriter, r *http.Request) {
	var in ledger.ApprovalInput
	if !decode(w, r, &in) {
		return
	}
	req, err := h.Service.Approve(r.Context(), chi.URLParam(r, "id"), in, actorID(r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *Handler) RejectRequest(w http.ResponseWriter, r *http.Request) {
	var body RejectRequest
	if !decode(w, r, &body) {
		return
	}
	req, err := h.Service.Reject(r.Context(), chi.URLParam(r, "id"), body.Reason, actorID(r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *Handler) DispatchRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.Service.MarkInTransit(r.Context(), chi.URLParam(r, "id"), actorID(r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *Handler) DeliverRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.Service.Deliver(r.Context(), chi.URLParam(r, "id"), actorID(r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *Handler) RefetchRequest(w http.ResponseWriter, r *http.Request) {
	var body RefetchRequest
	if !decode(w, r, &body) {
		return
	}
	req, err := h.Service.Refetch(r.Context(), ledger.RefetchInput{
		RequestID: chi.URLParam(r, "id"),
		Amount:    body.Amount,
		Message:   body.Message,
		Admin:     actorID(r),
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// =============================================================================
// AUDIT
// =============================================================================

func (h *Handler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ledger.AuditFilter{
		TargetModel: q.Get("targetModel"),
		TargetID:    q.Get("targetId"),
		Action:      ledger.AuditAction(q.Get("action")),
		PerformedBy: q.Get("performedBy"),
		Limit:       100,
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit", err)
			return
		}
		filter.Limit = n
	}
	entries, err := h.Service.AuditTrail(r.Context(), filter)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// decode reads a JSON body. An empty body, chunked or not, leaves v at its
// zero value.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return true
		}
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	return true
}

// statusFor maps ledger errors onto HTTP status codes and stable codes.
func statusFor(err error) (int, string) {
	switch {
	case ledger.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ledger.ErrNoActiveBudget):
		return http.StatusUnprocessableEntity, "no_active_budget"
	case errors.Is(err, ledger.ErrInsufficientBudget):
		return http.StatusUnprocessableEntity, "insufficient_budget"
	case errors.Is(err, ledger.ErrBudgetExceeded):
		return http.StatusUnprocessableEntity, "budget_exceeded"
	case errors.Is(err, ledger.ErrNothingToRefetch):
		return http.StatusUnprocessableEntity, "nothing_to_refetch"
	case errors.Is(err, ledger.ErrExceedsAvailable):
		return http.StatusUnprocessableEntity, "exceeds_available"
	case errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, ledger.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, ledger.ErrActiveBudgetExists):
		return http.StatusConflict, "active_budget_exists"
	case errors.Is(err, ledger.ErrConcurrentModification):
		return http.StatusConflict, "concurrent_modification"
	case errors.Is(err, ledger.ErrAlreadyProcessed):
		return http.StatusConflict, "already_processed"
	}
	return http.StatusInternalServerError, "internal"
}

// writeLedgerError writes err. Rejected mutations carry the active envelope's
// current figures so the caller can see why a money movement was refused.
func (h *Handler) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	resp := ErrorResponse{Error: err.Error(), Code: code}

	var fc ledger.FigureCarrier
	if errors.As(err, &fc) {
		resp.Details = fc.Figures()
	}
	if status == http.StatusInternalServerError {
		h.Log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		resp.Error = "internal error"
		resp.Details = nil
	} else if r.Method != http.MethodGet {
		if env, envErr := h.Service.ActiveEnvelope(r.Context()); envErr == nil {
			resp.Budget = toBudgetFigures(env)
		}
	}
	writeJSON(w, status, resp)
}
