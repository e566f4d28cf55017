/*
handlers_test.go - HTTP tests for the ledger API

Drives the router end to end over the in-memory store: admin checks, error
mapping with envelope figures, and the approve -> deliver -> spend -> refetch
-> confirm flow.
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civictrack/budget-ledger/ledger"
	"github.com/civictrack/budget-ledger/ledger/store"
)

type testServer struct {
	t       *testing.T
	router  *chi.Mux
	handler *Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	svc := ledger.NewService(store.NewMemory(), nil, zerolog.Nop())
	h := NewHandler(svc, zerolog.Nop())
	return &testServer{
		t:       t,
		router:  NewRouter(h, RouterOptions{AllowedOrigins: []string{"*"}, Log: zerolog.Nop()}),
		handler: h,
	}
}

// do sends body as JSON. role "" sends no role header.
func (ts *testServer) do(method, path, actor, role string, body any) *httptest.ResponseRecorder {
	ts.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(ts.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set(headerActorID, actor)
	}
	if role != "" {
		req.Header.Set(headerActorRole, role)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) admin(method, path string, body any) *httptest.ResponseRecorder {
	return ts.do(method, path, "admin-1", roleAdmin, body)
}

func (ts *testServer) engineer(method, path string, body any) *httptest.ResponseRecorder {
	return ts.do(method, path, "eng-1", "engineer", body)
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// activeEnvelope creates and activates a 100000 envelope.
func (ts *testServer) activeEnvelope() EnvelopeDTO {
	ts.t.Helper()
	rec := ts.admin(http.MethodPost, "/api/budgets", CreateEnvelopeRequest{
		FiscalYear:        "2026-27",
		OperationalBudget: ledger.NewMoneyFromInt(100000),
		Categories:        []CategoryAllocationRequest{{Category: "roads", Allocated: ledger.NewMoneyFromInt(100000)}},
	})
	require.Equal(ts.t, http.StatusCreated, rec.Code, rec.Body.String())
	env := decodeBody[EnvelopeDTO](ts.t, rec)

	rec = ts.admin(http.MethodPost, "/api/budgets/"+env.ID+"/activate", nil)
	require.Equal(ts.t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeBody[EnvelopeDTO](ts.t, rec)
}

func (ts *testServer) assignedGrievance(id string) {
	ts.t.Helper()
	rec := ts.engineer(http.MethodPost, "/api/grievances", CreateGrievanceRequest{ID: id, Title: "Pothole", Category: "roads"})
	require.Equal(ts.t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = ts.admin(http.MethodPost, "/api/grievances/"+id+"/assign", AssignRequest{Engineer: "eng-1"})
	require.Equal(ts.t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodGet, "/api/health", "", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminRoutes_RequireAdminRole(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.engineer(http.MethodPost, "/api/budgets", CreateEnvelopeRequest{FiscalYear: "2026-27"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(http.MethodPost, "/api/budgets", "", roleAdmin, CreateEnvelopeRequest{FiscalYear: "2026-27"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(http.MethodPost, "/api/grievances", "", "", CreateGrievanceRequest{Title: "x", Category: "roads"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminRoutes_AnonymousIsUnauthenticated(t *testing.T) {
	// GIVEN: a caller with no actor headers at all
	ts := newTestServer(t)

	// WHEN
	rec := ts.do(http.MethodPost, "/api/grievances/confirm-all", "", "", nil)

	// THEN: 401, not 403
	require.Equal(t, http.StatusUnauthorized, rec.Code, rec.Body.String())
	resp := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, "unauthenticated", resp.Code)
}

func TestActiveEnvelope_IncludesAvailable(t *testing.T) {
	ts := newTestServer(t)
	ts.activeEnvelope()

	rec := ts.do(http.MethodGet, "/api/budgets/active", "", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 100000.0, body["available"])
	assert.Equal(t, "active", body["status"])
}

func TestActiveEnvelope_NoneIs422(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodGet, "/api/budgets/active", "", "", nil)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "no_active_budget", decodeBody[ErrorResponse](t, rec).Code)
}

func TestSecondActivation_Conflict(t *testing.T) {
	ts := newTestServer(t)
	ts.activeEnvelope()

	rec := ts.admin(http.MethodPost, "/api/budgets", CreateEnvelopeRequest{FiscalYear: "2027-28", OperationalBudget: ledger.NewMoneyFromInt(5)})
	require.Equal(t, http.StatusCreated, rec.Code)
	second := decodeBody[EnvelopeDTO](t, rec)

	rec = ts.admin(http.MethodPost, "/api/budgets/"+second.ID+"/activate", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "active_budget_exists", decodeBody[ErrorResponse](t, rec).Code)
}

func TestApprove_InsufficientBudgetCarriesFigures(t *testing.T) {
	// GIVEN: an active 100000 envelope and a 150000 request
	ts := newTestServer(t)
	ts.activeEnvelope()
	ts.assignedGrievance("g-1")

	rec := ts.engineer(http.MethodPost, "/api/resource-requests", SubmitResourceRequest{
		GrievanceID: "g-1",
		Materials:   []LineItemRequest{{Name: "steel", Quantity: 1, EstimatedCost: ledger.NewMoneyFromInt(150000)}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	req := decodeBody[ledger.ResourceRequest](t, rec)

	// WHEN
	rec = ts.admin(http.MethodPost, "/api/resource-requests/"+req.ID+"/approve", ledger.ApprovalInput{})

	// THEN: 422 with the shortfall and the envelope figures
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, "insufficient_budget", resp.Code)
	require.NotNil(t, resp.Budget)
	assert.Equal(t, "100000.00", resp.Budget.Available.String())
	assert.Equal(t, "0.00", resp.Budget.Reserved.String())

	details, ok := resp.Details.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 150000.0, details["requested"])
	assert.Equal(t, 300000.0, details["required"])
	assert.Equal(t, 200000.0, details["shortfall"])
}

func TestNotFound(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodGet, "/api/grievances/missing", "", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.admin(http.MethodPost, "/api/resource-requests/missing/deliver", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInvalidBody(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/grievances", bytes.NewBufferString("{not json"))
	req.Header.Set(headerActorID, "eng-1")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFullFlow_ApproveDeliverSpendRefetchConfirm(t *testing.T) {
	// GIVEN: the 100000 envelope, a 20000 request on g-1
	ts := newTestServer(t)
	ts.activeEnvelope()
	ts.assignedGrievance("g-1")

	rec := ts.engineer(http.MethodPost, "/api/resource-requests", SubmitResourceRequest{
		GrievanceID: "g-1",
		Materials:   []LineItemRequest{{Name: "asphalt", Quantity: 10, Unit: "bags", EstimatedCost: ledger.NewMoneyFromInt(20000)}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	req := decodeBody[ledger.ResourceRequest](t, rec)

	// WHEN: approve, dispatch, deliver
	rec = ts.admin(http.MethodPost, "/api/resource-requests/"+req.ID+"/approve", ledger.ApprovalInput{})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = ts.admin(http.MethodPost, "/api/resource-requests/"+req.ID+"/dispatch", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = ts.admin(http.MethodPost, "/api/resource-requests/"+req.ID+"/deliver", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// AND: the engineer completes with 15000 spent
	rec = ts.engineer(http.MethodPost, "/api/grievances/g-1/complete", SpendRequest{
		Expenses: []ExpenseRequest{{Item: "asphalt", Cost: ledger.NewMoneyFromInt(15000)}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	g := decodeBody[ledger.Grievance](t, rec)
	assert.Equal(t, ledger.TaskResolved, g.Status)
	assert.Equal(t, "5000.00", g.Budget.RemainingBudget.String())

	// THEN: refetching 6000 is refused, 5000 succeeds, a second refetch is refused
	six := ledger.NewMoneyFromInt(6000)
	rec = ts.admin(http.MethodPost, "/api/resource-requests/"+req.ID+"/refetch", RefetchRequest{Amount: &six})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, "exceeds_available", resp.Code)
	require.NotNil(t, resp.Budget)
	assert.Equal(t, "20000.00", resp.Budget.Spent.String())

	rec = ts.admin(http.MethodPost, "/api/resource-requests/"+req.ID+"/refetch", RefetchRequest{Message: "unused"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	refetched := decodeBody[ledger.ResourceRequest](t, rec)
	assert.Equal(t, "5000.00", refetched.RefetchedAmount.String())

	rec = ts.admin(http.MethodPost, "/api/resource-requests/"+req.ID+"/refetch", RefetchRequest{})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "nothing_to_refetch", decodeBody[ErrorResponse](t, rec).Code)

	// AND: confirmation closes the task
	rec = ts.admin(http.MethodPost, "/api/grievances/g-1/confirm", ConfirmRequest{AdminNotes: "done"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[ledger.ConfirmResult](t, rec)
	assert.Equal(t, ledger.TaskClosed, res.Grievance.Status)
	assert.Equal(t, "15000.00", res.BudgetSpent.String())

	// AND: confirming again is a conflict
	rec = ts.admin(http.MethodPost, "/api/grievances/g-1/confirm", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// AND: the audit trail records the refetch
	rec = ts.do(http.MethodGet, "/api/audit?action=budget_refetched", "", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decodeBody[[]ledger.AuditEntry](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, req.ID, entries[0].TargetID)
	assert.Equal(t, "5000.00", entries[0].Amount.String())
}

func TestCompleteTask_OverspendRejected(t *testing.T) {
	ts := newTestServer(t)
	ts.activeEnvelope()
	ts.engineer(http.MethodPost, "/api/grievances", CreateGrievanceRequest{ID: "g-1", Title: "Drain", Category: "roads"})
	rec := ts.admin(http.MethodPost, "/api/grievances/g-1/assign", AssignRequest{Engineer: "eng-1", Amount: ledger.NewMoneyFromInt(1000)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.engineer(http.MethodPost, "/api/grievances/g-1/complete", SpendRequest{
		Expenses: []ExpenseRequest{{Item: "pipe", Cost: ledger.NewMoneyFromInt(1200)}},
	})

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "budget_exceeded", decodeBody[ErrorResponse](t, rec).Code)
}

func TestConfirmAll(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.admin(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "bulk-close"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.admin(http.MethodPost, "/api/grievances/confirm-all", ConfirmAllRequest{AdminNotes: "year end"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	res := decodeBody[ledger.BulkConfirmResult](t, rec)
	assert.Equal(t, 3, res.Confirmed)
	assert.Empty(t, res.Errors)
	assert.Equal(t, "1300.00", res.TotalBudgetReturned.String())
	assert.Equal(t, "8700.00", res.TotalBudgetSpent.String())
}

func TestConfirmAll_EmptyChunkedBody(t *testing.T) {
	// GIVEN: three resolved tasks
	ts := newTestServer(t)
	rec := ts.admin(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "bulk-close"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// WHEN: the body is empty and its length unknown
	req := httptest.NewRequest(http.MethodPost, "/api/grievances/confirm-all", strings.NewReader(""))
	req.ContentLength = -1
	req.Header.Set(headerActorID, "admin-1")
	req.Header.Set(headerActorRole, roleAdmin)
	rec = httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)

	// THEN: treated as no body
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[ledger.BulkConfirmResult](t, rec)
	assert.Equal(t, 3, res.Confirmed)
}

func TestListGrievances_Filter(t *testing.T) {
	ts := newTestServer(t)
	ts.activeEnvelope()
	ts.assignedGrievance("g-1")
	ts.engineer(http.MethodPost, "/api/grievances", CreateGrievanceRequest{ID: "g-2", Title: "Leak", Category: "water"})

	rec := ts.do(http.MethodGet, "/api/grievances?status=assigned", "", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tasks := decodeBody[[]ledger.Grievance](t, rec)
	require.Len(t, tasks, 1)
	assert.Equal(t, "g-1", tasks[0].ID)

	rec = ts.do(http.MethodGet, "/api/grievances?status=bogus", "", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDriftEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.activeEnvelope()

	rec := ts.do(http.MethodGet, "/api/budgets/active/drift", "", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decodeBody[ledger.DriftReport](t, rec)
	assert.Empty(t, report.Findings)
	assert.Equal(t, "100000.00", report.Available.String())
}

func TestDriftScanner_RunNow(t *testing.T) {
	ts := newTestServer(t)
	scanner := NewDriftScanner(ts.handler.Service, 0, zerolog.Nop())

	// no active envelope: nothing to report
	assert.Nil(t, scanner.RunNow(context.Background()))

	ts.activeEnvelope()
	report := scanner.RunNow(context.Background())
	require.NotNil(t, report)
	assert.True(t, report.Clean())
	assert.Same(t, report, scanner.Last())

	// disabled scanner: Start and Stop are no-ops
	scanner.Start()
	scanner.Stop()
}
