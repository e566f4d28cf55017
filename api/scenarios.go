/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Seeds an empty ledger with realistic data through the Service, so every
  record, counter and audit entry is produced by the real engines.

AVAILABLE SCENARIOS:
  fresh-year:           Active FY envelope with category split, two open grievances
  refetch-walkthrough:  A 20000 approval delivered, 15000 spent, ready to refetch 5000
  bulk-close:           Three directly funded tasks resolved and waiting for confirm-all

USAGE VIA API:
  POST /api/scenarios/load
  {"scenarioId": "refetch-walkthrough"}

NOTE:
  Scenarios activate a new envelope, so they fail with 409 when one is
  already active. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/civictrack/budget-ledger/ledger"
)

const (
	scenarioAdmin    = "admin-demo"
	scenarioEngineer = "eng-demo"
)

var scenarios = []ScenarioDTO{
	{
		ID:          "fresh-year",
		Name:        "Fresh Fiscal Year",
		Description: "Active 100000 envelope split across roads and water, two open grievances",
	},
	{
		ID:          "refetch-walkthrough",
		Name:        "Refetch Walkthrough",
		Description: "20000 approved and delivered, engineer spent 15000; 5000 can be refetched",
	},
	{
		ID:          "bulk-close",
		Name:        "Bulk Close",
		Description: "Three directly funded tasks resolved under budget, ready for confirm-all",
	},
}

func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the last loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.loadScenario(r.Context(), req.ScenarioID); err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

func (h *Handler) loadScenario(ctx context.Context, id string) error {
	switch id {
	case "fresh-year":
		_, err := h.loadFreshYear(ctx)
		return err
	case "refetch-walkthrough":
		return h.loadRefetchWalkthrough(ctx)
	case "bulk-close":
		return h.loadBulkClose(ctx)
	}
	return fmt.Errorf("%w: unknown scenario %q", ledger.ErrInvalidInput, id)
}

// loadFreshYear activates the demo envelope and files two grievances.
func (h *Handler) loadFreshYear(ctx context.Context) (*ledger.SystemBudget, error) {
	svc := h.Service
	env, err := svc.CreateEnvelope(ctx, ledger.NewEnvelope{
		FiscalYear:  "2026-27",
		Operational: ledger.NewMoneyFromInt(100000),
		Categories: []ledger.CategoryAllocation{
			{Category: "roads", Allocated: ledger.NewMoneyFromInt(60000)},
			{Category: "water", Allocated: ledger.NewMoneyFromInt(40000)},
		},
		CreatedBy: scenarioAdmin,
	})
	if err != nil {
		return nil, err
	}
	if env, err = svc.ActivateEnvelope(ctx, env.ID, scenarioAdmin); err != nil {
		return nil, err
	}
	for _, g := range []ledger.NewGrievance{
		{Title: "Pothole on Station Road", Category: "roads"},
		{Title: "Leaking main at Ward 4", Category: "water"},
	} {
		if _, err := svc.CreateGrievance(ctx, g); err != nil {
			return nil, err
		}
	}
	return env, nil
}

func (h *Handler) loadRefetchWalkthrough(ctx context.Context) error {
	svc := h.Service
	if _, err := h.loadFreshYear(ctx); err != nil {
		return err
	}
	g, err := svc.CreateGrievance(ctx, ledger.NewGrievance{Title: "Resurface market lane", Category: "roads"})
	if err != nil {
		return err
	}
	if _, err := svc.AssignGrievance(ctx, ledger.AssignInput{GrievanceID: g.ID, Engineer: scenarioEngineer, Admin: scenarioAdmin}); err != nil {
		return err
	}
	req, err := svc.SubmitResourceRequest(ctx, ledger.NewResourceRequest{
		GrievanceID: g.ID,
		RequestedBy: scenarioEngineer,
		Materials: []ledger.LineItem{
			{Name: "asphalt", Quantity: 40, Unit: "bags", EstimatedCost: ledger.NewMoneyFromInt(12000)},
		},
		Manpower: &ledger.Manpower{Workers: 4, Days: 5, EstimatedCost: ledger.NewMoneyFromInt(8000)},
	})
	if err != nil {
		return err
	}
	if _, err := svc.Approve(ctx, req.ID, ledger.ApprovalInput{Notes: "approved in full"}, scenarioAdmin); err != nil {
		return err
	}
	if _, err := svc.Deliver(ctx, req.ID, scenarioAdmin); err != nil {
		return err
	}
	_, err = svc.RecordActualSpend(ctx, ledger.SpendReport{
		GrievanceID: g.ID,
		ReportedBy:  scenarioEngineer,
		Expenses: []ledger.Expense{
			{Item: "asphalt", Cost: ledger.NewMoneyFromInt(9000)},
			{Item: "labour", Cost: ledger.NewMoneyFromInt(6000)},
		},
	})
	return err
}

func (h *Handler) loadBulkClose(ctx context.Context) error {
	svc := h.Service
	if _, err := h.loadFreshYear(ctx); err != nil {
		return err
	}
	tasks := []struct {
		title, category string
		allocated       int64
		spent           int64
	}{
		{"Replace streetlight pole", "roads", 5000, 4200},
		{"Clear storm drain", "water", 3000, 3000},
		{"Patch footpath", "roads", 2000, 1500},
	}
	for _, t := range tasks {
		g, err := svc.CreateGrievance(ctx, ledger.NewGrievance{Title: t.title, Category: t.category})
		if err != nil {
			return err
		}
		if _, err := svc.AssignGrievance(ctx, ledger.AssignInput{
			GrievanceID: g.ID,
			Engineer:    scenarioEngineer,
			Amount:      ledger.NewMoneyFromInt(t.allocated),
			Admin:       scenarioAdmin,
		}); err != nil {
			return err
		}
		if _, err := svc.CompleteTask(ctx, ledger.SpendReport{
			GrievanceID: g.ID,
			ReportedBy:  scenarioEngineer,
			Expenses:    []ledger.Expense{{Item: "work order", Cost: ledger.NewMoneyFromInt(t.spent)}},
		}); err != nil {
			return err
		}
	}
	return nil
}
