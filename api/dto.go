/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON shapes for the HTTP surface. Responses embed the ledger records (their
  JSON tags are the wire contract) and add derived fields such as the
  envelope's available balance, which is never stored.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts are ledger.Money: bare JSON numbers with two decimals on the way
  out; numbers or quoted decimals on the way in.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/civictrack/budget-ledger/ledger"
)

// =============================================================================
// ENVELOPE
// =============================================================================

// EnvelopeDTO is a SystemBudget plus its derived available balance.
type EnvelopeDTO struct {
	ledger.SystemBudget
	Available ledger.Money `json:"available"`
}

func toEnvelopeDTO(b *ledger.SystemBudget) EnvelopeDTO {
	return EnvelopeDTO{SystemBudget: *b, Available: b.Available()}
}

type CategoryAllocationRequest struct {
	Category  string       `json:"category"`
	Allocated ledger.Money `json:"allocated"`
}

type CreateEnvelopeRequest struct {
	FiscalYear        string                      `json:"fiscalYear"`
	TotalAllocated    ledger.Money                `json:"totalAllocated"`
	OperationalBudget ledger.Money                `json:"operationalBudget"`
	Categories        []CategoryAllocationRequest `json:"categories"`
}

// BudgetFigures is the envelope state attached to every rejected mutation.
type BudgetFigures struct {
	EnvelopeID string       `json:"envelopeId"`
	Allocated  ledger.Money `json:"allocated"`
	Spent      ledger.Money `json:"spent"`
	Pending    ledger.Money `json:"pending"`
	Reserved   ledger.Money `json:"reserved"`
	Available  ledger.Money `json:"available"`
}

func toBudgetFigures(b *ledger.SystemBudget) *BudgetFigures {
	op := b.Operational
	return &BudgetFigures{
		EnvelopeID: b.ID,
		Allocated:  op.Allocated,
		Spent:      op.Spent,
		Pending:    op.Pending,
		Reserved:   op.Reserved,
		Available:  op.Available(),
	}
}

// =============================================================================
// GRIEVANCES
// =============================================================================

type CreateGrievanceRequest struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Category string `json:"category"`
}

type AssignRequest struct {
	Engineer string       `json:"engineer"`
	Amount   ledger.Money `json:"amount"`
}

type ExpenseRequest struct {
	Item string       `json:"item"`
	Cost ledger.Money `json:"cost"`
	Date *time.Time   `json:"date,omitempty"`
}

// SpendRequest is the engineer's report, used for both interim spend and
// completion.
type SpendRequest struct {
	Expenses   []ExpenseRequest `json:"expenses"`
	TotalSpent ledger.Money     `json:"totalSpent"`
	BillImages []string         `json:"billImages"`
}

func (r SpendRequest) toReport(grievanceID, engineer string) ledger.SpendReport {
	expenses := make([]ledger.Expense, len(r.Expenses))
	for i, e := range r.Expenses {
		expenses[i] = ledger.Expense{Item: e.Item, Cost: e.Cost}
		if e.Date != nil {
			expenses[i].Date = e.Date.UTC()
		}
	}
	return ledger.SpendReport{
		GrievanceID: grievanceID,
		ReportedBy:  engineer,
		Expenses:    expenses,
		TotalSpent:  r.TotalSpent,
		BillImages:  r.BillImages,
	}
}

type ConfirmRequest struct {
	FinalStatus ledger.TaskStatus `json:"finalStatus"`
	AdminNotes  string            `json:"adminNotes"`
}

type ConfirmAllRequest struct {
	AdminNotes string `json:"adminNotes"`
}

// =============================================================================
// RESOURCE REQUESTS
// =============================================================================

type LineItemRequest struct {
	Name          string       `json:"name"`
	Quantity      int          `json:"quantity"`
	Unit          string       `json:"unit"`
	EstimatedCost ledger.Money `json:"estimatedCost"`
}

type ManpowerRequest struct {
	Workers       int          `json:"workers"`
	Days          int          `json:"days"`
	EstimatedCost ledger.Money `json:"estimatedCost"`
}

type SubmitResourceRequest struct {
	GrievanceID string            `json:"grievanceId"`
	Materials   []LineItemRequest `json:"materials"`
	Equipment   []LineItemRequest `json:"equipment"`
	Manpower    *ManpowerRequest  `json:"manpower"`
}

func (r SubmitResourceRequest) toInput(engineer string) ledger.NewResourceRequest {
	in := ledger.NewResourceRequest{
		GrievanceID: r.GrievanceID,
		RequestedBy: engineer,
		Materials:   toLineItems(r.Materials),
		Equipment:   toLineItems(r.Equipment),
	}
	if r.Manpower != nil {
		in.Manpower = &ledger.Manpower{
			Workers:       r.Manpower.Workers,
			Days:          r.Manpower.Days,
			EstimatedCost: r.Manpower.EstimatedCost,
		}
	}
	return in
}

func toLineItems(in []LineItemRequest) []ledger.LineItem {
	out := make([]ledger.LineItem, len(in))
	for i, l := range in {
		out[i] = ledger.LineItem{Name: l.Name, Quantity: l.Quantity, Unit: l.Unit, EstimatedCost: l.EstimatedCost}
	}
	return out
}

type RejectRequest struct {
	Reason string `json:"reason"`
}

type RefetchRequest struct {
	// Amount defaults to the full refetchable balance.
	Amount  *ledger.Money `json:"amount"`
	Message string        `json:"message"`
}

// =============================================================================
// MISC
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenarioId"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Code    string         `json:"code,omitempty"`
	Details any            `json:"details,omitempty"`
	Budget  *BudgetFigures `json:"budget,omitempty"`
}
