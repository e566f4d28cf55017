package ledger

import "time"

// =============================================================================
// AUDIT LOG - Append-only record of every money-moving action
// =============================================================================

type AuditAction string

const (
	AuditBudgetCreated       AuditAction = "budget_created"
	AuditBudgetStatusChanged AuditAction = "budget_status_changed"
	AuditBudgetAllocated     AuditAction = "budget_allocated"
	AuditBudgetReturned      AuditAction = "budget_returned"
	AuditBudgetRefetched     AuditAction = "budget_refetched"
	AuditRequestSubmitted    AuditAction = "resource_request_submitted"
	AuditRequestApproved     AuditAction = "resource_request_approved"
	AuditRequestRejected     AuditAction = "resource_request_rejected"
	AuditResourceDispatched  AuditAction = "resource_dispatched"
	AuditResourceDelivered   AuditAction = "resource_delivered"
	AuditActualSpendRecorded AuditAction = "actual_spend_recorded"
	AuditTaskConfirmed       AuditAction = "task_confirmed"
)

// Target models referenced by audit entries.
const (
	TargetSystemBudget    = "SystemBudget"
	TargetGrievance       = "Grievance"
	TargetResourceRequest = "ResourceRequest"
)

// AuditEntry records who moved how much, where. Details is a free-form
// snapshot; Amount is the money moved by the action.
type AuditEntry struct {
	ID          string         `json:"id"`
	Action      AuditAction    `json:"action"`
	PerformedBy string         `json:"performedBy"`
	TargetModel string         `json:"targetModel"`
	TargetID    string         `json:"targetId"`
	Amount      Money          `json:"amount"`
	Details     map[string]any `json:"details,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

type AuditFilter struct {
	TargetModel string
	TargetID    string
	Action      AuditAction
	PerformedBy string
	Limit       int
}

func (f AuditFilter) Matches(e *AuditEntry) bool {
	return (f.TargetModel == "" || e.TargetModel == f.TargetModel) &&
		(f.TargetID == "" || e.TargetID == f.TargetID) &&
		(f.Action == "" || e.Action == f.Action) &&
		(f.PerformedBy == "" || e.PerformedBy == f.PerformedBy)
}
