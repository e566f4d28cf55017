/*
Package ledger provides the budget ledger for municipal grievance repairs.

PURPOSE:
  Allocates a bounded operational budget (the envelope) across repair tasks,
  tracks the reserved -> pending -> spent movement of money, lets admins
  refetch unused allocation, and reconciles engineer-reported spend back into
  both the per-task snapshot and the system-wide envelope.

KEY CONCEPTS IN THIS FILE (types.go):
  - SystemBudget: the envelope for one fiscal year
  - TaskBudget: the budget snapshot embedded in a Grievance
  - ResourceRequest: one approval event with itemized costs
  - Available: derived as allocated - spent - pending - reserved, never stored

ENTRY POINTS:
  Service (service.go) owns every money-moving operation. Each operation runs
  inside Store.WithTx so the check-then-act on the envelope is atomic.

SEE ALSO:
  - money.go: 2-decimal Money type
  - errors.go: error taxonomy
  - store.go: persistence contract
*/
package ledger

import "time"

// =============================================================================
// SYSTEM BUDGET - One envelope per fiscal year
// =============================================================================

type BudgetStatus string

const (
	BudgetDraft    BudgetStatus = "draft"
	BudgetActive   BudgetStatus = "active"
	BudgetClosed   BudgetStatus = "closed"
	BudgetArchived BudgetStatus = "archived"
)

// OperationalBudget is the envelope's money split across lifecycle states.
type OperationalBudget struct {
	Allocated Money `json:"allocated"`
	Spent     Money `json:"spent"`
	Pending   Money `json:"pending"`
	Reserved  Money `json:"reserved"`
}

// Available is allocated - spent - pending - reserved.
func (o OperationalBudget) Available() Money {
	return o.Allocated.Sub(o.Spent).Sub(o.Pending).Sub(o.Reserved)
}

// Committed is everything that is no longer available.
func (o OperationalBudget) Committed() Money {
	return SumMoney(o.Spent, o.Pending, o.Reserved)
}

type CategoryBudget struct {
	Category       string `json:"category"`
	Allocated      Money  `json:"allocated"`
	Spent          Money  `json:"spent"`
	Pending        Money  `json:"pending"`
	GrievanceCount int    `json:"grievanceCount"`
}

type SystemBudget struct {
	ID              string            `json:"id"`
	FiscalYear      string            `json:"fiscalYear"`
	TotalAllocated  Money             `json:"totalAllocated"`
	Operational     OperationalBudget `json:"operationalBudget"`
	CategoryBudgets []CategoryBudget  `json:"categoryBudgets"`
	Status          BudgetStatus      `json:"status"`
	CreatedBy       string            `json:"createdBy,omitempty"`
	Version         int64             `json:"version"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

func (b *SystemBudget) Available() Money { return b.Operational.Available() }

// Category returns the entry for name, or nil.
func (b *SystemBudget) Category(name string) *CategoryBudget {
	for i := range b.CategoryBudgets {
		if b.CategoryBudgets[i].Category == name {
			return &b.CategoryBudgets[i]
		}
	}
	return nil
}

// ensureCategory returns the entry for name, appending an empty one if needed.
func (b *SystemBudget) ensureCategory(name string) *CategoryBudget {
	if c := b.Category(name); c != nil {
		return c
	}
	b.CategoryBudgets = append(b.CategoryBudgets, CategoryBudget{Category: name})
	return &b.CategoryBudgets[len(b.CategoryBudgets)-1]
}

func (b SystemBudget) Clone() SystemBudget {
	b.CategoryBudgets = append([]CategoryBudget(nil), b.CategoryBudgets...)
	return b
}

// =============================================================================
// GRIEVANCE - Repair task with its embedded budget snapshot
// =============================================================================

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in-progress"
	TaskResolved   TaskStatus = "resolved"
	TaskClosed     TaskStatus = "closed"
	TaskRejected   TaskStatus = "rejected"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskAssigned, TaskInProgress, TaskResolved, TaskClosed, TaskRejected:
		return true
	}
	return false
}

type Expense struct {
	Item string    `json:"item"`
	Cost Money     `json:"cost"`
	Date time.Time `json:"date"`
}

// TaskBudget is the per-task snapshot. RemainingBudget is always
// round2(Allocated - Spent).
type TaskBudget struct {
	Allocated        Money     `json:"allocated"`
	Spent            Money     `json:"spent"`
	RemainingBudget  Money     `json:"remainingBudget"`
	TotalSpent       Money     `json:"totalSpent"`
	ExpenseBreakdown []Expense `json:"expenseBreakdown"`
	BillImages       []string  `json:"billImages"`
}

func (tb *TaskBudget) recompute() {
	tb.RemainingBudget = tb.Allocated.Sub(tb.Spent)
}

type Grievance struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Category   string     `json:"category"`
	Status     TaskStatus `json:"status"`
	AssignedTo string     `json:"assignedTo,omitempty"`
	AssignedBy string     `json:"assignedBy,omitempty"`
	AssignedAt *time.Time `json:"assignedAt,omitempty"`
	Budget     TaskBudget `json:"budget"`
	AdminNotes string     `json:"adminNotes,omitempty"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
	ClosedAt   *time.Time `json:"closedAt,omitempty"`
	ClosedBy   string     `json:"closedBy,omitempty"`
	Version    int64      `json:"version"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

func (g Grievance) Clone() Grievance {
	g.Budget.ExpenseBreakdown = append([]Expense(nil), g.Budget.ExpenseBreakdown...)
	g.Budget.BillImages = append([]string(nil), g.Budget.BillImages...)
	return g
}

// =============================================================================
// RESOURCE REQUEST - One allocation event against a task
// =============================================================================

type RequestStatus string

const (
	RequestPending           RequestStatus = "pending"
	RequestApproved          RequestStatus = "approved"
	RequestRejected          RequestStatus = "rejected"
	RequestPartiallyApproved RequestStatus = "partially-approved"
	RequestDelivered         RequestStatus = "delivered"
	RequestRefetched         RequestStatus = "refetched"
)

// funded reports whether the request holds approved money that actual spend
// can be booked against.
func (s RequestStatus) funded() bool {
	return s == RequestApproved || s == RequestPartiallyApproved || s == RequestDelivered
}

type DeliveryStatus string

const (
	DeliveryNotStarted DeliveryStatus = "not-started"
	DeliveryInTransit  DeliveryStatus = "in-transit"
	DeliveryDelivered  DeliveryStatus = "delivered"
	DeliveryCompleted  DeliveryStatus = "completed"
)

// LineItem is a material or equipment line.
type LineItem struct {
	Name             string `json:"name"`
	Quantity         int    `json:"quantity"`
	Unit             string `json:"unit,omitempty"`
	EstimatedCost    Money  `json:"estimatedCost"`
	ApprovedQuantity int    `json:"approvedQuantity"`
	ApprovedCost     Money  `json:"approvedCost"`
}

type Manpower struct {
	Workers         int   `json:"workers"`
	Days            int   `json:"days"`
	EstimatedCost   Money `json:"estimatedCost"`
	ApprovedWorkers int   `json:"approvedWorkers"`
	ApprovedDays    int   `json:"approvedDays"`
	ApprovedCost    Money `json:"approvedCost"`
}

type ResourceRequest struct {
	ID                 string         `json:"id"`
	GrievanceID        string         `json:"grievanceId"`
	RequestedBy        string         `json:"requestedBy"`
	Status             RequestStatus  `json:"status"`
	DeliveryStatus     DeliveryStatus `json:"deliveryStatus"`
	Materials          []LineItem     `json:"materials"`
	Equipment          []LineItem     `json:"equipment"`
	Manpower           *Manpower      `json:"manpower,omitempty"`
	TotalEstimatedCost Money          `json:"totalEstimatedCost"`
	TotalApprovedCost  Money          `json:"totalApprovedCost"`
	ActualSpent        Money          `json:"actualSpent"`
	RefetchedAmount    Money          `json:"refetchedAmount"`
	RefetchMessage     string         `json:"refetchMessage,omitempty"`
	RefetchedAt        *time.Time     `json:"refetchedAt,omitempty"`
	RefetchedBy        string         `json:"refetchedBy,omitempty"`
	ReviewedBy         string         `json:"reviewedBy,omitempty"`
	ReviewedAt         *time.Time     `json:"reviewedAt,omitempty"`
	ReviewNotes        string         `json:"reviewNotes,omitempty"`
	RejectionReason    string         `json:"rejectionReason,omitempty"`
	DeliveredAt        *time.Time     `json:"deliveredAt,omitempty"`
	Synthetic          bool           `json:"synthetic"`
	Version            int64          `json:"version"`
	CreatedAt          time.Time      `json:"createdAt"`
	UpdatedAt          time.Time      `json:"updatedAt"`
}

// Partial reports whether less than the estimate was approved.
func (r *ResourceRequest) Partial() bool {
	return r.Status == RequestPartiallyApproved ||
		(r.Status == RequestApproved && r.TotalApprovedCost.LessThan(r.TotalEstimatedCost))
}

// MaxRefetchable is totalApprovedCost - actualSpent.
func (r *ResourceRequest) MaxRefetchable() Money {
	return r.TotalApprovedCost.Sub(r.ActualSpent)
}

func (r ResourceRequest) Clone() ResourceRequest {
	r.Materials = append([]LineItem(nil), r.Materials...)
	r.Equipment = append([]LineItem(nil), r.Equipment...)
	if r.Manpower != nil {
		mp := *r.Manpower
		r.Manpower = &mp
	}
	return r
}
