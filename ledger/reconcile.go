package ledger

import (
	"context"
	"time"
)

// =============================================================================
// SPEND RECONCILIATION - Engineer-reported actual spend
// =============================================================================

type SpendReport struct {
	GrievanceID string
	ReportedBy  string
	Expenses    []Expense
	// TotalSpent defaults to the sum of Expenses when zero.
	TotalSpent Money
	BillImages []string
}

// RecordActualSpend replaces the task's spend with the reported figures and
// propagates actualSpent to every funded request on the task. Rejected
// outright when the total exceeds the allocation.
func (s *Service) RecordActualSpend(ctx context.Context, report SpendReport) (*Grievance, error) {
	var out *Grievance
	err := s.run(ctx, "record_spend", func(tx Tx, _ *outbox) error {
		g, err := loadGrievance(ctx, tx, report.GrievanceID)
		if err != nil {
			return err
		}
		if g.Status == TaskClosed || g.Status == TaskRejected {
			return &StateError{Kind: "grievance", ID: g.ID, Actual: string(g.Status), Expected: "open"}
		}
		if err := s.applySpend(ctx, tx, g, report); err != nil {
			return err
		}
		if err := tx.SaveGrievance(ctx, g); err != nil {
			return err
		}
		out = g
		return nil
	})
	return out, err
}

// CompleteTask records the engineer's spend and resolves the task in one
// transaction. The task then waits for admin confirmation.
func (s *Service) CompleteTask(ctx context.Context, report SpendReport) (*Grievance, error) {
	var out *Grievance
	err := s.run(ctx, "complete_task", func(tx Tx, _ *outbox) error {
		g, err := loadGrievance(ctx, tx, report.GrievanceID)
		if err != nil {
			return err
		}
		if g.Status != TaskAssigned && g.Status != TaskInProgress {
			return &StateError{Kind: "grievance", ID: g.ID, Actual: string(g.Status), Expected: string(TaskInProgress)}
		}
		if report.ReportedBy != "" && g.AssignedTo != "" && report.ReportedBy != g.AssignedTo {
			return invalidInput("grievance %s is assigned to %s", g.ID, g.AssignedTo)
		}
		if err := s.applySpend(ctx, tx, g, report); err != nil {
			return err
		}
		now := s.now()
		g.Status = TaskResolved
		g.ResolvedAt = &now
		if err := tx.SaveGrievance(ctx, g); err != nil {
			return err
		}
		out = g
		return nil
	})
	return out, err
}

func (s *Service) applySpend(ctx context.Context, tx Tx, g *Grievance, report SpendReport) error {
	now := s.now()
	expenses := make([]Expense, len(report.Expenses))
	var sum Money
	for i, e := range report.Expenses {
		if e.Item == "" {
			return invalidInput("expense %d: item is required", i)
		}
		if e.Cost.IsNegative() {
			return invalidAmount("expense %q: cost %s is negative", e.Item, e.Cost)
		}
		if e.Date.IsZero() {
			e.Date = now
		}
		e.Date = e.Date.UTC().Truncate(time.Second)
		expenses[i] = e
		sum = sum.Add(e.Cost)
	}

	total := report.TotalSpent
	if total.IsZero() {
		total = sum
	}
	if total.IsNegative() {
		return invalidAmount("total spent %s is negative", total)
	}
	if total.GreaterThan(g.Budget.Allocated) {
		return &BudgetExceededError{
			GrievanceID: g.ID,
			Allocated:   g.Budget.Allocated,
			Attempted:   total,
			MaxAllowed:  g.Budget.Allocated,
		}
	}

	g.Budget.Spent = total
	g.Budget.TotalSpent = total
	g.Budget.ExpenseBreakdown = expenses
	if len(report.BillImages) > 0 {
		g.Budget.BillImages = append(g.Budget.BillImages, report.BillImages...)
	}
	g.Budget.recompute()
	g.UpdatedAt = now

	reqs, err := tx.ListRequests(ctx, RequestFilter{
		GrievanceID: g.ID,
		Statuses:    []RequestStatus{RequestApproved, RequestPartiallyApproved, RequestDelivered},
	})
	if err != nil {
		return err
	}
	if len(reqs) == 0 {
		s.Log.Warn().
			Str("grievance_id", g.ID).
			Str("total_spent", total.String()).
			Msg("no funded resource requests linked to task; spend recorded on task only")
	}
	for i := range reqs {
		req := &reqs[i]
		// Each request carries the task total capped at its own approval.
		req.ActualSpent = total.Min(req.TotalApprovedCost)
		req.UpdatedAt = now
		if err := tx.SaveRequest(ctx, req); err != nil {
			return err
		}
	}

	return s.audit(ctx, tx, AuditActualSpendRecorded, report.ReportedBy, TargetGrievance, g.ID, total, map[string]any{
		"allocated":       g.Budget.Allocated.String(),
		"remainingBudget": g.Budget.RemainingBudget.String(),
		"expenseCount":    len(expenses),
		"requestsUpdated": len(reqs),
	})
}
