/*
confirm.go - Confirmation/closure engine and the direct allocation path

PURPOSE:
  Admin-side final reconciliation of a resolved task. For a task with
  allocated > 0 and remaining = allocated - spent:

    envelope pending  -= remaining        (floor 0, final release)
    envelope spent    += spent
    envelope pending  -= spent            (floor 0)
    category pending  -= allocated        (floor 0)
    category spent    += spent

  Delivery already moved the approved amount into envelope spent, so a task
  funded through a delivered request has its spend booked twice. This is the
  ledger's established two-phase model; CheckDrift (drift.go) reports the
  difference rather than this file correcting it.

BULK:
  Same settlement applied to every resolved task in one transaction. Tasks
  are processed sequentially against a working copy of the envelope; a task
  that fails is collected into Errors and leaves the envelope untouched. The
  envelope is written once at the end.

DIRECT ALLOCATION:
  AssignGrievance can fund a task without a ResourceRequest. It increments
  envelope pending (not reserved) and writes a synthetic approved+delivered
  request so refetch and spend propagation see the allocation.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SETTLEMENT
// =============================================================================

type settlement struct {
	allocated Money
	spent     Money
	returned  Money
}

// settle applies one task's closure to env. env is only modified on success.
func (s *Service) settle(env *SystemBudget, g *Grievance) (settlement, error) {
	st := settlement{allocated: g.Budget.Allocated, spent: g.Budget.Spent}
	if !st.allocated.IsPositive() {
		return st, nil
	}
	if st.spent.GreaterThan(st.allocated) {
		return st, &BudgetExceededError{
			GrievanceID: g.ID,
			Allocated:   st.allocated,
			Attempted:   st.spent,
			MaxAllowed:  st.allocated,
		}
	}
	if env == nil {
		return st, ErrNoActiveBudget
	}

	st.returned = st.allocated.Sub(st.spent)
	op := &env.Operational
	if st.returned.IsPositive() {
		s.releasePending(&op.Pending, st.returned, "pending")
	}
	op.Spent = op.Spent.Add(st.spent)
	s.releasePending(&op.Pending, st.spent, "pending")

	cat := env.ensureCategory(g.Category)
	s.releasePending(&cat.Pending, st.allocated, "category pending "+cat.Category)
	cat.Spent = cat.Spent.Add(st.spent)
	return st, nil
}

// =============================================================================
// SINGLE CONFIRMATION
// =============================================================================

type ConfirmInput struct {
	GrievanceID string
	// FinalStatus is closed (default) or rejected.
	FinalStatus TaskStatus
	AdminNotes  string
	Admin       string
}

type ConfirmResult struct {
	Grievance      *Grievance `json:"grievance"`
	BudgetReturned Money      `json:"budgetReturned"`
	BudgetSpent    Money      `json:"budgetSpent"`
}

func finalStatus(s TaskStatus) (TaskStatus, error) {
	switch s {
	case "":
		return TaskClosed, nil
	case TaskClosed, TaskRejected:
		return s, nil
	}
	return "", invalidInput("final status must be %s or %s, got %q", TaskClosed, TaskRejected, s)
}

// Confirm closes a resolved task and settles its budget against the envelope.
func (s *Service) Confirm(ctx context.Context, in ConfirmInput) (*ConfirmResult, error) {
	status, err := finalStatus(in.FinalStatus)
	if err != nil {
		return nil, err
	}
	var out *ConfirmResult
	err = s.run(ctx, "confirm", func(tx Tx, box *outbox) error {
		g, err := loadGrievance(ctx, tx, in.GrievanceID)
		if err != nil {
			return err
		}
		if g.Status != TaskResolved {
			return &StateError{Kind: "grievance", ID: g.ID, Actual: string(g.Status), Expected: string(TaskResolved)}
		}

		var env *SystemBudget
		if g.Budget.Allocated.IsPositive() {
			if env, err = activeEnvelope(ctx, tx); err != nil {
				return err
			}
		}
		st, err := s.settle(env, g)
		if err != nil {
			return err
		}

		if err := s.closeTask(ctx, tx, g, status, in.AdminNotes, in.Admin, st); err != nil {
			return err
		}
		if env != nil {
			env.UpdatedAt = s.now()
			if err := tx.SaveEnvelope(ctx, env); err != nil {
				return err
			}
		}
		box.add(confirmationNotice(g, st))
		out = &ConfirmResult{Grievance: g, BudgetReturned: st.returned, BudgetSpent: st.spent}
		return nil
	})
	return out, err
}

// closeTask writes the task's final state and its audit entries.
func (s *Service) closeTask(ctx context.Context, tx Tx, g *Grievance, status TaskStatus, notes, admin string, st settlement) error {
	now := s.now()
	g.Status = status
	g.AdminNotes = notes
	g.ClosedAt = &now
	g.ClosedBy = admin
	g.UpdatedAt = now
	if err := tx.SaveGrievance(ctx, g); err != nil {
		return err
	}

	if st.returned.IsPositive() {
		if err := s.audit(ctx, tx, AuditBudgetReturned, admin, TargetGrievance, g.ID, st.returned, map[string]any{
			"allocatedAmount": st.allocated.String(),
			"spentAmount":     st.spent.String(),
			"returnedAmount":  st.returned.String(),
		}); err != nil {
			return err
		}
	}
	return s.audit(ctx, tx, AuditTaskConfirmed, admin, TargetGrievance, g.ID, st.spent, map[string]any{
		"finalStatus": string(status),
		"adminNotes":  notes,
	})
}

func confirmationNotice(g *Grievance, st settlement) Notification {
	return Notification{
		Kind:      NotifyTaskConfirmed,
		Recipient: g.AssignedTo,
		Subject:   "Task confirmed",
		Message:   fmt.Sprintf("Grievance %s was confirmed as %s. Spent %s of %s.", g.ID, g.Status, st.spent, st.allocated),
		TargetID:  g.ID,
		Amount:    st.spent,
	}
}

// =============================================================================
// BULK CONFIRMATION
// =============================================================================

type TaskError struct {
	GrievanceID string `json:"grievanceId"`
	Error       string `json:"error"`
}

type BulkConfirmResult struct {
	Confirmed           int         `json:"confirmed"`
	TotalBudgetReturned Money       `json:"totalBudgetReturned"`
	TotalBudgetSpent    Money       `json:"totalBudgetSpent"`
	Errors              []TaskError `json:"errors"`
}

// ConfirmAll closes every resolved task. Per-task failures are collected, not
// fatal. Any other store failure aborts the whole batch: a closed task must
// not commit without its audit entries.
func (s *Service) ConfirmAll(ctx context.Context, adminNotes, admin string) (*BulkConfirmResult, error) {
	result := &BulkConfirmResult{Errors: []TaskError{}}
	err := s.run(ctx, "confirm_all", func(tx Tx, box *outbox) error {
		tasks, err := tx.ListGrievances(ctx, GrievanceFilter{Status: TaskResolved})
		if err != nil {
			return err
		}
		env, err := tx.ActiveEnvelope(ctx)
		if err != nil {
			return fmt.Errorf("load active budget: %w", err)
		}

		var auditErr error
		for i := range tasks {
			g := &tasks[i]
			var work *SystemBudget
			if env != nil {
				c := env.Clone()
				work = &c
			}
			st, err := s.settle(work, g)
			if err != nil {
				result.Errors = append(result.Errors, TaskError{GrievanceID: g.ID, Error: err.Error()})
				continue
			}
			if err := s.closeTask(ctx, tx, g, TaskClosed, adminNotes, admin, st); err != nil {
				if errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrNotFound) {
					result.Errors = append(result.Errors, TaskError{GrievanceID: g.ID, Error: err.Error()})
					continue
				}
				auditErr = fmt.Errorf("confirm grievance %s: %w", g.ID, err)
				break
			}
			if work != nil {
				env = work
			}
			result.Confirmed++
			result.TotalBudgetReturned = result.TotalBudgetReturned.Add(st.returned)
			result.TotalBudgetSpent = result.TotalBudgetSpent.Add(st.spent)
			box.add(confirmationNotice(g, st))
		}
		if auditErr != nil {
			return auditErr
		}

		if env != nil && result.Confirmed > 0 {
			env.UpdatedAt = s.now()
			if err := tx.SaveEnvelope(ctx, env); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.Log.Info().
		Int("confirmed", result.Confirmed).
		Int("errors", len(result.Errors)).
		Str("returned", result.TotalBudgetReturned.String()).
		Str("spent", result.TotalBudgetSpent.String()).
		Msg("bulk confirmation complete")
	return result, nil
}

// =============================================================================
// DIRECT ALLOCATION AT ASSIGNMENT
// =============================================================================

type AssignInput struct {
	GrievanceID string
	Engineer    string
	// Amount is optional; zero assigns without funding.
	Amount Money
	Admin  string
}

// AssignGrievance assigns a task to an engineer, optionally funding it
// directly from the envelope.
func (s *Service) AssignGrievance(ctx context.Context, in AssignInput) (*Grievance, error) {
	if in.Engineer == "" {
		return nil, invalidInput("engineer is required")
	}
	if in.Amount.IsNegative() {
		return nil, invalidAmount("allocation %s is negative", in.Amount)
	}
	var out *Grievance
	err := s.run(ctx, "assign", func(tx Tx, box *outbox) error {
		g, err := loadGrievance(ctx, tx, in.GrievanceID)
		if err != nil {
			return err
		}
		if err := requireOpenTask(g); err != nil {
			return err
		}
		now := s.now()

		if in.Amount.IsPositive() {
			env, err := activeEnvelope(ctx, tx)
			if err != nil {
				return err
			}
			if available := env.Available(); available.LessThan(in.Amount) {
				return &InsufficientBudgetError{Available: available, Requested: in.Amount}
			}
			env.Operational.Pending = env.Operational.Pending.Add(in.Amount)
			cat := env.ensureCategory(g.Category)
			cat.Pending = cat.Pending.Add(in.Amount)
			if g.Budget.Allocated.IsZero() {
				cat.GrievanceCount++
			}
			env.UpdatedAt = now

			g.Budget.Allocated = g.Budget.Allocated.Add(in.Amount)
			g.Budget.recompute()

			rec := NewSyntheticAllocationRecord(s.NewID(), g.ID, in.Engineer, in.Admin, in.Amount, now)
			if err := tx.SaveEnvelope(ctx, env); err != nil {
				return err
			}
			if err := tx.SaveRequest(ctx, &rec); err != nil {
				return err
			}
			if err := s.audit(ctx, tx, AuditBudgetAllocated, in.Admin, TargetGrievance, g.ID, in.Amount, map[string]any{
				"engineer":        in.Engineer,
				"requestId":       rec.ID,
				"category":        g.Category,
				"availableAfter":  env.Available().String(),
				"taskAllocatedTo": g.Budget.Allocated.String(),
			}); err != nil {
				return err
			}
		}

		if g.Status == TaskPending {
			g.Status = TaskAssigned
		}
		g.AssignedTo = in.Engineer
		g.AssignedBy = in.Admin
		g.AssignedAt = &now
		g.UpdatedAt = now
		if err := tx.SaveGrievance(ctx, g); err != nil {
			return err
		}

		msg := fmt.Sprintf("Grievance %s (%s) was assigned to you.", g.ID, g.Title)
		if in.Amount.IsPositive() {
			msg = fmt.Sprintf("Grievance %s (%s) was assigned to you with a budget of %s.", g.ID, g.Title, in.Amount)
		}
		box.add(Notification{
			Kind:      NotifyTaskAssigned,
			Recipient: in.Engineer,
			Subject:   "New task assigned",
			Message:   msg,
			TargetID:  g.ID,
			Amount:    in.Amount,
		})
		out = g
		return nil
	})
	return out, err
}

// NewSyntheticAllocationRecord builds the already approved and delivered
// request that stands in for a direct allocation. It makes the allocation
// visible to spend propagation and refetch like any formal approval.
func NewSyntheticAllocationRecord(id, grievanceID, engineer, admin string, amount Money, at time.Time) ResourceRequest {
	return ResourceRequest{
		ID:                 id,
		GrievanceID:        grievanceID,
		RequestedBy:        engineer,
		Status:             RequestApproved,
		DeliveryStatus:     DeliveryDelivered,
		Materials:          []LineItem{},
		Equipment:          []LineItem{},
		TotalEstimatedCost: amount,
		TotalApprovedCost:  amount,
		ReviewedBy:         admin,
		ReviewedAt:         &at,
		ReviewNotes:        "direct allocation at assignment",
		DeliveredAt:        &at,
		Synthetic:          true,
		CreatedAt:          at,
		UpdatedAt:          at,
	}
}

func (s *Service) ListGrievances(ctx context.Context, filter GrievanceFilter) ([]Grievance, error) {
	return s.Store.ListGrievances(ctx, filter)
}
