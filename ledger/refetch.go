package ledger

import (
	"context"
	"fmt"
)

// =============================================================================
// REFETCH ENGINE - Early return of unused allocation
// =============================================================================

type RefetchInput struct {
	RequestID string
	// Amount defaults to the full refetchable balance when nil.
	Amount  *Money
	Message string
	Admin   string
}

// Refetch returns the unused part of a delivered request to the envelope. A
// request can be refetched once.
//
//	limit      = totalApprovedCost - actualSpent
//	task       allocated -= amount
//	envelope   spent     -= amount
func (s *Service) Refetch(ctx context.Context, in RefetchInput) (*ResourceRequest, error) {
	// Spend recording locks the grievance before its requests. Take the
	// locks in the same order: find the grievance first, outside the tx.
	peek, err := loadRequest(ctx, s.Store, in.RequestID)
	if err != nil {
		return nil, err
	}

	var out *ResourceRequest
	err = s.run(ctx, "refetch", func(tx Tx, box *outbox) error {
		g, err := loadGrievance(ctx, tx, peek.GrievanceID)
		if err != nil {
			return err
		}
		req, err := loadRequest(ctx, tx, in.RequestID)
		if err != nil {
			return err
		}
		if req.Status == RequestRefetched {
			return fmt.Errorf("%w: request %s was already refetched (%s)", ErrNothingToRefetch, req.ID, req.RefetchedAmount)
		}
		if req.DeliveryStatus != DeliveryDelivered {
			return &StateError{Kind: "resource request", ID: req.ID, Actual: string(req.DeliveryStatus), Expected: string(DeliveryDelivered)}
		}

		limit := req.MaxRefetchable()
		if !limit.IsPositive() {
			return fmt.Errorf("%w: request %s approved %s, spent %s", ErrNothingToRefetch, req.ID, req.TotalApprovedCost, req.ActualSpent)
		}
		amount := limit
		if in.Amount != nil {
			amount = *in.Amount
			if !amount.IsPositive() {
				return invalidAmount("refetch amount must be positive, got %s", amount)
			}
			if amount.GreaterThan(limit) {
				return &ExceedsAvailableError{RequestID: req.ID, MaxRefetchable: limit, Requested: amount}
			}
		}

		if g.Status == TaskClosed {
			return &StateError{Kind: "grievance", ID: g.ID, Actual: string(g.Status), Expected: "not closed"}
		}
		env, err := activeEnvelope(ctx, tx)
		if err != nil {
			return err
		}

		now := s.now()
		req.Status = RequestRefetched
		req.RefetchedAmount = amount
		req.RefetchMessage = in.Message
		req.RefetchedAt = &now
		req.RefetchedBy = in.Admin
		req.UpdatedAt = now

		g.Budget.Allocated = s.clampedSub(g.Budget.Allocated, amount, "task allocated", g.ID)
		g.Budget.recompute()
		g.UpdatedAt = now

		env.Operational.Spent = s.clampedSub(env.Operational.Spent, amount, "envelope spent", env.ID)
		env.UpdatedAt = now

		if err := tx.SaveRequest(ctx, req); err != nil {
			return err
		}
		if err := tx.SaveGrievance(ctx, g); err != nil {
			return err
		}
		if err := tx.SaveEnvelope(ctx, env); err != nil {
			return err
		}
		if err := s.audit(ctx, tx, AuditBudgetRefetched, in.Admin, TargetResourceRequest, req.ID, amount, map[string]any{
			"grievanceId":    g.ID,
			"maxRefetchable": limit.String(),
			"message":        in.Message,
			"availableAfter": env.Available().String(),
		}); err != nil {
			return err
		}

		msg := in.Message
		if msg == "" {
			msg = fmt.Sprintf("%s of unused budget on grievance %s was returned to the system budget.", amount, g.ID)
		}
		box.add(Notification{
			Kind:      NotifyBudgetRefetched,
			Recipient: req.RequestedBy,
			Subject:   "Unused budget refetched",
			Message:   msg,
			TargetID:  req.ID,
			Amount:    amount,
		})
		out = req
		return nil
	})
	return out, err
}

// clampedSub subtracts and floors at zero, logging when the floor is hit.
func (s *Service) clampedSub(from, amount Money, counter, id string) Money {
	next := from.Sub(amount)
	if next.IsNegative() {
		s.Log.Warn().
			Str("counter", counter).
			Str("id", id).
			Str("value", from.String()).
			Str("subtract", amount.String()).
			Msg("counter would go negative, clamping to zero")
		return Money{}
	}
	return next
}
