/*
allocation.go - Allocation engine: submit, approve, reject, dispatch, deliver

PURPOSE:
  Moves money from the envelope's available pool into a task's allocation
  through a ResourceRequest.

ENVELOPE MOVEMENT:
  approve:  reserved += T, pending += T      (available -= 2T)
  deliver:  reserved -= T, pending -= T, spent += T
  reject, dispatch: no money moves

  T is the request's totalApprovedCost. The task's budget.spent is never
  touched here; it is only known once the engineer reports (reconcile.go).

STATE MACHINE:
  status:          pending -> approved | rejected
  deliveryStatus:  not-started -> in-transit -> delivered
  partially-approved is treated like approved everywhere.

SEE ALSO:
  - confirm.go: AssignGrievance, the direct allocation path
*/
package ledger

import (
	"context"
	"fmt"
)

// =============================================================================
// SUBMISSION
// =============================================================================

type NewResourceRequest struct {
	GrievanceID string
	RequestedBy string
	Materials   []LineItem
	Equipment   []LineItem
	Manpower    *Manpower
}

// SubmitResourceRequest records an engineer's itemized ask against a task.
func (s *Service) SubmitResourceRequest(ctx context.Context, in NewResourceRequest) (*ResourceRequest, error) {
	if in.RequestedBy == "" {
		return nil, invalidInput("requestedBy is required")
	}
	total, err := estimateTotal(in)
	if err != nil {
		return nil, err
	}
	if !total.IsPositive() {
		return nil, invalidAmount("request has no positive estimated cost")
	}

	now := s.now()
	req := &ResourceRequest{
		ID:                 s.NewID(),
		GrievanceID:        in.GrievanceID,
		RequestedBy:        in.RequestedBy,
		Status:             RequestPending,
		DeliveryStatus:     DeliveryNotStarted,
		Materials:          cloneLines(in.Materials),
		Equipment:          cloneLines(in.Equipment),
		TotalEstimatedCost: total,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if in.Manpower != nil {
		mp := Manpower{Workers: in.Manpower.Workers, Days: in.Manpower.Days, EstimatedCost: in.Manpower.EstimatedCost}
		req.Manpower = &mp
	}

	err = s.run(ctx, "submit_request", func(tx Tx, _ *outbox) error {
		g, err := loadGrievance(ctx, tx, in.GrievanceID)
		if err != nil {
			return err
		}
		if err := requireOpenTask(g); err != nil {
			return err
		}
		if err := tx.SaveRequest(ctx, req); err != nil {
			return err
		}
		return s.audit(ctx, tx, AuditRequestSubmitted, in.RequestedBy, TargetResourceRequest, req.ID, total, map[string]any{
			"grievanceId": g.ID,
		})
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

func estimateTotal(in NewResourceRequest) (Money, error) {
	var total Money
	for _, group := range []struct {
		kind  string
		lines []LineItem
	}{{"material", in.Materials}, {"equipment", in.Equipment}} {
		for i, l := range group.lines {
			if l.Name == "" {
				return Money{}, invalidInput("%s %d: name is required", group.kind, i)
			}
			if l.Quantity <= 0 {
				return Money{}, invalidInput("%s %q: quantity must be positive", group.kind, l.Name)
			}
			if l.EstimatedCost.IsNegative() {
				return Money{}, invalidAmount("%s %q: estimated cost is negative", group.kind, l.Name)
			}
			total = total.Add(l.EstimatedCost)
		}
	}
	if mp := in.Manpower; mp != nil {
		if mp.Workers <= 0 || mp.Days <= 0 {
			return Money{}, invalidInput("manpower: workers and days must be positive")
		}
		if mp.EstimatedCost.IsNegative() {
			return Money{}, invalidAmount("manpower: estimated cost is negative")
		}
		total = total.Add(mp.EstimatedCost)
	}
	return total, nil
}

func cloneLines(lines []LineItem) []LineItem {
	out := make([]LineItem, len(lines))
	for i, l := range lines {
		out[i] = LineItem{Name: l.Name, Quantity: l.Quantity, Unit: l.Unit, EstimatedCost: l.EstimatedCost}
	}
	return out
}

func requireOpenTask(g *Grievance) error {
	switch g.Status {
	case TaskResolved, TaskClosed, TaskRejected:
		return &StateError{Kind: "grievance", ID: g.ID, Actual: string(g.Status), Expected: "open"}
	}
	return nil
}

// =============================================================================
// APPROVAL INPUT - Explicit optional fields with a fixed fill rule
// =============================================================================

// LineApproval overrides one requested line, addressed by its index. A line
// with no LineApproval is approved in full.
type LineApproval struct {
	Index int `json:"index"`
	// Quantity defaults to the requested quantity.
	Quantity *int `json:"quantity,omitempty"`
	// Cost defaults to estimatedCost pro-rated by approved/requested quantity.
	Cost *Money `json:"cost,omitempty"`
}

type ManpowerApproval struct {
	Workers *int   `json:"workers,omitempty"`
	Days    *int   `json:"days,omitempty"`
	Cost    *Money `json:"cost,omitempty"`
}

type ApprovalInput struct {
	Materials []LineApproval    `json:"materials,omitempty"`
	Equipment []LineApproval    `json:"equipment,omitempty"`
	Manpower  *ManpowerApproval `json:"manpower,omitempty"`
	Notes     string            `json:"notes,omitempty"`
}

// applyApprovals fills the approved fields of req and returns the approved total.
func applyApprovals(req *ResourceRequest, in ApprovalInput) (Money, error) {
	var total Money

	for _, group := range []struct {
		kind      string
		lines     []LineItem
		approvals []LineApproval
	}{{"material", req.Materials, in.Materials}, {"equipment", req.Equipment, in.Equipment}} {
		sum, err := approveLines(group.kind, group.lines, group.approvals)
		if err != nil {
			return Money{}, err
		}
		total = total.Add(sum)
	}

	if mp := req.Manpower; mp != nil {
		mp.ApprovedWorkers, mp.ApprovedDays, mp.ApprovedCost = mp.Workers, mp.Days, mp.EstimatedCost
		if a := in.Manpower; a != nil {
			if a.Workers != nil {
				if *a.Workers < 0 || *a.Workers > mp.Workers {
					return Money{}, invalidInput("manpower: approved workers %d outside 0..%d", *a.Workers, mp.Workers)
				}
				mp.ApprovedWorkers = *a.Workers
			}
			if a.Days != nil {
				if *a.Days < 0 || *a.Days > mp.Days {
					return Money{}, invalidInput("manpower: approved days %d outside 0..%d", *a.Days, mp.Days)
				}
				mp.ApprovedDays = *a.Days
			}
			mp.ApprovedCost = mp.EstimatedCost.MulRatio(
				int64(mp.ApprovedWorkers*mp.ApprovedDays), int64(mp.Workers*mp.Days))
			if a.Cost != nil {
				if err := checkApprovedCost("manpower", *a.Cost, mp.EstimatedCost); err != nil {
					return Money{}, err
				}
				mp.ApprovedCost = *a.Cost
			}
		}
		total = total.Add(mp.ApprovedCost)
	} else if in.Manpower != nil {
		return Money{}, invalidInput("manpower approval given but request has no manpower")
	}

	return total, nil
}

func approveLines(kind string, lines []LineItem, approvals []LineApproval) (Money, error) {
	for i := range lines {
		lines[i].ApprovedQuantity = lines[i].Quantity
		lines[i].ApprovedCost = lines[i].EstimatedCost
	}
	seen := make(map[int]bool, len(approvals))
	for _, a := range approvals {
		if a.Index < 0 || a.Index >= len(lines) {
			return Money{}, invalidInput("%s index %d out of range", kind, a.Index)
		}
		if seen[a.Index] {
			return Money{}, invalidInput("%s index %d approved twice", kind, a.Index)
		}
		seen[a.Index] = true

		l := &lines[a.Index]
		if a.Quantity != nil {
			if *a.Quantity < 0 || *a.Quantity > l.Quantity {
				return Money{}, invalidInput("%s %q: approved quantity %d outside 0..%d", kind, l.Name, *a.Quantity, l.Quantity)
			}
			l.ApprovedQuantity = *a.Quantity
			l.ApprovedCost = l.EstimatedCost.MulRatio(int64(l.ApprovedQuantity), int64(l.Quantity))
		}
		if a.Cost != nil {
			if err := checkApprovedCost(kind+" "+l.Name, *a.Cost, l.EstimatedCost); err != nil {
				return Money{}, err
			}
			l.ApprovedCost = *a.Cost
		}
	}

	var sum Money
	for _, l := range lines {
		sum = sum.Add(l.ApprovedCost)
	}
	return sum, nil
}

func checkApprovedCost(what string, cost, estimate Money) error {
	if cost.IsNegative() {
		return invalidAmount("%s: approved cost %s is negative", what, cost)
	}
	if cost.GreaterThan(estimate) {
		return invalidAmount("%s: approved cost %s exceeds estimate %s", what, cost, estimate)
	}
	return nil
}

// =============================================================================
// APPROVE / REJECT
// =============================================================================

// Approve funds a pending request from the active envelope.
func (s *Service) Approve(ctx context.Context, requestID string, in ApprovalInput, reviewer string) (*ResourceRequest, error) {
	var out *ResourceRequest
	err := s.run(ctx, "approve", func(tx Tx, box *outbox) error {
		req, err := loadRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if req.Status != RequestPending {
			return &StateError{Kind: "resource request", ID: req.ID, Actual: string(req.Status), Expected: string(RequestPending)}
		}
		g, err := loadGrievance(ctx, tx, req.GrievanceID)
		if err != nil {
			return err
		}
		if err := requireOpenTask(g); err != nil {
			return err
		}

		total, err := applyApprovals(req, in)
		if err != nil {
			return err
		}
		if !total.IsPositive() {
			return invalidAmount("approved total is zero; reject the request instead")
		}

		env, err := activeEnvelope(ctx, tx)
		if err != nil {
			return err
		}
		// The approval lands in both reserved and pending until delivery.
		required := total.Add(total)
		if available := env.Available(); available.LessThan(required) {
			return &InsufficientBudgetError{Available: available, Requested: total, Required: required}
		}

		env.Operational.Reserved = env.Operational.Reserved.Add(total)
		env.Operational.Pending = env.Operational.Pending.Add(total)
		cat := env.ensureCategory(g.Category)
		cat.Pending = cat.Pending.Add(total)
		if g.Budget.Allocated.IsZero() {
			cat.GrievanceCount++
		}

		g.Budget.Allocated = g.Budget.Allocated.Add(total)
		g.Budget.recompute()

		now := s.now()
		g.UpdatedAt = now
		env.UpdatedAt = now
		req.Status = RequestApproved
		req.TotalApprovedCost = total
		req.ReviewedBy = reviewer
		req.ReviewedAt = &now
		req.ReviewNotes = in.Notes
		req.UpdatedAt = now

		if err := tx.SaveEnvelope(ctx, env); err != nil {
			return err
		}
		if err := tx.SaveGrievance(ctx, g); err != nil {
			return err
		}
		if err := tx.SaveRequest(ctx, req); err != nil {
			return err
		}
		if err := s.audit(ctx, tx, AuditRequestApproved, reviewer, TargetResourceRequest, req.ID, total, map[string]any{
			"grievanceId":        g.ID,
			"totalEstimatedCost": req.TotalEstimatedCost.String(),
			"partial":            req.Partial(),
			"availableAfter":     env.Available().String(),
		}); err != nil {
			return err
		}

		box.add(Notification{
			Kind:      NotifyRequestApproved,
			Recipient: req.RequestedBy,
			Subject:   "Resource request approved",
			Message:   fmt.Sprintf("Your request for grievance %s was approved for %s.", g.ID, total),
			TargetID:  req.ID,
			Amount:    total,
		})
		out = req
		return nil
	})
	return out, err
}

func (s *Service) Reject(ctx context.Context, requestID, reason, reviewer string) (*ResourceRequest, error) {
	if reason == "" {
		return nil, invalidInput("rejection reason is required")
	}
	var out *ResourceRequest
	err := s.run(ctx, "reject", func(tx Tx, box *outbox) error {
		req, err := loadRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if req.Status != RequestPending {
			return &StateError{Kind: "resource request", ID: req.ID, Actual: string(req.Status), Expected: string(RequestPending)}
		}
		now := s.now()
		req.Status = RequestRejected
		req.RejectionReason = reason
		req.ReviewedBy = reviewer
		req.ReviewedAt = &now
		req.UpdatedAt = now
		if err := tx.SaveRequest(ctx, req); err != nil {
			return err
		}
		if err := s.audit(ctx, tx, AuditRequestRejected, reviewer, TargetResourceRequest, req.ID, Money{}, map[string]any{
			"grievanceId": req.GrievanceID,
			"reason":      reason,
		}); err != nil {
			return err
		}
		box.add(Notification{
			Kind:      NotifyRequestRejected,
			Recipient: req.RequestedBy,
			Subject:   "Resource request rejected",
			Message:   reason,
			TargetID:  req.ID,
		})
		out = req
		return nil
	})
	return out, err
}

// =============================================================================
// DISPATCH / DELIVER
// =============================================================================

func approvedStatus(r *ResourceRequest) bool {
	return r.Status == RequestApproved || r.Status == RequestPartiallyApproved
}

// MarkInTransit records that approved resources left the store. No money moves.
func (s *Service) MarkInTransit(ctx context.Context, requestID, actor string) (*ResourceRequest, error) {
	var out *ResourceRequest
	err := s.run(ctx, "dispatch", func(tx Tx, _ *outbox) error {
		req, err := loadRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if !approvedStatus(req) {
			return &StateError{Kind: "resource request", ID: req.ID, Actual: string(req.Status), Expected: string(RequestApproved)}
		}
		if req.DeliveryStatus != DeliveryNotStarted {
			return &StateError{Kind: "resource request", ID: req.ID, Actual: string(req.DeliveryStatus), Expected: string(DeliveryNotStarted)}
		}
		req.DeliveryStatus = DeliveryInTransit
		req.UpdatedAt = s.now()
		if err := tx.SaveRequest(ctx, req); err != nil {
			return err
		}
		out = req
		return s.audit(ctx, tx, AuditResourceDispatched, actor, TargetResourceRequest, req.ID, req.TotalApprovedCost, nil)
	})
	return out, err
}

// Deliver releases the reservation into envelope spent. The task snapshot is
// left alone until the engineer reports actual spend.
func (s *Service) Deliver(ctx context.Context, requestID, actor string) (*ResourceRequest, error) {
	var out *ResourceRequest
	err := s.run(ctx, "deliver", func(tx Tx, box *outbox) error {
		req, err := loadRequest(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if !approvedStatus(req) {
			return &StateError{Kind: "resource request", ID: req.ID, Actual: string(req.Status), Expected: string(RequestApproved)}
		}
		if req.DeliveryStatus == DeliveryDelivered || req.DeliveryStatus == DeliveryCompleted {
			return &StateError{Kind: "resource request", ID: req.ID, Actual: string(req.DeliveryStatus), Expected: "not delivered"}
		}
		env, err := activeEnvelope(ctx, tx)
		if err != nil {
			return err
		}

		total := req.TotalApprovedCost
		s.releasePending(&env.Operational.Reserved, total, "reserved")
		s.releasePending(&env.Operational.Pending, total, "pending")
		env.Operational.Spent = env.Operational.Spent.Add(total)

		now := s.now()
		env.UpdatedAt = now
		req.DeliveryStatus = DeliveryDelivered
		req.DeliveredAt = &now
		req.UpdatedAt = now

		if err := tx.SaveEnvelope(ctx, env); err != nil {
			return err
		}
		if err := tx.SaveRequest(ctx, req); err != nil {
			return err
		}
		if err := s.audit(ctx, tx, AuditResourceDelivered, actor, TargetResourceRequest, req.ID, total, map[string]any{
			"grievanceId":   req.GrievanceID,
			"envelopeSpent": env.Operational.Spent.String(),
		}); err != nil {
			return err
		}
		box.add(Notification{
			Kind:      NotifyResourceDelivered,
			Recipient: req.RequestedBy,
			Subject:   "Resources delivered",
			Message:   fmt.Sprintf("Resources worth %s were delivered for grievance %s.", total, req.GrievanceID),
			TargetID:  req.ID,
			Amount:    total,
		})
		out = req
		return nil
	})
	return out, err
}

func (s *Service) ListRequests(ctx context.Context, filter RequestFilter) ([]ResourceRequest, error) {
	return s.Store.ListRequests(ctx, filter)
}
