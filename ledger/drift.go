package ledger

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// DRIFT REPORT - Read-only reconciliation of envelope against tasks/requests
// =============================================================================

type DriftKind string

const (
	DriftNegativeAvailable    DriftKind = "negative_available"
	DriftNegativeCounter      DriftKind = "negative_counter"
	DriftSnapshotMismatch     DriftKind = "snapshot_mismatch"
	DriftOverspentTask        DriftKind = "overspent_task"
	DriftRequestOverAccounted DriftKind = "request_over_accounted"
	DriftDoubleBooked         DriftKind = "double_booked"
	DriftStrandedReservation  DriftKind = "stranded_reservation"
	DriftReservedMismatch     DriftKind = "reserved_mismatch"
)

type DriftFinding struct {
	Kind        DriftKind `json:"kind"`
	TargetModel string    `json:"targetModel"`
	TargetID    string    `json:"targetId"`
	Amount      Money     `json:"amount"`
	Message     string    `json:"message"`
}

type DriftReport struct {
	EnvelopeID string         `json:"envelopeId"`
	FiscalYear string         `json:"fiscalYear"`
	CheckedAt  time.Time      `json:"checkedAt"`
	Available  Money          `json:"available"`
	Findings   []DriftFinding `json:"findings"`
	// DoubleBooked is the envelope spend recorded both at delivery and at
	// confirmation, summed over closed tasks.
	DoubleBooked Money `json:"doubleBooked"`
}

func (r *DriftReport) Clean() bool { return len(r.Findings) == 0 }

func (r *DriftReport) add(kind DriftKind, model, id string, amount Money, format string, args ...any) {
	r.Findings = append(r.Findings, DriftFinding{
		Kind:        kind,
		TargetModel: model,
		TargetID:    id,
		Amount:      amount,
		Message:     fmt.Sprintf(format, args...),
	})
}

// CheckDrift recomputes what the active envelope should hold from the task
// snapshots and requests, and reports every disagreement. It never writes.
func (s *Service) CheckDrift(ctx context.Context) (*DriftReport, error) {
	env, err := activeEnvelope(ctx, s.Store)
	if err != nil {
		return nil, err
	}
	tasks, err := s.Store.ListGrievances(ctx, GrievanceFilter{})
	if err != nil {
		return nil, fmt.Errorf("list grievances: %w", err)
	}
	reqs, err := s.Store.ListRequests(ctx, RequestFilter{})
	if err != nil {
		return nil, fmt.Errorf("list resource requests: %w", err)
	}

	report := &DriftReport{
		EnvelopeID: env.ID,
		FiscalYear: env.FiscalYear,
		CheckedAt:  s.now(),
		Available:  env.Available(),
		Findings:   []DriftFinding{},
	}

	if report.Available.IsNegative() {
		report.add(DriftNegativeAvailable, TargetSystemBudget, env.ID, report.Available,
			"available is %s", report.Available)
	}
	for _, c := range []struct {
		name  string
		value Money
	}{
		{"spent", env.Operational.Spent},
		{"pending", env.Operational.Pending},
		{"reserved", env.Operational.Reserved},
	} {
		if c.value.IsNegative() {
			report.add(DriftNegativeCounter, TargetSystemBudget, env.ID, c.value, "operational %s is %s", c.name, c.value)
		}
	}
	for _, c := range env.CategoryBudgets {
		if c.Pending.IsNegative() || c.Spent.IsNegative() {
			report.add(DriftNegativeCounter, TargetSystemBudget, env.ID, Money{},
				"category %s has pending %s, spent %s", c.Category, c.Pending, c.Spent)
		}
	}

	closed := make(map[string]bool, len(tasks))
	for i := range tasks {
		g := &tasks[i]
		b := g.Budget
		if want := b.Allocated.Sub(b.Spent); !b.RemainingBudget.Equal(want) {
			report.add(DriftSnapshotMismatch, TargetGrievance, g.ID, b.RemainingBudget.Sub(want),
				"remaining %s, allocated - spent is %s", b.RemainingBudget, want)
		}
		if b.Spent.GreaterThan(b.Allocated) {
			report.add(DriftOverspentTask, TargetGrievance, g.ID, b.Spent.Sub(b.Allocated),
				"spent %s exceeds allocated %s", b.Spent, b.Allocated)
		}
		closed[g.ID] = g.ClosedAt != nil
	}

	var expectedReserved Money
	for i := range reqs {
		r := &reqs[i]
		if used := r.ActualSpent.Add(r.RefetchedAmount); used.GreaterThan(r.TotalApprovedCost) {
			report.add(DriftRequestOverAccounted, TargetResourceRequest, r.ID, used.Sub(r.TotalApprovedCost),
				"actual %s + refetched %s exceeds approved %s", r.ActualSpent, r.RefetchedAmount, r.TotalApprovedCost)
		}
		if r.Synthetic {
			continue
		}
		delivered := r.DeliveryStatus == DeliveryDelivered || r.DeliveryStatus == DeliveryCompleted
		funded := approvedStatus(r) || r.Status == RequestRefetched
		switch {
		case funded && !delivered:
			expectedReserved = expectedReserved.Add(r.TotalApprovedCost)
			if closed[r.GrievanceID] {
				report.add(DriftStrandedReservation, TargetResourceRequest, r.ID, r.TotalApprovedCost,
					"reservation of %s held by closed grievance %s", r.TotalApprovedCost, r.GrievanceID)
			}
		case funded && delivered && closed[r.GrievanceID]:
			extra := r.TotalApprovedCost.Sub(r.RefetchedAmount)
			if extra.IsPositive() {
				report.DoubleBooked = report.DoubleBooked.Add(extra)
				report.add(DriftDoubleBooked, TargetResourceRequest, r.ID, extra,
					"%s booked to envelope spent at delivery and again at confirmation of grievance %s", extra, r.GrievanceID)
			}
		}
	}
	if !expectedReserved.Equal(env.Operational.Reserved) {
		report.add(DriftReservedMismatch, TargetSystemBudget, env.ID, env.Operational.Reserved.Sub(expectedReserved),
			"reserved %s, undelivered approvals total %s", env.Operational.Reserved, expectedReserved)
	}

	return report, nil
}
