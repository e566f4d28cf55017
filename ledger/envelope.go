package ledger

import (
	"context"
	"fmt"
)

// =============================================================================
// ENVELOPE LIFECYCLE - draft -> active -> closed -> archived
// =============================================================================

type NewEnvelope struct {
	FiscalYear string
	// TotalAllocated defaults to Operational when zero.
	TotalAllocated Money
	Operational    Money
	Categories     []CategoryAllocation
	CreatedBy      string
}

type CategoryAllocation struct {
	Category  string
	Allocated Money
}

// CreateEnvelope stores a new envelope in draft. Money only moves against an
// envelope once it is activated.
func (s *Service) CreateEnvelope(ctx context.Context, in NewEnvelope) (*SystemBudget, error) {
	if in.FiscalYear == "" {
		return nil, invalidInput("fiscal year is required")
	}
	if !in.Operational.IsPositive() {
		return nil, invalidAmount("operational allocation must be positive, got %s", in.Operational)
	}
	total := in.TotalAllocated
	if total.IsZero() {
		total = in.Operational
	}
	if in.Operational.GreaterThan(total) {
		return nil, invalidAmount("operational allocation %s exceeds total %s", in.Operational, total)
	}

	seen := make(map[string]bool, len(in.Categories))
	categories := make([]CategoryBudget, 0, len(in.Categories))
	for _, c := range in.Categories {
		if c.Category == "" {
			return nil, invalidInput("category name is required")
		}
		if seen[c.Category] {
			return nil, invalidInput("duplicate category %q", c.Category)
		}
		if c.Allocated.IsNegative() {
			return nil, invalidAmount("category %q allocation is negative", c.Category)
		}
		seen[c.Category] = true
		categories = append(categories, CategoryBudget{Category: c.Category, Allocated: c.Allocated})
	}

	now := s.now()
	env := &SystemBudget{
		ID:              s.NewID(),
		FiscalYear:      in.FiscalYear,
		TotalAllocated:  total,
		Operational:     OperationalBudget{Allocated: in.Operational},
		CategoryBudgets: categories,
		Status:          BudgetDraft,
		CreatedBy:       in.CreatedBy,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err := s.run(ctx, "create_envelope", func(tx Tx, _ *outbox) error {
		if err := tx.SaveEnvelope(ctx, env); err != nil {
			return err
		}
		return s.audit(ctx, tx, AuditBudgetCreated, in.CreatedBy, TargetSystemBudget, env.ID, env.Operational.Allocated, map[string]any{
			"fiscalYear":     env.FiscalYear,
			"totalAllocated": env.TotalAllocated.String(),
		})
	})
	if err != nil {
		return nil, err
	}
	return env, nil
}

// ActivateEnvelope makes a draft envelope the single active one.
func (s *Service) ActivateEnvelope(ctx context.Context, id, actor string) (*SystemBudget, error) {
	return s.transitionEnvelope(ctx, id, actor, BudgetDraft, BudgetActive)
}

func (s *Service) CloseEnvelope(ctx context.Context, id, actor string) (*SystemBudget, error) {
	return s.transitionEnvelope(ctx, id, actor, BudgetActive, BudgetClosed)
}

func (s *Service) ArchiveEnvelope(ctx context.Context, id, actor string) (*SystemBudget, error) {
	return s.transitionEnvelope(ctx, id, actor, BudgetClosed, BudgetArchived)
}

func (s *Service) transitionEnvelope(ctx context.Context, id, actor string, from, to BudgetStatus) (*SystemBudget, error) {
	var out *SystemBudget
	err := s.run(ctx, "envelope_"+string(to), func(tx Tx, _ *outbox) error {
		env, err := loadEnvelope(ctx, tx, id)
		if err != nil {
			return err
		}
		if env.Status != from {
			return &StateError{Kind: "budget", ID: env.ID, Actual: string(env.Status), Expected: string(from)}
		}
		if to == BudgetActive {
			current, err := tx.ActiveEnvelope(ctx)
			if err != nil {
				return fmt.Errorf("load active budget: %w", err)
			}
			if current != nil {
				return fmt.Errorf("%w: %s (%s)", ErrActiveBudgetExists, current.ID, current.FiscalYear)
			}
		}
		env.Status = to
		env.UpdatedAt = s.now()
		if err := tx.SaveEnvelope(ctx, env); err != nil {
			return err
		}
		out = env
		return s.audit(ctx, tx, AuditBudgetStatusChanged, actor, TargetSystemBudget, env.ID, Money{}, map[string]any{
			"from": string(from),
			"to":   string(to),
		})
	})
	return out, err
}

func (s *Service) ListEnvelopes(ctx context.Context) ([]SystemBudget, error) {
	return s.Store.ListEnvelopes(ctx)
}

// releasePending lowers a pending-style counter, clamping at zero. A clamp
// means the counters already disagree.
func (s *Service) releasePending(counter *Money, amount Money, name string) {
	*counter = s.clampedSub(*counter, amount, name, "")
}
