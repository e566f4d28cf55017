/*
service.go - Ledger service: shared plumbing for every engine

PURPOSE:
  Service holds the store, notifier, logger, clock and ID source. Each engine
  (allocation.go, reconcile.go, refetch.go, confirm.go, envelope.go) is a set
  of methods on Service built on the same pattern:

    s.run(ctx, "approve", func(tx Tx, out *outbox) error {
        1. load records inside the transaction (envelope row is locked)
        2. validate - return an error and nothing is written
        3. mutate + Save* + AppendAudit
        4. queue notifications on out
    })

  Notifications are dispatched only after commit. Their failures are logged
  and never returned: the money movement is the operation's effect and is not
  rolled back for a side channel.
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// =============================================================================
// NOTIFIER - Best-effort side channel (email + in-app)
// =============================================================================

type NotificationKind string

const (
	NotifyRequestApproved   NotificationKind = "resource_request_approved"
	NotifyRequestRejected   NotificationKind = "resource_request_rejected"
	NotifyResourceDelivered NotificationKind = "resource_delivered"
	NotifyBudgetRefetched   NotificationKind = "budget_refetched"
	NotifyTaskAssigned      NotificationKind = "task_assigned"
	NotifyTaskConfirmed     NotificationKind = "task_confirmed"
)

type Notification struct {
	Kind      NotificationKind
	Recipient string
	Subject   string
	Message   string
	TargetID  string
	Amount    Money
}

// Notifier delivers notifications. Implementations may fail; the ledger only logs.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

type outbox struct {
	items []Notification
}

func (o *outbox) add(n Notification) {
	if n.Recipient == "" {
		return
	}
	o.items = append(o.items, n)
}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	Store    Store
	Notifier Notifier
	Log      zerolog.Logger

	// Now and NewID are replaceable in tests.
	Now   func() time.Time
	NewID func() string
}

func NewService(store Store, notifier Notifier, log zerolog.Logger) *Service {
	return &Service{
		Store:    store,
		Notifier: notifier,
		Log:      log.With().Str("component", "ledger").Logger(),
		Now:      time.Now,
		NewID:    uuid.NewString,
	}
}

func (s *Service) now() time.Time { return s.Now().UTC() }

func (s *Service) run(ctx context.Context, op string, fn func(tx Tx, out *outbox) error) error {
	out := &outbox{}
	if err := s.Store.WithTx(ctx, func(tx Tx) error { return fn(tx, out) }); err != nil {
		s.Log.Debug().Str("op", op).Err(err).Msg("ledger operation rejected")
		return err
	}
	s.dispatch(ctx, op, out.items)
	return nil
}

func (s *Service) dispatch(ctx context.Context, op string, items []Notification) {
	if s.Notifier == nil {
		return
	}
	for _, n := range items {
		if err := s.Notifier.Notify(ctx, n); err != nil {
			s.Log.Warn().
				Err(err).
				Str("op", op).
				Str("kind", string(n.Kind)).
				Str("recipient", n.Recipient).
				Str("target_id", n.TargetID).
				Msg("notification failed")
		}
	}
}

func (s *Service) audit(ctx context.Context, tx Tx, action AuditAction, actor, model, targetID string, amount Money, details map[string]any) error {
	entry := AuditEntry{
		ID:          s.NewID(),
		Action:      action,
		PerformedBy: actor,
		TargetModel: model,
		TargetID:    targetID,
		Amount:      amount,
		Details:     details,
		CreatedAt:   s.now(),
	}
	if err := tx.AppendAudit(ctx, entry); err != nil {
		return fmt.Errorf("append audit %s: %w", action, err)
	}
	return nil
}

// =============================================================================
// LOADERS - Turn store (nil, nil) into typed errors
// =============================================================================

func activeEnvelope(ctx context.Context, r Reader) (*SystemBudget, error) {
	env, err := r.ActiveEnvelope(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active budget: %w", err)
	}
	if env == nil {
		return nil, ErrNoActiveBudget
	}
	return env, nil
}

func loadGrievance(ctx context.Context, r Reader, id string) (*Grievance, error) {
	g, err := r.GetGrievance(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load grievance %s: %w", id, err)
	}
	if g == nil {
		return nil, &NotFoundError{Kind: "grievance", ID: id}
	}
	return g, nil
}

func loadRequest(ctx context.Context, r Reader, id string) (*ResourceRequest, error) {
	req, err := r.GetRequest(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load resource request %s: %w", id, err)
	}
	if req == nil {
		return nil, &NotFoundError{Kind: "resource request", ID: id}
	}
	return req, nil
}

func loadEnvelope(ctx context.Context, r Reader, id string) (*SystemBudget, error) {
	env, err := r.GetEnvelope(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load budget %s: %w", id, err)
	}
	if env == nil {
		return nil, &NotFoundError{Kind: "budget", ID: id}
	}
	return env, nil
}

// =============================================================================
// READS
// =============================================================================

func (s *Service) ActiveEnvelope(ctx context.Context) (*SystemBudget, error) {
	return activeEnvelope(ctx, s.Store)
}

func (s *Service) GetEnvelope(ctx context.Context, id string) (*SystemBudget, error) {
	return loadEnvelope(ctx, s.Store, id)
}

func (s *Service) GetGrievance(ctx context.Context, id string) (*Grievance, error) {
	return loadGrievance(ctx, s.Store, id)
}

func (s *Service) GetRequest(ctx context.Context, id string) (*ResourceRequest, error) {
	return loadRequest(ctx, s.Store, id)
}

// AuditTrail returns matching audit entries, newest first.
func (s *Service) AuditTrail(ctx context.Context, filter AuditFilter) ([]AuditEntry, error) {
	if filter.Limit < 0 {
		return nil, invalidInput("limit must not be negative")
	}
	return s.Store.QueryAudit(ctx, filter)
}

// =============================================================================
// GRIEVANCE INTAKE
// =============================================================================

type NewGrievance struct {
	ID       string
	Title    string
	Category string
}

// CreateGrievance registers a task with an empty budget snapshot. Filing and
// triage live outside the ledger; this is the minimum the ledger needs.
func (s *Service) CreateGrievance(ctx context.Context, in NewGrievance) (*Grievance, error) {
	if in.Title == "" {
		return nil, invalidInput("title is required")
	}
	if in.Category == "" {
		return nil, invalidInput("category is required")
	}
	now := s.now()
	g := &Grievance{
		ID:        in.ID,
		Title:     in.Title,
		Category:  in.Category,
		Status:    TaskPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if g.ID == "" {
		g.ID = s.NewID()
	}
	g.Budget.recompute()

	err := s.Store.WithTx(ctx, func(tx Tx) error {
		existing, err := tx.GetGrievance(ctx, g.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return invalidInput("grievance %s already exists", g.ID)
		}
		return tx.SaveGrievance(ctx, g)
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// StartWork moves an assigned task to in-progress.
func (s *Service) StartWork(ctx context.Context, grievanceID, engineer string) (*Grievance, error) {
	var out *Grievance
	err := s.run(ctx, "start_work", func(tx Tx, _ *outbox) error {
		g, err := loadGrievance(ctx, tx, grievanceID)
		if err != nil {
			return err
		}
		if g.Status != TaskAssigned {
			return &StateError{Kind: "grievance", ID: g.ID, Actual: string(g.Status), Expected: string(TaskAssigned)}
		}
		if engineer != "" && g.AssignedTo != "" && engineer != g.AssignedTo {
			return invalidInput("grievance %s is assigned to %s", g.ID, g.AssignedTo)
		}
		g.Status = TaskInProgress
		g.UpdatedAt = s.now()
		if err := tx.SaveGrievance(ctx, g); err != nil {
			return err
		}
		out = g
		return nil
	})
	return out, err
}
