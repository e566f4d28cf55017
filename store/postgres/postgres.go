/*
Package postgres provides a PostgreSQL implementation of ledger.Store on pgx.

CONCURRENCY:
  Reads inside WithTx take row locks (SELECT ... FOR UPDATE). The active
  envelope row is the per-fiscal-year serialization point: two admins
  approving against the same envelope queue on that lock, and the second one
  sees the first one's reservation before its available check. Version
  columns catch any write that slips past the lock.

PARTIAL FAILURE:
  Every write runs in its own savepoint, so a failed statement does not
  poison the surrounding transaction. Bulk confirmation relies on this to
  record a per-task error and keep going.

MONEY:
  NUMERIC(14,2) columns. Values cross the wire as text ($n::text::numeric,
  col::text) so no float conversion ever happens.
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/civictrack/budget-ledger/ledger"
)

const (
	uniqueViolation      = "23505"
	serializationFailure = "40001"
	deadlockDetected     = "40P01"
)

type Store struct {
	reader
	pool *pgxpool.Pool
	log  zerolog.Logger
}

var _ ledger.Store = (*Store)(nil)

// New connects, pings and migrates.
func New(ctx context.Context, dsn string, log zerolog.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	s := &Store{
		reader: reader{q: pool},
		pool:   pool,
		log:    log.With().Str("component", "postgres").Logger(),
	}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() { s.pool.Close() }

// Pool exposes the pool for tests and health checks.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// WithTx runs fn in a read-committed transaction. A deadlock or
// serialization failure aborts the transaction and surfaces as
// ErrConcurrentModification so callers can retry.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(&txStore{reader: reader{q: tx, forUpdate: true}, tx: tx})
	})
	return retryable(err)
}

func retryable(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == deadlockDetected || pgErr.Code == serializationFailure) {
		return fmt.Errorf("%w: %s", ledger.ErrConcurrentModification, pgErr.Message)
	}
	return err
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type reader struct {
	q         querier
	forUpdate bool
}

func (r reader) lock() string {
	if r.forUpdate {
		return " FOR UPDATE"
	}
	return ""
}

type txStore struct {
	reader
	tx pgx.Tx
}

// exec runs one write inside a savepoint.
func (ts *txStore) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	sp, err := ts.tx.Begin(ctx)
	if err != nil {
		return pgconn.CommandTag{}, fmt.Errorf("failed to open savepoint: %w", err)
	}
	tag, err := sp.Exec(ctx, sql, args...)
	if err != nil {
		_ = sp.Rollback(ctx)
		return tag, err
	}
	if err := sp.Commit(ctx); err != nil {
		return tag, fmt.Errorf("failed to release savepoint: %w", err)
	}
	return tag, nil
}

// =============================================================================
// SYSTEM BUDGETS
// =============================================================================

const envelopeSelect = `SELECT id, fiscal_year, total_allocated::text, op_allocated::text, op_spent::text,
	op_pending::text, op_reserved::text, categories, status, created_by, version, created_at, updated_at
	FROM system_budgets`

func (r reader) ActiveEnvelope(ctx context.Context) (*ledger.SystemBudget, error) {
	return scanEnvelope(r.q.QueryRow(ctx, envelopeSelect+` WHERE status = $1`+r.lock(), string(ledger.BudgetActive)))
}

func (r reader) GetEnvelope(ctx context.Context, id string) (*ledger.SystemBudget, error) {
	return scanEnvelope(r.q.QueryRow(ctx, envelopeSelect+` WHERE id = $1`+r.lock(), id))
}

func (r reader) ListEnvelopes(ctx context.Context) ([]ledger.SystemBudget, error) {
	rows, err := r.q.Query(ctx, envelopeSelect+` ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list budgets: %w", err)
	}
	defer rows.Close()

	out := []ledger.SystemBudget{}
	for rows.Next() {
		b, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func scanEnvelope(row pgx.Row) (*ledger.SystemBudget, error) {
	var (
		b                                     ledger.SystemBudget
		total, alloc, spent, pending, reserve string
		categories                            []byte
		status                                string
		createdBy                             *string
	)
	err := row.Scan(&b.ID, &b.FiscalYear, &total, &alloc, &spent, &pending, &reserve,
		&categories, &status, &createdBy, &b.Version, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan budget: %w", err)
	}
	var p parser
	b.Status = ledger.BudgetStatus(status)
	b.CreatedBy = deref(createdBy)
	b.TotalAllocated = p.money(total)
	b.Operational = ledger.OperationalBudget{
		Allocated: p.money(alloc),
		Spent:     p.money(spent),
		Pending:   p.money(pending),
		Reserved:  p.money(reserve),
	}
	p.json(categories, &b.CategoryBudgets)
	b.CreatedAt, b.UpdatedAt = b.CreatedAt.UTC(), b.UpdatedAt.UTC()
	if p.err != nil {
		return nil, fmt.Errorf("budget %s: %w", b.ID, p.err)
	}
	return &b, nil
}

func (ts *txStore) SaveEnvelope(ctx context.Context, b *ledger.SystemBudget) error {
	categories, err := json.Marshal(nonNil(b.CategoryBudgets))
	if err != nil {
		return fmt.Errorf("failed to encode categories: %w", err)
	}
	op := b.Operational

	var tag pgconn.CommandTag
	if b.Version == 0 {
		tag, err = ts.exec(ctx, `
			INSERT INTO system_budgets (id, fiscal_year, total_allocated, op_allocated, op_spent,
				op_pending, op_reserved, categories, status, created_by, version, created_at, updated_at)
			VALUES ($1, $2, $3::text::numeric, $4::text::numeric, $5::text::numeric,
				$6::text::numeric, $7::text::numeric, $8, $9, $10, 1, $11, $12)`,
			b.ID, b.FiscalYear, b.TotalAllocated.String(), op.Allocated.String(), op.Spent.String(),
			op.Pending.String(), op.Reserved.String(), categories, string(b.Status),
			nullable(b.CreatedBy), b.CreatedAt, b.UpdatedAt)
	} else {
		tag, err = ts.exec(ctx, `
			UPDATE system_budgets SET
				fiscal_year = $1, total_allocated = $2::text::numeric, op_allocated = $3::text::numeric,
				op_spent = $4::text::numeric, op_pending = $5::text::numeric,
				op_reserved = $6::text::numeric, categories = $7, status = $8,
				version = version + 1, updated_at = $9
			WHERE id = $10 AND version = $11`,
			b.FiscalYear, b.TotalAllocated.String(), op.Allocated.String(), op.Spent.String(),
			op.Pending.String(), op.Reserved.String(), categories, string(b.Status),
			b.UpdatedAt, b.ID, b.Version)
	}
	if err := checkWrite("budget", b.ID, tag, err); err != nil {
		return err
	}
	b.Version++
	return nil
}

// =============================================================================
// GRIEVANCES
// =============================================================================

const grievanceSelect = `SELECT id, title, category, status, assigned_to, assigned_by, assigned_at,
	budget_allocated::text, budget_spent::text, budget_remaining::text, budget_total_spent::text,
	expenses, bill_images, admin_notes, resolved_at, closed_at, closed_by, version, created_at, updated_at
	FROM grievances`

func (r reader) GetGrievance(ctx context.Context, id string) (*ledger.Grievance, error) {
	return scanGrievance(r.q.QueryRow(ctx, grievanceSelect+` WHERE id = $1`+r.lock(), id))
}

func (r reader) ListGrievances(ctx context.Context, f ledger.GrievanceFilter) ([]ledger.Grievance, error) {
	var w where
	if f.Status != "" {
		w.add("status = ?", string(f.Status))
	}
	if f.AssignedTo != "" {
		w.add("assigned_to = ?", f.AssignedTo)
	}
	rows, err := r.q.Query(ctx, grievanceSelect+w.String()+` ORDER BY created_at, id`+r.lock(), w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list grievances: %w", err)
	}
	defer rows.Close()

	out := []ledger.Grievance{}
	for rows.Next() {
		g, err := scanGrievance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

func scanGrievance(row pgx.Row) (*ledger.Grievance, error) {
	var (
		g                                         ledger.Grievance
		status, alloc, spent, remaining, totSpent string
		expenses, images                          []byte
		assignedTo, assignedBy, notes, closedBy   *string
	)
	err := row.Scan(&g.ID, &g.Title, &g.Category, &status, &assignedTo, &assignedBy, &g.AssignedAt,
		&alloc, &spent, &remaining, &totSpent, &expenses, &images, &notes,
		&g.ResolvedAt, &g.ClosedAt, &closedBy, &g.Version, &g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan grievance: %w", err)
	}
	var p parser
	g.Status = ledger.TaskStatus(status)
	g.AssignedTo = deref(assignedTo)
	g.AssignedBy = deref(assignedBy)
	g.AdminNotes = deref(notes)
	g.ClosedBy = deref(closedBy)
	g.Budget.Allocated = p.money(alloc)
	g.Budget.Spent = p.money(spent)
	g.Budget.RemainingBudget = p.money(remaining)
	g.Budget.TotalSpent = p.money(totSpent)
	p.json(expenses, &g.Budget.ExpenseBreakdown)
	p.json(images, &g.Budget.BillImages)
	g.CreatedAt, g.UpdatedAt = g.CreatedAt.UTC(), g.UpdatedAt.UTC()
	if p.err != nil {
		return nil, fmt.Errorf("grievance %s: %w", g.ID, p.err)
	}
	return &g, nil
}

func (ts *txStore) SaveGrievance(ctx context.Context, g *ledger.Grievance) error {
	expenses, err := json.Marshal(nonNil(g.Budget.ExpenseBreakdown))
	if err != nil {
		return fmt.Errorf("failed to encode expenses: %w", err)
	}
	images, err := json.Marshal(nonNil(g.Budget.BillImages))
	if err != nil {
		return fmt.Errorf("failed to encode bill images: %w", err)
	}
	b := g.Budget

	var tag pgconn.CommandTag
	if g.Version == 0 {
		tag, err = ts.exec(ctx, `
			INSERT INTO grievances (id, title, category, status, assigned_to, assigned_by, assigned_at,
				budget_allocated, budget_spent, budget_remaining, budget_total_spent, expenses,
				bill_images, admin_notes, resolved_at, closed_at, closed_by, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8::text::numeric, $9::text::numeric,
				$10::text::numeric, $11::text::numeric, $12, $13, $14, $15, $16, $17, 1, $18, $19)`,
			g.ID, g.Title, g.Category, string(g.Status), nullable(g.AssignedTo), nullable(g.AssignedBy),
			g.AssignedAt, b.Allocated.String(), b.Spent.String(), b.RemainingBudget.String(),
			b.TotalSpent.String(), expenses, images, nullable(g.AdminNotes), g.ResolvedAt, g.ClosedAt,
			nullable(g.ClosedBy), g.CreatedAt, g.UpdatedAt)
	} else {
		tag, err = ts.exec(ctx, `
			UPDATE grievances SET
				title = $1, category = $2, status = $3, assigned_to = $4, assigned_by = $5,
				assigned_at = $6, budget_allocated = $7::text::numeric, budget_spent = $8::text::numeric,
				budget_remaining = $9::text::numeric, budget_total_spent = $10::text::numeric,
				expenses = $11, bill_images = $12, admin_notes = $13, resolved_at = $14,
				closed_at = $15, closed_by = $16, version = version + 1, updated_at = $17
			WHERE id = $18 AND version = $19`,
			g.Title, g.Category, string(g.Status), nullable(g.AssignedTo), nullable(g.AssignedBy),
			g.AssignedAt, b.Allocated.String(), b.Spent.String(), b.RemainingBudget.String(),
			b.TotalSpent.String(), expenses, images, nullable(g.AdminNotes), g.ResolvedAt, g.ClosedAt,
			nullable(g.ClosedBy), g.UpdatedAt, g.ID, g.Version)
	}
	if err := checkWrite("grievance", g.ID, tag, err); err != nil {
		return err
	}
	g.Version++
	return nil
}

// =============================================================================
// RESOURCE REQUESTS
// =============================================================================

const requestSelect = `SELECT id, grievance_id, requested_by, status, delivery_status, materials,
	equipment, manpower, total_estimated_cost::text, total_approved_cost::text, actual_spent::text,
	refetched_amount::text, refetch_message, refetched_at, refetched_by, reviewed_by, reviewed_at,
	review_notes, rejection_reason, delivered_at, synthetic, version, created_at, updated_at
	FROM resource_requests`

func (r reader) GetRequest(ctx context.Context, id string) (*ledger.ResourceRequest, error) {
	return scanRequest(r.q.QueryRow(ctx, requestSelect+` WHERE id = $1`+r.lock(), id))
}

func (r reader) ListRequests(ctx context.Context, f ledger.RequestFilter) ([]ledger.ResourceRequest, error) {
	var w where
	if f.GrievanceID != "" {
		w.add("grievance_id = ?", f.GrievanceID)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		w.add("status = ANY(?)", statuses)
	}
	rows, err := r.q.Query(ctx, requestSelect+w.String()+` ORDER BY created_at, id`+r.lock(), w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list resource requests: %w", err)
	}
	defer rows.Close()

	out := []ledger.ResourceRequest{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

func scanRequest(row pgx.Row) (*ledger.ResourceRequest, error) {
	var (
		r                                      ledger.ResourceRequest
		status, delivery                       string
		materials, equipment, manpower         []byte
		estimated, approved, actual, refetched string
		message, refetchedBy, reviewedBy       *string
		notes, reason                          *string
	)
	err := row.Scan(&r.ID, &r.GrievanceID, &r.RequestedBy, &status, &delivery, &materials, &equipment,
		&manpower, &estimated, &approved, &actual, &refetched, &message, &r.RefetchedAt, &refetchedBy,
		&reviewedBy, &r.ReviewedAt, &notes, &reason, &r.DeliveredAt, &r.Synthetic, &r.Version,
		&r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan resource request: %w", err)
	}
	var p parser
	r.Status = ledger.RequestStatus(status)
	r.DeliveryStatus = ledger.DeliveryStatus(delivery)
	r.TotalEstimatedCost = p.money(estimated)
	r.TotalApprovedCost = p.money(approved)
	r.ActualSpent = p.money(actual)
	r.RefetchedAmount = p.money(refetched)
	r.RefetchMessage = deref(message)
	r.RefetchedBy = deref(refetchedBy)
	r.ReviewedBy = deref(reviewedBy)
	r.ReviewNotes = deref(notes)
	r.RejectionReason = deref(reason)
	p.json(materials, &r.Materials)
	p.json(equipment, &r.Equipment)
	if manpower != nil {
		r.Manpower = &ledger.Manpower{}
		p.json(manpower, r.Manpower)
	}
	r.CreatedAt, r.UpdatedAt = r.CreatedAt.UTC(), r.UpdatedAt.UTC()
	if p.err != nil {
		return nil, fmt.Errorf("resource request %s: %w", r.ID, p.err)
	}
	return &r, nil
}

func (ts *txStore) SaveRequest(ctx context.Context, r *ledger.ResourceRequest) error {
	materials, err := json.Marshal(nonNil(r.Materials))
	if err != nil {
		return fmt.Errorf("failed to encode materials: %w", err)
	}
	equipment, err := json.Marshal(nonNil(r.Equipment))
	if err != nil {
		return fmt.Errorf("failed to encode equipment: %w", err)
	}
	var manpower []byte
	if r.Manpower != nil {
		if manpower, err = json.Marshal(r.Manpower); err != nil {
			return fmt.Errorf("failed to encode manpower: %w", err)
		}
	}

	var tag pgconn.CommandTag
	if r.Version == 0 {
		tag, err = ts.exec(ctx, `
			INSERT INTO resource_requests (id, grievance_id, requested_by, status, delivery_status,
				materials, equipment, manpower, total_estimated_cost, total_approved_cost, actual_spent,
				refetched_amount, refetch_message, refetched_at, refetched_by, reviewed_by, reviewed_at,
				review_notes, rejection_reason, delivered_at, synthetic, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::text::numeric, $10::text::numeric,
				$11::text::numeric, $12::text::numeric, $13, $14, $15, $16, $17, $18, $19, $20, $21,
				1, $22, $23)`,
			r.ID, r.GrievanceID, r.RequestedBy, string(r.Status), string(r.DeliveryStatus),
			materials, equipment, manpower, r.TotalEstimatedCost.String(), r.TotalApprovedCost.String(),
			r.ActualSpent.String(), r.RefetchedAmount.String(), nullable(r.RefetchMessage),
			r.RefetchedAt, nullable(r.RefetchedBy), nullable(r.ReviewedBy), r.ReviewedAt,
			nullable(r.ReviewNotes), nullable(r.RejectionReason), r.DeliveredAt, r.Synthetic,
			r.CreatedAt, r.UpdatedAt)
	} else {
		tag, err = ts.exec(ctx, `
			UPDATE resource_requests SET
				status = $1, delivery_status = $2, materials = $3, equipment = $4, manpower = $5,
				total_estimated_cost = $6::text::numeric, total_approved_cost = $7::text::numeric,
				actual_spent = $8::text::numeric, refetched_amount = $9::text::numeric,
				refetch_message = $10, refetched_at = $11, refetched_by = $12, reviewed_by = $13,
				reviewed_at = $14, review_notes = $15, rejection_reason = $16, delivered_at = $17,
				version = version + 1, updated_at = $18
			WHERE id = $19 AND version = $20`,
			string(r.Status), string(r.DeliveryStatus), materials, equipment, manpower,
			r.TotalEstimatedCost.String(), r.TotalApprovedCost.String(), r.ActualSpent.String(),
			r.RefetchedAmount.String(), nullable(r.RefetchMessage), r.RefetchedAt,
			nullable(r.RefetchedBy), nullable(r.ReviewedBy), r.ReviewedAt, nullable(r.ReviewNotes),
			nullable(r.RejectionReason), r.DeliveredAt, r.UpdatedAt, r.ID, r.Version)
	}
	if err := checkWrite("resource request", r.ID, tag, err); err != nil {
		return err
	}
	r.Version++
	return nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (ts *txStore) AppendAudit(ctx context.Context, e ledger.AuditEntry) error {
	var details []byte
	if len(e.Details) > 0 {
		var err error
		if details, err = json.Marshal(e.Details); err != nil {
			return fmt.Errorf("failed to encode audit details: %w", err)
		}
	}
	_, err := ts.exec(ctx, `
		INSERT INTO audit_logs (id, action, performed_by, target_model, target_id, amount, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::text::numeric, $7, $8)`,
		e.ID, string(e.Action), nullable(e.PerformedBy), e.TargetModel, e.TargetID,
		e.Amount.String(), details, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (r reader) QueryAudit(ctx context.Context, f ledger.AuditFilter) ([]ledger.AuditEntry, error) {
	var w where
	if f.TargetModel != "" {
		w.add("target_model = ?", f.TargetModel)
	}
	if f.TargetID != "" {
		w.add("target_id = ?", f.TargetID)
	}
	if f.Action != "" {
		w.add("action = ?", string(f.Action))
	}
	if f.PerformedBy != "" {
		w.add("performed_by = ?", f.PerformedBy)
	}
	query := `SELECT id, action, performed_by, target_model, target_id, amount::text, details, created_at
		FROM audit_logs` + w.String() + ` ORDER BY created_at DESC, seq DESC`
	args := w.args
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	out := []ledger.AuditEntry{}
	for rows.Next() {
		var (
			e              ledger.AuditEntry
			action, amount string
			performedBy    *string
			details        []byte
		)
		if err := rows.Scan(&e.ID, &action, &performedBy, &e.TargetModel, &e.TargetID, &amount, &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		var p parser
		e.Action = ledger.AuditAction(action)
		e.PerformedBy = deref(performedBy)
		e.Amount = p.money(amount)
		e.CreatedAt = e.CreatedAt.UTC()
		if details != nil {
			p.json(details, &e.Details)
		}
		if p.err != nil {
			return nil, fmt.Errorf("audit entry %s: %w", e.ID, p.err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func checkWrite(kind, id string, tag pgconn.CommandTag, err error) error {
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			if pgErr.ConstraintName == "system_budgets_one_active" {
				return fmt.Errorf("%w: %s %s", ledger.ErrActiveBudgetExists, kind, id)
			}
			return fmt.Errorf("%w: %s %s already exists", ledger.ErrConcurrentModification, kind, id)
		}
		return fmt.Errorf("failed to save %s %s: %w", kind, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s %s changed since it was loaded", ledger.ErrConcurrentModification, kind, id)
	}
	return nil
}

// where builds a WHERE clause with numbered placeholders. Conditions use "?"
// for their single argument.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, strings.Replace(cond, "?", fmt.Sprintf("$%d", len(w.args)), 1))
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

type parser struct {
	err error
}

func (p *parser) money(s string) ledger.Money {
	m, err := ledger.ParseMoney(s)
	if err != nil && p.err == nil {
		p.err = err
	}
	return m
}

func (p *parser) json(raw []byte, v any) {
	if err := json.Unmarshal(raw, v); err != nil && p.err == nil {
		p.err = fmt.Errorf("decode json: %w", err)
	}
}
