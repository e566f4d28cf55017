/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Persists the three ledger records (system budget, grievance with its budget
  snapshot, resource request) and the audit log. The store/postgres package
  implements the same contract for production deployments.

KEY TABLES:
  system_budgets:    one row per fiscal-year envelope
  grievances:        task + embedded budget snapshot columns
  resource_requests: one row per approval event (line items as JSON)
  audit_logs:        append-only, enforced by triggers

SINGLE ACTIVE ENVELOPE:
  idx_system_budgets_one_active is a unique partial index on
  status WHERE status = 'active'. A second activation fails in the database,
  not only in the service.

CONCURRENCY:
  One connection, immediate transactions (_txlock=immediate) and a process
  mutex around WithTx. The available-balance check and the write that depends
  on it always run under the same write lock.

MONEY:
  Stored as TEXT with two decimals and parsed back with ledger.ParseMoney.
  Never REAL.

USAGE:
  store, err := sqlite.New("./data/ledger.db", log)
  if err != nil {
      log.Fatal().Err(err).Msg("open store")
  }
  defer store.Close()

  svc := ledger.NewService(store, notifier, log)

MIGRATION:
  Versioned migrations (migrations.go) run on New(). The `migrate` command
  runs them without starting the server.

SEE ALSO:
  - ledger/store.go: interface definitions
  - ledger/store/memory.go: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/civictrack/budget-ledger/ledger"
)

// Store implements ledger.Store using SQLite.
type Store struct {
	reader
	db  *sql.DB
	mu  sync.Mutex
	log zerolog.Logger
}

var _ ledger.Store = (*Store)(nil)

// New opens the database and migrates it.
// Use ":memory:" for an in-memory database.
func New(dbPath string, log zerolog.Logger) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{
		reader: reader{q: db},
		db:     db,
		log:    log.With().Str("component", "sqlite").Logger(),
	}
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for tests that need to poke at raw rows.
func (s *Store) DB() *sql.DB { return s.db }

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{reader: reader{q: sqlTx}, tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx. Reads inside a
// transaction must go through the transaction: the pool has one connection.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

type reader struct {
	q queryer
}

type txStore struct {
	reader
	tx *sql.Tx
}

// =============================================================================
// SYSTEM BUDGETS
// =============================================================================

const envelopeColumns = `id, fiscal_year, total_allocated, op_allocated, op_spent, op_pending,
	op_reserved, categories_json, status, created_by, version, created_at, updated_at`

func (r reader) ActiveEnvelope(ctx context.Context) (*ledger.SystemBudget, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+envelopeColumns+` FROM system_budgets WHERE status = ?`, string(ledger.BudgetActive))
	return scanEnvelopeRow(row)
}

func (r reader) GetEnvelope(ctx context.Context, id string) (*ledger.SystemBudget, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+envelopeColumns+` FROM system_budgets WHERE id = ?`, id)
	return scanEnvelopeRow(row)
}

func (r reader) ListEnvelopes(ctx context.Context) ([]ledger.SystemBudget, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+envelopeColumns+` FROM system_budgets ORDER BY created_at, id`)
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

func scanEnvelopeRow(row *sql.Row) (*ledger.SystemBudget, error) {
	b, err := scanEnvelope(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

func scanEnvelope(sc scanner) (*ledger.SystemBudget, error) {
	var (
		b                                     ledger.SystemBudget
		total, alloc, spent, pending, reserve string
		categories, status, createdAt, updAt  string
		createdBy                             sql.NullString
	)
	err := sc.Scan(&b.ID, &b.FiscalYear, &total, &alloc, &spent, &pending, &reserve,
		&categories, &status, &createdBy, &b.Version, &createdAt, &updAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan budget: %w", err)
	}
	b.Status = ledger.BudgetStatus(status)
	b.CreatedBy = createdBy.String
	var p fieldParser
	b.TotalAllocated = p.parse(total)
	b.Operational = ledger.OperationalBudget{
		Allocated: p.parse(alloc),
		Spent:     p.parse(spent),
		Pending:   p.parse(pending),
		Reserved:  p.parse(reserve),
	}
	b.CreatedAt = p.time(createdAt)
	b.UpdatedAt = p.time(updAt)
	if err := json.Unmarshal([]byte(categories), &b.CategoryBudgets); err != nil {
		return nil, fmt.Errorf("failed to decode categories of budget %s: %w", b.ID, err)
	}
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

	var res sql.Result
	if b.Version == 0 {
		res, err = ts.tx.ExecContext(ctx, `
			INSERT INTO system_budgets (`+envelopeColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
			b.ID, b.FiscalYear, b.TotalAllocated.String(), op.Allocated.String(), op.Spent.String(),
			op.Pending.String(), op.Reserved.String(), string(categories), string(b.Status),
			nullString(b.CreatedBy), formatTime(b.CreatedAt), formatTime(b.UpdatedAt))
	} else {
		res, err = ts.tx.ExecContext(ctx, `
			UPDATE system_budgets SET
				fiscal_year = ?, total_allocated = ?, op_allocated = ?, op_spent = ?,
				op_pending = ?, op_reserved = ?, categories_json = ?, status = ?,
				version = version + 1, updated_at = ?
			WHERE id = ? AND version = ?`,
			b.FiscalYear, b.TotalAllocated.String(), op.Allocated.String(), op.Spent.String(),
			op.Pending.String(), op.Reserved.String(), string(categories), string(b.Status),
			formatTime(b.UpdatedAt), b.ID, b.Version)
	}
	if err := checkWrite("budget", b.ID, res, err); err != nil {
		return err
	}
	b.Version++
	return nil
}

// =============================================================================
// GRIEVANCES
// =============================================================================

const grievanceColumns = `id, title, category, status, assigned_to, assigned_by, assigned_at,
	budget_allocated, budget_spent, budget_remaining, budget_total_spent, expenses_json,
	bill_images_json, admin_notes, resolved_at, closed_at, closed_by, version, created_at, updated_at`

func (r reader) GetGrievance(ctx context.Context, id string) (*ledger.Grievance, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+grievanceColumns+` FROM grievances WHERE id = ?`, id)
	g, err := scanGrievance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return g, err
}

func (r reader) ListGrievances(ctx context.Context, f ledger.GrievanceFilter) ([]ledger.Grievance, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.AssignedTo != "" {
		where = append(where, "assigned_to = ?")
		args = append(args, f.AssignedTo)
	}
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+grievanceColumns+` FROM grievances`+whereClause(where)+` ORDER BY created_at, id`, args...)
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

func scanGrievance(sc scanner) (*ledger.Grievance, error) {
	var (
		g                                          ledger.Grievance
		status, alloc, spent, remaining, totalSpnt string
		expenses, images, createdAt, updatedAt     string
		assignedTo, assignedBy, adminNotes, by     sql.NullString
		assignedAt, resolvedAt, closedAt           sql.NullString
	)
	err := sc.Scan(&g.ID, &g.Title, &g.Category, &status, &assignedTo, &assignedBy, &assignedAt,
		&alloc, &spent, &remaining, &totalSpnt, &expenses, &images, &adminNotes,
		&resolvedAt, &closedAt, &by, &g.Version, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan grievance: %w", err)
	}
	var p fieldParser
	g.Status = ledger.TaskStatus(status)
	g.AssignedTo = assignedTo.String
	g.AssignedBy = assignedBy.String
	g.AssignedAt = p.nullTime(assignedAt)
	g.AdminNotes = adminNotes.String
	g.ResolvedAt = p.nullTime(resolvedAt)
	g.ClosedAt = p.nullTime(closedAt)
	g.ClosedBy = by.String
	g.Budget.Allocated = p.parse(alloc)
	g.Budget.Spent = p.parse(spent)
	g.Budget.RemainingBudget = p.parse(remaining)
	g.Budget.TotalSpent = p.parse(totalSpnt)
	g.CreatedAt = p.time(createdAt)
	g.UpdatedAt = p.time(updatedAt)
	if err := json.Unmarshal([]byte(expenses), &g.Budget.ExpenseBreakdown); err != nil {
		return nil, fmt.Errorf("failed to decode expenses of grievance %s: %w", g.ID, err)
	}
	if err := json.Unmarshal([]byte(images), &g.Budget.BillImages); err != nil {
		return nil, fmt.Errorf("failed to decode bill images of grievance %s: %w", g.ID, err)
	}
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

	var res sql.Result
	if g.Version == 0 {
		res, err = ts.tx.ExecContext(ctx, `
			INSERT INTO grievances (`+grievanceColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
			g.ID, g.Title, g.Category, string(g.Status), nullString(g.AssignedTo), nullString(g.AssignedBy),
			nullTime(g.AssignedAt), b.Allocated.String(), b.Spent.String(), b.RemainingBudget.String(),
			b.TotalSpent.String(), string(expenses), string(images), nullString(g.AdminNotes),
			nullTime(g.ResolvedAt), nullTime(g.ClosedAt), nullString(g.ClosedBy),
			formatTime(g.CreatedAt), formatTime(g.UpdatedAt))
	} else {
		res, err = ts.tx.ExecContext(ctx, `
			UPDATE grievances SET
				title = ?, category = ?, status = ?, assigned_to = ?, assigned_by = ?, assigned_at = ?,
				budget_allocated = ?, budget_spent = ?, budget_remaining = ?, budget_total_spent = ?,
				expenses_json = ?, bill_images_json = ?, admin_notes = ?, resolved_at = ?,
				closed_at = ?, closed_by = ?, version = version + 1, updated_at = ?
			WHERE id = ? AND version = ?`,
			g.Title, g.Category, string(g.Status), nullString(g.AssignedTo), nullString(g.AssignedBy),
			nullTime(g.AssignedAt), b.Allocated.String(), b.Spent.String(), b.RemainingBudget.String(),
			b.TotalSpent.String(), string(expenses), string(images), nullString(g.AdminNotes),
			nullTime(g.ResolvedAt), nullTime(g.ClosedAt), nullString(g.ClosedBy),
			formatTime(g.UpdatedAt), g.ID, g.Version)
	}
	if err := checkWrite("grievance", g.ID, res, err); err != nil {
		return err
	}
	g.Version++
	return nil
}

// =============================================================================
// RESOURCE REQUESTS
// =============================================================================

const requestColumns = `id, grievance_id, requested_by, status, delivery_status, materials_json,
	equipment_json, manpower_json, total_estimated_cost, total_approved_cost, actual_spent,
	refetched_amount, refetch_message, refetched_at, refetched_by, reviewed_by, reviewed_at,
	review_notes, rejection_reason, delivered_at, synthetic, version, created_at, updated_at`

func (r reader) GetRequest(ctx context.Context, id string) (*ledger.ResourceRequest, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM resource_requests WHERE id = ?`, id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return req, err
}

func (r reader) ListRequests(ctx context.Context, f ledger.RequestFilter) ([]ledger.ResourceRequest, error) {
	var (
		where []string
		args  []any
	)
	if f.GrievanceID != "" {
		where = append(where, "grievance_id = ?")
		args = append(args, f.GrievanceID)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM resource_requests`+whereClause(where)+` ORDER BY created_at, id`, args...)
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

func scanRequest(sc scanner) (*ledger.ResourceRequest, error) {
	var (
		r                                      ledger.ResourceRequest
		status, delivery, materials, equipment string
		estimated, approved, actual, refetched string
		createdAt, updatedAt                   string
		manpower, message, refetchedBy         sql.NullString
		reviewedBy, notes, reason              sql.NullString
		refetchedAt, reviewedAt, deliveredAt   sql.NullString
		synthetic                              int
	)
	err := sc.Scan(&r.ID, &r.GrievanceID, &r.RequestedBy, &status, &delivery, &materials, &equipment,
		&manpower, &estimated, &approved, &actual, &refetched, &message, &refetchedAt, &refetchedBy,
		&reviewedBy, &reviewedAt, &notes, &reason, &deliveredAt, &synthetic, &r.Version,
		&createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan resource request: %w", err)
	}
	var p fieldParser
	r.Status = ledger.RequestStatus(status)
	r.DeliveryStatus = ledger.DeliveryStatus(delivery)
	r.TotalEstimatedCost = p.parse(estimated)
	r.TotalApprovedCost = p.parse(approved)
	r.ActualSpent = p.parse(actual)
	r.RefetchedAmount = p.parse(refetched)
	r.RefetchMessage = message.String
	r.RefetchedAt = p.nullTime(refetchedAt)
	r.RefetchedBy = refetchedBy.String
	r.ReviewedBy = reviewedBy.String
	r.ReviewedAt = p.nullTime(reviewedAt)
	r.ReviewNotes = notes.String
	r.RejectionReason = reason.String
	r.DeliveredAt = p.nullTime(deliveredAt)
	r.Synthetic = synthetic != 0
	r.CreatedAt = p.time(createdAt)
	r.UpdatedAt = p.time(updatedAt)
	if err := json.Unmarshal([]byte(materials), &r.Materials); err != nil {
		return nil, fmt.Errorf("failed to decode materials of request %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(equipment), &r.Equipment); err != nil {
		return nil, fmt.Errorf("failed to decode equipment of request %s: %w", r.ID, err)
	}
	if manpower.Valid {
		r.Manpower = &ledger.Manpower{}
		if err := json.Unmarshal([]byte(manpower.String), r.Manpower); err != nil {
			return nil, fmt.Errorf("failed to decode manpower of request %s: %w", r.ID, err)
		}
	}
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
	var manpower sql.NullString
	if r.Manpower != nil {
		raw, err := json.Marshal(r.Manpower)
		if err != nil {
			return fmt.Errorf("failed to encode manpower: %w", err)
		}
		manpower = sql.NullString{String: string(raw), Valid: true}
	}
	synthetic := 0
	if r.Synthetic {
		synthetic = 1
	}

	var res sql.Result
	if r.Version == 0 {
		res, err = ts.tx.ExecContext(ctx, `
			INSERT INTO resource_requests (`+requestColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
			r.ID, r.GrievanceID, r.RequestedBy, string(r.Status), string(r.DeliveryStatus),
			string(materials), string(equipment), manpower, r.TotalEstimatedCost.String(),
			r.TotalApprovedCost.String(), r.ActualSpent.String(), r.RefetchedAmount.String(),
			nullString(r.RefetchMessage), nullTime(r.RefetchedAt), nullString(r.RefetchedBy),
			nullString(r.ReviewedBy), nullTime(r.ReviewedAt), nullString(r.ReviewNotes),
			nullString(r.RejectionReason), nullTime(r.DeliveredAt), synthetic,
			formatTime(r.CreatedAt), formatTime(r.UpdatedAt))
	} else {
		res, err = ts.tx.ExecContext(ctx, `
			UPDATE resource_requests SET
				status = ?, delivery_status = ?, materials_json = ?, equipment_json = ?,
				manpower_json = ?, total_estimated_cost = ?, total_approved_cost = ?,
				actual_spent = ?, refetched_amount = ?, refetch_message = ?, refetched_at = ?,
				refetched_by = ?, reviewed_by = ?, reviewed_at = ?, review_notes = ?,
				rejection_reason = ?, delivered_at = ?, version = version + 1, updated_at = ?
			WHERE id = ? AND version = ?`,
			string(r.Status), string(r.DeliveryStatus), string(materials), string(equipment),
			manpower, r.TotalEstimatedCost.String(), r.TotalApprovedCost.String(),
			r.ActualSpent.String(), r.RefetchedAmount.String(), nullString(r.RefetchMessage),
			nullTime(r.RefetchedAt), nullString(r.RefetchedBy), nullString(r.ReviewedBy),
			nullTime(r.ReviewedAt), nullString(r.ReviewNotes), nullString(r.RejectionReason),
			nullTime(r.DeliveredAt), formatTime(r.UpdatedAt), r.ID, r.Version)
	}
	if err := checkWrite("resource request", r.ID, res, err); err != nil {
		return err
	}
	r.Version++
	return nil
}

// =============================================================================
// AUDIT LOG - INSERT only; triggers reject UPDATE and DELETE
// =============================================================================

func (ts *txStore) AppendAudit(ctx context.Context, e ledger.AuditEntry) error {
	var details sql.NullString
	if len(e.Details) > 0 {
		raw, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("failed to encode audit details: %w", err)
		}
		details = sql.NullString{String: string(raw), Valid: true}
	}
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO audit_logs (id, action, performed_by, target_model, target_id, amount, details_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Action), nullString(e.PerformedBy), e.TargetModel, e.TargetID,
		e.Amount.String(), details, formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (r reader) QueryAudit(ctx context.Context, f ledger.AuditFilter) ([]ledger.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.TargetModel != "" {
		where = append(where, "target_model = ?")
		args = append(args, f.TargetModel)
	}
	if f.TargetID != "" {
		where = append(where, "target_id = ?")
		args = append(args, f.TargetID)
	}
	if f.Action != "" {
		where = append(where, "action = ?")
		args = append(args, string(f.Action))
	}
	if f.PerformedBy != "" {
		where = append(where, "performed_by = ?")
		args = append(args, f.PerformedBy)
	}
	query := `SELECT id, action, performed_by, target_model, target_id, amount, details_json, created_at
		FROM audit_logs` + whereClause(where) + ` ORDER BY created_at DESC, rowid DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	out := []ledger.AuditEntry{}
	for rows.Next() {
		var (
			e                    ledger.AuditEntry
			action, amount, at   string
			performedBy, details sql.NullString
		)
		if err := rows.Scan(&e.ID, &action, &performedBy, &e.TargetModel, &e.TargetID, &amount, &details, &at); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		var p fieldParser
		e.Action = ledger.AuditAction(action)
		e.PerformedBy = performedBy.String
		e.Amount = p.parse(amount)
		e.CreatedAt = p.time(at)
		if p.err != nil {
			return nil, fmt.Errorf("audit entry %s: %w", e.ID, p.err)
		}
		if details.Valid {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				return nil, fmt.Errorf("failed to decode audit details %s: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

// checkWrite maps a versioned insert/update result onto ledger errors.
func checkWrite(kind, id string, res sql.Result, err error) error {
	if err != nil {
		var sqErr sqlite3.Error
		if errors.As(err, &sqErr) {
			switch sqErr.ExtendedCode {
			case sqlite3.ErrConstraintUnique:
				// The only UNIQUE index besides primary keys is the single-active one.
				return fmt.Errorf("%w: %s %s", ledger.ErrActiveBudgetExists, kind, id)
			case sqlite3.ErrConstraintPrimaryKey:
				return fmt.Errorf("%w: %s %s already exists", ledger.ErrConcurrentModification, kind, id)
			}
		}
		return fmt.Errorf("failed to save %s %s: %w", kind, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to save %s %s: %w", kind, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s changed since it was loaded", ledger.ErrConcurrentModification, kind, id)
	}
	return nil
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// timeLayout is fixed width so TEXT ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// nonNil keeps empty slices encoding as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// fieldParser collects the first parse failure so scans stay linear.
type fieldParser struct {
	err error
}

func (p *fieldParser) parse(s string) ledger.Money {
	m, err := ledger.ParseMoney(s)
	if err != nil && p.err == nil {
		p.err = err
	}
	return m
}

func (p *fieldParser) time(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("parse time %q: %w", s, err)
	}
	return t
}

func (p *fieldParser) nullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := p.time(s.String)
	return &t
}
