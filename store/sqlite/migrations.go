package sqlite

import (
	"context"
	"fmt"
)

// SchemaVersion is the schema version this build expects after Migrate.
const SchemaVersion = 3

type migration struct {
	Version     int
	Description string
	Statements  []string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "ledger tables",
		Statements: []string{
			// Money columns are TEXT holding 2-decimal strings; never REAL.
			`CREATE TABLE IF NOT EXISTS system_budgets (
				id TEXT PRIMARY KEY,
				fiscal_year TEXT NOT NULL,
				total_allocated TEXT NOT NULL,
				op_allocated TEXT NOT NULL,
				op_spent TEXT NOT NULL,
				op_pending TEXT NOT NULL,
				op_reserved TEXT NOT NULL,
				categories_json TEXT NOT NULL DEFAULT '[]',
				status TEXT NOT NULL,
				created_by TEXT,
				version INTEGER NOT NULL,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS grievances (
				id TEXT PRIMARY KEY,
				title TEXT NOT NULL,
				category TEXT NOT NULL,
				status TEXT NOT NULL,
				assigned_to TEXT,
				assigned_by TEXT,
				assigned_at TEXT,
				budget_allocated TEXT NOT NULL,
				budget_spent TEXT NOT NULL,
				budget_remaining TEXT NOT NULL,
				budget_total_spent TEXT NOT NULL,
				expenses_json TEXT NOT NULL DEFAULT '[]',
				bill_images_json TEXT NOT NULL DEFAULT '[]',
				admin_notes TEXT,
				resolved_at TEXT,
				closed_at TEXT,
				closed_by TEXT,
				version INTEGER NOT NULL,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_grievances_status ON grievances(status)`,
			`CREATE TABLE IF NOT EXISTS resource_requests (
				id TEXT PRIMARY KEY,
				grievance_id TEXT NOT NULL REFERENCES grievances(id),
				requested_by TEXT NOT NULL,
				status TEXT NOT NULL,
				delivery_status TEXT NOT NULL,
				materials_json TEXT NOT NULL DEFAULT '[]',
				equipment_json TEXT NOT NULL DEFAULT '[]',
				manpower_json TEXT,
				total_estimated_cost TEXT NOT NULL,
				total_approved_cost TEXT NOT NULL,
				actual_spent TEXT NOT NULL,
				refetched_amount TEXT NOT NULL,
				refetch_message TEXT,
				refetched_at TEXT,
				refetched_by TEXT,
				reviewed_by TEXT,
				reviewed_at TEXT,
				review_notes TEXT,
				rejection_reason TEXT,
				delivered_at TEXT,
				synthetic INTEGER NOT NULL DEFAULT 0,
				version INTEGER NOT NULL,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_resource_requests_grievance ON resource_requests(grievance_id)`,
			`CREATE TABLE IF NOT EXISTS audit_logs (
				id TEXT PRIMARY KEY,
				action TEXT NOT NULL,
				performed_by TEXT,
				target_model TEXT NOT NULL,
				target_id TEXT NOT NULL,
				amount TEXT NOT NULL,
				details_json TEXT,
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_audit_logs_target ON audit_logs(target_model, target_id)`,
		},
	},
	{
		Version:     2,
		Description: "single active budget",
		Statements: []string{
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_system_budgets_one_active
				ON system_budgets(status) WHERE status = 'active'`,
		},
	},
	{
		Version:     3,
		Description: "append-only audit log",
		Statements: []string{
			`CREATE TRIGGER IF NOT EXISTS audit_logs_no_update
				BEFORE UPDATE ON audit_logs
				BEGIN SELECT RAISE(ABORT, 'audit_logs is append-only'); END`,
			`CREATE TRIGGER IF NOT EXISTS audit_logs_no_delete
				BEFORE DELETE ON audit_logs
				BEGIN SELECT RAISE(ABORT, 'audit_logs is append-only'); END`,
		},
	},
}

// Migrate applies pending migrations. The applied version lives in
// PRAGMA user_version.
func (s *Store) Migrate(ctx context.Context) error {
	var current int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := s.apply(ctx, m); err != nil {
			return err
		}
		s.log.Info().Int("version", m.Version).Str("description", m.Description).Msg("applied migration")
	}

	var final int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&final); err != nil {
		return fmt.Errorf("failed to verify schema version: %w", err)
	}
	if final != SchemaVersion {
		return fmt.Errorf("schema version mismatch: expected %d, got %d", SchemaVersion, final)
	}
	return nil
}

func (s *Store) apply(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration %d: %w", m.Version, err)
	}
	defer tx.Rollback()

	for _, stmt := range m.Statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Description, err)
		}
	}
	// PRAGMA does not accept bind parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", m.Version)); err != nil {
		return fmt.Errorf("failed to set schema version %d: %w", m.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
	}
	return nil
}
