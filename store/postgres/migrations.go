package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "ledger tables",
		SQL: `
			CREATE TABLE IF NOT EXISTS system_budgets (
				id              TEXT PRIMARY KEY,
				fiscal_year     TEXT NOT NULL,
				total_allocated NUMERIC(14,2) NOT NULL,
				op_allocated    NUMERIC(14,2) NOT NULL,
				op_spent        NUMERIC(14,2) NOT NULL,
				op_pending      NUMERIC(14,2) NOT NULL,
				op_reserved     NUMERIC(14,2) NOT NULL,
				categories      JSONB NOT NULL DEFAULT '[]',
				status          TEXT NOT NULL,
				created_by      TEXT,
				version         BIGINT NOT NULL,
				created_at      TIMESTAMPTZ NOT NULL,
				updated_at      TIMESTAMPTZ NOT NULL
			);

			CREATE TABLE IF NOT EXISTS grievances (
				id                 TEXT PRIMARY KEY,
				title              TEXT NOT NULL,
				category           TEXT NOT NULL,
				status             TEXT NOT NULL,
				assigned_to        TEXT,
				assigned_by        TEXT,
				assigned_at        TIMESTAMPTZ,
				budget_allocated   NUMERIC(14,2) NOT NULL,
				budget_spent       NUMERIC(14,2) NOT NULL,
				budget_remaining   NUMERIC(14,2) NOT NULL,
				budget_total_spent NUMERIC(14,2) NOT NULL,
				expenses           JSONB NOT NULL DEFAULT '[]',
				bill_images        JSONB NOT NULL DEFAULT '[]',
				admin_notes        TEXT,
				resolved_at        TIMESTAMPTZ,
				closed_at          TIMESTAMPTZ,
				closed_by          TEXT,
				version            BIGINT NOT NULL,
				created_at         TIMESTAMPTZ NOT NULL,
				updated_at         TIMESTAMPTZ NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_grievances_status ON grievances(status);

			CREATE TABLE IF NOT EXISTS resource_requests (
				id                   TEXT PRIMARY KEY,
				grievance_id         TEXT NOT NULL REFERENCES grievances(id),
				requested_by         TEXT NOT NULL,
				status               TEXT NOT NULL,
				delivery_status      TEXT NOT NULL,
				materials            JSONB NOT NULL DEFAULT '[]',
				equipment            JSONB NOT NULL DEFAULT '[]',
				manpower             JSONB,
				total_estimated_cost NUMERIC(14,2) NOT NULL,
				total_approved_cost  NUMERIC(14,2) NOT NULL,
				actual_spent         NUMERIC(14,2) NOT NULL,
				refetched_amount     NUMERIC(14,2) NOT NULL,
				refetch_message      TEXT,
				refetched_at         TIMESTAMPTZ,
				refetched_by         TEXT,
				reviewed_by          TEXT,
				reviewed_at          TIMESTAMPTZ,
				review_notes         TEXT,
				rejection_reason     TEXT,
				delivered_at         TIMESTAMPTZ,
				synthetic            BOOLEAN NOT NULL DEFAULT FALSE,
				version              BIGINT NOT NULL,
				created_at           TIMESTAMPTZ NOT NULL,
				updated_at           TIMESTAMPTZ NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_resource_requests_grievance ON resource_requests(grievance_id);

			CREATE TABLE IF NOT EXISTS audit_logs (
				seq          BIGSERIAL UNIQUE,
				id           TEXT PRIMARY KEY,
				action       TEXT NOT NULL,
				performed_by TEXT,
				target_model TEXT NOT NULL,
				target_id    TEXT NOT NULL,
				amount       NUMERIC(14,2) NOT NULL,
				details      JSONB,
				created_at   TIMESTAMPTZ NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_audit_logs_target ON audit_logs(target_model, target_id);
		`,
	},
	{
		Version:     2,
		Description: "single active budget",
		SQL: `
			CREATE UNIQUE INDEX IF NOT EXISTS system_budgets_one_active
				ON system_budgets(status) WHERE status = 'active';
		`,
	},
	{
		Version:     3,
		Description: "append-only audit log",
		SQL: `
			CREATE OR REPLACE FUNCTION audit_logs_immutable() RETURNS trigger AS $$
			BEGIN
				RAISE EXCEPTION 'audit_logs is append-only';
			END;
			$$ LANGUAGE plpgsql;

			DROP TRIGGER IF EXISTS audit_logs_no_mutation ON audit_logs;
			CREATE TRIGGER audit_logs_no_mutation
				BEFORE UPDATE OR DELETE ON audit_logs
				FOR EACH ROW EXECUTE FUNCTION audit_logs_immutable();
		`,
	},
}

// Migrate applies pending migrations recorded in schema_migrations.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	var current int
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.SQL); err != nil {
				return err
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO schema_migrations (version, description) VALUES ($1, $2)`, m.Version, m.Description)
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Description, err)
		}
		s.log.Info().Int("version", m.Version).Str("description", m.Description).Msg("applied migration")
	}
	return nil
}
