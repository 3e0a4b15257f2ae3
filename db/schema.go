package db

import (
	"context"
	"database/sql"
	"fmt"
)

// constraints are applied after AutoMigrate on Postgres. Each statement
// is idempotent.
var constraints = []string{
	`ALTER TABLE users DROP CONSTRAINT IF EXISTS users_role_check`,
	`ALTER TABLE users ADD CONSTRAINT users_role_check CHECK (role IN ('admin','user','viewer'))`,
	`ALTER TABLE users DROP CONSTRAINT IF EXISTS users_failed_attempts_check`,
	`ALTER TABLE users ADD CONSTRAINT users_failed_attempts_check CHECK (failed_login_attempts >= 0)`,
	`ALTER TABLE workflows DROP CONSTRAINT IF EXISTS workflows_dag_status_check`,
	`ALTER TABLE workflows ADD CONSTRAINT workflows_dag_status_check CHECK (dag_status IN ('not_published','created','ready'))`,
	`ALTER TABLE workflow_permissions DROP CONSTRAINT IF EXISTS workflow_permissions_level_check`,
	`ALTER TABLE workflow_permissions ADD CONSTRAINT workflow_permissions_level_check CHECK (permission_level IN ('read','write','admin'))`,
	`ALTER TABLE runs DROP CONSTRAINT IF EXISTS runs_status_check`,
	`ALTER TABLE runs ADD CONSTRAINT runs_status_check CHECK (status IN ('pending','running','success','failure','skipped'))`,
	`ALTER TABLE step_statuses DROP CONSTRAINT IF EXISTS step_statuses_status_check`,
	`ALTER TABLE step_statuses ADD CONSTRAINT step_statuses_status_check CHECK (status IN ('pending','running','success','failure','skipped'))`,
	`ALTER TABLE logs DROP CONSTRAINT IF EXISTS logs_level_check`,
	`ALTER TABLE logs ADD CONSTRAINT logs_level_check CHECK (log_level IN ('info','warning','error'))`,
	`CREATE INDEX IF NOT EXISTS idx_runs_active ON runs (id) WHERE status IN ('pending','running')`,
}

// ApplyConstraints executes the Postgres check constraints in one
// transaction.
func ApplyConstraints(ctx context.Context, sqlDB *sql.DB) error {
	tx, err := sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("db: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, stmt := range constraints {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("db: apply %q: %w", stmt, err)
		}
	}
	return tx.Commit()
}
