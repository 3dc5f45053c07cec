package schedule

import (
	"context"
	"database/sql"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS schedules (
		id            TEXT PRIMARY KEY,
		account_id    TEXT NOT NULL,
		org_id        TEXT NOT NULL,
		workspace_id  TEXT NOT NULL,
		experiment_id TEXT NOT NULL,
		token_id      TEXT NOT NULL,
		scheduled     TEXT NOT NULL,
		status        TEXT NOT NULL DEFAULT 'pending',
		definition    TEXT NOT NULL DEFAULT '{}',
		info          TEXT NOT NULL DEFAULT '{}',
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_schedules_account_id ON schedules(account_id)`,
	`CREATE INDEX IF NOT EXISTS idx_schedules_experiment_id ON schedules(experiment_id)`,
	`CREATE INDEX IF NOT EXISTS idx_schedules_status ON schedules(status)`,
}

func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
