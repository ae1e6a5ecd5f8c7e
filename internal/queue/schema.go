package queue

import (
	"context"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    owner_id TEXT NOT NULL,
    source_ref TEXT NOT NULL,
    source_kind TEXT NOT NULL,
    archive_name TEXT,
    format TEXT,
    status TEXT NOT NULL,
    failure_reason TEXT,
    error_message TEXT,
    workspace TEXT,
    workspace_reaped INTEGER NOT NULL DEFAULT 0,
    reaped_at TEXT,
    progress_phase TEXT,
    progress_percent REAL NOT NULL DEFAULT 0,
    progress_message TEXT,
    password_attempts INTEGER NOT NULL DEFAULT 0,
    cancel_requested INTEGER NOT NULL DEFAULT 0,
    index_json TEXT,
    links_json TEXT,
    warnings_json TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    retain_until TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_owner_status ON jobs(owner_id, status);
CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at);
`

func (s *Store) applyMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
