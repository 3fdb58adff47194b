package database

import (
	"database/sql"
	"fmt"
)

var (
	createLocksTableSQL = `
CREATE TABLE IF NOT EXISTS %s_locks (
    name          VARCHAR       NOT NULL,
    owner_id      VARCHAR       NOT NULL,
    expires_at    TIMESTAMPTZ   NOT NULL,

    PRIMARY KEY (name)
);`

	createSyncRecordsTableSQL = `
CREATE TABLE IF NOT EXISTS %s_sync_records (
    user_hash            VARCHAR       NOT NULL,
    data_type            VARCHAR       NOT NULL,
    data_id              VARCHAR       NOT NULL,
    storage_synced       BOOLEAN       NOT NULL DEFAULT FALSE,
    storage_error        TEXT,
    storage_retry_data   JSONB,
    registry_synced      BOOLEAN       NOT NULL DEFAULT FALSE,
    registry_error       TEXT,
    registry_retry_data  JSONB,
    created_at           TIMESTAMPTZ   NOT NULL DEFAULT now(),
    updated_at           TIMESTAMPTZ   NOT NULL DEFAULT now(),

    PRIMARY KEY (user_hash, data_type, data_id)
);`

	createSyncRecordsIndexSQL = `
CREATE INDEX IF NOT EXISTS %s_sync_records_updated_idx
ON %s_sync_records (updated_at DESC);`

	createJobsTableSQL = `
CREATE TABLE IF NOT EXISTS %s_jobs (
    id            UUID          NOT NULL,
    type          VARCHAR       NOT NULL,
    payload       JSONB         NOT NULL,
    actor_id      VARCHAR       NOT NULL,
    user_hash     VARCHAR       NOT NULL,
    status        VARCHAR       NOT NULL DEFAULT 'pending',
    attempts      INTEGER       NOT NULL DEFAULT 0,
    max_attempts  INTEGER       NOT NULL DEFAULT 3,
    run_at        TIMESTAMPTZ   NOT NULL DEFAULT now(),
    locked_by     VARCHAR,
    locked_at     TIMESTAMPTZ,
    checkpoint    JSONB,
    last_error    TEXT,
    created_at    TIMESTAMPTZ   NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ   NOT NULL DEFAULT now(),

    PRIMARY KEY (id)
);`

	createJobsIndexSQL = `
CREATE INDEX IF NOT EXISTS %s_jobs_due_idx
ON %s_jobs (status, run_at);`

	createNotificationsTableSQL = `
CREATE TABLE IF NOT EXISTS %s_notifications (
    id            UUID          NOT NULL,
    user_hash     VARCHAR       NOT NULL,
    kind          VARCHAR       NOT NULL,
    due_on        DATE          NOT NULL,
    created_at    TIMESTAMPTZ   NOT NULL DEFAULT now(),

    PRIMARY KEY (id),
    UNIQUE (user_hash, kind, due_on)
);`
)

// Migrate creates the lock, ledger, job and notification tables with indexes.
func Migrate(db *sql.DB, prefix string) error {
	if err := execMigration(db, fmt.Sprintf(createLocksTableSQL, prefix), "locks table"); err != nil {
		return err
	}

	if err := execMigration(db, fmt.Sprintf(createSyncRecordsTableSQL, prefix), "sync records table"); err != nil {
		return err
	}

	var syncIndexName = fmt.Sprintf("%s_sync_records_updated_idx", prefix)
	if err := execMigration(db, fmt.Sprintf(createSyncRecordsIndexSQL, syncIndexName, prefix), "sync records index"); err != nil {
		return err
	}

	if err := execMigration(db, fmt.Sprintf(createJobsTableSQL, prefix), "jobs table"); err != nil {
		return err
	}

	var jobsIndexName = fmt.Sprintf("%s_jobs_due_idx", prefix)
	if err := execMigration(db, fmt.Sprintf(createJobsIndexSQL, jobsIndexName, prefix), "jobs index"); err != nil {
		return err
	}

	if err := execMigration(db, fmt.Sprintf(createNotificationsTableSQL, prefix), "notifications table"); err != nil {
		return err
	}

	return nil
}

func execMigration(db *sql.DB, query, what string) error {
	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to create %s: %w", what, err)
	}
	return nil
}
