package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// DBTX is an interface that both sql.DB and sql.Tx implement.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Queries provides table-aware database operations.
type Queries struct {
	db     DBTX
	prefix string
}

// NewQueries creates a new Queries instance with the given table prefix.
func NewQueries(db DBTX, prefix string) *Queries {
	return &Queries{
		db:     db,
		prefix: prefix,
	}
}

var (
	acquireLockSQL = `
INSERT INTO %s_locks (name, owner_id, expires_at)
VALUES ($1, $2, $3)
ON CONFLICT (name)
DO UPDATE SET
    owner_id = EXCLUDED.owner_id,
    expires_at = EXCLUDED.expires_at
WHERE %s_locks.expires_at < now() OR %s_locks.owner_id = EXCLUDED.owner_id;`

	renewLockSQL = `
UPDATE %s_locks
SET expires_at = $3
WHERE name = $1 AND owner_id = $2;`

	releaseLockSQL = `
DELETE FROM %s_locks
WHERE name = $1 AND owner_id = $2;`

	getLockSQL = `
SELECT name, owner_id, expires_at
FROM %s_locks
WHERE name = $1;`

	insertSyncRecordSQL = `
INSERT INTO %s_sync_records (user_hash, data_type, data_id)
VALUES ($1, $2, $3)
ON CONFLICT (user_hash, data_type, data_id) DO NOTHING;`

	getSyncRecordSQL = `
SELECT user_hash, data_type, data_id,
       storage_synced, storage_error, storage_retry_data,
       registry_synced, registry_error, registry_retry_data,
       created_at, updated_at
FROM %s_sync_records
WHERE user_hash = $1 AND data_type = $2 AND data_id = $3;`

	updateStorageSyncSQL = `
UPDATE %s_sync_records
SET storage_synced = $4,
    storage_error = $5,
    storage_retry_data = $6,
    updated_at = now()
WHERE user_hash = $1 AND data_type = $2 AND data_id = $3;`

	updateRegistrySyncSQL = `
UPDATE %s_sync_records
SET registry_synced = $4,
    registry_error = $5,
    registry_retry_data = $6,
    updated_at = now()
WHERE user_hash = $1 AND data_type = $2 AND data_id = $3;`

	listUnsyncedSQL = `
SELECT user_hash, data_type, data_id,
       storage_synced, storage_error, storage_retry_data,
       registry_synced, registry_error, registry_retry_data,
       created_at, updated_at
FROM %s_sync_records
WHERE %s = FALSE`

	syncStatsSQL = `
SELECT count(*),
       count(*) FILTER (WHERE storage_synced),
       count(*) FILTER (WHERE registry_synced),
       count(*) FILTER (WHERE storage_synced AND registry_synced)
FROM %s_sync_records;`

	insertJobSQL = `
INSERT INTO %s_jobs (id, type, payload, actor_id, user_hash, max_attempts, run_at)
VALUES ($1, $2, $3, $4, $5, $6, $7);`

	claimJobSQL = `
WITH due AS (
    SELECT id
    FROM %s_jobs
    WHERE status = 'pending' AND run_at <= now()
    ORDER BY run_at ASC
    FOR UPDATE SKIP LOCKED
    LIMIT 1
)
UPDATE %s_jobs
SET status = 'running', locked_by = $1, locked_at = now(), updated_at = now()
WHERE id IN (SELECT id FROM due)
RETURNING id, type, payload, actor_id, user_hash, status, attempts, max_attempts,
          run_at, locked_by, locked_at, checkpoint, last_error, created_at, updated_at;`

	requeueStuckJobsSQL = `
UPDATE %s_jobs
SET status = 'pending', locked_by = NULL, locked_at = NULL, updated_at = now()
WHERE status = 'running' AND locked_at IS NOT NULL AND locked_at < $1;`

	markJobDoneSQL = `
UPDATE %s_jobs
SET status = 'done', locked_by = NULL, locked_at = NULL, updated_at = now()
WHERE id = $1;`

	markJobFailedSQL = `
UPDATE %s_jobs
SET status = 'failed', locked_by = NULL, locked_at = NULL, last_error = $2, updated_at = now()
WHERE id = $1;`

	rescheduleJobSQL = `
UPDATE %s_jobs
SET status = 'pending',
    attempts = $2,
    run_at = $3,
    locked_by = NULL,
    locked_at = NULL,
    last_error = $4,
    updated_at = now()
WHERE id = $1;`

	updateJobCheckpointSQL = `
UPDATE %s_jobs
SET checkpoint = $2, updated_at = now()
WHERE id = $1;`

	getJobSQL = `
SELECT id, type, payload, actor_id, user_hash, status, attempts, max_attempts,
       run_at, locked_by, locked_at, checkpoint, last_error, created_at, updated_at
FROM %s_jobs
WHERE id = $1;`

	insertNotificationSQL = `
INSERT INTO %s_notifications (id, user_hash, kind, due_on)
VALUES ($1, $2, $3, $4)
ON CONFLICT (user_hash, kind, due_on) DO NOTHING;`

	getNotificationSQL = `
SELECT id, user_hash, kind, due_on, created_at
FROM %s_notifications
WHERE user_hash = $1 AND kind = $2 AND due_on = $3;`
)

// AcquireLock attempts an atomic set-if-absent-or-expired on the leadership lock.
// Re-acquiring a lock the caller already owns extends it.
// Returns true if the caller now owns the lock.
func (q *Queries) AcquireLock(ctx context.Context, name, ownerID string, expiresAt time.Time) (bool, error) {
	var query = fmt.Sprintf(acquireLockSQL, q.prefix, q.prefix, q.prefix)
	result, err := q.db.ExecContext(ctx, query, name, ownerID, expiresAt)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read lock acquisition result: %w", err)
	}

	return rows == 1, nil
}

// RenewLock extends the lock expiry only if ownerID still holds it
// (compare-and-renew). Returns false if the lock is owned by someone else
// or no longer exists.
func (q *Queries) RenewLock(ctx context.Context, name, ownerID string, expiresAt time.Time) (bool, error) {
	var query = fmt.Sprintf(renewLockSQL, q.prefix)
	result, err := q.db.ExecContext(ctx, query, name, ownerID, expiresAt)
	if err != nil {
		return false, fmt.Errorf("failed to renew lock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read lock renewal result: %w", err)
	}

	return rows == 1, nil
}

// ReleaseLock deletes the lock only if ownerID holds it.
func (q *Queries) ReleaseLock(ctx context.Context, name, ownerID string) error {
	var query = fmt.Sprintf(releaseLockSQL, q.prefix)
	if _, err := q.db.ExecContext(ctx, query, name, ownerID); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// GetLock retrieves the lock row, or nil if nobody holds it.
func (q *Queries) GetLock(ctx context.Context, name string) (*LockRecord, error) {
	var (
		query = fmt.Sprintf(getLockSQL, q.prefix)
		lock  LockRecord
		err   = q.db.QueryRowContext(ctx, query, name).Scan(&lock.Name, &lock.OwnerID, &lock.ExpiresAt)
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lock: %w", err)
	}

	return &lock, nil
}

// UpsertSyncRecord inserts a sync record if absent, leaving an existing row
// untouched. Callers follow with GetSyncRecord for the current state.
func (q *Queries) UpsertSyncRecord(ctx context.Context, userHash, dataType, dataID string) error {
	var query = fmt.Sprintf(insertSyncRecordSQL, q.prefix)
	if _, err := q.db.ExecContext(ctx, query, userHash, dataType, dataID); err != nil {
		return fmt.Errorf("failed to insert sync record: %w", err)
	}
	return nil
}

// GetSyncRecord retrieves a single sync record, or nil if not found.
func (q *Queries) GetSyncRecord(ctx context.Context, userHash, dataType, dataID string) (*SyncRecordRow, error) {
	var (
		query = fmt.Sprintf(getSyncRecordSQL, q.prefix)
		row   SyncRecordRow
		err   = q.db.QueryRowContext(ctx, query, userHash, dataType, dataID).Scan(
			&row.UserHash, &row.DataType, &row.DataID,
			&row.StorageSynced, &row.StorageError, &row.StorageRetryData,
			&row.RegistrySynced, &row.RegistryError, &row.RegistryRetryData,
			&row.CreatedAt, &row.UpdatedAt,
		)
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync record: %w", err)
	}

	return &row, nil
}

// UpdatePartnerSync persists one partner's sub-state on a sync record and
// bumps updated_at. The other partner's columns are untouched.
func (q *Queries) UpdatePartnerSync(ctx context.Context, userHash, dataType, dataID, partner string, synced bool, errMsg *string, retryData json.RawMessage) error {
	var template string
	switch partner {
	case "storage":
		template = updateStorageSyncSQL
	case "registry":
		template = updateRegistrySyncSQL
	default:
		return fmt.Errorf("unknown partner %q", partner)
	}

	var query = fmt.Sprintf(template, q.prefix)
	if _, err := q.db.ExecContext(ctx, query, userHash, dataType, dataID, synced, errMsg, retryData); err != nil {
		return fmt.Errorf("failed to update %s sync state: %w", partner, err)
	}

	return nil
}

// ListUnsynced returns all records whose given partner is unsynced,
// optionally filtered by data type, most recently touched first.
func (q *Queries) ListUnsynced(ctx context.Context, partner, dataType string) ([]*SyncRecordRow, error) {
	var column string
	switch partner {
	case "storage":
		column = "storage_synced"
	case "registry":
		column = "registry_synced"
	default:
		return nil, fmt.Errorf("unknown partner %q", partner)
	}

	var (
		query = fmt.Sprintf(listUnsyncedSQL, q.prefix, column)
		args  []interface{}
	)
	if dataType != "" {
		query += " AND data_type = $1"
		args = append(args, dataType)
	}
	query += "\nORDER BY updated_at DESC;"

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list unsynced records: %w", err)
	}
	defer rows.Close()

	var records []*SyncRecordRow
	for rows.Next() {
		var row SyncRecordRow
		if err := rows.Scan(
			&row.UserHash, &row.DataType, &row.DataID,
			&row.StorageSynced, &row.StorageError, &row.StorageRetryData,
			&row.RegistrySynced, &row.RegistryError, &row.RegistryRetryData,
			&row.CreatedAt, &row.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan sync record: %w", err)
		}
		records = append(records, &row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return records, nil
}

// SyncStats returns aggregate replication counts over the ledger.
func (q *Queries) SyncStats(ctx context.Context) (total, storageSynced, registrySynced, fullySynced int, err error) {
	var query = fmt.Sprintf(syncStatsSQL, q.prefix)
	err = q.db.QueryRowContext(ctx, query).Scan(&total, &storageSynced, &registrySynced, &fullySynced)
	if err != nil {
		return 0, 0, 0, 0, fmt.Errorf("failed to read sync stats: %w", err)
	}
	return total, storageSynced, registrySynced, fullySynced, nil
}

// InsertJob enqueues a new job.
func (q *Queries) InsertJob(ctx context.Context, job *JobRecord) error {
	var query = fmt.Sprintf(insertJobSQL, q.prefix)
	_, err := q.db.ExecContext(ctx, query,
		job.ID, job.Type, job.Payload, job.ActorID, job.UserHash, job.MaxAttempts, job.RunAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// ClaimDueJob atomically claims the next due pending job for workerID using
// FOR UPDATE SKIP LOCKED, so no two workers ever hold the same job.
// Returns nil if no job is due.
func (q *Queries) ClaimDueJob(ctx context.Context, workerID string) (*JobRecord, error) {
	var (
		query = fmt.Sprintf(claimJobSQL, q.prefix, q.prefix)
		job   JobRecord
		err   = q.db.QueryRowContext(ctx, query, workerID).Scan(
			&job.ID, &job.Type, &job.Payload, &job.ActorID, &job.UserHash,
			&job.Status, &job.Attempts, &job.MaxAttempts, &job.RunAt,
			&job.LockedBy, &job.LockedAt, &job.Checkpoint, &job.LastError,
			&job.CreatedAt, &job.UpdatedAt,
		)
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	return &job, nil
}

// RequeueStuckJobs resets running jobs whose worker went away before olderThan.
func (q *Queries) RequeueStuckJobs(ctx context.Context, olderThan time.Time) error {
	var query = fmt.Sprintf(requeueStuckJobsSQL, q.prefix)
	if _, err := q.db.ExecContext(ctx, query, olderThan); err != nil {
		return fmt.Errorf("failed to requeue stuck jobs: %w", err)
	}
	return nil
}

// MarkJobDone marks a job as successfully completed.
func (q *Queries) MarkJobDone(ctx context.Context, id string) error {
	var query = fmt.Sprintf(markJobDoneSQL, q.prefix)
	if _, err := q.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to mark job done: %w", err)
	}
	return nil
}

// MarkJobFailed marks a job as terminally failed.
func (q *Queries) MarkJobFailed(ctx context.Context, id string, errMsg *string) error {
	var query = fmt.Sprintf(markJobFailedSQL, q.prefix)
	if _, err := q.db.ExecContext(ctx, query, id, errMsg); err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	return nil
}

// RescheduleJob returns a job to pending with an updated attempt count and
// next run time.
func (q *Queries) RescheduleJob(ctx context.Context, id string, attempts int, runAt time.Time, errMsg *string) error {
	var query = fmt.Sprintf(rescheduleJobSQL, q.prefix)
	if _, err := q.db.ExecContext(ctx, query, id, attempts, runAt, errMsg); err != nil {
		return fmt.Errorf("failed to reschedule job: %w", err)
	}
	return nil
}

// UpdateJobCheckpoint persists the orchestrator's checkpoint blob on a job.
func (q *Queries) UpdateJobCheckpoint(ctx context.Context, id string, checkpoint json.RawMessage) error {
	var query = fmt.Sprintf(updateJobCheckpointSQL, q.prefix)
	if _, err := q.db.ExecContext(ctx, query, id, checkpoint); err != nil {
		return fmt.Errorf("failed to update job checkpoint: %w", err)
	}
	return nil
}

// GetJob retrieves a single job by id, or nil if not found.
func (q *Queries) GetJob(ctx context.Context, id string) (*JobRecord, error) {
	var (
		query = fmt.Sprintf(getJobSQL, q.prefix)
		job   JobRecord
		err   = q.db.QueryRowContext(ctx, query, id).Scan(
			&job.ID, &job.Type, &job.Payload, &job.ActorID, &job.UserHash,
			&job.Status, &job.Attempts, &job.MaxAttempts, &job.RunAt,
			&job.LockedBy, &job.LockedAt, &job.Checkpoint, &job.LastError,
			&job.CreatedAt, &job.UpdatedAt,
		)
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// InsertNotification records a scheduled notification if an equivalent one
// does not already exist. Returns true if a new row was created.
func (q *Queries) InsertNotification(ctx context.Context, record *NotificationRecord) (bool, error) {
	var query = fmt.Sprintf(insertNotificationSQL, q.prefix)
	result, err := q.db.ExecContext(ctx, query, record.ID, record.UserHash, record.Kind, record.DueOn)
	if err != nil {
		return false, fmt.Errorf("failed to insert notification: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read notification insert result: %w", err)
	}

	return rows == 1, nil
}

// GetNotification retrieves a scheduled notification, or nil if not found.
func (q *Queries) GetNotification(ctx context.Context, userHash, kind string, dueOn time.Time) (*NotificationRecord, error) {
	var (
		query  = fmt.Sprintf(getNotificationSQL, q.prefix)
		record NotificationRecord
		err    = q.db.QueryRowContext(ctx, query, userHash, kind, dueOn).Scan(
			&record.ID, &record.UserHash, &record.Kind, &record.DueOn, &record.CreatedAt,
		)
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}

	return &record, nil
}
