package database

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueries(t *testing.T) {
	var (
		newDb = func(t *testing.T) *Queries {
			var db = SetupTestDatabase(t)
			err := Migrate(db, "test_vitalsync")
			require.NoError(t, err)
			return NewQueries(db, "test_vitalsync")
		}
		newCtx = func() context.Context {
			return context.Background()
		}
		newJob = func(jobType string) *JobRecord {
			return &JobRecord{
				ID:          uuid.New().String(),
				Type:        jobType,
				Payload:     json.RawMessage(`{"data_id":"d-1"}`),
				ActorID:     "actor-1",
				UserHash:    "user-1",
				MaxAttempts: 3,
				RunAt:       time.Now().Add(-time.Second),
			}
		}
	)

	t.Run("should acquire a free lock", func(t *testing.T) {
		// Arrange
		var (
			sut = newDb(t)
			ctx = newCtx()
		)

		// Act
		acquired, err := sut.AcquireLock(ctx, "leader", "node-1", time.Now().Add(15*time.Second))

		// Assert
		require.NoError(t, err)
		assert.True(t, acquired)
	})

	t.Run("should not acquire a lock held by another owner", func(t *testing.T) {
		// Arrange
		var (
			sut = newDb(t)
			ctx = newCtx()
		)
		acquired, err := sut.AcquireLock(ctx, "leader", "node-1", time.Now().Add(15*time.Second))
		require.NoError(t, err)
		require.True(t, acquired)

		// Act
		acquired, err = sut.AcquireLock(ctx, "leader", "node-2", time.Now().Add(15*time.Second))

		// Assert
		require.NoError(t, err)
		assert.False(t, acquired)
	})

	t.Run("should acquire an expired lock", func(t *testing.T) {
		// Arrange
		var (
			sut = newDb(t)
			ctx = newCtx()
		)
		acquired, err := sut.AcquireLock(ctx, "leader", "node-1", time.Now().Add(-time.Second))
		require.NoError(t, err)
		require.True(t, acquired)

		// Act
		acquired, err = sut.AcquireLock(ctx, "leader", "node-2", time.Now().Add(15*time.Second))

		// Assert
		require.NoError(t, err)
		assert.True(t, acquired)

		lock, getErr := sut.GetLock(ctx, "leader")
		require.NoError(t, getErr)
		require.NotNil(t, lock)
		assert.Equal(t, "node-2", lock.OwnerID)
	})

	t.Run("should re-acquire own unexpired lock", func(t *testing.T) {
		// Arrange
		var (
			sut = newDb(t)
			ctx = newCtx()
		)
		acquired, err := sut.AcquireLock(ctx, "leader", "node-1", time.Now().Add(15*time.Second))
		require.NoError(t, err)
		require.True(t, acquired)

		// Act
		acquired, err = sut.AcquireLock(ctx, "leader", "node-1", time.Now().Add(30*time.Second))

		// Assert
		require.NoError(t, err)
		assert.True(t, acquired)
	})

	t.Run("should renew only while still the owner", func(t *testing.T) {
		// Arrange
		var (
			sut = newDb(t)
			ctx = newCtx()
		)
		acquired, err := sut.AcquireLock(ctx, "leader", "node-1", time.Now().Add(15*time.Second))
		require.NoError(t, err)
		require.True(t, acquired)

		// Act
		renewedByOwner, ownerErr := sut.RenewLock(ctx, "leader", "node-1", time.Now().Add(30*time.Second))
		renewedByOther, otherErr := sut.RenewLock(ctx, "leader", "node-2", time.Now().Add(30*time.Second))

		// Assert
		require.NoError(t, ownerErr)
		require.NoError(t, otherErr)
		assert.True(t, renewedByOwner)
		assert.False(t, renewedByOther)
	})

	t.Run("should release only the owner's lock", func(t *testing.T) {
		// Arrange
		var (
			sut = newDb(t)
			ctx = newCtx()
		)
		acquired, err := sut.AcquireLock(ctx, "leader", "node-1", time.Now().Add(15*time.Second))
		require.NoError(t, err)
		require.True(t, acquired)

		// Act - a non-owner release is a no-op
		err = sut.ReleaseLock(ctx, "leader", "node-2")
		require.NoError(t, err)

		lock, getErr := sut.GetLock(ctx, "leader")

		// Assert
		require.NoError(t, getErr)
		require.NotNil(t, lock)
		assert.Equal(t, "node-1", lock.OwnerID)

		// Owner release removes it
		err = sut.ReleaseLock(ctx, "leader", "node-1")
		require.NoError(t, err)

		lock, getErr = sut.GetLock(ctx, "leader")
		require.NoError(t, getErr)
		assert.Nil(t, lock)
	})

	t.Run("should create a sync record once", func(t *testing.T) {
		// Arrange
		var (
			sut = newDb(t)
			ctx = newCtx()
		)

		// Act - second upsert leaves the row untouched
		err := sut.UpsertSyncRecord(ctx, "user-1", "health", "d-1")
		require.NoError(t, err)
		err = sut.UpsertSyncRecord(ctx, "user-1", "health", "d-1")
		require.NoError(t, err)

		var row, getErr = sut.GetSyncRecord(ctx, "user-1", "health", "d-1")

		// Assert
		require.NoError(t, getErr)
		require.NotNil(t, row)
		assert.False(t, row.StorageSynced)
		assert.False(t, row.RegistrySynced)
	})

	t.Run("should update one partner without touching the other", func(t *testing.T) {
		// Arrange
		var (
			sut       = newDb(t)
			ctx       = newCtx()
			retryData = json.RawMessage(`{"registered":true}`)
			errMsg    = "gateway timeout"
		)
		err := sut.UpsertSyncRecord(ctx, "user-1", "health", "d-1")
		require.NoError(t, err)

		// Act
		err = sut.UpdatePartnerSync(ctx, "user-1", "health", "d-1", "storage", true, nil, nil)
		require.NoError(t, err)
		err = sut.UpdatePartnerSync(ctx, "user-1", "health", "d-1", "registry", false, &errMsg, retryData)
		require.NoError(t, err)

		var row, getErr = sut.GetSyncRecord(ctx, "user-1", "health", "d-1")

		// Assert
		require.NoError(t, getErr)
		require.NotNil(t, row)
		assert.True(t, row.StorageSynced)
		assert.Nil(t, row.StorageError)
		assert.False(t, row.RegistrySynced)
		require.NotNil(t, row.RegistryError)
		assert.Equal(t, "gateway timeout", *row.RegistryError)
		assert.JSONEq(t, string(retryData), string(row.RegistryRetryData))
	})

	t.Run("should reject unknown partner names", func(t *testing.T) {
		// Arrange
		var (
			sut = newDb(t)
			ctx = newCtx()
		)

		// Act
		err := sut.UpdatePartnerSync(ctx, "user-1", "health", "d-1", "backup", false, nil, nil)

		// Assert
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown partner")
	})

	t.Run("should list unsynced records most recently touched first", func(t *testing.T) {
		// Arrange
		var (
			sut = newDb(t)
			ctx = newCtx()
		)
		for _, dataID := range []string{"d-1", "d-2", "d-3"} {
			err := sut.UpsertSyncRecord(ctx, "user-1", "health", dataID)
			require.NoError(t, err)
		}
		err := sut.UpsertSyncRecord(ctx, "user-1", "checkin", "c-1")
		require.NoError(t, err)

		// d-2 synced on registry, d-1 touched last
		err = sut.UpdatePartnerSync(ctx, "user-1", "health", "d-2", "registry", true, nil, nil)
		require.NoError(t, err)
		err = sut.UpdatePartnerSync(ctx, "user-1", "health", "d-3", "registry", false, nil, nil)
		require.NoError(t, err)
		err = sut.UpdatePartnerSync(ctx, "user-1", "health", "d-1", "registry", false, nil, nil)
		require.NoError(t, err)

		// Act
		var rows, listErr = sut.ListUnsynced(ctx, "registry", "health")

		// Assert
		require.NoError(t, listErr)
		require.Len(t, rows, 2)
		assert.Equal(t, "d-1", rows[0].DataID)
		assert.Equal(t, "d-3", rows[1].DataID)
	})

	t.Run("should aggregate sync stats", func(t *testing.T) {
		// Arrange
		var (
			sut = newDb(t)
			ctx = newCtx()
		)
		err := sut.UpsertSyncRecord(ctx, "user-1", "health", "d-1")
		require.NoError(t, err)
		err = sut.UpsertSyncRecord(ctx, "user-1", "health", "d-2")
		require.NoError(t, err)
		err = sut.UpdatePartnerSync(ctx, "user-1", "health", "d-1", "storage", true, nil, nil)
		require.NoError(t, err)
		err = sut.UpdatePartnerSync(ctx, "user-1", "health", "d-1", "registry", true, nil, nil)
		require.NoError(t, err)

		// Act
		total, storageSynced, registrySynced, fullySynced, statsErr := sut.SyncStats(ctx)

		// Assert
		require.NoError(t, statsErr)
		assert.Equal(t, 2, total)
		assert.Equal(t, 1, storageSynced)
		assert.Equal(t, 1, registrySynced)
		assert.Equal(t, 1, fullySynced)
	})

	t.Run("should claim a due job exactly once", func(t *testing.T) {
		// Arrange
		var (
			sut = newDb(t)
			ctx = newCtx()
			job = newJob("health")
		)
		err := sut.InsertJob(ctx, job)
		require.NoError(t, err)

		// Act
		first, firstErr := sut.ClaimDueJob(ctx, "worker-1")
		second, secondErr := sut.ClaimDueJob(ctx, "worker-2")

		// Assert
		require.NoError(t, firstErr)
		require.NoError(t, secondErr)
		require.NotNil(t, first)
		assert.Equal(t, job.ID, first.ID)
		assert.Equal(t, "running", first.Status)
		require.NotNil(t, first.LockedBy)
		assert.Equal(t, "worker-1", *first.LockedBy)
		assert.Nil(t, second)
	})

	t.Run("should not claim a job scheduled in the future", func(t *testing.T) {
		// Arrange
		var (
			sut = newDb(t)
			ctx = newCtx()
			job = newJob("health")
		)
		job.RunAt = time.Now().Add(time.Hour)
		err := sut.InsertJob(ctx, job)
		require.NoError(t, err)

		// Act
		claimed, claimErr := sut.ClaimDueJob(ctx, "worker-1")

		// Assert
		require.NoError(t, claimErr)
		assert.Nil(t, claimed)
	})

	t.Run("should reschedule a job with attempts and error", func(t *testing.T) {
		// Arrange
		var (
			sut = newDb(t)
			ctx = newCtx()
			job = newJob("checkin")
		)
		err := sut.InsertJob(ctx, job)
		require.NoError(t, err)
		claimed, claimErr := sut.ClaimDueJob(ctx, "worker-1")
		require.NoError(t, claimErr)
		require.NotNil(t, claimed)

		// Act
		var errMsg = "registry stage register failed"
		err = sut.RescheduleJob(ctx, job.ID, 1, time.Now().Add(2*time.Second), &errMsg)
		require.NoError(t, err)

		var reloaded, getErr = sut.GetJob(ctx, job.ID)

		// Assert
		require.NoError(t, getErr)
		require.NotNil(t, reloaded)
		assert.Equal(t, "pending", reloaded.Status)
		assert.Equal(t, 1, reloaded.Attempts)
		assert.Nil(t, reloaded.LockedBy)
		require.NotNil(t, reloaded.LastError)
		assert.Equal(t, errMsg, *reloaded.LastError)
	})

	t.Run("should persist a checkpoint on the job row", func(t *testing.T) {
		// Arrange
		var (
			sut        = newDb(t)
			ctx        = newCtx()
			job        = newJob("health")
			checkpoint = json.RawMessage(`{"signature":"sig","storage":{"bucket":"b","key":"k","url":"u"}}`)
		)
		err := sut.InsertJob(ctx, job)
		require.NoError(t, err)

		// Act
		err = sut.UpdateJobCheckpoint(ctx, job.ID, checkpoint)
		require.NoError(t, err)

		var reloaded, getErr = sut.GetJob(ctx, job.ID)

		// Assert
		require.NoError(t, getErr)
		require.NotNil(t, reloaded)
		assert.JSONEq(t, string(checkpoint), string(reloaded.Checkpoint))
	})

	t.Run("should requeue stuck running jobs", func(t *testing.T) {
		// Arrange
		var (
			sut = newDb(t)
			ctx = newCtx()
			job = newJob("health")
		)
		err := sut.InsertJob(ctx, job)
		require.NoError(t, err)
		claimed, claimErr := sut.ClaimDueJob(ctx, "worker-vanished")
		require.NoError(t, claimErr)
		require.NotNil(t, claimed)

		// Act - everything locked before the future cutoff counts as stuck
		err = sut.RequeueStuckJobs(ctx, time.Now().Add(time.Minute))
		require.NoError(t, err)

		var reclaimed, reclaimErr = sut.ClaimDueJob(ctx, "worker-2")

		// Assert
		require.NoError(t, reclaimErr)
		require.NotNil(t, reclaimed)
		assert.Equal(t, job.ID, reclaimed.ID)
	})

	t.Run("should create a notification only once per user, kind and day", func(t *testing.T) {
		// Arrange
		var (
			sut   = newDb(t)
			ctx   = newCtx()
			dueOn = time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
		)

		// Act
		first, firstErr := sut.InsertNotification(ctx, &NotificationRecord{
			ID: uuid.New().String(), UserHash: "user-1", Kind: "checkin_reminder", DueOn: dueOn,
		})
		second, secondErr := sut.InsertNotification(ctx, &NotificationRecord{
			ID: uuid.New().String(), UserHash: "user-1", Kind: "checkin_reminder", DueOn: dueOn,
		})

		// Assert
		require.NoError(t, firstErr)
		require.NoError(t, secondErr)
		assert.True(t, first)
		assert.False(t, second)

		record, getErr := sut.GetNotification(ctx, "user-1", "checkin_reminder", dueOn)
		require.NoError(t, getErr)
		require.NotNil(t, record)
	})
}
