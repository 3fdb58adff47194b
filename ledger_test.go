package vitalsync

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vitalsync/database"
)

func TestLedger(t *testing.T) {
	var (
		newLedger = func(t *testing.T) *Ledger {
			var db = database.SetupTestDatabase(t)
			err := database.Migrate(db, "test_ledger")
			require.NoError(t, err)
			return NewLedger(database.NewQueries(db, "test_ledger"))
		}
		newCtx = func() context.Context {
			return context.Background()
		}
	)

	t.Run("should create a record with both partners unsynced", func(t *testing.T) {
		// Arrange
		var (
			sut = newLedger(t)
			ctx = newCtx()
		)

		// Act
		var record, err = sut.GetOrCreate(ctx, "user-1", DataTypeHealth, "d-1")

		// Assert
		require.NoError(t, err)
		require.NotNil(t, record)
		assert.False(t, record.Storage.Synced)
		assert.False(t, record.Registry.Synced)
	})

	t.Run("should be idempotent across repeated calls", func(t *testing.T) {
		// Arrange
		var (
			sut = newLedger(t)
			ctx = newCtx()
		)
		first, err := sut.GetOrCreate(ctx, "user-1", DataTypeCheckin, "c-1")
		require.NoError(t, err)

		var errMsg = "timeout"
		err = sut.UpdatePartnerSync(ctx, first, PartnerStorage, false, &errMsg, nil)
		require.NoError(t, err)

		// Act - second call returns the existing record unmodified
		second, err := sut.GetOrCreate(ctx, "user-1", DataTypeCheckin, "c-1")

		// Assert
		require.NoError(t, err)
		require.NotNil(t, second.Storage.Error)
		assert.Equal(t, "timeout", *second.Storage.Error)
		assert.Equal(t, first.CreatedAt, second.CreatedAt)
	})

	t.Run("should isolate partner sub-states", func(t *testing.T) {
		// Arrange
		var (
			sut       = newLedger(t)
			ctx       = newCtx()
			retryData = json.RawMessage(`{"registered":true,"contribution_proof_requested":true}`)
			errMsg    = "attestation rejected"
		)
		record, err := sut.GetOrCreate(ctx, "user-1", DataTypeHealth, "d-1")
		require.NoError(t, err)

		err = sut.UpdatePartnerSync(ctx, record, PartnerRegistry, false, &errMsg, retryData)
		require.NoError(t, err)

		// Act - updating storage must not disturb registry's error or retry data
		err = sut.UpdatePartnerSync(ctx, record, PartnerStorage, true, nil, nil)
		require.NoError(t, err)

		var reloaded, getErr = sut.GetOrCreate(ctx, "user-1", DataTypeHealth, "d-1")

		// Assert
		require.NoError(t, getErr)
		assert.True(t, reloaded.Storage.Synced)
		assert.False(t, reloaded.Registry.Synced)
		require.NotNil(t, reloaded.Registry.Error)
		assert.Equal(t, "attestation rejected", *reloaded.Registry.Error)
		assert.JSONEq(t, string(retryData), string(reloaded.Registry.RetryData))
	})

	t.Run("should fail fast on unknown partner", func(t *testing.T) {
		// Arrange
		var (
			sut = newLedger(t)
			ctx = newCtx()
		)
		record, err := sut.GetOrCreate(ctx, "user-1", DataTypeHealth, "d-1")
		require.NoError(t, err)

		// Act
		err = sut.UpdatePartnerSync(ctx, record, Partner("backup"), false, nil, nil)

		// Assert
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnknownPartner)

		_, err = sut.FindFailedSyncs(ctx, Partner("backup"), "")
		assert.ErrorIs(t, err, ErrUnknownPartner)
	})

	t.Run("should filter failed syncs by partner and data type", func(t *testing.T) {
		// Arrange
		var (
			sut = newLedger(t)
			ctx = newCtx()
		)
		health, err := sut.GetOrCreate(ctx, "user-1", DataTypeHealth, "d-1")
		require.NoError(t, err)
		checkin, err := sut.GetOrCreate(ctx, "user-1", DataTypeCheckin, "c-1")
		require.NoError(t, err)
		synced, err := sut.GetOrCreate(ctx, "user-1", DataTypeHealth, "d-2")
		require.NoError(t, err)

		err = sut.UpdatePartnerSync(ctx, synced, PartnerRegistry, true, nil, nil)
		require.NoError(t, err)
		err = sut.UpdatePartnerSync(ctx, checkin, PartnerRegistry, false, nil, nil)
		require.NoError(t, err)
		err = sut.UpdatePartnerSync(ctx, health, PartnerRegistry, false, nil, nil)
		require.NoError(t, err)

		// Act
		var failed, findErr = sut.FindFailedSyncs(ctx, PartnerRegistry, DataTypeHealth)

		// Assert - only unsynced health records, most recently touched first
		require.NoError(t, findErr)
		require.Len(t, failed, 1)
		assert.Equal(t, "d-1", failed[0].DataID)
		assert.Equal(t, DataTypeHealth, failed[0].DataType)
	})

	t.Run("should aggregate stats", func(t *testing.T) {
		// Arrange
		var (
			sut = newLedger(t)
			ctx = newCtx()
		)
		record, err := sut.GetOrCreate(ctx, "user-1", DataTypeHealth, "d-1")
		require.NoError(t, err)
		_, err = sut.GetOrCreate(ctx, "user-2", DataTypeCheckin, "c-1")
		require.NoError(t, err)

		err = sut.UpdatePartnerSync(ctx, record, PartnerStorage, true, nil, nil)
		require.NoError(t, err)
		err = sut.UpdatePartnerSync(ctx, record, PartnerRegistry, true, nil, nil)
		require.NoError(t, err)

		// Act
		var stats, statsErr = sut.Stats(ctx)

		// Assert
		require.NoError(t, statsErr)
		assert.Equal(t, 2, stats.Total)
		assert.Equal(t, 1, stats.StorageSynced)
		assert.Equal(t, 1, stats.RegistrySynced)
		assert.Equal(t, 1, stats.FullySynced)
	})
}
