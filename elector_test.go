package vitalsync

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vitalsync/database"
)

func TestElector(t *testing.T) {
	var (
		newDb = func(t *testing.T) (*sql.DB, *database.Queries) {
			var db = database.SetupTestDatabase(t)
			err := database.Migrate(db, "test_elector")
			require.NoError(t, err)
			return db, database.NewQueries(db, "test_elector")
		}
		newCtx = func() context.Context {
			return context.Background()
		}
		newElector = func(queries *database.Queries) *Elector {
			// 1s TTL gives renewal at 500ms and election retry at 1s
			return NewElector(queries, "test_leader", WithLockTTL(time.Second))
		}
		countLeaders = func(electors []*Elector) int {
			var n = 0
			for _, e := range electors {
				if e.IsLeader() {
					n++
				}
			}
			return n
		}
	)

	t.Run("should elect exactly one leader among contenders", func(t *testing.T) {
		t.Parallel()

		// Arrange
		var (
			_, queries = newDb(t)
			ctx        = newCtx()
			electors   = make([]*Elector, 5)
		)
		for i := range electors {
			electors[i] = newElector(queries)
		}

		// Act
		for _, e := range electors {
			err := e.Start(ctx)
			require.NoError(t, err)
		}
		time.Sleep(300 * time.Millisecond)

		// Assert
		assert.Equal(t, 1, countLeaders(electors))

		// Cleanup
		for _, e := range electors {
			err := e.Stop(ctx)
			require.NoError(t, err)
		}
	})

	t.Run("should hand over leadership after the leader stops", func(t *testing.T) {
		t.Parallel()

		// Arrange
		var (
			_, queries = newDb(t)
			ctx        = newCtx()
			first      = newElector(queries)
			second     = newElector(queries)
		)
		err := first.Start(ctx)
		require.NoError(t, err)
		time.Sleep(200 * time.Millisecond)
		require.True(t, first.IsLeader())

		err = second.Start(ctx)
		require.NoError(t, err)
		time.Sleep(200 * time.Millisecond)
		require.False(t, second.IsLeader())

		// Act - graceful stop releases the lock, no TTL wait needed
		err = first.Stop(ctx)
		require.NoError(t, err)

		require.Eventually(t, second.IsLeader, 3*time.Second, 100*time.Millisecond,
			"second elector should win the freed lock")

		// Cleanup
		err = second.Stop(ctx)
		require.NoError(t, err)
	})

	t.Run("should demote when the lock is overwritten", func(t *testing.T) {
		t.Parallel()

		// Arrange
		var (
			db, queries = newDb(t)
			ctx         = newCtx()
			sut         = newElector(queries)
		)
		err := sut.Start(ctx)
		require.NoError(t, err)
		time.Sleep(200 * time.Millisecond)
		require.True(t, sut.IsLeader())

		// Act - simulate a partition where a peer took the lock
		_, err = db.ExecContext(ctx,
			`UPDATE test_elector_locks SET owner_id = 'usurper', expires_at = $1 WHERE name = 'test_leader'`,
			time.Now().Add(time.Hour))
		require.NoError(t, err)

		// Assert - next renewal detects the foreign owner and demotes
		require.Eventually(t, func() bool { return !sut.IsLeader() }, 3*time.Second, 100*time.Millisecond,
			"elector must demote itself instead of force-renewing")

		lock, getErr := queries.GetLock(ctx, "test_leader")
		require.NoError(t, getErr)
		require.NotNil(t, lock)
		assert.Equal(t, "usurper", lock.OwnerID)

		// Cleanup
		err = sut.Stop(ctx)
		require.NoError(t, err)
	})

	t.Run("should notify subscribers on gain and loss", func(t *testing.T) {
		t.Parallel()

		// Arrange
		var (
			_, queries  = newDb(t)
			ctx         = newCtx()
			sut         = newElector(queries)
			transitions = make(chan bool, 8)
		)
		sut.Subscribe(func(ctx context.Context, leader bool) {
			transitions <- leader
		})

		// Act
		err := sut.Start(ctx)
		require.NoError(t, err)

		// Assert
		select {
		case leader := <-transitions:
			assert.True(t, leader)
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for leadership-gained event")
		}

		err = sut.Stop(ctx)
		require.NoError(t, err)

		select {
		case leader := <-transitions:
			assert.False(t, leader)
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for leadership-lost event")
		}
	})
}

// Guards against two electors in the same process sharing an instance id.
func TestElectorInstanceIDs(t *testing.T) {
	var seen = make(map[string]bool)
	for i := 0; i < 10; i++ {
		var e = NewElector(nil, "leader")
		require.False(t, seen[e.InstanceID()], fmt.Sprintf("duplicate instance id %s", e.InstanceID()))
		seen[e.InstanceID()] = true
	}
}
