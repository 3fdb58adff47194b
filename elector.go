package vitalsync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"vitalsync/database"
)

// LeadershipCallback is invoked from the election worker whenever this
// instance gains or loses leadership.
type LeadershipCallback func(ctx context.Context, leader bool)

// Elector runs periodic leader election over a single shared lock row.
// At most one instance owns the lock at any instant; ownership is enforced
// by atomic conditional set, renew and delete on the coordination store.
type Elector struct {
	queries    *database.Queries
	lockName   string
	instanceID string
	options    options

	leader    atomic.Bool
	mu        sync.Mutex
	callbacks []LeadershipCallback
	cancel    context.CancelFunc
}

// NewElector creates a new Elector with a generated instance id.
func NewElector(queries *database.Queries, lockName string, opts ...Option) *Elector {
	var options = defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	return &Elector{
		queries:    queries,
		lockName:   lockName,
		instanceID: uuid.New().String(),
		options:    options,
	}
}

// InstanceID returns this elector's unique instance identifier.
func (e *Elector) InstanceID() string {
	return e.instanceID
}

// IsLeader reports whether this instance currently holds the leadership lock.
func (e *Elector) IsLeader() bool {
	return e.leader.Load()
}

// Subscribe registers a callback for leadership transitions. Must be called
// before Start.
func (e *Elector) Subscribe(cb LeadershipCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbacks = append(e.callbacks, cb)
}

// Start begins periodic election. An immediate acquisition attempt runs
// before the background worker takes over. Election errors are retried and
// never fatal; an instance that never wins simply never runs singleton work.
func (e *Elector) Start(ctx context.Context) error {
	var workerCtx context.Context
	workerCtx, e.cancel = context.WithCancel(context.Background())

	if err := e.tryAcquire(ctx); err != nil {
		e.options.logger.Error("initial election attempt failed", "error", err)
	}

	go e.electionWorker(workerCtx)

	return nil
}

// Stop cancels the election worker and, if this instance is the leader,
// releases the lock so a peer can take over without waiting out the TTL.
func (e *Elector) Stop(ctx context.Context) error {
	if e.cancel != nil {
		e.cancel()
	}

	if !e.leader.Load() {
		return nil
	}

	e.demote(ctx)

	// Owner-guarded delete: a peer that already took the lock is untouched.
	if err := e.queries.ReleaseLock(ctx, e.lockName, e.instanceID); err != nil {
		return fmt.Errorf("failed to release leadership lock: %w", err)
	}

	return nil
}

// electionWorker alternates between acquisition attempts (every lock TTL
// while follower) and renewals (every TTL/2 while leader).
func (e *Elector) electionWorker(ctx context.Context) {
	var timer = time.NewTimer(e.nextInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if e.leader.Load() {
				e.renew(ctx)
			} else {
				if err := e.tryAcquire(ctx); err != nil {
					e.options.logger.Error("election attempt failed", "error", err)
				}
			}
			timer.Reset(e.nextInterval())
		}
	}
}

func (e *Elector) nextInterval() time.Duration {
	if e.leader.Load() {
		return e.options.renewInterval
	}
	return e.options.electionRetry
}

// tryAcquire attempts an atomic set-if-absent-or-expired with the lock TTL.
func (e *Elector) tryAcquire(ctx context.Context) error {
	var expiresAt = time.Now().Add(e.options.lockTTL)

	acquired, err := e.queries.AcquireLock(ctx, e.lockName, e.instanceID, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to acquire leadership: %w", err)
	}

	if acquired && !e.leader.Load() {
		e.leader.Store(true)
		e.options.logger.Info("gained leadership",
			"lock", e.lockName,
			"instance_id", e.instanceID,
			"ttl", e.options.lockTTL)
		e.notify(ctx, true)
	}

	return nil
}

// renew extends the lease via compare-and-renew: the expiry is only updated
// while the stored owner still equals this instance, so a missed renewal
// never clobbers a lock a peer has since taken. Any renewal failure demotes
// immediately and the worker falls back to the election cadence.
func (e *Elector) renew(ctx context.Context) {
	var expiresAt = time.Now().Add(e.options.lockTTL)

	renewed, err := e.queries.RenewLock(ctx, e.lockName, e.instanceID, expiresAt)
	if err != nil {
		e.options.logger.Error("failed to renew leadership", "error", err)
		e.demote(ctx)
		return
	}

	if !renewed {
		e.options.logger.Warn("leadership lock lost, demoting",
			"lock", e.lockName,
			"instance_id", e.instanceID)
		e.demote(ctx)
	}
}

func (e *Elector) demote(ctx context.Context) {
	if e.leader.CompareAndSwap(true, false) {
		e.notify(ctx, false)
	}
}

func (e *Elector) notify(ctx context.Context, leader bool) {
	e.mu.Lock()
	var callbacks = make([]LeadershipCallback, len(e.callbacks))
	copy(callbacks, e.callbacks)
	e.mu.Unlock()

	for _, cb := range callbacks {
		cb(ctx, leader)
	}
}
