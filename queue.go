package vitalsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"vitalsync/database"
)

// RetryPolicy governs how a failed job is rescheduled. It is a plain value
// applied by the queue, independent of the underlying transport, so retry
// behavior is unit-testable without a live queue.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy retries three times with a doubling delay starting at 2s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    10 * time.Minute,
	}
}

// Delay returns the backoff before the given attempt (1-based) is retried.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	var delay = p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// PermanentError marks a job error that must not be retried, such as a
// malformed payload. The queue fails the job immediately and surfaces the
// terminal outcome to the handler.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the queue treats it as non-retryable.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is marked non-retryable.
func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}

// Handler executes jobs of one type. Execute is retried per the queue's
// retry policy; Exhausted runs exactly when a job becomes terminally failed,
// whether by used-up attempts or a permanent error.
type Handler interface {
	Execute(ctx context.Context, job *Job) error
	Exhausted(ctx context.Context, job *Job, cause error)
}

// Queue is the durable at-least-once upload queue. Jobs live in Postgres;
// workers on every replica claim due jobs with FOR UPDATE SKIP LOCKED, so
// per-job exclusivity is arbitrated by the queue itself rather than the
// leadership lock.
type Queue struct {
	queries  *database.Queries
	workerID string
	handlers map[DataType]Handler
	options  options
	cancel   context.CancelFunc
}

// NewQueue creates a Queue with a generated worker id.
func NewQueue(queries *database.Queries, opts ...Option) *Queue {
	var options = defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	return &Queue{
		queries:  queries,
		workerID: uuid.New().String(),
		handlers: make(map[DataType]Handler),
		options:  options,
	}
}

// RegisterHandler binds a handler to a job type. Must be called before Start.
func (q *Queue) RegisterHandler(jobType DataType, handler Handler) {
	q.handlers[jobType] = handler
}

// Enqueue adds a job to the queue and returns its id.
func (q *Queue) Enqueue(ctx context.Context, jobType DataType, payload json.RawMessage, actorID, userHash string) (string, error) {
	var record = &database.JobRecord{
		ID:          uuid.New().String(),
		Type:        string(jobType),
		Payload:     payload,
		ActorID:     actorID,
		UserHash:    userHash,
		MaxAttempts: q.options.retryPolicy.MaxAttempts,
		RunAt:       time.Now(),
	}

	if err := q.queries.InsertJob(ctx, record); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	q.options.logger.Info("job enqueued",
		"job_id", record.ID,
		"type", record.Type,
		"user_hash", record.UserHash)

	return record.ID, nil
}

// SaveCheckpoint durably persists a job's checkpoint. The orchestrator calls
// this after every completed side effect, before the next step runs.
func (q *Queue) SaveCheckpoint(ctx context.Context, jobID string, cp *Checkpoint) error {
	data, err := cp.Encode()
	if err != nil {
		return err
	}

	if err := q.queries.UpdateJobCheckpoint(ctx, jobID, data); err != nil {
		return fmt.Errorf("failed to save checkpoint for job %s: %w", jobID, err)
	}

	return nil
}

// Start launches the background worker loop.
func (q *Queue) Start(ctx context.Context) error {
	var workerCtx context.Context
	workerCtx, q.cancel = context.WithCancel(context.Background())

	go q.pollWorker(workerCtx)

	return nil
}

// Stop cancels the worker loop along with the context any in-flight attempt
// runs under, aborting its adapter calls. The stuck-job sweep on a surviving
// replica requeues whatever the aborted attempt left claimed.
func (q *Queue) Stop(ctx context.Context) error {
	if q.cancel != nil {
		q.cancel()
	}
	return nil
}

// pollWorker claims and executes due jobs until the context is cancelled.
func (q *Queue) pollWorker(ctx context.Context) {
	var ticker = time.NewTicker(q.options.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.queries.RequeueStuckJobs(ctx, time.Now().Add(-q.options.stuckTimeout)); err != nil {
				q.options.logger.Error("failed to requeue stuck jobs", "error", err)
			}

			record, err := q.queries.ClaimDueJob(ctx, q.workerID)
			if err != nil {
				q.options.logger.Error("failed to claim job", "error", err)
				continue
			}
			if record == nil {
				continue
			}

			q.execute(ctx, record)
		}
	}
}

// execute runs one claimed job attempt and applies the retry policy to the
// outcome.
func (q *Queue) execute(ctx context.Context, record *database.JobRecord) {
	var (
		handler = q.handlers[DataType(record.Type)]
		job     = jobFromRecord(record)
	)
	if handler == nil {
		var msg = fmt.Sprintf("no handler registered for job type %q", record.Type)
		q.options.logger.Error("dropping job", "job_id", record.ID, "type", record.Type)
		if err := q.queries.MarkJobFailed(ctx, record.ID, &msg); err != nil {
			q.options.logger.Error("failed to mark job failed", "job_id", record.ID, "error", err)
		}
		return
	}

	var execErr = handler.Execute(ctx, job)
	if execErr == nil {
		if err := q.queries.MarkJobDone(ctx, record.ID); err != nil {
			q.options.logger.Error("failed to mark job done", "job_id", record.ID, "error", err)
		}
		return
	}

	var (
		attempts = record.Attempts + 1
		errMsg   = execErr.Error()
	)

	if IsPermanent(execErr) || attempts >= record.MaxAttempts {
		q.options.logger.Warn("job terminally failed",
			"job_id", record.ID,
			"type", record.Type,
			"attempts", attempts,
			"error", errMsg)
		if err := q.queries.MarkJobFailed(ctx, record.ID, &errMsg); err != nil {
			q.options.logger.Error("failed to mark job failed", "job_id", record.ID, "error", err)
		}

		// Re-read so the terminal path observes checkpoints persisted during
		// the failed attempt.
		fresh, err := q.queries.GetJob(ctx, record.ID)
		if err != nil || fresh == nil {
			q.options.logger.Error("failed to reload job for terminal handling", "job_id", record.ID, "error", err)
			fresh = record
		}
		job = jobFromRecord(fresh)
		job.Attempts = attempts

		handler.Exhausted(ctx, job, execErr)
		return
	}

	var runAt = time.Now().Add(q.options.retryPolicy.Delay(attempts))
	q.options.logger.Info("job rescheduled",
		"job_id", record.ID,
		"attempt", attempts,
		"run_at", runAt,
		"error", errMsg)

	if err := q.queries.RescheduleJob(ctx, record.ID, attempts, runAt, &errMsg); err != nil {
		q.options.logger.Error("failed to reschedule job", "job_id", record.ID, "error", err)
	}
}

func jobFromRecord(record *database.JobRecord) *Job {
	return &Job{
		ID:          record.ID,
		Type:        DataType(record.Type),
		Payload:     record.Payload,
		ActorID:     record.ActorID,
		UserHash:    record.UserHash,
		Attempts:    record.Attempts,
		MaxAttempts: record.MaxAttempts,
		Checkpoint:  record.Checkpoint,
	}
}
