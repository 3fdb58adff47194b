package vitalsync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"vitalsync/database"
)

// leadership is the slice of the Elector the scheduler needs.
type leadership interface {
	IsLeader() bool
}

// Task is a named unit of singleton work. Tasks must be idempotent: during a
// network partition two instances can both believe they lead for up to one
// lock TTL, so a task may run twice for the same tick.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Scheduler runs registered tasks on a fixed interval, but only while this
// instance holds the leadership lock. Non-leaders tick idly.
type Scheduler struct {
	elector  leadership
	interval time.Duration
	tasks    []Task
	logger   *slog.Logger
	cancel   context.CancelFunc
}

// NewScheduler creates a Scheduler gated on the given elector.
func NewScheduler(elector leadership, interval time.Duration, opts ...Option) *Scheduler {
	var options = defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	return &Scheduler{
		elector:  elector,
		interval: interval,
		logger:   options.logger,
	}
}

// Register adds a task. Must be called before Start.
func (s *Scheduler) Register(task Task) {
	s.tasks = append(s.tasks, task)
}

// Start launches the scheduling worker.
func (s *Scheduler) Start(ctx context.Context) error {
	var workerCtx context.Context
	workerCtx, s.cancel = context.WithCancel(context.Background())

	go s.scheduleWorker(workerCtx)

	return nil
}

// Stop cancels the scheduling worker.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

func (s *Scheduler) scheduleWorker(ctx context.Context) {
	var ticker = time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunDue(ctx)
		}
	}
}

// RunDue executes all registered tasks if this instance is the leader.
// Task errors are logged and never stop the other tasks.
func (s *Scheduler) RunDue(ctx context.Context) {
	if !s.elector.IsLeader() {
		return
	}

	for _, task := range s.tasks {
		if err := task.Run(ctx); err != nil {
			s.logger.Error("scheduled task failed", "task", task.Name, "error", err)
		}
	}
}

// ReminderKindCheckin is the notification kind for daily check-in reminders.
const ReminderKindCheckin = "checkin_reminder"

// NewCheckinReminderTask builds the daily check-in reminder task. For every
// active user it finds-or-creates today's reminder row; only the instance
// that created the row sends the message, so duplicate leaders during a
// partition window send at most one reminder per user per day.
func NewCheckinReminderTask(queries *database.Queries, users UserDirectory, notifier Notifier, logger *slog.Logger) Task {
	return Task{
		Name: "checkin-reminder",
		Run: func(ctx context.Context) error {
			active, err := users.ActiveUsers(ctx)
			if err != nil {
				return fmt.Errorf("failed to list active users: %w", err)
			}

			var today = time.Now().UTC().Truncate(24 * time.Hour)
			for _, user := range active {
				created, err := queries.InsertNotification(ctx, &database.NotificationRecord{
					ID:       uuid.New().String(),
					UserHash: user.UserHash,
					Kind:     ReminderKindCheckin,
					DueOn:    today,
				})
				if err != nil {
					logger.Error("failed to schedule reminder", "user_hash", user.UserHash, "error", err)
					continue
				}
				if !created {
					continue
				}

				if err := notifier.Send(ctx, user.ActorID, "Time for your daily check-in!"); err != nil {
					logger.Error("failed to send reminder", "user_hash", user.UserHash, "error", err)
				}
			}

			return nil
		},
	}
}
