package vitalsync

import (
	"context"
	"log/slog"
)

// Notifier delivers user-facing messages through the chat front end.
// The delivery mechanics live outside this module.
type Notifier interface {
	Send(ctx context.Context, actorID, message string) error
}

// LogNotifier writes notifications to the log. Used in development and as a
// fallback when no chat transport is wired.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) Send(ctx context.Context, actorID, message string) error {
	n.Logger.Info("notification", "actor_id", actorID, "message", message)
	return nil
}

// CheckinCounter rolls back an optimistically-incremented check-in counter in
// primary storage when replication of a check-in terminally fails.
type CheckinCounter interface {
	Rollback(ctx context.Context, userHash, dataID string) error
}

// CommandRegistrar registers chat-bot commands. Only the current leader
// performs registration, via the elector's leadership callbacks.
type CommandRegistrar interface {
	RegisterCommands(ctx context.Context) error
}

// UserDirectory lists users eligible for scheduled reminders. Backed by
// primary storage, outside this module.
type UserDirectory interface {
	ActiveUsers(ctx context.Context) ([]DirectoryUser, error)
}

// DirectoryUser is one reminder-eligible user.
type DirectoryUser struct {
	UserHash string `json:"user_hash"`
	ActorID  string `json:"actor_id"`
}

// RecordSource fetches the authoritative copy of a record from primary
// storage, used when an operator re-triggers a failed sync.
type RecordSource interface {
	Fetch(ctx context.Context, userHash string, dataType DataType, dataID string) (*SourcedRecord, error)
}

// SourcedRecord is a record payload retrieved from primary storage.
type SourcedRecord struct {
	ActorID string     `json:"actor_id"`
	Payload JobPayload `json:"payload"`
}
