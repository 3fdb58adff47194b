package database

import (
	"encoding/json"
	"time"
)

// LockRecord represents the leadership lock row in the database.
type LockRecord struct {
	Name      string
	OwnerID   string
	ExpiresAt time.Time
}

// SyncRecordRow represents a per-record replication ledger row.
type SyncRecordRow struct {
	UserHash          string
	DataType          string
	DataID            string
	StorageSynced     bool
	StorageError      *string
	StorageRetryData  json.RawMessage
	RegistrySynced    bool
	RegistryError     *string
	RegistryRetryData json.RawMessage
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// JobRecord represents a durable queue job row.
type JobRecord struct {
	ID          string
	Type        string
	Payload     json.RawMessage
	ActorID     string
	UserHash    string
	Status      string
	Attempts    int
	MaxAttempts int
	RunAt       time.Time
	LockedBy    *string
	LockedAt    *time.Time
	Checkpoint  json.RawMessage
	LastError   *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NotificationRecord represents a scheduled-notification row, unique per
// (user_hash, kind, due_on) so scheduling the same notification twice is a no-op.
type NotificationRecord struct {
	ID        string
	UserHash  string
	Kind      string
	DueOn     time.Time
	CreatedAt time.Time
}
