// Package vitalsync replicates user health records to two independent
// external custody partners: an encrypted object-storage service and a
// blockchain-based data registry. Replication is durable and idempotent
// across transient failures, process restarts, and concurrently running
// replicas; a Postgres-backed leadership lock elects a single replica for
// singleton duties such as reminder scheduling.
package vitalsync

import (
	"errors"
	"regexp"
)

var (
	// ErrInvalidPrefix is returned when the table prefix contains invalid characters
	ErrInvalidPrefix = errors.New("prefix must contain only lowercase letters, numbers, and underscores, and start with a letter")

	// validPrefixPattern validates PostgreSQL-safe identifiers
	validPrefixPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
)

// ValidatePrefix checks if the table prefix is valid for use as a PostgreSQL identifier.
func ValidatePrefix(prefix string) error {
	if prefix == "" {
		return errors.New("prefix cannot be empty")
	}

	if len(prefix) > 40 {
		return errors.New("prefix must be 40 characters or less")
	}

	if !validPrefixPattern.MatchString(prefix) {
		return ErrInvalidPrefix
	}

	return nil
}
