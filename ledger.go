package vitalsync

import (
	"context"
	"encoding/json"
	"fmt"

	"vitalsync/database"
)

// Ledger is the persistent per-record, per-partner replication tracker.
type Ledger struct {
	queries *database.Queries
}

// NewLedger creates a Ledger over the given query layer.
func NewLedger(queries *database.Queries) *Ledger {
	return &Ledger{queries: queries}
}

// GetOrCreate returns the sync record for (userHash, dataType, dataID),
// creating it with both partners unsynced if absent. Idempotent: an existing
// record is returned unmodified.
func (l *Ledger) GetOrCreate(ctx context.Context, userHash string, dataType DataType, dataID string) (*SyncRecord, error) {
	if err := l.queries.UpsertSyncRecord(ctx, userHash, string(dataType), dataID); err != nil {
		return nil, fmt.Errorf("failed to get or create sync record: %w", err)
	}

	var row, err = l.queries.GetSyncRecord(ctx, userHash, string(dataType), dataID)
	if err != nil {
		return nil, fmt.Errorf("failed to load sync record: %w", err)
	}
	if row == nil {
		return nil, fmt.Errorf("sync record vanished after creation: %s/%s/%s", userHash, dataType, dataID)
	}

	return recordFromRow(row), nil
}

// UpdatePartnerSync persists one partner's sync outcome on a record and bumps
// updated_at. The other partner's sub-state is untouched. An unknown partner
// name fails fast as a programmer error.
func (l *Ledger) UpdatePartnerSync(ctx context.Context, record *SyncRecord, partner Partner, synced bool, errMsg *string, retryData json.RawMessage) error {
	switch partner {
	case PartnerStorage, PartnerRegistry:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownPartner, partner)
	}

	err := l.queries.UpdatePartnerSync(ctx,
		record.UserHash, string(record.DataType), record.DataID,
		string(partner), synced, errMsg, retryData,
	)
	if err != nil {
		return fmt.Errorf("failed to update partner sync: %w", err)
	}

	var state = PartnerState{Synced: synced, Error: errMsg, RetryData: retryData}
	switch partner {
	case PartnerStorage:
		record.Storage = state
	case PartnerRegistry:
		record.Registry = state
	}

	return nil
}

// FindFailedSyncs returns all records whose given partner is unsynced,
// most recently touched first. dataType narrows the result when non-empty.
func (l *Ledger) FindFailedSyncs(ctx context.Context, partner Partner, dataType DataType) ([]*SyncRecord, error) {
	switch partner {
	case PartnerStorage, PartnerRegistry:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPartner, partner)
	}

	var rows, err = l.queries.ListUnsynced(ctx, string(partner), string(dataType))
	if err != nil {
		return nil, fmt.Errorf("failed to find failed syncs: %w", err)
	}

	var records = make([]*SyncRecord, len(rows))
	for i, row := range rows {
		records[i] = recordFromRow(row)
	}

	return records, nil
}

// Stats summarizes replication progress across the whole ledger.
type Stats struct {
	Total          int `json:"total"`
	StorageSynced  int `json:"storage_synced"`
	RegistrySynced int `json:"registry_synced"`
	FullySynced    int `json:"fully_synced"`
}

// Stats returns aggregate sync statistics for operational tooling.
func (l *Ledger) Stats(ctx context.Context) (*Stats, error) {
	total, storageSynced, registrySynced, fullySynced, err := l.queries.SyncStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate sync stats: %w", err)
	}

	return &Stats{
		Total:          total,
		StorageSynced:  storageSynced,
		RegistrySynced: registrySynced,
		FullySynced:    fullySynced,
	}, nil
}

func recordFromRow(row *database.SyncRecordRow) *SyncRecord {
	return &SyncRecord{
		UserHash: row.UserHash,
		DataType: DataType(row.DataType),
		DataID:   row.DataID,
		Storage: PartnerState{
			Synced:    row.StorageSynced,
			Error:     row.StorageError,
			RetryData: row.StorageRetryData,
		},
		Registry: PartnerState{
			Synced:    row.RegistrySynced,
			Error:     row.RegistryError,
			RetryData: row.RegistryRetryData,
		},
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
}
