package vitalsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Partner identifies one of the two external custody partners.
type Partner string

const (
	// PartnerStorage is the encrypted object-storage service.
	PartnerStorage Partner = "storage"
	// PartnerRegistry is the blockchain-based data registry and reward network.
	PartnerRegistry Partner = "registry"
)

// ErrUnknownPartner is returned when a partner name outside the two
// configured partners reaches the ledger. This is a programmer error and is
// never retried.
var ErrUnknownPartner = errors.New("unknown partner")

// DataType classifies a logical record.
type DataType string

const (
	DataTypeHealth  DataType = "health"
	DataTypeCheckin DataType = "checkin"
)

// PartnerState holds one partner's replication sub-state for a record.
// RetryData is an opaque checkpoint blob; the ledger stores and returns it
// without interpreting it.
type PartnerState struct {
	Synced    bool
	Error     *string
	RetryData json.RawMessage
}

// SyncRecord tracks replication status of one logical data item across both
// partners. Unique per (UserHash, DataType, DataID).
type SyncRecord struct {
	UserHash  string
	DataType  DataType
	DataID    string
	Storage   PartnerState
	Registry  PartnerState
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Partner returns the named partner's sub-state.
func (r *SyncRecord) Partner(partner Partner) (PartnerState, error) {
	switch partner {
	case PartnerStorage:
		return r.Storage, nil
	case PartnerRegistry:
		return r.Registry, nil
	default:
		return PartnerState{}, fmt.Errorf("%w: %q", ErrUnknownPartner, partner)
	}
}

// Job is a durable queue item. It is exclusively owned by the queue while in
// flight and mutated in place across retries to accumulate checkpoints.
type Job struct {
	ID          string
	Type        DataType
	Payload     json.RawMessage
	ActorID     string
	UserHash    string
	Attempts    int
	MaxAttempts int
	Checkpoint  json.RawMessage
}

// JobPayload is the decoded payload of an upload job.
type JobPayload struct {
	DataID string          `json:"data_id"`
	Record json.RawMessage `json:"record"`
}

// RegistryState is the registry partner's protocol-state vector: five
// monotonic flags tracking progress through the multi-step on-chain protocol.
// Flags are only ever set, never cleared.
type RegistryState struct {
	Registered     bool `json:"registered"`
	ProofRequested bool `json:"contribution_proof_requested"`
	Attested       bool `json:"attestation_submitted"`
	Refined        bool `json:"refined"`
	RewardClaimed  bool `json:"reward_claimed"`
}

// Complete reports whether every protocol stage has finished.
func (s RegistryState) Complete() bool {
	return s.Registered && s.ProofRequested && s.Attested && s.Refined && s.RewardClaimed
}

// Merge returns the monotonic union of two state vectors.
func (s RegistryState) Merge(other RegistryState) RegistryState {
	return RegistryState{
		Registered:     s.Registered || other.Registered,
		ProofRequested: s.ProofRequested || other.ProofRequested,
		Attested:       s.Attested || other.Attested,
		Refined:        s.Refined || other.Refined,
		RewardClaimed:  s.RewardClaimed || other.RewardClaimed,
	}
}

// StorageResult is the object-storage partner's reference for one uploaded
// record. Obtaining it is atomic: either the upload fully succeeded and the
// reference is valid, or the upload failed and no result exists.
type StorageResult struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	URL    string `json:"url"`
	ETag   string `json:"etag,omitempty"`
}

// Checkpoint is the durable mid-flight state of an upload job. Each field is
// persisted as soon as the corresponding side effect completes, so a retried
// attempt resumes instead of restarting.
type Checkpoint struct {
	Storage     *StorageResult `json:"storage,omitempty"`
	Signature   string         `json:"signature,omitempty"`
	Registry    *RegistryState `json:"registry,omitempty"`
	Compensated bool           `json:"compensated,omitempty"`
}

// DecodeCheckpoint parses a job's checkpoint blob, returning an empty
// checkpoint for jobs that have not progressed yet.
func DecodeCheckpoint(raw json.RawMessage) (*Checkpoint, error) {
	var cp Checkpoint
	if len(raw) == 0 || string(raw) == "null" {
		return &cp, nil
	}

	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}

	return &cp, nil
}

// Encode serializes the checkpoint for persistence on the job row.
func (cp *Checkpoint) Encode() (json.RawMessage, error) {
	data, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return data, nil
}
