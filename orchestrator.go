package vitalsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// ledgerStore is the slice of the Ledger the orchestrator uses.
type ledgerStore interface {
	GetOrCreate(ctx context.Context, userHash string, dataType DataType, dataID string) (*SyncRecord, error)
	UpdatePartnerSync(ctx context.Context, record *SyncRecord, partner Partner, synced bool, errMsg *string, retryData json.RawMessage) error
}

// checkpointStore durably persists job checkpoints. Satisfied by *Queue.
type checkpointStore interface {
	SaveCheckpoint(ctx context.Context, jobID string, cp *Checkpoint) error
}

// Orchestrator drives one upload job through both partners:
//
//	START → STORAGE_DONE → REGISTRY_STAGE(n) → DONE
//
// A checkpoint is persisted after every external side effect, so a retried
// attempt resumes from the last completed step instead of restarting. Every
// side effect is checked for "already done" before being repeated; a job may
// therefore be retried arbitrarily often without duplicate uploads, duplicate
// fees, or duplicate registration.
type Orchestrator struct {
	ledger      ledgerStore
	checkpoints checkpointStore
	vault       StorageAdapter
	registry    RegistryAdapter
	signer      Signer
	notifier    Notifier
	checkins    CheckinCounter
	logger      *slog.Logger
}

// NewOrchestrator wires the pipeline. checkins may be nil when no check-in
// compensation is needed (health-only deployments).
func NewOrchestrator(ledger ledgerStore, checkpoints checkpointStore, vault StorageAdapter, registry RegistryAdapter, signer Signer, notifier Notifier, checkins CheckinCounter, opts ...Option) *Orchestrator {
	var options = defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	return &Orchestrator{
		ledger:      ledger,
		checkpoints: checkpoints,
		vault:       vault,
		registry:    registry,
		signer:      signer,
		notifier:    notifier,
		checkins:    checkins,
		logger:      options.logger,
	}
}

// Execute runs one attempt of an upload job.
func (o *Orchestrator) Execute(ctx context.Context, job *Job) error {
	var payload JobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return Permanent(fmt.Errorf("malformed job payload: %w", err))
	}
	if payload.DataID == "" {
		return Permanent(fmt.Errorf("job payload is missing data_id"))
	}

	cp, err := DecodeCheckpoint(job.Checkpoint)
	if err != nil {
		return Permanent(err)
	}

	record, err := o.ledger.GetOrCreate(ctx, job.UserHash, job.Type, payload.DataID)
	if err != nil {
		return err
	}

	if err := o.ensureSignature(ctx, job, cp); err != nil {
		return err
	}

	if err := o.ensureStored(ctx, job, cp, record, payload); err != nil {
		return err
	}

	if err := o.advanceRegistry(ctx, job, cp, record); err != nil {
		return err
	}

	if err := o.notifier.Send(ctx, job.ActorID, successMessage(job.Type)); err != nil {
		o.logger.Error("failed to send success notification",
			"job_id", job.ID,
			"actor_id", job.ActorID,
			"error", err)
	}

	return nil
}

// ensureSignature signs the fixed challenge once per job. The signature is
// memoized in the checkpoint so retries never re-sign.
func (o *Orchestrator) ensureSignature(ctx context.Context, job *Job, cp *Checkpoint) error {
	if cp.Signature != "" {
		return nil
	}

	sig, err := o.signer.Sign(ctx, []byte(SigningChallenge))
	if err != nil {
		return fmt.Errorf("failed to sign challenge: %w", err)
	}

	cp.Signature = sig
	return o.checkpoints.SaveCheckpoint(ctx, job.ID, cp)
}

// ensureStored performs the encrypted upload unless a previous attempt
// already holds a storage result. The returned reference is durably
// checkpointed before the registry step runs; losing it would force a full
// re-upload on every retry.
func (o *Orchestrator) ensureStored(ctx context.Context, job *Job, cp *Checkpoint, record *SyncRecord, payload JobPayload) error {
	if cp.Storage != nil {
		// The checkpoint is written before the ledger, so a failure between
		// the two leaves the ledger behind. The update is an idempotent
		// snapshot; replay it until the ledger agrees.
		if record.Storage.Synced {
			return nil
		}
		return o.ledger.UpdatePartnerSync(ctx, record, PartnerStorage, true, nil, nil)
	}

	result, err := o.vault.Store(ctx, StoreRequest{
		UserHash:  job.UserHash,
		DataType:  job.Type,
		DataID:    payload.DataID,
		Plaintext: payload.Record,
		Signature: cp.Signature,
	})
	if err != nil {
		var msg = err.Error()
		if ledgerErr := o.ledger.UpdatePartnerSync(ctx, record, PartnerStorage, false, &msg, nil); ledgerErr != nil {
			o.logger.Error("failed to record storage failure", "job_id", job.ID, "error", ledgerErr)
		}
		return fmt.Errorf("storage upload failed: %w", err)
	}

	cp.Storage = result
	if err := o.checkpoints.SaveCheckpoint(ctx, job.ID, cp); err != nil {
		return err
	}

	return o.ledger.UpdatePartnerSync(ctx, record, PartnerStorage, true, nil, nil)
}

// advanceRegistry resumes the registry protocol from the last known vector.
// Partial progress is checkpointed and mirrored into the ledger whether the
// call succeeds or not.
func (o *Orchestrator) advanceRegistry(ctx context.Context, job *Job, cp *Checkpoint, record *SyncRecord) error {
	var state = o.seedRegistryState(cp, record)

	newState, advErr := o.registry.Advance(ctx, RegistryRequest{
		FileID:    cp.Storage.Key,
		URL:       cp.Storage.URL,
		Signature: cp.Signature,
		State:     state,
	})

	// Monotonic: never regress on an adapter that reports less than we knew.
	var merged = state.Merge(newState)
	cp.Registry = &merged
	if err := o.checkpoints.SaveCheckpoint(ctx, job.ID, cp); err != nil {
		return err
	}

	vector, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("failed to encode registry state: %w", err)
	}

	if advErr != nil {
		var msg = advErr.Error()
		if ledgerErr := o.ledger.UpdatePartnerSync(ctx, record, PartnerRegistry, false, &msg, vector); ledgerErr != nil {
			o.logger.Error("failed to record registry failure", "job_id", job.ID, "error", ledgerErr)
		}
		return fmt.Errorf("registry sync failed: %w", advErr)
	}

	return o.ledger.UpdatePartnerSync(ctx, record, PartnerRegistry, true, nil, vector)
}

// seedRegistryState resolves the last known vector: the job checkpoint wins,
// falling back to the ledger's opaque retry data so an operator-triggered
// resync resumes mid-protocol too.
func (o *Orchestrator) seedRegistryState(cp *Checkpoint, record *SyncRecord) RegistryState {
	if cp.Registry != nil {
		return *cp.Registry
	}

	var state RegistryState
	if len(record.Registry.RetryData) > 0 {
		if err := json.Unmarshal(record.Registry.RetryData, &state); err != nil {
			o.logger.Warn("ignoring unreadable registry retry data",
				"user_hash", record.UserHash,
				"data_id", record.DataID,
				"error", err)
			return RegistryState{}
		}
	}

	return state
}

// Exhausted handles terminal failure after all attempts are used up. For
// check-in jobs the optimistically-incremented check-in counter is rolled
// back, guarded by a persisted checkpoint flag so the rollback runs exactly
// once. Health records get a notification only: their authoritative copy
// already exists in primary storage and only replication failed.
func (o *Orchestrator) Exhausted(ctx context.Context, job *Job, cause error) {
	cp, err := DecodeCheckpoint(job.Checkpoint)
	if err != nil {
		o.logger.Error("failed to decode checkpoint during terminal handling", "job_id", job.ID, "error", err)
		cp = &Checkpoint{}
	}

	if job.Type == DataTypeCheckin && o.checkins != nil && !cp.Compensated {
		var payload JobPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			o.logger.Error("cannot compensate check-in with malformed payload", "job_id", job.ID, "error", err)
		} else if err := o.checkins.Rollback(ctx, job.UserHash, payload.DataID); err != nil {
			o.logger.Error("failed to roll back check-in counter", "job_id", job.ID, "error", err)
		} else {
			cp.Compensated = true
			if err := o.checkpoints.SaveCheckpoint(ctx, job.ID, cp); err != nil {
				o.logger.Error("failed to persist compensation marker", "job_id", job.ID, "error", err)
			}
		}
	}

	o.logger.Warn("job permanently failed",
		"job_id", job.ID,
		"type", job.Type,
		"user_hash", job.UserHash,
		"cause", cause)

	if err := o.notifier.Send(ctx, job.ActorID, failureMessage(job.Type)); err != nil {
		o.logger.Error("failed to send failure notification", "job_id", job.ID, "error", err)
	}
}

func successMessage(dataType DataType) string {
	if dataType == DataTypeCheckin {
		return "Your check-in has been securely backed up and registered."
	}
	return "Your health data has been securely backed up and registered."
}

func failureMessage(dataType DataType) string {
	if dataType == DataTypeCheckin {
		return "We could not back up your check-in; it has been reverted. Please try again later."
	}
	return "Your health data is saved, but replication to our custody partners is delayed. Our team has been notified."
}
