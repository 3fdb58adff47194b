package vitalsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// RegistryRequest carries what the registry partner needs to advance one
// record through its protocol.
type RegistryRequest struct {
	FileID    string
	URL       string
	Signature string
	// State is the last known protocol-state vector; stages already marked
	// are never re-invoked.
	State RegistryState
}

// RegistryAdapter drives the registry partner's multi-step protocol. Advance
// only attempts stages not yet set in the incoming vector, in fixed order,
// and returns the vector as far as it got together with any stage error.
type RegistryAdapter interface {
	Advance(ctx context.Context, req RegistryRequest) (RegistryState, error)
}

// StageError reports which protocol stage failed, so the caller can persist
// a resumable checkpoint.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("registry stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Registry protocol stage names, in execution order.
const (
	StageRegister    = "register"
	StageProof       = "contribution-proof"
	StageAttestation = "attestation"
	StageRefine      = "refine"
	StageReward      = "reward"
)

// RegistryClient talks to a registry gateway node over HTTP. Each stage is
// its own network transaction; the gateway submits the corresponding
// on-chain operation and answers once it lands.
type RegistryClient struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewRegistryClient creates a client for the gateway at baseURL.
func NewRegistryClient(baseURL string, opts ...Option) *RegistryClient {
	var options = defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	return &RegistryClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  options.logger,
	}
}

// stage binds a vector flag to its gateway endpoint.
type stage struct {
	name string
	path string
	done func(RegistryState) bool
	set  func(*RegistryState)
}

func protocolStages() []stage {
	return []stage{
		{StageRegister, "/v1/files/register", func(s RegistryState) bool { return s.Registered }, func(s *RegistryState) { s.Registered = true }},
		{StageProof, "/v1/files/contribution-proof", func(s RegistryState) bool { return s.ProofRequested }, func(s *RegistryState) { s.ProofRequested = true }},
		{StageAttestation, "/v1/files/attestation", func(s RegistryState) bool { return s.Attested }, func(s *RegistryState) { s.Attested = true }},
		{StageRefine, "/v1/files/refine", func(s RegistryState) bool { return s.Refined }, func(s *RegistryState) { s.Refined = true }},
		{StageReward, "/v1/files/reward", func(s RegistryState) bool { return s.RewardClaimed }, func(s *RegistryState) { s.RewardClaimed = true }},
	}
}

// Advance runs remaining stages in order. A stage failure aborts the call
// but the partially advanced vector is still returned, so progress made
// before the failure is never repeated.
func (c *RegistryClient) Advance(ctx context.Context, req RegistryRequest) (RegistryState, error) {
	var state = req.State

	for _, st := range protocolStages() {
		if st.done(state) {
			continue
		}

		if err := c.callStage(ctx, st, req); err != nil {
			c.logger.Warn("registry stage failed",
				"stage", st.name,
				"file_id", req.FileID,
				"error", err)
			return state, &StageError{Stage: st.name, Err: err}
		}

		st.set(&state)
		c.logger.Info("registry stage completed", "stage", st.name, "file_id", req.FileID)
	}

	return state, nil
}

type stageRequest struct {
	FileID    string `json:"file_id"`
	URL       string `json:"url,omitempty"`
	Signature string `json:"signature"`
}

type stageResponse struct {
	TxHash string `json:"tx_hash,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (c *RegistryClient) callStage(ctx context.Context, st stage, req RegistryRequest) error {
	body, err := json.Marshal(stageRequest{
		FileID:    req.FileID,
		URL:       req.URL,
		Signature: req.Signature,
	})
	if err != nil {
		return fmt.Errorf("failed to encode stage request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+st.path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build stage request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("stage request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read stage response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var parsed stageResponse
		if json.Unmarshal(data, &parsed) == nil && parsed.Error != "" {
			return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, parsed.Error)
		}
		return fmt.Errorf("gateway returned %d", resp.StatusCode)
	}

	return nil
}
