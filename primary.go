package vitalsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// PrimaryClient talks to the primary backend's internal API. The primary
// backend owns CRUD, validation and the chat transport; this module only
// consumes it: notifications out, check-in rollbacks, user listing, and
// authoritative record fetches for operator resyncs.
type PrimaryClient struct {
	baseURL string
	http    *http.Client
}

// NewPrimaryClient creates a client for the primary backend at baseURL.
func NewPrimaryClient(baseURL string) *PrimaryClient {
	return &PrimaryClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Send delivers a chat message to the actor.
func (c *PrimaryClient) Send(ctx context.Context, actorID, message string) error {
	var body = map[string]string{"actor_id": actorID, "message": message}
	return c.post(ctx, "/internal/notify", body, nil)
}

// Rollback decrements the user's check-in counter after a terminally failed
// replication.
func (c *PrimaryClient) Rollback(ctx context.Context, userHash, dataID string) error {
	var body = map[string]string{"user_hash": userHash, "data_id": dataID}
	return c.post(ctx, "/internal/checkins/rollback", body, nil)
}

// RegisterCommands asks the primary backend to (re)register chat commands.
// Safe to repeat; the transport treats registration as an upsert.
func (c *PrimaryClient) RegisterCommands(ctx context.Context) error {
	return c.post(ctx, "/internal/commands/register", map[string]string{}, nil)
}

// ActiveUsers lists reminder-eligible users.
func (c *PrimaryClient) ActiveUsers(ctx context.Context) ([]DirectoryUser, error) {
	var out struct {
		Users []DirectoryUser `json:"users"`
	}
	if err := c.get(ctx, "/internal/users/active", &out); err != nil {
		return nil, err
	}
	return out.Users, nil
}

// Fetch retrieves the authoritative copy of a record.
func (c *PrimaryClient) Fetch(ctx context.Context, userHash string, dataType DataType, dataID string) (*SourcedRecord, error) {
	var (
		path = fmt.Sprintf("/internal/records/%s/%s/%s", dataType, userHash, dataID)
		out  SourcedRecord
	)
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *PrimaryClient) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, out)
}

func (c *PrimaryClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	return c.do(req, out)
}

func (c *PrimaryClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("primary backend request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read primary backend response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("primary backend returned %d for %s", resp.StatusCode, req.URL.Path)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode primary backend response: %w", err)
		}
	}

	return nil
}
