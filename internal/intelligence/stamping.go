package intelligence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// StampingClient talks to the metadata-stamping service. Its
// availability at startup selects the pipeline mode: reachable means
// async_bus, anything else means http_fallback and the stamping stage
// is skipped for the life of the process.
type StampingClient struct {
	baseURL string
	client  *http.Client
}

// NewStampingClient builds the client. An empty URL yields a client
// whose Available always reports false.
func NewStampingClient(baseURL string, timeout time.Duration) *StampingClient {
	return &StampingClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Available probes the service once. Called at startup for mode
// selection and periodically by /ready.
func (c *StampingClient) Available(ctx context.Context) bool {
	if c.baseURL == "" {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	return resp.StatusCode < 300
}

// Stamp records provenance metadata for an indexed file.
func (c *StampingClient) Stamp(ctx context.Context, project, path, entityID string) error {
	if c.baseURL == "" {
		return fmt.Errorf("intelligence: stamping service not configured")
	}
	body, err := json.Marshal(map[string]string{
		"project_name": project,
		"file_path":    path,
		"entity_id":    entityID,
	})
	if err != nil {
		return fmt.Errorf("intelligence: marshal stamp request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/stamp", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("intelligence: build stamp request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("intelligence: stamp: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("intelligence: stamp returned %d: %s", resp.StatusCode, msg)
	}
	return nil
}
