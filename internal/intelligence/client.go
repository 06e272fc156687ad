// Package intelligence wraps the enrichment HTTP services: the
// generate-intelligence endpoint that scores and annotates file content,
// the process/document endpoint used end-to-end in fallback mode, and
// the metadata-stamping service whose availability selects the pipeline
// mode at startup.
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

	"github.com/sony/gobreaker"

	"codegraph/internal/logging"
	"codegraph/internal/retry"
)

// EntitySpec is one entity the service extracted from a file.
type EntitySpec struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Line int    `json:"line,omitempty"`
}

// Response is the generate-intelligence result for one file.
type Response struct {
	Concepts       []string     `json:"concepts"`
	Themes         []string     `json:"themes"`
	QualityScore   float64      `json:"quality_score"`
	OnexCompliance float64      `json:"onex_compliance"`
	Entities       []EntitySpec `json:"entities"`
	Imports        []string     `json:"imports"`
}

type request struct {
	FilePath    string `json:"file_path"`
	Content     string `json:"content"`
	ProjectName string `json:"project_name"`
}

// Client calls the intelligence service behind a circuit breaker:
// five consecutive failures open it, a single probe is allowed after
// 30 seconds, one success closes it again.
type Client struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewClient builds the client. onState (optional) observes breaker
// transitions for metrics and readiness.
func NewClient(baseURL string, timeout time.Duration, onState func(state string)) *Client {
	settings := gobreaker.Settings{
		Name:        "intelligence",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			state := stateName(to)
			logging.Get(logging.CategoryIntelligence).Warn(
				"circuit breaker %s: %s -> %s", name, stateName(from), state)
			if onState != nil {
				onState(state)
			}
		},
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func stateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// BreakerState reports the current breaker state for /ready and /metrics.
func (c *Client) BreakerState() string {
	return stateName(c.breaker.State())
}

// Generate asks the service to analyse one file. Breaker-open and
// service errors come back transient; the caller's retry policy decides
// how long to keep trying.
func (c *Client) Generate(ctx context.Context, filePath, content, project string) (Response, error) {
	var out Response
	result, err := c.breaker.Execute(func() (any, error) {
		return c.post(ctx, "/api/bridge/generate-intelligence", request{
			FilePath:    filePath,
			Content:     content,
			ProjectName: project,
		}, true)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return out, fmt.Errorf("intelligence: circuit breaker open: %w", err)
		}
		return out, err
	}
	if err := json.Unmarshal(result.([]byte), &out); err != nil {
		return out, retry.AsFatal(fmt.Errorf("intelligence: decode response: %w", err))
	}
	return out, nil
}

// ProcessDocument drives the service's own end-to-end path, used by the
// HTTP fallback mode instead of the local stage sequence.
func (c *Client) ProcessDocument(ctx context.Context, filePath, content, project string) error {
	_, err := c.breaker.Execute(func() (any, error) {
		return c.post(ctx, "/process/document", request{
			FilePath:    filePath,
			Content:     content,
			ProjectName: project,
		}, false)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return fmt.Errorf("intelligence: circuit breaker open: %w", err)
	}
	return err
}

func (c *Client) post(ctx context.Context, path string, body request, wantBody bool) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, retry.AsFatal(fmt.Errorf("intelligence: marshal request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, retry.AsFatal(fmt.Errorf("intelligence: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("intelligence: %s: %w", path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("intelligence: read response: %w", err)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("intelligence: %s returned %d: %s", path, resp.StatusCode, payload)
	}
	if resp.StatusCode >= 300 {
		return nil, retry.AsFatal(fmt.Errorf("intelligence: %s returned %d: %s", path, resp.StatusCode, payload))
	}
	if !wantBody {
		return nil, nil
	}
	return payload, nil
}

// HealthCheck verifies the service responds, outside the breaker so a
// probe cannot flip breaker state.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("intelligence: unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("intelligence: health returned %d", resp.StatusCode)
	}
	return nil
}
