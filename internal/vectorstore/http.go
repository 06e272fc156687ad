package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"codegraph/internal/retry"
)

// HTTPStore speaks the Qdrant REST API. Status handling follows the
// retry taxonomy: 4xx responses are fatal for the point, 5xx and
// transport errors are transient and retried by the caller.
type HTTPStore struct {
	baseURL    string
	collection string
	dimensions int
	client     *http.Client
}

// NewHTTPStore creates the remote adapter.
func NewHTTPStore(baseURL, collection string, dimensions int) *HTTPStore {
	return &HTTPStore{
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: collection,
		dimensions: dimensions,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

type qdrantResponse struct {
	Status json.RawMessage `json:"status"`
	Result json.RawMessage `json:"result"`
}

func (s *HTTPStore) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, retry.AsFatal(fmt.Errorf("vectorstore: marshal request: %w", err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return nil, retry.AsFatal(fmt.Errorf("vectorstore: build request: %w", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("vectorstore: read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("vectorstore: %s %s returned %d: %s", method, path, resp.StatusCode, data)
	default:
		return nil, retry.AsFatal(fmt.Errorf("vectorstore: %s %s returned %d: %s", method, path, resp.StatusCode, data))
	}

	var parsed qdrantResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("vectorstore: decode response: %w", err)
	}
	return parsed.Result, nil
}

// EnsureCollection creates the collection if needed and verifies the
// configured dimension against an existing one.
func (s *HTTPStore) EnsureCollection(ctx context.Context) error {
	result, err := s.do(ctx, http.MethodGet, "/collections/"+s.collection, nil)
	if err == nil {
		var info struct {
			Config struct {
				Params struct {
					Vectors struct {
						Size int `json:"size"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		}
		if jsonErr := json.Unmarshal(result, &info); jsonErr == nil && info.Config.Params.Vectors.Size != 0 {
			if info.Config.Params.Vectors.Size != s.dimensions {
				return retry.AsFatal(fmt.Errorf(
					"vectorstore: collection %s has dimension %d, configured %d",
					s.collection, info.Config.Params.Vectors.Size, s.dimensions))
			}
		}
		return nil
	}
	if !retry.IsFatal(err) {
		return err
	}

	// Missing collection comes back as 404 (fatal class); create it.
	_, err = s.do(ctx, http.MethodPut, "/collections/"+s.collection, map[string]any{
		"vectors": map[string]any{"size": s.dimensions, "distance": "Cosine"},
	})
	if err != nil {
		return fmt.Errorf("vectorstore: create collection %s: %w", s.collection, err)
	}
	return nil
}

// Upsert writes one point with wait semantics so a success response
// means the point is queryable.
func (s *HTTPStore) Upsert(ctx context.Context, point Point) error {
	if len(point.Vector) != s.dimensions {
		return retry.AsFatal(fmt.Errorf(
			"vectorstore: dimension mismatch: got %d, collection %s expects %d",
			len(point.Vector), s.collection, s.dimensions))
	}
	if err := point.Payload.Validate(); err != nil {
		return retry.AsFatal(err)
	}

	_, err := s.do(ctx, http.MethodPut, "/collections/"+s.collection+"/points?wait=true", map[string]any{
		"points": []map[string]any{{
			"id":      point.ID,
			"vector":  point.Vector,
			"payload": point.Payload,
		}},
	})
	return err
}

// QueryByPath scrolls points filtered by project and path substring.
func (s *HTTPStore) QueryByPath(ctx context.Context, project, pathSubstring string, limit int) ([]Point, error) {
	if limit <= 0 {
		limit = 10
	}
	result, err := s.do(ctx, http.MethodPost, "/collections/"+s.collection+"/points/scroll", map[string]any{
		"filter": map[string]any{
			"must": []map[string]any{
				{"key": "project_name", "match": map[string]any{"value": project}},
				{"key": "absolute_path", "match": map[string]any{"text": pathSubstring}},
			},
		},
		"limit":        limit,
		"with_payload": true,
		"with_vector":  true,
	})
	if err != nil {
		return nil, err
	}

	var scroll struct {
		Points []struct {
			ID      uint64    `json:"id"`
			Vector  []float32 `json:"vector"`
			Payload Payload   `json:"payload"`
		} `json:"points"`
	}
	if err := json.Unmarshal(result, &scroll); err != nil {
		return nil, fmt.Errorf("vectorstore: decode scroll result: %w", err)
	}

	out := make([]Point, 0, len(scroll.Points))
	for _, p := range scroll.Points {
		out = append(out, Point{ID: p.ID, Vector: p.Vector, Payload: p.Payload})
	}
	return out, nil
}

// Delete removes one point by ID.
func (s *HTTPStore) Delete(ctx context.Context, id uint64) error {
	_, err := s.do(ctx, http.MethodPost, "/collections/"+s.collection+"/points/delete?wait=true", map[string]any{
		"points": []uint64{id},
	})
	return err
}

// Count returns the exact point count for a project.
func (s *HTTPStore) Count(ctx context.Context, project string) (int64, error) {
	result, err := s.do(ctx, http.MethodPost, "/collections/"+s.collection+"/points/count", map[string]any{
		"filter": map[string]any{
			"must": []map[string]any{
				{"key": "project_name", "match": map[string]any{"value": project}},
			},
		},
		"exact": true,
	})
	if err != nil {
		return 0, err
	}
	var count struct {
		Count int64 `json:"count"`
	}
	if err := json.Unmarshal(result, &count); err != nil {
		return 0, fmt.Errorf("vectorstore: decode count result: %w", err)
	}
	return count.Count, nil
}

// HealthCheck lists collections to verify reachability.
func (s *HTTPStore) HealthCheck(ctx context.Context) error {
	_, err := s.do(ctx, http.MethodGet, "/collections", nil)
	return err
}

// Close is a no-op for the HTTP adapter.
func (s *HTTPStore) Close() error { return nil }
