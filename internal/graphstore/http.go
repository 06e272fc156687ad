package graphstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"codegraph/internal/identity"
	"codegraph/internal/retry"
)

// HTTPStore speaks the Neo4j transactional Cypher endpoint. Every label
// and relationship type interpolated into Cypher text comes from the
// identity enums; parameters carry everything else.
type HTTPStore struct {
	baseURL  string
	user     string
	password string
	client   *http.Client
}

// NewHTTPStore creates the remote adapter.
func NewHTTPStore(baseURL, user, password string) *HTTPStore {
	return &HTTPStore{
		baseURL:  strings.TrimRight(baseURL, "/"),
		user:     user,
		password: password,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

type cypherStatement struct {
	Statement  string         `json:"statement"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type cypherResult struct {
	Results []struct {
		Columns []string `json:"columns"`
		Data    []struct {
			Row []json.RawMessage `json:"row"`
		} `json:"data"`
	} `json:"results"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

func (s *HTTPStore) commit(ctx context.Context, statements ...cypherStatement) (*cypherResult, error) {
	body, err := json.Marshal(map[string]any{"statements": statements})
	if err != nil {
		return nil, retry.AsFatal(fmt.Errorf("graphstore: marshal statements: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/db/neo4j/tx/commit", bytes.NewReader(body))
	if err != nil {
		return nil, retry.AsFatal(fmt.Errorf("graphstore: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if s.user != "" {
		req.SetBasicAuth(s.user, s.password)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("graphstore: commit: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("graphstore: read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, retry.AsFatal(fmt.Errorf("graphstore: authentication failed (%d)", resp.StatusCode))
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("graphstore: server returned %d: %s", resp.StatusCode, data)
	case resp.StatusCode >= 300:
		return nil, retry.AsFatal(fmt.Errorf("graphstore: server returned %d: %s", resp.StatusCode, data))
	}

	var result cypherResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("graphstore: decode response: %w", err)
	}
	if len(result.Errors) > 0 {
		e := result.Errors[0]
		// Transient classes cover leader switches and lock timeouts.
		if strings.Contains(e.Code, "Transient") {
			return nil, fmt.Errorf("graphstore: transient cypher error %s: %s", e.Code, e.Message)
		}
		return nil, retry.AsFatal(fmt.Errorf("graphstore: cypher error %s: %s", e.Code, e.Message))
	}
	return &result, nil
}

// UpsertNode merges by entity_id under the enum label. ON CREATE stamps
// created_at once; ON MATCH leaves it alone.
func (s *HTTPStore) UpsertNode(ctx context.Context, node Node) error {
	if err := node.Validate(); err != nil {
		return retry.AsFatal(err)
	}
	label, err := identity.LabelFor(node.Type)
	if err != nil {
		return retry.AsFatal(err)
	}
	if node.CreatedAt == "" {
		node.CreatedAt = Now()
	}

	props := map[string]any{
		"entity_id":    node.EntityID,
		"name":         node.Name,
		"entity_type":  string(node.Type),
		"source_path":  node.SourcePath,
		"project_name": node.ProjectName,
	}
	if node.Description != "" {
		props["description"] = node.Description
	}
	for k, v := range node.Extra {
		props[k] = v
	}

	stmt := cypherStatement{
		Statement: fmt.Sprintf(`
			MERGE (n:%s {entity_id: $entity_id})
			ON CREATE SET n.created_at = $created_at
			SET n += $props
			RETURN n.entity_id`, label),
		Parameters: map[string]any{
			"entity_id":  node.EntityID,
			"created_at": node.CreatedAt,
			"props":      props,
		},
	}
	_, err = s.commit(ctx, stmt)
	return err
}

// UpsertRelationship matches both endpoints by entity_id and merges the
// edge. A MATCH that binds nothing returns zero rows, which is the
// endpoint-missing case; no write happens and no stub is created.
func (s *HTTPStore) UpsertRelationship(ctx context.Context, rel Relationship) error {
	if err := rel.Validate(); err != nil {
		return retry.AsFatal(err)
	}
	if rel.CreatedAt == "" {
		rel.CreatedAt = Now()
	}
	contextJSON, err := json.Marshal(rel.Context)
	if err != nil {
		return retry.AsFatal(fmt.Errorf("graphstore: marshal relationship context: %w", err))
	}

	stmt := cypherStatement{
		Statement: fmt.Sprintf(`
			MATCH (src {entity_id: $source_id})
			MATCH (tgt {entity_id: $target_id})
			MERGE (src)-[r:%s {relationship_id: $rel_id}]->(tgt)
			ON CREATE SET r.created_at = $created_at
			SET r.relationship_type = $rel_type, r.strength = $strength, r.context = $context
			RETURN r.relationship_id`, rel.Type),
		Parameters: map[string]any{
			"source_id":  rel.SourceID,
			"target_id":  rel.TargetID,
			"rel_id":     rel.ID,
			"rel_type":   string(rel.Type),
			"strength":   rel.Strength,
			"context":    string(contextJSON),
			"created_at": rel.CreatedAt,
		},
	}
	result, err := s.commit(ctx, stmt)
	if err != nil {
		return err
	}
	if len(result.Results) == 0 || len(result.Results[0].Data) == 0 {
		return retry.AsFatal(fmt.Errorf("%w: %s -[%s]-> %s", ErrEndpointMissing, rel.SourceID, rel.Type, rel.TargetID))
	}
	return nil
}

// LookupEntityID resolves a FILE node by project and source path.
func (s *HTTPStore) LookupEntityID(ctx context.Context, project, path string) (string, error) {
	stmt := cypherStatement{
		Statement: fmt.Sprintf(`
			MATCH (f:%s {project_name: $project, source_path: $path})
			RETURN f.entity_id LIMIT 1`, identity.LabelFile),
		Parameters: map[string]any{"project": project, "path": path},
	}
	result, err := s.commit(ctx, stmt)
	if err != nil {
		return "", err
	}
	if len(result.Results) == 0 || len(result.Results[0].Data) == 0 {
		return "", fmt.Errorf("%w: %s in %s", ErrNotFound, path, project)
	}
	var id string
	if err := json.Unmarshal(result.Results[0].Data[0].Row[0], &id); err != nil {
		return "", fmt.Errorf("graphstore: decode entity_id: %w", err)
	}
	return id, nil
}

// DetectOrphans lists FILE nodes with no relationships at all.
func (s *HTTPStore) DetectOrphans(ctx context.Context, project string) ([]string, error) {
	stmt := cypherStatement{
		Statement: fmt.Sprintf(`
			MATCH (f:%s {project_name: $project})
			WHERE NOT (f)--()
			RETURN f.entity_id ORDER BY f.entity_id`, identity.LabelFile),
		Parameters: map[string]any{"project": project},
	}
	result, err := s.commit(ctx, stmt)
	if err != nil {
		return nil, err
	}
	if len(result.Results) == 0 {
		return nil, nil
	}
	var out []string
	for _, row := range result.Results[0].Data {
		var id string
		if err := json.Unmarshal(row.Row[0], &id); err != nil {
			return nil, fmt.Errorf("graphstore: decode orphan id: %w", err)
		}
		out = append(out, id)
	}
	return out, nil
}

// NodeCount returns the number of nodes for a project.
func (s *HTTPStore) NodeCount(ctx context.Context, project string) (int64, error) {
	stmt := cypherStatement{
		Statement:  "MATCH (n {project_name: $project}) RETURN count(n)",
		Parameters: map[string]any{"project": project},
	}
	result, err := s.commit(ctx, stmt)
	if err != nil {
		return 0, err
	}
	if len(result.Results) == 0 || len(result.Results[0].Data) == 0 {
		return 0, nil
	}
	var n int64
	if err := json.Unmarshal(result.Results[0].Data[0].Row[0], &n); err != nil {
		return 0, fmt.Errorf("graphstore: decode count: %w", err)
	}
	return n, nil
}

// HealthCheck runs a trivial query.
func (s *HTTPStore) HealthCheck(ctx context.Context) error {
	_, err := s.commit(ctx, cypherStatement{Statement: "RETURN 1"})
	return err
}

// Close is a no-op for the HTTP adapter.
func (s *HTTPStore) Close() error { return nil }
