package graphstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"codegraph/internal/identity"
	"codegraph/internal/logging"
	"codegraph/internal/retry"
)

// EmbeddedStore keeps the graph in SQLite: a nodes table and a
// relationships table with the endpoint check done inside the write
// transaction so a concurrent delete cannot slip a dangling edge in.
type EmbeddedStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// OpenEmbedded initializes the graph database under dir.
func OpenEmbedded(dir string) (*EmbeddedStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("graphstore: create directory: %w", err)
	}
	path := filepath.Join(dir, "graph.db")

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("graphstore: open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.Get(logging.CategoryGraph).Debug("graphstore: %s: %v", pragma, err)
		}
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS nodes (
			entity_id    TEXT PRIMARY KEY,
			label        TEXT NOT NULL,
			entity_type  TEXT NOT NULL,
			name         TEXT NOT NULL,
			description  TEXT NOT NULL DEFAULT '',
			source_path  TEXT NOT NULL DEFAULT '',
			project_name TEXT NOT NULL DEFAULT '',
			created_at   TEXT NOT NULL,
			extra        TEXT NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS idx_nodes_project ON nodes(project_name);
		CREATE INDEX IF NOT EXISTS idx_nodes_path ON nodes(project_name, source_path);

		CREATE TABLE IF NOT EXISTS relationships (
			relationship_id   TEXT PRIMARY KEY,
			source_entity_id  TEXT NOT NULL,
			target_entity_id  TEXT NOT NULL,
			relationship_type TEXT NOT NULL,
			strength          REAL NOT NULL DEFAULT 1.0,
			context           TEXT NOT NULL DEFAULT '{}',
			created_at        TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_rel_source ON relationships(source_entity_id);
		CREATE INDEX IF NOT EXISTS idx_rel_target ON relationships(target_entity_id);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("graphstore: initialize schema: %w", err)
	}

	return &EmbeddedStore{db: db}, nil
}

// UpsertNode merges by entity_id. ON CONFLICT keeps the stored
// created_at so re-ingests do not rewrite history.
func (s *EmbeddedStore) UpsertNode(ctx context.Context, node Node) error {
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
	extraJSON, err := json.Marshal(node.Extra)
	if err != nil {
		return retry.AsFatal(fmt.Errorf("graphstore: marshal node extra: %w", err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO nodes (entity_id, label, entity_type, name, description, source_path, project_name, created_at, extra)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			label = excluded.label,
			entity_type = excluded.entity_type,
			name = excluded.name,
			description = excluded.description,
			source_path = excluded.source_path,
			project_name = excluded.project_name,
			extra = excluded.extra`,
		node.EntityID, string(label), string(node.Type), node.Name, node.Description,
		node.SourcePath, node.ProjectName, node.CreatedAt, string(extraJSON))
	if err != nil {
		return fmt.Errorf("graphstore: upsert node %s: %w", node.EntityID, err)
	}
	return nil
}

// UpsertRelationship merges by relationship_id after verifying both
// endpoints exist. ErrEndpointMissing is fatal for this relationship
// only; the pipeline skips it and continues.
func (s *EmbeddedStore) UpsertRelationship(ctx context.Context, rel Relationship) error {
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

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("graphstore: begin transaction: %w", err)
	}
	defer tx.Rollback()

	var endpoints int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM nodes WHERE entity_id IN (?, ?)",
		rel.SourceID, rel.TargetID).Scan(&endpoints); err != nil {
		return fmt.Errorf("graphstore: check endpoints: %w", err)
	}
	if endpoints != 2 {
		return retry.AsFatal(fmt.Errorf("%w: %s -[%s]-> %s", ErrEndpointMissing, rel.SourceID, rel.Type, rel.TargetID))
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO relationships (relationship_id, source_entity_id, target_entity_id, relationship_type, strength, context, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(relationship_id) DO UPDATE SET
			strength = excluded.strength,
			context = excluded.context`,
		rel.ID, rel.SourceID, rel.TargetID, string(rel.Type), rel.Strength,
		string(contextJSON), rel.CreatedAt); err != nil {
		return fmt.Errorf("graphstore: upsert relationship %s: %w", rel.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("graphstore: commit relationship: %w", err)
	}
	return nil
}

// LookupEntityID resolves a FILE node by project and source path.
func (s *EmbeddedStore) LookupEntityID(ctx context.Context, project, path string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var id string
	err := s.db.QueryRowContext(ctx,
		"SELECT entity_id FROM nodes WHERE project_name = ? AND source_path = ? AND entity_type = ?",
		project, path, string(identity.EntityFile)).Scan(&id)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: %s in %s", ErrNotFound, path, project)
	}
	if err != nil {
		return "", fmt.Errorf("graphstore: lookup entity: %w", err)
	}
	return id, nil
}

// DetectOrphans lists FILE nodes with no relationships in either
// direction, for the external dashboard.
func (s *EmbeddedStore) DetectOrphans(ctx context.Context, project string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id FROM nodes n
		WHERE project_name = ? AND entity_type = ?
		  AND NOT EXISTS (SELECT 1 FROM relationships r WHERE r.source_entity_id = n.entity_id)
		  AND NOT EXISTS (SELECT 1 FROM relationships r WHERE r.target_entity_id = n.entity_id)
		ORDER BY entity_id`,
		project, string(identity.EntityFile))
	if err != nil {
		return nil, fmt.Errorf("graphstore: detect orphans: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("graphstore: scan orphan: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// NodeCount returns the number of nodes for a project.
func (s *EmbeddedStore) NodeCount(ctx context.Context, project string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM nodes WHERE project_name = ?", project).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("graphstore: node count: %w", err)
	}
	return n, nil
}

// RelationshipsOf returns the relationship ids attached to a node, used
// by idempotence tests to compare graph state across ingests.
func (s *EmbeddedStore) RelationshipsOf(ctx context.Context, entityID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT relationship_id FROM relationships
		WHERE source_entity_id = ? OR target_entity_id = ?
		ORDER BY relationship_id`, entityID, entityID)
	if err != nil {
		return nil, fmt.Errorf("graphstore: relationships of %s: %w", entityID, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("graphstore: scan relationship: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// GetNode fetches one node by entity_id, primarily for tests and the
// orphan dashboard.
func (s *EmbeddedStore) GetNode(ctx context.Context, entityID string) (Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var node Node
	var label, extraJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT entity_id, label, entity_type, name, description, source_path, project_name, created_at, extra
		FROM nodes WHERE entity_id = ?`, entityID).Scan(
		&node.EntityID, &label, (*string)(&node.Type), &node.Name, &node.Description,
		&node.SourcePath, &node.ProjectName, &node.CreatedAt, &extraJSON)
	if err == sql.ErrNoRows {
		return Node{}, fmt.Errorf("%w: %s", ErrNotFound, entityID)
	}
	if err != nil {
		return Node{}, fmt.Errorf("graphstore: get node: %w", err)
	}
	if extraJSON != "" && extraJSON != "{}" && extraJSON != "null" {
		if err := json.Unmarshal([]byte(extraJSON), &node.Extra); err != nil {
			return Node{}, fmt.Errorf("graphstore: decode node extra: %w", err)
		}
	}
	return node, nil
}

// DeleteFileSubgraph removes a FILE node, its member entities, and all
// their relationships. Used by delete-and-reingest flows.
func (s *EmbeddedStore) DeleteFileSubgraph(ctx context.Context, fileEntityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("graphstore: begin delete: %w", err)
	}
	defer tx.Rollback()

	// Member entities hang off the file via DEFINES edges.
	rows, err := tx.QueryContext(ctx, `
		SELECT target_entity_id FROM relationships
		WHERE source_entity_id = ? AND relationship_type = ?`,
		fileEntityID, string(identity.RelDefines))
	if err != nil {
		return fmt.Errorf("graphstore: list members: %w", err)
	}
	members := []string{fileEntityID}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("graphstore: scan member: %w", err)
		}
		members = append(members, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range members {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM relationships WHERE source_entity_id = ? OR target_entity_id = ?", id, id); err != nil {
			return fmt.Errorf("graphstore: delete relationships of %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM nodes WHERE entity_id = ?", id); err != nil {
			return fmt.Errorf("graphstore: delete node %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// HealthCheck pings the database.
func (s *EmbeddedStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database handle.
func (s *EmbeddedStore) Close() error {
	return s.db.Close()
}
