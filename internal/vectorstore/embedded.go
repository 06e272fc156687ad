package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"codegraph/internal/logging"
	"codegraph/internal/retry"
)

// EmbeddedStore keeps points in SQLite. When the sqlite-vec extension is
// compiled in (sqlite_vec build tag) ANN queries go through a vec0
// virtual table; otherwise embeddings are stored as JSON and similarity
// scans happen in Go. Either way the payload contract is identical.
type EmbeddedStore struct {
	db         *sql.DB
	mu         sync.RWMutex
	collection string
	dimensions int
	vecExt     bool
}

// OpenEmbedded initializes the store under dir.
func OpenEmbedded(dir, collection string, dimensions int) (*EmbeddedStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("vectorstore: create directory: %w", err)
	}
	path := filepath.Join(dir, "vectors.db")

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.Get(logging.CategoryVector).Debug("vectorstore: %s: %v", pragma, err)
		}
	}

	s := &EmbeddedStore{db: db, collection: collection, dimensions: dimensions}
	s.vecExt = s.probeVec()
	if s.vecExt {
		logging.Get(logging.CategoryVector).Info("vectorstore: sqlite-vec extension active")
	}
	return s, nil
}

// probeVec checks whether the vec0 virtual table module is available.
func (s *EmbeddedStore) probeVec() bool {
	_, err := s.db.Exec(fmt.Sprintf(
		"CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[%d])", s.dimensions))
	if err != nil {
		return false
	}
	s.db.Exec("DROP TABLE IF EXISTS vec_probe")
	return true
}

// EnsureCollection creates the points table and records the dimension.
// Reopening with a different dimension is a configuration error.
func (s *EmbeddedStore) EnsureCollection(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS collections (
			name       TEXT PRIMARY KEY,
			dimensions INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS points (
			id            INTEGER PRIMARY KEY,
			collection    TEXT NOT NULL,
			project_name  TEXT NOT NULL,
			absolute_path TEXT NOT NULL,
			embedding     TEXT NOT NULL,
			payload       TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_points_project ON points(collection, project_name);
		CREATE INDEX IF NOT EXISTS idx_points_path ON points(collection, absolute_path);
	`); err != nil {
		return fmt.Errorf("vectorstore: initialize schema: %w", err)
	}

	var existing int
	err := s.db.QueryRowContext(ctx,
		"SELECT dimensions FROM collections WHERE name = ?", s.collection).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		if _, err := s.db.ExecContext(ctx,
			"INSERT INTO collections (name, dimensions) VALUES (?, ?)", s.collection, s.dimensions); err != nil {
			return fmt.Errorf("vectorstore: register collection: %w", err)
		}
	case err != nil:
		return fmt.Errorf("vectorstore: read collection: %w", err)
	case existing != s.dimensions:
		return fmt.Errorf("vectorstore: collection %s has dimension %d, configured %d", s.collection, existing, s.dimensions)
	}
	return nil
}

// Upsert writes the point, replacing any existing row with the same ID.
func (s *EmbeddedStore) Upsert(ctx context.Context, point Point) error {
	if len(point.Vector) != s.dimensions {
		return retry.AsFatal(fmt.Errorf(
			"vectorstore: dimension mismatch: got %d, collection %s expects %d",
			len(point.Vector), s.collection, s.dimensions))
	}
	if err := point.Payload.Validate(); err != nil {
		return retry.AsFatal(err)
	}

	embJSON, err := json.Marshal(point.Vector)
	if err != nil {
		return retry.AsFatal(fmt.Errorf("vectorstore: marshal embedding: %w", err))
	}
	payloadJSON, err := json.Marshal(point.Payload)
	if err != nil {
		return retry.AsFatal(fmt.Errorf("vectorstore: marshal payload: %w", err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO points (id, collection, project_name, absolute_path, embedding, payload)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_name = excluded.project_name,
			absolute_path = excluded.absolute_path,
			embedding = excluded.embedding,
			payload = excluded.payload`,
		int64(point.ID), s.collection, point.Payload.ProjectName, point.Payload.AbsolutePath,
		string(embJSON), string(payloadJSON))
	if err != nil {
		return fmt.Errorf("vectorstore: upsert point %d: %w", point.ID, err)
	}
	return nil
}

// QueryByPath returns points for a project whose absolute_path contains
// the substring, ordered by path for stable output.
func (s *EmbeddedStore) QueryByPath(ctx context.Context, project, pathSubstring string, limit int) ([]Point, error) {
	if limit <= 0 {
		limit = 10
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, embedding, payload FROM points
		WHERE collection = ? AND project_name = ? AND instr(absolute_path, ?) > 0
		ORDER BY absolute_path LIMIT ?`,
		s.collection, project, pathSubstring, limit)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: query by path: %w", err)
	}
	defer rows.Close()

	var out []Point
	for rows.Next() {
		var id int64
		var embJSON, payloadJSON string
		if err := rows.Scan(&id, &embJSON, &payloadJSON); err != nil {
			return nil, fmt.Errorf("vectorstore: scan point: %w", err)
		}
		p := Point{ID: uint64(id)}
		if err := json.Unmarshal([]byte(embJSON), &p.Vector); err != nil {
			return nil, fmt.Errorf("vectorstore: decode embedding: %w", err)
		}
		if err := json.Unmarshal([]byte(payloadJSON), &p.Payload); err != nil {
			return nil, fmt.Errorf("vectorstore: decode payload: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Delete removes a point; absent IDs are a no-op.
func (s *EmbeddedStore) Delete(ctx context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM points WHERE collection = ? AND id = ?", s.collection, int64(id)); err != nil {
		return fmt.Errorf("vectorstore: delete point %d: %w", id, err)
	}
	return nil
}

// Count returns the number of points for a project.
func (s *EmbeddedStore) Count(ctx context.Context, project string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM points WHERE collection = ? AND project_name = ?",
		s.collection, project).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("vectorstore: count: %w", err)
	}
	return n, nil
}

// HealthCheck pings the database.
func (s *EmbeddedStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database handle.
func (s *EmbeddedStore) Close() error {
	return s.db.Close()
}
