// Package vectorstore writes and queries the file_locations collection.
// Two backends share one contract: a Qdrant-style HTTP adapter for the
// fleet deployment and an embedded SQLite backend for single-node use
// and tests. Upserts are idempotent by deterministic point ID.
package vectorstore

import (
	"context"
	"fmt"
	"time"

	"codegraph/internal/config"
	"codegraph/internal/logging"
)

// MaxListedTerms caps the concepts and themes lists in the payload.
const MaxListedTerms = 5

// Payload is the fixed metadata schema stored with every point.
type Payload struct {
	AbsolutePath   string   `json:"absolute_path"`
	RelativePath   string   `json:"relative_path"`
	ProjectName    string   `json:"project_name"`
	ProjectRoot    string   `json:"project_root"`
	IndexedAt      string   `json:"indexed_at"`
	QualityScore   float64  `json:"quality_score"`
	OnexCompliance float64  `json:"onex_compliance"`
	Concepts       []string `json:"concepts"`
	Themes         []string `json:"themes"`
}

// Normalize clamps list lengths and stamps indexed_at if unset.
func (p *Payload) Normalize(now time.Time) {
	if len(p.Concepts) > MaxListedTerms {
		p.Concepts = p.Concepts[:MaxListedTerms]
	}
	if len(p.Themes) > MaxListedTerms {
		p.Themes = p.Themes[:MaxListedTerms]
	}
	if p.IndexedAt == "" {
		p.IndexedAt = now.UTC().Format(time.RFC3339)
	}
}

// Validate checks the required payload fields.
func (p *Payload) Validate() error {
	if p.AbsolutePath == "" {
		return fmt.Errorf("vectorstore: payload missing absolute_path")
	}
	if p.ProjectName == "" {
		return fmt.Errorf("vectorstore: payload missing project_name")
	}
	if p.IndexedAt == "" {
		return fmt.Errorf("vectorstore: payload missing indexed_at")
	}
	return nil
}

// Point is one vector with its payload.
type Point struct {
	ID      uint64    `json:"id"`
	Vector  []float32 `json:"vector"`
	Payload Payload   `json:"payload"`
}

// Store is the vector store contract.
type Store interface {
	// EnsureCollection creates the collection if absent and verifies the
	// configured dimension.
	EnsureCollection(ctx context.Context) error

	// Upsert writes a point by deterministic ID. A dimension mismatch is
	// fatal for the file and is returned wrapped in retry.Fatal.
	Upsert(ctx context.Context, point Point) error

	// QueryByPath returns points whose absolute_path contains the
	// substring, ordered by path, scoped to one project.
	QueryByPath(ctx context.Context, project, pathSubstring string, limit int) ([]Point, error)

	// Delete removes a point by ID. Deleting an absent point is not an
	// error.
	Delete(ctx context.Context, id uint64) error

	// Count returns the number of points stored for a project.
	Count(ctx context.Context, project string) (int64, error)

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	Close() error
}

// New selects the backend from configuration: HTTP when a URL is set,
// otherwise the embedded backend under dataDir.
func New(cfg config.VectorStoreConfig, dataDir string, dimensions int) (Store, error) {
	log := logging.Get(logging.CategoryVector)
	if cfg.URL != "" {
		log.Info("vector store: http backend url=%s collection=%s dim=%d", cfg.URL, cfg.Collection, dimensions)
		return NewHTTPStore(cfg.URL, cfg.Collection, dimensions), nil
	}
	log.Info("vector store: embedded backend dir=%s collection=%s dim=%d", dataDir, cfg.Collection, dimensions)
	return OpenEmbedded(dataDir, cfg.Collection, dimensions)
}
