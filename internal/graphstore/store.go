// Package graphstore writes typed nodes and relationships to the
// knowledge graph. Two backends share one contract: a Neo4j
// transactional-HTTP adapter for the fleet and an embedded SQLite
// backend for single-node use and tests.
//
// The endpoint contract is absolute: a relationship is only written when
// both endpoints already exist as REAL nodes. The adapter never creates
// a stub to satisfy a dangling reference.
package graphstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"codegraph/internal/config"
	"codegraph/internal/identity"
	"codegraph/internal/logging"
)

// ErrNotFound is returned by LookupEntityID when no FILE node matches.
var ErrNotFound = errors.New("graphstore: entity not found")

// ErrEndpointMissing is returned by UpsertRelationship when either
// endpoint does not exist as a REAL node.
var ErrEndpointMissing = errors.New("graphstore: relationship endpoint missing")

// Node is one graph entity with its full property set.
type Node struct {
	EntityID    string
	Type        identity.EntityType
	Name        string
	Description string
	SourcePath  string
	ProjectName string
	CreatedAt   string
	// Extra holds extraction metadata (method, confidence, file hash)
	// and any enrichment-specific properties.
	Extra map[string]any
}

// Validate enforces the REAL-node contract: a valid entity_id, a label
// from the closed enum, more than four populated properties, and a name
// that is not the placeholder "unknown".
func (n *Node) Validate() error {
	if n.EntityID == "" {
		return fmt.Errorf("graphstore: node missing entity_id")
	}
	if err := identity.ValidateEntityID(n.EntityID); err != nil {
		return err
	}
	if _, err := identity.LabelFor(n.Type); err != nil {
		return err
	}
	if n.Name == "" || n.Name == "unknown" {
		return fmt.Errorf("graphstore: node %s has placeholder name %q", n.EntityID, n.Name)
	}
	populated := 0
	for _, v := range []string{n.EntityID, string(n.Type), n.Name, n.SourcePath, n.ProjectName, n.CreatedAt, n.Description} {
		if v != "" {
			populated++
		}
	}
	if populated <= 4 {
		return fmt.Errorf("graphstore: node %s has only %d populated properties, need more than 4", n.EntityID, populated)
	}
	return nil
}

// Relationship is one typed edge between two REAL nodes.
type Relationship struct {
	ID        string
	SourceID  string
	TargetID  string
	Type      identity.RelationshipType
	Strength  float64
	Context   map[string]any
	CreatedAt string
}

// Validate checks structural invariants before any write is attempted.
func (r *Relationship) Validate() error {
	if r.SourceID == r.TargetID {
		return fmt.Errorf("graphstore: relationship %s is self-referential (%s)", r.ID, r.SourceID)
	}
	if err := identity.ValidateRelationshipID(r.ID); err != nil {
		return err
	}
	if !identity.ValidRelationshipType(r.Type) {
		return fmt.Errorf("graphstore: unknown relationship type %q", r.Type)
	}
	if math.IsNaN(r.Strength) || r.Strength < 0 || r.Strength > 1 {
		return fmt.Errorf("graphstore: relationship strength %v outside [0,1]", r.Strength)
	}
	return nil
}

// Store is the graph store contract.
type Store interface {
	// UpsertNode merges by entity_id: existing nodes get their properties
	// updated, new ones are created under the label for their type. The
	// first created_at wins across re-ingests.
	UpsertNode(ctx context.Context, node Node) error

	// UpsertRelationship merges by relationship_id. Returns
	// ErrEndpointMissing (fatal, not retried) when either endpoint does
	// not exist.
	UpsertRelationship(ctx context.Context, rel Relationship) error

	// LookupEntityID resolves an indexed FILE's entity_id by project and
	// source path. Returns ErrNotFound when the file is not indexed.
	LookupEntityID(ctx context.Context, project, path string) (string, error)

	// DetectOrphans lists FILE nodes with no relationships at all.
	DetectOrphans(ctx context.Context, project string) ([]string, error)

	// NodeCount returns the number of nodes for a project.
	NodeCount(ctx context.Context, project string) (int64, error)

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	Close() error
}

// New selects the backend from configuration: Neo4j HTTP when a URL is
// set, otherwise the embedded backend under dataDir.
func New(cfg config.GraphStoreConfig, dataDir string) (Store, error) {
	log := logging.Get(logging.CategoryGraph)
	if cfg.URL != "" {
		log.Info("graph store: http backend url=%s user=%s", cfg.URL, cfg.User)
		return NewHTTPStore(cfg.URL, cfg.User, cfg.Password), nil
	}
	log.Info("graph store: embedded backend dir=%s", dataDir)
	return OpenEmbedded(dataDir)
}

// Now renders a graph timestamp.
func Now() string { return time.Now().UTC().Format(time.RFC3339) }
