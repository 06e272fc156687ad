// Package identity provides deterministic, collision-resistant identifiers
// for every node and relationship written to the knowledge graph.
//
// Two independent pipeline runs indexing the same file content at the same
// path produce the same entity_id; this is the sole mechanism by which the
// graph store achieves upsert idempotence without a central registry.
package identity

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"
)

// EntityType enumerates every kind of node the pipeline may create.
type EntityType string

const (
	EntityFile        EntityType = "FILE"
	EntityDirectory   EntityType = "DIRECTORY"
	EntityProject     EntityType = "PROJECT"
	EntityFunction    EntityType = "FUNCTION"
	EntityClass       EntityType = "CLASS"
	EntityMethod      EntityType = "METHOD"
	EntityVariable    EntityType = "VARIABLE"
	EntityConcept     EntityType = "CONCEPT"
	EntityPattern     EntityType = "PATTERN"
	EntityCodeExample EntityType = "CODE_EXAMPLE"
	EntityDocument    EntityType = "DOCUMENT"
)

// Label is a graph-store node label. The set is closed and case-exact;
// every code path that writes labels sources them from here. Raw label
// strings in queries are forbidden (enforced by a style test).
type Label string

const (
	LabelFile        Label = "File"
	LabelDirectory   Label = "Directory"
	LabelProject     Label = "PROJECT" // all-caps is intentional
	LabelFunction    Label = "Function"
	LabelClass       Label = "Class"
	LabelMethod      Label = "Method"
	LabelVariable    Label = "Variable"
	LabelConcept     Label = "Concept"
	LabelPattern     Label = "Pattern"
	LabelCodeExample Label = "CodeExample"
	LabelDocument    Label = "Document"
)

// RelationshipType enumerates every kind of edge the pipeline may create.
type RelationshipType string

const (
	RelContains    RelationshipType = "CONTAINS"
	RelImports     RelationshipType = "IMPORTS"
	RelDefines     RelationshipType = "DEFINES"
	RelCoordinates RelationshipType = "COORDINATES"
	RelImplements  RelationshipType = "IMPLEMENTS"
	RelRelatesTo   RelationshipType = "RELATES_TO"
	RelHasConcept  RelationshipType = "HAS_CONCEPT"
	RelDependsOn   RelationshipType = "DEPENDS_ON"
)

var relationshipTypes = map[RelationshipType]bool{
	RelContains:    true,
	RelImports:     true,
	RelDefines:     true,
	RelCoordinates: true,
	RelImplements:  true,
	RelRelatesTo:   true,
	RelHasConcept:  true,
	RelDependsOn:   true,
}

// ValidRelationshipType reports whether t belongs to the closed edge set.
func ValidRelationshipType(t RelationshipType) bool {
	return relationshipTypes[t]
}

// typePrefixes maps entity types to their id prefixes.
var typePrefixes = map[EntityType]string{
	EntityFile:        "file",
	EntityDirectory:   "dir",
	EntityProject:     "project",
	EntityFunction:    "func",
	EntityClass:       "class",
	EntityMethod:      "method",
	EntityVariable:    "var",
	EntityConcept:     "concept",
	EntityPattern:     "pattern",
	EntityCodeExample: "example",
	EntityDocument:    "doc",
}

// entityLabels maps entity types to their case-exact graph labels.
var entityLabels = map[EntityType]Label{
	EntityFile:        LabelFile,
	EntityDirectory:   LabelDirectory,
	EntityProject:     LabelProject,
	EntityFunction:    LabelFunction,
	EntityClass:       LabelClass,
	EntityMethod:      LabelMethod,
	EntityVariable:    LabelVariable,
	EntityConcept:     LabelConcept,
	EntityPattern:     LabelPattern,
	EntityCodeExample: LabelCodeExample,
	EntityDocument:    LabelDocument,
}

// LabelFor returns the graph label for an entity type.
func LabelFor(t EntityType) (Label, error) {
	l, ok := entityLabels[t]
	if !ok {
		return "", fmt.Errorf("identity: unknown entity type %q", t)
	}
	return l, nil
}

// PrefixFor returns the entity_id prefix for an entity type.
func PrefixFor(t EntityType) (string, error) {
	p, ok := typePrefixes[t]
	if !ok {
		return "", fmt.Errorf("identity: unknown entity type %q", t)
	}
	return p, nil
}

// hashHex hashes the parts, NUL-separated, and returns the first n hex chars.
func hashHex(n int, parts ...string) string {
	h := blake3.New(32, nil)
	for i, p := range parts {
		if i > 0 {
			_, _ = h.Write([]byte{0})
		}
		_, _ = h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))[:n]
}

// FileID derives the entity_id for a FILE node.
// Format: "file_" + first 12 hex of BLAKE3(project \0 absPath \0 contentHash).
func FileID(project, absPath, contentHash string) string {
	return "file_" + hashHex(12, project, absPath, contentHash)
}

// DirectoryID derives the entity_id for a DIRECTORY node.
func DirectoryID(project, absPath string) string {
	return "dir_" + hashHex(12, project, absPath)
}

// ProjectID derives the entity_id for a PROJECT node.
func ProjectID(project string) string {
	return "project_" + hashHex(12, project)
}

// MemberID derives the entity_id for an entity owned by a file
// (FUNCTION, CLASS, METHOD, VARIABLE, CONCEPT, PATTERN, CODE_EXAMPLE,
// DOCUMENT). qualifiedName is the name as extracted, including any
// class prefix for methods.
func MemberID(t EntityType, owningFileID, qualifiedName string) (string, error) {
	switch t {
	case EntityFile, EntityDirectory, EntityProject:
		return "", fmt.Errorf("identity: %s ids are not file-scoped", t)
	}
	prefix, err := PrefixFor(t)
	if err != nil {
		return "", err
	}
	return prefix + "_" + hashHex(12, owningFileID, qualifiedName), nil
}

// RelationshipID derives the deterministic id for an edge.
// Format: first 16 hex of BLAKE3(src \0 type \0 tgt).
func RelationshipID(srcID string, relType RelationshipType, tgtID string) string {
	return hashHex(16, srcID, string(relType), tgtID)
}

// PointID derives the 64-bit vector point identifier for a file: the low
// 64 bits of BLAKE3 over project and content hash. Stable across
// re-ingests of identical content, so vector upserts overwrite in place.
func PointID(project, contentHash string) uint64 {
	h := blake3.New(32, nil)
	h.Write([]byte(project))
	h.Write([]byte{0})
	h.Write([]byte(contentHash))
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[24:32])
}

// ContentHash returns the hex BLAKE3 hash of file content. It is the hash
// the vector store's deterministic point ids and FILE entity_ids build on.
func ContentHash(content []byte) string {
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:])
}
