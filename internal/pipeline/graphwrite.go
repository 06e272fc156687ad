package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"codegraph/internal/event"
	"codegraph/internal/graphstore"
	"codegraph/internal/identity"
	"codegraph/internal/intelligence"
	"codegraph/internal/logging"
	"codegraph/internal/retry"
)

// writeGraph runs the stage-5 sequence: PROJECT node, directory chain
// with CONTAINS edges, FILE node, member entities with DEFINES edges,
// then import resolution with the lookup-or-skip rule.
func (o *Orchestrator) writeGraph(ctx context.Context, correlationID string, prep preparation, file event.FileSpec, intel intelligence.Response) (event.Counts, error) {
	var counts event.Counts
	log := logging.WithCorrelationID(logging.CategoryGraph, correlationID)
	timer := logging.StartTimer(logging.CategoryGraph, "graph write "+prep.relPath)
	defer timer.StopWithThreshold(10 * time.Second)
	now := graphstore.Now()

	// PROJECT node.
	project := graphstore.Node{
		EntityID:    prep.projectID,
		Type:        identity.EntityProject,
		Name:        file.ProjectName,
		SourcePath:  file.ProjectRoot,
		ProjectName: file.ProjectName,
		CreatedAt:   now,
	}
	if project.SourcePath == "" {
		project.SourcePath = path.Dir(prep.absPath)
	}
	if err := o.upsertNode(ctx, project); err != nil {
		return counts, err
	}
	counts.EntitiesCreated++

	// Directory chain from the project root down to the file's parent,
	// each linked to its parent with CONTAINS.
	parentID := prep.projectID
	for _, dir := range directoryChain(file.ProjectRoot, prep.absPath) {
		dirID := identity.DirectoryID(file.ProjectName, dir)
		node := graphstore.Node{
			EntityID:    dirID,
			Type:        identity.EntityDirectory,
			Name:        path.Base(dir),
			SourcePath:  dir,
			ProjectName: file.ProjectName,
			CreatedAt:   now,
		}
		if err := o.upsertNode(ctx, node); err != nil {
			return counts, err
		}
		counts.EntitiesCreated++
		if err := o.upsertRelationship(ctx, parentID, identity.RelContains, dirID, nil, &counts); err != nil {
			return counts, err
		}
		parentID = dirID
	}

	// FILE node, contained by its parent directory (or the project when
	// the file sits at the root).
	fileNode := graphstore.Node{
		EntityID:    prep.fileID,
		Type:        identity.EntityFile,
		Name:        path.Base(prep.absPath),
		SourcePath:  prep.absPath,
		ProjectName: file.ProjectName,
		CreatedAt:   now,
		Extra: map[string]any{
			"content_hash":  prep.contentHash,
			"relative_path": prep.relPath,
			"language":      file.Language,
		},
	}
	if err := o.upsertNode(ctx, fileNode); err != nil {
		return counts, err
	}
	counts.EntitiesCreated++
	if err := o.upsertRelationship(ctx, parentID, identity.RelContains, prep.fileID, nil, &counts); err != nil {
		return counts, err
	}

	// Member entities with DEFINES edges.
	for _, spec := range intel.Entities {
		entityType, ok := memberType(spec.Type)
		if !ok || spec.Name == "" || spec.Name == "unknown" {
			continue
		}
		memberID, err := identity.MemberID(entityType, prep.fileID, spec.Name)
		if err != nil {
			continue
		}
		node := graphstore.Node{
			EntityID:    memberID,
			Type:        entityType,
			Name:        spec.Name,
			SourcePath:  prep.absPath,
			ProjectName: file.ProjectName,
			CreatedAt:   now,
		}
		if spec.Line > 0 {
			node.Extra = map[string]any{"line": spec.Line}
		}
		if err := o.upsertNode(ctx, node); err != nil {
			return counts, err
		}
		counts.EntitiesCreated++
		if err := o.upsertRelationship(ctx, prep.fileID, identity.RelDefines, memberID, nil, &counts); err != nil {
			return counts, err
		}
	}

	// Imports: resolve to an indexed FILE or skip silently. Never a
	// placeholder.
	for _, module := range intel.Imports {
		targetID, found := o.resolveImport(ctx, file, module)
		if !found {
			counts.UnresolvedImports++
			log.Debug("unresolved import %q in %s", module, prep.absPath)
			continue
		}
		if targetID == prep.fileID {
			continue
		}
		rctx := map[string]any{"module": module}
		if err := o.upsertRelationship(ctx, prep.fileID, identity.RelImports, targetID, rctx, &counts); err != nil {
			// Constraint violations are fatal for this relationship only.
			if retry.IsFatal(err) {
				log.Warn("import edge skipped for %s -> %s: %v", prep.absPath, module, err)
				continue
			}
			return counts, err
		}
	}

	return counts, nil
}

func (o *Orchestrator) upsertNode(ctx context.Context, node graphstore.Node) error {
	err := o.storeRetry.Do(ctx, "node:"+node.EntityID, func(ctx context.Context) error {
		return o.graph.UpsertNode(ctx, node)
	}, o.onRetry)
	if err != nil {
		o.reg.Error(errorKind(err))
		return fmt.Errorf("pipeline: graph node %s: %w", node.EntityID, err)
	}
	o.reg.NodesWritten(1)
	return nil
}

func (o *Orchestrator) upsertRelationship(ctx context.Context, srcID string, relType identity.RelationshipType, tgtID string, relContext map[string]any, counts *event.Counts) error {
	rel := graphstore.Relationship{
		ID:       identity.RelationshipID(srcID, relType, tgtID),
		SourceID: srcID,
		TargetID: tgtID,
		Type:     relType,
		Strength: 1,
		Context:  relContext,
	}
	err := o.storeRetry.Do(ctx, "rel:"+rel.ID, func(ctx context.Context) error {
		return o.graph.UpsertRelationship(ctx, rel)
	}, o.onRetry)
	if err != nil {
		return err
	}
	o.reg.EdgesWritten(1)
	counts.RelationshipsCreated++
	return nil
}

// directoryChain lists the directories between root (exclusive) and the
// file (exclusive), outermost first. With no root, only the immediate
// parent is returned, which keeps single-file events cheap.
func directoryChain(root, filePath string) []string {
	parent := path.Dir(filePath)
	if parent == "/" || parent == "." {
		return nil
	}
	if root == "" {
		return []string{parent}
	}
	root = strings.TrimRight(root, "/")
	if !strings.HasPrefix(parent, root) {
		return []string{parent}
	}
	var chain []string
	for dir := parent; dir != root && dir != "/" && dir != "."; dir = path.Dir(dir) {
		chain = append(chain, dir)
	}
	// Reverse to outermost-first.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// memberType maps intelligence entity-type strings onto the closed enum.
// Unknown strings are dropped rather than guessed.
func memberType(s string) (identity.EntityType, bool) {
	switch strings.ToUpper(s) {
	case "FUNCTION":
		return identity.EntityFunction, true
	case "CLASS":
		return identity.EntityClass, true
	case "METHOD":
		return identity.EntityMethod, true
	case "VARIABLE":
		return identity.EntityVariable, true
	case "CONCEPT":
		return identity.EntityConcept, true
	case "PATTERN":
		return identity.EntityPattern, true
	case "CODE_EXAMPLE":
		return identity.EntityCodeExample, true
	case "DOCUMENT":
		return identity.EntityDocument, true
	default:
		return "", false
	}
}

// resolveImport maps an import module to an indexed FILE entity_id.
// Candidates are checked against the graph; a miss is a silent skip.
func (o *Orchestrator) resolveImport(ctx context.Context, file event.FileSpec, module string) (string, bool) {
	for _, candidate := range importCandidates(file, module) {
		id, err := o.graph.LookupEntityID(ctx, file.ProjectName, candidate)
		if err == nil {
			return id, true
		}
		if !errors.Is(err, graphstore.ErrNotFound) {
			// Lookup races and transient errors degrade to skip; the
			// next ingest of this file recreates the edge.
			return "", false
		}
	}
	return "", false
}

// importCandidates enumerates filesystem paths a module reference could
// resolve to, relative to the importing file and the project root.
func importCandidates(file event.FileSpec, module string) []string {
	slashed := strings.ReplaceAll(module, ".", "/")
	dir := path.Dir(file.FilePath)

	var out []string
	add := func(p string) { out = append(out, path.Clean(p)) }

	ext := path.Ext(file.FilePath)
	switch ext {
	case ".py", ".pyi":
		add(path.Join(dir, slashed+".py"))
		add(path.Join(dir, slashed, "__init__.py"))
		if file.ProjectRoot != "" {
			add(path.Join(file.ProjectRoot, slashed+".py"))
			add(path.Join(file.ProjectRoot, slashed, "__init__.py"))
		}
	case ".js", ".mjs", ".cjs", ".ts", ".tsx":
		base := strings.TrimPrefix(module, "./")
		add(path.Join(dir, base+ext))
		add(path.Join(dir, base, "index"+ext))
		if file.ProjectRoot != "" {
			add(path.Join(file.ProjectRoot, base+ext))
		}
	default:
		add(path.Join(dir, module))
		if file.ProjectRoot != "" {
			add(path.Join(file.ProjectRoot, module))
		}
	}
	return out
}
