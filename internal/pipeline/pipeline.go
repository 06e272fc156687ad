// Package pipeline runs the six-stage enrichment sequence for each
// (file, project) pair: prepare, generate intelligence, stamp metadata,
// write vector and graph in parallel, warm the cache. The mode is fixed
// at startup: async_bus when the stamping service answers its probe,
// http_fallback otherwise.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"codegraph/internal/bus"
	"codegraph/internal/config"
	"codegraph/internal/embedding"
	"codegraph/internal/event"
	"codegraph/internal/extract"
	"codegraph/internal/graphstore"
	"codegraph/internal/identity"
	"codegraph/internal/intelligence"
	"codegraph/internal/logging"
	"codegraph/internal/metrics"
	"codegraph/internal/retry"
	"codegraph/internal/vectorstore"
)

// Modes.
const (
	ModeAsyncBus     = "async_bus"
	ModeHTTPFallback = "http_fallback"
)

// Orchestrator owns the per-file enrichment flow.
type Orchestrator struct {
	vectors   vectorstore.Store
	graph     graphstore.Store
	intel     *intelligence.Client
	stamping  *intelligence.StampingClient
	embedder  embedding.Engine
	extractor *extract.Extractor
	warmer    *CacheWarmer
	publisher bus.Publisher
	reg       *metrics.Registry

	mode         string
	fileSem      *semaphore.Weighted
	maxFileBytes int64

	// serviceRetry covers stages 2 and 3, storeRetry covers 4 and 5.
	serviceRetry retry.Policy
	storeRetry   retry.Policy
}

// Options wires the orchestrator's collaborators.
type Options struct {
	Config    *config.Config
	Vectors   vectorstore.Store
	Graph     graphstore.Store
	Intel     *intelligence.Client
	Stamping  *intelligence.StampingClient
	Embedder  embedding.Engine
	Warmer    *CacheWarmer
	Publisher bus.Publisher
	Metrics   *metrics.Registry
}

// New builds the orchestrator and selects the mode with one stamping
// probe. The mode never changes for the life of the process.
func New(ctx context.Context, opts Options) *Orchestrator {
	mode := ModeHTTPFallback
	if opts.Stamping != nil && opts.Stamping.Available(ctx) {
		mode = ModeAsyncBus
	}
	opts.Metrics.SetMode(mode)
	logging.Get(logging.CategoryBoot).Info("pipeline mode: %s", mode)

	maxFiles := int64(opts.Config.Tuning.MaxConcurrentFiles)
	if maxFiles < 1 {
		maxFiles = 1
	}

	serviceRetry := retry.Default()
	serviceRetry.MaxAttempts = 3

	return &Orchestrator{
		vectors:      opts.Vectors,
		graph:        opts.Graph,
		intel:        opts.Intel,
		stamping:     opts.Stamping,
		embedder:     opts.Embedder,
		extractor:    extract.New(),
		warmer:       opts.Warmer,
		publisher:    opts.Publisher,
		reg:          opts.Metrics,
		mode:         mode,
		fileSem:      semaphore.NewWeighted(maxFiles),
		maxFileBytes: opts.Config.MaxFileSizeBytes(),
		serviceRetry: serviceRetry,
		storeRetry:   retry.Default(),
	}
}

// Mode reports the active pipeline mode.
func (o *Orchestrator) Mode() string { return o.mode }

// ProcessEnvelope runs the full sequence for every file the envelope
// carries. One failed file never aborts the batch. The project-level
// outcome event is emitted for index-project requests; per-file events
// are emitted always.
func (o *Orchestrator) ProcessEnvelope(ctx context.Context, env event.Envelope) error {
	files, err := event.Files(env)
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	log := logging.WithCorrelationID(logging.CategoryPipeline, env.CorrelationID)
	started := time.Now()

	project := ""
	if len(files) > 0 {
		project = files[0].ProjectName
	}

	var total event.Counts
	results := make([]event.Counts, len(files))
	g, gctx := errgroup.WithContext(ctx)
	for i := range files {
		i := i
		file := files[i]
		if err := o.fileSem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer o.fileSem.Release(1)
			results[i] = o.processFile(gctx, env.CorrelationID, file)
			return nil
		})
	}
	// Worker errors surface through per-file counts, not the group.
	_ = g.Wait()

	for _, counts := range results {
		total.Add(counts)
	}

	if env.EventType == event.TypeIndexProjectRequested {
		o.emitProjectOutcome(ctx, env.CorrelationID, project, total, time.Since(started))
	}
	log.Info("batch done: project=%s files=%d indexed=%d failed=%d entities=%d relationships=%d unresolved=%d",
		project, len(files), total.FilesIndexed, total.FilesFailed,
		total.EntitiesCreated, total.RelationshipsCreated, total.UnresolvedImports)
	return nil
}

// processFile runs stages 1 through 6 for one file and emits its
// completion or failure event. The returned counts feed the batch total.
func (o *Orchestrator) processFile(ctx context.Context, correlationID string, file event.FileSpec) event.Counts {
	log := logging.WithCorrelationID(logging.CategoryPipeline, correlationID)
	started := time.Now()
	var counts event.Counts

	// Stage 1: preparation.
	if int64(len(file.Content)) > o.maxFileBytes {
		log.Warn("skipping %s: %d bytes exceeds %d byte limit", file.FilePath, len(file.Content), o.maxFileBytes)
		counts.FilesFailed++
		o.reg.FileFailed()
		o.emitFileFailed(ctx, correlationID, file, fmt.Sprintf("file exceeds %d MB size limit", o.maxFileBytes>>20))
		return counts
	}
	prep := prepare(file)

	// Stage 2: intelligence generation, with local extraction fallback
	// when the service returns nothing usable.
	intel, err := o.generate(ctx, file)
	if err != nil {
		log.Warn("intelligence degraded for %s: %v", file.FilePath, err)
		o.reg.Error("intelligence")
		intel = intelligence.Response{}
	}
	if len(intel.Entities) == 0 && len(intel.Imports) == 0 {
		local := o.extractor.Extract(file.FilePath, []byte(file.Content))
		intel = mergeLocal(intel, local)
	}

	// Stage 3: metadata stamping, async_bus mode only. Degraded stamping
	// is logged and does not fail the file.
	if o.mode == ModeAsyncBus {
		err := o.serviceRetry.Do(ctx, "stamp:"+prep.fileID, func(ctx context.Context) error {
			return o.stamping.Stamp(ctx, file.ProjectName, file.FilePath, prep.fileID)
		}, o.onRetry)
		if err != nil {
			log.Warn("stamping failed for %s: %v", file.FilePath, err)
			o.reg.Error("stamping")
		}
	}

	// Stages 4 and 5 in parallel; both must succeed.
	g, gctx := errgroup.WithContext(ctx)
	var vectorsUpserted int
	g.Go(func() error {
		n, err := o.writeVector(gctx, prep, file, intel)
		vectorsUpserted = n
		return err
	})
	var graphCounts event.Counts
	g.Go(func() error {
		var err error
		graphCounts, err = o.writeGraph(gctx, correlationID, prep, file, intel)
		return err
	})
	if err := g.Wait(); err != nil {
		log.Error("indexing failed for %s: %v", file.FilePath, err)
		o.reg.FileFailed()
		o.reg.Error(errorKind(err))
		counts.FilesFailed++
		o.emitFileFailed(ctx, correlationID, file, err.Error())
		return counts
	}
	counts.Add(graphCounts)
	counts.VectorsUpserted += vectorsUpserted
	counts.FilesIndexed++
	o.reg.FileIndexed()
	o.reg.VectorsUpserted(vectorsUpserted)

	// Fallback mode delegates provenance processing to the service's
	// own end-to-end endpoint since the stamping infrastructure is down.
	if o.mode == ModeHTTPFallback && o.intel != nil {
		if err := o.intel.ProcessDocument(ctx, file.FilePath, file.Content, file.ProjectName); err != nil {
			log.Warn("process/document degraded for %s: %v", file.FilePath, err)
		}
	}

	// Stage 6: cache warming. Best effort.
	if o.warmer != nil {
		if err := o.warmer.Warm(ctx, file.ProjectName, file.FilePath, prep.fileID); err != nil {
			log.Warn("cache warming failed for %s: %v", file.FilePath, err)
		}
	}

	o.emitFileCompleted(ctx, correlationID, file, counts, time.Since(started))
	return counts
}

// preparation is the stage-1 output: everything derived before any
// network call happens.
type preparation struct {
	contentHash string
	fileID      string
	projectID   string
	pointID     uint64
	absPath     string
	relPath     string
}

func prepare(file event.FileSpec) preparation {
	hash := identity.ContentHash([]byte(file.Content))
	rel := file.FilePath
	if file.ProjectRoot != "" {
		rel = strings.TrimPrefix(strings.TrimPrefix(file.FilePath, file.ProjectRoot), "/")
	}
	return preparation{
		contentHash: hash,
		fileID:      identity.FileID(file.ProjectName, file.FilePath, hash),
		projectID:   identity.ProjectID(file.ProjectName),
		pointID:     identity.PointID(file.ProjectName, hash),
		absPath:     file.FilePath,
		relPath:     rel,
	}
}

func (o *Orchestrator) generate(ctx context.Context, file event.FileSpec) (intelligence.Response, error) {
	var out intelligence.Response
	if o.intel == nil {
		return out, fmt.Errorf("pipeline: intelligence client not configured")
	}
	err := o.serviceRetry.Do(ctx, "intel:"+file.FilePath, func(ctx context.Context) error {
		var callErr error
		out, callErr = o.intel.Generate(ctx, file.FilePath, file.Content, file.ProjectName)
		return callErr
	}, o.onRetry)
	return out, err
}

// mergeLocal folds locally extracted entities and imports into a
// degraded intelligence response.
func mergeLocal(intel intelligence.Response, local extract.Result) intelligence.Response {
	for _, e := range local.Entities {
		intel.Entities = append(intel.Entities, intelligence.EntitySpec{
			Name: e.Name,
			Type: string(e.Type),
			Line: e.Line,
		})
	}
	for _, imp := range local.Imports {
		intel.Imports = append(intel.Imports, imp.Module)
	}
	return intel
}

// writeVector embeds the content and upserts the point. Returns the
// number of vectors written (0 or 1).
func (o *Orchestrator) writeVector(ctx context.Context, prep preparation, file event.FileSpec, intel intelligence.Response) (int, error) {
	timer := logging.StartTimer(logging.CategoryVector, "vector upsert "+prep.relPath)
	defer timer.StopWithThreshold(5 * time.Second)

	vec, err := o.embedder.Embed(ctx, file.Content)
	if err != nil {
		return 0, fmt.Errorf("pipeline: embed %s: %w", file.FilePath, err)
	}

	payload := vectorstore.Payload{
		AbsolutePath:   prep.absPath,
		RelativePath:   prep.relPath,
		ProjectName:    file.ProjectName,
		ProjectRoot:    file.ProjectRoot,
		QualityScore:   intel.QualityScore,
		OnexCompliance: intel.OnexCompliance,
		Concepts:       intel.Concepts,
		Themes:         intel.Themes,
	}
	payload.Normalize(time.Now())

	point := vectorstore.Point{ID: prep.pointID, Vector: vec, Payload: payload}
	err = o.storeRetry.Do(ctx, "vector:"+prep.fileID, func(ctx context.Context) error {
		return o.vectors.Upsert(ctx, point)
	}, o.onRetry)
	if err != nil {
		return 0, err
	}
	return 1, nil
}

func (o *Orchestrator) onRetry(attempt int, delay time.Duration, err error) {
	o.reg.Retry()
	logging.Get(logging.CategoryPipeline).Debug("retry %d in %v: %v", attempt, delay, err)
}

func errorKind(err error) string {
	if retry.IsFatal(err) {
		return "domain_fatal"
	}
	return "transient_io"
}

func (o *Orchestrator) emitFileCompleted(ctx context.Context, correlationID string, file event.FileSpec, counts event.Counts, took time.Duration) {
	env, err := event.NewFileCompleted(correlationID, file.ProjectName, file.FilePath, counts, took, o.mode)
	if err == nil {
		o.publish(ctx, env)
	}
}

func (o *Orchestrator) emitFileFailed(ctx context.Context, correlationID string, file event.FileSpec, reason string) {
	env, err := event.NewFileFailed(correlationID, file.ProjectName, file.FilePath, reason)
	if err == nil {
		o.publish(ctx, env)
	}
}

func (o *Orchestrator) emitProjectOutcome(ctx context.Context, correlationID, project string, counts event.Counts, took time.Duration) {
	var env event.Envelope
	var err error
	if counts.FilesFailed > 0 && counts.FilesIndexed == 0 {
		env, err = event.NewProjectFailed(correlationID, project,
			fmt.Sprintf("all %d files failed", counts.FilesFailed))
	} else {
		env, err = event.NewProjectCompleted(correlationID, project, counts, took, o.mode)
	}
	if err == nil {
		o.publish(ctx, env)
	}
}

func (o *Orchestrator) publish(ctx context.Context, env event.Envelope) {
	if o.publisher == nil {
		return
	}
	raw, err := env.Encode()
	if err != nil {
		return
	}
	if err := o.publisher.Publish(ctx, env.Topic, raw); err != nil {
		logging.Get(logging.CategoryPipeline).Warn("publish %s failed: %v", env.Topic, err)
		o.reg.Error("bus")
	}
}
