package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codegraph/internal/bus"
	"codegraph/internal/config"
	"codegraph/internal/embedding"
	"codegraph/internal/event"
	"codegraph/internal/graphstore"
	"codegraph/internal/identity"
	"codegraph/internal/intelligence"
	"codegraph/internal/metrics"
	"codegraph/internal/vectorstore"
)

const testDimensions = 8

type testEnv struct {
	o       *Orchestrator
	vectors *vectorstore.EmbeddedStore
	graph   *graphstore.EmbeddedStore
	broker  *bus.MemoryBroker
	reg     *metrics.Registry
}

func newTestEnv(t *testing.T, intelURL, stampURL string) *testEnv {
	t.Helper()

	vec, err := vectorstore.OpenEmbedded(t.TempDir(), "file_locations", testDimensions)
	require.NoError(t, err)
	require.NoError(t, vec.EnsureCollection(context.Background()))
	t.Cleanup(func() { vec.Close() })

	graph, err := graphstore.OpenEmbedded(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { graph.Close() })

	broker := bus.NewMemoryBroker()
	t.Cleanup(func() { broker.Close() })

	var intel *intelligence.Client
	if intelURL != "" {
		intel = intelligence.NewClient(intelURL, 5*time.Second, nil)
	}
	var stamp *intelligence.StampingClient
	if stampURL != "" {
		stamp = intelligence.NewStampingClient(stampURL, 5*time.Second)
	}

	reg := metrics.New()
	o := New(context.Background(), Options{
		Config:    config.Default(),
		Vectors:   vec,
		Graph:     graph,
		Intel:     intel,
		Stamping:  stamp,
		Embedder:  embedding.NewHashEngine(testDimensions),
		Publisher: broker.Publisher(),
		Metrics:   reg,
	})
	instant := func(context.Context, time.Duration) error { return nil }
	o.serviceRetry.Sleep = instant
	o.storeRetry.Sleep = instant

	return &testEnv{o: o, vectors: vec, graph: graph, broker: broker, reg: reg}
}

// intelServer answers generate-intelligence with a fixed response and
// counts process/document and health hits.
func intelServer(t *testing.T, resp intelligence.Response, processed *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/bridge/generate-intelligence":
			json.NewEncoder(w).Encode(resp)
		case "/process/document":
			if processed != nil {
				processed.Add(1)
			}
			w.WriteHeader(http.StatusOK)
		case "/health":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func indexProjectEnvelope(t *testing.T, corrID, project, root string, files []event.FileSpec) event.Envelope {
	t.Helper()
	env, err := event.Derive(corrID, event.TypeIndexProjectRequested, event.TopicIndexProjectRequested, map[string]any{
		"project_name": project,
		"project_root": root,
		"files":        files,
	})
	require.NoError(t, err)
	return env
}

func singleFileEnvelope(t *testing.T, corrID string, file event.FileSpec) event.Envelope {
	t.Helper()
	env, err := event.Derive(corrID, event.TypeEnrichDocumentRequested, event.TopicEnrichmentRequested, file)
	require.NoError(t, err)
	return env
}

type outcomePayload struct {
	ProjectName string       `json:"project_name"`
	Counts      event.Counts `json:"counts"`
	Mode        string       `json:"mode"`
	FilePath    string       `json:"file_path"`
	Reason      string       `json:"reason"`
}

func drain(t *testing.T, broker *bus.MemoryBroker, topic string) []event.Envelope {
	t.Helper()
	c, err := broker.Consumer("drain-"+topic, []string{topic})
	require.NoError(t, err)
	msgs, err := c.Poll(context.Background(), 100)
	require.NoError(t, err)
	out := make([]event.Envelope, 0, len(msgs))
	for _, m := range msgs {
		env, err := event.Parse(m.Value)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

func decodeOutcome(t *testing.T, env event.Envelope) outcomePayload {
	t.Helper()
	var p outcomePayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	return p
}

func TestBatchIndexesFilesAndEmitsEvents(t *testing.T) {
	srv := intelServer(t, intelligence.Response{
		Concepts:     []string{"parsing"},
		QualityScore: 0.9,
		Entities:     []intelligence.EntitySpec{{Name: "main", Type: "FUNCTION", Line: 3}},
	}, nil)
	env := newTestEnv(t, srv.URL, "")
	ctx := context.Background()

	files := []event.FileSpec{
		{FilePath: "/proj/a.py", Content: "def main():\n    pass\n"},
		{FilePath: "/proj/b.py", Content: "def helper():\n    pass\n"},
	}
	corrID := "corr-batch-1"
	require.NoError(t, env.o.ProcessEnvelope(ctx, indexProjectEnvelope(t, corrID, "proj", "/proj", files)))

	n, err := env.vectors.Count(ctx, "proj")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	nodes, err := env.graph.NodeCount(ctx, "proj")
	require.NoError(t, err)
	// 1 project + 2 files + 2 function members.
	assert.GreaterOrEqual(t, nodes, int64(5))

	completed := drain(t, env.broker, event.TopicEnrichmentCompleted)
	require.Len(t, completed, 2)
	for _, e := range completed {
		assert.Equal(t, corrID, e.CorrelationID)
		assert.Equal(t, event.TypeFileCompleted, e.EventType)
	}

	outcome := drain(t, env.broker, event.TopicIndexProjectCompleted)
	require.Len(t, outcome, 1)
	assert.Equal(t, corrID, outcome[0].CorrelationID)
	p := decodeOutcome(t, outcome[0])
	assert.Equal(t, 2, p.Counts.FilesIndexed)
	assert.Equal(t, 0, p.Counts.FilesFailed)
	assert.Equal(t, ModeHTTPFallback, p.Mode)
}

func TestReingestIsIdempotent(t *testing.T) {
	srv := intelServer(t, intelligence.Response{
		Entities: []intelligence.EntitySpec{
			{Name: "Parser", Type: "CLASS", Line: 1},
			{Name: "Parser.parse", Type: "METHOD", Line: 2},
		},
	}, nil)
	env := newTestEnv(t, srv.URL, "")
	ctx := context.Background()

	content := "class Parser:\n    def parse(self):\n        pass\n"
	file := event.FileSpec{FilePath: "/proj/parser.py", Content: content, ProjectName: "proj", ProjectRoot: "/proj"}
	fileID := identity.FileID("proj", file.FilePath, identity.ContentHash([]byte(content)))

	require.NoError(t, env.o.ProcessEnvelope(ctx, singleFileEnvelope(t, "corr-1", file)))

	nodesFirst, err := env.graph.NodeCount(ctx, "proj")
	require.NoError(t, err)
	relsFirst, err := env.graph.RelationshipsOf(ctx, fileID)
	require.NoError(t, err)
	require.NotEmpty(t, relsFirst)

	require.NoError(t, env.o.ProcessEnvelope(ctx, singleFileEnvelope(t, "corr-2", file)))

	nodesSecond, err := env.graph.NodeCount(ctx, "proj")
	require.NoError(t, err)
	assert.Equal(t, nodesFirst, nodesSecond)

	relsSecond, err := env.graph.RelationshipsOf(ctx, fileID)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(relsFirst, relsSecond))

	vectors, err := env.vectors.Count(ctx, "proj")
	require.NoError(t, err)
	assert.Equal(t, int64(1), vectors)
}

func TestOversizedFileIsSkipped(t *testing.T) {
	srv := intelServer(t, intelligence.Response{}, nil)
	env := newTestEnv(t, srv.URL, "")
	env.o.maxFileBytes = 16
	ctx := context.Background()

	files := []event.FileSpec{{FilePath: "/proj/big.py", Content: "x = 1\n# padded well past sixteen bytes\n"}}
	require.NoError(t, env.o.ProcessEnvelope(ctx, indexProjectEnvelope(t, "corr-big", "proj", "/proj", files)))

	vectors, err := env.vectors.Count(ctx, "proj")
	require.NoError(t, err)
	assert.Equal(t, int64(0), vectors)

	failed := drain(t, env.broker, event.TopicEnrichmentFailed)
	require.Len(t, failed, 1)
	assert.Contains(t, decodeOutcome(t, failed[0]).Reason, "size limit")

	outcome := drain(t, env.broker, event.TopicIndexProjectFailed)
	require.Len(t, outcome, 1)
	assert.Equal(t, "corr-big", outcome[0].CorrelationID)
}

func TestZeroFileProjectCompletes(t *testing.T) {
	env := newTestEnv(t, "", "")
	ctx := context.Background()

	require.NoError(t, env.o.ProcessEnvelope(ctx, indexProjectEnvelope(t, "corr-empty", "proj", "/proj", nil)))

	outcome := drain(t, env.broker, event.TopicIndexProjectCompleted)
	require.Len(t, outcome, 1)
	p := decodeOutcome(t, outcome[0])
	assert.Equal(t, event.Counts{}, p.Counts)
}

func TestDegradedIntelligenceUsesLocalExtraction(t *testing.T) {
	// Every endpoint 404s, so generation degrades immediately and the
	// local extractor supplies the entities.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)
	env := newTestEnv(t, srv.URL, "")
	ctx := context.Background()

	content := "def compute():\n    return 42\n"
	file := event.FileSpec{FilePath: "/proj/calc.py", Content: content, ProjectName: "proj", ProjectRoot: "/proj"}
	require.NoError(t, env.o.ProcessEnvelope(ctx, singleFileEnvelope(t, "corr-degraded", file)))

	fileID := identity.FileID("proj", file.FilePath, identity.ContentHash([]byte(content)))
	memberID, err := identity.MemberID(identity.EntityFunction, fileID, "compute")
	require.NoError(t, err)

	node, err := env.graph.GetNode(ctx, memberID)
	require.NoError(t, err)
	assert.Equal(t, "compute", node.Name)
	assert.Equal(t, identity.EntityFunction, node.Type)

	completed := drain(t, env.broker, event.TopicEnrichmentCompleted)
	require.Len(t, completed, 1)
}

func TestImportsResolveAgainstIndexedFiles(t *testing.T) {
	srv := intelServer(t, intelligence.Response{Imports: []string{"util"}}, nil)
	env := newTestEnv(t, srv.URL, "")
	ctx := context.Background()

	utilContent := "def helper():\n    pass\n"
	util := event.FileSpec{FilePath: "/proj/util.py", Content: utilContent, ProjectName: "proj", ProjectRoot: "/proj"}
	counts := env.o.processFile(ctx, "corr-util", util)
	require.Equal(t, 1, counts.FilesIndexed)
	// Nothing to resolve against yet; the self-import guard keeps the
	// file from importing itself.
	assert.Equal(t, 0, counts.UnresolvedImports)

	appContent := "import util\n"
	app := event.FileSpec{FilePath: "/proj/app.py", Content: appContent, ProjectName: "proj", ProjectRoot: "/proj"}
	counts = env.o.processFile(ctx, "corr-app", app)
	require.Equal(t, 1, counts.FilesIndexed)
	assert.Equal(t, 0, counts.UnresolvedImports)

	utilID := identity.FileID("proj", util.FilePath, identity.ContentHash([]byte(utilContent)))
	appID := identity.FileID("proj", app.FilePath, identity.ContentHash([]byte(appContent)))
	wantRel := identity.RelationshipID(appID, identity.RelImports, utilID)

	rels, err := env.graph.RelationshipsOf(ctx, appID)
	require.NoError(t, err)
	assert.Contains(t, rels, wantRel)
}

func TestUnresolvedImportIsCountedNotStubbed(t *testing.T) {
	srv := intelServer(t, intelligence.Response{Imports: []string{"no.such.module"}}, nil)
	env := newTestEnv(t, srv.URL, "")
	ctx := context.Background()

	file := event.FileSpec{FilePath: "/proj/lone.py", Content: "import no.such.module\n", ProjectName: "proj", ProjectRoot: "/proj"}
	counts := env.o.processFile(ctx, "corr-lone", file)
	require.Equal(t, 1, counts.FilesIndexed)
	assert.Equal(t, 1, counts.UnresolvedImports)

	fileID := identity.FileID("proj", file.FilePath, identity.ContentHash([]byte(file.Content)))
	rels, err := env.graph.RelationshipsOf(ctx, fileID)
	require.NoError(t, err)
	// Only the CONTAINS edge from the project; no placeholder target.
	assert.Len(t, rels, 1)
}

func TestModeSelectedOnceAtStartup(t *testing.T) {
	intel := intelServer(t, intelligence.Response{}, nil)

	var stamped atomic.Int64
	stampSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/stamp" {
			stamped.Add(1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(stampSrv.Close)

	env := newTestEnv(t, intel.URL, stampSrv.URL)
	require.Equal(t, ModeAsyncBus, env.o.Mode())

	file := event.FileSpec{FilePath: "/proj/m.py", Content: "x = 1\n", ProjectName: "proj", ProjectRoot: "/proj"}
	env.o.processFile(context.Background(), "corr-mode", file)
	assert.Equal(t, int64(1), stamped.Load())
}

func TestFallbackModeDrivesProcessDocument(t *testing.T) {
	var processed atomic.Int64
	intel := intelServer(t, intelligence.Response{}, &processed)

	env := newTestEnv(t, intel.URL, "")
	require.Equal(t, ModeHTTPFallback, env.o.Mode())

	file := event.FileSpec{FilePath: "/proj/f.py", Content: "y = 2\n", ProjectName: "proj", ProjectRoot: "/proj"}
	counts := env.o.processFile(context.Background(), "corr-fallback", file)
	require.Equal(t, 1, counts.FilesIndexed)
	assert.Equal(t, int64(1), processed.Load())
}

func TestDirectoryChain(t *testing.T) {
	assert.Equal(t, []string{"/proj/a", "/proj/a/b"}, directoryChain("/proj", "/proj/a/b/f.py"))
	assert.Empty(t, directoryChain("/proj", "/proj/f.py"))
	assert.Equal(t, []string{"/elsewhere/x"}, directoryChain("/proj", "/elsewhere/x/f.py"))
	assert.Equal(t, []string{"/a/b"}, directoryChain("", "/a/b/f.py"))
}

// A fresh data dir has no vector schema until EnsureCollection runs;
// the daemon wiring must create it before the first upsert.
func TestFreshDataDirIndexesFirstFile(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	ctx := context.Background()

	vec, err := vectorstore.New(cfg.VectorStore, cfg.DataDir, testDimensions)
	require.NoError(t, err)
	t.Cleanup(func() { vec.Close() })
	require.NoError(t, vec.EnsureCollection(ctx))

	graph, err := graphstore.New(cfg.GraphStore, cfg.DataDir)
	require.NoError(t, err)
	t.Cleanup(func() { graph.Close() })

	broker := bus.NewMemoryBroker()
	t.Cleanup(func() { broker.Close() })

	o := New(ctx, Options{
		Config:    cfg,
		Vectors:   vec,
		Graph:     graph,
		Embedder:  embedding.NewHashEngine(testDimensions),
		Publisher: broker.Publisher(),
		Metrics:   metrics.New(),
	})
	instant := func(context.Context, time.Duration) error { return nil }
	o.serviceRetry.Sleep = instant
	o.storeRetry.Sleep = instant

	file := event.FileSpec{FilePath: "/proj/first.py", Content: "def first():\n    pass\n", ProjectName: "proj", ProjectRoot: "/proj"}
	counts := o.processFile(ctx, "corr-fresh", file)
	require.Equal(t, 1, counts.FilesIndexed)

	n, err := vec.Count(ctx, "proj")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
