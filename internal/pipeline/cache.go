package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"codegraph/internal/config"
	"codegraph/internal/graphstore"
	"codegraph/internal/logging"
	"codegraph/internal/vectorstore"
)

// cacheTTL keeps warmed entries fresh for a day; a re-ingest of the
// same file refreshes them anyway.
const cacheTTL = 24 * time.Hour

// CacheWarmer pre-populates the distributed cache after a successful
// ingest so the first read of a freshly indexed file is a cache hit.
// Every method is best effort; a cache outage never fails a file.
type CacheWarmer struct {
	client  *redis.Client
	vectors vectorstore.Store
	graph   graphstore.Store
}

// NewCacheWarmer connects to the cache. An empty URL disables warming
// and returns nil, which the orchestrator treats as "no warmer".
func NewCacheWarmer(cfg config.CacheConfig, vectors vectorstore.Store, graph graphstore.Store) (*CacheWarmer, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(normalizeRedisURL(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("pipeline: cache url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	return &CacheWarmer{client: redis.NewClient(opts), vectors: vectors, graph: graph}, nil
}

func normalizeRedisURL(u string) string {
	if strings.Contains(u, "://") {
		return u
	}
	return "redis://" + u
}

// Warm issues the pre-registered queries for one file and stores their
// results under stable keys:
//
//	codegraph:file:<project>:<path>      file payload from the vector store
//	codegraph:entity:<file_id>           graph entity_id for the path
//	codegraph:project:<project>:nodes    node count for the project's graph
func (w *CacheWarmer) Warm(ctx context.Context, project, filePath, fileID string) error {
	if w == nil || w.client == nil {
		return nil
	}
	log := logging.Get(logging.CategoryCache)

	pipe := w.client.Pipeline()

	points, err := w.vectors.QueryByPath(ctx, project, filePath, 1)
	if err == nil && len(points) > 0 {
		if raw, err := json.Marshal(points[0].Payload); err == nil {
			pipe.Set(ctx, fmt.Sprintf("codegraph:file:%s:%s", project, filePath), raw, cacheTTL)
		}
	} else if err != nil {
		log.Debug("cache warm: vector query for %s: %v", filePath, err)
	}

	pipe.Set(ctx, "codegraph:entity:"+fileID, filePath, cacheTTL)

	if n, err := w.graph.NodeCount(ctx, project); err == nil {
		pipe.Set(ctx, fmt.Sprintf("codegraph:project:%s:nodes", project), n, cacheTTL)
	} else {
		log.Debug("cache warm: node count for %s: %v", project, err)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pipeline: cache warm %s: %w", filePath, err)
	}
	return nil
}

// HealthCheck pings the cache.
func (w *CacheWarmer) HealthCheck(ctx context.Context) error {
	if w == nil || w.client == nil {
		return nil
	}
	return w.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (w *CacheWarmer) Close() error {
	if w == nil || w.client == nil {
		return nil
	}
	return w.client.Close()
}
