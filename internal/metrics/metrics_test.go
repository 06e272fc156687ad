package metrics

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvalidEventByReasonOrdering(t *testing.T) {
	r := New()
	for i := 0; i < 3; i++ {
		r.InvalidEvent("missing or invalid payload object")
	}
	for i := 0; i < 7; i++ {
		r.InvalidEvent("Old code-analysis schema detected in enrichment topic")
	}
	r.InvalidEvent("unrecognised_event")

	s := r.Snapshot()
	assert.Equal(t, int64(11), s.InvalidEvents.TotalSkipped)
	require.Len(t, s.InvalidEvents.ByReason, 3)
	assert.Equal(t, "Old code-analysis schema detected in enrichment topic", s.InvalidEvents.ByReason[0].Reason)
	assert.Equal(t, int64(7), s.InvalidEvents.ByReason[0].Count)
	assert.Equal(t, int64(3), s.InvalidEvents.ByReason[1].Count)
	assert.Equal(t, int64(1), s.InvalidEvents.ByReason[2].Count)
}

func TestInvalidEventReturnsRunningTotal(t *testing.T) {
	r := New()
	var hundredth int64
	for i := 0; i < 250; i++ {
		if n := r.InvalidEvent("x"); n%100 == 0 {
			hundredth = n
		}
	}
	assert.Equal(t, int64(200), hundredth)
}

func TestSnapshotJSONShape(t *testing.T) {
	r := New()
	r.EventConsumed()
	r.EventProcessed()
	r.FileIndexed()
	r.VectorsUpserted(2)
	r.NodesWritten(5)
	r.EdgesWritten(4)
	r.Error("transient_io")
	r.SetLag("enrichment.file.requested.v1/0", 3)
	r.SetBreakerState("open")
	r.SetMode("http_fallback")

	data, err := json.Marshal(r.Snapshot())
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Contains(t, doc, "uptime_seconds")
	assert.Contains(t, doc, "invalid_events")
	assert.Equal(t, "open", doc["circuit_breaker"].(map[string]any)["state"])
	consumer := doc["consumer"].(map[string]any)
	assert.Equal(t, "http_fallback", consumer["mode"])
	assert.Equal(t, float64(3), consumer["per_topic_lag"].(map[string]any)["enrichment.file.requested.v1/0"])
	assert.Equal(t, float64(3), consumer["total_lag"])
}

func TestTotalLag(t *testing.T) {
	r := New()
	r.SetLag("a/0", 2)
	r.SetLag("a/1", 5)
	r.SetLag("a/1", 1) // overwrite, lag is a gauge
	assert.Equal(t, int64(3), r.TotalLag())
}

func TestConcurrentCounters(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				r.EventConsumed()
				r.InvalidEvent("race-reason")
				r.Error("bus")
			}
		}()
	}
	wg.Wait()
	s := r.Snapshot()
	assert.Equal(t, int64(8000), s.Events.Consumed)
	assert.Equal(t, int64(8000), s.InvalidEvents.TotalSkipped)
	assert.Equal(t, int64(8000), s.Errors.ByKind["bus"])
}
