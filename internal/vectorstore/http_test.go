package vectorstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codegraph/internal/retry"
)

func TestHTTPUpsert(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/collections/file_locations/points", r.URL.Path)
		require.Equal(t, "true", r.URL.Query().Get("wait"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]any{"status": "ok", "result": map[string]any{}})
	}))
	defer srv.Close()

	s := NewHTTPStore(srv.URL, "file_locations", 4)
	require.NoError(t, s.Upsert(context.Background(), testPoint(42, 4)))

	points := gotBody["points"].([]any)
	require.Len(t, points, 1)
	point := points[0].(map[string]any)
	assert.Equal(t, float64(42), point["id"])
	payload := point["payload"].(map[string]any)
	assert.Equal(t, "/repo/src/main.py", payload["absolute_path"])
	assert.Equal(t, "demo", payload["project_name"])
}

func TestHTTPUpsertServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := NewHTTPStore(srv.URL, "file_locations", 4)
	err := s.Upsert(context.Background(), testPoint(1, 4))
	require.Error(t, err)
	assert.False(t, retry.IsFatal(err))
}

func TestHTTPUpsertClientErrorIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad point", http.StatusBadRequest)
	}))
	defer srv.Close()

	s := NewHTTPStore(srv.URL, "file_locations", 4)
	err := s.Upsert(context.Background(), testPoint(1, 4))
	require.Error(t, err)
	assert.True(t, retry.IsFatal(err))
}

func TestHTTPUpsertDimensionMismatchNoCall(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	s := NewHTTPStore(srv.URL, "file_locations", 8)
	err := s.Upsert(context.Background(), testPoint(1, 4))
	require.Error(t, err)
	assert.True(t, retry.IsFatal(err))
	assert.False(t, called, "mismatched point must not reach the wire")
}

func TestHTTPEnsureCollectionCreatesWhenMissing(t *testing.T) {
	var created bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/collections/file_locations":
			http.NotFound(w, r)
		case r.Method == http.MethodPut && r.URL.Path == "/collections/file_locations":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			vectors := body["vectors"].(map[string]any)
			assert.Equal(t, float64(8), vectors["size"])
			assert.Equal(t, "Cosine", vectors["distance"])
			created = true
			json.NewEncoder(w).Encode(map[string]any{"result": true})
		default:
			t.Fatalf("unexpected call %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	s := NewHTTPStore(srv.URL, "file_locations", 8)
	require.NoError(t, s.EnsureCollection(context.Background()))
	assert.True(t, created)
}

func TestHTTPEnsureCollectionDimensionConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{
			"config": map[string]any{"params": map[string]any{"vectors": map[string]any{"size": 768}}},
		}})
	}))
	defer srv.Close()

	s := NewHTTPStore(srv.URL, "file_locations", 1536)
	err := s.EnsureCollection(context.Background())
	require.Error(t, err)
	assert.True(t, retry.IsFatal(err))
}

func TestHTTPQueryByPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/collections/file_locations/points/scroll", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, true, body["with_payload"])
		json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{
			"points": []map[string]any{{
				"id":      7,
				"vector":  []float32{0.1, 0.2},
				"payload": map[string]any{"absolute_path": "/repo/a.py", "project_name": "demo"},
			}},
		}})
	}))
	defer srv.Close()

	s := NewHTTPStore(srv.URL, "file_locations", 2)
	got, err := s.QueryByPath(context.Background(), "demo", "a.py", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(7), got[0].ID)
	assert.Equal(t, "/repo/a.py", got[0].Payload.AbsolutePath)
}
