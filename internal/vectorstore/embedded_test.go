package vectorstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codegraph/internal/identity"
	"codegraph/internal/retry"
)

func openTestStore(t *testing.T, dim int) *EmbeddedStore {
	t.Helper()
	s, err := OpenEmbedded(t.TempDir(), "file_locations", dim)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.EnsureCollection(context.Background()))
	return s
}

func testPoint(id uint64, dim int) Point {
	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = float32(i) / float32(dim)
	}
	return Point{
		ID:     id,
		Vector: vec,
		Payload: Payload{
			AbsolutePath:   "/repo/src/main.py",
			RelativePath:   "src/main.py",
			ProjectName:    "demo",
			ProjectRoot:    "/repo",
			IndexedAt:      "2026-08-24T10:00:00Z",
			QualityScore:   0.9,
			OnexCompliance: 1,
			Concepts:       []string{"parsing"},
			Themes:         []string{"io"},
		},
	}
}

func TestUpsertIdempotent(t *testing.T) {
	s := openTestStore(t, 8)
	ctx := context.Background()
	p := testPoint(identity.PointID("demo", "abc123"), 8)

	require.NoError(t, s.Upsert(ctx, p))
	require.NoError(t, s.Upsert(ctx, p))

	n, err := s.Count(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.QueryByPath(ctx, "demo", "main.py", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Empty(t, cmp.Diff(p, got[0]))
}

func TestUpsertDimensionMismatchIsFatal(t *testing.T) {
	s := openTestStore(t, 8)
	p := testPoint(1, 4)
	err := s.Upsert(context.Background(), p)
	require.Error(t, err)
	assert.True(t, retry.IsFatal(err))
	assert.Contains(t, err.Error(), "dimension mismatch")
}

func TestUpsertMissingPayloadIsFatal(t *testing.T) {
	s := openTestStore(t, 4)
	p := testPoint(1, 4)
	p.Payload.AbsolutePath = ""
	err := s.Upsert(context.Background(), p)
	require.Error(t, err)
	assert.True(t, retry.IsFatal(err))
}

func TestQueryByPathScopedToProject(t *testing.T) {
	s := openTestStore(t, 4)
	ctx := context.Background()

	a := testPoint(1, 4)
	b := testPoint(2, 4)
	b.Payload.ProjectName = "other"
	require.NoError(t, s.Upsert(ctx, a))
	require.NoError(t, s.Upsert(ctx, b))

	got, err := s.QueryByPath(ctx, "demo", "main", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(1), got[0].ID)

	none, err := s.QueryByPath(ctx, "demo", "absent.py", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDeleteAndReingestRestoresState(t *testing.T) {
	s := openTestStore(t, 4)
	ctx := context.Background()
	p := testPoint(identity.PointID("demo", "hash"), 4)

	require.NoError(t, s.Upsert(ctx, p))
	before, err := s.QueryByPath(ctx, "demo", "main.py", 1)
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, p.ID))
	n, err := s.Count(ctx, "demo")
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, s.Upsert(ctx, p))
	after, err := s.QueryByPath(ctx, "demo", "main.py", 1)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(before, after))
}

func TestDeleteAbsentIsNoop(t *testing.T) {
	s := openTestStore(t, 4)
	assert.NoError(t, s.Delete(context.Background(), 999))
}

func TestEnsureCollectionDimensionConflict(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenEmbedded(dir, "file_locations", 8)
	require.NoError(t, err)
	require.NoError(t, s.EnsureCollection(context.Background()))
	require.NoError(t, s.Close())

	s2, err := OpenEmbedded(dir, "file_locations", 16)
	require.NoError(t, err)
	defer s2.Close()
	err = s2.EnsureCollection(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension")
}

func TestPayloadNormalize(t *testing.T) {
	p := Payload{
		Concepts: []string{"a", "b", "c", "d", "e", "f", "g"},
		Themes:   []string{"x", "y", "z", "w", "v", "u"},
	}
	p.Normalize(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	assert.Len(t, p.Concepts, MaxListedTerms)
	assert.Len(t, p.Themes, MaxListedTerms)
	assert.Equal(t, "2026-08-24T12:00:00Z", p.IndexedAt)
	// Order preserved, truncated from the tail.
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, p.Concepts)
}
