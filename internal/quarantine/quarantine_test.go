package quarantine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutAndRecent(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	s.Put("enrichment.file.requested.v1", "missing or invalid payload object", "corr-1", []byte(`{}`))
	s.Put("enrichment.file.requested.v1", "Old code-analysis schema detected in enrichment topic", "corr-2", []byte(`{"source_path":"/a.py"}`))

	recent, err := s.Recent(10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	// Newest first.
	assert.Equal(t, "corr-2", recent[0].CorrelationID)
	assert.Equal(t, "Old code-analysis schema detected in enrichment topic", recent[0].Reason)
	assert.JSONEq(t, `{"source_path":"/a.py"}`, string(recent[0].Payload))
	assert.False(t, recent[0].QuarantinedAt.IsZero())
}

func TestCountByReason(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 3; i++ {
		s.Put("t", "reason-a", "", nil)
	}
	s.Put("t", "reason-b", "", nil)

	counts, err := s.CountByReason()
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts["reason-a"])
	assert.Equal(t, int64(1), counts["reason-b"])
}

func TestPutOnNilStoreIsNoop(t *testing.T) {
	var s *Store
	// Quarantine is best-effort; a nil store must never panic.
	s.Put("t", "r", "c", []byte("x"))
}
