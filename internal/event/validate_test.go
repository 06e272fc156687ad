package event

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envelopeWith(t *testing.T, eventType string, payload any) Envelope {
	t.Helper()
	env, err := Derive("corr-1", eventType, "", payload)
	require.NoError(t, err)
	return env
}

func TestValidateEnrichSingleFile(t *testing.T) {
	env := envelopeWith(t, TypeEnrichDocumentRequested, map[string]any{
		"file_path":    "/src/main.py",
		"content":      "def foo(): pass",
		"project_name": "demo",
	})
	res := Validate(TopicEnrichmentRequested, env)
	assert.True(t, res.Valid)
	assert.False(t, res.PassThrough)
}

func TestValidateEnrichBatch(t *testing.T) {
	env := envelopeWith(t, TypeEnrichDocumentRequested, map[string]any{
		"files": []map[string]any{
			{"file_path": "/a.py", "content": "x", "project_name": "demo"},
			{"file_path": "/b.py", "content": "y", "project_name": "demo"},
		},
	})
	assert.True(t, Validate(TopicEnrichmentRequested, env).Valid)
}

func TestValidateEnrichBatchZeroFiles(t *testing.T) {
	env := envelopeWith(t, TypeEnrichDocumentRequested, map[string]any{
		"files": []map[string]any{},
	})
	// Zero files is a valid batch; it completes with zero counts.
	assert.True(t, Validate(TopicEnrichmentRequested, env).Valid)
}

func TestValidateLegacyPayloadOnEnrichmentTopic(t *testing.T) {
	env := envelopeWith(t, TypeEnrichDocumentRequested, map[string]any{
		"source_path": "/src/main.py",
		"content":     "def foo(): pass",
	})
	res := Validate(TopicEnrichmentRequested, env)
	require.False(t, res.Valid)
	assert.Equal(t, ReasonLegacyOnEnrich, res.Reason)
}

func TestValidateLegacyEventTypeOnEnrichmentTopic(t *testing.T) {
	env := envelopeWith(t, TypeCodeAnalysisRequested, map[string]any{
		"file_path": "/src/main.py",
		"content":   "def foo(): pass",
	})
	res := Validate(TopicEnrichmentRequested, env)
	require.False(t, res.Valid)
	assert.Equal(t, ReasonLegacyOnEnrich, res.Reason)
}

func TestValidateCodeAnalysisOnOwnTopic(t *testing.T) {
	env := envelopeWith(t, TypeCodeAnalysisRequested, map[string]any{
		"source_path": "/src/main.py",
		"content":     "def foo(): pass",
	})
	// source_path is an accepted legacy alias for file_path.
	assert.True(t, Validate("analysis.code.requested.v1", env).Valid)

	missing := envelopeWith(t, TypeCodeAnalysisRequested, map[string]any{
		"content": "def foo(): pass",
	})
	res := Validate("analysis.code.requested.v1", missing)
	require.False(t, res.Valid)
	assert.Equal(t, ReasonCodeAnalysisKeys, res.Reason)
}

func TestValidateMissingPayload(t *testing.T) {
	env := Envelope{CorrelationID: "corr-1", EventType: TypeEnrichDocumentRequested}
	res := Validate(TopicEnrichmentRequested, env)
	require.False(t, res.Valid)
	assert.Equal(t, ReasonMissingPayload, res.Reason)

	env.Payload = json.RawMessage(`[1,2,3]`)
	res = Validate(TopicEnrichmentRequested, env)
	require.False(t, res.Valid)
	assert.Equal(t, ReasonMissingPayload, res.Reason)
}

func TestValidateIndexProject(t *testing.T) {
	env := envelopeWith(t, TypeIndexProjectRequested, map[string]any{
		"project_name": "demo",
		"files": []map[string]any{
			{"file_path": "/a.py", "content": "x"},
		},
	})
	assert.True(t, Validate(TopicIndexProjectRequested, env).Valid)

	noContent := envelopeWith(t, TypeIndexProjectRequested, map[string]any{
		"project_name": "demo",
		"files":        []map[string]any{{"file_path": "/a.py"}},
	})
	res := Validate(TopicIndexProjectRequested, noContent)
	require.False(t, res.Valid)
	assert.Equal(t, ReasonIndexProjectKeys, res.Reason)
}

func TestValidateLifecyclePassThrough(t *testing.T) {
	env := envelopeWith(t, TypeFileCompleted, map[string]any{"counts": map[string]int{}})
	res := Validate(TopicEnrichmentCompleted, env)
	assert.True(t, res.Valid)
	assert.True(t, res.PassThrough)
}

func TestValidateUnrecognised(t *testing.T) {
	env := envelopeWith(t, "mystery-event", map[string]any{"x": 1})
	res := Validate("mystery.topic.v1", env)
	require.False(t, res.Valid)
	assert.Equal(t, ReasonUnrecognised, res.Reason)
}

func TestFilesNormalisesBatch(t *testing.T) {
	env := envelopeWith(t, TypeIndexProjectRequested, map[string]any{
		"project_name": "demo",
		"project_root": "/repo",
		"files": []map[string]any{
			{"file_path": "/repo/a.py", "content": "x"},
			{"source_path": "/repo/b.py", "content": "y"},
		},
	})
	files, err := Files(env)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "/repo/a.py", files[0].FilePath)
	assert.Equal(t, "demo", files[0].ProjectName)
	assert.Equal(t, "/repo", files[0].ProjectRoot)
	assert.Equal(t, "/repo/b.py", files[1].FilePath, "source_path alias folded")
}

func TestCorrelationIDPropagation(t *testing.T) {
	done, err := NewFileCompleted("corr-42", "demo", "/a.py", Counts{FilesIndexed: 1}, 0, "async_bus")
	require.NoError(t, err)
	assert.Equal(t, "corr-42", done.CorrelationID)

	failed, err := NewProjectFailed("corr-42", "demo", "store unreachable")
	require.NoError(t, err)
	assert.Equal(t, "corr-42", failed.CorrelationID)
}

func TestParseRoundTrip(t *testing.T) {
	env := envelopeWith(t, TypeEnrichDocumentRequested, map[string]any{
		"file_path": "/a.py", "content": "x", "project_name": "demo",
	})
	raw, err := env.Encode()
	require.NoError(t, err)
	back, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, env.CorrelationID, back.CorrelationID)
	assert.Equal(t, env.EventType, back.EventType)
	assert.ElementsMatch(t, []string{"file_path", "content", "project_name"}, back.PayloadKeys())
}
