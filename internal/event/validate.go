package event

import (
	"encoding/json"
	"strings"
)

// Validation outcome reasons. by_reason metric keys preserve these full
// messages, so they are constants rather than formatted strings.
const (
	ReasonMissingPayload   = "missing or invalid payload object"
	ReasonLegacyOnEnrich   = "Old code-analysis schema detected in enrichment topic"
	ReasonCodeAnalysisKeys = "code-analysis payload missing file_path/content"
	ReasonEnrichKeys       = "enrichment payload missing file_path/content/project_name"
	ReasonBatchEntryKeys   = "batch entry missing file_path/content/project_name"
	ReasonIndexProjectKeys = "index-project payload missing files with inline content"
	ReasonUnrecognised     = "unrecognised_event"
)

// Result is the validator's verdict for one message.
type Result struct {
	Valid bool
	// Reason is set when Valid is false and becomes the by_reason bucket.
	Reason string
	// PassThrough marks recognised lifecycle events that carry no work
	// (completions, failures). They are valid but not dispatched.
	PassThrough bool
}

func invalid(reason string) Result { return Result{Reason: reason} }

// Validate classifies an envelope by topic and event type and enforces the
// minimal structural invariants before the orchestrator is invoked.
//
// Invalid messages are skipped and counted — never retried, never dead-
// lettered. Transient I/O failures are a different taxonomy handled by the
// orchestrator's retry policy.
func Validate(topic string, env Envelope) Result {
	payload, ok := payloadObject(env.Payload)

	switch env.EventType {
	case TypeCodeAnalysisRequested:
		if !ok {
			return invalid(ReasonMissingPayload)
		}
		if isEnrichmentTopic(topic) {
			// Legacy producers keep replaying the old code-analysis
			// schema onto enrichment topics; classify distinctly so
			// the producer can be tracked down.
			return invalid(ReasonLegacyOnEnrich)
		}
		if !hasPath(payload) || !hasKey(payload, "content") {
			return invalid(ReasonCodeAnalysisKeys)
		}
		return Result{Valid: true}

	case TypeEnrichDocumentRequested:
		if !ok {
			return invalid(ReasonMissingPayload)
		}
		if hasKey(payload, "files") {
			return validateBatch(payload)
		}
		if legacyCodeAnalysisShape(payload) {
			return invalid(ReasonLegacyOnEnrich)
		}
		if !hasKey(payload, "file_path") || !hasKey(payload, "content") || !hasKey(payload, "project_name") {
			return invalid(ReasonEnrichKeys)
		}
		return Result{Valid: true}

	case TypeIndexProjectRequested:
		if !ok {
			return invalid(ReasonMissingPayload)
		}
		return validateIndexProject(payload)

	default:
		if isLifecycleType(env.EventType) {
			// Completions and failures pass through without payload
			// validation; the runtime does not act on them.
			return Result{Valid: true, PassThrough: true}
		}
		return invalid(ReasonUnrecognised)
	}
}

func validateBatch(payload map[string]json.RawMessage) Result {
	var files []map[string]json.RawMessage
	if err := json.Unmarshal(payload["files"], &files); err != nil {
		return invalid(ReasonIndexProjectKeys)
	}
	for _, f := range files {
		if !hasKey(f, "file_path") || !hasKey(f, "content") || !hasKey(f, "project_name") {
			return invalid(ReasonBatchEntryKeys)
		}
	}
	// A batch of zero files is valid; it completes with zero counts.
	return Result{Valid: true}
}

func validateIndexProject(payload map[string]json.RawMessage) Result {
	if !hasKey(payload, "project_name") || !hasKey(payload, "files") {
		return invalid(ReasonIndexProjectKeys)
	}
	var files []map[string]json.RawMessage
	if err := json.Unmarshal(payload["files"], &files); err != nil {
		return invalid(ReasonIndexProjectKeys)
	}
	for _, f := range files {
		if !hasPath(f) || !hasKey(f, "content") {
			return invalid(ReasonIndexProjectKeys)
		}
	}
	return Result{Valid: true}
}

// legacyCodeAnalysisShape detects the old analysis payload (source_path but
// none of the enrichment fields) riding an enrich-document event.
func legacyCodeAnalysisShape(payload map[string]json.RawMessage) bool {
	return hasKey(payload, "source_path") &&
		!hasKey(payload, "file_path") &&
		!hasKey(payload, "project_name")
}

func isEnrichmentTopic(topic string) bool {
	return strings.HasPrefix(topic, "enrichment.")
}

func isLifecycleType(eventType string) bool {
	return strings.HasSuffix(eventType, "-completed") || strings.HasSuffix(eventType, "-failed")
}

func payloadObject(raw json.RawMessage) (map[string]json.RawMessage, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return nil, false
	}
	return m, true
}

func hasKey(m map[string]json.RawMessage, key string) bool {
	v, ok := m[key]
	return ok && string(v) != "null"
}

// hasPath accepts file_path or the legacy source_path alias.
func hasPath(m map[string]json.RawMessage) bool {
	return hasKey(m, "file_path") || hasKey(m, "source_path")
}
