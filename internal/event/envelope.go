// Package event defines the bus envelope shared by every codegraph topic and
// the schema validator that decides whether a raw message is processable,
// quarantined, or passed through.
//
// The envelope is deliberately minimal: correlation_id, event_type, topic,
// timestamp, payload. The correlation id is attached when an ingestion is
// initiated and copied unchanged onto every derived message and log line.
package event

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Logical topic names.
const (
	TopicEnrichmentRequested   = "enrichment.file.requested.v1"
	TopicEnrichmentCompleted   = "enrichment.file.completed.v1"
	TopicEnrichmentFailed      = "enrichment.file.failed.v1"
	TopicIndexProjectRequested = "tree.index-project.requested.v1"
	TopicIndexProjectCompleted = "tree.index-project.completed.v1"
	TopicIndexProjectFailed    = "tree.index-project.failed.v1"
)

// Event types carried in the envelope.
const (
	TypeCodeAnalysisRequested   = "code-analysis-requested"
	TypeEnrichDocumentRequested = "enrich-document-requested"
	TypeIndexProjectRequested   = "tree.index-project-requested"
	TypeFileCompleted           = "enrich-document-completed"
	TypeFileFailed              = "enrich-document-failed"
	TypeIndexProjectCompleted   = "index-project-completed"
	TypeIndexProjectFailed      = "index-project-failed"
)

// Envelope is the wire format for every message on every topic.
type Envelope struct {
	CorrelationID string          `json:"correlation_id"`
	EventType     string          `json:"event_type"`
	Topic         string          `json:"topic,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// New builds an envelope with a fresh v4 correlation id.
func New(eventType, topic string, payload any) (Envelope, error) {
	return Derive(uuid.NewString(), eventType, topic, payload)
}

// Derive builds an envelope that inherits an existing correlation id.
// Every event derived from an ingest request must carry the request's id.
func Derive(correlationID, eventType, topic string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("event: marshal payload: %w", err)
	}
	return Envelope{
		CorrelationID: correlationID,
		EventType:     eventType,
		Topic:         topic,
		Timestamp:     time.Now().UTC(),
		Payload:       raw,
	}, nil
}

// Parse decodes a raw bus message. A message that is not JSON, or whose
// envelope fields are structurally broken, is not processable at all; the
// caller skips it with the decode reason.
func Parse(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("event: undecodable envelope: %w", err)
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	if env.CorrelationID == "" {
		// A producer that omits the correlation id still gets traced;
		// the id is minted here and stays stable for this message's run.
		env.CorrelationID = uuid.NewString()
	}
	return env, nil
}

// Encode serialises the envelope for the bus.
func (e Envelope) Encode() ([]byte, error) {
	e.Timestamp = e.Timestamp.UTC()
	return json.Marshal(e)
}

// PayloadKeys returns the top-level keys of the payload object, sorted,
// used in validation warnings so operators can see what the producer
// actually sent.
func (e Envelope) PayloadKeys() []string {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(e.Payload, &m); err != nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
