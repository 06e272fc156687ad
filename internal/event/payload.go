package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// FileSpec is one file to enrich, normalised from any of the accepted
// payload shapes. The record exists for the duration of a single pipeline
// run and is discarded after completion.
type FileSpec struct {
	FilePath    string `json:"file_path"`
	Content     string `json:"content"`
	ProjectName string `json:"project_name"`
	ProjectRoot string `json:"project_root,omitempty"`
	Language    string `json:"language,omitempty"`
	ModifiedAt  string `json:"modified_at,omitempty"`

	// SourcePath is the legacy alias; Files() folds it into FilePath.
	SourcePath string `json:"source_path,omitempty"`
}

type batchPayload struct {
	ProjectName string     `json:"project_name"`
	ProjectRoot string     `json:"project_root"`
	Files       []FileSpec `json:"files"`
}

// Files extracts the normalised file list from a validated envelope.
// Single-file payloads yield a one-element slice; batch and index-project
// payloads yield the full list with project metadata inherited where the
// per-file entry omits it.
func Files(env Envelope) ([]FileSpec, error) {
	switch env.EventType {
	case TypeCodeAnalysisRequested, TypeEnrichDocumentRequested:
		var single FileSpec
		if err := json.Unmarshal(env.Payload, &single); err != nil {
			return nil, fmt.Errorf("event: decode file payload: %w", err)
		}
		if single.FilePath == "" && single.SourcePath != "" {
			single.FilePath = single.SourcePath
		}
		if len(single.Content) > 0 || single.FilePath != "" {
			var batch batchPayload
			if err := json.Unmarshal(env.Payload, &batch); err == nil && len(batch.Files) > 0 {
				return inherit(batch), nil
			}
			single.SourcePath = ""
			return []FileSpec{single}, nil
		}
		var batch batchPayload
		if err := json.Unmarshal(env.Payload, &batch); err != nil {
			return nil, fmt.Errorf("event: decode batch payload: %w", err)
		}
		return inherit(batch), nil

	case TypeIndexProjectRequested:
		var batch batchPayload
		if err := json.Unmarshal(env.Payload, &batch); err != nil {
			return nil, fmt.Errorf("event: decode index-project payload: %w", err)
		}
		return inherit(batch), nil
	}
	return nil, fmt.Errorf("event: %s carries no files", env.EventType)
}

func inherit(batch batchPayload) []FileSpec {
	out := make([]FileSpec, 0, len(batch.Files))
	for _, f := range batch.Files {
		if f.FilePath == "" && f.SourcePath != "" {
			f.FilePath = f.SourcePath
		}
		f.SourcePath = ""
		if f.ProjectName == "" {
			f.ProjectName = batch.ProjectName
		}
		if f.ProjectRoot == "" {
			f.ProjectRoot = batch.ProjectRoot
		}
		out = append(out, f)
	}
	return out
}

// Counts summarises one pipeline run for completion events.
type Counts struct {
	FilesIndexed         int `json:"files_indexed"`
	FilesFailed          int `json:"files_failed"`
	EntitiesCreated      int `json:"entities_created"`
	RelationshipsCreated int `json:"relationships_created"`
	UnresolvedImports    int `json:"unresolved_imports"`
	VectorsUpserted      int `json:"vectors_upserted"`
}

// Add accumulates per-file counts into a run total.
func (c *Counts) Add(other Counts) {
	c.FilesIndexed += other.FilesIndexed
	c.FilesFailed += other.FilesFailed
	c.EntitiesCreated += other.EntitiesCreated
	c.RelationshipsCreated += other.RelationshipsCreated
	c.UnresolvedImports += other.UnresolvedImports
	c.VectorsUpserted += other.VectorsUpserted
}

type completionPayload struct {
	ProjectName string  `json:"project_name"`
	Counts      Counts  `json:"counts"`
	DurationMS  int64   `json:"duration_ms"`
	Mode        string  `json:"mode"`
	FilePath    string  `json:"file_path,omitempty"`
	Reason      string  `json:"reason,omitempty"`
	QualityMin  float64 `json:"-"`
}

// NewFileCompleted builds the per-file success event.
func NewFileCompleted(correlationID, project, path string, counts Counts, took time.Duration, mode string) (Envelope, error) {
	return Derive(correlationID, TypeFileCompleted, TopicEnrichmentCompleted, completionPayload{
		ProjectName: project,
		FilePath:    path,
		Counts:      counts,
		DurationMS:  took.Milliseconds(),
		Mode:        mode,
	})
}

// NewFileFailed builds the per-file terminal failure event.
func NewFileFailed(correlationID, project, path, reason string) (Envelope, error) {
	return Derive(correlationID, TypeFileFailed, TopicEnrichmentFailed, completionPayload{
		ProjectName: project,
		FilePath:    path,
		Reason:      reason,
	})
}

// NewProjectCompleted builds the project-level outcome event.
func NewProjectCompleted(correlationID, project string, counts Counts, took time.Duration, mode string) (Envelope, error) {
	return Derive(correlationID, TypeIndexProjectCompleted, TopicIndexProjectCompleted, completionPayload{
		ProjectName: project,
		Counts:      counts,
		DurationMS:  took.Milliseconds(),
		Mode:        mode,
	})
}

// NewProjectFailed builds the project-level failure event.
func NewProjectFailed(correlationID, project, reason string) (Envelope, error) {
	return Derive(correlationID, TypeIndexProjectFailed, TopicIndexProjectFailed, completionPayload{
		ProjectName: project,
		Reason:      reason,
	})
}
