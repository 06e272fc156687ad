package embedding

import (
	"context"
	"fmt"
	"os"

	"google.golang.org/genai"
)

// GenAIEngine generates embeddings using Google's Gemini API. Document
// vectors use the retrieval-document task type since everything embedded
// here is stored for later retrieval by path or similarity.
type GenAIEngine struct {
	client     *genai.Client
	model      string
	dimensions int
}

// NewGenAIEngine creates a GenAI-backed engine. The API key comes from
// GEMINI_API_KEY, matching the client library's own convention.
func NewGenAIEngine(ctx context.Context, model string, dimensions int) (*GenAIEngine, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("embedding: GEMINI_API_KEY is required for the genai provider")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}
	if dimensions <= 0 {
		dimensions = 768
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("embedding: create genai client: %w", err)
	}
	return &GenAIEngine{client: client, model: model, dimensions: dimensions}, nil
}

// Embed generates an embedding for a single text.
func (e *GenAIEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch uses the API's native batch support.
func (e *GenAIEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	dim := int32(e.dimensions)
	result, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
		TaskType:             "RETRIEVAL_DOCUMENT",
		OutputDimensionality: &dim,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: genai embed: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding: genai returned %d embeddings for %d texts", len(result.Embeddings), len(texts))
	}

	out := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		if len(emb.Values) != e.dimensions {
			return nil, fmt.Errorf("embedding: genai returned %d dimensions, expected %d", len(emb.Values), e.dimensions)
		}
		out[i] = emb.Values
	}
	return out, nil
}

func (e *GenAIEngine) Dimensions() int { return e.dimensions }

func (e *GenAIEngine) Name() string { return fmt.Sprintf("genai:%s", e.model) }
