package embedding

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"lukechampine.com/blake3"
)

// HashEngine produces deterministic pseudo-embeddings derived from a
// BLAKE3 XOF over the text. No semantic meaning, but identical input
// yields identical vectors, which is exactly what the idempotence
// contract and the test suite need when no embedding service exists.
type HashEngine struct {
	dimensions int
}

// NewHashEngine creates a deterministic engine of the given dimension.
func NewHashEngine(dimensions int) *HashEngine {
	if dimensions <= 0 {
		dimensions = 768
	}
	return &HashEngine{dimensions: dimensions}
}

// Embed derives a unit-normalised vector from the text.
func (e *HashEngine) Embed(_ context.Context, text string) ([]float32, error) {
	h := blake3.New(32, nil)
	h.Write([]byte(text))
	xof := h.XOF()

	buf := make([]byte, 4)
	vec := make([]float32, e.dimensions)
	var norm float64
	for i := range vec {
		if _, err := xof.Read(buf); err != nil {
			return nil, fmt.Errorf("embedding: hash xof: %w", err)
		}
		// Map 32 bits into [-1, 1).
		v := float64(int32(binary.LittleEndian.Uint32(buf))) / float64(math.MaxInt32)
		vec[i] = float32(v)
		norm += v * v
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}

// EmbedBatch embeds each text independently.
func (e *HashEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (e *HashEngine) Dimensions() int { return e.dimensions }

func (e *HashEngine) Name() string { return fmt.Sprintf("hash:%d", e.dimensions) }
