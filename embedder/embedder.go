// Package embedder defines text-to-vector conversion. Embedding
// computation is an external capability; the engine only depends on this
// interface and degrades when it fails.
//
// Implementations: mock (deterministic, offline), onnx (local model,
// build tag "onnx"), or any API-backed embedder supplied by the caller.
package embedder

import "context"

// Embedder converts text to a vector suitable for similarity search.
type Embedder interface {
	// Embed converts a single text to an embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int
}
