package core

import "context"

// EmbeddingProvider turns text into fixed-dimension vectors. Implementations
// wrap an external service and should honor ctx cancellation; the pipeline
// bounds each call with a timeout.
type EmbeddingProvider interface {
	// Embed returns the vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns one vector per input text, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}
