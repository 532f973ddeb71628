package embeddings

import (
	"context"
	"strings"
)

// Embedder produces vectors for documents and queries.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Provider is an Embedder with a known output dimension.
type Provider interface {
	Embedder
	// Dimension returns the embedding dimension for the current model.
	Dimension() int
	// Close releases resources held by the provider.
	Close() error
}

var knownDimensions = map[string]int{
	"baai/bge-small-en-v1.5":                 384,
	"baai/bge-base-en-v1.5":                  768,
	"baai/bge-large-en-v1.5":                 1024,
	"sentence-transformers/all-minilm-l6-v2": 384,
	"nomic-ai/nomic-embed-text-v1.5":         768,
}

// DimensionForModel returns the embedding dimension for a model name.
// Unknown models fall back on size hints in the name, then 384.
func DimensionForModel(model string) int {
	lower := strings.ToLower(model)
	if dim, ok := knownDimensions[lower]; ok {
		return dim
	}
	switch {
	case strings.Contains(lower, "large"):
		return 1024
	case strings.Contains(lower, "base"):
		return 768
	default:
		return 384
	}
}
