package kioku

import "context"

// EmbeddingProvider generates vector embeddings from text.
// When provided via WithEmbeddingProvider, replaces the auto-detected
// Ollama/OpenAI/noop provider. Uses []float32 (not pgvector.Vector) so
// external consumers do not inherit the pgvector dependency; New() wraps it
// in an adapter for internal use.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// LLMProvider generates persona replies.
// When provided via WithLLMProvider, replaces the auto-detected
// Ollama/OpenAI/noop provider. Stream calls onChunk for each delta and
// returns the full assembled reply.
type LLMProvider interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
	Stream(ctx context.Context, req CompletionRequest, onChunk func(chunk string) error) (string, error)
	Name() string
}
