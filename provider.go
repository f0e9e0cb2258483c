package cell

import "context"

// Provider abstracts the LLM backend.
type Provider interface {
	// Exec sends the messages and returns a complete response.
	Exec(ctx context.Context, messages []ChatMessage) (Completion, error)
	// TokenCount returns the model token cost of the messages.
	TokenCount(ctx context.Context, messages []ChatMessage) (int, error)
	// Name returns the provider name (e.g. "openai", "local").
	Name() string
}

// Encoder abstracts text embedding.
type Encoder interface {
	// Embed returns embedding vectors for the given texts.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the embedding vector size.
	Dimensions() int
	// Name returns the encoder name.
	Name() string
}

// Splitter divides text into retrieval sections suitable for embedding.
// The split package provides the default implementation.
type Splitter interface {
	Split(text string) []string
}
