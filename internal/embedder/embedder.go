// Package embedder provides clients that convert text into dense vector
// embeddings. Each implementation talks to a different backend (OpenAI,
// Azure OpenAI, Ollama) via plain HTTP — no additional SDK dependencies are
// required.
package embedder

import "context"

// Client converts text into embeddings.
type Client interface {
	// Embed converts a batch of texts into their embeddings. The returned
	// slice is parallel to the input slice.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Identity returns a stable identifier of the backend, model, and vector
	// size ("ollama/nomic-embed-text/768"). Stored embeddings and caches are
	// only comparable when produced under the same identity.
	Identity() string
}
