// Package embedder defines the contract for the external embedding
// collaborator.
//
// The engine never computes embeddings itself; it calls a Provider with a
// bounded timeout and treats failures as recoverable (the coherence gate
// fails open, the search cache falls through to a fresh search).
package embedder

import "context"

// Provider converts text into vector embeddings.
type Provider interface {
	// Embed converts a text string into a vector embedding.
	//
	// Implementations must honor ctx cancellation; callers always pass
	// a deadline-bounded context.
	Embed(ctx context.Context, text string) ([]float64, error)

	// EmbedBatch converts multiple texts into embeddings in one round
	// trip. The result order matches the input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)

	// Dimensions returns the dimension of vectors produced by this
	// provider.
	Dimensions() int

	// Close releases provider resources.
	Close() error
}
