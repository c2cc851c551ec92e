// Package search defines the contract for the external vector-search
// collaborator.
//
// The engine never indexes vectors itself; pre-indexed organizational
// knowledge and per-meeting content live in whatever backend the embedding
// application wires in.
package search

import "context"

// Scope identifies the tenancy boundary a search runs inside. Results from
// one scope must never leak into another.
type Scope struct {
	// OrganizationID is the owning organization.
	OrganizationID string `json:"organization_id"`

	// ProjectID is the owning project within the organization.
	ProjectID string `json:"project_id"`
}

// Equal reports whether two scopes refer to the same tenancy boundary.
func (s Scope) Equal(other Scope) bool {
	return s.OrganizationID == other.OrganizationID && s.ProjectID == other.ProjectID
}

// Hit is one ranked search result.
type Hit struct {
	// ID identifies the matched document or chunk.
	ID string `json:"id"`

	// Score is the similarity score (higher is better).
	Score float64 `json:"score"`

	// Payload carries backend-specific fields (source text, titles,
	// document references).
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Options contains search parameters.
type Options struct {
	// Limit caps the number of results.
	Limit int

	// ScoreThreshold drops results scoring below it.
	ScoreThreshold float64

	// Filters provides additional backend-specific filters
	// (e.g. restricting to one meeting's content).
	Filters map[string]interface{}
}

// Engine performs vector similarity search over indexed content.
type Engine interface {
	// Search returns ranked hits for the query vector within the scope.
	Search(ctx context.Context, vector []float64, scope Scope, opts *Options) ([]*Hit, error)
}

// Func adapts a plain function to the Engine interface.
type Func func(ctx context.Context, vector []float64, scope Scope, opts *Options) ([]*Hit, error)

// Search implements Engine.
func (f Func) Search(ctx context.Context, vector []float64, scope Scope, opts *Options) ([]*Hit, error) {
	return f(ctx, vector, scope, opts)
}
