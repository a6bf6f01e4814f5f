// Package adapter defines the uniform source adapter contract and the
// concrete adapters that wrap each retrieval backend (vector index,
// full-text index, graph traversal, live connector).
package adapter

import (
	"context"

	"github.com/kfujino/retrieverd/internal/retrieval"
)

// Descriptor advertises an adapter's identity and score semantics so the
// pipeline can authorize, normalize, and fuse its output.
type Descriptor struct {
	// Name uniquely identifies the adapter instance within a deployment.
	Name string

	// Source is the backend kind this adapter wraps.
	Source retrieval.SourceType

	// Semantics describes the score space of returned candidates.
	Semantics retrieval.ScoreSemantics

	// RequiredScope is the read permission a caller must present for this
	// adapter to be queried on its behalf. Empty means no extra permission
	// beyond tenant membership.
	RequiredScope string

	// Streaming reports whether the adapter can stream partial results.
	// All current adapters are batch-only; the dispatcher treats streaming
	// adapters identically but logs the capability.
	Streaming bool
}

// Adapter wraps one retrieval backend. Implementations own their network
// and database calls entirely; the pipeline treats them as black boxes
// that may fail, time out, or return nothing.
//
// Fetch must respect ctx: when the deadline passes it returns whatever
// partial results it has (possibly none) together with the context error
// instead of blocking. Returned candidates must already be restricted to
// the query's tenant; the pipeline re-checks regardless.
type Adapter interface {
	Describe() Descriptor
	Fetch(ctx context.Context, query *retrieval.Query) ([]retrieval.Candidate, error)
}
