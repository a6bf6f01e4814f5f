// Package reranker provides second-pass scoring over fused retrieval
// candidates.
//
// Three interchangeable strategies exist, selected per query or per
// deployment rather than hardwired:
//
//   - cross-encoder: an external service jointly scores (query, content)
//     pairs. Highest quality, adds a network round trip.
//   - mmr: Maximal Marginal Relevance, a diversity-aware greedy reorder
//     that trades relevance against similarity to already-picked results.
//   - none: identity, for when the latency budget cannot absorb a second
//     pass.
//
// A reranker failure is never fatal: the pipeline falls back to the fused
// order and flags the result as degraded.
package reranker

import (
	"context"
	"fmt"

	"github.com/kfujino/retrieverd/internal/retrieval"
)

// Strategy names the reranking variant to apply.
type Strategy string

const (
	StrategyNone         Strategy = "none"
	StrategyMMR          Strategy = "mmr"
	StrategyCrossEncoder Strategy = "cross_encoder"
)

// ParseStrategy validates a strategy name, defaulting empty to none.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "":
		return StrategyNone, nil
	case StrategyNone, StrategyMMR, StrategyCrossEncoder:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown reranker strategy %q", s)
}

// Reranker reorders the top fused candidates. Implementations receive only
// the slice the pipeline wants reranked; candidates beyond the top-N cut
// never reach a reranker.
type Reranker interface {
	Rerank(ctx context.Context, query *retrieval.Query, candidates []retrieval.FusedCandidate) ([]retrieval.RerankedCandidate, error)
}

// Passthrough is the identity reranker: fused order in, fused order out.
type Passthrough struct{}

// NewPassthrough returns the identity reranker.
func NewPassthrough() *Passthrough { return &Passthrough{} }

// Rerank maps each fused candidate to a reranked candidate whose relevance
// score is its fused score, preserving order.
func (p *Passthrough) Rerank(_ context.Context, _ *retrieval.Query, candidates []retrieval.FusedCandidate) ([]retrieval.RerankedCandidate, error) {
	out := make([]retrieval.RerankedCandidate, len(candidates))
	for i, fc := range candidates {
		out[i] = retrieval.RerankedCandidate{
			FusedCandidate: fc,
			RelevanceScore: fc.FusedScore,
		}
	}
	return out, nil
}

// Ensure Passthrough implements Reranker.
var _ Reranker = (*Passthrough)(nil)
