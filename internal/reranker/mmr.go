package reranker

import (
	"context"
	"math"

	"github.com/kfujino/retrieverd/internal/retrieval"
)

// DefaultMMRLambda balances relevance and diversity equally.
const DefaultMMRLambda = 0.5

// MMR implements Maximal Marginal Relevance reranking: greedy selection
// where each step picks the remaining candidate maximizing
//
//	lambda*relevance - (1-lambda)*maxSimilarityToSelected
//
// relevance is the candidate's fused score (already normalized to [0,1]);
// similarity is cosine over candidate content embeddings. lambda=1
// degenerates to plain relevance ranking, lambda=0 maximizes diversity
// after the first pick.
//
// Reference: Carbonell & Goldstein (1998).
type MMR struct {
	lambda float64
}

// NewMMR returns an MMR reranker. lambda outside [0,1] falls back to the
// default 0.5.
func NewMMR(lambda float64) *MMR {
	if lambda < 0 || lambda > 1 {
		lambda = DefaultMMRLambda
	}
	return &MMR{lambda: lambda}
}

// Rerank greedily reorders the candidates. MMR never drops anything: it
// runs until the input is exhausted, so the output is a permutation of the
// input with diversity penalties recorded.
func (m *MMR) Rerank(_ context.Context, _ *retrieval.Query, candidates []retrieval.FusedCandidate) ([]retrieval.RerankedCandidate, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	remaining := make([]retrieval.FusedCandidate, len(candidates))
	copy(remaining, candidates)

	selected := make([]retrieval.RerankedCandidate, 0, len(candidates))
	for len(remaining) > 0 {
		bestIdx := 0
		bestScore := math.Inf(-1)
		bestPenalty := 0.0

		for i, cand := range remaining {
			relevance := cand.FusedScore

			maxSim := 0.0
			if len(selected) > 0 && len(cand.Vector) > 0 {
				for _, s := range selected {
					if len(s.Vector) == 0 {
						continue
					}
					if sim := cosineSimilarity(cand.Vector, s.Vector); sim > maxSim {
						maxSim = sim
					}
				}
			}

			penalty := (1 - m.lambda) * maxSim
			score := m.lambda*relevance - penalty
			if score > bestScore {
				bestScore = score
				bestIdx = i
				bestPenalty = penalty
			}
		}

		pick := remaining[bestIdx]
		selected = append(selected, retrieval.RerankedCandidate{
			FusedCandidate:   pick,
			RelevanceScore:   pick.FusedScore,
			DiversityPenalty: bestPenalty,
			Reranked:         true,
		})
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}

	return selected, nil
}

// cosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched lengths or zero vectors yield 0.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Ensure MMR implements Reranker.
var _ Reranker = (*MMR)(nil)
