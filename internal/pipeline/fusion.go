package pipeline

import (
	"fmt"
	"sort"

	"github.com/kfujino/retrieverd/internal/retrieval"
)

// FusionAlgorithm selects how per-adapter scores merge into one ranking.
type FusionAlgorithm string

const (
	// FusionRRF is reciprocal rank fusion: rank positions only, raw score
	// magnitudes are ignored.
	FusionRRF FusionAlgorithm = "rrf"

	// FusionWeighted min-max normalizes each adapter's raw scores to [0,1]
	// and combines them with per-source-type weights.
	FusionWeighted FusionAlgorithm = "weighted"
)

// DefaultRRFK is the standard RRF smoothing constant; k=60 is the
// empirically validated default across search engines.
const DefaultRRFK = 60

// FusionConfig holds the single configured fusion choice. Exactly one
// algorithm applies per query; weights are consulted only for weighted
// fusion and k only for RRF, so the two defaults can never conflict.
type FusionConfig struct {
	Algorithm FusionAlgorithm
	RRFK      int
	Weights   map[retrieval.SourceType]float64
}

// DefaultFusionConfig returns RRF with k=60.
func DefaultFusionConfig() FusionConfig {
	return FusionConfig{Algorithm: FusionRRF, RRFK: DefaultRRFK}
}

// Validate checks the configuration is usable.
func (c FusionConfig) Validate() error {
	switch c.Algorithm {
	case FusionRRF, FusionWeighted:
	default:
		return fmt.Errorf("unknown fusion algorithm %q", c.Algorithm)
	}
	if c.Algorithm == FusionWeighted && len(c.Weights) == 0 {
		return fmt.Errorf("weighted fusion requires per-source weights")
	}
	return nil
}

// Fuse merges candidates from N independently-ranked adapter lists into
// one ranking. It is a pure function of its inputs: candidates are grouped
// back into per-adapter lists (the input preserves each adapter's own
// order), scored by fingerprint, and emitted sorted by fused score with
// deterministic tie-breaks: higher fan-in first, then earliest adapter
// arrival, then candidate ID.
//
// Fused scores are normalized so the top candidate scores 1.0, which keeps
// downstream confidence values and MMR relevance in a fixed range.
func Fuse(candidates []retrieval.Candidate, cfg FusionConfig) []retrieval.FusedCandidate {
	if len(candidates) == 0 {
		return nil
	}

	// Rebuild per-adapter ranked lists, preserving input order.
	adapterOrder := make([]string, 0, 4)
	lists := make(map[string][]retrieval.Candidate)
	for _, c := range candidates {
		if _, seen := lists[c.Adapter]; !seen {
			adapterOrder = append(adapterOrder, c.Adapter)
		}
		lists[c.Adapter] = append(lists[c.Adapter], c)
	}

	scores := make(map[string]float64, len(candidates))
	switch cfg.Algorithm {
	case FusionWeighted:
		weights := effectiveWeights(cfg.Weights, candidates)
		for _, name := range adapterOrder {
			list := lists[name]
			norms := minMaxNormalize(list)
			for i, c := range list {
				scores[c.Fingerprint] += weights[c.Source] * norms[i]
			}
		}
	default: // FusionRRF
		k := cfg.RRFK
		if k <= 0 {
			k = DefaultRRFK
		}
		for _, name := range adapterOrder {
			for rank, c := range lists[name] {
				scores[c.Fingerprint] += 1.0 / float64(k+rank+1)
			}
		}
	}

	// Fan-in bookkeeping per fingerprint: which adapters surfaced the
	// content and the earliest arrival across them.
	type group struct {
		adapters map[string]struct{}
		earliest int64 // UnixNano of earliest arrival
	}
	groups := make(map[string]*group, len(scores))
	for _, c := range candidates {
		g, ok := groups[c.Fingerprint]
		if !ok {
			g = &group{adapters: make(map[string]struct{}, 2), earliest: c.ArrivedAt.UnixNano()}
			groups[c.Fingerprint] = g
		}
		g.adapters[c.Adapter] = struct{}{}
		if at := c.ArrivedAt.UnixNano(); at < g.earliest {
			g.earliest = at
		}
	}

	fused := make([]retrieval.FusedCandidate, 0, len(candidates))
	for _, c := range candidates {
		g := groups[c.Fingerprint]
		adapters := make([]string, 0, len(g.adapters))
		for name := range g.adapters {
			adapters = append(adapters, name)
		}
		sort.Strings(adapters)

		fc := retrieval.FusedCandidate{
			Candidate:  c,
			FusedScore: scores[c.Fingerprint],
			Adapters:   adapters,
		}
		fc.Trace(retrieval.StageFusion, string(cfg.Algorithm))
		fused = append(fused, fc)
	}

	sort.SliceStable(fused, func(i, j int) bool {
		a, b := &fused[i], &fused[j]
		if a.FusedScore != b.FusedScore {
			return a.FusedScore > b.FusedScore
		}
		if a.FanIn() != b.FanIn() {
			return a.FanIn() > b.FanIn()
		}
		ea, eb := groups[a.Fingerprint].earliest, groups[b.Fingerprint].earliest
		if ea != eb {
			return ea < eb
		}
		return a.ID < b.ID
	})

	normalizeFused(fused)
	return fused
}

// effectiveWeights renormalizes the configured per-source weights over the
// source types actually present, so enabled sources always sum to 1.
// A source with no configured weight gets a small default so its
// candidates are not silently zeroed.
func effectiveWeights(configured map[retrieval.SourceType]float64, candidates []retrieval.Candidate) map[retrieval.SourceType]float64 {
	present := make(map[retrieval.SourceType]struct{})
	for _, c := range candidates {
		present[c.Source] = struct{}{}
	}

	weights := make(map[retrieval.SourceType]float64, len(present))
	total := 0.0
	for source := range present {
		w, ok := configured[source]
		if !ok || w <= 0 {
			w = 0.1
		}
		weights[source] = w
		total += w
	}
	if total > 0 {
		for source := range weights {
			weights[source] /= total
		}
	}
	return weights
}

// minMaxNormalize maps one adapter's raw scores to [0,1] within its own
// result set. A constant list normalizes to all ones.
func minMaxNormalize(list []retrieval.Candidate) []float64 {
	norms := make([]float64, len(list))
	if len(list) == 0 {
		return norms
	}
	lo, hi := float64(list[0].Score), float64(list[0].Score)
	for _, c := range list[1:] {
		s := float64(c.Score)
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	for i, c := range list {
		if hi == lo {
			norms[i] = 1.0
			continue
		}
		norms[i] = (float64(c.Score) - lo) / (hi - lo)
	}
	return norms
}

// normalizeFused scales fused scores so the maximum becomes 1.0. The list
// is already sorted descending, so the first element holds the maximum.
func normalizeFused(fused []retrieval.FusedCandidate) {
	if len(fused) == 0 {
		return
	}
	max := fused[0].FusedScore
	if max <= 0 {
		return
	}
	for i := range fused {
		fused[i].FusedScore /= max
	}
}
