package pipeline

import (
	"github.com/kfujino/retrieverd/internal/retrieval"
)

// Dedup collapses fused candidates that share a content fingerprint,
// keeping the first (highest-ranked, since the input preserves fused
// order) instance per fingerprint and merging the discarded instances'
// provenance and adapter sets into the survivor. Fingerprints are already
// tenant-qualified, so content identical across tenants never collapses.
//
// Runs in O(n) over a fingerprint-keyed map and preserves the fused
// ranking order; running it twice on its own output changes nothing.
func Dedup(fused []retrieval.FusedCandidate) []retrieval.FusedCandidate {
	if len(fused) <= 1 {
		for i := range fused {
			fused[i].Trace(retrieval.StageDedup, "unique")
		}
		return fused
	}

	out := make([]retrieval.FusedCandidate, 0, len(fused))
	survivors := make(map[string]int, len(fused)) // fingerprint -> index in out

	for _, fc := range fused {
		idx, seen := survivors[fc.Fingerprint]
		if !seen {
			fc.Trace(retrieval.StageDedup, "survivor")
			survivors[fc.Fingerprint] = len(out)
			out = append(out, fc)
			continue
		}

		// Merge the duplicate into its survivor: provenance is appended so
		// the audit trail shows every path the content took, and the
		// adapter set is unioned to keep fan-in accurate.
		survivor := &out[idx]
		survivor.Provenance = append(survivor.Provenance, fc.Provenance...)
		survivor.Adapters = unionAdapters(survivor.Adapters, fc.Adapters)
	}

	return out
}

// unionAdapters merges b into a, preserving a's order and appending names
// from b that a lacks.
func unionAdapters(a, b []string) []string {
	seen := make(map[string]struct{}, len(a))
	for _, name := range a {
		seen[name] = struct{}{}
	}
	for _, name := range b {
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			a = append(a, name)
		}
	}
	return a
}
