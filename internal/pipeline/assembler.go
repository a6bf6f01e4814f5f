package pipeline

import (
	"fmt"
	"strings"

	"github.com/kfujino/retrieverd/internal/retrieval"
)

// AssemblerConfig bounds the final result set.
type AssemblerConfig struct {
	// TotalCap is the maximum number of candidates in the final result.
	TotalCap int

	// SourceCaps bounds candidates per source type independently. A source
	// type with no entry is limited only by TotalCap.
	SourceCaps map[retrieval.SourceType]int

	// SnippetLength is the maximum citation snippet length in runes.
	SnippetLength int
}

// DefaultAssemblerConfig returns a 20-candidate result with 300-rune
// snippets and no per-source caps.
func DefaultAssemblerConfig() AssemblerConfig {
	return AssemblerConfig{TotalCap: 20, SnippetLength: 300}
}

// Assemble applies the per-source-type caps and the total cap to the
// reranked list, preserving relative order, and derives a citation per
// retained candidate. Excess candidates are dropped lowest-ranked first
// within each source type, which falls out of walking the list in rank
// order and skipping once a type's cap is full.
func Assemble(reranked []retrieval.RerankedCandidate, cfg AssemblerConfig) ([]retrieval.RerankedCandidate, []retrieval.Citation) {
	totalCap := cfg.TotalCap
	if totalCap <= 0 {
		totalCap = 20
	}
	snippetLen := cfg.SnippetLength
	if snippetLen <= 0 {
		snippetLen = 300
	}

	perSource := make(map[retrieval.SourceType]int, len(cfg.SourceCaps))
	retained := make([]retrieval.RerankedCandidate, 0, totalCap)
	citations := make([]retrieval.Citation, 0, totalCap)

	for _, rc := range reranked {
		if len(retained) >= totalCap {
			break
		}
		if limit, capped := cfg.SourceCaps[rc.Source]; capped && perSource[rc.Source] >= limit {
			continue
		}
		perSource[rc.Source]++

		rc.Trace(retrieval.StageAssemble, "retained")
		retained = append(retained, rc)
		citations = append(citations, retrieval.Citation{
			Source:     rc.Source,
			Descriptor: describeSource(&rc),
			Snippet:    truncateSnippet(rc.Content, snippetLen),
			Confidence: clamp01(rc.RelevanceScore),
			Provenance: rc.Provenance,
		})
	}

	return retained, citations
}

// describeSource derives a human-readable source descriptor from candidate
// metadata, preferring title and URL, falling back to the adapter-scoped
// content ID.
func describeSource(rc *retrieval.RerankedCandidate) string {
	title := rc.Metadata["title"]
	url := rc.Metadata["url"]
	page := rc.Metadata["page"]

	var sb strings.Builder
	switch {
	case title != "" && url != "":
		sb.WriteString(title)
		sb.WriteString(" (")
		sb.WriteString(url)
		sb.WriteString(")")
	case title != "":
		sb.WriteString(title)
	case url != "":
		sb.WriteString(url)
	default:
		sb.WriteString(fmt.Sprintf("%s/%s", rc.Adapter, rc.ID))
	}
	if page != "" {
		sb.WriteString(", p. ")
		sb.WriteString(page)
	}
	return sb.String()
}

// truncateSnippet bounds a snippet to n runes, appending an ellipsis when
// content was cut.
func truncateSnippet(content string, n int) string {
	runes := []rune(content)
	if len(runes) <= n {
		return content
	}
	return string(runes[:n]) + "..."
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
