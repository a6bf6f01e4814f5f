// Package retrieval defines the domain model shared by every stage of the
// retrieval pipeline: queries, candidates, fused and reranked candidates,
// citations, and the tenant scope that bounds all of them.
package retrieval

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrUnauthorized is returned when the caller's scope does not permit the
// requested retrieval. It is the only pipeline error surfaced to callers as
// a hard failure; everything else degrades the result instead.
var ErrUnauthorized = errors.New("authorization denied")

// SourceType identifies the kind of backend a candidate came from.
type SourceType string

const (
	SourceVector        SourceType = "vector"
	SourceFullText      SourceType = "fulltext"
	SourceGraph         SourceType = "graph"
	SourceLiveConnector SourceType = "connector"
)

// Valid reports whether s is one of the known source types.
func (s SourceType) Valid() bool {
	switch s {
	case SourceVector, SourceFullText, SourceGraph, SourceLiveConnector:
		return true
	}
	return false
}

// ScoreSemantics describes the score space an adapter reports in, so the
// fusion engine knows how to normalize.
type ScoreSemantics string

const (
	// ScoreSimilarity is a bounded [0,1] similarity (higher is better).
	ScoreSimilarity ScoreSemantics = "similarity"
	// ScoreRank is an unbounded relevance score (higher is better, no fixed range).
	ScoreRank ScoreSemantics = "rank"
	// ScoreDepth is an integer graph proximity depth (lower is closer;
	// adapters report it inverted so higher is still better).
	ScoreDepth ScoreSemantics = "depth"
)

// TenantScope is the isolation boundary for one query: the tenant the
// caller acts for plus the permission strings it presented. It is built
// once per request and never mutated afterwards.
type TenantScope struct {
	TenantID    uuid.UUID
	permissions map[string]struct{}
}

// NewTenantScope builds a scope from a tenant ID and presented permissions.
func NewTenantScope(tenantID uuid.UUID, permissions []string) TenantScope {
	perms := make(map[string]struct{}, len(permissions))
	for _, p := range permissions {
		perms[p] = struct{}{}
	}
	return TenantScope{TenantID: tenantID, permissions: perms}
}

// Covers reports whether the scope satisfies the given required permission.
// An empty requirement is always covered.
func (s TenantScope) Covers(required string) bool {
	if required == "" {
		return true
	}
	_, ok := s.permissions[required]
	return ok
}

// Permissions returns a copy of the presented permission strings.
func (s TenantScope) Permissions() []string {
	out := make([]string, 0, len(s.permissions))
	for p := range s.permissions {
		out = append(out, p)
	}
	return out
}

// Query is the immutable input to one pipeline invocation.
type Query struct {
	ID         uuid.UUID
	Text       string
	Expanded   []string   // optional pre-expanded search strings
	Categories []string   // optional taxonomy filter
	Scope      TenantScope
	Deadline   time.Time // absolute time by which the pipeline must return

	// Vector is the query embedding, computed once before dispatch and
	// shared read-only by the vector adapter and the MMR reranker.
	Vector []float32
}

// SearchStrings returns the effective search strings: the expanded set when
// present, otherwise the raw text.
func (q *Query) SearchStrings() []string {
	if len(q.Expanded) > 0 {
		return q.Expanded
	}
	return []string{q.Text}
}

// ProvenanceEntry records one processing step a candidate passed through.
type ProvenanceEntry struct {
	Stage  string    `json:"stage"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Pipeline stage names used in provenance chains and latency metrics.
const (
	StageAdapter  = "adapter"
	StageGuard    = "guard"
	StageDispatch = "dispatch"
	StageFusion   = "fusion"
	StageDedup    = "dedup"
	StageRerank   = "rerank"
	StageAssemble = "assemble"
)

// Candidate is one piece of retrieved content as an adapter produced it.
type Candidate struct {
	ID            string
	TenantID      uuid.UUID
	Source        SourceType
	Adapter       string
	Score         float32 // raw score, semantics defined by the adapter
	Content       string
	Metadata      map[string]string
	Vector        []float32 // content embedding when the backend stores one
	RequiredScope string    // read permission the caller must hold
	Provenance    []ProvenanceEntry
	Fingerprint   string
	ArrivedAt     time.Time // set by the dispatcher at collection
}

// Trace appends a provenance entry. It returns the candidate so adapters
// can chain it during construction.
func (c *Candidate) Trace(stage, detail string) *Candidate {
	c.Provenance = append(c.Provenance, ProvenanceEntry{
		Stage:  stage,
		Detail: detail,
		At:     time.Now(),
	})
	return c
}

// FusedCandidate wraps a Candidate with one comparable fused score and the
// set of adapters that independently surfaced it.
type FusedCandidate struct {
	Candidate
	FusedScore float64
	Adapters   []string // adapters that surfaced this content
}

// FanIn is the number of adapters that independently surfaced the candidate.
func (f *FusedCandidate) FanIn() int { return len(f.Adapters) }

// RerankedCandidate wraps a FusedCandidate with a second-pass relevance
// score and an optional diversity penalty.
type RerankedCandidate struct {
	FusedCandidate
	RelevanceScore   float64
	DiversityPenalty float64
	Reranked         bool // false for candidates passed through beyond top-N
}

// Citation is the caller-facing provenance record for one final candidate.
type Citation struct {
	Source     SourceType        `json:"source"`
	Descriptor string            `json:"descriptor"`
	Snippet    string            `json:"snippet"`
	Confidence float64           `json:"confidence"`
	Provenance []ProvenanceEntry `json:"provenance"`
}

// AdapterReport records one adapter's outcome for observability.
type AdapterReport struct {
	Adapter    string        `json:"adapter"`
	Source     SourceType    `json:"source"`
	Candidates int           `json:"candidates"`
	Latency    time.Duration `json:"latency"`
	Err        string        `json:"error,omitempty"`
	TimedOut   bool          `json:"timed_out,omitempty"`
}

// Metrics aggregates per-stage latencies and per-source counts for one
// pipeline invocation.
type Metrics struct {
	StageLatency map[string]time.Duration  `json:"stage_latency"`
	SourceCounts map[SourceType]int        `json:"source_counts"`
	Adapters     []AdapterReport           `json:"adapters"`
	Degraded     []string                  `json:"degraded,omitempty"` // e.g. "rerank_fallback"
	Total        time.Duration             `json:"total"`
}

// NewMetrics returns a Metrics with its maps initialized.
func NewMetrics() *Metrics {
	return &Metrics{
		StageLatency: make(map[string]time.Duration),
		SourceCounts: make(map[SourceType]int),
	}
}

// RetrievalResult is the ordered final output of one pipeline invocation.
type RetrievalResult struct {
	Candidates []RerankedCandidate
	Citations  []Citation
	Metrics    *Metrics
}

// Empty returns a result with no candidates but initialized metrics, used
// when every adapter failed or the deadline expired before any arrived.
func Empty() *RetrievalResult {
	return &RetrievalResult{Metrics: NewMetrics()}
}
