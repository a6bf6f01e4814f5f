package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kfujino/retrieverd/internal/adapter"
	"github.com/kfujino/retrieverd/internal/reranker"
	"github.com/kfujino/retrieverd/internal/retrieval"
)

// buildPipeline wires fake adapters into a pipeline for end-to-end tests.
func buildPipeline(t *testing.T, fakes []*fakeAdapter, opts ...PipelineOption) *Pipeline {
	t.Helper()

	registry := adapter.NewRegistry()
	for _, f := range fakes {
		f := f
		if err := registry.Register(f.name, func(ctx context.Context) (adapter.Adapter, error) {
			return f, nil
		}); err != nil {
			t.Fatalf("register %q: %v", f.name, err)
		}
	}
	if err := registry.Build(context.Background()); err != nil {
		t.Fatalf("build registry: %v", err)
	}

	dispatcher := NewDispatcher(time.Second, nil)
	return New(registry, dispatcher, nil, opts...)
}

func defaultOptions() Options {
	return Options{
		Fusion:    DefaultFusionConfig(),
		Strategy:  reranker.StrategyNone,
		Assembler: DefaultAssemblerConfig(),
	}
}

func TestPipelineMergesFanIn(t *testing.T) {
	now := time.Now()
	fakes := []*fakeAdapter{
		{
			name:   "vector",
			source: retrieval.SourceVector,
			candidates: []retrieval.Candidate{
				cand("vector", retrieval.SourceVector, "v-top", "vector exclusive", 0.95, now),
				cand("vector", retrieval.SourceVector, "v-dup", "seen by both backends", 0.90, now),
			},
		},
		{
			name:   "fulltext",
			source: retrieval.SourceFullText,
			candidates: []retrieval.Candidate{
				cand("fulltext", retrieval.SourceFullText, "f-dup", "seen by both backends", 14, now),
				cand("fulltext", retrieval.SourceFullText, "f-solo", "fulltext exclusive", 9, now),
			},
		},
	}

	p := buildPipeline(t, fakes)
	result, err := p.Run(context.Background(), testQuery(), defaultOptions())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(result.Candidates) != 3 {
		t.Fatalf("final candidates = %d, want 3 after dedup", len(result.Candidates))
	}
	top := result.Candidates[0]
	if top.FanIn() != 2 {
		t.Errorf("top candidate FanIn() = %d, want the cross-adapter merge on top", top.FanIn())
	}
	if len(result.Citations) != len(result.Candidates) {
		t.Errorf("citations = %d, candidates = %d, want one citation each", len(result.Citations), len(result.Candidates))
	}
	total := 0
	for _, n := range result.Metrics.SourceCounts {
		total += n
	}
	if total != 3 {
		t.Errorf("source counts sum = %d, want 3", total)
	}
}

func TestPipelineUnauthorized(t *testing.T) {
	fakes := []*fakeAdapter{
		{name: "locked", source: retrieval.SourceVector, requiredScope: "vault:read"},
	}

	p := buildPipeline(t, fakes)
	query := testQuery() // carries no permissions
	_, err := p.Run(context.Background(), query, defaultOptions())
	if !errors.Is(err, retrieval.ErrUnauthorized) {
		t.Errorf("Run() error = %v, want ErrUnauthorized", err)
	}
}

func TestPipelinePartialAuthorization(t *testing.T) {
	now := time.Now()
	fakes := []*fakeAdapter{
		{name: "locked", source: retrieval.SourceGraph, requiredScope: "vault:read"},
		{
			name:   "open",
			source: retrieval.SourceVector,
			candidates: []retrieval.Candidate{
				cand("open", retrieval.SourceVector, "v1", "permitted content", 0.9, now),
			},
		},
	}

	p := buildPipeline(t, fakes)
	result, err := p.Run(context.Background(), testQuery(), defaultOptions())
	if err != nil {
		t.Fatalf("Run() error = %v, partial authorization must not fail the query", err)
	}
	if len(result.Candidates) != 1 {
		t.Errorf("candidates = %d, want 1 from the permitted adapter", len(result.Candidates))
	}
	if len(result.Metrics.Adapters) != 1 {
		t.Errorf("adapter reports = %d, want only the permitted adapter dispatched", len(result.Metrics.Adapters))
	}
}

func TestPipelineAdapterFailureDegrades(t *testing.T) {
	now := time.Now()
	fakes := []*fakeAdapter{
		{name: "broken", source: retrieval.SourceGraph, err: errors.New("backend unreachable")},
		{
			name:   "healthy",
			source: retrieval.SourceVector,
			candidates: []retrieval.Candidate{
				cand("healthy", retrieval.SourceVector, "v1", "surviving content", 0.9, now),
			},
		},
	}

	p := buildPipeline(t, fakes)
	result, err := p.Run(context.Background(), testQuery(), defaultOptions())
	if err != nil {
		t.Fatalf("Run() error = %v, adapter failure must not fail the query", err)
	}
	if len(result.Candidates) != 1 {
		t.Errorf("candidates = %d, want 1", len(result.Candidates))
	}
}

func TestPipelineAllAdaptersFailYieldsEmpty(t *testing.T) {
	fakes := []*fakeAdapter{
		{name: "a", source: retrieval.SourceVector, err: errors.New("down")},
		{name: "b", source: retrieval.SourceFullText, err: errors.New("down")},
	}

	p := buildPipeline(t, fakes)
	result, err := p.Run(context.Background(), testQuery(), defaultOptions())
	if err != nil {
		t.Fatalf("Run() error = %v, total failure must yield empty, not error", err)
	}
	if len(result.Candidates) != 0 {
		t.Errorf("candidates = %d, want 0", len(result.Candidates))
	}
	if len(result.Metrics.Adapters) != 2 {
		t.Errorf("adapter reports = %d, want 2 recording the failures", len(result.Metrics.Adapters))
	}
}

func TestPipelineTenantMismatchFiltered(t *testing.T) {
	now := time.Now()
	// A misconfigured adapter returning another tenant's rows: every one
	// of them must be dropped at ingestion.
	foreign := cand("leaky", retrieval.SourceFullText, "x1", "foreign row", 10, now)
	foreign.TenantID = uuid.New()

	fakes := []*fakeAdapter{
		{name: "leaky", source: retrieval.SourceFullText, candidates: []retrieval.Candidate{foreign}},
		{
			name:   "clean",
			source: retrieval.SourceVector,
			candidates: []retrieval.Candidate{
				cand("clean", retrieval.SourceVector, "v1", "own content", 0.9, now),
			},
		},
	}

	p := buildPipeline(t, fakes)
	result, err := p.Run(context.Background(), testQuery(), defaultOptions())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for _, rc := range result.Candidates {
		if rc.TenantID != testTenant {
			t.Errorf("candidate %q from another tenant leaked through", rc.ID)
		}
	}
	if len(result.Candidates) != 1 {
		t.Errorf("candidates = %d, want 1", len(result.Candidates))
	}
}

func TestPipelineCrossEncoderFallback(t *testing.T) {
	// Scoring service that always fails.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	now := time.Now()
	fakes := []*fakeAdapter{
		{
			name:   "vector",
			source: retrieval.SourceVector,
			candidates: []retrieval.Candidate{
				cand("vector", retrieval.SourceVector, "v1", "first", 0.9, now),
				cand("vector", retrieval.SourceVector, "v2", "second", 0.8, now),
			},
		},
	}

	p := buildPipeline(t, fakes, WithCrossEncoder(reranker.NewCrossEncoder(srv.URL)))

	opts := defaultOptions()
	opts.Strategy = reranker.StrategyCrossEncoder
	opts.RerankTimeout = 200 * time.Millisecond

	result, err := p.Run(context.Background(), testQuery(), opts)
	if err != nil {
		t.Fatalf("Run() error = %v, reranker failure must not fail the query", err)
	}

	// Fused order survives the fallback.
	if result.Candidates[0].ID != "v1" || result.Candidates[1].ID != "v2" {
		t.Errorf("fallback should preserve fused order, got %q, %q",
			result.Candidates[0].ID, result.Candidates[1].ID)
	}
	degraded := false
	for _, d := range result.Metrics.Degraded {
		if d == "rerank_fallback" {
			degraded = true
		}
	}
	if !degraded {
		t.Errorf("Degraded = %v, want rerank_fallback recorded", result.Metrics.Degraded)
	}
}

func TestPipelineCrossEncoderReorders(t *testing.T) {
	// Scoring service that inverts the fused order.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"scores":[{"index":0,"score":0.2},{"index":1,"score":0.9}]}`))
	}))
	defer srv.Close()

	now := time.Now()
	fakes := []*fakeAdapter{
		{
			name:   "vector",
			source: retrieval.SourceVector,
			candidates: []retrieval.Candidate{
				cand("vector", retrieval.SourceVector, "v1", "fused winner", 0.9, now),
				cand("vector", retrieval.SourceVector, "v2", "reranked winner", 0.8, now),
			},
		},
	}

	p := buildPipeline(t, fakes, WithCrossEncoder(reranker.NewCrossEncoder(srv.URL)))

	opts := defaultOptions()
	opts.Strategy = reranker.StrategyCrossEncoder
	opts.RerankTimeout = 200 * time.Millisecond

	result, err := p.Run(context.Background(), testQuery(), opts)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Candidates[0].ID != "v2" {
		t.Errorf("cross-encoder scores should reorder, got %q first", result.Candidates[0].ID)
	}
	if !result.Candidates[0].Reranked {
		t.Error("reranked candidate should be flagged as such")
	}
}

func TestPipelineRerankTopNTailPassthrough(t *testing.T) {
	now := time.Now()
	candidates := make([]retrieval.Candidate, 0, 5)
	contents := []string{"alpha", "beta", "gamma", "delta", "epsilon"}
	for i, content := range contents {
		candidates = append(candidates,
			cand("vector", retrieval.SourceVector, content, content, float32(0.9)-float32(i)*0.1, now))
	}
	fakes := []*fakeAdapter{
		{name: "vector", source: retrieval.SourceVector, candidates: candidates},
	}

	p := buildPipeline(t, fakes)
	opts := defaultOptions()
	opts.Strategy = reranker.StrategyMMR
	opts.MMRLambda = 1.0 // pure relevance, keeps fused order
	opts.RerankTopN = 3

	result, err := p.Run(context.Background(), testQuery(), opts)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(result.Candidates) != 5 {
		t.Fatalf("candidates = %d, want 5 (tail passes through)", len(result.Candidates))
	}
	for i, rc := range result.Candidates {
		wantReranked := i < 3
		if rc.Reranked != wantReranked {
			t.Errorf("candidate %d Reranked = %v, want %v", i, rc.Reranked, wantReranked)
		}
	}
}

func TestPipelineDeadlineReturnsPartial(t *testing.T) {
	now := time.Now()
	fakes := []*fakeAdapter{
		{name: "straggler", source: retrieval.SourceGraph, delay: 2 * time.Second},
		{
			name:   "quick",
			source: retrieval.SourceVector,
			candidates: []retrieval.Candidate{
				cand("quick", retrieval.SourceVector, "v1", "arrived in time", 0.9, now),
			},
		},
	}

	p := buildPipeline(t, fakes)
	query := testQuery()
	query.Deadline = time.Now().Add(100 * time.Millisecond)

	start := time.Now()
	result, err := p.Run(context.Background(), query, defaultOptions())
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Run() error = %v, deadline expiry must degrade, not fail", err)
	}
	if len(result.Candidates) != 1 {
		t.Errorf("candidates = %d, want the quick adapter's result", len(result.Candidates))
	}
	if elapsed > time.Second {
		t.Errorf("pipeline held past its deadline: %v", elapsed)
	}
}
