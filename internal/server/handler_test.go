package server

import (
	"log/slog"
	"testing"
	"time"

	"github.com/kfujino/retrieverd/internal/config"
	"github.com/kfujino/retrieverd/internal/pipeline"
	"github.com/kfujino/retrieverd/internal/repository"
	"github.com/kfujino/retrieverd/internal/reranker"
	"github.com/kfujino/retrieverd/internal/retrieval"
)

func testDefaults() *config.Config {
	return &config.Config{
		AdapterTimeout:    800 * time.Millisecond,
		PipelineBudget:    1500 * time.Millisecond,
		RerankTimeout:     500 * time.Millisecond,
		DefaultTopK:       20,
		DefaultRerankTopN: 50,
		DefaultMMRLambda:  0.5,
		DefaultFusion:     "rrf",
		DefaultRRFK:       60,
		DefaultReranker:   "none",
		SnippetLength:     300,
	}
}

func newTestHandler() *retrieveHandler {
	return &retrieveHandler{
		defaults: testDefaults(),
		logger:   slog.Default(),
	}
}

func TestResolveOptionsDefaults(t *testing.T) {
	h := newTestHandler()

	opts, budget := h.resolveOptions(nil, nil)

	if opts.Fusion.Algorithm != pipeline.FusionRRF {
		t.Errorf("fusion = %q, want rrf", opts.Fusion.Algorithm)
	}
	if opts.Fusion.RRFK != 60 {
		t.Errorf("rrf k = %d, want 60", opts.Fusion.RRFK)
	}
	if opts.Strategy != reranker.StrategyNone {
		t.Errorf("strategy = %q, want none", opts.Strategy)
	}
	if opts.Assembler.TotalCap != 20 {
		t.Errorf("total cap = %d, want 20", opts.Assembler.TotalCap)
	}
	if budget != 1500*time.Millisecond {
		t.Errorf("budget = %v, want 1.5s", budget)
	}
}

func TestResolveOptionsTenantConfig(t *testing.T) {
	h := newTestHandler()
	lambda := 0.8
	tenant := &repository.Tenant{
		Config: repository.TenantConfig{
			FusionAlgorithm:  "weighted",
			FusionWeights:    map[string]float64{"vector": 0.7, "fulltext": 0.3},
			RerankerStrategy: "mmr",
			MMRLambda:        &lambda,
			TopK:             10,
			EnabledSources:   []string{"vector", "fulltext"},
			PipelineBudgetMS: 2000,
			AdapterTimeoutMS: 400,
		},
	}

	opts, budget := h.resolveOptions(tenant, nil)

	if opts.Fusion.Algorithm != pipeline.FusionWeighted {
		t.Errorf("fusion = %q, want weighted", opts.Fusion.Algorithm)
	}
	if opts.Fusion.Weights[retrieval.SourceVector] != 0.7 {
		t.Errorf("vector weight = %f, want 0.7", opts.Fusion.Weights[retrieval.SourceVector])
	}
	if opts.Strategy != reranker.StrategyMMR {
		t.Errorf("strategy = %q, want mmr", opts.Strategy)
	}
	if opts.MMRLambda != 0.8 {
		t.Errorf("lambda = %f, want 0.8", opts.MMRLambda)
	}
	if opts.Assembler.TotalCap != 10 {
		t.Errorf("total cap = %d, want 10", opts.Assembler.TotalCap)
	}
	if len(opts.EnabledSources) != 2 {
		t.Errorf("enabled sources = %v, want 2", opts.EnabledSources)
	}
	if opts.AdapterTimeout != 400*time.Millisecond {
		t.Errorf("adapter timeout = %v, want 400ms", opts.AdapterTimeout)
	}
	if budget != 2*time.Second {
		t.Errorf("budget = %v, want 2s", budget)
	}
}

func TestResolveOptionsTenantLambdaZero(t *testing.T) {
	h := newTestHandler()
	lambda := 0.0
	tenant := &repository.Tenant{
		Config: repository.TenantConfig{
			RerankerStrategy: "mmr",
			MMRLambda:        &lambda,
		},
	}

	opts, _ := h.resolveOptions(tenant, nil)

	if opts.MMRLambda != 0 {
		t.Errorf("lambda = %f, an explicit 0 (maximum diversity) must not fall back to the default", opts.MMRLambda)
	}
}

func TestResolveOptionsRequestOverridesTenant(t *testing.T) {
	h := newTestHandler()
	tenant := &repository.Tenant{
		Config: repository.TenantConfig{
			RerankerStrategy: "mmr",
			TopK:             10,
		},
	}
	lambda := 0.2
	req := &requestOptions{
		Reranker:  "cross_encoder",
		MMRLambda: &lambda,
		TopK:      5,
		BudgetMS:  750,
	}

	opts, budget := h.resolveOptions(tenant, req)

	if opts.Strategy != reranker.StrategyCrossEncoder {
		t.Errorf("strategy = %q, request override must win", opts.Strategy)
	}
	if opts.MMRLambda != 0.2 {
		t.Errorf("lambda = %f, want 0.2", opts.MMRLambda)
	}
	if opts.Assembler.TotalCap != 5 {
		t.Errorf("total cap = %d, want 5", opts.Assembler.TotalCap)
	}
	if budget != 750*time.Millisecond {
		t.Errorf("budget = %v, want 750ms", budget)
	}
}

func TestResolveOptionsInvalidSourcesDropped(t *testing.T) {
	h := newTestHandler()
	req := &requestOptions{
		EnabledSources: []string{"vector", "carrier-pigeon"},
		Weights:        map[string]float64{"vector": 0.5, "telegraph": 0.5},
	}

	opts, _ := h.resolveOptions(nil, req)

	if len(opts.EnabledSources) != 1 || opts.EnabledSources[0] != retrieval.SourceVector {
		t.Errorf("enabled sources = %v, unknown types must be dropped", opts.EnabledSources)
	}
	if _, ok := opts.Fusion.Weights["telegraph"]; ok {
		t.Error("unknown source weight must be dropped")
	}
}

func TestResolveOptionsUnknownStrategyFallsBack(t *testing.T) {
	h := newTestHandler()
	req := &requestOptions{Reranker: "bm25"}

	opts, _ := h.resolveOptions(nil, req)
	if opts.Strategy != reranker.StrategyNone {
		t.Errorf("strategy = %q, want fallback to none", opts.Strategy)
	}
}
