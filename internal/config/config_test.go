package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.HTTPPort != 8080 {
		t.Errorf("HTTPPort = %d, want 8080", cfg.HTTPPort)
	}
	if cfg.DefaultFusion != "rrf" || cfg.DefaultRRFK != 60 {
		t.Errorf("fusion defaults = %q/%d, want rrf/60", cfg.DefaultFusion, cfg.DefaultRRFK)
	}
	if cfg.PipelineBudget != 1500*time.Millisecond {
		t.Errorf("PipelineBudget = %v, want 1.5s", cfg.PipelineBudget)
	}
	if cfg.QdrantRequiredScope != "" || cfg.ConnectorRequiredScope != "" {
		t.Error("adapter scopes must default to empty (tenant membership suffices)")
	}
}

func TestLoadAdapterScopes(t *testing.T) {
	t.Setenv("QDRANT_REQUIRED_SCOPE", "docs:read")
	t.Setenv("FULLTEXT_REQUIRED_SCOPE", "docs:read")
	t.Setenv("GRAPH_REQUIRED_SCOPE", "graph:read")
	t.Setenv("CONNECTOR_REQUIRED_SCOPE", "live:read")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.QdrantRequiredScope != "docs:read" {
		t.Errorf("QdrantRequiredScope = %q, want docs:read", cfg.QdrantRequiredScope)
	}
	if cfg.FullTextRequiredScope != "docs:read" {
		t.Errorf("FullTextRequiredScope = %q, want docs:read", cfg.FullTextRequiredScope)
	}
	if cfg.GraphRequiredScope != "graph:read" {
		t.Errorf("GraphRequiredScope = %q, want graph:read", cfg.GraphRequiredScope)
	}
	if cfg.ConnectorRequiredScope != "live:read" {
		t.Errorf("ConnectorRequiredScope = %q, want live:read", cfg.ConnectorRequiredScope)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("ADAPTER_TIMEOUT", "250ms")
	t.Setenv("DEFAULT_RERANKER", "mmr")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.HTTPPort != 9090 {
		t.Errorf("HTTPPort = %d, want 9090", cfg.HTTPPort)
	}
	if cfg.AdapterTimeout != 250*time.Millisecond {
		t.Errorf("AdapterTimeout = %v, want 250ms", cfg.AdapterTimeout)
	}
	if cfg.DefaultReranker != "mmr" {
		t.Errorf("DefaultReranker = %q, want mmr", cfg.DefaultReranker)
	}
}
