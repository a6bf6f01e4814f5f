package reranker

import (
	"context"
	"testing"

	"github.com/kfujino/retrieverd/internal/retrieval"
)

// fusedCand builds a fused candidate with an embedding for MMR tests.
func fusedCand(id string, score float64, vector []float32) retrieval.FusedCandidate {
	return retrieval.FusedCandidate{
		Candidate: retrieval.Candidate{
			ID:     id,
			Vector: vector,
		},
		FusedScore: score,
		Adapters:   []string{"test"},
	}
}

func TestMMRPureRelevance(t *testing.T) {
	// lambda=1 degenerates to plain relevance ranking.
	input := []retrieval.FusedCandidate{
		fusedCand("a", 1.0, []float32{1, 0}),
		fusedCand("b", 0.9, []float32{1, 0.01}),
		fusedCand("c", 0.8, []float32{0, 1}),
	}

	out, err := NewMMR(1.0).Rerank(context.Background(), nil, input)
	if err != nil {
		t.Fatalf("Rerank() error = %v", err)
	}
	for i, want := range []string{"a", "b", "c"} {
		if out[i].ID != want {
			t.Errorf("rank %d: got %q, want %q", i, out[i].ID, want)
		}
	}
}

func TestMMRDiversity(t *testing.T) {
	// "b" is nearly identical to "a" and scores almost as high; "c" is
	// orthogonal. With diversity weighted in, "c" must displace "b".
	input := []retrieval.FusedCandidate{
		fusedCand("a", 1.0, []float32{1, 0}),
		fusedCand("b", 0.95, []float32{1, 0.01}),
		fusedCand("c", 0.6, []float32{0, 1}),
	}

	out, err := NewMMR(0.5).Rerank(context.Background(), nil, input)
	if err != nil {
		t.Fatalf("Rerank() error = %v", err)
	}
	if out[0].ID != "a" {
		t.Errorf("first pick should be the top relevance candidate, got %q", out[0].ID)
	}
	if out[1].ID != "c" {
		t.Errorf("diversity should promote the orthogonal candidate, got %q", out[1].ID)
	}
	if out[2].DiversityPenalty == 0 {
		t.Error("near-duplicate picked last should carry a diversity penalty")
	}
}

func TestMMRNeverDrops(t *testing.T) {
	input := []retrieval.FusedCandidate{
		fusedCand("a", 1.0, []float32{1, 0}),
		fusedCand("b", 1.0, []float32{1, 0}), // exact duplicate vector
		fusedCand("c", 0.1, nil),             // no embedding at all
	}

	out, err := NewMMR(0.5).Rerank(context.Background(), nil, input)
	if err != nil {
		t.Fatalf("Rerank() error = %v", err)
	}
	if len(out) != len(input) {
		t.Errorf("MMR dropped candidates: %d -> %d", len(input), len(out))
	}
	for _, rc := range out {
		if !rc.Reranked {
			t.Errorf("candidate %q not flagged as reranked", rc.ID)
		}
	}
}

func TestMMRLambdaOutOfRange(t *testing.T) {
	m := NewMMR(1.5)
	if m.lambda != DefaultMMRLambda {
		t.Errorf("lambda = %f, want default %f for out-of-range input", m.lambda, DefaultMMRLambda)
	}
}

func TestMMREmpty(t *testing.T) {
	out, err := NewMMR(0.5).Rerank(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Rerank() error = %v", err)
	}
	if out != nil {
		t.Errorf("Rerank(nil) = %v, want nil", out)
	}
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in      string
		want    Strategy
		wantErr bool
	}{
		{"", StrategyNone, false},
		{"none", StrategyNone, false},
		{"mmr", StrategyMMR, false},
		{"cross_encoder", StrategyCrossEncoder, false},
		{"bm25", "", true},
	}
	for _, tt := range tests {
		got, err := ParseStrategy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseStrategy(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseStrategy(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
