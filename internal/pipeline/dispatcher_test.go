package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kfujino/retrieverd/internal/adapter"
	"github.com/kfujino/retrieverd/internal/retrieval"
)

// fakeAdapter is a configurable in-memory adapter for pipeline tests.
type fakeAdapter struct {
	name          string
	source        retrieval.SourceType
	requiredScope string
	candidates    []retrieval.Candidate
	err           error
	delay         time.Duration
}

func (f *fakeAdapter) Describe() adapter.Descriptor {
	return adapter.Descriptor{
		Name:          f.name,
		Source:        f.source,
		Semantics:     retrieval.ScoreSimilarity,
		RequiredScope: f.requiredScope,
	}
}

func (f *fakeAdapter) Fetch(ctx context.Context, _ *retrieval.Query) ([]retrieval.Candidate, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.candidates, nil
}

func testQuery() *retrieval.Query {
	return &retrieval.Query{
		Text:  "test query",
		Scope: retrieval.NewTenantScope(testTenant, nil),
	}
}

func TestDispatchCollectsAllAdapters(t *testing.T) {
	now := time.Now()
	adapters := []adapter.Adapter{
		&fakeAdapter{
			name:   "vector",
			source: retrieval.SourceVector,
			candidates: []retrieval.Candidate{
				cand("vector", retrieval.SourceVector, "v1", "vector hit", 0.9, now),
			},
		},
		&fakeAdapter{
			name:   "fulltext",
			source: retrieval.SourceFullText,
			candidates: []retrieval.Candidate{
				cand("fulltext", retrieval.SourceFullText, "f1", "fulltext hit", 10, now),
				cand("fulltext", retrieval.SourceFullText, "f2", "second hit", 8, now),
			},
		},
	}

	d := NewDispatcher(time.Second, nil)
	collected, reports := d.Dispatch(context.Background(), testQuery(), adapters, 0)

	if len(collected) != 3 {
		t.Errorf("collected %d candidates, want 3", len(collected))
	}
	if len(reports) != 2 {
		t.Fatalf("got %d reports, want 2", len(reports))
	}
	for _, c := range collected {
		if c.ArrivedAt.IsZero() {
			t.Error("collected candidate missing arrival timestamp")
		}
		if len(c.Provenance) == 0 || c.Provenance[len(c.Provenance)-1].Stage != retrieval.StageAdapter {
			t.Error("collected candidate missing adapter provenance")
		}
	}
}

func TestDispatchAdapterFailureIsIsolated(t *testing.T) {
	now := time.Now()
	adapters := []adapter.Adapter{
		&fakeAdapter{name: "broken", source: retrieval.SourceGraph, err: errors.New("backend down")},
		&fakeAdapter{
			name:   "healthy",
			source: retrieval.SourceVector,
			candidates: []retrieval.Candidate{
				cand("healthy", retrieval.SourceVector, "v1", "still works", 0.9, now),
			},
		},
	}

	d := NewDispatcher(time.Second, nil)
	collected, reports := d.Dispatch(context.Background(), testQuery(), adapters, 0)

	if len(collected) != 1 {
		t.Errorf("collected %d candidates, want 1", len(collected))
	}
	var brokenReport *retrieval.AdapterReport
	for i := range reports {
		if reports[i].Adapter == "broken" {
			brokenReport = &reports[i]
		}
	}
	if brokenReport == nil {
		t.Fatal("missing report for failed adapter")
	}
	if brokenReport.Err == "" {
		t.Error("failed adapter report missing error")
	}
}

func TestDispatchAllFail(t *testing.T) {
	adapters := []adapter.Adapter{
		&fakeAdapter{name: "a", source: retrieval.SourceVector, err: errors.New("down")},
		&fakeAdapter{name: "b", source: retrieval.SourceFullText, err: errors.New("down")},
	}

	d := NewDispatcher(time.Second, nil)
	collected, reports := d.Dispatch(context.Background(), testQuery(), adapters, 0)

	if len(collected) != 0 {
		t.Errorf("collected %d candidates, want 0", len(collected))
	}
	if len(reports) != 2 {
		t.Errorf("got %d reports, want 2", len(reports))
	}
}

func TestDispatchPerAdapterTimeout(t *testing.T) {
	now := time.Now()
	adapters := []adapter.Adapter{
		&fakeAdapter{name: "slow", source: retrieval.SourceGraph, delay: 500 * time.Millisecond},
		&fakeAdapter{
			name:   "fast",
			source: retrieval.SourceVector,
			candidates: []retrieval.Candidate{
				cand("fast", retrieval.SourceVector, "v1", "fast hit", 0.9, now),
			},
		},
	}

	d := NewDispatcher(time.Second, nil)
	collected, reports := d.Dispatch(context.Background(), testQuery(), adapters, 20*time.Millisecond)

	if len(collected) != 1 {
		t.Errorf("collected %d candidates, want 1 (slow adapter cancelled)", len(collected))
	}
	for _, r := range reports {
		if r.Adapter == "slow" && !r.TimedOut {
			t.Error("slow adapter report should be marked timed out")
		}
	}
}

func TestDispatchDeadlineExpiry(t *testing.T) {
	now := time.Now()
	adapters := []adapter.Adapter{
		&fakeAdapter{name: "straggler", source: retrieval.SourceGraph, delay: time.Second},
		&fakeAdapter{
			name:   "quick",
			source: retrieval.SourceVector,
			candidates: []retrieval.Candidate{
				cand("quick", retrieval.SourceVector, "v1", "made it", 0.9, now),
			},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	d := NewDispatcher(10*time.Second, nil)
	start := time.Now()
	collected, _ := d.Dispatch(ctx, testQuery(), adapters, 0)
	elapsed := time.Since(start)

	if len(collected) != 1 {
		t.Errorf("collected %d candidates, want only the quick adapter's", len(collected))
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("dispatch held past the deadline: %v", elapsed)
	}
}

func TestDispatchNoAdapters(t *testing.T) {
	d := NewDispatcher(time.Second, nil)
	collected, reports := d.Dispatch(context.Background(), testQuery(), nil, 0)
	if collected != nil || reports != nil {
		t.Error("empty adapter list should yield nothing")
	}
}
