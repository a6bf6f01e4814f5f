package stats

import (
	"testing"
	"time"

	"github.com/kfujino/retrieverd/internal/retrieval"
)

func sampleMetrics(total time.Duration, degraded ...string) *retrieval.Metrics {
	m := retrieval.NewMetrics()
	m.Total = total
	m.SourceCounts[retrieval.SourceVector] = 3
	m.SourceCounts[retrieval.SourceFullText] = 2
	m.Degraded = degraded
	return m
}

func TestRecorderObserveAndSnapshot(t *testing.T) {
	r := NewRecorder(time.Hour)

	r.Observe("tenant-a", sampleMetrics(100*time.Millisecond))
	r.Observe("tenant-a", sampleMetrics(300*time.Millisecond, "rerank_fallback"))
	r.Observe("tenant-b", sampleMetrics(50*time.Millisecond))

	snapshots := r.Snapshot()
	if len(snapshots) != 2 {
		t.Fatalf("got %d snapshots, want 2", len(snapshots))
	}

	var a *Snapshot
	for i := range snapshots {
		if snapshots[i].TenantID == "tenant-a" {
			a = &snapshots[i]
		}
	}
	if a == nil {
		t.Fatal("missing snapshot for tenant-a")
	}
	if a.QueryCount != 2 {
		t.Errorf("query count = %d, want 2", a.QueryCount)
	}
	if a.DegradedCount != 1 {
		t.Errorf("degraded count = %d, want 1", a.DegradedCount)
	}
	if a.AvgLatencyMS != 200 {
		t.Errorf("avg latency = %f ms, want 200", a.AvgLatencyMS)
	}
	if a.MaxLatencyMS != 300 {
		t.Errorf("max latency = %f ms, want 300", a.MaxLatencyMS)
	}
	if a.SourceCounts[retrieval.SourceVector] != 6 {
		t.Errorf("vector count = %d, want 6", a.SourceCounts[retrieval.SourceVector])
	}
}

func TestRecorderObserveNil(t *testing.T) {
	r := NewRecorder(time.Hour)
	r.Observe("tenant-a", nil)
	if len(r.Snapshot()) != 0 {
		t.Error("nil metrics must not create an entry")
	}
}

func TestRecorderPrune(t *testing.T) {
	r := NewRecorder(10 * time.Millisecond)
	r.Observe("stale", sampleMetrics(time.Millisecond))

	time.Sleep(20 * time.Millisecond)
	r.Observe("fresh", sampleMetrics(time.Millisecond))
	r.Prune()

	snapshots := r.Snapshot()
	if len(snapshots) != 1 {
		t.Fatalf("got %d snapshots after prune, want 1", len(snapshots))
	}
	if snapshots[0].TenantID != "fresh" {
		t.Errorf("surviving tenant = %q, want fresh", snapshots[0].TenantID)
	}
}
