// Package stats keeps in-memory per-tenant retrieval statistics.
package stats

import (
	"sync"
	"time"

	"github.com/kfujino/retrieverd/internal/retrieval"
)

// Observation is a single recorded pipeline run.
type Observation struct {
	Total        time.Duration
	StageLatency map[string]time.Duration
	SourceCounts map[retrieval.SourceType]int
	Degraded     []string
	ObservedAt   time.Time
}

// TenantStats aggregates observations for one tenant.
type TenantStats struct {
	QueryCount    int64
	DegradedCount int64
	TotalLatency  time.Duration
	MaxLatency    time.Duration
	SourceCounts  map[retrieval.SourceType]int64
	LastQueryAt   time.Time
}

// Snapshot is a read-only copy of a tenant's stats for reporting.
type Snapshot struct {
	TenantID      string                          `json:"tenant_id"`
	QueryCount    int64                           `json:"query_count"`
	DegradedCount int64                           `json:"degraded_count"`
	AvgLatencyMS  float64                         `json:"avg_latency_ms"`
	MaxLatencyMS  float64                         `json:"max_latency_ms"`
	SourceCounts  map[retrieval.SourceType]int64  `json:"source_counts"`
	LastQueryAt   time.Time                       `json:"last_query_at"`
}

// Recorder provides in-memory per-tenant stats with TTL-based eviction.
// Entries for tenants that stop querying age out, so the map stays
// bounded by the active tenant set.
type Recorder struct {
	mu      sync.RWMutex
	tenants map[string]*TenantStats
	ttl     time.Duration
}

// NewRecorder creates a stats recorder. Entries older than ttl are
// removed by Prune.
func NewRecorder(ttl time.Duration) *Recorder {
	return &Recorder{
		tenants: make(map[string]*TenantStats),
		ttl:     ttl,
	}
}

// Observe records the outcome of one pipeline run for a tenant.
func (r *Recorder) Observe(tenantID string, m *retrieval.Metrics) {
	if m == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ts, exists := r.tenants[tenantID]
	if !exists {
		ts = &TenantStats{
			SourceCounts: make(map[retrieval.SourceType]int64),
		}
		r.tenants[tenantID] = ts
	}

	ts.QueryCount++
	if len(m.Degraded) > 0 {
		ts.DegradedCount++
	}
	ts.TotalLatency += m.Total
	if m.Total > ts.MaxLatency {
		ts.MaxLatency = m.Total
	}
	for source, count := range m.SourceCounts {
		ts.SourceCounts[source] += int64(count)
	}
	ts.LastQueryAt = time.Now()
}

// Snapshot returns a copy of every tenant's current stats.
func (r *Recorder) Snapshot() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshots := make([]Snapshot, 0, len(r.tenants))
	for id, ts := range r.tenants {
		counts := make(map[retrieval.SourceType]int64, len(ts.SourceCounts))
		for source, count := range ts.SourceCounts {
			counts[source] = count
		}
		avg := 0.0
		if ts.QueryCount > 0 {
			avg = float64(ts.TotalLatency.Milliseconds()) / float64(ts.QueryCount)
		}
		snapshots = append(snapshots, Snapshot{
			TenantID:      id,
			QueryCount:    ts.QueryCount,
			DegradedCount: ts.DegradedCount,
			AvgLatencyMS:  avg,
			MaxLatencyMS:  float64(ts.MaxLatency.Milliseconds()),
			SourceCounts:  counts,
			LastQueryAt:   ts.LastQueryAt,
		})
	}
	return snapshots
}

// Prune removes tenants whose last query is older than the TTL.
func (r *Recorder) Prune() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for id, ts := range r.tenants {
		if now.Sub(ts.LastQueryAt) > r.ttl {
			delete(r.tenants, id)
		}
	}
}

// PruneLoop runs Prune on the given interval until the channel closes.
func (r *Recorder) PruneLoop(interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Prune()
		case <-done:
			return
		}
	}
}
