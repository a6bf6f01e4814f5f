// Package pipeline implements the retrieval pipeline core: tenant
// isolation, concurrent fan-out across source adapters, score fusion,
// deduplication, reranking, and final context assembly.
package pipeline

import (
	"fmt"
	"log/slog"

	"github.com/kfujino/retrieverd/internal/adapter"
	"github.com/kfujino/retrieverd/internal/retrieval"
)

// Guard enforces tenant isolation at two points: before dispatch, where a
// caller whose scope permits none of the requested adapters is rejected
// outright, and at candidate ingestion, where anything outside the
// caller's scope is discarded no matter what the adapter returned. The
// ingestion check runs even though adapters pre-filter by tenant;
// skipping it would be a security defect, not a missing feature.
type Guard struct {
	logger *slog.Logger
}

// NewGuard returns a tenant isolation guard.
func NewGuard(logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{logger: logger}
}

// Authorize returns the subset of adapters the caller's scope permits.
// When no requested adapter is permitted, the query fails fast with
// retrieval.ErrUnauthorized and no retrieval work is performed.
func (g *Guard) Authorize(scope retrieval.TenantScope, adapters []adapter.Adapter) ([]adapter.Adapter, error) {
	permitted := make([]adapter.Adapter, 0, len(adapters))
	for _, a := range adapters {
		desc := a.Describe()
		if scope.Covers(desc.RequiredScope) {
			permitted = append(permitted, a)
			continue
		}
		g.logger.Debug("adapter excluded by caller scope",
			"adapter", desc.Name,
			"required_scope", desc.RequiredScope,
			"tenant", scope.TenantID,
		)
	}
	if len(permitted) == 0 {
		return nil, fmt.Errorf("%w: caller scope permits none of the %d requested sources",
			retrieval.ErrUnauthorized, len(adapters))
	}
	return permitted, nil
}

// Admit filters candidates arriving from adapters: a candidate whose
// tenant tag mismatches the query's tenant, or whose required read scope
// the caller does not hold, is dropped. Survivors gain a guard provenance
// entry. The returned count is how many candidates were rejected.
func (g *Guard) Admit(scope retrieval.TenantScope, candidates []retrieval.Candidate) ([]retrieval.Candidate, int) {
	admitted := make([]retrieval.Candidate, 0, len(candidates))
	rejected := 0
	for _, c := range candidates {
		if c.TenantID != scope.TenantID {
			g.logger.Warn("candidate rejected: tenant mismatch",
				"adapter", c.Adapter,
				"candidate_tenant", c.TenantID,
				"query_tenant", scope.TenantID,
			)
			rejected++
			continue
		}
		if !scope.Covers(c.RequiredScope) {
			g.logger.Debug("candidate rejected: scope not covered",
				"adapter", c.Adapter,
				"required_scope", c.RequiredScope,
			)
			rejected++
			continue
		}
		c.Trace(retrieval.StageGuard, "admitted")
		admitted = append(admitted, c)
	}
	return admitted, rejected
}
