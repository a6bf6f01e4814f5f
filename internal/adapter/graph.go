package adapter

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kfujino/retrieverd/internal/retrieval"
)

// GraphAdapter retrieves candidates by traversing the knowledge graph
// stored in Postgres: full-text-matched seed nodes are expanded along
// outgoing edges up to a bounded depth. The raw score is the inverted
// proximity depth (seed = 1.0, each hop divides), so higher is closer.
type GraphAdapter struct {
	pool          *pgxpool.Pool
	name          string
	requiredScope string
	maxDepth      int
	seedLimit     int
	limit         int
}

// GraphConfig holds construction parameters for the graph adapter.
type GraphConfig struct {
	Pool          *pgxpool.Pool
	Name          string // default "graph"
	RequiredScope string
	MaxDepth      int // default 2
	SeedLimit     int // default 10
	Limit         int // default 50
}

// NewGraphAdapter returns a graph adapter backed by the given pool.
func NewGraphAdapter(cfg GraphConfig) (*GraphAdapter, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("graph adapter requires a database pool")
	}
	name := cfg.Name
	if name == "" {
		name = "graph"
	}
	maxDepth := cfg.MaxDepth
	if maxDepth <= 0 {
		maxDepth = 2
	}
	seedLimit := cfg.SeedLimit
	if seedLimit <= 0 {
		seedLimit = 10
	}
	limit := cfg.Limit
	if limit <= 0 {
		limit = 50
	}
	return &GraphAdapter{
		pool:          cfg.Pool,
		name:          name,
		requiredScope: cfg.RequiredScope,
		maxDepth:      maxDepth,
		seedLimit:     seedLimit,
		limit:         limit,
	}, nil
}

// Describe implements Adapter.
func (a *GraphAdapter) Describe() Descriptor {
	return Descriptor{
		Name:          a.name,
		Source:        retrieval.SourceGraph,
		Semantics:     retrieval.ScoreDepth,
		RequiredScope: a.requiredScope,
	}
}

// Fetch seeds the traversal with full-text matches on graph nodes, then
// walks outgoing edges breadth-first inside a recursive CTE. Each node is
// reported once at its minimum depth.
func (a *GraphAdapter) Fetch(ctx context.Context, query *retrieval.Query) ([]retrieval.Candidate, error) {
	tsQuery := strings.Join(query.SearchStrings(), " OR ")

	sql := `
		WITH RECURSIVE seeds AS (
			SELECT id, 0 AS depth
			FROM graph_nodes
			WHERE tenant_id = $1
			  AND search_text @@ websearch_to_tsquery('english', $2)
			ORDER BY ts_rank_cd(search_text, websearch_to_tsquery('english', $2), 1) DESC
			LIMIT $3
		), walk (id, depth) AS (
			SELECT id, depth FROM seeds
			UNION
			SELECT e.dst_id, w.depth + 1
			FROM graph_edges e
			JOIN walk w ON e.src_id = w.id
			WHERE e.tenant_id = $1 AND w.depth < $4
		)
		SELECT n.id, n.content, n.metadata, n.required_scope, MIN(w.depth) AS depth
		FROM walk w
		JOIN graph_nodes n ON n.id = w.id AND n.tenant_id = $1
		GROUP BY n.id, n.content, n.metadata, n.required_scope
		ORDER BY depth ASC
		LIMIT $5
	`

	rows, err := a.pool.Query(ctx, sql, query.Scope.TenantID, tsQuery, a.seedLimit, a.maxDepth, a.limit)
	if err != nil {
		return nil, fmt.Errorf("failed to traverse graph: %w", err)
	}
	defer rows.Close()

	var candidates []retrieval.Candidate
	for rows.Next() {
		var (
			id            uuid.UUID
			content       string
			metadata      map[string]string
			requiredScope string
			depth         int
		)
		if err := rows.Scan(&id, &content, &metadata, &requiredScope, &depth); err != nil {
			return nil, fmt.Errorf("failed to scan graph row: %w", err)
		}

		if requiredScope == "" {
			requiredScope = a.requiredScope
		}
		if metadata == nil {
			metadata = make(map[string]string)
		}
		metadata["graph_depth"] = fmt.Sprintf("%d", depth)

		c := retrieval.Candidate{
			ID:            id.String(),
			TenantID:      query.Scope.TenantID,
			Source:        retrieval.SourceGraph,
			Adapter:       a.name,
			Score:         1.0 / float32(1+depth),
			Content:       content,
			Metadata:      metadata,
			RequiredScope: requiredScope,
		}
		c.Fingerprint = retrieval.ContentFingerprint(query.Scope.TenantID, content, metadata)
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("graph traversal rows: %w", err)
	}

	return candidates, nil
}

// Ensure GraphAdapter implements Adapter.
var _ Adapter = (*GraphAdapter)(nil)
