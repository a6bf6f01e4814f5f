package adapter

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/kfujino/retrieverd/internal/retrieval"
)

// FullTextAdapter retrieves candidates from the Postgres full-text index.
// Scores are ts_rank_cd values: unbounded, higher is better.
type FullTextAdapter struct {
	pool          *pgxpool.Pool
	name          string
	requiredScope string
	limit         int
}

// FullTextConfig holds construction parameters for the full-text adapter.
type FullTextConfig struct {
	Pool          *pgxpool.Pool
	Name          string // default "fulltext"
	RequiredScope string
	Limit         int // default 50
}

// NewFullTextAdapter returns a full-text adapter backed by the given pool.
func NewFullTextAdapter(cfg FullTextConfig) (*FullTextAdapter, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("fulltext adapter requires a database pool")
	}
	name := cfg.Name
	if name == "" {
		name = "fulltext"
	}
	limit := cfg.Limit
	if limit <= 0 {
		limit = 50
	}
	return &FullTextAdapter{
		pool:          cfg.Pool,
		name:          name,
		requiredScope: cfg.RequiredScope,
		limit:         limit,
	}, nil
}

// Describe implements Adapter.
func (a *FullTextAdapter) Describe() Descriptor {
	return Descriptor{
		Name:          a.name,
		Source:        retrieval.SourceFullText,
		Semantics:     retrieval.ScoreRank,
		RequiredScope: a.requiredScope,
	}
}

// Fetch runs a websearch-style full-text query over the tenant's chunks.
// Pre-expanded query strings are OR-ed together; ts_rank_cd with length
// normalization keeps long documents from dominating.
func (a *FullTextAdapter) Fetch(ctx context.Context, query *retrieval.Query) ([]retrieval.Candidate, error) {
	tsQuery := strings.Join(query.SearchStrings(), " OR ")

	sql := `
		SELECT id, content, metadata, required_scope, embedding,
		       ts_rank_cd(search_text, websearch_to_tsquery('english', $2), 1) AS rank
		FROM chunks
		WHERE tenant_id = $1
		  AND search_text @@ websearch_to_tsquery('english', $2)
		  AND (cardinality($3::text[]) = 0 OR metadata->>'category' = ANY($3))
		ORDER BY rank DESC
		LIMIT $4
	`

	categories := query.Categories
	if categories == nil {
		categories = []string{}
	}

	rows, err := a.pool.Query(ctx, sql, query.Scope.TenantID, tsQuery, categories, a.limit)
	if err != nil {
		return nil, fmt.Errorf("failed to run full-text search: %w", err)
	}
	defer rows.Close()

	var candidates []retrieval.Candidate
	for rows.Next() {
		var (
			id            uuid.UUID
			content       string
			metadata      map[string]string
			requiredScope string
			embedding     *pgvector.Vector
			rank          float32
		)
		if err := rows.Scan(&id, &content, &metadata, &requiredScope, &embedding, &rank); err != nil {
			return nil, fmt.Errorf("failed to scan full-text row: %w", err)
		}

		if requiredScope == "" {
			requiredScope = a.requiredScope
		}
		if metadata == nil {
			metadata = make(map[string]string)
		}

		c := retrieval.Candidate{
			ID:            id.String(),
			TenantID:      query.Scope.TenantID,
			Source:        retrieval.SourceFullText,
			Adapter:       a.name,
			Score:         rank,
			Content:       content,
			Metadata:      metadata,
			RequiredScope: requiredScope,
		}
		if embedding != nil {
			c.Vector = embedding.Slice()
		}
		c.Fingerprint = retrieval.ContentFingerprint(query.Scope.TenantID, content, metadata)
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("full-text search rows: %w", err)
	}

	return candidates, nil
}

// Ensure FullTextAdapter implements Adapter.
var _ Adapter = (*FullTextAdapter)(nil)
