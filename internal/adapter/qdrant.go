package adapter

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/qdrant/go-client/qdrant"

	"github.com/kfujino/retrieverd/internal/retrieval"
)

// Payload keys the vector adapter expects on every stored point.
const (
	payloadContent       = "content"
	payloadRequiredScope = "required_scope"
)

// QdrantAdapter retrieves candidates from a Qdrant collection per tenant.
// Scores are cosine similarities in [0,1].
type QdrantAdapter struct {
	client        *qdrant.Client
	name          string
	requiredScope string
	limit         int
	minScore      float32
}

// QdrantConfig holds construction parameters for the vector adapter.
type QdrantConfig struct {
	// Addr is the Qdrant gRPC address in "host:port" form.
	Addr string

	// Name is the adapter instance name (default "qdrant").
	Name string

	// RequiredScope is the read permission callers must hold.
	RequiredScope string

	// Limit bounds how many candidates one fetch returns (default 50).
	Limit int

	// MinScore drops candidates below this similarity.
	MinScore float32
}

// NewQdrantAdapter connects to Qdrant and returns the vector adapter.
func NewQdrantAdapter(cfg QdrantConfig) (*QdrantAdapter, error) {
	host, portStr, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		// If no port specified, assume default
		host = cfg.Addr
		portStr = "6334"
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in qdrant addr: %w", err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	name := cfg.Name
	if name == "" {
		name = "qdrant"
	}
	limit := cfg.Limit
	if limit <= 0 {
		limit = 50
	}

	return &QdrantAdapter{
		client:        client,
		name:          name,
		requiredScope: cfg.RequiredScope,
		limit:         limit,
		minScore:      cfg.MinScore,
	}, nil
}

// Close closes the Qdrant client connection.
func (a *QdrantAdapter) Close() error {
	return a.client.Close()
}

// Describe implements Adapter.
func (a *QdrantAdapter) Describe() Descriptor {
	return Descriptor{
		Name:          a.name,
		Source:        retrieval.SourceVector,
		Semantics:     retrieval.ScoreSimilarity,
		RequiredScope: a.requiredScope,
	}
}

// collectionName returns the collection name for a tenant.
func (a *QdrantAdapter) collectionName(tenantID string) string {
	return fmt.Sprintf("tenant_%s", tenantID)
}

// Fetch performs similarity search against the tenant's collection using
// the query embedding. Stored vectors are returned with each candidate so
// the MMR reranker can measure content similarity later.
func (a *QdrantAdapter) Fetch(ctx context.Context, query *retrieval.Query) ([]retrieval.Candidate, error) {
	if len(query.Vector) == 0 {
		return nil, fmt.Errorf("query has no embedding, cannot search vectors")
	}

	tenantID := query.Scope.TenantID
	filter := categoryFilter(query.Categories)

	response, err := a.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: a.collectionName(tenantID.String()),
		Query:          qdrant.NewQuery(query.Vector...),
		Filter:         filter,
		Limit:          qdrant.PtrOf(uint64(a.limit)),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
		ScoreThreshold: qdrant.PtrOf(a.minScore),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search vectors: %w", err)
	}

	candidates := make([]retrieval.Candidate, 0, len(response))
	for _, point := range response {
		c := retrieval.Candidate{
			ID:            point.Id.GetUuid(),
			TenantID:      tenantID,
			Source:        retrieval.SourceVector,
			Adapter:       a.name,
			Score:         point.Score,
			RequiredScope: a.requiredScope,
			Metadata:      make(map[string]string),
		}

		if payload := point.Payload; payload != nil {
			if content, ok := payload[payloadContent]; ok {
				c.Content = content.GetStringValue()
			}
			if scope, ok := payload[payloadRequiredScope]; ok && scope.GetStringValue() != "" {
				c.RequiredScope = scope.GetStringValue()
			}
			for k, v := range payload {
				if k != payloadContent && k != payloadRequiredScope {
					c.Metadata[k] = v.GetStringValue()
				}
			}
		}

		if vectors := point.Vectors; vectors != nil {
			if v := vectors.GetVector(); v != nil {
				c.Vector = v.GetData()
			}
		}

		c.Fingerprint = retrieval.ContentFingerprint(tenantID, c.Content, c.Metadata)
		candidates = append(candidates, c)
	}

	return candidates, nil
}

// categoryFilter builds a payload filter matching any of the requested
// taxonomy categories. Returns nil when the query has no category filter.
func categoryFilter(categories []string) *qdrant.Filter {
	if len(categories) == 0 {
		return nil
	}
	conditions := make([]*qdrant.Condition, 0, len(categories))
	for _, cat := range categories {
		conditions = append(conditions, qdrant.NewMatch("category", cat))
	}
	return &qdrant.Filter{Should: conditions}
}

// Ensure QdrantAdapter implements Adapter.
var _ Adapter = (*QdrantAdapter)(nil)
