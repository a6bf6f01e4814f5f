// Package repository defines domain models and data access interfaces for
// tenants and their retrieval source bindings.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Tenant represents a tenant in the system
type Tenant struct {
	ID        uuid.UUID
	Name      string
	APIKey    string
	Config    TenantConfig
	Usage     TenantUsage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TenantConfig holds tenant-specific retrieval configuration. Zero values
// fall back to the deployment defaults loaded from the environment.
type TenantConfig struct {
	FusionAlgorithm  string             `json:"fusion_algorithm"` // "rrf" or "weighted"
	RRFK             int                `json:"rrf_k"`
	FusionWeights    map[string]float64 `json:"fusion_weights,omitempty"` // keyed by source type
	RerankerStrategy string             `json:"reranker_strategy"`        // "none", "mmr", "cross_encoder"
	MMRLambda        *float64           `json:"mmr_lambda,omitempty"`     // nil means unset; 0 is maximum diversity
	RerankTopN       int                `json:"rerank_top_n"`
	TopK             int                `json:"top_k"` // final result cap
	SourceCaps       map[string]int     `json:"source_caps,omitempty"`
	EnabledSources   []string           `json:"enabled_sources,omitempty"`
	AdapterTimeoutMS int                `json:"adapter_timeout_ms"`
	PipelineBudgetMS int                `json:"pipeline_budget_ms"`
	RerankTimeoutMS  int                `json:"rerank_timeout_ms"`
}

// TenantUsage holds tenant usage statistics
type TenantUsage struct {
	SourceCount     int   `json:"source_count"`
	QueryCountMonth int64 `json:"query_count_month"`
}

// SourceBinding declares one retrieval source configured for a tenant: the
// adapter that serves it and the read permission a caller must present to
// see candidates from it.
type SourceBinding struct {
	ID            uuid.UUID
	TenantID      uuid.UUID
	Adapter       string // registered adapter name
	Source        string // source type tag
	RequiredScope string
	Enabled       bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TenantRepository defines operations for tenant persistence
type TenantRepository interface {
	Create(ctx context.Context, tenant *Tenant) error
	GetByID(ctx context.Context, id uuid.UUID) (*Tenant, error)
	GetByAPIKey(ctx context.Context, apiKey string) (*Tenant, error)
	List(ctx context.Context, limit, offset int) ([]*Tenant, int, error)
	Update(ctx context.Context, tenant *Tenant) error
	Delete(ctx context.Context, id uuid.UUID) error
	UpdateAPIKey(ctx context.Context, id uuid.UUID, newAPIKey string) error
	IncrementQueryCount(ctx context.Context, id uuid.UUID) error
}

// SourceRepository defines operations for source binding persistence
type SourceRepository interface {
	Upsert(ctx context.Context, binding *SourceBinding) error
	ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]*SourceBinding, error)
	Delete(ctx context.Context, id uuid.UUID) error
}
