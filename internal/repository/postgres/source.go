package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/kfujino/retrieverd/internal/repository"
)

// SourceRepo implements repository.SourceRepository
type SourceRepo struct {
	db *DB
}

// NewSourceRepo creates a new source binding repository
func NewSourceRepo(db *DB) *SourceRepo {
	return &SourceRepo{db: db}
}

// Upsert inserts or updates a source binding, keyed by (tenant, adapter)
func (r *SourceRepo) Upsert(ctx context.Context, binding *repository.SourceBinding) error {
	query := `
		INSERT INTO source_bindings (id, tenant_id, adapter, source, required_scope, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		ON CONFLICT (tenant_id, adapter)
		DO UPDATE SET source = $4, required_scope = $5, enabled = $6, updated_at = now()
	`
	_, err := r.db.Pool.Exec(ctx, query,
		binding.ID, binding.TenantID, binding.Adapter, binding.Source,
		binding.RequiredScope, binding.Enabled)
	if err != nil {
		return fmt.Errorf("failed to upsert source binding: %w", err)
	}
	return nil
}

// ListByTenant returns all source bindings for a tenant
func (r *SourceRepo) ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]*repository.SourceBinding, error) {
	query := `
		SELECT id, tenant_id, adapter, source, required_scope, enabled, created_at, updated_at
		FROM source_bindings
		WHERE tenant_id = $1
		ORDER BY adapter
	`
	rows, err := r.db.Pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list source bindings: %w", err)
	}
	defer rows.Close()

	var bindings []*repository.SourceBinding
	for rows.Next() {
		var b repository.SourceBinding
		if err := rows.Scan(&b.ID, &b.TenantID, &b.Adapter, &b.Source,
			&b.RequiredScope, &b.Enabled, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan source binding: %w", err)
		}
		bindings = append(bindings, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("source binding rows: %w", err)
	}

	return bindings, nil
}

// Delete removes a source binding
func (r *SourceRepo) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM source_bindings WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete source binding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// Ensure SourceRepo implements repository.SourceRepository
var _ repository.SourceRepository = (*SourceRepo)(nil)
