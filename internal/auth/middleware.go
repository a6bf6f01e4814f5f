package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/kfujino/retrieverd/internal/repository"
	"github.com/kfujino/retrieverd/internal/retrieval"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const (
	// APIKeyHeader is the header carrying an API key credential
	APIKeyHeader = "X-API-Key"

	// scopeContextKey is the context key for the authenticated tenant scope
	scopeContextKey contextKey = "tenant_scope"

	// tenantContextKey is the context key for the authenticated tenant
	tenantContextKey contextKey = "tenant"
)

// Middleware authenticates HTTP requests. Two credentials are accepted:
//
//   - X-API-Key: the tenant's key. An API key is a full-access credential,
//     so the derived scope carries every read permission declared across
//     the tenant's source bindings.
//   - Authorization: Bearer <jwt>. The scope carries exactly the
//     permission strings minted into the token, which may be narrower
//     than the tenant's full set.
type Middleware struct {
	tenantRepo repository.TenantRepository
	sourceRepo repository.SourceRepository
	jwtManager *JWTManager
	logger     *slog.Logger
}

// NewMiddleware creates an authentication middleware
func NewMiddleware(tenantRepo repository.TenantRepository, sourceRepo repository.SourceRepository, jwtManager *JWTManager, logger *slog.Logger) *Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &Middleware{
		tenantRepo: tenantRepo,
		sourceRepo: sourceRepo,
		jwtManager: jwtManager,
		logger:     logger,
	}
}

// Authenticate is the chi middleware that resolves caller credentials into
// a tenant scope and stores it on the request context.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if apiKey := r.Header.Get(APIKeyHeader); apiKey != "" {
			ctx, ok := m.authenticateAPIKey(ctx, w, apiKey)
			if !ok {
				return
			}
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		if bearer := bearerToken(r); bearer != "" {
			ctx, ok := m.authenticateBearer(ctx, w, bearer)
			if !ok {
				return
			}
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		writeAuthError(w, http.StatusUnauthorized, "missing credentials")
	})
}

func (m *Middleware) authenticateAPIKey(ctx context.Context, w http.ResponseWriter, apiKey string) (context.Context, bool) {
	tenant, err := m.tenantRepo.GetByAPIKey(ctx, apiKey)
	if err != nil {
		m.logger.Debug("API key lookup failed", "error", err)
		writeAuthError(w, http.StatusUnauthorized, "invalid API key")
		return ctx, false
	}

	// Full-access key: grant every scope the tenant's sources declare.
	permissions := make([]string, 0, 4)
	bindings, err := m.sourceRepo.ListByTenant(ctx, tenant.ID)
	if err != nil {
		m.logger.Error("failed to load source bindings", "tenant", tenant.ID, "error", err)
		writeAuthError(w, http.StatusInternalServerError, "authentication unavailable")
		return ctx, false
	}
	for _, b := range bindings {
		if !b.Enabled {
			continue
		}
		if b.RequiredScope != "" {
			permissions = append(permissions, b.RequiredScope)
		}
	}

	scope := retrieval.NewTenantScope(tenant.ID, permissions)
	ctx = context.WithValue(ctx, tenantContextKey, tenant)
	ctx = context.WithValue(ctx, scopeContextKey, scope)
	return ctx, true
}

func (m *Middleware) authenticateBearer(ctx context.Context, w http.ResponseWriter, token string) (context.Context, bool) {
	claims, err := m.jwtManager.ValidateToken(token)
	if err != nil {
		m.logger.Debug("token validation failed", "error", err)
		writeAuthError(w, http.StatusUnauthorized, "invalid token")
		return ctx, false
	}

	tenantID, err := claims.GetTenantID()
	if err != nil {
		writeAuthError(w, http.StatusUnauthorized, "invalid tenant in token")
		return ctx, false
	}

	tenant, err := m.tenantRepo.GetByID(ctx, tenantID)
	if err != nil {
		m.logger.Debug("tenant lookup failed", "tenant", tenantID, "error", err)
		writeAuthError(w, http.StatusUnauthorized, "unknown tenant")
		return ctx, false
	}

	scope := retrieval.NewTenantScope(tenant.ID, claims.Permissions)
	ctx = context.WithValue(ctx, tenantContextKey, tenant)
	ctx = context.WithValue(ctx, scopeContextKey, scope)
	return ctx, true
}

// bearerToken extracts the token from an Authorization: Bearer header.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}

// ScopeFromContext returns the authenticated tenant scope.
func ScopeFromContext(ctx context.Context) (retrieval.TenantScope, bool) {
	scope, ok := ctx.Value(scopeContextKey).(retrieval.TenantScope)
	return scope, ok
}

// TenantFromContext returns the authenticated tenant.
func TenantFromContext(ctx context.Context) (*repository.Tenant, bool) {
	tenant, ok := ctx.Value(tenantContextKey).(*repository.Tenant)
	return tenant, ok
}

// writeAuthError writes a JSON error response.
func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
