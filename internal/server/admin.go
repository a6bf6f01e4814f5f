package server

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kfujino/retrieverd/internal/auth"
	"github.com/kfujino/retrieverd/internal/pipeline"
	"github.com/kfujino/retrieverd/internal/repository"
	"github.com/kfujino/retrieverd/internal/reranker"
	"github.com/kfujino/retrieverd/internal/retrieval"
)

// adminHandler serves the tenant and source-binding management API. It is
// mounted behind the admin key check, separate from tenant credentials.
type adminHandler struct {
	tenantRepo repository.TenantRepository
	sourceRepo repository.SourceRepository
	jwtManager *auth.JWTManager
	logger     *slog.Logger
}

// adminKeyMiddleware rejects requests whose X-Admin-Key header does not
// match the configured key. An empty configured key disables the whole
// admin surface.
func adminKeyMiddleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == "" {
				writeError(w, http.StatusNotFound, "admin API disabled")
				return
			}
			presented := r.Header.Get("X-Admin-Key")
			if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid admin key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// mount registers the admin routes.
func (h *adminHandler) mount(r chi.Router) {
	r.Post("/tenants", h.createTenant)
	r.Get("/tenants", h.listTenants)
	r.Get("/tenants/{id}", h.getTenant)
	r.Put("/tenants/{id}", h.updateTenant)
	r.Delete("/tenants/{id}", h.deleteTenant)
	r.Post("/tenants/{id}/rotate-key", h.rotateAPIKey)
	r.Post("/tenants/{id}/token", h.mintToken)
	r.Put("/tenants/{id}/sources", h.upsertSource)
	r.Get("/tenants/{id}/sources", h.listSources)
	r.Delete("/tenants/{id}/sources/{sourceID}", h.deleteSource)
}

// tenantDTO is the wire shape for a tenant.
type tenantDTO struct {
	ID        string                  `json:"id"`
	Name      string                  `json:"name"`
	APIKey    string                  `json:"api_key,omitempty"`
	Config    repository.TenantConfig `json:"config"`
	Usage     repository.TenantUsage  `json:"usage"`
	CreatedAt time.Time               `json:"created_at"`
	UpdatedAt time.Time               `json:"updated_at"`
}

func toTenantDTO(t *repository.Tenant, includeKey bool) tenantDTO {
	dto := tenantDTO{
		ID:        t.ID.String(),
		Name:      t.Name,
		Config:    t.Config,
		Usage:     t.Usage,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
	if includeKey {
		dto.APIKey = t.APIKey
	}
	return dto
}

type createTenantRequest struct {
	ID     string                   `json:"id,omitempty"`
	Name   string                   `json:"name"`
	Config *repository.TenantConfig `json:"config,omitempty"`
}

func (h *adminHandler) createTenant(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	tenantID := uuid.New()
	if req.ID != "" {
		id, err := uuid.Parse(req.ID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid tenant ID format")
			return
		}
		tenantID = id
	}

	apiKey, err := generateAPIKey()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate API key")
		return
	}

	var cfg repository.TenantConfig
	if req.Config != nil {
		cfg = *req.Config
	}
	if err := validateTenantConfig(cfg); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid config: %v", err))
		return
	}

	now := time.Now()
	tenant := &repository.Tenant{
		ID:        tenantID,
		Name:      req.Name,
		APIKey:    apiKey,
		Config:    cfg,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.tenantRepo.Create(r.Context(), tenant); err != nil {
		h.logger.Error("failed to create tenant", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create tenant")
		return
	}

	// The API key is returned only at creation and rotation.
	writeJSON(w, http.StatusCreated, toTenantDTO(tenant, true))
}

func (h *adminHandler) getTenant(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}
	tenant, err := h.tenantRepo.GetByID(r.Context(), id)
	if err != nil {
		writeRepoError(w, err, "tenant")
		return
	}
	writeJSON(w, http.StatusOK, toTenantDTO(tenant, false))
}

func (h *adminHandler) listTenants(w http.ResponseWriter, r *http.Request) {
	limit := intQuery(r, "limit", 20)
	if limit > 100 {
		limit = 100
	}
	offset := intQuery(r, "offset", 0)

	tenants, total, err := h.tenantRepo.List(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("failed to list tenants", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list tenants")
		return
	}

	dtos := make([]tenantDTO, len(tenants))
	for i, t := range tenants {
		dtos[i] = toTenantDTO(t, false)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenants": dtos,
		"total":   total,
	})
}

type updateTenantRequest struct {
	Name   string                   `json:"name,omitempty"`
	Config *repository.TenantConfig `json:"config,omitempty"`
}

func (h *adminHandler) updateTenant(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}
	var req updateTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	tenant, err := h.tenantRepo.GetByID(r.Context(), id)
	if err != nil {
		writeRepoError(w, err, "tenant")
		return
	}

	if req.Name != "" {
		tenant.Name = req.Name
	}
	if req.Config != nil {
		if err := validateTenantConfig(*req.Config); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid config: %v", err))
			return
		}
		tenant.Config = *req.Config
	}
	tenant.UpdatedAt = time.Now()

	if err := h.tenantRepo.Update(r.Context(), tenant); err != nil {
		writeRepoError(w, err, "tenant")
		return
	}
	writeJSON(w, http.StatusOK, toTenantDTO(tenant, false))
}

func (h *adminHandler) deleteTenant(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}
	if err := h.tenantRepo.Delete(r.Context(), id); err != nil {
		writeRepoError(w, err, "tenant")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (h *adminHandler) rotateAPIKey(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}
	newKey, err := generateAPIKey()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate API key")
		return
	}
	if err := h.tenantRepo.UpdateAPIKey(r.Context(), id, newKey); err != nil {
		writeRepoError(w, err, "tenant")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"api_key": newKey})
}

type mintTokenRequest struct {
	Permissions []string `json:"permissions"`
}

// mintToken issues a JWT scoped to an explicit permission list, for
// callers that should see less than the tenant's full source set.
func (h *adminHandler) mintToken(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}
	var req mintTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	tenant, err := h.tenantRepo.GetByID(r.Context(), id)
	if err != nil {
		writeRepoError(w, err, "tenant")
		return
	}

	token, err := h.jwtManager.GenerateToken(tenant.ID, tenant.Name, req.Permissions)
	if err != nil {
		h.logger.Error("failed to mint token", "tenant", tenant.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to mint token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

type upsertSourceRequest struct {
	Adapter       string `json:"adapter"`
	Source        string `json:"source"`
	RequiredScope string `json:"required_scope,omitempty"`
	Enabled       *bool  `json:"enabled,omitempty"`
}

func (h *adminHandler) upsertSource(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}
	var req upsertSourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Adapter == "" {
		writeError(w, http.StatusBadRequest, "adapter is required")
		return
	}
	if !retrieval.SourceType(req.Source).Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown source type %q", req.Source))
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	binding := &repository.SourceBinding{
		ID:            uuid.New(),
		TenantID:      id,
		Adapter:       req.Adapter,
		Source:        req.Source,
		RequiredScope: req.RequiredScope,
		Enabled:       enabled,
	}
	if err := h.sourceRepo.Upsert(r.Context(), binding); err != nil {
		h.logger.Error("failed to upsert source binding", "tenant", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to upsert source binding")
		return
	}
	writeJSON(w, http.StatusOK, binding)
}

func (h *adminHandler) listSources(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}
	bindings, err := h.sourceRepo.ListByTenant(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to list source bindings", "tenant", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list source bindings")
		return
	}
	if bindings == nil {
		bindings = []*repository.SourceBinding{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": bindings})
}

func (h *adminHandler) deleteSource(w http.ResponseWriter, r *http.Request) {
	sourceID, ok := parseIDParam(w, r, "sourceID")
	if !ok {
		return
	}
	if err := h.sourceRepo.Delete(r.Context(), sourceID); err != nil {
		writeRepoError(w, err, "source binding")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// validateTenantConfig checks the retrieval knobs a tenant may set. Zero
// values are fine; they fall back to deployment defaults at query time.
func validateTenantConfig(cfg repository.TenantConfig) error {
	if cfg.FusionAlgorithm != "" {
		switch pipeline.FusionAlgorithm(cfg.FusionAlgorithm) {
		case pipeline.FusionRRF, pipeline.FusionWeighted:
		default:
			return fmt.Errorf("unknown fusion algorithm %q", cfg.FusionAlgorithm)
		}
	}
	if _, err := reranker.ParseStrategy(cfg.RerankerStrategy); err != nil {
		return err
	}
	if cfg.MMRLambda != nil && (*cfg.MMRLambda < 0 || *cfg.MMRLambda > 1) {
		return fmt.Errorf("mmr_lambda must be between 0 and 1")
	}
	if cfg.RRFK < 0 {
		return fmt.Errorf("rrf_k cannot be negative")
	}
	if cfg.TopK < 0 {
		return fmt.Errorf("top_k cannot be negative")
	}
	if cfg.RerankTopN < 0 {
		return fmt.Errorf("rerank_top_n cannot be negative")
	}
	for name, weight := range cfg.FusionWeights {
		if !retrieval.SourceType(name).Valid() {
			return fmt.Errorf("unknown source type %q in fusion weights", name)
		}
		if weight < 0 {
			return fmt.Errorf("fusion weight for %q cannot be negative", name)
		}
	}
	for name, limit := range cfg.SourceCaps {
		if !retrieval.SourceType(name).Valid() {
			return fmt.Errorf("unknown source type %q in source caps", name)
		}
		if limit < 0 {
			return fmt.Errorf("source cap for %q cannot be negative", name)
		}
	}
	for _, name := range cfg.EnabledSources {
		if !retrieval.SourceType(name).Valid() {
			return fmt.Errorf("unknown source type %q in enabled sources", name)
		}
	}
	return nil
}

// generateAPIKey generates a new API key: "rtv_" + 32 random hex chars.
func generateAPIKey() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return "rtv_" + hex.EncodeToString(bytes), nil
}

func parseIDParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s format", name))
		return uuid.Nil, false
	}
	return id, true
}

func writeRepoError(w http.ResponseWriter, err error, entity string) {
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, entity+" not found")
		return
	}
	writeError(w, http.StatusInternalServerError, "failed to access "+entity)
}

func intQuery(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}
