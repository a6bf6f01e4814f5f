package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kfujino/retrieverd/internal/auth"
	"github.com/kfujino/retrieverd/internal/config"
	"github.com/kfujino/retrieverd/internal/pipeline"
	"github.com/kfujino/retrieverd/internal/repository"
	"github.com/kfujino/retrieverd/internal/reranker"
	"github.com/kfujino/retrieverd/internal/retrieval"
	"github.com/kfujino/retrieverd/internal/stats"
)

// retrieveRequest is the body of POST /v1/retrieve.
type retrieveRequest struct {
	Query           string           `json:"query"`
	ExpandedQueries []string         `json:"expanded_queries,omitempty"`
	Categories      []string         `json:"categories,omitempty"`
	Options         *requestOptions  `json:"options,omitempty"`
}

// requestOptions are per-request overrides on top of tenant configuration.
type requestOptions struct {
	TopK           int                `json:"top_k,omitempty"`
	Reranker       string             `json:"reranker,omitempty"`
	MMRLambda      *float64           `json:"mmr_lambda,omitempty"`
	Fusion         string             `json:"fusion,omitempty"`
	RRFK           int                `json:"rrf_k,omitempty"`
	Weights        map[string]float64 `json:"weights,omitempty"`
	SourceCaps     map[string]int     `json:"source_caps,omitempty"`
	EnabledSources []string           `json:"enabled_sources,omitempty"`
	BudgetMS       int                `json:"budget_ms,omitempty"`
}

// retrieveResponse is the body returned for a successful retrieval.
type retrieveResponse struct {
	Results   []resultItem         `json:"results"`
	Citations []retrieval.Citation `json:"citations"`
	Metadata  responseMetadata     `json:"metadata"`
}

// resultItem is one final ranked candidate.
type resultItem struct {
	ID             string               `json:"id"`
	Content        string               `json:"content"`
	Source         retrieval.SourceType `json:"source"`
	Adapters       []string             `json:"adapters"`
	FanIn          int                  `json:"fan_in"`
	FusedScore     float64              `json:"fused_score"`
	RelevanceScore float64              `json:"relevance_score"`
	Reranked       bool                 `json:"reranked"`
	Metadata       map[string]string    `json:"metadata,omitempty"`
}

// responseMetadata reports how the invocation went.
type responseMetadata struct {
	QueryID      string                         `json:"query_id"`
	StageLatency map[string]float64             `json:"stage_latency_ms"`
	SourceCounts map[retrieval.SourceType]int   `json:"source_counts"`
	Adapters     []retrieval.AdapterReport      `json:"adapters"`
	Degraded     []string                       `json:"degraded,omitempty"`
	TotalMS      float64                        `json:"total_ms"`
}

// retrieveHandler serves POST /v1/retrieve.
type retrieveHandler struct {
	pipeline   *pipeline.Pipeline
	defaults   *config.Config
	tenantRepo repository.TenantRepository
	stats      *stats.Recorder
	logger     *slog.Logger
}

func (h *retrieveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	scope, ok := auth.ScopeFromContext(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing tenant scope")
		return
	}
	tenant, _ := auth.TenantFromContext(ctx)

	var req retrieveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "query must not be empty")
		return
	}

	opts, budget := h.resolveOptions(tenant, req.Options)

	query := &retrieval.Query{
		ID:         uuid.New(),
		Text:       req.Query,
		Expanded:   req.ExpandedQueries,
		Categories: req.Categories,
		Scope:      scope,
		Deadline:   time.Now().Add(budget),
	}

	result, err := h.pipeline.Run(ctx, query, opts)
	if err != nil {
		if errors.Is(err, retrieval.ErrUnauthorized) {
			writeError(w, http.StatusForbidden, "authorization denied")
			return
		}
		h.logger.Error("retrieval failed", "query_id", query.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "retrieval failed")
		return
	}

	if h.stats != nil {
		h.stats.Observe(scope.TenantID.String(), result.Metrics)
	}
	if tenant != nil && h.tenantRepo != nil {
		if err := h.tenantRepo.IncrementQueryCount(ctx, tenant.ID); err != nil {
			h.logger.Warn("failed to increment query count", "tenant", tenant.ID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, buildResponse(query.ID, result))
}

// resolveOptions layers the three configuration sources: deployment
// defaults, then tenant configuration, then per-request overrides.
// It returns the pipeline options and the overall time budget.
func (h *retrieveHandler) resolveOptions(tenant *repository.Tenant, req *requestOptions) (pipeline.Options, time.Duration) {
	d := h.defaults

	fusionAlgo := d.DefaultFusion
	rrfK := d.DefaultRRFK
	var weights map[string]float64
	strategy := d.DefaultReranker
	mmrLambda := d.DefaultMMRLambda
	rerankTopN := d.DefaultRerankTopN
	topK := d.DefaultTopK
	var sourceCaps map[string]int
	var enabledSources []string
	adapterTimeout := d.AdapterTimeout
	budget := d.PipelineBudget
	rerankTimeout := d.RerankTimeout

	if tenant != nil {
		tc := tenant.Config
		if tc.FusionAlgorithm != "" {
			fusionAlgo = tc.FusionAlgorithm
		}
		if tc.RRFK > 0 {
			rrfK = tc.RRFK
		}
		if len(tc.FusionWeights) > 0 {
			weights = tc.FusionWeights
		}
		if tc.RerankerStrategy != "" {
			strategy = tc.RerankerStrategy
		}
		if tc.MMRLambda != nil {
			mmrLambda = *tc.MMRLambda
		}
		if tc.RerankTopN > 0 {
			rerankTopN = tc.RerankTopN
		}
		if tc.TopK > 0 {
			topK = tc.TopK
		}
		if len(tc.SourceCaps) > 0 {
			sourceCaps = tc.SourceCaps
		}
		if len(tc.EnabledSources) > 0 {
			enabledSources = tc.EnabledSources
		}
		if tc.AdapterTimeoutMS > 0 {
			adapterTimeout = time.Duration(tc.AdapterTimeoutMS) * time.Millisecond
		}
		if tc.PipelineBudgetMS > 0 {
			budget = time.Duration(tc.PipelineBudgetMS) * time.Millisecond
		}
		if tc.RerankTimeoutMS > 0 {
			rerankTimeout = time.Duration(tc.RerankTimeoutMS) * time.Millisecond
		}
	}

	if req != nil {
		if req.Fusion != "" {
			fusionAlgo = req.Fusion
		}
		if req.RRFK > 0 {
			rrfK = req.RRFK
		}
		if len(req.Weights) > 0 {
			weights = req.Weights
		}
		if req.Reranker != "" {
			strategy = req.Reranker
		}
		if req.MMRLambda != nil {
			mmrLambda = *req.MMRLambda
		}
		if req.TopK > 0 {
			topK = req.TopK
		}
		if len(req.SourceCaps) > 0 {
			sourceCaps = req.SourceCaps
		}
		if len(req.EnabledSources) > 0 {
			enabledSources = req.EnabledSources
		}
		if req.BudgetMS > 0 {
			budget = time.Duration(req.BudgetMS) * time.Millisecond
		}
	}

	fusion := pipeline.FusionConfig{
		Algorithm: pipeline.FusionAlgorithm(fusionAlgo),
		RRFK:      rrfK,
		Weights:   sourceWeights(weights),
	}

	parsed, err := reranker.ParseStrategy(strategy)
	if err != nil {
		h.logger.Warn("unknown reranker strategy, using none", "strategy", strategy)
		parsed = reranker.StrategyNone
	}

	opts := pipeline.Options{
		EnabledSources: sourceTypes(enabledSources),
		Fusion:         fusion,
		Strategy:       parsed,
		MMRLambda:      mmrLambda,
		RerankTopN:     rerankTopN,
		RerankTimeout:  rerankTimeout,
		AdapterTimeout: adapterTimeout,
		Assembler: pipeline.AssemblerConfig{
			TotalCap:      topK,
			SourceCaps:    sourceCapMap(sourceCaps),
			SnippetLength: d.SnippetLength,
		},
	}
	return opts, budget
}

func sourceTypes(names []string) []retrieval.SourceType {
	if len(names) == 0 {
		return nil
	}
	out := make([]retrieval.SourceType, 0, len(names))
	for _, n := range names {
		st := retrieval.SourceType(n)
		if st.Valid() {
			out = append(out, st)
		}
	}
	return out
}

func sourceWeights(weights map[string]float64) map[retrieval.SourceType]float64 {
	if len(weights) == 0 {
		return nil
	}
	out := make(map[retrieval.SourceType]float64, len(weights))
	for name, w := range weights {
		st := retrieval.SourceType(name)
		if st.Valid() {
			out[st] = w
		}
	}
	return out
}

func sourceCapMap(caps map[string]int) map[retrieval.SourceType]int {
	if len(caps) == 0 {
		return nil
	}
	out := make(map[retrieval.SourceType]int, len(caps))
	for name, c := range caps {
		st := retrieval.SourceType(name)
		if st.Valid() {
			out[st] = c
		}
	}
	return out
}

// buildResponse converts the pipeline result into the wire shape.
func buildResponse(queryID uuid.UUID, result *retrieval.RetrievalResult) retrieveResponse {
	items := make([]resultItem, 0, len(result.Candidates))
	for i := range result.Candidates {
		rc := &result.Candidates[i]
		items = append(items, resultItem{
			ID:             rc.ID,
			Content:        rc.Content,
			Source:         rc.Source,
			Adapters:       rc.Adapters,
			FanIn:          rc.FanIn(),
			FusedScore:     rc.FusedScore,
			RelevanceScore: rc.RelevanceScore,
			Reranked:       rc.Reranked,
			Metadata:       rc.Metadata,
		})
	}

	meta := responseMetadata{
		QueryID:      queryID.String(),
		StageLatency: make(map[string]float64),
		SourceCounts: map[retrieval.SourceType]int{},
		TotalMS:      0,
	}
	if m := result.Metrics; m != nil {
		for stage, latency := range m.StageLatency {
			meta.StageLatency[stage] = float64(latency.Microseconds()) / 1000.0
		}
		meta.SourceCounts = m.SourceCounts
		meta.Adapters = m.Adapters
		meta.Degraded = m.Degraded
		meta.TotalMS = float64(m.Total.Microseconds()) / 1000.0
	}

	citations := result.Citations
	if citations == nil {
		citations = []retrieval.Citation{}
	}

	return retrieveResponse{
		Results:   items,
		Citations: citations,
		Metadata:  meta,
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
