package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kfujino/retrieverd/internal/adapter"
	"github.com/kfujino/retrieverd/internal/reranker"
	"github.com/kfujino/retrieverd/internal/retrieval"
)

// DefaultRerankTopN bounds how many deduplicated candidates reach the
// reranker; everything beyond passes through in fused order.
const DefaultRerankTopN = 50

// rerankReserve is the slice of the remaining budget held back from the
// reranker so assembly always has time to run.
const rerankReserve = 50 * time.Millisecond

// QueryEmbedder embeds the query text once per invocation. The vector
// adapter and the MMR reranker consume the resulting vector.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Options are the per-query knobs, resolved by the caller from tenant
// configuration plus request overrides before the pipeline runs.
type Options struct {
	// EnabledSources restricts which source types are queried. Empty
	// means every registered adapter.
	EnabledSources []retrieval.SourceType

	// Fusion is the single configured fusion choice.
	Fusion FusionConfig

	// Strategy selects the reranker variant; MMRLambda applies to mmr.
	Strategy  reranker.Strategy
	MMRLambda float64

	// RerankTopN bounds the reranker input (default 50).
	RerankTopN int

	// RerankTimeout caps the reranker sub-deadline carved from the
	// remaining pipeline budget.
	RerankTimeout time.Duration

	// AdapterTimeout overrides the dispatcher's default per-adapter
	// timeout when positive.
	AdapterTimeout time.Duration

	// Assembler bounds the final result.
	Assembler AssemblerConfig
}

// Pipeline orchestrates one retrieval invocation: guard, fan-out, fusion,
// dedup, rerank, assemble. All stages between the suspension points
// (adapter calls, cross-encoder call) are pure synchronous transforms.
type Pipeline struct {
	registry     *adapter.Registry
	guard        *Guard
	dispatcher   *Dispatcher
	embedder     QueryEmbedder
	crossEncoder reranker.Reranker
	logger       *slog.Logger
}

// PipelineOption is a functional option for configuring a Pipeline.
type PipelineOption func(*Pipeline)

// WithEmbedder sets the query embedder.
func WithEmbedder(e QueryEmbedder) PipelineOption {
	return func(p *Pipeline) {
		p.embedder = e
	}
}

// WithCrossEncoder sets the cross-encoder client used when a query selects
// the cross_encoder strategy.
func WithCrossEncoder(r reranker.Reranker) PipelineOption {
	return func(p *Pipeline) {
		p.crossEncoder = r
	}
}

// New creates a Pipeline over the given adapter registry.
func New(registry *adapter.Registry, dispatcher *Dispatcher, logger *slog.Logger, opts ...PipelineOption) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		registry:   registry,
		guard:      NewGuard(logger),
		dispatcher: dispatcher,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes the pipeline for one query. The only error it returns is
// authorization denial; every other failure degrades the result. A query
// for which nothing could be retrieved yields an empty result, not an
// error, and deadline expiry yields whatever was collected in time.
func (p *Pipeline) Run(ctx context.Context, query *retrieval.Query, opts Options) (*retrieval.RetrievalResult, error) {
	start := time.Now()
	metrics := retrieval.NewMetrics()

	if !query.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, query.Deadline)
		defer cancel()
	}

	adapters := p.enabledAdapters(opts.EnabledSources)
	if len(adapters) == 0 {
		p.logger.Info("no adapters enabled for query", "query_id", query.ID)
		result := retrieval.Empty()
		result.Metrics.Total = time.Since(start)
		return result, nil
	}

	// Guard checkpoint (a): fail fast before any retrieval work.
	permitted, err := p.guard.Authorize(query.Scope, adapters)
	if err != nil {
		return nil, err
	}

	p.embedQuery(ctx, query, permitted, opts, metrics)

	// Fan-out.
	stageStart := time.Now()
	collected, reports := p.dispatcher.Dispatch(ctx, query, permitted, opts.AdapterTimeout)
	metrics.StageLatency[retrieval.StageDispatch] = time.Since(stageStart)
	metrics.Adapters = reports

	// Guard checkpoint (b): re-check every candidate at ingestion,
	// regardless of adapter behavior.
	stageStart = time.Now()
	admitted, rejected := p.guard.Admit(query.Scope, collected)
	metrics.StageLatency[retrieval.StageGuard] = time.Since(stageStart)
	if rejected > 0 {
		p.logger.Warn("guard rejected candidates at ingestion",
			"query_id", query.ID,
			"rejected", rejected,
		)
	}

	if len(admitted) == 0 {
		result := retrieval.Empty()
		result.Metrics = metrics
		metrics.Total = time.Since(start)
		return result, nil
	}

	// Fusion and dedup: pure CPU-bound transforms.
	fusionCfg := opts.Fusion
	if err := fusionCfg.Validate(); err != nil {
		p.logger.Warn("invalid fusion config, using default", "error", err)
		fusionCfg = DefaultFusionConfig()
	}
	stageStart = time.Now()
	fused := Fuse(admitted, fusionCfg)
	metrics.StageLatency[retrieval.StageFusion] = time.Since(stageStart)

	stageStart = time.Now()
	deduped := Dedup(fused)
	metrics.StageLatency[retrieval.StageDedup] = time.Since(stageStart)

	// Second-pass rerank over the top-N.
	stageStart = time.Now()
	reranked := p.rerank(ctx, query, deduped, opts, metrics)
	metrics.StageLatency[retrieval.StageRerank] = time.Since(stageStart)

	// Assembly: caps and citations.
	stageStart = time.Now()
	retained, citations := Assemble(reranked, opts.Assembler)
	metrics.StageLatency[retrieval.StageAssemble] = time.Since(stageStart)

	for _, rc := range retained {
		metrics.SourceCounts[rc.Source]++
	}
	metrics.Total = time.Since(start)

	return &retrieval.RetrievalResult{
		Candidates: retained,
		Citations:  citations,
		Metrics:    metrics,
	}, nil
}

// enabledAdapters filters registered adapters by the requested source
// types. An empty filter enables everything.
func (p *Pipeline) enabledAdapters(sources []retrieval.SourceType) []adapter.Adapter {
	all := p.registry.Adapters()
	if len(sources) == 0 {
		return all
	}
	enabled := make(map[retrieval.SourceType]struct{}, len(sources))
	for _, s := range sources {
		enabled[s] = struct{}{}
	}
	out := make([]adapter.Adapter, 0, len(all))
	for _, a := range all {
		if _, ok := enabled[a.Describe().Source]; ok {
			out = append(out, a)
		}
	}
	return out
}

// embedQuery computes the query embedding once, when something downstream
// needs it. Embedding failure only degrades: the vector adapter will
// report its own error and the other adapters proceed.
func (p *Pipeline) embedQuery(ctx context.Context, query *retrieval.Query, permitted []adapter.Adapter, opts Options, metrics *retrieval.Metrics) {
	if p.embedder == nil || len(query.Vector) > 0 {
		return
	}
	needed := opts.Strategy == reranker.StrategyMMR
	for _, a := range permitted {
		if a.Describe().Source == retrieval.SourceVector {
			needed = true
			break
		}
	}
	if !needed {
		return
	}

	stageStart := time.Now()
	vector, err := p.embedder.Embed(ctx, query.Text)
	metrics.StageLatency["embed"] = time.Since(stageStart)
	if err != nil {
		p.logger.Warn("failed to embed query", "query_id", query.ID, "error", err)
		metrics.Degraded = append(metrics.Degraded, "embed_failed")
		return
	}
	query.Vector = vector
}

// rerank applies the selected strategy to the top-N deduplicated
// candidates under a sub-deadline carved from the remaining budget, and
// appends the tail beyond N in fused order. Any reranker failure falls
// back to the fused order and flags the result as degraded.
func (p *Pipeline) rerank(ctx context.Context, query *retrieval.Query, deduped []retrieval.FusedCandidate, opts Options, metrics *retrieval.Metrics) []retrieval.RerankedCandidate {
	topN := opts.RerankTopN
	if topN <= 0 {
		topN = DefaultRerankTopN
	}
	if topN > len(deduped) {
		topN = len(deduped)
	}
	top, tail := deduped[:topN], deduped[topN:]

	r, external := p.selectReranker(opts)

	rctx := ctx
	if external {
		budget := p.rerankBudget(ctx, opts)
		if budget <= 0 {
			p.logger.Info("no budget left for reranking, passing fused order through", "query_id", query.ID)
			metrics.Degraded = append(metrics.Degraded, "rerank_skipped")
			r = reranker.NewPassthrough()
		} else {
			var cancel context.CancelFunc
			rctx, cancel = context.WithTimeout(ctx, budget)
			defer cancel()
		}
	}

	reranked, err := r.Rerank(rctx, query, top)
	if err != nil {
		p.logger.Warn("reranker failed, falling back to fused order",
			"query_id", query.ID,
			"strategy", opts.Strategy,
			"error", err,
		)
		metrics.Degraded = append(metrics.Degraded, "rerank_fallback")
		reranked, _ = reranker.NewPassthrough().Rerank(ctx, query, top)
	}

	for i := range reranked {
		reranked[i].Trace(retrieval.StageRerank, string(opts.Strategy))
	}
	for _, fc := range tail {
		rc := retrieval.RerankedCandidate{
			FusedCandidate: fc,
			RelevanceScore: fc.FusedScore,
		}
		rc.Trace(retrieval.StageRerank, "beyond_top_n")
		reranked = append(reranked, rc)
	}
	return reranked
}

// selectReranker maps the strategy to an implementation. The second
// return reports whether the reranker makes an external call and thus
// needs its own sub-deadline.
func (p *Pipeline) selectReranker(opts Options) (reranker.Reranker, bool) {
	switch opts.Strategy {
	case reranker.StrategyCrossEncoder:
		if p.crossEncoder != nil {
			return p.crossEncoder, true
		}
		p.logger.Warn("cross_encoder strategy selected but no scoring service configured")
		return reranker.NewPassthrough(), false
	case reranker.StrategyMMR:
		return reranker.NewMMR(opts.MMRLambda), false
	default:
		return reranker.NewPassthrough(), false
	}
}

// rerankBudget computes the reranker sub-deadline: the configured rerank
// timeout, shrunk to whatever remains of the pipeline budget minus a
// reserve for assembly.
func (p *Pipeline) rerankBudget(ctx context.Context, opts Options) time.Duration {
	budget := opts.RerankTimeout
	if budget <= 0 {
		budget = 500 * time.Millisecond
	}
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline) - rerankReserve
		if remaining < budget {
			budget = remaining
		}
	}
	return budget
}

// String implements fmt.Stringer for logging.
func (o Options) String() string {
	return fmt.Sprintf("fusion=%s reranker=%s top_n=%d", o.Fusion.Algorithm, o.Strategy, o.RerankTopN)
}
