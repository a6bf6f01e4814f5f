package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kfujino/retrieverd/internal/adapter"
	"github.com/kfujino/retrieverd/internal/auth"
	"github.com/kfujino/retrieverd/internal/config"
	"github.com/kfujino/retrieverd/internal/embedder"
	"github.com/kfujino/retrieverd/internal/pipeline"
	"github.com/kfujino/retrieverd/internal/repository"
	"github.com/kfujino/retrieverd/internal/repository/postgres"
	"github.com/kfujino/retrieverd/internal/reranker"
	"github.com/kfujino/retrieverd/internal/server"
	"github.com/kfujino/retrieverd/internal/stats"
)

func main() {
	// Set up structured logging
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("starting retrieval service",
		"http_port", cfg.HTTPPort,
		"environment", cfg.Environment,
	)

	// Initialize PostgreSQL
	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	slog.Info("connected to PostgreSQL")

	// Initialize repositories
	tenantRepo := postgres.NewTenantRepo(db)
	sourceRepo := postgres.NewSourceRepo(db)

	// Initialize Ollama embedder
	embed := embedder.NewOllamaEmbedder(embedder.OllamaConfig{
		BaseURL: cfg.OllamaURL,
		Model:   cfg.OllamaEmbeddingModel,
	})
	slog.Info("initialized Ollama embedder", "model", cfg.OllamaEmbeddingModel)

	// Build the adapter registry. Each factory closes over its backend;
	// adapters without configured backends are simply not registered.
	registry := adapter.NewRegistry()
	if err := registry.Register("qdrant", func(ctx context.Context) (adapter.Adapter, error) {
		return adapter.NewQdrantAdapter(adapter.QdrantConfig{
			Addr:          cfg.QdrantGRPCURL,
			RequiredScope: cfg.QdrantRequiredScope,
		})
	}); err != nil {
		return err
	}
	if err := registry.Register("fulltext", func(ctx context.Context) (adapter.Adapter, error) {
		return adapter.NewFullTextAdapter(adapter.FullTextConfig{
			Pool:          db.Pool,
			RequiredScope: cfg.FullTextRequiredScope,
		})
	}); err != nil {
		return err
	}
	if err := registry.Register("graph", func(ctx context.Context) (adapter.Adapter, error) {
		return adapter.NewGraphAdapter(adapter.GraphConfig{
			Pool:          db.Pool,
			RequiredScope: cfg.GraphRequiredScope,
		})
	}); err != nil {
		return err
	}
	if cfg.ConnectorURL != "" {
		if err := registry.Register("connector", func(ctx context.Context) (adapter.Adapter, error) {
			return adapter.NewConnectorAdapter(adapter.ConnectorConfig{
				BaseURL:       cfg.ConnectorURL,
				RequiredScope: cfg.ConnectorRequiredScope,
			})
		}); err != nil {
			return err
		}
	}
	if err := registry.Build(ctx); err != nil {
		return fmt.Errorf("failed to build adapter registry: %w", err)
	}
	slog.Info("adapter registry built", "adapters", len(registry.Adapters()))

	// Assemble the pipeline
	dispatcher := pipeline.NewDispatcher(cfg.AdapterTimeout, slog.Default())
	pipelineOpts := []pipeline.PipelineOption{
		pipeline.WithEmbedder(embed),
	}
	if cfg.ScoringServiceURL != "" {
		crossEncoder := reranker.NewCrossEncoder(cfg.ScoringServiceURL,
			reranker.WithModel(cfg.ScoringModel),
		)
		pipelineOpts = append(pipelineOpts, pipeline.WithCrossEncoder(crossEncoder))
		slog.Info("initialized cross-encoder client", "model", cfg.ScoringModel)
	}
	pipe := pipeline.New(registry, dispatcher, slog.Default(), pipelineOpts...)

	// Stats recorder with TTL-based eviction
	recorder := stats.NewRecorder(cfg.StatsTTL)

	// Auth
	jwtManager := auth.NewJWTManager(auth.DefaultJWTConfig(cfg.JWTSecret))
	authMW := auth.NewMiddleware(tenantRepo, sourceRepo, jwtManager, slog.Default())

	// HTTP server
	httpServer, err := server.NewHTTPServer(server.HTTPServerConfig{
		Port:           cfg.HTTPPort,
		Logger:         slog.Default(),
		AllowedOrigins: []string{"*"}, // Configure in production
		Pipeline:       pipe,
		Defaults:       cfg,
		TenantRepo:     tenantRepo,
		SourceRepo:     sourceRepo,
		Stats:          recorder,
		AuthMW:         authMW,
		JWTManager:     jwtManager,
		AdminAPIKey:    cfg.AdminAPIKey,
		Ready: func(ctx context.Context) error {
			return db.Pool.Ping(ctx)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	// Run the server and the stats prune loop; either failing or a
	// shutdown signal stops both.
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("starting HTTP server", "port", cfg.HTTPPort)
		return httpServer.Start()
	})

	g.Go(func() error {
		recorder.PruneLoop(cfg.StatsPruneInterval, gctx.Done())
		return nil
	})

	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			slog.Info("received shutdown signal", "signal", sig)
		case <-gctx.Done():
			return gctx.Err()
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}

	slog.Info("server stopped")
	return nil
}

// Ensure interfaces are satisfied at compile time
var (
	_ repository.TenantRepository = (*postgres.TenantRepo)(nil)
	_ repository.SourceRepository = (*postgres.SourceRepo)(nil)
	_ embedder.Embedder           = (*embedder.OllamaEmbedder)(nil)
	_ pipeline.QueryEmbedder      = (*embedder.OllamaEmbedder)(nil)
	_ adapter.Adapter             = (*adapter.QdrantAdapter)(nil)
	_ adapter.Adapter             = (*adapter.FullTextAdapter)(nil)
	_ adapter.Adapter             = (*adapter.GraphAdapter)(nil)
	_ adapter.Adapter             = (*adapter.ConnectorAdapter)(nil)
	_ reranker.Reranker           = (*reranker.CrossEncoder)(nil)
)
