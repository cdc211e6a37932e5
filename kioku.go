// Package kioku is the public API for embedding the Kioku persona memory
// runtime.
//
// Consumers import this package to construct and run the server without
// forking it:
//
//	app, err := kioku.New(
//	    kioku.WithVersion(version),
//	    kioku.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: kioku (root) imports
// internal/*, but internal/* never imports kioku (root). Public extension
// interfaces (EmbeddingProvider, LLMProvider) are stdlib-only; the adapters
// live here because this is the only file that sees both sides of the
// boundary.
package kioku

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/kioku/api"
	"github.com/ashita-ai/kioku/internal/config"
	"github.com/ashita-ai/kioku/internal/mcp"
	"github.com/ashita-ai/kioku/internal/persona"
	"github.com/ashita-ai/kioku/internal/server"
	"github.com/ashita-ai/kioku/internal/service/conversation"
	"github.com/ashita-ai/kioku/internal/service/decay"
	"github.com/ashita-ai/kioku/internal/service/embedding"
	"github.com/ashita-ai/kioku/internal/service/importance"
	"github.com/ashita-ai/kioku/internal/service/llm"
	"github.com/ashita-ai/kioku/internal/service/memory"
	"github.com/ashita-ai/kioku/internal/service/prune"
	"github.com/ashita-ai/kioku/internal/storage"
	"github.com/ashita-ai/kioku/internal/telemetry"
	"github.com/ashita-ai/kioku/internal/vectorstore"
	"github.com/ashita-ai/kioku/migrations"
)

// Shutdown phase budgets. HTTP drain closes live WebSocket sessions; the
// buffer and decay drains flush pending access bumps and finish the cycle
// in flight.
const (
	shutdownHTTPTimeout  = 10 * time.Second
	shutdownDrainTimeout = 5 * time.Second
)

// App is the Kioku server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB         // nil without DATABASE_URL
	qdrant       *vectorstore.Qdrant // nil when the in-memory store is active
	srv          *server.Server
	registry     *persona.Registry
	manager      *memory.Manager
	decay        *decay.Worker
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the Kioku runtime. It connects to configured backends,
// runs migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("kioku starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Persona source: Postgres when DATABASE_URL is set, else a JSON file,
	// else the built-in demo cast.
	var db *storage.DB
	var source persona.Source
	switch {
	case cfg.DatabaseURL != "":
		db, err = storage.New(context.Background(), cfg.DatabaseURL, logger)
		if err != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("storage: %w", err)
		}
		if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("migrations: %w", err)
		}
		source = db
		logger.Info("personas: postgres")
	case cfg.PersonasFile != "":
		source = persona.FileSource{Path: cfg.PersonasFile}
		logger.Info("personas: file", "path", cfg.PersonasFile)
	default:
		source = persona.BuiltinSource{}
		logger.Info("personas: built-in demo cast (no DATABASE_URL or KIOKU_PERSONAS_FILE)")
	}

	cleanup := func() {
		if db != nil {
			db.Close()
		}
		_ = otelShutdown(context.Background())
	}

	registry := persona.NewRegistry(source, logger)
	if err := registry.Load(context.Background()); err != nil {
		cleanup()
		return nil, fmt.Errorf("persona registry: %w", err)
	}

	// Embedding provider — external override takes priority over auto-detect.
	var embedder embedding.Provider
	var embedderName string
	if o.embeddingProvider != nil {
		embedder = &embeddingAdapter{p: o.embeddingProvider}
		embedderName = "external"
	} else {
		embedder, embedderName = newEmbeddingProvider(cfg, logger)
	}

	// Vector store. Empty QDRANT_URL selects the in-process index.
	var store vectorstore.Store
	var qdrantStore *vectorstore.Qdrant
	var storeName string
	if cfg.QdrantURL != "" {
		qdrantStore, err = vectorstore.NewQdrant(vectorstore.QdrantConfig{
			URL:              cfg.QdrantURL,
			APIKey:           cfg.QdrantAPIKey,
			CollectionPrefix: cfg.CollectionPrefix,
			Dims:             uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("qdrant: %w", err)
		}
		store = qdrantStore
		storeName = "qdrant"
		logger.Info("vector store: qdrant", "prefix", cfg.CollectionPrefix)
	} else {
		store = vectorstore.NewInMemory()
		storeName = "memory"
		logger.Info("vector store: in-memory (no QDRANT_URL; memories do not survive restarts)")
	}

	scorer, err := importance.New(importance.Config{
		Weights: importance.Weights{
			Content:      cfg.Weights.Content,
			Engagement:   cfg.Weights.Engagement,
			Persona:      cfg.Weights.Persona,
			Temporal:     cfg.Weights.Temporal,
			Relationship: cfg.Weights.Relationship,
			Recency:      cfg.Weights.Recency,
		},
		ClipMin: cfg.ImportanceMin,
		ClipMax: cfg.ImportanceMax,
	})
	if err != nil {
		if qdrantStore != nil {
			_ = qdrantStore.Close()
		}
		cleanup()
		return nil, fmt.Errorf("importance: %w", err)
	}

	manager := memory.NewManager(store, embedder, scorer, registry, logger, memory.Config{
		AccessFlushInterval: cfg.AccessFlushInterval,
		AccessBufferSize:    cfg.AccessBufferSize,
	})

	pruner := prune.New(manager, prune.NewGate(), prune.FromConfig(cfg), logger)
	decayWorker := decay.NewWorker(manager, pruner, decay.FromConfig(cfg), logger)

	convScorer := conversation.New(conversation.Config{
		ContinueThreshold: cfg.ContinueThreshold,
		LowTokenBudget:    cfg.LowTokenBudget,
		MinTimeThreshold:  cfg.MinTimeThreshold,
		LargeStatusGap:    cfg.LargeStatusGap,
		FatigueSaturation: cfg.FatigueSaturation,
	})

	var llmProvider llm.Provider
	if o.llmProvider != nil {
		llmProvider = &llmAdapter{p: o.llmProvider}
	} else {
		llmProvider = newLLMProvider(cfg, logger)
	}

	mcpSrv := mcp.New(manager, registry, pruner, logger, version)

	srv := server.New(server.Config{
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}, server.Deps{
		Registry:       registry,
		Memory:         manager,
		Pruner:         pruner,
		Decay:          decayWorker,
		Conversation:   convScorer,
		LLM:            llmProvider,
		Store:          store,
		Logger:         logger,
		MCPServer:      mcpSrv.MCPServer(),
		MethodsCatalog: api.MethodsCatalog,
		Version:        version,
		EmbedderName:   embedderName,
		StoreName:      storeName,
		TokenBudget:    cfg.DefaultTokenBudget,
		BaseCooldown:   cfg.BaseCooldown,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		qdrant:       qdrantStore,
		srv:          srv,
		registry:     registry,
		manager:      manager,
		decay:        decayWorker,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts all background goroutines and the server, then blocks until ctx
// is cancelled or a fatal server error occurs. On return, Shutdown is called
// automatically — callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	a.manager.Start(ctx)
	a.decay.Start(ctx)
	go a.registry.Start(ctx, a.cfg.PersonaRefreshInterval)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a three-phase graceful shutdown:
// (1) stop accepting connections and drain in-flight sessions,
// (2) flush buffered access bumps to the vector store,
// (3) wait for a decay cycle in flight to finish.
// It then closes the vector store, the database pool, and the OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("kioku shutting down")

	// Phase 1: HTTP and WebSocket drain.
	httpCtx, httpCancel := context.WithTimeout(ctx, shutdownHTTPTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	// Phase 2: access buffer drain.
	bufCtx, bufCancel := context.WithTimeout(ctx, shutdownDrainTimeout)
	a.manager.Drain(bufCtx)
	bufCancel()

	// Phase 3: decay drain.
	decayCtx, decayCancel := context.WithTimeout(ctx, shutdownDrainTimeout)
	a.decay.Drain(decayCtx)
	decayCancel()

	if a.qdrant != nil {
		_ = a.qdrant.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
	_ = a.otelShutdown(context.Background())

	a.logger.Info("kioku stopped")
	return nil
}

// ── Provider selection ─────────────────────────────────────────────────────────

func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) (embedding.Provider, string) {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when KIOKU_EMBEDDING_PROVIDER=openai")
			return embedding.NewNoopProvider(dims), "noop"
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims), "openai"
	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims), "ollama"
	case "noop":
		logger.Info("embedding provider: noop (semantic recall disabled)")
		return embedding.NewNoopProvider(dims), "noop"
	case "auto":
		fallthrough
	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims), "ollama"
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel, "dimensions", dims)
			return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims), "openai"
		}
		logger.Warn("no embedding provider available, using noop (semantic recall disabled)")
		return embedding.NewNoopProvider(dims), "noop"
	}
}

func newLLMProvider(cfg config.Config, logger *slog.Logger) llm.Provider {
	switch cfg.LLMProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when KIOKU_LLM_PROVIDER=openai")
			return llm.NewNoopProvider()
		}
		logger.Info("llm provider: openai", "model", cfg.LLMModel)
		return llm.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.LLMModel)
	case "ollama":
		logger.Info("llm provider: ollama", "url", cfg.OllamaURL, "model", cfg.LLMModel)
		return llm.NewOllamaProvider(cfg.OllamaURL, cfg.LLMModel)
	case "noop":
		logger.Info("llm provider: noop (canned replies)")
		return llm.NewNoopProvider()
	case "auto":
		fallthrough
	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("llm provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.LLMModel)
			return llm.NewOllamaProvider(cfg.OllamaURL, cfg.LLMModel)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("llm provider: openai (auto-detected)", "model", cfg.LLMModel)
			return llm.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.LLMModel)
		}
		logger.Warn("no llm provider available, using noop (canned replies)")
		return llm.NewNoopProvider()
	}
}

func ollamaReachable(baseURL string) bool {
	c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(c, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// ── Adapters (defined here because this file imports both sides) ───────────────

// embeddingAdapter wraps a public EmbeddingProvider to satisfy
// embedding.Provider, converting []float32 to pgvector.Vector at the boundary.
type embeddingAdapter struct {
	p EmbeddingProvider
}

func (a *embeddingAdapter) Dimensions() int { return a.p.Dimensions() }

func (a *embeddingAdapter) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	vec, err := a.p.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(vec), nil
}

func (a *embeddingAdapter) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	vecs, err := a.p.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	out := make([]pgvector.Vector, len(vecs))
	for i, v := range vecs {
		out[i] = pgvector.NewVector(v)
	}
	return out, nil
}

// llmAdapter wraps a public LLMProvider to satisfy llm.Provider.
type llmAdapter struct {
	p LLMProvider
}

func (a *llmAdapter) Name() string { return a.p.Name() }

func (a *llmAdapter) Complete(ctx context.Context, req llm.Request) (string, error) {
	return a.p.Complete(ctx, toPublicRequest(req))
}

func (a *llmAdapter) Stream(ctx context.Context, req llm.Request, onChunk func(chunk string) error) (string, error) {
	return a.p.Stream(ctx, toPublicRequest(req), onChunk)
}

func toPublicRequest(req llm.Request) CompletionRequest {
	out := CompletionRequest{
		Messages:  make([]Message, len(req.Messages)),
		MaxTokens: req.MaxTokens,
	}
	for i, m := range req.Messages {
		out.Messages[i] = Message{Role: m.Role, Content: m.Content}
	}
	return out
}
