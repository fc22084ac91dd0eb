// Package app assembles the application: database pool, migrations,
// model clients, stores, the retrieval engine, the ingestion pipeline
// and the turn orchestrator.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"

	"github.com/fixwise/fixwise/db"
	"github.com/fixwise/fixwise/internal/config"
	"github.com/fixwise/fixwise/internal/conversation"
	"github.com/fixwise/fixwise/internal/fingerprint"
	"github.com/fixwise/fixwise/internal/ingest"
	"github.com/fixwise/fixwise/internal/intent"
	"github.com/fixwise/fixwise/internal/knowledge"
	"github.com/fixwise/fixwise/internal/llm"
	"github.com/fixwise/fixwise/internal/orchestrator"
	"github.com/fixwise/fixwise/internal/retrieval"
)

// App holds the assembled components and owns their lifecycles.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Pool          *pgxpool.Pool
	Genkit        *genkit.Genkit
	Atoms         *knowledge.Store
	Fingerprints  *fingerprint.Store
	Logs          *ingest.LogStore
	Conversations *conversation.Store
	Engine        *retrieval.Engine
	Pipeline      *ingest.Pipeline
	Orchestrator  *orchestrator.Orchestrator

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the App: runs migrations, opens the pool, initializes the
// model clients and wires every component. The returned App is ready;
// background work (the expiry sweeper) starts immediately.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := newPool(ctx, cfg)
	if err != nil {
		return nil, err
	}

	g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))

	// One limiter shared by every model call so embeddings and
	// completions draw from the same provider budget.
	limiter := rate.NewLimiter(rate.Limit(cfg.Ingest.RateLimit), cfg.Ingest.RateBurst)

	embedder, err := knowledge.NewEmbedder(
		googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel),
		cfg.EmbedTimeout, limiter, logger)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	completer, err := llm.NewGenkitCompleter(g, cfg.ModelName, cfg.CompletionTimeout, limiter,
		llm.RetryConfig{
			MaxRetries:      cfg.Ingest.MaxStageRetries,
			InitialInterval: cfg.Ingest.RetryBaseInterval,
			MaxInterval:     cfg.Ingest.RetryMaxInterval,
		}, logger)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating completer: %w", err)
	}

	app, err := assemble(cfg, logger, pool, g, embedder, completer)
	if err != nil {
		pool.Close()
		return nil, err
	}

	sweeper, err := conversation.NewSweeper(app.Conversations, cfg.Conversation.SweepInterval, logger)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating sweeper: %w", err)
	}
	sweepCtx, cancel := context.WithCancel(context.Background())
	app.cancel = cancel
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		sweeper.Run(sweepCtx)
	}()

	return app, nil
}

// assemble wires the stores and engines over already-created externals.
// Split out of New so tests can assemble over mocks.
func assemble(cfg *config.Config, logger *slog.Logger, pool *pgxpool.Pool, g *genkit.Genkit, embedder *knowledge.Embedder, completer llm.Completer) (*App, error) {
	atoms, err := knowledge.NewStore(pool, logger)
	if err != nil {
		return nil, fmt.Errorf("creating atom store: %w", err)
	}
	fingerprints, err := fingerprint.NewStore(pool, logger)
	if err != nil {
		return nil, fmt.Errorf("creating fingerprint store: %w", err)
	}
	logs, err := ingest.NewLogStore(pool, logger)
	if err != nil {
		return nil, fmt.Errorf("creating ingestion log store: %w", err)
	}

	registry, err := conversation.NewRegistry(conversation.DefaultFlows()...)
	if err != nil {
		return nil, fmt.Errorf("building flow registry: %w", err)
	}
	conversations, err := conversation.NewStore(pool, registry, cfg.Conversation.TTL, logger)
	if err != nil {
		return nil, fmt.Errorf("creating conversation store: %w", err)
	}

	engine, err := retrieval.NewEngine(atoms, embedder, retrieval.Config{
		TopK:                cfg.Retrieval.TopK,
		StrongTopScore:      cfg.Retrieval.StrongTopScore,
		MidScore:            cfg.Retrieval.MidScore,
		StrongMinCandidates: cfg.Retrieval.StrongMinCandidates,
		AdequateTopScore:    cfg.Retrieval.AdequateTopScore,
		StageTimeout:        cfg.Retrieval.StageTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating retrieval engine: %w", err)
	}

	generator, err := ingest.NewGenerator(completer, logger)
	if err != nil {
		return nil, fmt.Errorf("creating atom generator: %w", err)
	}
	pipeline, err := ingest.NewPipeline(ingest.Config{
		Workers:         cfg.Ingest.Workers,
		MaxStageRetries: cfg.Ingest.MaxStageRetries,
		RetryBase:       cfg.Ingest.RetryBaseInterval,
		RetryMax:        cfg.Ingest.RetryMaxInterval,
		MinQualityScore: cfg.Ingest.MinQualityScore,
		Chunking: ingest.ChunkConfig{
			MinWords: cfg.Ingest.ChunkMinWords,
			MaxWords: cfg.Ingest.ChunkMaxWords,
		},
	}, ingest.NewFetcher(cfg.CompletionTimeout), fingerprints, generator, nil, embedder, atoms, logs, logger)
	if err != nil {
		return nil, fmt.Errorf("creating pipeline: %w", err)
	}

	cls, err := intent.NewClassifier(completer, logger)
	if err != nil {
		return nil, fmt.Errorf("creating intent classifier: %w", err)
	}
	responder, err := orchestrator.NewLLMResponder(completer, logger)
	if err != nil {
		return nil, fmt.Errorf("creating responder: %w", err)
	}
	orch, err := orchestrator.New(cls, engine, conversations, responder, orchestrator.Thresholds{
		DirectAnswer: cfg.Routing.DirectAnswer,
		Clarify:      cfg.Routing.Clarify,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating orchestrator: %w", err)
	}
	// The model-backed responder also answers collaborative turns.
	orch.RegisterResponder(responder)

	return &App{
		Config:        cfg,
		Logger:        logger,
		Pool:          pool,
		Genkit:        g,
		Atoms:         atoms,
		Fingerprints:  fingerprints,
		Logs:          logs,
		Conversations: conversations,
		Engine:        engine,
		Pipeline:      pipeline,
		Orchestrator:  orch,
	}, nil
}

// newPool runs migrations and opens the connection pool.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.ConnString()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}
	poolCfg.MaxConns = cfg.PoolMaxConns
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// RetrievalHealth is the retrieval_health operational snapshot.
type RetrievalHealth struct {
	StoreReachable bool  `json:"store_reachable"`
	AtomCount      int64 `json:"atom_count"`
}

// IngestionStatus returns the ingestion_status counters.
func (a *App) IngestionStatus(ctx context.Context) (*ingest.Status, error) {
	return a.Logs.Snapshot(ctx)
}

// RetrievalHealthCheck reports store reachability and corpus size.
// An unreachable store is a report, not an error.
func (a *App) RetrievalHealthCheck(ctx context.Context) (*RetrievalHealth, error) {
	h := &RetrievalHealth{}
	if err := a.Atoms.Health(ctx); err != nil {
		a.Logger.Warn("knowledge store unreachable", "error", err)
		return h, nil
	}
	h.StoreReachable = true
	n, err := a.Atoms.Count(ctx)
	if err != nil {
		return nil, err
	}
	h.AtomCount = n
	return h, nil
}

// Close stops background work and releases the pool.
func (a *App) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	if a.Pool != nil {
		a.Pool.Close()
	}
}
