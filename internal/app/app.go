// Package app assembles the backend from configuration. Both binaries build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/anas-aljanaby/call-center-backend/internal/chunker"
	"github.com/anas-aljanaby/call-center-backend/internal/config"
	"github.com/anas-aljanaby/call-center-backend/internal/docwatch"
	"github.com/anas-aljanaby/call-center-backend/internal/embedding"
	"github.com/anas-aljanaby/call-center-backend/internal/events"
	"github.com/anas-aljanaby/call-center-backend/internal/extractor"
	"github.com/anas-aljanaby/call-center-backend/internal/indexer"
	"github.com/anas-aljanaby/call-center-backend/internal/logger"
	"github.com/anas-aljanaby/call-center-backend/internal/pipeline"
	"github.com/anas-aljanaby/call-center-backend/internal/processor"
	"github.com/anas-aljanaby/call-center-backend/internal/retrieval"
	"github.com/anas-aljanaby/call-center-backend/internal/storage"
	"github.com/anas-aljanaby/call-center-backend/internal/store"
	"github.com/anas-aljanaby/call-center-backend/internal/throttle"
	"github.com/anas-aljanaby/call-center-backend/internal/transcription"
	"github.com/anas-aljanaby/call-center-backend/internal/types"
)

type App struct {
	Config *config.Config
	Log    *logger.Logger

	Store        store.Store
	Publisher    events.Publisher
	Orchestrator *processor.Orchestrator
	Pool         *pipeline.Pool
	Indexer      *indexer.Service
	Retrieval    *retrieval.Engine
	Answerer     *retrieval.Answerer
	Reviewer     extractor.Reviewer

	callLimiter  *throttle.Limiter
	embedLimiter *throttle.Limiter
}

// New builds every component. The store is Postgres when DatabaseURL is set and an
// in-memory store otherwise; external services fall back to their mocks when asked to.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	resolver, err := storage.NewResolver(cfg.Storage.RecordingsBaseURL)
	if err != nil {
		st.Close()
		return nil, err
	}

	var publisher events.Publisher = events.Noop{}
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.OutcomeTopic != "" {
		publisher = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.OutcomeTopic, log)
	}

	// calls and documents are throttled separately
	callLimiter := throttle.New(throttle.Config{
		MaxConcurrent:     cfg.Processing.MaxConcurrentCalls,
		RequestsPerSecond: cfg.Processing.CallsPerSecond,
		Timeout:           cfg.Processing.StageTimeout,
	})

	orch := processor.New(processor.Options{
		Store:       st,
		Resolver:    resolver,
		Prober:      transcriptionProber(cfg),
		Transcriber: transcriber(cfg, log),
		Analyzer:    analyzer(cfg, log),
		Summarizer:  summarizer(cfg, log),
		Publisher:   publisher,
		Limiter:     callLimiter,
		Config: processor.Config{
			MaxAttempts: cfg.Processing.MaxAttempts,
			MaxRetries:  cfg.Processing.MaxRetries,
		},
		Logger: log,
	})

	pool := pipeline.NewPool(orch, st, pipeline.Config{
		Workers:      cfg.Processing.Workers,
		QueueSize:    cfg.Processing.QueueSize,
		MaxAttempts:  cfg.Processing.MaxAttempts,
		PollInterval: cfg.Processing.PollInterval,
	}, log)

	var (
		emb     embedding.Embedder
		counter embedding.Counter
	)
	if cfg.Embedding.Mock {
		// the tokenizer fetches its ranks on first use; mock mode stays offline
		emb, counter = embedding.Mock{Dims: cfg.Embedding.Dimensions}, embedding.EstimateCounter{}
	} else {
		emb = embedding.NewClient(embedding.ClientConfig{
			URL:        cfg.Embedding.URL,
			APIKey:     cfg.Embedding.APIKey,
			Model:      cfg.Embedding.Model,
			Dimensions: cfg.Embedding.Dimensions,
		}, log)
		counter = embedding.NewTokenCounter("", log)
	}
	embedLimiter := throttle.New(throttle.Config{
		MaxConcurrent:     int64(cfg.Chunking.Workers),
		RequestsPerSecond: cfg.Embedding.RatePerSec,
		Timeout:           cfg.Processing.StageTimeout,
	})
	embedder := embedding.NewIndexer(emb, counter, embedLimiter, embedding.IndexerConfig{
		BatchSize:   cfg.Embedding.BatchSize,
		BatchTokens: cfg.Embedding.BatchTokens,
		MaxRetries:  cfg.Processing.MaxRetries,
	}, log)

	ix := indexer.NewService(st,
		chunker.New(chunker.WithSize(cfg.Chunking.Size), chunker.WithOverlap(cfg.Chunking.Overlap)),
		embedder,
		indexer.Config{Workers: cfg.Chunking.Workers, RetryInterval: cfg.Chunking.RetryInterval},
		log)

	engine := retrieval.NewEngine(st, st, embedder, emb.Dimensions(), log)
	reviewer, completer := reviewTools(cfg, log)

	return &App{
		Config:       cfg,
		Log:          log,
		Store:        st,
		Publisher:    publisher,
		Orchestrator: orch,
		Pool:         pool,
		Indexer:      ix,
		Retrieval:    engine,
		Answerer:     retrieval.NewAnswerer(engine, completer, log),
		Reviewer:     reviewer,
		callLimiter:  callLimiter,
		embedLimiter: embedLimiter,
	}, nil
}

func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set, using in-memory store")
		return store.NewMemoryStore(), nil
	}
	pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL, cfg.Embedding.Dimensions)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pg.Init(ctx); err != nil {
		pg.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return pg, nil
}

func transcriber(cfg *config.Config, log *logger.Logger) transcription.Transcriber {
	if cfg.Transcription.Mock || cfg.Transcription.URL == "" {
		log.Info("using mock transcription")
		return transcription.Mock{}
	}
	return transcription.NewClient(transcription.Config{
		BaseURL:      cfg.Transcription.URL,
		PollInterval: cfg.Transcription.PollInterval,
		PollAttempts: cfg.Transcription.PollAttempts,
	}, log)
}

// transcriptionProber is skipped in mock mode, where recordings need not exist.
func transcriptionProber(cfg *config.Config) processor.Prober {
	if cfg.Transcription.Mock || cfg.Transcription.URL == "" {
		return nil
	}
	return transcription.NewProber(nil)
}

func gateway(cfg *config.Config, log *logger.Logger) *extractor.Gateway {
	return extractor.NewGateway(extractor.GatewayConfig{
		URL:        cfg.LLM.GatewayURL,
		APIKey:     cfg.LLM.APIKey,
		Model:      cfg.LLM.Model,
		MaxElapsed: 20 * time.Second,
	}, log)
}

func analyzer(cfg *config.Config, log *logger.Logger) extractor.Analyzer {
	if cfg.LLM.Mock || cfg.LLM.GatewayURL == "" {
		log.Info("using keyword analyzer")
		return extractor.NewKeywordAnalyzer(cfg.Processing.ConfidenceThreshold)
	}
	return extractor.NewLLMAnalyzer(gateway(cfg, log), cfg.Processing.ConfidenceThreshold)
}

func summarizer(cfg *config.Config, log *logger.Logger) extractor.Summarizer {
	if cfg.LLM.Mock || cfg.LLM.GatewayURL == "" {
		return extractor.HeuristicSummarizer{}
	}
	return extractor.NewLLMSummarizer(gateway(cfg, log))
}

// reviewTools returns the transcript reviewer and the completer used to answer
// questions. Without a gateway, review falls back to keywords and answers to the best
// matching chunk.
func reviewTools(cfg *config.Config, log *logger.Logger) (extractor.Reviewer, retrieval.Completer) {
	if cfg.LLM.Mock || cfg.LLM.GatewayURL == "" {
		return extractor.KeywordReviewer{}, nil
	}
	gw := gateway(cfg, log)
	return extractor.NewLLMReviewer(gw), gw
}

// Run serves the background work: the call pool, the indexer, and when configured
// the Kafka upload consumer and the documents folder watcher. It returns when ctx is
// done or one of them fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Pool.Run(ctx)
		return nil
	})
	g.Go(func() error {
		a.Indexer.Run(ctx)
		return nil
	})

	k := a.Config.Kafka
	if len(k.Brokers) > 0 && k.UploadTopic != "" {
		consumer := events.NewConsumer(k.Brokers, k.UploadTopic, k.GroupID, a.Log)
		g.Go(func() error {
			defer consumer.Close()
			err := consumer.Run(ctx, func(ctx context.Context, id uuid.UUID) error {
				// a full queue is fine: the poller finds the call later
				if err := a.Pool.Enqueue(id); err != nil && !errors.Is(err, pipeline.ErrQueueFull) {
					return err
				}
				return nil
			})
			if ctx.Err() != nil {
				return nil
			}
			return err
		})
	}

	if dir := a.Config.Storage.DocumentsDir; dir != "" {
		w := docwatch.New(docwatch.Config{
			Dir:      dir,
			Category: types.Category(a.Config.Storage.DocumentCategory),
		}, a.Indexer, a.Log)
		g.Go(func() error { return w.Run(ctx) })
	}

	return g.Wait()
}

func (a *App) Close() error {
	return errors.Join(a.Publisher.Close(), a.Store.Close())
}
