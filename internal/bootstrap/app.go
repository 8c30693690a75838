package bootstrap

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"studymate/internal/ai"
	"studymate/internal/app"
	"studymate/internal/cache"
	"studymate/internal/chunker"
	"studymate/internal/config"
	"studymate/internal/model"
	"studymate/internal/platform/database"
	rabbitmqClient "studymate/internal/platform/rabbitmq"
	redisClient "studymate/internal/platform/redis"
	"studymate/internal/rag"
	"studymate/internal/repository"
	"studymate/internal/vectorindex"
	"studymate/internal/worker"
)

type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	DB        *gorm.DB
	Redis     *redis.Client
	MQConn    *amqp.Connection
	Publisher *rabbitmqClient.IngestPublisher
	RAG       *app.RAGService

	ingestWorker *worker.IngestWorker
	StartedAt    time.Time
}

// New connects every backing service, wires the pipeline and reconciles the
// vector index with the chunk store before returning.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger, StartedAt: time.Now()}
	if err := a.init(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.Config

	db, err := database.New(ctx, database.Options{
		Driver:       cfg.Database.Driver,
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
		LogQueries:   cfg.Database.LogQueries,
	})
	if err != nil {
		return err
	}
	a.DB = db
	if err := db.AutoMigrate(&model.Document{}, &model.Chunk{}); err != nil {
		return fmt.Errorf("auto migrate tables failed: %w", err)
	}

	if cfg.Redis.Enabled {
		a.Redis, err = redisClient.New(ctx, redisClient.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return err
		}
	}

	if cfg.RabbitMQ.Enabled {
		a.MQConn, err = rabbitmqClient.New(ctx, cfg.RabbitMQ.URL, cfg.RabbitMQ.IngestQueue)
		if err != nil {
			return err
		}
		a.Publisher = rabbitmqClient.NewIngestPublisher(a.MQConn, cfg.RabbitMQ.IngestQueue)
	}

	a.RAG, err = a.buildRAG()
	if err != nil {
		return err
	}

	report, err := a.RAG.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("reconcile vector index failed: %w", err)
	}
	a.Logger.Info("vector index ready",
		zap.Int("entries", report.IndexEntries),
		zap.Int("snapshot_loaded", report.SnapshotLoaded),
		zap.Int("restored", report.Restored),
		zap.Int("orphans", report.Orphans),
	)
	return nil
}

func (a *App) buildRAG() (*app.RAGService, error) {
	cfg := a.Config
	logger := a.Logger

	splitter, err := chunker.New(cfg.RAG.ChunkSize, cfg.RAG.ChunkOverlap)
	if err != nil {
		return nil, err
	}

	client := ai.NewOpenAICompatibleClient(ai.WithRateLimit(cfg.LLM.RequestsPerSecond, cfg.LLM.Burst))

	var (
		embedder   rag.Embedder
		cacheModel string
		dimension  int
	)
	switch cfg.LLM.EmbeddingProvider {
	case "hash":
		hash := ai.NewHashEmbedder(cfg.LLM.HashDimension)
		embedder = hash
		dimension = hash.Dimension()
		cacheModel = fmt.Sprintf("hash-%d", dimension)
	default:
		embedder = ai.NewEmbeddingProvider(client, ai.EmbeddingConfig{
			BaseURL:    cfg.LLM.BaseURL,
			APIKey:     cfg.LLM.APIKey,
			Model:      cfg.LLM.EmbeddingModel,
			Dimensions: cfg.LLM.EmbeddingDimensions,
		}, cfg.LLM.EmbeddingBatchSize)
		dimension = cfg.LLM.EmbeddingDimensions
		cacheModel = cfg.LLM.EmbeddingModel
	}

	indexOpts := []vectorindex.Option{
		vectorindex.WithExactThreshold(cfg.RAG.ExactThreshold),
		vectorindex.WithProbe(cfg.RAG.NProbe),
	}
	if cfg.RAG.NList > 0 {
		indexOpts = append(indexOpts, vectorindex.WithLists(cfg.RAG.NList))
	}
	if dimension > 0 {
		indexOpts = append(indexOpts, vectorindex.WithDimension(dimension))
	}
	index := vectorindex.New(indexOpts...)

	docs := repository.NewDocumentRepository(a.DB)
	chunks := repository.NewChunkRepository(a.DB)

	retrieverOpts := []rag.RetrieverOption{
		rag.WithSourceResolver(docs),
		rag.WithEmbedTimeout(cfg.RAG.EmbedTimeout()),
		rag.WithMinScore(cfg.RAG.MinScore),
	}
	var snapshot app.IndexSnapshot
	if a.Redis != nil {
		ttl := time.Duration(cfg.Redis.EmbeddingCacheTTLSeconds) * time.Second
		retrieverOpts = append(retrieverOpts, rag.WithQueryCache(cache.NewEmbeddingCache(a.Redis, cacheModel, ttl, logger)))
		if cfg.RAG.Snapshot {
			snapshot = cache.NewIndexSnapshot(a.Redis, cfg.Redis.SnapshotKey)
		}
	}
	retriever := rag.NewRetriever(embedder, index, chunks, logger, retrieverOpts...)

	generator := ai.NewChatProvider(client, ai.ChatConfig{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	})
	assembler := rag.NewAssembler(generator, rag.AssemblerConfig{
		ContextChars:    cfg.RAG.ContextChars,
		MaxTokens:       cfg.LLM.MaxTokens,
		Temperature:     cfg.LLM.Temperature,
		GenerateTimeout: cfg.RAG.GenerateTimeout(),
	}, logger)

	return app.NewRAGService(docs, chunks, index, snapshot, embedder, splitter, retriever, assembler, app.RAGConfig{
		TopK:          cfg.RAG.TopK,
		IngestTimeout: cfg.RAG.IngestTimeout(),
		UserScoped:    cfg.RAG.UserScoped(),
	}, logger), nil
}

// StartWorkers begins consuming the ingest queue when asynchronous ingestion
// is enabled.
func (a *App) StartWorkers(ctx context.Context) error {
	if !a.Config.RAG.AsyncIngest || a.MQConn == nil {
		return nil
	}
	a.ingestWorker = worker.NewIngestWorker(a.MQConn, a.RAG, a.Config.RabbitMQ.IngestQueue, a.Config.RAG.IngestWorkers, a.Logger)
	if err := a.ingestWorker.Start(ctx); err != nil {
		return fmt.Errorf("start ingest worker failed: %w", err)
	}
	return nil
}

// IngestQueue returns the publisher uploads should go through, or nil when
// documents are ingested inline.
func (a *App) IngestQueue() *rabbitmqClient.IngestPublisher {
	if !a.Config.RAG.AsyncIngest {
		return nil
	}
	return a.Publisher
}

func (a *App) Close() error {
	var closeErr error
	if a.ingestWorker != nil {
		a.ingestWorker.Close()
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			closeErr = err
		}
	}
	if a.MQConn != nil {
		if err := a.MQConn.Close(); err != nil {
			closeErr = err
		}
	}
	if a.DB != nil {
		sqlDB, err := a.DB.DB()
		if err == nil {
			if err := sqlDB.Close(); err != nil {
				closeErr = err
			}
		}
	}
	_ = a.Logger.Sync()
	return closeErr
}
