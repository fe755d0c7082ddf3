package main

import (
	"context"
	"log"
	"log/slog"
	"os"

	"kbassist-backend/config"
	"kbassist-backend/gemini"
	"kbassist-backend/handlers"
	"kbassist-backend/repository"
	"kbassist-backend/service"
	"kbassist-backend/storage"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	// Load .env file from project root (relative to cmd/server/)
	// Try current directory first, then project root
	if !config.LoadDotEnv() {
		log.Printf("Warning: No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	logger := cfg.NewLogger()

	ctx := context.Background()

	// Initialize Gemini client
	client, err := gemini.NewClient(ctx, cfg.GeminiAPIKey)
	if err != nil {
		fatal(logger, "failed to initialize Gemini", err)
	}
	defer client.Close()
	logger.Info("Gemini client initialized", "chat_model", cfg.ChatModel, "embedding_model", cfg.EmbeddingModel)

	embedder := gemini.NewEmbedder(client, cfg.EmbeddingModel)

	// Initialize the vector index
	var index service.VectorIndex
	switch cfg.IndexBackend {
	case config.IndexSnapshot:
		snapshot, err := openSnapshot(ctx, cfg, embedder, logger)
		if err != nil {
			fatal(logger, "failed to open index snapshot", err)
		}
		index = snapshot
	default:
		db, err := initPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			fatal(logger, "failed to initialize Postgres", err)
		}
		defer db.Close()
		logger.Info("Postgres connection established")
		index = repository.NewChunkRepository(db, embedder)
	}

	// Initialize conversation storage
	sessions, err := repository.OpenSessionRepository(cfg.SessionDBPath, cfg.SessionLimit)
	if err != nil {
		fatal(logger, "failed to open session database", err)
	}
	defer sessions.Close()

	// Initialize services
	queryService := service.NewQueryService(
		service.QueryWithVectorIndex(index),
		service.QueryWithChatModel(gemini.NewChatModel(client, cfg.ChatModel)),
		service.QueryWithLogger(logger.With("component", "query")),
		service.QueryWithThreshold(cfg.RelevanceThreshold),
		service.QueryWithTopK(cfg.TopK),
		service.QueryWithBudget(cfg.Budget()),
		service.QueryWithFallbackMode(cfg.FallbackMode),
		service.QueryWithProtectedSystemTurn(cfg.ProtectSystemTurn),
	)

	// Initialize handlers
	queryHandler := handlers.NewQueryHandler(queryService, sessions, logger.With("component", "http"))
	queryHandler.SetSecureCookie(cfg.CookieSecure)

	// Setup Gin router
	r := gin.Default()
	queryHandler.RegisterRoutes(r)

	logger.Info("server starting", "port", cfg.Port, "index", cfg.IndexBackend)
	if err := r.Run(":" + cfg.Port); err != nil {
		fatal(logger, "failed to start server", err)
	}
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}

func initPostgres(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// openSnapshot loads the file-backed index, downloading it from object
// storage first when REMOTE_INDEX is set. The snapshot is held in memory once
// opened, so the download is removed straight away.
func openSnapshot(ctx context.Context, cfg *config.Config, embedder repository.Embedder, logger *slog.Logger) (*repository.SnapshotIndex, error) {
	if !cfg.RemoteIndex {
		return loadSnapshot(cfg.IndexDir, embedder, logger)
	}

	store, err := storage.NewStorage(cfg.Storage)
	if err != nil {
		return nil, err
	}
	tmp, err := os.MkdirTemp("", "kb-index-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmp)

	dir, err := store.FetchFolder(ctx, cfg.IndexPrefix, tmp)
	if err != nil {
		return nil, err
	}
	logger.Info("downloaded index snapshot", "prefix", cfg.IndexPrefix, "dir", dir)
	return loadSnapshot(dir, embedder, logger)
}

func loadSnapshot(dir string, embedder repository.Embedder, logger *slog.Logger) (*repository.SnapshotIndex, error) {
	index, err := repository.OpenSnapshotIndex(dir, embedder)
	if err != nil {
		return nil, err
	}
	if index.Len() == 0 {
		logger.Warn("index snapshot is empty or missing; queries will report a missing knowledge base", "dir", dir)
	}
	return index, nil
}
