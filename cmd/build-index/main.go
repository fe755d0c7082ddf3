package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kbassist-backend/config"
	"kbassist-backend/gemini"
	"kbassist-backend/repository"
	"kbassist-backend/service"
	"kbassist-backend/storage"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

type options struct {
	mode   string
	dir    string
	dryRun bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "build-index",
		Short: "Rebuild the knowledge base index from Markdown documents",
		Long: `build-index loads Markdown documents, splits them into heading-scoped
chunks, embeds them and replaces the contents of the configured index.

In local mode documents are read from --dir (default RAW_DOCS_DIR). In remote
mode they are downloaded from the object store under S3_RAW_PREFIX, and a
snapshot index is uploaded back under S3_INDEX_PREFIX.`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := service.ParseIngestMode(opts.mode)
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.mode, "mode", string(service.IngestLocal), "document source: local or remote")
	cmd.Flags().StringVar(&opts.dir, "dir", "", "local documents directory (overrides RAW_DOCS_DIR)")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "load and chunk documents without touching the index")

	return cmd
}

func run(ctx context.Context, opts *options) error {
	config.LoadDotEnv()
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := cfg.NewLogger().With("command", "build-index")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	mode := service.IngestMode(opts.mode)
	svcOpts := []service.IngestServiceOption{
		service.IngestWithLogger(logger),
		service.IngestWithChunker(cfg.Chunker()),
		service.IngestWithRawDir(cfg.RawDocsDir),
		service.IngestWithPrefixes(cfg.RawPrefix, cfg.IndexPrefix),
	}

	if mode == service.IngestRemote {
		store, err := storage.NewStorage(cfg.Storage)
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		svcOpts = append(svcOpts, service.IngestWithRemoteFolders(store))
	}

	if !opts.dryRun {
		index, cleanup, err := openIndex(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer cleanup()
		svcOpts = append(svcOpts, index...)
	}

	report, err := service.NewIngestService(svcOpts...).Run(ctx, service.IngestRequest{
		Mode:   mode,
		Dir:    opts.dir,
		DryRun: opts.dryRun,
	})
	if err != nil {
		logger.Error("ingestion failed", "error", err)
		return err
	}

	fmt.Printf("Documents: %d (failed: %d)\nChunks:    %d\nDuration:  %s\n",
		report.Documents, report.Failed, report.Chunks, report.Duration.Round(time.Millisecond))
	if report.DryRun {
		fmt.Println("Dry run: index left unchanged")
	}
	return nil
}

// openIndex wires the configured index backend and, for Postgres, the run
// tracker that prevents overlapping rebuilds
func openIndex(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]service.IngestServiceOption, func(), error) {
	client, err := gemini.NewClient(ctx, cfg.GeminiAPIKey)
	if err != nil {
		return nil, nil, err
	}
	embedder := gemini.NewEmbedder(client, cfg.EmbeddingModel)

	if cfg.IndexBackend == config.IndexSnapshot {
		index, err := repository.OpenSnapshotIndex(cfg.IndexDir, embedder)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		logger.Info("using snapshot index", "dir", cfg.IndexDir)
		return []service.IngestServiceOption{service.IngestWithVectorIndex(index)}, func() { client.Close() }, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	logger.Info("using pgvector index")

	cleanup := func() {
		pool.Close()
		client.Close()
	}
	return []service.IngestServiceOption{
		service.IngestWithVectorIndex(repository.NewChunkRepository(pool, embedder)),
		service.IngestWithRunTracker(repository.NewIngestRunRepository(pool)),
	}, cleanup, nil
}
