package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"kbassist-backend/ingest"
	"kbassist-backend/models"
)

// IngestMode selects where raw documents come from
type IngestMode string

const (
	// IngestLocal reads documents from a directory on disk
	IngestLocal IngestMode = "local"
	// IngestRemote downloads documents from the object store first
	IngestRemote IngestMode = "remote"
)

// ParseIngestMode validates an ingestion mode name
func ParseIngestMode(s string) (IngestMode, error) {
	switch IngestMode(s) {
	case IngestLocal, IngestRemote:
		return IngestMode(s), nil
	default:
		return "", fmt.Errorf("invalid ingest mode %q: must be local or remote", s)
	}
}

var (
	ErrIngestInProgress = errors.New("another ingestion run is in progress")
	ErrNoRemoteStorage  = errors.New("remote mode requires object storage")
)

// IngestRequest describes one rebuild of the knowledge base
type IngestRequest struct {
	Mode IngestMode
	// Dir overrides the configured raw documents directory in local mode
	Dir string
	// DryRun loads and chunks documents without touching the index
	DryRun bool
}

// IngestReport summarises a finished ingestion run
type IngestReport struct {
	Mode      IngestMode
	Documents int
	Failed    int
	Chunks    int
	Duration  time.Duration
	DryRun    bool
}

// IngestService rebuilds the vector index from Markdown documents
type IngestService struct {
	index       VectorIndex
	remote      RemoteFolders
	runs        IngestRunTracker
	chunker     *ingest.MarkdownChunker
	logger      *slog.Logger
	rawDir      string
	rawPrefix   string
	indexPrefix string
	running     atomic.Bool
}

// IngestServiceOption is a functional option for IngestService
type IngestServiceOption func(*IngestService)

// IngestWithVectorIndex sets the index being rebuilt
func IngestWithVectorIndex(index VectorIndex) IngestServiceOption {
	return func(s *IngestService) {
		s.index = index
	}
}

// IngestWithRemoteFolders sets the object store used in remote mode
func IngestWithRemoteFolders(remote RemoteFolders) IngestServiceOption {
	return func(s *IngestService) {
		s.remote = remote
	}
}

// IngestWithRunTracker sets the run tracker
func IngestWithRunTracker(runs IngestRunTracker) IngestServiceOption {
	return func(s *IngestService) {
		s.runs = runs
	}
}

// IngestWithChunker sets the Markdown chunker
func IngestWithChunker(chunker *ingest.MarkdownChunker) IngestServiceOption {
	return func(s *IngestService) {
		if chunker != nil {
			s.chunker = chunker
		}
	}
}

// IngestWithLogger sets the logger
func IngestWithLogger(logger *slog.Logger) IngestServiceOption {
	return func(s *IngestService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// IngestWithRawDir sets the local raw documents directory
func IngestWithRawDir(dir string) IngestServiceOption {
	return func(s *IngestService) {
		s.rawDir = dir
	}
}

// IngestWithPrefixes sets the object store prefixes for raw documents and the
// persisted index
func IngestWithPrefixes(rawPrefix, indexPrefix string) IngestServiceOption {
	return func(s *IngestService) {
		s.rawPrefix = rawPrefix
		s.indexPrefix = indexPrefix
	}
}

// NewIngestService creates a new ingestion service
func NewIngestService(opts ...IngestServiceOption) *IngestService {
	s := &IngestService{
		chunker:     ingest.NewMarkdownChunker(),
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		rawDir:      "data/raw",
		rawPrefix:   "data/raw",
		indexPrefix: "data/chroma",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run loads, chunks and indexes every Markdown document of the requested
// source, replacing the previous index contents.
func (s *IngestService) Run(ctx context.Context, req IngestRequest) (*IngestReport, error) {
	if _, err := ParseIngestMode(string(req.Mode)); err != nil {
		return nil, err
	}
	if req.Mode == IngestRemote && s.remote == nil {
		return nil, ErrNoRemoteStorage
	}
	if !req.DryRun && s.index == nil {
		return nil, errors.New("vector index not set")
	}

	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrIngestInProgress
	}
	defer s.running.Store(false)

	var run *models.IngestRun
	if s.runs != nil && !req.DryRun {
		active, err := s.runs.HasActive(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to check ingestion runs: %w", err)
		}
		if active {
			return nil, ErrIngestInProgress
		}
		run, err = s.runs.Begin(ctx, string(req.Mode))
		if err != nil {
			return nil, fmt.Errorf("failed to record ingestion run: %w", err)
		}
	}

	started := time.Now()
	report, err := s.run(ctx, req)
	if err != nil {
		if run != nil {
			if ferr := s.runs.Fail(ctx, run, err.Error()); ferr != nil {
				s.logger.Error("failed to mark ingestion run failed", "run", run.ID, "error", ferr)
			}
		}
		return nil, err
	}
	report.Duration = time.Since(started)

	if run != nil {
		run.Documents = report.Documents
		run.Failed = report.Failed
		run.Chunks = report.Chunks
		if err := s.runs.Complete(ctx, run); err != nil {
			return nil, fmt.Errorf("failed to complete ingestion run: %w", err)
		}
	}

	s.logger.Info("ingestion finished",
		"mode", report.Mode,
		"documents", report.Documents,
		"failed", report.Failed,
		"chunks", report.Chunks,
		"duration", report.Duration,
		"dry_run", report.DryRun,
	)
	return report, nil
}

func (s *IngestService) run(ctx context.Context, req IngestRequest) (*IngestReport, error) {
	dir := s.rawDir
	if req.Dir != "" {
		dir = req.Dir
	}

	if req.Mode == IngestRemote {
		tmp, err := os.MkdirTemp("", "kb-raw-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create download directory: %w", err)
		}
		defer os.RemoveAll(tmp)

		dir, err = s.remote.FetchFolder(ctx, s.rawPrefix, tmp)
		if err != nil {
			return nil, fmt.Errorf("failed to download raw documents: %w", err)
		}
		s.logger.Info("downloaded raw documents", "prefix", s.rawPrefix, "dir", dir)
	}

	docs, failed, err := s.loadDocuments(dir)
	if err != nil {
		return nil, err
	}
	chunks := s.chunker.SplitAll(docs)
	s.logger.Info("split documents", "documents", len(docs), "chunks", len(chunks))

	report := &IngestReport{
		Mode:      req.Mode,
		Documents: len(docs),
		Failed:    failed,
		Chunks:    len(chunks),
		DryRun:    req.DryRun,
	}
	if req.DryRun {
		return report, nil
	}

	if err := s.replaceIndex(ctx, chunks); err != nil {
		return nil, err
	}
	if counter, ok := s.index.(ChunkCounter); ok {
		if n, err := counter.Count(ctx); err != nil {
			s.logger.Warn("failed to count indexed chunks", "error", err)
		} else {
			s.logger.Info("index rebuilt", "indexed", n)
		}
	}

	if persister, ok := s.index.(Persister); ok && req.Mode == IngestRemote {
		if err := s.remote.ClearPrefix(ctx, s.indexPrefix); err != nil {
			return nil, fmt.Errorf("failed to clear remote index: %w", err)
		}
		if err := s.remote.PushFolder(ctx, persister.Dir(), s.indexPrefix); err != nil {
			return nil, fmt.Errorf("failed to upload index: %w", err)
		}
		s.logger.Info("uploaded index", "prefix", s.indexPrefix)
	}

	return report, nil
}

// loadDocuments parses every Markdown file under dir. Documents with broken
// frontmatter are counted and skipped. Document paths are recorded relative to
// dir so sources and chunk IDs do not depend on where the files were staged.
func (s *IngestService) loadDocuments(dir string) ([]models.Document, int, error) {
	paths, err := ingest.FindMarkdownFiles(dir)
	if err != nil {
		return nil, 0, err
	}

	docs := make([]models.Document, 0, len(paths))
	failed := 0
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("skipping unreadable document", "path", path, "error", err)
			failed++
			continue
		}
		if !ingest.HasFrontmatter(string(raw)) {
			s.logger.Debug("no frontmatter, using empty metadata", "path", path)
		}
		doc, err := ingest.ParseDocument(relativePath(dir, path), raw)
		if err != nil {
			s.logger.Warn("skipping document with malformed frontmatter", "path", path, "error", err)
			failed++
			continue
		}
		docs = append(docs, doc)
	}
	return docs, failed, nil
}

// relativePath returns path relative to root in slash form
func relativePath(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

// replaceIndex swaps the index contents for chunks. Indexes that support an
// atomic replace keep their previous contents when the rebuild fails.
func (s *IngestService) replaceIndex(ctx context.Context, chunks []models.Chunk) error {
	if replacer, ok := s.index.(IndexReplacer); ok {
		if err := replacer.Replace(ctx, chunks); err != nil {
			return fmt.Errorf("failed to replace index: %w", err)
		}
		return s.persist()
	}

	if resetter, ok := s.index.(IndexResetter); ok {
		if err := resetter.Reset(ctx); err != nil {
			return fmt.Errorf("failed to reset index: %w", err)
		}
	}
	if len(chunks) > 0 {
		if err := s.index.Add(ctx, chunks); err != nil {
			return fmt.Errorf("failed to add chunks: %w", err)
		}
	}
	return s.persist()
}

func (s *IngestService) persist() error {
	if persister, ok := s.index.(Persister); ok {
		if err := persister.Save(); err != nil {
			return fmt.Errorf("failed to persist index: %w", err)
		}
	}
	return nil
}
