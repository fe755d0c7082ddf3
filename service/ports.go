package service

import (
	"context"

	"kbassist-backend/models"
)

// EmbeddingProvider turns text into dense vectors
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorIndex stores chunks and answers similarity queries, best match first
type VectorIndex interface {
	Add(ctx context.Context, chunks []models.Chunk) error
	Query(ctx context.Context, text string, k int) ([]models.RetrievalResult, error)
}

// IndexResetter is implemented by indexes that can drop everything they hold
type IndexResetter interface {
	Reset(ctx context.Context) error
}

// IndexReplacer is implemented by indexes that can swap in a new set of
// chunks atomically. A failed Replace leaves the previous contents in place.
type IndexReplacer interface {
	Replace(ctx context.Context, chunks []models.Chunk) error
}

// ChunkCounter reports how many chunks an index holds
type ChunkCounter interface {
	Count(ctx context.Context) (int, error)
}

// ChatOptions tunes a single completion
type ChatOptions struct {
	Temperature   float64
	MaxReplyUnits int
}

// DefaultChatOptions returns the completion settings used for answers
func DefaultChatOptions() ChatOptions {
	return ChatOptions{Temperature: 0.7, MaxReplyUnits: 500}
}

// ChatModel produces a reply for an ordered list of turns
type ChatModel interface {
	Complete(ctx context.Context, turns []models.Turn, opts ChatOptions) (string, error)
}

// RemoteFolders moves whole folders between an object store and local disk
type RemoteFolders interface {
	FetchFolder(ctx context.Context, prefix, localDir string) (string, error)
	PushFolder(ctx context.Context, localDir, prefix string) error
	ClearPrefix(ctx context.Context, prefix string) error
}

// IngestRunTracker records ingestion runs and guards against overlapping ones
type IngestRunTracker interface {
	HasActive(ctx context.Context) (bool, error)
	Begin(ctx context.Context, mode string) (*models.IngestRun, error)
	Complete(ctx context.Context, run *models.IngestRun) error
	Fail(ctx context.Context, run *models.IngestRun, message string) error
}

// Persister is implemented by indexes that keep their data in local files
type Persister interface {
	Save() error
	Dir() string
}
