package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"kbassist-backend/models"
)

// SnapshotFile is the name of the persisted index inside its directory
const SnapshotFile = "index.json"

const snapshotVersion = 1

type snapshotEntry struct {
	Chunk  models.Chunk `json:"chunk"`
	Vector []float32    `json:"vector"`
}

type snapshotFile struct {
	Version int             `json:"version"`
	Entries []snapshotEntry `json:"entries"`
}

// SnapshotIndex is a file-backed vector index searched by brute force. The
// whole index lives in memory and is written to dir/index.json on Save.
type SnapshotIndex struct {
	dir      string
	embedder Embedder
	mu       sync.RWMutex
	entries  []snapshotEntry
	present  bool
}

// OpenSnapshotIndex loads the snapshot in dir if there is one. A missing
// snapshot is not an error; queries fail with ErrIndexUnavailable until the
// index is rebuilt.
func OpenSnapshotIndex(dir string, embedder Embedder) (*SnapshotIndex, error) {
	idx := &SnapshotIndex{dir: dir, embedder: embedder}
	if err := idx.Reload(); err != nil {
		return nil, err
	}
	return idx, nil
}

// Dir returns the directory holding the snapshot
func (s *SnapshotIndex) Dir() string {
	return s.dir
}

// Reload replaces the in-memory index with the snapshot on disk
func (s *SnapshotIndex) Reload() error {
	data, err := os.ReadFile(filepath.Join(s.dir, SnapshotFile))
	if errors.Is(err, os.ErrNotExist) {
		s.mu.Lock()
		s.entries, s.present = nil, false
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read index snapshot: %w", err)
	}

	var file snapshotFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to decode index snapshot: %w", err)
	}
	if file.Version != snapshotVersion {
		return fmt.Errorf("unsupported index snapshot version %d", file.Version)
	}

	s.mu.Lock()
	s.entries, s.present = file.Entries, true
	s.mu.Unlock()
	return nil
}

// Len returns the number of indexed chunks
func (s *SnapshotIndex) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Count returns the number of indexed chunks
func (s *SnapshotIndex) Count(context.Context) (int, error) {
	return s.Len(), nil
}

// Add embeds and indexes chunks. Chunks whose ID is already present are
// replaced.
func (s *SnapshotIndex) Add(ctx context.Context, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	vectors, err := s.embedChunks(ctx, chunks)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	positions := make(map[string]int, len(s.entries))
	for i, e := range s.entries {
		positions[e.Chunk.ID.String()] = i
	}
	for i, chunk := range chunks {
		entry := snapshotEntry{Chunk: chunk, Vector: vectors[i]}
		if pos, ok := positions[chunk.ID.String()]; ok {
			s.entries[pos] = entry
			continue
		}
		positions[chunk.ID.String()] = len(s.entries)
		s.entries = append(s.entries, entry)
	}
	s.present = true
	return nil
}

// Replace embeds chunks and swaps them in for the current contents. The index
// is left untouched when embedding fails.
func (s *SnapshotIndex) Replace(ctx context.Context, chunks []models.Chunk) error {
	vectors, err := s.embedChunks(ctx, chunks)
	if err != nil {
		return err
	}

	entries := make([]snapshotEntry, 0, len(chunks))
	positions := make(map[string]int, len(chunks))
	for i, chunk := range chunks {
		entry := snapshotEntry{Chunk: chunk, Vector: vectors[i]}
		if pos, ok := positions[chunk.ID.String()]; ok {
			entries[pos] = entry
			continue
		}
		positions[chunk.ID.String()] = len(entries)
		entries = append(entries, entry)
	}

	s.mu.Lock()
	s.entries, s.present = entries, true
	s.mu.Unlock()
	return nil
}

func (s *SnapshotIndex) embedChunks(ctx context.Context, chunks []models.Chunk) ([][]float32, error) {
	if len(chunks) == 0 {
		return nil, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(chunks) {
		return nil, fmt.Errorf("%w: got %d vectors for %d chunks", models.ErrEmbedding, len(vectors), len(chunks))
	}
	return vectors, nil
}

// Query returns the k chunks most similar to text, best match first
func (s *SnapshotIndex) Query(ctx context.Context, text string, k int) ([]models.RetrievalResult, error) {
	s.mu.RLock()
	present := s.present
	s.mu.RUnlock()
	if !present {
		return nil, fmt.Errorf("%w: no snapshot in %s", models.ErrIndexUnavailable, s.dir)
	}

	query, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	results := make([]models.RetrievalResult, 0, len(s.entries))
	for _, e := range s.entries {
		results = append(results, models.RetrievalResult{
			Chunk: e.Chunk,
			Score: clampScore(cosine(query, e.Vector)),
		})
	}
	s.mu.RUnlock()

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if k >= 0 && len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Reset empties the index. The snapshot on disk is replaced on the next Save.
func (s *SnapshotIndex) Reset(ctx context.Context) error {
	s.mu.Lock()
	s.entries, s.present = nil, true
	s.mu.Unlock()
	return nil
}

// Save writes the index to dir/index.json, replacing the previous snapshot
// atomically
func (s *SnapshotIndex) Save() error {
	s.mu.RLock()
	data, err := json.Marshal(snapshotFile{Version: snapshotVersion, Entries: s.entries})
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to encode index snapshot: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create index directory: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, SnapshotFile+".*")
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, SnapshotFile)); err != nil {
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func clampScore(score float64) float64 {
	return math.Max(0, math.Min(1, score))
}
