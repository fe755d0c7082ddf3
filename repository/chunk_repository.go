package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"kbassist-backend/models"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EmbeddingDimensions is the vector width of the kb_chunks embedding column
const EmbeddingDimensions = 768

// undefinedTable is the Postgres error code for a missing relation
const undefinedTable = "42P01"

// Embedder produces document vectors in bulk and query vectors one at a time
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ChunkRepository stores knowledge base chunks in Postgres with pgvector
type ChunkRepository struct {
	db       *pgxpool.Pool
	embedder Embedder
}

// NewChunkRepository creates a new chunk repository
func NewChunkRepository(db *pgxpool.Pool, embedder Embedder) *ChunkRepository {
	return &ChunkRepository{db: db, embedder: embedder}
}

// formatVector formats an embedding vector as a string for pgx
func formatVector(embedding []float32) string {
	if len(embedding) == 0 {
		return "[]"
	}
	parts := make([]string, 0, len(embedding))
	for _, v := range embedding {
		parts = append(parts, fmt.Sprintf("%.6f", v))
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// scoreFromDistance converts a cosine distance into a similarity in [0,1]
func scoreFromDistance(distance float64) float64 {
	return clampScore(1 - distance)
}

// classifyDBError maps driver errors onto the collaborator failure kinds
func classifyDBError(err error, action string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == undefinedTable {
		return fmt.Errorf("%w: %s: kb_chunks table missing, run create-schema", models.ErrIndexUnavailable, action)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return fmt.Errorf("%w: %s: %v", models.ErrIndexUnavailable, action, err)
	}
	return fmt.Errorf("%w: %s: %v", models.ErrRetrieval, action, err)
}

// Add embeds and stores chunks in a single transaction. Existing rows with
// the same id are replaced.
func (r *ChunkRepository) Add(ctx context.Context, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	vectors, err := r.embedChunks(ctx, chunks)
	if err != nil {
		return err
	}
	return r.store(ctx, chunks, vectors, false)
}

// Replace embeds chunks and swaps them in for the whole table in one
// transaction. On any failure the previous contents stay in place.
func (r *ChunkRepository) Replace(ctx context.Context, chunks []models.Chunk) error {
	vectors, err := r.embedChunks(ctx, chunks)
	if err != nil {
		return err
	}
	return r.store(ctx, chunks, vectors, true)
}

func (r *ChunkRepository) embedChunks(ctx context.Context, chunks []models.Chunk) ([][]float32, error) {
	if len(chunks) == 0 {
		return nil, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors, err := r.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(chunks) {
		return nil, fmt.Errorf("%w: got %d vectors for %d chunks", models.ErrEmbedding, len(vectors), len(chunks))
	}
	for i, v := range vectors {
		if len(v) != EmbeddingDimensions {
			return nil, fmt.Errorf("%w: chunk %d: embedding must be %d dimensions, got %d", models.ErrEmbedding, i, EmbeddingDimensions, len(v))
		}
	}
	return vectors, nil
}

// store writes embedded chunks, truncating the table first when truncate is
// set
func (r *ChunkRepository) store(ctx context.Context, chunks []models.Chunk, vectors [][]float32, truncate bool) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return classifyDBError(err, "begin transaction")
	}
	defer tx.Rollback(ctx)

	if truncate {
		if _, err := tx.Exec(ctx, "TRUNCATE kb_chunks"); err != nil {
			return classifyDBError(err, "truncate chunks")
		}
	}

	query := `
		INSERT INTO kb_chunks (
			id, source_document, chunk_index, heading, chunk_text, metadata, embedding
		) VALUES ($1, $2, $3, $4, $5, $6, $7::vector)
		ON CONFLICT (id) DO UPDATE SET
			chunk_text = EXCLUDED.chunk_text,
			heading = EXCLUDED.heading,
			metadata = EXCLUDED.metadata,
			embedding = EXCLUDED.embedding,
			updated_at = NOW()`

	for i, chunk := range chunks {
		metadataJSON, err := json.Marshal(chunk.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}

		_, err = tx.Exec(ctx, query,
			chunk.ID, chunk.Source, chunk.Index, chunk.Heading(), chunk.Content,
			string(metadataJSON), formatVector(vectors[i]),
		)
		if err != nil {
			return classifyDBError(err, fmt.Sprintf("insert chunk %d of %s", chunk.Index, chunk.Source))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return classifyDBError(err, "commit chunks")
	}
	return nil
}

// Query returns the k chunks closest to text, best match first
func (r *ChunkRepository) Query(ctx context.Context, text string, k int) ([]models.RetrievalResult, error) {
	embedding, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(embedding) != EmbeddingDimensions {
		return nil, fmt.Errorf("%w: embedding must be %d dimensions, got %d", models.ErrEmbedding, EmbeddingDimensions, len(embedding))
	}

	query := `
		SELECT
			id,
			source_document,
			chunk_index,
			chunk_text,
			metadata,
			embedding <=> $1::vector AS distance
		FROM kb_chunks
		ORDER BY embedding <=> $1::vector
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, formatVector(embedding), k)
	if err != nil {
		return nil, classifyDBError(err, "query chunks")
	}
	defer rows.Close()

	var results []models.RetrievalResult
	for rows.Next() {
		var chunk models.Chunk
		var distance float64
		err := rows.Scan(
			&chunk.ID,
			&chunk.Source,
			&chunk.Index,
			&chunk.Content,
			&chunk.Metadata,
			&distance,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan chunk: %v", models.ErrRetrieval, err)
		}
		results = append(results, models.RetrievalResult{Chunk: chunk, Score: scoreFromDistance(distance)})
	}

	if err := rows.Err(); err != nil {
		return nil, classifyDBError(err, "iterate chunks")
	}

	return results, nil
}

// Reset removes every stored chunk
func (r *ChunkRepository) Reset(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, "TRUNCATE kb_chunks"); err != nil {
		return classifyDBError(err, "truncate chunks")
	}
	return nil
}

// Count returns the number of stored chunks
func (r *ChunkRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM kb_chunks").Scan(&count); err != nil {
		return 0, classifyDBError(err, "count chunks")
	}
	return count, nil
}
