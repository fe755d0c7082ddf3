package gemini

import (
	"context"
	"fmt"
	"math"

	"kbassist-backend/models"

	"github.com/google/generative-ai-go/genai"
)

const (
	// DefaultEmbeddingModel produces 768-dimension vectors
	DefaultEmbeddingModel = "text-embedding-004"
	// maxBatchSize is the BatchEmbedContents request limit
	maxBatchSize = 100
)

// Embedder produces normalised embeddings. Single texts are embedded as
// retrieval queries and batches as retrieval documents.
type Embedder struct {
	query    *genai.EmbeddingModel
	document *genai.EmbeddingModel
}

// NewEmbedder creates an embedder on top of an existing client
func NewEmbedder(client *genai.Client, name string) *Embedder {
	if name == "" {
		name = DefaultEmbeddingModel
	}
	query := client.EmbeddingModel(name)
	query.TaskType = genai.TaskTypeRetrievalQuery
	document := client.EmbeddingModel(name)
	document.TaskType = genai.TaskTypeRetrievalDocument
	return &Embedder{query: query, document: document}
}

// Embed returns the query embedding of text
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.query.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrEmbedding, err)
	}
	if resp.Embedding == nil || len(resp.Embedding.Values) == 0 {
		return nil, fmt.Errorf("%w: empty embedding", models.ErrEmbedding)
	}
	return normalize(resp.Embedding.Values), nil
}

// EmbedBatch returns document embeddings for texts, in order
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, batch := range batches(texts, maxBatchSize) {
		b := e.document.NewBatch()
		for _, text := range batch {
			b.AddContent(genai.Text(text))
		}

		resp, err := e.document.BatchEmbedContents(ctx, b)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrEmbedding, err)
		}
		if len(resp.Embeddings) != len(batch) {
			return nil, fmt.Errorf("%w: got %d embeddings for %d texts", models.ErrEmbedding, len(resp.Embeddings), len(batch))
		}
		for _, emb := range resp.Embeddings {
			out = append(out, normalize(emb.Values))
		}
	}
	return out, nil
}

// batches splits texts into consecutive groups of at most size
func batches(texts []string, size int) [][]string {
	var out [][]string
	for start := 0; start < len(texts); start += size {
		end := min(start+size, len(texts))
		out = append(out, texts[start:end])
	}
	return out
}

// normalize scales v to unit length in place
func normalize(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return v
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}
