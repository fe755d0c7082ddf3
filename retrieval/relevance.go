package retrieval

import (
	"strings"

	"kbassist-backend/models"
)

const (
	// DefaultThreshold is the minimum similarity score a chunk needs to be used
	DefaultThreshold = 0.7
	// DefaultTopK is how many candidates are requested from the index
	DefaultTopK = 3
	// ContextSeparator sits between chunk contents in the assembled context
	ContextSeparator = "\n\n---\n\n"
)

// Assembly is the context built from the relevant retrieval results
type Assembly struct {
	Context string
	Sources []string
	Kept    int
}

// Empty reports whether no result cleared the threshold
func (a Assembly) Empty() bool {
	return a.Kept == 0
}

// Assemble keeps results scoring at or above threshold, in the order given,
// and joins their contents into a single context block.
func Assemble(results []models.RetrievalResult, threshold float64) Assembly {
	contents := make([]string, 0, len(results))
	metas := make([]models.Metadata, 0, len(results))
	for _, r := range results {
		if r.Score < threshold {
			continue
		}
		contents = append(contents, r.Chunk.Content)
		metas = append(metas, r.Chunk.Metadata)
	}

	return Assembly{
		Context: strings.Join(contents, ContextSeparator),
		Sources: SourceLabels(metas),
		Kept:    len(contents),
	}
}
