package retrieval

import (
	"testing"

	"kbassist-backend/models"

	"github.com/stretchr/testify/assert"
)

func result(content string, score float64, meta models.Metadata) models.RetrievalResult {
	return models.RetrievalResult{
		Chunk: models.Chunk{Content: content, Metadata: meta},
		Score: score,
	}
}

func TestAssemble_Threshold(t *testing.T) {
	results := []models.RetrievalResult{
		result("first", 0.9, models.Metadata{"page_title": "A"}),
		result("second", 0.75, models.Metadata{"page_title": "B"}),
		result("third", 0.5, models.Metadata{"page_title": "C"}),
	}

	a := Assemble(results, DefaultThreshold)
	assert.Equal(t, "first"+ContextSeparator+"second", a.Context)
	assert.Equal(t, []string{"A", "B"}, a.Sources)
	assert.Equal(t, 2, a.Kept)
	assert.False(t, a.Empty())
}

func TestAssemble_ScoreEqualToThresholdIsKept(t *testing.T) {
	a := Assemble([]models.RetrievalResult{result("edge", 0.7, nil)}, 0.7)
	assert.Equal(t, "edge", a.Context)
	assert.Equal(t, []string{UnknownSource}, a.Sources)
}

func TestAssemble_PreservesSuppliedOrder(t *testing.T) {
	results := []models.RetrievalResult{
		result("low", 0.71, models.Metadata{"page_title": "Z"}),
		result("high", 0.99, models.Metadata{"page_title": "A"}),
	}

	a := Assemble(results, DefaultThreshold)
	assert.Equal(t, "low"+ContextSeparator+"high", a.Context)
	assert.Equal(t, []string{"A", "Z"}, a.Sources)
}

func TestAssemble_NothingRelevant(t *testing.T) {
	results := []models.RetrievalResult{
		result("a", 0.3, nil),
		result("b", 0.69, nil),
	}

	a := Assemble(results, DefaultThreshold)
	assert.Equal(t, "", a.Context)
	assert.NotNil(t, a.Sources)
	assert.Empty(t, a.Sources)
	assert.True(t, a.Empty())
}

func TestAssemble_NoResults(t *testing.T) {
	a := Assemble(nil, DefaultThreshold)
	assert.True(t, a.Empty())
	assert.Equal(t, "", a.Context)
}
