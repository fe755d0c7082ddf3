package models

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Metadata holds free-form document attributes. Values are either string or
// []string.
type Metadata map[string]any

// String returns the trimmed string form of a metadata value. Lists are
// joined with ", ". Missing keys yield "".
func (m Metadata) String(key string) string {
	switch v := m[key].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case []string:
		return strings.TrimSpace(strings.Join(v, ", "))
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.TrimSpace(strings.Join(parts, ", "))
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// Clone returns a deep copy of the metadata
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m)+1)
	for k, v := range m {
		if list, ok := v.([]string); ok {
			v = append([]string(nil), list...)
		}
		out[k] = v
	}
	return out
}

// Document is a raw Markdown file after frontmatter extraction
type Document struct {
	Content     string   `json:"content"`
	Metadata    Metadata `json:"metadata"`
	Path        string   `json:"path,omitempty"`
	Fingerprint string   `json:"fingerprint,omitempty"`
}

// Chunk represents one heading-scoped piece of a document in the knowledge base
type Chunk struct {
	ID       uuid.UUID `json:"id"`
	Content  string    `json:"content"`
	Metadata Metadata  `json:"metadata"`
	Source   string    `json:"source,omitempty"` // path of the originating document
	Index    int       `json:"index"`
}

// Heading returns the heading the chunk was split under
func (c Chunk) Heading() string {
	return c.Metadata.String("heading")
}

// RetrievalResult pairs a chunk with its similarity score in [0,1]
type RetrievalResult struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}
