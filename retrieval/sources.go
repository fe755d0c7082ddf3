package retrieval

import (
	"sort"
	"strings"

	"kbassist-backend/models"
)

// UnknownSource labels chunks whose metadata names neither page nor section
const UnknownSource = "unknown source"

// SourceLabel renders a human-readable citation for a chunk's metadata
func SourceLabel(meta models.Metadata) string {
	subcategory := meta.String("subcategory")
	title := meta.String("page_title")

	switch {
	case subcategory != "" && title != "":
		return subcategory + " - " + title
	case title != "":
		return title
	case subcategory != "":
		return subcategory
	default:
		return UnknownSource
	}
}

// SourceLabels returns the distinct labels of metas in lexicographic order.
// Runs of whitespace inside a label are collapsed before comparison.
func SourceLabels(metas []models.Metadata) []string {
	seen := make(map[string]struct{}, len(metas))
	labels := make([]string, 0, len(metas))
	for _, meta := range metas {
		label := strings.Join(strings.Fields(SourceLabel(meta)), " ")
		if _, ok := seen[label]; ok {
			continue
		}
		seen[label] = struct{}{}
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}
