package ingest

import (
	"encoding/hex"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"kbassist-backend/models"

	"golang.org/x/crypto/blake2b"
)

// markdownExtensions are the file types picked up from a documents folder
var markdownExtensions = map[string]bool{
	".md":       true,
	".markdown": true,
}

// FindMarkdownFiles walks dir and returns every Markdown file, sorted
func FindMarkdownFiles(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if markdownExtensions[strings.ToLower(filepath.Ext(path))] {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", dir, err)
	}
	sort.Strings(paths)
	return paths, nil
}

// Fingerprint returns the BLAKE2b-256 digest of raw document bytes
func Fingerprint(raw []byte) string {
	sum := blake2b.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// ParseDocument builds a Document from raw file bytes
func ParseDocument(path string, raw []byte) (models.Document, error) {
	meta, body, err := ExtractMetadata(string(raw))
	if err != nil {
		return models.Document{}, fmt.Errorf("%s: %w", path, err)
	}
	return models.Document{
		Content:     body,
		Metadata:    meta,
		Path:        path,
		Fingerprint: Fingerprint(raw),
	}, nil
}
