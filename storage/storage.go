package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrObjectNotFound is returned when a key does not exist
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore is a flat key/value store of blobs. Keys use forward slashes.
type ObjectStore interface {
	// Put stores data under key, replacing any existing object
	Put(ctx context.Context, key string, data io.Reader) error

	// Get retrieves an object by key
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes an object; deleting a missing key is not an error
	Delete(ctx context.Context, key string) error

	// List returns every key below prefix
	List(ctx context.Context, prefix string) ([]string, error)
}

// Storage is an object store that can also mirror whole folders
type Storage interface {
	ObjectStore

	// FetchFolder downloads every object below prefix into localDir/prefix
	// and returns that local directory
	FetchFolder(ctx context.Context, prefix, localDir string) (string, error)

	// PushFolder uploads every file below localDir to prefix
	PushFolder(ctx context.Context, localDir, prefix string) error

	// ClearPrefix deletes every object below prefix
	ClearPrefix(ctx context.Context, prefix string) error
}

// StorageType represents the storage backend type
type StorageType string

const (
	StorageTypeLocal StorageType = "local"
	StorageTypeS3    StorageType = "s3"
)

// StorageConfig holds configuration for storage
type StorageConfig struct {
	Type         StorageType
	LocalPath    string // For local storage
	S3Bucket     string // For S3 storage
	S3Region     string // For S3 storage
	AWSAccessKey string
	AWSSecretKey string
}

// Validate checks that the backend has what it needs
func (c StorageConfig) Validate() error {
	switch c.Type {
	case StorageTypeLocal:
		if c.LocalPath == "" {
			return errors.New("STORAGE_LOCAL_PATH is required for local storage")
		}
	case StorageTypeS3:
		if c.S3Bucket == "" {
			return errors.New("AWS_S3_BUCKET environment variable is required for S3 storage")
		}
	default:
		return fmt.Errorf("unknown storage type: %s", c.Type)
	}
	return nil
}

// NewStorage creates a new storage instance based on configuration
func NewStorage(cfg StorageConfig) (Storage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Type {
	case StorageTypeLocal:
		return NewLocalStorage(cfg.LocalPath)
	default:
		return NewS3Storage(cfg)
	}
}

// ConfigFromEnv reads the storage configuration from environment variables
func ConfigFromEnv() StorageConfig {
	storageType := os.Getenv("STORAGE_TYPE")
	if storageType == "" {
		storageType = "local" // Default to local for development
	}

	cfg := StorageConfig{
		Type: StorageType(storageType),
	}

	switch cfg.Type {
	case StorageTypeLocal:
		cfg.LocalPath = os.Getenv("STORAGE_LOCAL_PATH")
		if cfg.LocalPath == "" {
			cfg.LocalPath = "./storage/objects" // Default local storage path
		}
	case StorageTypeS3:
		cfg.S3Bucket = os.Getenv("AWS_S3_BUCKET")
		cfg.S3Region = os.Getenv("AWS_REGION")
		if cfg.S3Region == "" {
			cfg.S3Region = "us-east-1" // Default region
		}
		cfg.AWSAccessKey = os.Getenv("AWS_ACCESS_KEY_ID")
		cfg.AWSSecretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}

	return cfg
}

// cleanPrefix normalises a folder prefix to "a/b" form
func cleanPrefix(prefix string) string {
	return strings.Trim(path.Clean("/"+strings.ReplaceAll(prefix, "\\", "/")), "/")
}

// folderPrefix returns the listing prefix for a folder, "" for the root
func folderPrefix(prefix string) string {
	p := cleanPrefix(prefix)
	if p == "" {
		return ""
	}
	return p + "/"
}

// validateKey rejects keys that would escape a folder when mirrored to disk
func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return fmt.Errorf("invalid object key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return fmt.Errorf("invalid object key %q", key)
		}
	}
	return nil
}

// fetchFolder mirrors every object below prefix into localDir/prefix
func fetchFolder(ctx context.Context, store ObjectStore, prefix, localDir string) (string, error) {
	dest := filepath.Join(localDir, filepath.FromSlash(cleanPrefix(prefix)))
	if err := os.MkdirAll(dest, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	keys, err := store.List(ctx, prefix)
	if err != nil {
		return "", err
	}

	for _, key := range keys {
		// directory markers
		if strings.HasSuffix(key, "/") {
			continue
		}
		if err := validateKey(key); err != nil {
			return "", err
		}
		target := filepath.Join(localDir, filepath.FromSlash(key))
		if err := downloadTo(ctx, store, key, target); err != nil {
			return "", err
		}
	}

	return dest, nil
}

func downloadTo(ctx context.Context, store ObjectStore, key, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	body, err := store.Get(ctx, key)
	if err != nil {
		return err
	}
	defer body.Close()

	file, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	if _, err := io.Copy(file, body); err != nil {
		os.Remove(target) // Clean up on error
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// pushFolder uploads every regular file under localDir below prefix
func pushFolder(ctx context.Context, store ObjectStore, localDir, prefix string) error {
	base := folderPrefix(prefix)
	return filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}

		file, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("failed to open file: %w", err)
		}
		defer file.Close()

		return store.Put(ctx, base+filepath.ToSlash(rel), file)
	})
}

// contentType determines content type from a key
func contentType(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".md", ".markdown":
		return "text/markdown"
	case ".json":
		return "application/json"
	case ".txt":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}
