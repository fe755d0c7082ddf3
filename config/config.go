package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"kbassist-backend/history"
	"kbassist-backend/ingest"
	"kbassist-backend/repository"
	"kbassist-backend/retrieval"
	"kbassist-backend/service"
	"kbassist-backend/storage"

	"github.com/joho/godotenv"
)

// IndexBackend selects where chunk vectors are stored
type IndexBackend string

const (
	IndexPgvector IndexBackend = "pgvector"
	IndexSnapshot IndexBackend = "snapshot"
)

// Config holds every setting of the server and the ingestion tools
type Config struct {
	Port        string
	DatabaseURL string

	GeminiAPIKey   string
	ChatModel      string
	EmbeddingModel string

	IndexBackend  IndexBackend
	IndexDir      string
	Storage       storage.StorageConfig
	RemoteIndex   bool
	RawPrefix     string
	IndexPrefix   string
	RawDocsDir    string
	SessionDBPath string
	SessionLimit  int
	CookieSecure  bool

	RelevanceThreshold float64
	TopK               int
	MaxHistoryTokens   int
	ReservedTokens     int
	ChunkSize          int
	ChunkOverlap       int
	KeepPreamble       bool
	FallbackMode       service.FallbackMode
	ProtectSystemTurn  bool

	LogLevel  string
	LogFormat string
}

// LoadDotEnv loads .env from the current directory or the project root
// relative to cmd/<tool>/. It returns false when neither exists.
func LoadDotEnv() bool {
	if err := godotenv.Load(); err != nil {
		if err := godotenv.Load("../../.env"); err != nil {
			return false
		}
	}
	return true
}

// Load reads the environment and validates the result
func Load() (*Config, error) {
	cfg, err := FromEnv()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds a Config from environment variables with defaults
func FromEnv() (*Config, error) {
	p := &envParser{}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		GeminiAPIKey:   os.Getenv("GEMINI_API_KEY"),
		ChatModel:      getEnv("CHAT_MODEL", "gemini-1.5-flash"),
		EmbeddingModel: getEnv("EMBEDDING_MODEL", "text-embedding-004"),

		IndexBackend:  IndexBackend(strings.ToLower(getEnv("INDEX_BACKEND", string(IndexPgvector)))),
		IndexDir:      getEnv("INDEX_DIR", "./data/chroma"),
		Storage:       storage.ConfigFromEnv(),
		RemoteIndex:   p.boolVar("REMOTE_INDEX", false),
		RawPrefix:     getEnv("S3_RAW_PREFIX", "data/raw"),
		IndexPrefix:   getEnv("S3_INDEX_PREFIX", "data/chroma"),
		RawDocsDir:    getEnv("RAW_DOCS_DIR", "./data/raw"),
		SessionDBPath: getEnv("SESSION_DB_PATH", "./data/sessions.db"),
		SessionLimit:  p.intVar("SESSION_LIMIT", repository.DefaultSessionLimit),
		CookieSecure:  p.boolVar("COOKIE_SECURE", false),

		RelevanceThreshold: p.floatVar("RELEVANCE_THRESHOLD", retrieval.DefaultThreshold),
		TopK:               p.intVar("TOP_K", retrieval.DefaultTopK),
		MaxHistoryTokens:   p.intVar("MAX_HISTORY_TOKENS", history.DefaultMaxTokens),
		ReservedTokens:     p.intVar("RESERVED_TOKENS", history.DefaultReservedTokens),
		ChunkSize:          p.intVar("CHUNK_SIZE", ingest.DefaultChunkSize),
		ChunkOverlap:       p.intVar("CHUNK_OVERLAP", ingest.DefaultChunkOverlap),
		KeepPreamble:       p.boolVar("KEEP_PREAMBLE", false),
		ProtectSystemTurn:  p.boolVar("PROTECT_SYSTEM_TURN", false),

		LogLevel:  strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(getEnv("LOG_FORMAT", "text")),
	}

	mode, err := service.ParseFallbackMode(os.Getenv("FALLBACK_MODE"))
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("FALLBACK_MODE: %w", err))
	}
	cfg.FallbackMode = mode

	if len(p.errs) > 0 {
		return nil, errors.Join(p.errs...)
	}
	return cfg, nil
}

// Validate rejects inconsistent settings
func (c *Config) Validate() error {
	var errs []error

	switch c.IndexBackend {
	case IndexPgvector:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the pgvector index"))
		}
	case IndexSnapshot:
		if c.IndexDir == "" {
			errs = append(errs, errors.New("INDEX_DIR is required for the snapshot index"))
		}
	default:
		errs = append(errs, fmt.Errorf("INDEX_BACKEND must be pgvector or snapshot, got %q", c.IndexBackend))
	}

	if err := c.Storage.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.RelevanceThreshold < 0 || c.RelevanceThreshold > 1 {
		errs = append(errs, fmt.Errorf("RELEVANCE_THRESHOLD must be within [0,1], got %v", c.RelevanceThreshold))
	}
	if c.TopK <= 0 {
		errs = append(errs, fmt.Errorf("TOP_K must be positive, got %d", c.TopK))
	}
	if c.ReservedTokens < 0 || c.ReservedTokens >= c.MaxHistoryTokens {
		errs = append(errs, fmt.Errorf("RESERVED_TOKENS (%d) must be non-negative and below MAX_HISTORY_TOKENS (%d)", c.ReservedTokens, c.MaxHistoryTokens))
	}
	if c.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("CHUNK_SIZE must be positive, got %d", c.ChunkSize))
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		errs = append(errs, fmt.Errorf("CHUNK_OVERLAP (%d) must be non-negative and below CHUNK_SIZE (%d)", c.ChunkOverlap, c.ChunkSize))
	}
	if c.SessionLimit <= 0 {
		errs = append(errs, fmt.Errorf("SESSION_LIMIT must be positive, got %d", c.SessionLimit))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat))
	}

	return errors.Join(errs...)
}

// Budget returns the prompt allowance
func (c *Config) Budget() history.Budget {
	return history.Budget{MaxUnits: c.MaxHistoryTokens, ReservedUnits: c.ReservedTokens}
}

// Chunker builds the Markdown chunker described by the config
func (c *Config) Chunker() *ingest.MarkdownChunker {
	return ingest.NewMarkdownChunker(
		ingest.WithChunkSize(c.ChunkSize),
		ingest.WithOverlap(c.ChunkOverlap),
		ingest.WithPreamble(c.KeepPreamble),
	)
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// envParser reads typed values and collects every parse failure
type envParser struct {
	errs []error
}

func (p *envParser) intVar(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return fallback
	}
	return n
}

func (p *envParser) floatVar(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid number %q", key, v))
		return fallback
	}
	return f
}

func (p *envParser) boolVar(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid boolean %q", key, v))
		return fallback
	}
	return b
}
