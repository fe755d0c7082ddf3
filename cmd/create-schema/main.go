package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"kbassist-backend/config"
	"kbassist-backend/repository"

	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	recreate := flag.Bool("recreate", false, "drop existing tables before creating them")
	flag.Parse()

	config.LoadDotEnv()
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL environment variable is required")
	}

	ctx := context.Background()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	// Enable pgvector extension
	_, err = pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector")
	if err != nil {
		log.Printf("Warning: Failed to create pgvector extension: %v", err)
	} else {
		log.Println("✓ pgvector extension enabled")
	}

	if *recreate {
		for _, table := range []string{"kb_chunks", "ingest_runs"} {
			if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE"); err != nil {
				log.Fatalf("Failed to drop %s: %v", table, err)
			}
			log.Printf("✓ Dropped existing %s table (if any)", table)
		}
	}

	chunksSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS kb_chunks (
    id UUID PRIMARY KEY,

    -- Origin of the chunk
    source_document TEXT NOT NULL,
    chunk_index INTEGER NOT NULL,
    heading TEXT NOT NULL DEFAULT '',

    -- Content and frontmatter metadata
    chunk_text TEXT NOT NULL,
    metadata JSONB DEFAULT '{}'::jsonb,

    embedding vector(%d) NOT NULL,

    created_at TIMESTAMP DEFAULT NOW(),
    updated_at TIMESTAMP DEFAULT NOW()
);`, repository.EmbeddingDimensions)

	if _, err := pool.Exec(ctx, chunksSQL); err != nil {
		log.Fatalf("Failed to create kb_chunks table: %v", err)
	}
	log.Println("✓ Created kb_chunks table")

	runsSQL := `
CREATE TABLE IF NOT EXISTS ingest_runs (
    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    mode VARCHAR(20) NOT NULL CHECK (mode IN ('local', 'remote')),
    status VARCHAR(20) NOT NULL CHECK (status IN ('in_progress', 'completed', 'failed')),
    documents INTEGER NOT NULL DEFAULT 0,
    failed INTEGER NOT NULL DEFAULT 0,
    chunks INTEGER NOT NULL DEFAULT 0,
    error_message TEXT,
    started_at TIMESTAMP NOT NULL DEFAULT NOW(),
    completed_at TIMESTAMP
);`

	if _, err := pool.Exec(ctx, runsSQL); err != nil {
		log.Fatalf("Failed to create ingest_runs table: %v", err)
	}
	log.Println("✓ Created ingest_runs table")

	indexes := []struct {
		name string
		sql  string
	}{
		{
			name: "Vector similarity search (HNSW)",
			sql: `CREATE INDEX IF NOT EXISTS idx_kb_chunks_embedding_hnsw ON kb_chunks
USING hnsw (embedding vector_cosine_ops)
WITH (m = 16, ef_construction = 64);`,
		},
		{
			name: "Source document filtering",
			sql:  "CREATE INDEX IF NOT EXISTS idx_kb_chunks_source ON kb_chunks(source_document, chunk_index);",
		},
		{
			name: "Metadata JSONB filtering",
			sql:  "CREATE INDEX IF NOT EXISTS idx_kb_chunks_metadata_gin ON kb_chunks USING gin (metadata);",
		},
		{
			name: "Active ingestion runs",
			sql:  "CREATE INDEX IF NOT EXISTS idx_ingest_runs_active ON ingest_runs(started_at) WHERE status = 'in_progress';",
		},
	}

	for _, idx := range indexes {
		_, err = pool.Exec(ctx, idx.sql)
		if err != nil {
			log.Printf("Warning: Failed to create index %s: %v", idx.name, err)
		} else {
			log.Printf("✓ Created index: %s", idx.name)
		}
	}

	fmt.Println("\n✅ Database schema created successfully!")
	fmt.Println("   Tables: kb_chunks, ingest_runs")
	fmt.Printf("   Indexes: %d\n", len(indexes))
}
