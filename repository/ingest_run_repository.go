package repository

import (
	"context"
	"fmt"
	"time"

	"kbassist-backend/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// staleRunAfter is how long an in-progress run blocks new ones. Runs older
// than this are assumed to belong to a crashed process.
const staleRunAfter = time.Hour

// IngestRunRepository handles database operations for ingestion runs
type IngestRunRepository struct {
	db *pgxpool.Pool
}

// NewIngestRunRepository creates a new ingestion run repository
func NewIngestRunRepository(db *pgxpool.Pool) *IngestRunRepository {
	return &IngestRunRepository{db: db}
}

// HasActive reports whether a recent run is still in progress
func (r *IngestRunRepository) HasActive(ctx context.Context) (bool, error) {
	var active bool
	query := `
		SELECT EXISTS (
			SELECT 1 FROM ingest_runs
			WHERE status = $1 AND started_at > $2
		)`

	err := r.db.QueryRow(ctx, query, models.IngestStatusInProgress, time.Now().Add(-staleRunAfter)).Scan(&active)
	if err != nil {
		return false, fmt.Errorf("failed to check active ingestion runs: %w", err)
	}
	return active, nil
}

// Begin records a new in-progress run
func (r *IngestRunRepository) Begin(ctx context.Context, mode string) (*models.IngestRun, error) {
	run := &models.IngestRun{
		ID:     uuid.New(),
		Mode:   mode,
		Status: models.IngestStatusInProgress,
	}

	query := `
		INSERT INTO ingest_runs (id, mode, status)
		VALUES ($1, $2, $3)
		RETURNING started_at`

	if err := r.db.QueryRow(ctx, query, run.ID, run.Mode, run.Status).Scan(&run.StartedAt); err != nil {
		return nil, fmt.Errorf("failed to create ingestion run: %w", err)
	}
	return run, nil
}

// Complete marks a run as completed and stores its counts
func (r *IngestRunRepository) Complete(ctx context.Context, run *models.IngestRun) error {
	now := time.Now()
	query := `
		UPDATE ingest_runs SET
			status = $2,
			documents = $3,
			failed = $4,
			chunks = $5,
			completed_at = $6
		WHERE id = $1`

	_, err := r.db.Exec(ctx, query, run.ID, models.IngestStatusCompleted, run.Documents, run.Failed, run.Chunks, now)
	if err != nil {
		return fmt.Errorf("failed to complete ingestion run: %w", err)
	}
	run.Status = models.IngestStatusCompleted
	run.CompletedAt = &now
	return nil
}

// Fail marks a run as failed
func (r *IngestRunRepository) Fail(ctx context.Context, run *models.IngestRun, errorMessage string) error {
	now := time.Now()
	query := `
		UPDATE ingest_runs SET
			status = $2,
			error_message = $3,
			completed_at = $4
		WHERE id = $1`

	_, err := r.db.Exec(ctx, query, run.ID, models.IngestStatusFailed, errorMessage, now)
	if err != nil {
		return fmt.Errorf("failed to mark ingestion run failed: %w", err)
	}
	run.Status = models.IngestStatusFailed
	run.ErrorMessage = &errorMessage
	run.CompletedAt = &now
	return nil
}
