package models

import (
	"time"

	"github.com/google/uuid"
)

// IngestRunStatus represents the status of an ingestion run
type IngestRunStatus string

const (
	IngestStatusInProgress IngestRunStatus = "in_progress"
	IngestStatusCompleted  IngestRunStatus = "completed"
	IngestStatusFailed     IngestRunStatus = "failed"
)

// IngestRun records one rebuild of the knowledge base index
type IngestRun struct {
	ID           uuid.UUID       `json:"id"`
	Mode         string          `json:"mode"`
	Status       IngestRunStatus `json:"status"`
	Documents    int             `json:"documents"`
	Failed       int             `json:"failed"`
	Chunks       int             `json:"chunks"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}
