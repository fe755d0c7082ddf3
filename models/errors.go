package models

import "errors"

// Collaborator failure kinds. Adapters wrap their errors with one of these so
// callers can classify them with errors.Is.
var (
	ErrEmbedding        = errors.New("embedding failed")
	ErrGeneration       = errors.New("generation failed")
	ErrRetrieval        = errors.New("retrieval failed")
	ErrIndexUnavailable = errors.New("knowledge base unavailable")
)
