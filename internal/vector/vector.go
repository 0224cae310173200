package vector

import (
	"context"
	"time"
)

// Image record lifecycle states. The ingestion orchestrator creates records
// as pending; only the processing worker moves them forward.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// ImageRecord is the stored representation of one uploaded image. Caption
// and Embedding are populated only once Status is completed.
type ImageRecord struct {
	ImageID        string     `json:"image_id"`
	ProjectID      string     `json:"project_id"`
	SequenceNumber int64      `json:"sequence_number"`
	BlobKey        string     `json:"blob_key"`
	Filename       string     `json:"filename"`
	ContentType    string     `json:"content_type"`
	SizeBytes      int64      `json:"size_bytes"`
	Status         string     `json:"status"`
	Caption        string     `json:"caption,omitempty"`
	Embedding      []float32  `json:"-"`
	CreatedAt      time.Time  `json:"created_at"`
	ProcessedAt    *time.Time `json:"processed_at,omitempty"`
}

// ScoredRecord is an ImageRecord with a similarity score attached.
type ScoredRecord struct {
	ImageRecord
	Score float32
}

// Store is the interface for image record storage, per-project sequence
// allocation, and similarity search. The default implementation uses SQLite
// with brute-force cosine similarity; a Postgres implementation uses
// pgvector. All record data uses the same ImageRecord type regardless of
// backend.
type Store interface {
	// AllocateSequence atomically allocates the next sequence number for a
	// project. The allocation is monotonic and never reused; numbers
	// consumed by failed uploads leave permanent holes.
	AllocateSequence(ctx context.Context, projectID string) (int64, error)

	// CreateRecord persists a new record. Status should be StatusPending.
	CreateRecord(ctx context.Context, rec ImageRecord) error

	// SetStatus moves a record to the given lifecycle state.
	SetStatus(ctx context.Context, imageID, status string) error

	// CompleteRecord upserts the derived caption and embedding and marks the
	// record completed. Re-running for the same imageID overwrites, never
	// duplicates.
	CompleteRecord(ctx context.Context, imageID, caption string, embedding []float32, processedAt time.Time) error

	// GetByID returns the record with the given image ID.
	GetByID(ctx context.Context, imageID string) (ImageRecord, error)

	// GetByProjectAndSequence returns the record at a sequence position.
	GetByProjectAndSequence(ctx context.Context, projectID string, seq int64) (ImageRecord, error)

	// ListByProject returns up to limit records ordered by sequence_number
	// descending, regardless of status.
	ListByProject(ctx context.Context, projectID string, limit int) ([]ImageRecord, error)

	// ListCompletedByProject is ListByProject restricted to completed
	// records, so recency retrieval is not starved by a run of pending or
	// failed uploads.
	ListCompletedByProject(ctx context.Context, projectID string, limit int) ([]ImageRecord, error)

	// CountByProject returns the number of records in a project.
	CountByProject(ctx context.Context, projectID string) (int, error)

	// Search returns the top-K completed records most similar to the query
	// vector, scoped to the project. A non-empty sequenceFilter restricts
	// candidates to those sequence numbers.
	Search(ctx context.Context, projectID string, queryVector []float32, k int, sequenceFilter []int64) ([]ScoredRecord, error)
}
