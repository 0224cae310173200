// Package ingest accepts image uploads and processes them asynchronously
// into captioned, embedded records.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/lenslog/lenslog/internal/blob"
	"github.com/lenslog/lenslog/internal/storage"
	"github.com/lenslog/lenslog/internal/vector"
)

// ErrInvalidInput marks uploads rejected before any side effect.
var ErrInvalidInput = errors.New("invalid input")

// TaskQueue abstracts enqueueing of processing tasks.
type TaskQueue interface {
	EnqueueTask(task storage.Task) error
}

// Upload is a validated request to ingest one image.
type Upload struct {
	ProjectID   string
	Filename    string
	ContentType string
	Data        []byte
}

// Receipt acknowledges an accepted upload before processing completes.
type Receipt struct {
	ImageID        string `json:"image_id"`
	SequenceNumber int64  `json:"sequence_number"`
	TaskID         string `json:"task_id"`
	Status         string `json:"status"`
}

// taskPayload is the JSON body of a queued processing task.
type taskPayload struct {
	ImageID   string `json:"image_id"`
	ProjectID string `json:"project_id"`
	BlobKey   string `json:"blob_key"`
}

// Orchestrator validates uploads, persists the original bytes, allocates the
// project sequence number, and schedules asynchronous processing.
type Orchestrator struct {
	blobs          blob.Store
	records        vector.Store
	queue          TaskQueue
	maxUploadBytes int64
	maxAttempts    int
	acceptedTypes  map[string]bool
	logger         *slog.Logger
}

// NewOrchestrator creates an Orchestrator. acceptedTypes lists the allowed
// content types, e.g. image/jpeg. maxAttempts bounds processing retries per
// task.
func NewOrchestrator(blobs blob.Store, records vector.Store, queue TaskQueue, maxUploadBytes int64, maxAttempts int, acceptedTypes []string) *Orchestrator {
	accepted := make(map[string]bool, len(acceptedTypes))
	for _, t := range acceptedTypes {
		accepted[t] = true
	}
	return &Orchestrator{
		blobs:          blobs,
		records:        records,
		queue:          queue,
		maxUploadBytes: maxUploadBytes,
		maxAttempts:    maxAttempts,
		acceptedTypes:  accepted,
		logger:         slog.Default(),
	}
}

// Upload validates and stores an image, returning a receipt immediately.
// Captioning and embedding happen asynchronously; the record stays pending
// until a worker completes it.
func (o *Orchestrator) Upload(ctx context.Context, up Upload) (*Receipt, error) {
	if err := o.validate(up); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	imageID := ulid.Make().String()

	seq, err := o.records.AllocateSequence(ctx, up.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("allocating sequence: %w", err)
	}

	key := blob.NewKey(up.ProjectID, imageID, up.Filename)
	rec := vector.ImageRecord{
		ImageID:        imageID,
		ProjectID:      up.ProjectID,
		SequenceNumber: seq,
		BlobKey:        key,
		Filename:       up.Filename,
		ContentType:    up.ContentType,
		SizeBytes:      int64(len(up.Data)),
		Status:         vector.StatusPending,
		CreatedAt:      now,
	}

	if err := o.blobs.Put(ctx, key, up.Data, up.ContentType); err != nil {
		// The sequence number is consumed either way; record the failure so
		// the hole is attributable.
		rec.Status = vector.StatusFailed
		if createErr := o.records.CreateRecord(ctx, rec); createErr != nil {
			o.logger.Error("recording failed upload", "image_id", imageID, "error", createErr)
		}
		return nil, fmt.Errorf("storing image bytes: %w", err)
	}

	if err := o.records.CreateRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("creating image record: %w", err)
	}

	taskID := uuid.New().String()
	payload, err := json.Marshal(taskPayload{ImageID: imageID, ProjectID: up.ProjectID, BlobKey: key})
	if err != nil {
		return nil, fmt.Errorf("encoding task payload: %w", err)
	}
	task := storage.Task{
		ID:          taskID,
		Type:        storage.TaskTypeProcessImage,
		PayloadJSON: string(payload),
		MaxAttempts: o.maxAttempts,
	}
	if err := o.queue.EnqueueTask(task); err != nil {
		if setErr := o.records.SetStatus(ctx, imageID, vector.StatusFailed); setErr != nil {
			o.logger.Error("marking unscheduled record failed", "image_id", imageID, "error", setErr)
		}
		return nil, fmt.Errorf("image stored but processing not scheduled: %w", err)
	}

	o.logger.Info("image_uploaded",
		"project_id", up.ProjectID,
		"image_id", imageID,
		"sequence_number", seq,
		"size_bytes", len(up.Data))

	return &Receipt{
		ImageID:        imageID,
		SequenceNumber: seq,
		TaskID:         taskID,
		Status:         "processing",
	}, nil
}

func (o *Orchestrator) validate(up Upload) error {
	if up.ProjectID == "" {
		return fmt.Errorf("%w: project_id is required", ErrInvalidInput)
	}
	if len(up.Data) == 0 {
		return fmt.Errorf("%w: image data is empty", ErrInvalidInput)
	}
	if o.maxUploadBytes > 0 && int64(len(up.Data)) > o.maxUploadBytes {
		return fmt.Errorf("%w: image exceeds %d bytes", ErrInvalidInput, o.maxUploadBytes)
	}
	if !o.acceptedTypes[up.ContentType] {
		return fmt.Errorf("%w: unsupported content type %q", ErrInvalidInput, up.ContentType)
	}
	return nil
}
