package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lenslog/lenslog/internal/blob"
	"github.com/lenslog/lenslog/internal/cache"
	"github.com/lenslog/lenslog/internal/storage"
	"github.com/lenslog/lenslog/internal/vector"
	"github.com/lenslog/lenslog/internal/vision"
)

// TaskStore abstracts the task queue operations the worker drives.
type TaskStore interface {
	ClaimNextTask(types []string) (*storage.Task, error)
	CompleteTask(id string) error
	FailTask(id string, errMsg string) (deadLettered bool, err error)
}

// Worker processes queued image tasks: it loads the stored bytes, derives a
// caption and an embedding, and completes the record. Handlers are
// idempotent so at-least-once delivery is safe.
type Worker struct {
	tasks        TaskStore
	records      vector.Store
	blobs        blob.Store
	captioner    vision.Captioner
	embedder     vision.Embedder
	cache        cache.Cache
	poll         time.Duration
	callTimeout  time.Duration
	embeddingTTL time.Duration
	logger       *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms; if callTimeout is <= 0,
// each model call gets 60s.
func NewWorker(tasks TaskStore, records vector.Store, blobs blob.Store, captioner vision.Captioner, embedder vision.Embedder, c cache.Cache, pollInterval, callTimeout, embeddingTTL time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if callTimeout <= 0 {
		callTimeout = 60 * time.Second
	}
	return &Worker{
		tasks:        tasks,
		records:      records,
		blobs:        blobs,
		captioner:    captioner,
		embedder:     embedder,
		cache:        c,
		poll:         pollInterval,
		callTimeout:  callTimeout,
		embeddingTTL: embeddingTTL,
		logger:       slog.Default(),
	}
}

// Run polls for tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single task.
// Returns true if a task was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	task, err := w.tasks.ClaimNextTask([]string{storage.TaskTypeProcessImage})
	if err != nil {
		return false, fmt.Errorf("claiming task: %w", err)
	}
	if task == nil {
		return false, nil
	}

	if err := w.processTask(ctx, task); err != nil {
		w.logger.Warn("task failed", "task_id", task.ID, "error", err)
		deadLettered, failErr := w.tasks.FailTask(task.ID, err.Error())
		if failErr != nil {
			w.logger.Error("failed to mark task as failed", "task_id", task.ID, "error", failErr)
			return true, nil
		}
		if deadLettered {
			w.deadLetter(ctx, task)
		}
		return true, nil
	}

	if err := w.tasks.CompleteTask(task.ID); err != nil {
		return true, fmt.Errorf("completing task %s: %w", task.ID, err)
	}
	return true, nil
}

// deadLetter marks the image record failed once its task runs out of
// attempts, so the failure is visible through the record status.
func (w *Worker) deadLetter(ctx context.Context, task *storage.Task) {
	var payload taskPayload
	if err := json.Unmarshal([]byte(task.PayloadJSON), &payload); err != nil {
		w.logger.Error("dead-lettered task has unreadable payload", "task_id", task.ID, "error", err)
		return
	}
	if err := w.records.SetStatus(ctx, payload.ImageID, vector.StatusFailed); err != nil {
		w.logger.Error("marking dead-lettered image failed", "image_id", payload.ImageID, "error", err)
		return
	}
	w.logger.Warn("image_processing_dead_lettered", "image_id", payload.ImageID, "task_id", task.ID)
}

func (w *Worker) processTask(ctx context.Context, task *storage.Task) error {
	var payload taskPayload
	if err := json.Unmarshal([]byte(task.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	rec, err := w.records.GetByID(ctx, payload.ImageID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Record gone means nothing to do; completing avoids retry churn.
			w.logger.Warn("task references missing record", "image_id", payload.ImageID)
			return nil
		}
		return fmt.Errorf("loading record %s: %w", payload.ImageID, err)
	}

	// Redelivery of an already-completed image is a no-op.
	if rec.Status == vector.StatusCompleted {
		return nil
	}

	if err := w.records.SetStatus(ctx, rec.ImageID, vector.StatusProcessing); err != nil {
		return fmt.Errorf("marking processing: %w", err)
	}

	data, err := w.fetchBlob(ctx, payload.BlobKey)
	if err != nil {
		return fmt.Errorf("loading image bytes: %w", err)
	}

	caption, err := w.describe(ctx, data)
	if err != nil {
		return fmt.Errorf("captioning: %w", err)
	}

	embedding, err := w.embed(ctx, data)
	if err != nil {
		return fmt.Errorf("embedding: %w", err)
	}

	processedAt := time.Now().UTC()
	if err := w.records.CompleteRecord(ctx, rec.ImageID, caption, embedding, processedAt); err != nil {
		return fmt.Errorf("completing record: %w", err)
	}

	w.cacheEmbedding(ctx, rec.ImageID, embedding)

	w.logger.Info("image_processed",
		"project_id", rec.ProjectID,
		"image_id", rec.ImageID,
		"sequence_number", rec.SequenceNumber,
		"caption_len", len(caption))
	return nil
}

func (w *Worker) fetchBlob(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, w.callTimeout)
	defer cancel()
	return w.blobs.Get(ctx, key)
}

func (w *Worker) describe(ctx context.Context, data []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, w.callTimeout)
	defer cancel()
	return w.captioner.Describe(ctx, data)
}

func (w *Worker) embed(ctx context.Context, data []byte) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, w.callTimeout)
	defer cancel()
	return w.embedder.EmbedImage(ctx, data)
}

// cacheEmbedding stores the vector under embedding:{image_id}. Best-effort;
// a cache failure never fails the task.
func (w *Worker) cacheEmbedding(ctx context.Context, imageID string, embedding []float32) {
	if w.cache == nil {
		return
	}
	encoded, err := json.Marshal(embedding)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, w.callTimeout)
	defer cancel()
	key := "embedding:" + imageID
	if err := w.cache.Set(ctx, key, string(encoded), w.embeddingTTL); err != nil {
		w.logger.Warn("embedding cache write failed", "image_id", imageID, "error", err)
		return
	}
	w.logger.Debug("embedding_cached", "image_id", imageID)
}
