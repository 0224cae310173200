package ingest

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lenslog/lenslog/internal/blob"
	"github.com/lenslog/lenslog/internal/cache"
	"github.com/lenslog/lenslog/internal/storage"
	"github.com/lenslog/lenslog/internal/vector"
)

type mockCaptioner struct {
	describeFn func(ctx context.Context, image []byte) (string, error)
	answerFn   func(ctx context.Context, a, b []byte, question string) (string, error)
}

func (m *mockCaptioner) Describe(ctx context.Context, image []byte) (string, error) {
	return m.describeFn(ctx, image)
}

func (m *mockCaptioner) Answer(ctx context.Context, a, b []byte, question string) (string, error) {
	return m.answerFn(ctx, a, b, question)
}

type mockEmbedder struct {
	embedImageFn func(ctx context.Context, image []byte) ([]float32, error)
	embedTextFn  func(ctx context.Context, text string) ([]float32, error)
}

func (m *mockEmbedder) EmbedImage(ctx context.Context, image []byte) ([]float32, error) {
	return m.embedImageFn(ctx, image)
}

func (m *mockEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	return m.embedTextFn(ctx, text)
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// testHarness wires an orchestrator and worker over shared in-memory stores.
type testHarness struct {
	store        *storage.Store
	records      *vector.SQLiteStore
	blobs        *blob.FSStore
	cache        *cache.MemoryCache
	orchestrator *Orchestrator
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	store := openTestStore(t)
	records := vector.NewSQLiteStore(store.DB())
	blobs, err := blob.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	c := cache.NewMemoryCache()
	orch := NewOrchestrator(blobs, records, store, 10<<20, 3, []string{"image/jpeg", "image/png"})
	return &testHarness{store: store, records: records, blobs: blobs, cache: c, orchestrator: orch}
}

func (h *testHarness) newWorker(captioner *mockCaptioner, embedder *mockEmbedder) *Worker {
	return NewWorker(h.store, h.records, h.blobs, captioner, embedder, h.cache, 0, 0, time.Hour)
}

func (h *testHarness) upload(t *testing.T, project string) *Receipt {
	t.Helper()
	receipt, err := h.orchestrator.Upload(context.Background(), Upload{
		ProjectID:   project,
		Filename:    "site.jpg",
		ContentType: "image/jpeg",
		Data:        []byte{0xFF, 0xD8, 0xFF, 0x01},
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	return receipt
}

// resetRunAfter sets run_after to now so a task is immediately claimable after backoff.
func resetRunAfter(t *testing.T, store *storage.Store, taskID string) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := store.DB().Exec(`UPDATE tasks SET run_after = ? WHERE id = ?`, now, taskID); err != nil {
		t.Fatalf("resetRunAfter: %v", err)
	}
}

func okCaptioner() *mockCaptioner {
	return &mockCaptioner{
		describeFn: func(_ context.Context, _ []byte) (string, error) {
			return "a construction site with scaffolding", nil
		},
	}
}

func okEmbedder() *mockEmbedder {
	return &mockEmbedder{
		embedImageFn: func(_ context.Context, _ []byte) ([]float32, error) {
			return []float32{0.1, 0.2, 0.3}, nil
		},
	}
}

func TestWorker_ProcessesTask(t *testing.T) {
	h := newTestHarness(t)
	receipt := h.upload(t, "proj")
	w := h.newWorker(okCaptioner(), okEmbedder())

	ctx := context.Background()
	didWork, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected true")
	}

	rec, err := h.records.GetByID(ctx, receipt.ImageID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if rec.Status != vector.StatusCompleted {
		t.Errorf("status = %q, want completed", rec.Status)
	}
	if rec.Caption != "a construction site with scaffolding" {
		t.Errorf("caption = %q", rec.Caption)
	}
	if rec.ProcessedAt == nil {
		t.Error("ProcessedAt not set")
	}

	task, err := h.store.GetTask(receipt.TaskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != "completed" {
		t.Errorf("task status = %q, want completed", task.Status)
	}

	ok, _, err := h.cache.Get(ctx, "embedding:"+receipt.ImageID)
	if err != nil {
		t.Fatalf("cache Get: %v", err)
	}
	if !ok {
		t.Error("embedding not cached")
	}
}

func TestWorker_RedeliveryOfCompletedImageIsNoop(t *testing.T) {
	h := newTestHarness(t)
	receipt := h.upload(t, "proj")

	var captions atomic.Int32
	captioner := &mockCaptioner{
		describeFn: func(_ context.Context, _ []byte) (string, error) {
			captions.Add(1)
			return "caption", nil
		},
	}
	w := h.newWorker(captioner, okEmbedder())

	ctx := context.Background()
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	// Simulate redelivery of the same payload.
	task, err := h.store.GetTask(receipt.TaskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	redelivered := storage.Task{ID: "redelivered-1", Type: storage.TaskTypeProcessImage, PayloadJSON: task.PayloadJSON}
	if err := h.store.EnqueueTask(redelivered); err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}

	didWork, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce redelivery: %v", err)
	}
	if !didWork {
		t.Fatal("redelivered task was not claimed")
	}

	if got := captions.Load(); got != 1 {
		t.Errorf("model called %d times, want 1 (redelivery must skip model calls)", got)
	}
}

func TestWorker_RetryOnTransientFailure(t *testing.T) {
	h := newTestHarness(t)
	receipt := h.upload(t, "proj")

	var calls atomic.Int32
	captioner := &mockCaptioner{
		describeFn: func(_ context.Context, _ []byte) (string, error) {
			if calls.Add(1) <= 1 {
				return "", fmt.Errorf("model cold start")
			}
			return "caption", nil
		},
	}
	w := h.newWorker(captioner, okEmbedder())

	ctx := context.Background()
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce 1: %v", err)
	}

	task, err := h.store.GetTask(receipt.TaskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != "pending" || task.Attempts != 1 {
		t.Errorf("after 1st fail: status=%q attempts=%d, want pending/1", task.Status, task.Attempts)
	}

	resetRunAfter(t, h.store, receipt.TaskID)

	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce 2: %v", err)
	}

	rec, err := h.records.GetByID(ctx, receipt.ImageID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if rec.Status != vector.StatusCompleted {
		t.Errorf("status = %q, want completed after retry", rec.Status)
	}
}

func TestWorker_DeadLetterMarksRecordFailed(t *testing.T) {
	h := newTestHarness(t)
	receipt := h.upload(t, "proj")

	captioner := &mockCaptioner{
		describeFn: func(_ context.Context, _ []byte) (string, error) {
			return "", fmt.Errorf("permanent error")
		},
	}
	w := h.newWorker(captioner, okEmbedder())

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		didWork, err := w.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce %d: %v", i, err)
		}
		if !didWork {
			t.Fatalf("RunOnce %d returned false", i)
		}
		if i < 3 {
			resetRunAfter(t, h.store, receipt.TaskID)
		}
	}

	task, err := h.store.GetTask(receipt.TaskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != "failed" {
		t.Errorf("task status = %q, want failed", task.Status)
	}

	rec, err := h.records.GetByID(ctx, receipt.ImageID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if rec.Status != vector.StatusFailed {
		t.Errorf("record status = %q, want failed after dead-letter", rec.Status)
	}
}

func TestWorker_NoTaskReturnsFalse(t *testing.T) {
	h := newTestHarness(t)
	w := h.newWorker(okCaptioner(), okEmbedder())

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if didWork {
		t.Error("RunOnce returned true on an empty queue")
	}
}

// hangingBlobStore blocks Get until the context is cancelled.
type hangingBlobStore struct{}

func (hangingBlobStore) Put(context.Context, string, []byte, string) error { return nil }

func (hangingBlobStore) Get(ctx context.Context, _ string) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestWorker_BlobFetchIsBounded(t *testing.T) {
	h := newTestHarness(t)
	receipt := h.upload(t, "proj")

	w := NewWorker(h.store, h.records, hangingBlobStore{}, okCaptioner(), okEmbedder(), h.cache,
		0, 25*time.Millisecond, time.Hour)

	start := time.Now()
	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected a claimed task")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("blob fetch not bounded by timeout, took %v", elapsed)
	}

	task, err := h.store.GetTask(receipt.TaskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != "pending" || task.Attempts != 1 {
		t.Errorf("task = %q/%d, want pending/1 (timeout is retryable)", task.Status, task.Attempts)
	}
}
