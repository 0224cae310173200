package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/lenslog/lenslog/internal/blob"
	"github.com/lenslog/lenslog/internal/storage"
	"github.com/lenslog/lenslog/internal/vector"
)

func TestUpload_Valid(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	receipt := h.upload(t, "backyard")

	if receipt.SequenceNumber != 1 {
		t.Errorf("sequence = %d, want 1", receipt.SequenceNumber)
	}
	if receipt.Status != "processing" {
		t.Errorf("status = %q, want processing", receipt.Status)
	}
	if receipt.ImageID == "" || receipt.TaskID == "" {
		t.Error("receipt missing image or task id")
	}

	rec, err := h.records.GetByID(ctx, receipt.ImageID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if rec.Status != vector.StatusPending {
		t.Errorf("record status = %q, want pending", rec.Status)
	}
	if rec.Caption != "" {
		t.Errorf("caption = %q, want empty before processing", rec.Caption)
	}

	data, err := h.blobs.Get(ctx, rec.BlobKey)
	if err != nil {
		t.Fatalf("blob Get: %v", err)
	}
	if len(data) != 4 {
		t.Errorf("blob size = %d, want 4", len(data))
	}
}

func TestUpload_SequencesIncreasePerProject(t *testing.T) {
	h := newTestHarness(t)

	r1 := h.upload(t, "a")
	r2 := h.upload(t, "a")
	r3 := h.upload(t, "b")

	if r1.SequenceNumber != 1 || r2.SequenceNumber != 2 {
		t.Errorf("project a sequences = %d, %d, want 1, 2", r1.SequenceNumber, r2.SequenceNumber)
	}
	if r3.SequenceNumber != 1 {
		t.Errorf("project b sequence = %d, want 1 (independent counter)", r3.SequenceNumber)
	}
}

func TestUpload_Validation(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		upload Upload
	}{
		{
			name:   "empty project",
			upload: Upload{ProjectID: "", Filename: "a.jpg", ContentType: "image/jpeg", Data: []byte{1}},
		},
		{
			name:   "empty data",
			upload: Upload{ProjectID: "p", Filename: "a.jpg", ContentType: "image/jpeg", Data: nil},
		},
		{
			name:   "unsupported content type",
			upload: Upload{ProjectID: "p", Filename: "a.gif", ContentType: "image/gif", Data: []byte{1}},
		},
		{
			name:   "oversized",
			upload: Upload{ProjectID: "p", Filename: "a.jpg", ContentType: "image/jpeg", Data: make([]byte, 11<<20)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orchestrator.Upload(ctx, tt.upload)
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("err = %v, want ErrInvalidInput", err)
			}
		})
	}

	// Rejected uploads must not consume sequence numbers.
	receipt := h.upload(t, "p")
	if receipt.SequenceNumber != 1 {
		t.Errorf("sequence = %d, want 1 (no allocation on rejected uploads)", receipt.SequenceNumber)
	}
}

// failingBlobStore rejects all writes.
type failingBlobStore struct{}

func (failingBlobStore) Put(context.Context, string, []byte, string) error {
	return errors.New("bucket unavailable")
}

func (failingBlobStore) Get(context.Context, string) ([]byte, error) {
	return nil, blob.ErrNotFound
}

func TestUpload_BlobFailureMarksRecordFailed(t *testing.T) {
	store := openTestStore(t)
	records := vector.NewSQLiteStore(store.DB())
	orch := NewOrchestrator(failingBlobStore{}, records, store, 10<<20, 3, []string{"image/jpeg"})

	ctx := context.Background()
	_, err := orch.Upload(ctx, Upload{ProjectID: "p", Filename: "a.jpg", ContentType: "image/jpeg", Data: []byte{1}})
	if err == nil {
		t.Fatal("expected error from blob failure")
	}

	// The sequence number is consumed and the record preserves the hole.
	recs, err := records.ListByProject(ctx, "p", 10)
	if err != nil {
		t.Fatalf("ListByProject: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if recs[0].Status != vector.StatusFailed {
		t.Errorf("status = %q, want failed", recs[0].Status)
	}

	next, err := records.AllocateSequence(ctx, "p")
	if err != nil {
		t.Fatalf("AllocateSequence: %v", err)
	}
	if next != 2 {
		t.Errorf("next sequence = %d, want 2 (number 1 never reused)", next)
	}
}

// failingQueue rejects all enqueues.
type failingQueue struct{}

func (failingQueue) EnqueueTask(storage.Task) error { return errors.New("queue full") }

func TestUpload_EnqueueFailureReportsStoredNotScheduled(t *testing.T) {
	store := openTestStore(t)
	records := vector.NewSQLiteStore(store.DB())
	blobs, err := blob.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	orch := NewOrchestrator(blobs, records, failingQueue{}, 10<<20, 3, []string{"image/jpeg"})

	ctx := context.Background()
	_, err = orch.Upload(ctx, Upload{ProjectID: "p", Filename: "a.jpg", ContentType: "image/jpeg", Data: []byte{1}})
	if err == nil {
		t.Fatal("expected error from enqueue failure")
	}
	if got := err.Error(); !contains(got, "stored but processing not scheduled") {
		t.Errorf("error = %q, want stored-not-scheduled wording", got)
	}

	recs, err := records.ListByProject(ctx, "p", 10)
	if err != nil {
		t.Fatalf("ListByProject: %v", err)
	}
	if len(recs) != 1 || recs[0].Status != vector.StatusFailed {
		t.Errorf("records = %+v, want one failed record", recs)
	}
}

func TestUpload_ConcurrentSequencesUnique(t *testing.T) {
	h := newTestHarness(t)

	const uploads = 20
	seqs := make([]int64, uploads)
	var wg sync.WaitGroup
	for i := 0; i < uploads; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			receipt, err := h.orchestrator.Upload(context.Background(), Upload{
				ProjectID:   "shared",
				Filename:    fmt.Sprintf("img-%d.jpg", i),
				ContentType: "image/jpeg",
				Data:        []byte{byte(i + 1)},
			})
			if err != nil {
				t.Errorf("Upload %d: %v", i, err)
				return
			}
			seqs[i] = receipt.SequenceNumber
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool, uploads)
	for i, s := range seqs {
		if s < 1 || s > uploads {
			t.Errorf("seqs[%d] = %d, out of range", i, s)
		}
		if seen[s] {
			t.Errorf("sequence %d allocated twice", s)
		}
		seen[s] = true
	}
}

func contains(s, sub string) bool {
	for i := 0; i <= len(s)-len(sub); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
