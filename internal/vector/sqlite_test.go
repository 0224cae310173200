package vector

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/lenslog/lenslog/internal/storage"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewSQLiteStore(st.DB())
}

func testRecord(projectID string, seq int64) ImageRecord {
	return ImageRecord{
		ImageID:        fmt.Sprintf("img-%s-%d", projectID, seq),
		ProjectID:      projectID,
		SequenceNumber: seq,
		BlobKey:        fmt.Sprintf("%s/img-%d.jpg", projectID, seq),
		Filename:       fmt.Sprintf("shot-%d.jpg", seq),
		ContentType:    "image/jpeg",
		SizeBytes:      1024,
	}
}

func TestAllocateSequence_Monotonic(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for want := int64(1); want <= 5; want++ {
		got, err := store.AllocateSequence(ctx, "site-a")
		if err != nil {
			t.Fatalf("allocating sequence: %v", err)
		}
		if got != want {
			t.Errorf("sequence = %d, want %d", got, want)
		}
	}

	// A second project starts its own counter.
	got, err := store.AllocateSequence(ctx, "site-b")
	if err != nil {
		t.Fatalf("allocating sequence: %v", err)
	}
	if got != 1 {
		t.Errorf("site-b sequence = %d, want 1", got)
	}
}

func TestAllocateSequence_ConcurrentUnique(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	const n = 25
	results := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq, err := store.AllocateSequence(ctx, "site-a")
			if err != nil {
				t.Errorf("allocating sequence: %v", err)
				return
			}
			results <- seq
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int64]bool)
	for seq := range results {
		if seen[seq] {
			t.Errorf("sequence %d allocated twice", seq)
		}
		seen[seq] = true
	}
	if len(seen) != n {
		t.Errorf("got %d unique sequences, want %d", len(seen), n)
	}
}

func TestCreateAndGetRecord(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec := testRecord("site-a", 1)
	if err := store.CreateRecord(ctx, rec); err != nil {
		t.Fatalf("creating record: %v", err)
	}

	got, err := store.GetByID(ctx, rec.ImageID)
	if err != nil {
		t.Fatalf("getting record: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("status = %q, want %q", got.Status, StatusPending)
	}
	if got.ProjectID != "site-a" || got.SequenceNumber != 1 {
		t.Errorf("got %s/%d, want site-a/1", got.ProjectID, got.SequenceNumber)
	}
	if got.CreatedAt.IsZero() {
		t.Error("expected created_at to be set")
	}
	if got.ProcessedAt != nil {
		t.Error("expected processed_at to be nil for pending record")
	}

	bySeq, err := store.GetByProjectAndSequence(ctx, "site-a", 1)
	if err != nil {
		t.Fatalf("getting by sequence: %v", err)
	}
	if bySeq.ImageID != rec.ImageID {
		t.Errorf("image_id = %q, want %q", bySeq.ImageID, rec.ImageID)
	}
}

func TestGetByID_NotFound(t *testing.T) {
	store := openTestStore(t)

	_, err := store.GetByID(context.Background(), "no-such-image")
	if err != storage.ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCompleteRecord_RoundTripsEmbedding(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec := testRecord("site-a", 1)
	if err := store.CreateRecord(ctx, rec); err != nil {
		t.Fatalf("creating record: %v", err)
	}

	embedding := []float32{0.1, -0.5, 2.25, 0}
	processedAt := time.Now().UTC().Truncate(time.Second)
	if err := store.CompleteRecord(ctx, rec.ImageID, "a crane on site", embedding, processedAt); err != nil {
		t.Fatalf("completing record: %v", err)
	}

	got, err := store.GetByID(ctx, rec.ImageID)
	if err != nil {
		t.Fatalf("getting record: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("status = %q, want %q", got.Status, StatusCompleted)
	}
	if got.Caption != "a crane on site" {
		t.Errorf("caption = %q", got.Caption)
	}
	if len(got.Embedding) != len(embedding) {
		t.Fatalf("embedding length = %d, want %d", len(got.Embedding), len(embedding))
	}
	for i := range embedding {
		if got.Embedding[i] != embedding[i] {
			t.Errorf("embedding[%d] = %v, want %v", i, got.Embedding[i], embedding[i])
		}
	}
	if got.ProcessedAt == nil || !got.ProcessedAt.Equal(processedAt) {
		t.Errorf("processed_at = %v, want %v", got.ProcessedAt, processedAt)
	}
}

func TestCompleteRecord_Missing(t *testing.T) {
	store := openTestStore(t)

	err := store.CompleteRecord(context.Background(), "no-such-image", "cap", []float32{1}, time.Now())
	if err != storage.ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSetStatus(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec := testRecord("site-a", 1)
	if err := store.CreateRecord(ctx, rec); err != nil {
		t.Fatalf("creating record: %v", err)
	}
	if err := store.SetStatus(ctx, rec.ImageID, StatusProcessing); err != nil {
		t.Fatalf("setting status: %v", err)
	}
	got, err := store.GetByID(ctx, rec.ImageID)
	if err != nil {
		t.Fatalf("getting record: %v", err)
	}
	if got.Status != StatusProcessing {
		t.Errorf("status = %q, want %q", got.Status, StatusProcessing)
	}

	if err := store.SetStatus(ctx, "no-such-image", StatusFailed); err != storage.ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListByProject_DescendingWithLimit(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for seq := int64(1); seq <= 5; seq++ {
		if err := store.CreateRecord(ctx, testRecord("site-a", seq)); err != nil {
			t.Fatalf("creating record %d: %v", seq, err)
		}
	}
	if err := store.CreateRecord(ctx, testRecord("site-b", 1)); err != nil {
		t.Fatalf("creating record: %v", err)
	}

	records, err := store.ListByProject(ctx, "site-a", 3)
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	for i, want := range []int64{5, 4, 3} {
		if records[i].SequenceNumber != want {
			t.Errorf("records[%d].SequenceNumber = %d, want %d", i, records[i].SequenceNumber, want)
		}
	}

	count, err := store.CountByProject(ctx, "site-a")
	if err != nil {
		t.Fatalf("counting: %v", err)
	}
	if count != 5 {
		t.Errorf("count = %d, want 5", count)
	}
}

// seedCompleted inserts a completed record with the given embedding.
func seedCompleted(t *testing.T, store *SQLiteStore, projectID string, seq int64, embedding []float32) ImageRecord {
	t.Helper()
	ctx := context.Background()
	rec := testRecord(projectID, seq)
	if err := store.CreateRecord(ctx, rec); err != nil {
		t.Fatalf("creating record: %v", err)
	}
	if err := store.CompleteRecord(ctx, rec.ImageID, fmt.Sprintf("caption %d", seq), embedding, time.Now()); err != nil {
		t.Fatalf("completing record: %v", err)
	}
	return rec
}

func TestSearch_OrdersByCosineSimilarity(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// Query along the x axis; seq 1 is closest, seq 3 is orthogonal.
	seedCompleted(t, store, "site-a", 1, []float32{1, 0, 0})
	seedCompleted(t, store, "site-a", 2, []float32{1, 1, 0})
	seedCompleted(t, store, "site-a", 3, []float32{0, 1, 0})

	results, err := store.Search(ctx, "site-a", []float32{1, 0, 0}, 3, nil)
	if err != nil {
		t.Fatalf("searching: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for i, want := range []int64{1, 2, 3} {
		if results[i].SequenceNumber != want {
			t.Errorf("results[%d].SequenceNumber = %d, want %d", i, results[i].SequenceNumber, want)
		}
	}
	if math.Abs(float64(results[0].Score)-1.0) > 1e-6 {
		t.Errorf("top score = %v, want 1.0", results[0].Score)
	}
	if results[2].Score > 1e-6 {
		t.Errorf("orthogonal score = %v, want ~0", results[2].Score)
	}
}

func TestSearch_RespectsTopK(t *testing.T) {
	store := openTestStore(t)

	for seq := int64(1); seq <= 10; seq++ {
		seedCompleted(t, store, "site-a", seq, []float32{float32(seq), 1})
	}

	results, err := store.Search(context.Background(), "site-a", []float32{1, 0}, 4, nil)
	if err != nil {
		t.Fatalf("searching: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("got %d results, want 4", len(results))
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Errorf("results not sorted by score: %v > %v at %d", results[i].Score, results[i-1].Score, i)
		}
	}
}

func TestSearch_SkipsIncompleteRecords(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	seedCompleted(t, store, "site-a", 1, []float32{1, 0})
	if err := store.CreateRecord(ctx, testRecord("site-a", 2)); err != nil {
		t.Fatalf("creating record: %v", err)
	}

	results, err := store.Search(ctx, "site-a", []float32{1, 0}, 5, nil)
	if err != nil {
		t.Fatalf("searching: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1 (pending record must be excluded)", len(results))
	}
	if results[0].SequenceNumber != 1 {
		t.Errorf("sequence = %d, want 1", results[0].SequenceNumber)
	}
}

func TestSearch_SequenceFilter(t *testing.T) {
	store := openTestStore(t)

	for seq := int64(1); seq <= 4; seq++ {
		seedCompleted(t, store, "site-a", seq, []float32{1, float32(seq)})
	}

	results, err := store.Search(context.Background(), "site-a", []float32{1, 1}, 10, []int64{2, 4})
	if err != nil {
		t.Fatalf("searching: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for _, r := range results {
		if r.SequenceNumber != 2 && r.SequenceNumber != 4 {
			t.Errorf("unexpected sequence %d in filtered search", r.SequenceNumber)
		}
	}
}

func TestSearch_ScopedToProject(t *testing.T) {
	store := openTestStore(t)

	seedCompleted(t, store, "site-a", 1, []float32{1, 0})
	seedCompleted(t, store, "site-b", 1, []float32{1, 0})

	results, err := store.Search(context.Background(), "site-a", []float32{1, 0}, 10, nil)
	if err != nil {
		t.Fatalf("searching: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].ProjectID != "site-a" {
		t.Errorf("project = %q, want site-a", results[0].ProjectID)
	}
}

func TestSearch_ZeroQueryVector(t *testing.T) {
	store := openTestStore(t)

	seedCompleted(t, store, "site-a", 1, []float32{1, 0})

	results, err := store.Search(context.Background(), "site-a", []float32{0, 0}, 5, nil)
	if err != nil {
		t.Fatalf("searching: %v", err)
	}
	if results != nil {
		t.Errorf("expected nil results for zero-norm query, got %d", len(results))
	}
}

func TestEncodeDecodeFloat32s(t *testing.T) {
	in := []float32{0, 1.5, -3.25, math.MaxFloat32, math.SmallestNonzeroFloat32}
	out, err := decodeFloat32s(encodeFloat32s(in))
	if err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("length = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("out[%d] = %v, want %v", i, out[i], in[i])
		}
	}

	if _, err := decodeFloat32s([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated blob")
	}
}

func TestListCompletedByProject_SkipsUnfinished(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	seedCompleted(t, store, "site-a", 1, []float32{1, 0})
	seedCompleted(t, store, "site-a", 2, []float32{0, 1})
	for seq := int64(3); seq <= 6; seq++ {
		if err := store.CreateRecord(ctx, testRecord("site-a", seq)); err != nil {
			t.Fatalf("creating record %d: %v", seq, err)
		}
	}

	records, err := store.ListCompletedByProject(ctx, "site-a", 3)
	if err != nil {
		t.Fatalf("listing completed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	for i, want := range []int64{2, 1} {
		if records[i].SequenceNumber != want {
			t.Errorf("records[%d].SequenceNumber = %d, want %d", i, records[i].SequenceNumber, want)
		}
		if records[i].Status != StatusCompleted {
			t.Errorf("records[%d].Status = %q, want completed", i, records[i].Status)
		}
	}
}
