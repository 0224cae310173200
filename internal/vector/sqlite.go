package vector

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/lenslog/lenslog/internal/storage"
)

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore provides image record storage and brute-force cosine
// similarity search backed by SQLite. It shares the database opened by the
// storage package; the image_records and project_sequences tables are
// created via migrations.
//
// Brute force is fine for the per-project collection sizes this serves.
// When a project exceeds ~100K images, switch to the Postgres backend with
// its ivfflat index.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an existing *sql.DB for image record operations.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// AllocateSequence increments the project's counter row in a single atomic
// statement. The storage package's single-connection SQLite setup makes the
// upsert linearizable across concurrent uploads.
func (s *SQLiteStore) AllocateSequence(ctx context.Context, projectID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO project_sequences (project_id, next_seq) VALUES (?, 1)
		ON CONFLICT(project_id) DO UPDATE SET next_seq = next_seq + 1
		RETURNING next_seq`, projectID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("allocating sequence for project %s: %w", projectID, err)
	}
	return seq, nil
}

func (s *SQLiteStore) CreateRecord(ctx context.Context, rec ImageRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	status := rec.Status
	if status == "" {
		status = StatusPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO image_records (image_id, project_id, sequence_number, blob_key, filename, content_type, size_bytes, status, caption, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', NULL, ?)`,
		rec.ImageID, rec.ProjectID, rec.SequenceNumber, rec.BlobKey, rec.Filename,
		rec.ContentType, rec.SizeBytes, status, createdAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting record %s: %w", rec.ImageID, err)
	}
	return nil
}

func (s *SQLiteStore) SetStatus(ctx context.Context, imageID, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE image_records SET status = ? WHERE image_id = ?`, status, imageID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) CompleteRecord(ctx context.Context, imageID, caption string, embedding []float32, processedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE image_records
		SET status = ?, caption = ?, embedding = ?, processed_at = ?
		WHERE image_id = ?`,
		StatusCompleted, caption, encodeFloat32s(embedding), processedAt.UTC().Format(time.RFC3339), imageID,
	)
	if err != nil {
		return fmt.Errorf("completing record %s: %w", imageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

const recordColumns = `image_id, project_id, sequence_number, blob_key, filename, content_type, size_bytes, status, caption, embedding, created_at, processed_at`

func (s *SQLiteStore) GetByID(ctx context.Context, imageID string) (ImageRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM image_records WHERE image_id = ?`, imageID)
	return scanRecord(row)
}

func (s *SQLiteStore) GetByProjectAndSequence(ctx context.Context, projectID string, seq int64) (ImageRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM image_records WHERE project_id = ? AND sequence_number = ?`,
		projectID, seq)
	return scanRecord(row)
}

func (s *SQLiteStore) ListByProject(ctx context.Context, projectID string, limit int) ([]ImageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM image_records
		WHERE project_id = ? ORDER BY sequence_number DESC LIMIT ?`,
		projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing project %s: %w", projectID, err)
	}
	defer rows.Close()

	var records []ImageRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) ListCompletedByProject(ctx context.Context, projectID string, limit int) ([]ImageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM image_records
		WHERE project_id = ? AND status = ? ORDER BY sequence_number DESC LIMIT ?`,
		projectID, StatusCompleted, limit)
	if err != nil {
		return nil, fmt.Errorf("listing completed records for project %s: %w", projectID, err)
	}
	defer rows.Close()

	var records []ImageRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) CountByProject(ctx context.Context, projectID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM image_records WHERE project_id = ?`, projectID).Scan(&count)
	return count, err
}

// idScore holds only the ID and score during the scan phase of Search.
// Full record details are fetched only for top-K winners.
type idScore struct {
	ID    string
	Score float32
}

// Search performs brute-force cosine similarity over the project's completed
// records, returning the top-K most similar.
func (s *SQLiteStore) Search(ctx context.Context, projectID string, queryVector []float32, k int, sequenceFilter []int64) ([]ScoredRecord, error) {
	query := `SELECT image_id, embedding FROM image_records WHERE project_id = ? AND status = ?`
	args := []interface{}{projectID, StatusCompleted}
	if len(sequenceFilter) > 0 {
		query += ` AND sequence_number IN (?` + strings.Repeat(",?", len(sequenceFilter)-1) + `)`
		for _, seq := range sequenceFilter {
			args = append(args, seq)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	queryNorm := norm(queryVector)
	if queryNorm == 0 {
		return nil, nil
	}

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		score := dotProduct(queryVector, buf, queryNorm)
		if h.Len() < k {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch full records only for the top-K IDs.
	topIDs := make([]string, h.Len())
	scores := make(map[string]float32, h.Len())
	for i := len(topIDs) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idScore)
		topIDs[i] = item.ID
		scores[item.ID] = item.Score
	}

	queryArgs := make([]interface{}, len(topIDs))
	for i, id := range topIDs {
		queryArgs[i] = id
	}
	fullQuery := `SELECT ` + recordColumns + ` FROM image_records WHERE image_id IN (?` +
		strings.Repeat(",?", len(topIDs)-1) + `)`

	fullRows, err := s.db.QueryContext(ctx, fullQuery, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K records: %w", err)
	}
	defer fullRows.Close()

	var results []ScoredRecord
	for fullRows.Next() {
		rec, err := scanRecord(fullRows)
		if err != nil {
			return nil, err
		}
		results = append(results, ScoredRecord{ImageRecord: rec, Score: scores[rec.ImageID]})
	}
	if err := fullRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating full records: %w", err)
	}

	// Sort results by score descending (IN query doesn't preserve order).
	sortByScore(results)

	return results, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (ImageRecord, error) {
	var rec ImageRecord
	var blob []byte
	var createdAt string
	var processedAt sql.NullString
	err := row.Scan(&rec.ImageID, &rec.ProjectID, &rec.SequenceNumber, &rec.BlobKey,
		&rec.Filename, &rec.ContentType, &rec.SizeBytes, &rec.Status, &rec.Caption,
		&blob, &createdAt, &processedAt)
	if err == sql.ErrNoRows {
		return ImageRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return ImageRecord{}, err
	}
	if len(blob) > 0 {
		rec.Embedding, err = decodeFloat32s(blob)
		if err != nil {
			return ImageRecord{}, fmt.Errorf("decoding embedding for %s: %w", rec.ImageID, err)
		}
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return ImageRecord{}, fmt.Errorf("parsing created_at: %w", err)
	}
	rec.CreatedAt = t
	if processedAt.Valid && processedAt.String != "" {
		p, err := time.Parse(time.RFC3339, processedAt.String)
		if err != nil {
			return ImageRecord{}, fmt.Errorf("parsing processed_at: %w", err)
		}
		rec.ProcessedAt = &p
	}
	return rec, nil
}

// sortByScore sorts ScoredRecords by Score descending. Used for small slices (topK).
func sortByScore(results []ScoredRecord) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Score > results[j-1].Score; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
// Returns an error if the byte slice length is not a multiple of 4 (indicates data corruption).
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	v := make([]float32, n)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// dotProduct computes cosine similarity as dot(a,b) / (aNorm * bNorm).
// aNorm is the precomputed L2 norm of vector a.
func dotProduct(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// idScoreHeap is a min-heap of idScore ordered by Score.
// Used during the scan phase of Search to track top-K candidates by ID only.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int            { return len(h) }
func (h idScoreHeap) Less(i, j int) bool  { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x interface{}) { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
