package vector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/lenslog/lenslog/internal/storage"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore is the pgvector-backed Store implementation. Similarity
// search runs server-side with an ivfflat index, which scales past the
// SQLite backend's brute-force scan.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the given Postgres URL and ensures the
// schema exists. embedDim fixes the vector column dimension.
func NewPostgresStore(ctx context.Context, connString string, embedDim int) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx, embedDim); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *PostgresStore) initSchema(ctx context.Context, embedDim int) error {
	if _, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
        CREATE TABLE IF NOT EXISTS image_records (
            image_id        TEXT PRIMARY KEY,
            project_id      TEXT NOT NULL,
            sequence_number BIGINT NOT NULL,
            blob_key        TEXT NOT NULL,
            filename        TEXT NOT NULL,
            content_type    TEXT NOT NULL,
            size_bytes      BIGINT NOT NULL,
            status          TEXT NOT NULL DEFAULT 'pending',
            caption         TEXT NOT NULL DEFAULT '',
            embedding       vector(%d),
            created_at      TIMESTAMPTZ NOT NULL,
            processed_at    TIMESTAMPTZ,
            UNIQUE(project_id, sequence_number)
        );

        CREATE TABLE IF NOT EXISTS project_sequences (
            project_id TEXT PRIMARY KEY,
            next_seq   BIGINT NOT NULL
        );
    `, embedDim))
	if err != nil {
		return fmt.Errorf("failed to create database schema: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
        CREATE INDEX IF NOT EXISTS idx_image_records_project ON image_records(project_id, sequence_number DESC);
        CREATE INDEX IF NOT EXISTS idx_image_records_embedding ON image_records USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);
    `)
	if err != nil {
		return fmt.Errorf("failed to create database indexes: %w", err)
	}

	return nil
}

func (s *PostgresStore) AllocateSequence(ctx context.Context, projectID string) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO project_sequences (project_id, next_seq) VALUES ($1, 1)
		ON CONFLICT (project_id) DO UPDATE SET next_seq = project_sequences.next_seq + 1
		RETURNING next_seq`, projectID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("allocating sequence for project %s: %w", projectID, err)
	}
	return seq, nil
}

func (s *PostgresStore) CreateRecord(ctx context.Context, rec ImageRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	status := rec.Status
	if status == "" {
		status = StatusPending
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO image_records (image_id, project_id, sequence_number, blob_key, filename, content_type, size_bytes, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ImageID, rec.ProjectID, rec.SequenceNumber, rec.BlobKey, rec.Filename,
		rec.ContentType, rec.SizeBytes, status, createdAt,
	)
	if err != nil {
		return fmt.Errorf("inserting record %s: %w", rec.ImageID, err)
	}
	return nil
}

func (s *PostgresStore) SetStatus(ctx context.Context, imageID, status string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE image_records SET status = $1 WHERE image_id = $2`, status, imageID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CompleteRecord(ctx context.Context, imageID, caption string, embedding []float32, processedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE image_records
		SET status = $1, caption = $2, embedding = $3, processed_at = $4
		WHERE image_id = $5`,
		StatusCompleted, caption, pgvector.NewVector(embedding), processedAt.UTC(), imageID,
	)
	if err != nil {
		return fmt.Errorf("completing record %s: %w", imageID, err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

const pgRecordColumns = `image_id, project_id, sequence_number, blob_key, filename, content_type, size_bytes, status, caption, embedding, created_at, processed_at`

func (s *PostgresStore) GetByID(ctx context.Context, imageID string) (ImageRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgRecordColumns+` FROM image_records WHERE image_id = $1`, imageID)
	return scanPGRecord(row)
}

func (s *PostgresStore) GetByProjectAndSequence(ctx context.Context, projectID string, seq int64) (ImageRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgRecordColumns+` FROM image_records WHERE project_id = $1 AND sequence_number = $2`,
		projectID, seq)
	return scanPGRecord(row)
}

func (s *PostgresStore) ListByProject(ctx context.Context, projectID string, limit int) ([]ImageRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgRecordColumns+` FROM image_records
		WHERE project_id = $1 ORDER BY sequence_number DESC LIMIT $2`,
		projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing project %s: %w", projectID, err)
	}
	defer rows.Close()

	var records []ImageRecord
	for rows.Next() {
		rec, err := scanPGRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *PostgresStore) ListCompletedByProject(ctx context.Context, projectID string, limit int) ([]ImageRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgRecordColumns+` FROM image_records
		WHERE project_id = $1 AND status = $2 ORDER BY sequence_number DESC LIMIT $3`,
		projectID, StatusCompleted, limit)
	if err != nil {
		return nil, fmt.Errorf("listing completed records for project %s: %w", projectID, err)
	}
	defer rows.Close()

	var records []ImageRecord
	for rows.Next() {
		rec, err := scanPGRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *PostgresStore) CountByProject(ctx context.Context, projectID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM image_records WHERE project_id = $1`, projectID).Scan(&count)
	return count, err
}

func (s *PostgresStore) Search(ctx context.Context, projectID string, queryVector []float32, k int, sequenceFilter []int64) ([]ScoredRecord, error) {
	query := `SELECT ` + pgRecordColumns + `,
		1 - (embedding <=> $1) AS similarity
		FROM image_records
		WHERE project_id = $2 AND status = $3`
	args := []interface{}{pgvector.NewVector(queryVector), projectID, StatusCompleted}
	if len(sequenceFilter) > 0 {
		placeholders := make([]string, len(sequenceFilter))
		for i, seq := range sequenceFilter {
			placeholders[i] = fmt.Sprintf("$%d", len(args)+1)
			args = append(args, seq)
		}
		query += ` AND sequence_number IN (` + strings.Join(placeholders, ",") + `)`
	}
	query += fmt.Sprintf(` ORDER BY embedding <=> $1 LIMIT $%d`, len(args)+1)
	args = append(args, k)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search similar images: %w", err)
	}
	defer rows.Close()

	var results []ScoredRecord
	for rows.Next() {
		rec, score, err := scanPGScored(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan search results: %w", err)
		}
		results = append(results, ScoredRecord{ImageRecord: rec, Score: score})
	}
	return results, rows.Err()
}

type pgScanner interface {
	Scan(dest ...any) error
}

func scanPGRecord(row pgScanner) (ImageRecord, error) {
	var rec ImageRecord
	var embedding *pgvector.Vector
	var processedAt *time.Time
	err := row.Scan(&rec.ImageID, &rec.ProjectID, &rec.SequenceNumber, &rec.BlobKey,
		&rec.Filename, &rec.ContentType, &rec.SizeBytes, &rec.Status, &rec.Caption,
		&embedding, &rec.CreatedAt, &processedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ImageRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return ImageRecord{}, err
	}
	if embedding != nil {
		rec.Embedding = embedding.Slice()
	}
	rec.ProcessedAt = processedAt
	return rec, nil
}

func scanPGScored(row pgScanner) (ImageRecord, float32, error) {
	var rec ImageRecord
	var embedding *pgvector.Vector
	var processedAt *time.Time
	var score float32
	err := row.Scan(&rec.ImageID, &rec.ProjectID, &rec.SequenceNumber, &rec.BlobKey,
		&rec.Filename, &rec.ContentType, &rec.SizeBytes, &rec.Status, &rec.Caption,
		&embedding, &rec.CreatedAt, &processedAt, &score)
	if err != nil {
		return ImageRecord{}, 0, err
	}
	if embedding != nil {
		rec.Embedding = embedding.Slice()
	}
	rec.ProcessedAt = processedAt
	return rec, score, nil
}
