package storage

import (
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"
)

// TaskTypeProcessImage is the task type consumed by the processing worker.
const TaskTypeProcessImage = "process_image"

// Task is one unit of asynchronous work. Delivery is at-least-once: a task
// claimed by a crashed worker becomes claimable again after its run_after
// backoff, so handlers must be idempotent.
type Task struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// EnqueueTask inserts a new pending task. A zero RunAfter means immediately
// claimable; a zero MaxAttempts defaults to 3.
func (s *Store) EnqueueTask(task Task) error {
	now := time.Now().UTC().Format(time.RFC3339)
	runAfter := now
	if !task.RunAfter.IsZero() {
		runAfter = task.RunAfter.UTC().Format(time.RFC3339)
	}
	maxAttempts := task.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	_, err := s.db.Exec(`
		INSERT INTO tasks (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		task.ID, task.Type, task.PayloadJSON, maxAttempts, runAfter, now, now,
	)
	return err
}

// ClaimNextTask atomically claims the oldest claimable task of one of the
// given types, or returns nil when none is due. The transactional
// pending→running flip guarantees at most one active claim per task.
func (s *Store) ClaimNextTask(types []string) (*Task, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	placeholders := strings.Repeat(",?", len(types)-1)
	query := `SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM tasks
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]interface{}, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var t Task
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err = tx.QueryRow(query, args...).Scan(
		&t.ID, &t.Type, &t.PayloadJSON, &t.Status, &t.Attempts, &t.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError,
	)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next task: %w", err)
	}

	res, err := tx.Exec(`UPDATE tasks SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, t.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating task status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated task rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	t.Status = "running"
	t.LastError = lastError.String
	if t.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for task %s: %w", t.ID, err)
	}
	if t.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for task %s: %w", t.ID, err)
	}
	if t.UpdatedAt, err = time.Parse(time.RFC3339, now); err != nil {
		return nil, fmt.Errorf("parsing updated_at for task %s: %w", t.ID, err)
	}
	return &t, nil
}

// reclaimRunningTasks flips tasks stuck in running back to pending. Called
// from Open: a running row at startup means the previous process died before
// completing or failing its claim, so the task must become claimable again.
// Handlers are idempotent, so the extra delivery is safe.
func (s *Store) reclaimRunningTasks() (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE tasks SET status = 'pending', run_after = ?, updated_at = ? WHERE status = 'running'`, now, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CompleteTask marks a claimed task as completed.
func (s *Store) CompleteTask(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE tasks SET status = 'completed', updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailTask records a failed attempt. Below the attempt ceiling the task is
// rescheduled with exponential backoff; at the ceiling it is dead-lettered
// (status "failed", no automatic retry). Returns true when dead-lettered.
func (s *Store) FailTask(id string, errMsg string) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM tasks WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}

	now := time.Now().UTC()
	attempts++
	deadLettered := attempts >= maxAttempts

	if deadLettered {
		_, err = tx.Exec(`UPDATE tasks SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, now.Format(time.RFC3339), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		runAfter := now.Add(backoff)
		_, err = tx.Exec(`UPDATE tasks SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, runAfter.Format(time.RFC3339), now.Format(time.RFC3339), id)
	}

	if err != nil {
		return false, err
	}

	return deadLettered, tx.Commit()
}

// GetTask returns a task by ID.
func (s *Store) GetTask(id string) (Task, error) {
	var t Task
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err := s.db.QueryRow(`
		SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM tasks WHERE id = ?`, id,
	).Scan(&t.ID, &t.Type, &t.PayloadJSON, &t.Status, &t.Attempts, &t.MaxAttempts, &runAfter, &createdAt, &updatedAt, &lastError)
	if err == sql.ErrNoRows {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, err
	}
	t.LastError = lastError.String
	if t.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return Task{}, fmt.Errorf("parsing run_after: %w", err)
	}
	if t.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Task{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if t.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Task{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return t, nil
}
