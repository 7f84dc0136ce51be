package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/randalmurphal/eventkernel/pkg/eventkernel/sqlitedb"
)

// SQLiteStore persists job state to SQLite. Rows keep the queryable
// columns next to the JSON-encoded state.
type SQLiteStore struct {
	db     *sql.DB
	owned  bool
	mu     sync.RWMutex
	closed bool
}

var _ Store = (*SQLiteStore)(nil)

var jobsSchema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		tenant TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		data BLOB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_tenant_status ON jobs(tenant, status)`,
	`CREATE TABLE IF NOT EXISTS job_steps (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		data BLOB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_job_steps_job_id ON job_steps(job_id)`,
}

// NewSQLiteStore opens the database at path and creates the tables.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sqlitedb.Open(path)
	if err != nil {
		return nil, err
	}
	s, err := OpenSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// OpenSQLiteStore uses an existing database. Close leaves db open.
func OpenSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if err := sqlitedb.Migrate(db, jobsSchema...); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// sortableTime is fixed width so created_at orders lexically.
const sortableTime = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(sortableTime)
}

func (s *SQLiteStore) SaveJob(ctx context.Context, job *JobState) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, tenant, type, status, created_at, data)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			data = excluded.data
	`, string(job.ID), job.Tenant, job.Type, string(job.Status), formatTime(job.CreatedAt), data)
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id JobID) (*JobState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM jobs WHERE id = ?`, string(id)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	var job JobState
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, tenant string, statuses ...Status) ([]*JobState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	query := `SELECT data FROM jobs WHERE tenant = ?`
	args := []any{tenant}
	if len(statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*JobState
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		var job JobState
		if err := json.Unmarshal(data, &job); err != nil {
			return nil, fmt.Errorf("decode job: %w", err)
		}
		out = append(out, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) RemoveJob(ctx context.Context, id JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, string(id)); err != nil {
		return fmt.Errorf("remove job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveStep(ctx context.Context, step *StepState) error {
	data, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("encode step: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO job_steps (id, job_id, status, created_at, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			data = excluded.data
	`, string(step.ID), string(step.JobID), string(step.Status), formatTime(step.CreatedAt), data)
	if err != nil {
		return fmt.Errorf("save step: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetStep(ctx context.Context, id StepID) (*StepState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM job_steps WHERE id = ?`, string(id)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStepNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load step: %w", err)
	}
	var step StepState
	if err := json.Unmarshal(data, &step); err != nil {
		return nil, fmt.Errorf("decode step %s: %w", id, err)
	}
	return &step, nil
}

func (s *SQLiteStore) ListSteps(ctx context.Context, job JobID, statuses ...StepStatus) ([]*StepState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	query := `SELECT data FROM job_steps WHERE job_id = ?`
	args := []any{string(job)}
	if len(statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var out []*StepState
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		var step StepState
		if err := json.Unmarshal(data, &step); err != nil {
			return nil, fmt.Errorf("decode step: %w", err)
		}
		out = append(out, &step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) RemoveSteps(ctx context.Context, job JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM job_steps WHERE job_id = ?`, string(job)); err != nil {
		return fmt.Errorf("remove steps: %w", err)
	}
	return nil
}

// Close marks the store closed and closes the database when the store
// opened it.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.owned {
		return s.db.Close()
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
