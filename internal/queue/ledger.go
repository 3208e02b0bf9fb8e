package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BerylCAtieno/invoice-leak-detector/internal/utils"
	"github.com/jmoiron/sqlx"
)

type JobStatus string

const (
	JobWaiting   JobStatus = "waiting"
	JobActive    JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

var ErrJobNotFound = errors.New("job not found")

// JobRecord is the ledger row of a job id.
type JobRecord struct {
	ID          string     `json:"id" db:"id"`
	Name        string     `json:"name" db:"name"`
	Payload     string     `json:"payload" db:"payload"`
	Status      JobStatus  `json:"status" db:"status"`
	Attempts    int        `json:"attempts" db:"attempts"`
	MaxAttempts int        `json:"max_attempts" db:"max_attempts"`
	LastError   *string    `json:"last_error,omitempty" db:"last_error"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}

// Ledger tracks job ids across attempts. It dedups ids that are waiting or
// active and keeps bounded history of finished ones.
type Ledger interface {
	// Enqueue records a new job; false means the id is already in flight.
	Enqueue(ctx context.Context, job *Job) (bool, error)
	Start(ctx context.Context, id string, attempt int) error
	Retry(ctx context.Context, id string, cause error) error
	Finish(ctx context.Context, id string, status JobStatus, reason string) error
	Get(ctx context.Context, id string) (*JobRecord, error)
	Prune(ctx context.Context, keepCompleted, keepFailed int) error
}

type sqlLedger struct {
	db *sqlx.DB
}

func NewSQLLedger(db *sqlx.DB) Ledger {
	return &sqlLedger{db: db}
}

func (l *sqlLedger) Enqueue(ctx context.Context, job *Job) (bool, error) {
	ts := time.Now().UTC()
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO jobs (id, name, payload, status, attempts, max_attempts, last_error, created_at, updated_at, finished_at)
		VALUES (?, ?, ?, ?, 0, ?, NULL, ?, ?, NULL)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, payload = excluded.payload, status = excluded.status, attempts = 0,
			max_attempts = excluded.max_attempts, last_error = NULL, updated_at = excluded.updated_at,
			finished_at = NULL
		WHERE jobs.status IN ('completed', 'failed')
	`, job.ID, job.Name, string(job.Payload), JobWaiting, job.MaxAttempts, ts, ts)
	if err != nil {
		return false, fmt.Errorf("failed to record job %s: %w", job.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to record job %s: %w", job.ID, err)
	}
	return n > 0, nil
}

func (l *sqlLedger) Start(ctx context.Context, id string, attempt int) error {
	_, err := l.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, attempts = ?, updated_at = ? WHERE id = ?
	`, JobActive, attempt, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark job %s active: %w", id, err)
	}
	return nil
}

func (l *sqlLedger) Retry(ctx context.Context, id string, cause error) error {
	_, err := l.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, last_error = ?, updated_at = ? WHERE id = ?
	`, JobWaiting, utils.TruncateError(cause), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark job %s for retry: %w", id, err)
	}
	return nil
}

func (l *sqlLedger) Finish(ctx context.Context, id string, status JobStatus, reason string) error {
	ts := time.Now().UTC()
	var lastError *string
	if reason != "" {
		r := utils.Truncate(reason, utils.MaxErrorMessageLength)
		lastError = &r
	}
	_, err := l.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, last_error = ?, updated_at = ?, finished_at = ? WHERE id = ?
	`, status, lastError, ts, ts, id)
	if err != nil {
		return fmt.Errorf("failed to finish job %s: %w", id, err)
	}
	return nil
}

func (l *sqlLedger) Get(ctx context.Context, id string) (*JobRecord, error) {
	var rec JobRecord
	err := l.db.GetContext(ctx, &rec, `SELECT * FROM jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return &rec, nil
}

func (l *sqlLedger) Prune(ctx context.Context, keepCompleted, keepFailed int) error {
	for status, keep := range map[JobStatus]int{JobCompleted: keepCompleted, JobFailed: keepFailed} {
		if _, err := l.db.ExecContext(ctx, `
			DELETE FROM jobs WHERE status = ? AND id NOT IN (
				SELECT id FROM jobs WHERE status = ? ORDER BY finished_at DESC, id LIMIT ?
			)
		`, status, status, keep); err != nil {
			return fmt.Errorf("failed to prune %s jobs: %w", status, err)
		}
	}
	return nil
}

// MemoryLedger is the in-process ledger used with MemoryQueue.
type MemoryLedger struct {
	mu   sync.Mutex
	jobs map[string]*JobRecord
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{jobs: make(map[string]*JobRecord)}
}

func (l *MemoryLedger) Enqueue(_ context.Context, job *Job) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.jobs[job.ID]; ok && (rec.Status == JobWaiting || rec.Status == JobActive) {
		return false, nil
	}
	ts := time.Now().UTC()
	l.jobs[job.ID] = &JobRecord{
		ID:          job.ID,
		Name:        job.Name,
		Payload:     string(job.Payload),
		Status:      JobWaiting,
		MaxAttempts: job.MaxAttempts,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	return true, nil
}

func (l *MemoryLedger) update(id string, fn func(*JobRecord)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	fn(rec)
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (l *MemoryLedger) Start(_ context.Context, id string, attempt int) error {
	return l.update(id, func(r *JobRecord) {
		r.Status, r.Attempts = JobActive, attempt
	})
}

func (l *MemoryLedger) Retry(_ context.Context, id string, cause error) error {
	msg := utils.TruncateError(cause)
	return l.update(id, func(r *JobRecord) {
		r.Status, r.LastError = JobWaiting, &msg
	})
}

func (l *MemoryLedger) Finish(_ context.Context, id string, status JobStatus, reason string) error {
	return l.update(id, func(r *JobRecord) {
		ts := time.Now().UTC()
		r.Status, r.FinishedAt, r.LastError = status, &ts, nil
		if reason != "" {
			r.LastError = &reason
		}
	})
}

func (l *MemoryLedger) Get(_ context.Context, id string) (*JobRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *rec
	return &cp, nil
}

func (l *MemoryLedger) Prune(_ context.Context, keepCompleted, keepFailed int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for status, keep := range map[JobStatus]int{JobCompleted: keepCompleted, JobFailed: keepFailed} {
		var finished []*JobRecord
		for _, r := range l.jobs {
			if r.Status == status {
				finished = append(finished, r)
			}
		}
		if len(finished) <= keep {
			continue
		}
		sort.Slice(finished, func(i, j int) bool { return finished[i].FinishedAt.After(*finished[j].FinishedAt) })
		for _, r := range finished[keep:] {
			delete(l.jobs, r.ID)
		}
	}
	return nil
}
