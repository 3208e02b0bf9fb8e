package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Job names. Every stage is its own job type.
const (
	JobIngestDocument       = "ingest-document"
	JobNormalizeInvoice     = "normalize-invoice"
	JobRunDetection         = "run-detection"
	JobGenerateEvidencePack = "generate-evidence-pack"
	JobSendEmail            = "send-email"
	JobReportGenerate       = "report-generate"
)

// JobID derives the stable id of a stage job for one entity, so the same
// stage is never queued twice for it while in flight.
func JobID(name, entityID string) string {
	return name + "-" + entityID
}

type Options struct {
	JobID            string
	Attempts         int
	Backoff          time.Duration
	RemoveOnComplete int
	RemoveOnFail     int
}

func DefaultOptions() Options {
	return Options{
		Attempts:         3,
		Backoff:          time.Second,
		RemoveOnComplete: 1000,
		RemoveOnFail:     5000,
	}
}

type Option func(*Options)

func WithJobID(id string) Option {
	return func(o *Options) { o.JobID = id }
}

func WithAttempts(n int) Option {
	return func(o *Options) { o.Attempts = n }
}

func WithBackoff(d time.Duration) Option {
	return func(o *Options) { o.Backoff = d }
}

func (o Options) apply(opts []Option) Options {
	for _, fn := range opts {
		fn(&o)
	}
	if o.Attempts < 1 {
		o.Attempts = 1
	}
	return o
}

// Job is one delivery of a queued stage.
type Job struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"maxAttempts"`
	Backoff     time.Duration   `json:"backoff"`
}

func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", j.Name, err)
	}
	return nil
}

// FinalAttempt reports whether a failure now exhausts the job.
func (j *Job) FinalAttempt() bool {
	return j.Attempt >= j.MaxAttempts
}

// RetryDelay is the exponential backoff before the next attempt.
func (j *Job) RetryDelay() time.Duration {
	return j.Backoff << (max(j.Attempt, 1) - 1)
}

type ResultStatus string

const (
	ResultOK      ResultStatus = "ok"
	ResultSkipped ResultStatus = "skipped"
	ResultFailed  ResultStatus = "failed"
)

// Result is a handled outcome. A failed Result is final and not retried;
// returning an error instead asks for a retry.
type Result struct {
	Status ResultStatus
	Reason string
}

func OK() Result {
	return Result{Status: ResultOK}
}

func Skipped(reason string) Result {
	return Result{Status: ResultSkipped, Reason: reason}
}

func Failed(reason string) Result {
	return Result{Status: ResultFailed, Reason: reason}
}

type Handler func(ctx context.Context, job *Job) (Result, error)

// Queue accepts new jobs. Adding a job whose id is already waiting or
// active is a no-op.
type Queue interface {
	Add(ctx context.Context, name string, payload any, opts ...Option) (string, error)
}

func newJob(name string, payload any, o Options, id string) (*Job, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", name, err)
	}
	return &Job{
		ID:          id,
		Name:        name,
		Payload:     body,
		Attempt:     1,
		MaxAttempts: o.Attempts,
		Backoff:     o.Backoff,
	}, nil
}
