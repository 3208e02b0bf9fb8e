package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BerylCAtieno/invoice-leak-detector/internal/utils"
)

// Decision tells the transport what to do with a delivery after dispatch.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Dispatcher runs jobs against registered handlers. Transports deliver;
// the dispatcher locks, records and decides on retries.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	ledger   Ledger
	locker   Locker
	lockTTL  time.Duration
	keep     Options
	logger   *utils.Logger
}

func NewDispatcher(ledger Ledger, locker Locker, lockTTL time.Duration, keep Options, logger *utils.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
		ledger:   ledger,
		locker:   locker,
		lockTTL:  lockTTL,
		keep:     keep,
		logger:   logger.WithComponent("dispatcher"),
	}
}

func (d *Dispatcher) Register(name string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = h
}

func (d *Dispatcher) handler(name string) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[name]
	return h, ok
}

func (d *Dispatcher) Dispatch(ctx context.Context, job *Job) Decision {
	log := d.logger.With("job_id", job.ID, "job", job.Name, "attempt", job.Attempt)

	h, ok := d.handler(job.Name)
	if !ok {
		log.Error("No handler registered for job")
		d.finish(ctx, log, job.ID, JobFailed, "no handler registered for "+job.Name)
		return Decision{}
	}

	lock, err := d.locker.Obtain(ctx, "job:"+job.ID, d.lockTTL)
	if errors.Is(err, ErrLockHeld) {
		log.Info("Job already running elsewhere, dropping duplicate delivery")
		return Decision{}
	}
	if err != nil {
		log.Warn("Failed to obtain job lock", "error", err)
		return Decision{Retry: true, Delay: job.RetryDelay()}
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			log.Warn("Failed to release job lock", "error", err)
		}
	}()

	if err := d.ledger.Start(ctx, job.ID, job.Attempt); err != nil {
		log.Warn("Failed to mark job active", "error", err)
	}

	start := time.Now()
	result, err := run(ctx, h, job)
	log = log.With("duration_ms", time.Since(start).Milliseconds())

	if err == nil {
		switch result.Status {
		case ResultFailed:
			log.Warn("Job failed permanently", "reason", result.Reason)
			d.finish(ctx, log, job.ID, JobFailed, result.Reason)
		case ResultSkipped:
			log.Info("Job skipped", "reason", result.Reason)
			d.finish(ctx, log, job.ID, JobCompleted, "")
		default:
			log.Info("Job completed")
			d.finish(ctx, log, job.ID, JobCompleted, "")
		}
		return Decision{}
	}

	if job.FinalAttempt() {
		log.Error("Job failed after final attempt", "error", err)
		d.finish(ctx, log, job.ID, JobFailed, utils.TruncateError(err))
		return Decision{}
	}

	delay := job.RetryDelay()
	log.Warn("Job failed, scheduling retry", "error", err, "delay", delay.String())
	if err := d.ledger.Retry(ctx, job.ID, err); err != nil {
		log.Warn("Failed to record retry", "error", err)
	}
	return Decision{Retry: true, Delay: delay}
}

func (d *Dispatcher) finish(ctx context.Context, log *utils.Logger, id string, status JobStatus, reason string) {
	ctx = context.WithoutCancel(ctx)
	if err := d.ledger.Finish(ctx, id, status, reason); err != nil {
		log.Warn("Failed to record job outcome", "error", err)
	}
	if err := d.ledger.Prune(ctx, d.keep.RemoveOnComplete, d.keep.RemoveOnFail); err != nil {
		log.Warn("Failed to prune job history", "error", err)
	}
}

func run(ctx context.Context, h Handler, job *Job) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}
