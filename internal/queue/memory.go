package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/BerylCAtieno/invoice-leak-detector/internal/utils"
)

type pendingJob struct {
	job *Job
	due time.Time
}

// MemoryQueue is an in-process transport for single-node runs and tests.
type MemoryQueue struct {
	dispatcher *Dispatcher
	ledger     Ledger
	defaults   Options

	mu      sync.Mutex
	pending []pendingJob
	wake    chan struct{}
}

func NewMemoryQueue(dispatcher *Dispatcher, ledger Ledger, defaults Options) *MemoryQueue {
	return &MemoryQueue{
		dispatcher: dispatcher,
		ledger:     ledger,
		defaults:   defaults,
		wake:       make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) Add(ctx context.Context, name string, payload any, opts ...Option) (string, error) {
	o := q.defaults.apply(opts)
	id := o.JobID
	if id == "" {
		id = utils.GenerateID()
	}
	job, err := newJob(name, payload, o, id)
	if err != nil {
		return "", err
	}
	added, err := q.ledger.Enqueue(ctx, job)
	if err != nil {
		return "", err
	}
	if added {
		q.push(job, time.Time{})
	}
	return id, nil
}

func (q *MemoryQueue) push(job *Job, due time.Time) {
	q.mu.Lock()
	q.pending = append(q.pending, pendingJob{job: job, due: due})
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// next pops the first due job, or reports how long until one is due.
func (q *MemoryQueue) next(now time.Time, ignoreDelay bool) (*Job, time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, 0, false
	}
	wait := time.Duration(-1)
	for i, p := range q.pending {
		if ignoreDelay || !p.due.After(now) {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return p.job, 0, true
		}
		if d := p.due.Sub(now); wait < 0 || d < wait {
			wait = d
		}
	}
	return nil, wait, true
}

func (q *MemoryQueue) process(ctx context.Context, job *Job) {
	decision := q.dispatcher.Dispatch(ctx, job)
	if !decision.Retry {
		return
	}
	retry := *job
	retry.Attempt++
	q.push(&retry, time.Now().Add(decision.Delay))
}

// Drain runs queued jobs, including those they enqueue, until none remain.
// Retry delays are not waited on.
func (q *MemoryQueue) Drain(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("drain interrupted: %w", err)
		}
		job, _, ok := q.next(time.Now(), true)
		if !ok {
			return nil
		}
		q.process(ctx, job)
	}
}

// Run processes jobs with the given number of workers until ctx is done.
func (q *MemoryQueue) Run(ctx context.Context, workers int) {
	var wg sync.WaitGroup
	for range max(workers, 1) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.work(ctx)
		}()
	}
	wg.Wait()
}

func (q *MemoryQueue) work(ctx context.Context) {
	for {
		job, wait, ok := q.next(time.Now(), false)
		if job != nil {
			q.process(ctx, job)
			continue
		}

		var timer *time.Timer
		var due <-chan time.Time
		if ok && wait >= 0 {
			timer = time.NewTimer(wait)
			due = timer.C
		}
		select {
		case <-ctx.Done():
		case <-q.wake:
		case <-due:
		}
		if timer != nil {
			timer.Stop()
		}
		if ctx.Err() != nil {
			return
		}
	}
}
