// Package executor implements the Executor (spec §4.F): a worker pool
// bounded by max_concurrent_tasks that runs one task per slot, enforces
// per-task timeouts, supports cooperative cancellation with a grace
// period, and gates dispatch through a per-category circuit breaker.
//
// It knows nothing about engine.Task: callers hand it a Job whose Run
// closure already captures the task's ExecuteFunc and RunContext, so
// this package stays free of the import cycle that would come from
// depending on the root engine package.
package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/taskmesh/engine/internal/resilience"
)

// ErrCircuitOpen is returned when a job's category breaker is open.
var ErrCircuitOpen = errors.New("executor: circuit open for category")

// ErrAtCapacity is returned by Dispatch when every worker slot is busy.
var ErrAtCapacity = errors.New("executor: at capacity")

// Job is one unit of dispatch.
type Job struct {
	ID       string
	Category string
	Timeout  time.Duration
	Run      func(ctx context.Context) (any, error)
	OnResult func(Result)
}

// Result is delivered to Job.OnResult exactly once, from the worker
// goroutine that ran it (never from Dispatch's calling goroutine).
type Result struct {
	JobID     string
	Output    any
	Err       error
	Cancelled bool
	Duration  time.Duration
}

// Pool is the bounded worker pool.
type Pool struct {
	sem         *semaphore.Weighted
	capacity    int64
	running     int64
	graceWindow time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	breakersMu sync.Mutex
	breakers   map[string]*resilience.CircuitBreaker
	newBreaker func() *resilience.CircuitBreaker

	wg sync.WaitGroup
}

// New creates a Pool with capacity worker slots. newBreaker is invoked
// once per category the first time a job of that category is
// dispatched, lazily partitioning the circuit breaker state.
func New(capacity int, graceWindow time.Duration, newBreaker func() *resilience.CircuitBreaker) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	return &Pool{
		sem:         semaphore.NewWeighted(int64(capacity)),
		capacity:    int64(capacity),
		graceWindow: graceWindow,
		cancels:     make(map[string]context.CancelFunc),
		breakers:    make(map[string]*resilience.CircuitBreaker),
		newBreaker:  newBreaker,
	}
}

// Capacity returns the configured worker slot count.
func (p *Pool) Capacity() int { return int(p.capacity) }

// Running returns the number of jobs currently executing.
func (p *Pool) Running() int { return int(atomic.LoadInt64(&p.running)) }

// AvailableSlots returns Capacity - Running, the scheduler's dispatch budget.
func (p *Pool) AvailableSlots() int {
	avail := p.capacity - atomic.LoadInt64(&p.running)
	if avail < 0 {
		return 0
	}
	return int(avail)
}

func (p *Pool) breakerFor(category string) *resilience.CircuitBreaker {
	p.breakersMu.Lock()
	defer p.breakersMu.Unlock()
	b, ok := p.breakers[category]
	if !ok {
		b = p.newBreaker()
		p.breakers[category] = b
	}
	return b
}

// Dispatch attempts to claim a worker slot and run job asynchronously.
// It returns ErrAtCapacity without blocking if no slot is free, and
// ErrCircuitOpen if job's category breaker is currently open — both
// are the caller's (the Scheduler's) signal to leave the task eligible
// for the next tick rather than treat it as failed.
func (p *Pool) Dispatch(parent context.Context, job Job) error {
	if !p.sem.TryAcquire(1) {
		return ErrAtCapacity
	}

	breaker := p.breakerFor(job.Category)
	if !breaker.Allow() {
		p.sem.Release(1)
		return ErrCircuitOpen
	}

	ctx := parent
	var cancel context.CancelFunc
	if job.Timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, job.Timeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}

	p.mu.Lock()
	p.cancels[job.ID] = cancel
	p.mu.Unlock()

	atomic.AddInt64(&p.running, 1)
	p.wg.Add(1)
	go p.run(ctx, cancel, breaker, job)
	return nil
}

func (p *Pool) run(ctx context.Context, cancel context.CancelFunc, breaker *resilience.CircuitBreaker, job Job) {
	defer p.wg.Done()
	defer p.sem.Release(1)
	defer atomic.AddInt64(&p.running, -1)
	defer cancel()
	defer func() {
		p.mu.Lock()
		delete(p.cancels, job.ID)
		p.mu.Unlock()
	}()

	start := time.Now()
	output, err := job.Run(ctx)
	duration := time.Since(start)

	breaker.RecordResult(err == nil)

	if job.OnResult != nil {
		job.OnResult(Result{
			JobID:     job.ID,
			Output:    output,
			Err:       err,
			Cancelled: ctx.Err() != nil,
			Duration:  duration,
		})
	}
}

// Cancel requests cooperative cancellation of a running job by id. It
// returns false if no such job is currently running. The caller (the
// Integrator) is responsible for the grace-period wait described in
// spec §4.H shutdown/cancel semantics; GraceWindow exposes the
// configured duration for that purpose.
func (p *Pool) Cancel(jobID string) bool {
	p.mu.Lock()
	cancel, ok := p.cancels[jobID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// GraceWindow returns the configured cancellation grace period.
func (p *Pool) GraceWindow() time.Duration { return p.graceWindow }

// CancelAll cancels every currently running job (used on shutdown).
func (p *Pool) CancelAll() int {
	p.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(p.cancels))
	for _, c := range p.cancels {
		cancels = append(cancels, c)
	}
	p.mu.Unlock()
	for _, c := range cancels {
		c()
	}
	return len(cancels)
}

// Wait blocks until every dispatched job has returned, or ctx is done.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
