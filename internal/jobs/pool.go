package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"hiveline/internal/domain"
)

// Handler processes one claimed job. A returned error marks the job failed.
type Handler func(ctx context.Context, jobID string) error

// Pool drains the pending jobs of one (simulation, service) pair with a fixed
// number of workers.
type Pool struct {
	Ledger  Ledger
	SimID   string
	Service string
	Threads int
	// MaxConsecutiveFailures aborts a worker once its run of failures exceeds it.
	MaxConsecutiveFailures int
	ProgressInterval       time.Duration
	// Tolerate marks errors that fail the job without counting toward the breaker.
	Tolerate func(error) bool
	Logger   *log.Logger
	Now      func() time.Time
}

// NewPool returns a pool with the default breaker and progress settings.
func NewPool(l Ledger, simID, service string, threads int) *Pool {
	return &Pool{
		Ledger:                 l,
		SimID:                  simID,
		Service:                service,
		Threads:                threads,
		MaxConsecutiveFailures: 5,
		ProgressInterval:       time.Second,
	}
}

func (p *Pool) logger() *log.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return log.Default()
}

func (p *Pool) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

type progress struct {
	total     int
	initially int
	processed atomic.Int64
}

// Run blocks until every worker has stopped. Workers stop when no pending job
// is left, when the context is cancelled, or when their breaker trips; the
// errors of aborted workers are joined into the result.
func (p *Pool) Run(ctx context.Context, handler Handler) error {
	total, err := p.Ledger.CountJobs(ctx, p.SimID, p.Service, nil)
	if err != nil {
		return fmt.Errorf("count jobs: %w", err)
	}
	pendingStatus := domain.JobPending
	pending, err := p.Ledger.CountJobs(ctx, p.SimID, p.Service, &pendingStatus)
	if err != nil {
		return fmt.Errorf("count pending jobs: %w", err)
	}
	threads := p.Threads
	if threads < 1 {
		threads = 1
	}
	p.logger().Printf("%s/%s: %d of %d jobs pending, starting %d workers", p.Service, p.SimID, pending, total, threads)

	prog := &progress{total: total, initially: total - pending}
	errs := make([]error, threads)
	var wg sync.WaitGroup
	for i := 0; i < threads; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			errs[worker] = p.work(ctx, worker, handler, prog)
		}(i)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (p *Pool) work(ctx context.Context, worker int, handler Handler, prog *progress) error {
	consecutive := 0
	var lastReport time.Time
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		id, ok, err := p.Ledger.PopJob(ctx, p.SimID, p.Service)
		if err != nil {
			return fmt.Errorf("worker %d: %w", worker, err)
		}
		if !ok {
			return nil
		}

		herr := call(ctx, handler, id)
		if herr == nil {
			consecutive = 0
			if err := p.Ledger.UpdateJob(ctx, p.SimID, p.Service, id, domain.JobFinished, ""); err != nil {
				return fmt.Errorf("worker %d: %w", worker, err)
			}
		} else {
			if err := p.Ledger.UpdateJob(ctx, p.SimID, p.Service, id, domain.JobFailed, herr.Error()); err != nil {
				return fmt.Errorf("worker %d: %w", worker, err)
			}
			if p.Tolerate == nil || !p.Tolerate(herr) {
				consecutive++
			}
			if consecutive > p.MaxConsecutiveFailures {
				p.logger().Printf("worker %d: aborting after %d consecutive failures", worker, consecutive)
				return fmt.Errorf("worker %d: %d consecutive failures, last on job %s: %w", worker, consecutive, id, herr)
			}
		}

		done := prog.processed.Add(1)
		if now := p.now(); now.Sub(lastReport) >= p.ProgressInterval {
			lastReport = now
			finished := prog.initially + int(done)
			pct := 100.0
			if prog.total > 0 {
				pct = float64(finished) / float64(prog.total) * 100
			}
			p.logger().Printf("%s/%s: %d/%d jobs done (%.1f%%)", p.Service, p.SimID, finished, prog.total, pct)
		}
	}
}

// call runs the handler and turns a panic into a job failure.
func call(ctx context.Context, handler Handler, id string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", id, r)
		}
	}()
	return handler(ctx, id)
}
