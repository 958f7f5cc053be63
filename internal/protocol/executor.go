package protocol

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// JobGenerator yields jobs one at a time; the second return is false once
// no jobs remain. ParallelExecutor's workers all pull from the same one,
// but Run serializes those calls under a mutex, so implementations need
// not be safe for concurrent use.
type JobGenerator func() (job any, ok bool)

// JobResult pairs a job with its outcome. Err is set if the job's final
// attempt (after Retries) still failed. Retried counts how many extra
// attempts the job needed, and PID identifies the worker process that
// ran the final attempt, for log correlation.
type JobResult struct {
	Job     any
	Out     any
	Err     error
	Retried int
	PID     int
}

// ParallelExecutor drives N worker Clients against a shared JobGenerator,
// dispatching jobs as fast as each Client finishes its previous one and
// retrying a failed job up to Retries times before giving up on it. This
// generalizes the teacher's internal/rsync.RunParallel worker-pool/
// channel-fan-in shape (a fixed set of long-running children, a shared
// work queue, result collection over a channel) from rsync subprocesses to
// protocol-speaking ones, and spec.md §4.7's "assign, poll, complete,
// reassign on failure" job loop.
type ParallelExecutor struct {
	Clients []*Client
	Cmd     string
	Retries int

	// Interval is the pause between a failed attempt and its retry.
	Interval time.Duration
}

// NewParallelExecutor builds an executor over an already-spawned pool.
// Cmd is the protocol command each job is dispatched as.
func NewParallelExecutor(clients []*Client, cmd string, retries int) *ParallelExecutor {
	if retries < 0 {
		retries = 0
	}
	return &ParallelExecutor{Clients: clients, Cmd: cmd, Retries: retries}
}

// Run pulls jobs from gen until exhausted, dispatching each to whichever
// Client finishes first, and returns every JobResult in completion order
// (not job order — callers needing job order should key off JobResult.Job).
// Run returns early, with whatever results already landed, if ctx is
// canceled.
func (p *ParallelExecutor) Run(ctx context.Context, gen JobGenerator) []JobResult {
	var wg sync.WaitGroup
	results := make(chan JobResult, len(p.Clients)*2)
	var genMu sync.Mutex
	next := func() (any, bool) {
		genMu.Lock()
		defer genMu.Unlock()
		return gen()
	}

	for _, c := range p.Clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}
				job, ok := next()
				if !ok {
					return
				}
				results <- p.runOne(ctx, c, job)
			}
		}(c)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var out []JobResult
	for {
		select {
		case <-ctx.Done():
			return out
		case r, ok := <-results:
			if !ok {
				return out
			}
			out = append(out, r)
		}
	}
}

func (p *ParallelExecutor) runOne(ctx context.Context, c *Client, job any) JobResult {
	var lastErr error
	for attempt := 0; attempt <= p.Retries; attempt++ {
		if attempt > 0 && p.Interval > 0 {
			select {
			case <-ctx.Done():
				return JobResult{Job: job, Err: ctx.Err(), Retried: attempt - 1, PID: c.PID()}
			case <-time.After(p.Interval):
			}
		}
		select {
		case <-ctx.Done():
			return JobResult{Job: job, Err: ctx.Err(), Retried: attempt, PID: c.PID()}
		default:
		}
		out, err := c.Call(p.Cmd, job)
		if err == nil {
			return JobResult{Job: job, Out: out, Retried: attempt, PID: c.PID()}
		}
		lastErr = err
		slog.Warn("protocol job failed, retrying", "cmd", p.Cmd, "attempt", attempt, "err", err)
	}
	return JobResult{Job: job, Err: lastErr, Retried: p.Retries, PID: c.PID()}
}
