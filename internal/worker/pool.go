// Package worker executes derived-field pushes for tempo.
// Jobs run one by one by default; with more than one worker they run on a
// bounded set of goroutines. Results always come back in job order.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Job is one remote write.
type Job struct {
	TaskID string
	Key    string // idempotency key of the write
	Push   func(ctx context.Context) error
}

// PushResult holds the outcome of a single job.
type PushResult struct {
	TaskID   string
	Key      string
	Status   string // "pushed", "failed", "skipped"
	Duration time.Duration
	Error    error
}

// Pool manages push execution.
type Pool struct {
	maxWorkers int
}

// NewPool creates a new pool. maxWorkers <= 1 means sequential.
func NewPool(maxWorkers int) *Pool {
	return &Pool{maxWorkers: maxWorkers}
}

// Run executes all jobs (up to maxWorkers at a time) and returns results.
func (p *Pool) Run(ctx context.Context, jobs []Job) []PushResult {
	if p.maxWorkers <= 1 || len(jobs) <= 1 {
		return p.runSequential(ctx, jobs)
	}
	return p.runParallel(ctx, jobs)
}

func (p *Pool) runSequential(ctx context.Context, jobs []Job) []PushResult {
	results := make([]PushResult, 0, len(jobs))
	for _, job := range jobs {
		results = append(results, p.execute(ctx, job))
	}
	return results
}

func (p *Pool) runParallel(ctx context.Context, jobs []Job) []PushResult {
	sem := make(chan struct{}, p.maxWorkers)
	var wg sync.WaitGroup

	results := make([]PushResult, len(jobs))

	for i, job := range jobs {
		wg.Add(1)
		sem <- struct{}{} // Acquire worker slot.

		go func(idx int, j Job) {
			defer wg.Done()
			defer func() { <-sem }() // Release worker slot.
			results[idx] = p.execute(ctx, j)
		}(i, job)
	}

	wg.Wait()
	return results
}

// execute runs one job. Jobs left when the context is done are skipped.
func (p *Pool) execute(ctx context.Context, job Job) (r PushResult) {
	start := time.Now()
	r = PushResult{TaskID: job.TaskID, Key: job.Key}

	if err := ctx.Err(); err != nil {
		r.Status = "skipped"
		r.Error = err
		return r
	}

	defer func() {
		if v := recover(); v != nil {
			r.Status = "failed"
			r.Error = fmt.Errorf("push %s panicked: %v", job.TaskID, v)
		}
		r.Duration = time.Since(start)
	}()

	if err := job.Push(ctx); err != nil {
		r.Status = "failed"
		r.Error = err
		return r
	}
	r.Status = "pushed"
	return r
}
