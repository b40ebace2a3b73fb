package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func okJob(id string, calls *atomic.Int32) Job {
	return Job{TaskID: id, Key: "k-" + id, Push: func(context.Context) error {
		calls.Add(1)
		return nil
	}}
}

func TestPool_RunSequential_EmptyJobs(t *testing.T) {
	pool := NewPool(1)

	results := pool.Run(context.Background(), nil)
	if len(results) != 0 {
		t.Errorf("expected 0 results for empty jobs, got %d", len(results))
	}
}

func TestPool_RunSequential(t *testing.T) {
	var calls atomic.Int32
	pool := NewPool(1)

	results := pool.Run(context.Background(), []Job{okJob("a", &calls), okJob("b", &calls)})
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 pushes, got %d", calls.Load())
	}
	if results[0].TaskID != "a" || results[0].Key != "k-a" || results[0].Status != "pushed" {
		t.Errorf("unexpected first result %+v", results[0])
	}
}

func TestPool_RunParallel_KeepsOrder(t *testing.T) {
	pool := NewPool(3)
	var inFlight, peak atomic.Int32

	var jobs []Job
	for i := 0; i < 8; i++ {
		jobs = append(jobs, Job{TaskID: fmt.Sprintf("t%d", i), Push: func(context.Context) error {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inFlight.Add(-1)
			return nil
		}})
	}

	results := pool.Run(context.Background(), jobs)

	if len(results) != 8 {
		t.Fatalf("expected 8 results, got %d", len(results))
	}
	for i, r := range results {
		if r.TaskID != fmt.Sprintf("t%d", i) {
			t.Errorf("result %d: expected t%d, got %s", i, i, r.TaskID)
		}
		if r.Status != "pushed" {
			t.Errorf("result %d: expected pushed, got %s", i, r.Status)
		}
	}
	if peak.Load() > 3 {
		t.Errorf("expected at most 3 concurrent pushes, got %d", peak.Load())
	}
}

func TestPool_Failures(t *testing.T) {
	boom := errors.New("boom")
	pool := NewPool(2)

	results := pool.Run(context.Background(), []Job{
		{TaskID: "a", Push: func(context.Context) error { return boom }},
		{TaskID: "b", Push: func(context.Context) error { panic("bad job") }},
	})

	if results[0].Status != "failed" || !errors.Is(results[0].Error, boom) {
		t.Errorf("task a: expected failed with boom, got %+v", results[0])
	}
	if results[1].Status != "failed" || results[1].Error == nil {
		t.Errorf("task b: expected panic to be reported as failure, got %+v", results[1])
	}
}

func TestPool_CancelledSkips(t *testing.T) {
	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := NewPool(1).Run(ctx, []Job{okJob("a", &calls)})
	if results[0].Status != "skipped" {
		t.Errorf("expected skipped, got %s", results[0].Status)
	}
	if calls.Load() != 0 {
		t.Error("no push may run after cancellation")
	}
}
