// Copyright 2025 James Ross
package coordinator

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flyingrobots/judge-platform/internal/breaker"
	"github.com/flyingrobots/judge-platform/internal/eventbus"
	"github.com/flyingrobots/judge-platform/internal/queue"
)

type fakeRunner struct {
	result queue.EvaluationResult
	err    error
	calls  atomic.Int64
}

func (f *fakeRunner) Run(_ context.Context, job queue.EvaluationJob) (queue.EvaluationResult, error) {
	f.calls.Add(1)
	if f.err != nil {
		return queue.EvaluationResult{}, f.err
	}
	r := f.result
	r.JobID = job.ID
	r.SubmissionID = job.SubmissionID
	return r, nil
}

func waitForCond(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestCoordinatorClaimsAndCompletesJob(t *testing.T) {
	q := queue.NewMemoryJobQueue()
	job := queue.NewEvaluationJob("j1", "sub1", "p1", "cpp17", "int main(){}", 5, 1000, 65536, 1, 3)
	if err := q.SubmitJob(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	runner := &fakeRunner{result: queue.EvaluationResult{Verdict: "AC"}}
	bus := eventbus.NewBus(nil)
	defer bus.Close()

	c := New(Config{WorkerCount: 1, ClaimPollTimeout: 5 * time.Millisecond}, q, runner, bus, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitForCond(t, func() bool { return runner.calls.Load() == 1 })
	stats, err := q.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.CompletedJobs != 1 {
		t.Fatalf("expected 1 completed job, got %d", stats.CompletedJobs)
	}
}

func TestCoordinatorRetriesJobOnRunnerErrorThenDeadLetters(t *testing.T) {
	q := queue.NewMemoryJobQueue()
	// MaxRetries 1: the first failure must be requeued (retries 0+1<=1),
	// the second must exhaust the budget and dead-letter (retries 1+1>1).
	job := queue.NewEvaluationJob("j2", "sub2", "p1", "cpp17", "", 9, 1000, 65536, 1, 1)
	if err := q.SubmitJob(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	runner := &fakeRunner{err: context.DeadlineExceeded}
	bus := eventbus.NewBus(nil)
	defer bus.Close()

	c := New(Config{
		WorkerCount: 1, Priorities: []string{"high"}, ClaimPollTimeout: 5 * time.Millisecond,
		BackoffBase: time.Millisecond, BackoffMax: 2 * time.Millisecond,
	}, q, runner, bus, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitForCond(t, func() bool { return runner.calls.Load() >= 2 })
	waitForCond(t, func() bool {
		stats, err := q.Stats(context.Background())
		return err == nil && stats.FailedJobs == 1
	})
}

// TestCoordinatorBreakerTripsAndPausesClaims mirrors internal/worker's
// former breaker-integration test: repeated JobRunner failures trip the
// breaker, and while Open the coordinator stops claiming new jobs until
// cooldown elapses, rather than hammering a broken downstream dependency.
func TestCoordinatorBreakerTripsAndPausesClaims(t *testing.T) {
	q := queue.NewMemoryJobQueue()
	for i := 0; i < 5; i++ {
		job := queue.NewEvaluationJob(fmt.Sprintf("j-%d", i), fmt.Sprintf("sub-%d", i), "p1", "cpp17", "", 9, 1000, 65536, 1, 0)
		if err := q.SubmitJob(context.Background(), job); err != nil {
			t.Fatal(err)
		}
	}

	runner := &fakeRunner{err: context.DeadlineExceeded}
	bus := eventbus.NewBus(nil)
	defer bus.Close()

	c := New(Config{
		WorkerCount: 1, Priorities: []string{"high"}, ClaimPollTimeout: 5 * time.Millisecond,
		BackoffBase: time.Millisecond, BackoffMax: time.Millisecond,
		BreakerWindow: 20 * time.Millisecond, BreakerCooldown: 200 * time.Millisecond,
		BreakerFailureRate: 0.5, BreakerMinSamples: 1, BreakerPause: 5 * time.Millisecond,
	}, q, runner, bus, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitForCond(t, func() bool { return c.cb.State() == breaker.Open })

	callsAtOpen := runner.calls.Load()
	time.Sleep(50 * time.Millisecond) // well inside cooldown
	if runner.calls.Load() > callsAtOpen+1 {
		t.Fatalf("expected claims to pause while breaker open: before=%d after=%d", callsAtOpen, runner.calls.Load())
	}
}

func TestEvictStaleRemovesOldWorkers(t *testing.T) {
	q := queue.NewMemoryJobQueue()
	bus := eventbus.NewBus(nil)
	defer bus.Close()
	c := New(Config{LivenessTimeout: 10 * time.Millisecond}, q, &fakeRunner{}, bus, nil)

	c.touch("worker-1")
	time.Sleep(20 * time.Millisecond)
	c.evictStale()

	if len(c.ActiveWorkers()) != 0 {
		t.Fatalf("expected stale worker to be evicted, got %v", c.ActiveWorkers())
	}
}
