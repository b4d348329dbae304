// Copyright 2025 James Ross
package worker

import (
	"context"
	"fmt"

	"github.com/flyingrobots/judge-platform/internal/config"
	"github.com/flyingrobots/judge-platform/internal/executor"
	"github.com/flyingrobots/judge-platform/internal/obs"
	"github.com/flyingrobots/judge-platform/internal/queue"
	"github.com/flyingrobots/judge-platform/internal/sandbox"
)

// Worker implements coordinator.JobRunner: it runs one claimed job through
// a Sandbox-backed Executor. Claiming, heartbeats, retry/backoff,
// dead-lettering, the circuit breaker, and lifecycle events are all
// coordinator.Coordinator's job -- this type owns only the
// sandbox/executor boundary.
type Worker struct {
	cfg    *config.Config
	exec   *executor.Executor
	baseID string
}

// New constructs a Worker. baseID tags results with the node identity;
// callers pass either the --node-id flag value or a
// hostname/pid/time-derived fallback.
func New(cfg *config.Config, baseID string) (*Worker, error) {
	sb, err := sandbox.New(cfg.Sandbox)
	if err != nil {
		return nil, fmt.Errorf("worker: init sandbox: %w", err)
	}
	exec := executor.New(cfg.Executor, sb)
	return &Worker{cfg: cfg, exec: exec, baseID: baseID}, nil
}

// Run executes job against its language's compile/run pipeline inside the
// sandbox and returns the aggregated result. A non-nil error means the job
// could not be executed at all (unknown language, sandbox/executor
// failure) -- as opposed to a completed run with a non-AC verdict, which is
// a successful Run that simply didn't get AC.
func (w *Worker) Run(ctx context.Context, job queue.EvaluationJob) (queue.EvaluationResult, error) {
	lang, ok := executor.Lookup(job.LanguageID)
	if !ok {
		err := fmt.Errorf("unknown language_id %q", job.LanguageID)
		obs.AddEvent(ctx, "job.processing.failed", obs.KeyValue("job.id", job.ID), obs.KeyValue("reason", "unsupported_language"))
		return queue.EvaluationResult{}, err
	}

	obs.AddEvent(ctx, "job.processing.started", obs.KeyValue("job.id", job.ID))
	result, err := w.exec.Execute(ctx, job, lang, w.baseID)
	if err != nil {
		obs.AddEvent(ctx, "job.processing.failed", obs.KeyValue("job.id", job.ID), obs.KeyValue("reason", "execute_error"))
		return queue.EvaluationResult{}, err
	}

	obs.AddEvent(ctx, "job.processing.completed",
		obs.KeyValue("job.id", job.ID),
		obs.KeyValue("verdict", result.Verdict),
	)
	return result, nil
}
