// Copyright 2025 James Ross

// Package coordinator owns the in-process worker pool that claims jobs
// through a queue.JobQueue, the liveness registry that tracks those
// workers' heartbeats, and the periodic queue-stats/telemetry loops that
// used to live as ad-hoc goroutines in cmd/judged/main.go. Adapted from
// internal/worker's per-goroutine claim loop and internal/reaper's
// ticker-driven scan, generalized off direct Redis calls to the
// queue.JobQueue interface so it composes with any backend (Redis or
// in-memory, for tests).
package coordinator

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/flyingrobots/judge-platform/internal/breaker"
	"github.com/flyingrobots/judge-platform/internal/eventbus"
	"github.com/flyingrobots/judge-platform/internal/obs"
	"github.com/flyingrobots/judge-platform/internal/queue"
	"go.uber.org/zap"
)

// Config controls the coordinator's worker pool sizing and the cadence
// of its monitor loops. Zero values fall back to sane defaults.
//
// BreakerWindow/BreakerCooldown/BreakerFailureRate/BreakerMinSamples
// size the circuit breaker that gates JobRunner.Run.
type Config struct {
	WorkerCount        int
	Priorities         []string
	// NodeID overrides the auto-generated node identifier; empty falls
	// back to a hostname/pid/time id.
	NodeID             string
	HeartbeatInterval  time.Duration
	HeartbeatTTL       time.Duration
	LivenessTimeout    time.Duration
	LivenessScanEvery  time.Duration
	StatsLogEvery      time.Duration
	ClaimPollTimeout   time.Duration
	BreakerWindow      time.Duration
	BreakerCooldown    time.Duration
	BreakerFailureRate float64
	BreakerMinSamples  int
	BreakerPause       time.Duration
	// BackoffBase/BackoffMax size the exponential delay runLoop waits
	// before requeuing a failed job, so a flapping downstream dependency
	// doesn't get hammered by an instant retry loop.
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func (c Config) withDefaults() Config {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 1
	}
	if len(c.Priorities) == 0 {
		c.Priorities = []string{"high", "normal", "low"}
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatTTL <= 0 {
		c.HeartbeatTTL = 90 * time.Second
	}
	// A TTL shorter than two intervals would let the key expire between
	// refreshes and make the reaper redeliver jobs from a healthy worker.
	if c.HeartbeatTTL < 2*c.HeartbeatInterval {
		c.HeartbeatTTL = 2 * c.HeartbeatInterval
	}
	if c.LivenessTimeout <= 0 {
		c.LivenessTimeout = 120 * time.Second
	}
	if c.LivenessScanEvery <= 0 {
		c.LivenessScanEvery = 30 * time.Second
	}
	if c.StatsLogEvery <= 0 {
		c.StatsLogEvery = 60 * time.Second
	}
	if c.ClaimPollTimeout <= 0 {
		c.ClaimPollTimeout = 500 * time.Millisecond
	}
	if c.BreakerWindow <= 0 {
		c.BreakerWindow = 1 * time.Minute
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	if c.BreakerFailureRate <= 0 {
		c.BreakerFailureRate = 0.5
	}
	if c.BreakerMinSamples <= 0 {
		c.BreakerMinSamples = 20
	}
	if c.BreakerPause <= 0 {
		c.BreakerPause = 100 * time.Millisecond
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 10 * time.Second
	}
	return c
}

// retryBackoff is an exponential delay capped at max, keyed off the
// retry attempt number (1-indexed).
func retryBackoff(retries int, base, max time.Duration) time.Duration {
	d := time.Duration(1<<uint(retries-1)) * base
	if d <= 0 || d > max {
		return max
	}
	return d
}

// JobRunner executes a claimed job and returns the outcome; the
// coordinator only manages claim/heartbeat/complete bookkeeping, it
// knows nothing about sandboxes or executors.
type JobRunner interface {
	Run(ctx context.Context, job queue.EvaluationJob) (queue.EvaluationResult, error)
}

// Coordinator runs a local worker pool against a JobQueue, monitors
// worker liveness, and periodically logs queue depth.
type Coordinator struct {
	cfg    Config
	q      queue.JobQueue
	runner JobRunner
	events *eventbus.Bus
	logger *zap.Logger
	cb     *breaker.CircuitBreaker

	mu       sync.Mutex
	lastSeen map[string]time.Time

	baseID string
}

func New(cfg Config, q queue.JobQueue, runner JobRunner, events *eventbus.Bus, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := cfg.NodeID
	if base == "" {
		host, _ := os.Hostname()
		base = fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().UnixNano())
	}
	resolved := cfg.withDefaults()
	return &Coordinator{
		cfg:      resolved,
		q:        q,
		runner:   runner,
		events:   events,
		logger:   logger,
		cb:       breaker.New(resolved.BreakerWindow, resolved.BreakerCooldown, resolved.BreakerFailureRate, resolved.BreakerMinSamples),
		lastSeen: make(map[string]time.Time),
		baseID:   base,
	}
}

// Run blocks until ctx is cancelled, running the worker pool and the
// monitor loops concurrently.
func (c *Coordinator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < c.cfg.WorkerCount; i++ {
		wg.Add(1)
		id := fmt.Sprintf("%s-%d", c.baseID, i)
		go func(workerID string) {
			defer wg.Done()
			obs.WorkerActive.Inc()
			defer obs.WorkerActive.Dec()
			c.runLoop(ctx, workerID)
		}(id)
	}

	wg.Add(3)
	go func() { defer wg.Done(); c.livenessLoop(ctx) }()
	go func() { defer wg.Done(); c.statsLoop(ctx) }()
	go func() { defer wg.Done(); c.breakerStateLoop(ctx) }()

	wg.Wait()
}

func (c *Coordinator) breakerStateLoop(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			switch c.cb.State() {
			case breaker.Closed:
				obs.CircuitBreakerState.Set(0)
			case breaker.HalfOpen:
				obs.CircuitBreakerState.Set(1)
			case breaker.Open:
				obs.CircuitBreakerState.Set(2)
			}
		}
	}
}

func (c *Coordinator) runLoop(ctx context.Context, workerID string) {
	hbTicker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer hbTicker.Stop()
	c.touch(workerID)

	for ctx.Err() == nil {
		select {
		case <-hbTicker.C:
			c.heartbeat(ctx, workerID, "idle")
		default:
		}

		if !c.cb.Allow() {
			time.Sleep(c.cfg.BreakerPause)
			continue
		}

		job, err := c.q.ClaimJob(ctx, workerID, c.cfg.Priorities)
		if err != nil {
			c.logger.Warn("coordinator: claim failed", zap.String("worker_id", workerID), zap.Error(err))
			time.Sleep(c.cfg.ClaimPollTimeout)
			continue
		}
		if job == nil {
			time.Sleep(c.cfg.ClaimPollTimeout)
			continue
		}

		obs.JobsClaimed.Inc()
		c.touch(workerID)
		c.heartbeat(ctx, workerID, "busy")
		c.handleJob(ctx, workerID, job)
	}
}

// handleJob runs one claimed job to completion, recording the breaker
// outcome, the evaluation.* lifecycle events, and the same per-job obs
// tracing/metrics internal/worker used to own before JobRunner implementations (the
// sandbox/executor path) were split out from queue bookkeeping.
func (c *Coordinator) handleJob(ctx context.Context, workerID string, job *queue.EvaluationJob) {
	jobCtx, span := obs.ContextWithJobSpan(ctx, *job)
	defer span.End()
	obs.AddSpanAttributes(jobCtx, obs.KeyValue("worker.id", workerID))

	c.events.Publish(jobCtx, string(eventbus.EventEvaluationStarted), map[string]string{
		"job_id": job.ID, "submission_id": job.SubmissionID, "worker_id": workerID,
	})

	start := time.Now()
	result, err := c.runner.Run(jobCtx, *job)
	duration := time.Since(start)
	obs.JobProcessingDuration.Observe(duration.Seconds())

	prevState := c.cb.State()
	c.cb.Record(err == nil)
	if curr := c.cb.State(); prevState != curr && curr == breaker.Open {
		obs.CircuitBreakerTrips.Inc()
	}

	if err != nil {
		obs.JobsFailed.Inc()
		obs.RecordError(jobCtx, err)
		c.logger.Error("coordinator: job run failed", zap.String("job_id", job.ID), zap.Error(err))

		willRetry := job.MaxRetries == 0 || job.Retries+1 <= job.MaxRetries
		if willRetry {
			bo := retryBackoff(job.Retries+1, c.cfg.BackoffBase, c.cfg.BackoffMax)
			select {
			case <-ctx.Done():
			case <-time.After(bo):
			}
		}

		if ferr := c.q.FailJob(ctx, *job, err.Error(), true); ferr != nil {
			c.logger.Error("coordinator: fail-job write failed", zap.Error(ferr))
		} else if aerr := c.q.AckJob(ctx, workerID, *job); aerr != nil {
			c.logger.Warn("coordinator: ack after fail failed", zap.String("job_id", job.ID), zap.Error(aerr))
		}
		if willRetry {
			obs.JobsRetried.Inc()
		} else {
			obs.JobsDeadLetter.Inc()
		}
		c.events.Publish(jobCtx, string(eventbus.EventEvaluationFailed), map[string]string{
			"job_id": job.ID, "submission_id": job.SubmissionID, "reason": err.Error(),
		})
		return
	}

	obs.SandboxExecutions.WithLabelValues(result.Verdict).Inc()
	obs.SetSpanSuccess(jobCtx)
	if err := c.q.CompleteJob(ctx, result); err != nil {
		c.logger.Error("coordinator: complete-job write failed", zap.Error(err))
	} else if aerr := c.q.AckJob(ctx, workerID, *job); aerr != nil {
		c.logger.Warn("coordinator: ack after complete failed", zap.String("job_id", job.ID), zap.Error(aerr))
	}
	obs.JobsCompleted.Inc()
	c.events.Publish(jobCtx, string(eventbus.EventEvaluationCompleted), map[string]string{
		"job_id": job.ID, "submission_id": result.SubmissionID, "verdict": result.Verdict,
	})
}

func (c *Coordinator) heartbeat(ctx context.Context, workerID, status string) {
	hb := queue.WorkerHeartbeat{
		WorkerID:      workerID,
		NodeID:        c.baseID,
		Status:        status,
		CurrentLoad:   0,
		MaxCapacity:   1,
		LastHeartbeat: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if status == "busy" {
		hb.CurrentLoad = 1
	}
	if err := c.q.Heartbeat(ctx, hb, c.cfg.HeartbeatTTL); err != nil {
		c.logger.Warn("coordinator: heartbeat write failed", zap.String("worker_id", workerID), zap.Error(err))
	}
	c.touch(workerID)
}

func (c *Coordinator) touch(workerID string) {
	c.mu.Lock()
	c.lastSeen[workerID] = time.Now()
	c.mu.Unlock()
}

// livenessLoop evicts workers this coordinator has not heard from
// within LivenessTimeout.
func (c *Coordinator) livenessLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.LivenessScanEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.evictStale()
		}
	}
}

func (c *Coordinator) evictStale() {
	cutoff := time.Now().Add(-c.cfg.LivenessTimeout)
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, seen := range c.lastSeen {
		if seen.Before(cutoff) {
			delete(c.lastSeen, id)
			c.logger.Warn("coordinator: evicted stale worker", zap.String("worker_id", id), zap.Time("last_seen", seen))
		}
	}
}

// ActiveWorkers returns the set of worker IDs this coordinator has
// heard from within LivenessTimeout.
func (c *Coordinator) ActiveWorkers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.lastSeen))
	for id := range c.lastSeen {
		out = append(out, id)
	}
	return out
}

func (c *Coordinator) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.StatsLogEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := c.q.Stats(ctx)
			if err != nil {
				c.logger.Warn("coordinator: stats query failed", zap.Error(err))
				continue
			}
			c.logger.Info("coordinator: queue stats",
				zap.Int64("pending", stats.PendingJobs),
				zap.Int64("running", stats.RunningJobs),
				zap.Int64("completed", stats.CompletedJobs),
				zap.Int64("failed", stats.FailedJobs),
				zap.Int("active_workers_local", len(c.ActiveWorkers())),
			)
		}
	}
}
