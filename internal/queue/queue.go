// Copyright 2025 James Ross
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flyingrobots/judge-platform/internal/config"
	"github.com/redis/go-redis/v9"
)

// JobQueue is the pull-model priority queue the kernel submits into and
// workers claim from. Implementations must guarantee that a successful
// ClaimJob hands the job to exactly one caller at a time: a claimed job
// stays invisible to other claimants until AckJob releases it or the
// claimant's heartbeat lapses and the reaper redelivers it.
//
// FailJob records a failed attempt: when retryFlag is true and
// job.Retries+1 <= job.MaxRetries (or MaxRetries == 0, meaning
// unbounded), the job is requeued with its retry counter incremented
// rather than dead-lettered, so a job with MaxRetries k > 0 is delivered
// at most k+1 times; a job with MaxRetries 0 has no delivery bound. When
// retryFlag is false, or the retry budget is exhausted, the job is
// dead-lettered unconditionally.
//
// AckJob releases a claimed job from the caller's in-flight claim after
// CompleteJob or FailJob has recorded the outcome; without it the claim
// would look abandoned and be redelivered once the worker goes away.
type JobQueue interface {
	SubmitJob(ctx context.Context, job EvaluationJob) error
	ClaimJob(ctx context.Context, workerID string, priorities []string) (*EvaluationJob, error)
	AckJob(ctx context.Context, workerID string, job EvaluationJob) error
	CompleteJob(ctx context.Context, result EvaluationResult) error
	FailJob(ctx context.Context, job EvaluationJob, reason string, retryFlag bool) error
	Heartbeat(ctx context.Context, hb WorkerHeartbeat, ttl time.Duration) error
	Stats(ctx context.Context) (QueueStats, error)
}

// defaultPriorityLanes backs MemoryJobQueue, which has no config.Config to
// read Worker.Priorities from.
var defaultPriorityLanes = []string{"high", "normal", "low"}

// laneForPriority maps a job's 0..=10 integer priority (10 = most
// urgent) onto one of lanes, ordered highest-urgency-first. Equal-width
// bands split the 11-value range across however many lanes are given.
func laneForPriority(lanes []string, priority int) string {
	if len(lanes) == 0 {
		return ""
	}
	if priority < 0 {
		priority = 0
	}
	if priority > 10 {
		priority = 10
	}
	idx := (10 - priority) * len(lanes) / 11
	if idx >= len(lanes) {
		idx = len(lanes) - 1
	}
	return lanes[idx]
}

// QueueKeyForPriority resolves a job's integer priority to a Redis list key
// via laneForPriority and cfg.Worker.Queues.
func QueueKeyForPriority(cfg *config.Config, priority int) string {
	lanes := cfg.Worker.Priorities
	lane := laneForPriority(lanes, priority)
	key, ok := cfg.Worker.Queues[lane]
	if !ok && len(lanes) > 0 {
		key = cfg.Worker.Queues[lanes[len(lanes)-1]]
	}
	return key
}

// RedisJobQueue is the production JobQueue backed by per-priority Redis
// lists. ClaimJob uses BRPopLPush to atomically move a job onto the
// worker's processing list, the same claim pattern the reaper inspects
// when redelivering work from a worker whose heartbeat key expired.
type RedisJobQueue struct {
	rdb *redis.Client
	cfg *config.Config
}

func NewRedisJobQueue(rdb *redis.Client, cfg *config.Config) *RedisJobQueue {
	return &RedisJobQueue{rdb: rdb, cfg: cfg}
}

func (q *RedisJobQueue) SubmitJob(ctx context.Context, job EvaluationJob) error {
	key := QueueKeyForPriority(q.cfg, job.Priority)
	payload, err := job.Marshal()
	if err != nil {
		return err
	}
	return q.rdb.LPush(ctx, key, payload).Err()
}

func (q *RedisJobQueue) ClaimJob(ctx context.Context, workerID string, priorities []string) (*EvaluationJob, error) {
	plist := fmt.Sprintf(q.cfg.Worker.ProcessingListPattern, workerID)
	for _, p := range priorities {
		src, ok := q.cfg.Worker.Queues[p]
		if !ok {
			continue
		}
		payload, err := q.rdb.BRPopLPush(ctx, src, plist, q.cfg.Worker.BRPopLPushTimeout).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		job, err := UnmarshalEvaluationJob(payload)
		if err != nil {
			return nil, err
		}
		return &job, nil
	}
	return nil, nil
}

// AckJob removes the claimed payload from the worker's processing list.
// The payload is re-marshaled from the job exactly as it was claimed;
// Marshal is deterministic, so LRem matches the original element.
func (q *RedisJobQueue) AckJob(ctx context.Context, workerID string, job EvaluationJob) error {
	payload, err := job.Marshal()
	if err != nil {
		return err
	}
	plist := fmt.Sprintf(q.cfg.Worker.ProcessingListPattern, workerID)
	return q.rdb.LRem(ctx, plist, 1, payload).Err()
}

func (q *RedisJobQueue) CompleteJob(ctx context.Context, result EvaluationResult) error {
	payload, err := result.Marshal()
	if err != nil {
		return err
	}
	return q.rdb.LPush(ctx, q.cfg.Worker.CompletedList, payload).Err()
}

// FailJob implements the retry-vs-dead-letter contract documented on
// JobQueue: retryFlag true and a remaining retry budget requeues the job
// (incrementing Retries) onto its priority lane; otherwise it is pushed
// to the dead-letter list unconditionally.
func (q *RedisJobQueue) FailJob(ctx context.Context, job EvaluationJob, reason string, retryFlag bool) error {
	_ = reason
	if retryFlag && (job.MaxRetries == 0 || job.Retries+1 <= job.MaxRetries) {
		job.Retries++
		payload, err := job.Marshal()
		if err != nil {
			return err
		}
		key := QueueKeyForPriority(q.cfg, job.Priority)
		return q.rdb.LPush(ctx, key, payload).Err()
	}
	payload, err := job.Marshal()
	if err != nil {
		return err
	}
	return q.rdb.LPush(ctx, q.cfg.Worker.DeadLetterList, payload).Err()
}

func (q *RedisJobQueue) Heartbeat(ctx context.Context, hb WorkerHeartbeat, ttl time.Duration) error {
	key := fmt.Sprintf(q.cfg.Worker.HeartbeatKeyPattern, hb.WorkerID)
	payload, err := hb.Marshal()
	if err != nil {
		return err
	}
	return q.rdb.Set(ctx, key, payload, ttl).Err()
}

func (q *RedisJobQueue) Stats(ctx context.Context) (QueueStats, error) {
	var stats QueueStats
	for _, key := range q.cfg.Worker.Queues {
		n, err := q.rdb.LLen(ctx, key).Result()
		if err != nil {
			return stats, err
		}
		stats.PendingJobs += n
	}
	if n, err := q.rdb.LLen(ctx, q.cfg.Worker.CompletedList).Result(); err == nil {
		stats.CompletedJobs = n
	}
	if n, err := q.rdb.LLen(ctx, q.cfg.Worker.DeadLetterList).Result(); err == nil {
		stats.FailedJobs = n
	}
	return stats, nil
}

// MemoryJobQueue is an in-process JobQueue for unit tests and for the
// plugin runtime's host-function test harness, where spinning up Redis
// is unnecessary overhead.
type MemoryJobQueue struct {
	mu         sync.Mutex
	lanes      []string
	byPriority map[string][]EvaluationJob
	processing map[string]EvaluationJob
	completed  []EvaluationResult
	failed     []EvaluationJob
	heartbeats map[string]WorkerHeartbeat
}

func NewMemoryJobQueue() *MemoryJobQueue {
	return &MemoryJobQueue{
		lanes:      defaultPriorityLanes,
		byPriority: make(map[string][]EvaluationJob),
		processing: make(map[string]EvaluationJob),
		heartbeats: make(map[string]WorkerHeartbeat),
	}
}

func (q *MemoryJobQueue) SubmitJob(_ context.Context, job EvaluationJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	lane := laneForPriority(q.lanes, job.Priority)
	q.byPriority[lane] = append(q.byPriority[lane], job)
	return nil
}

func (q *MemoryJobQueue) ClaimJob(_ context.Context, workerID string, priorities []string) (*EvaluationJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range priorities {
		jobs := q.byPriority[p]
		if len(jobs) == 0 {
			continue
		}
		job := jobs[0]
		q.byPriority[p] = jobs[1:]
		q.processing[workerID] = job
		return &job, nil
	}
	return nil, nil
}

func (q *MemoryJobQueue) AckJob(_ context.Context, workerID string, _ EvaluationJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.processing, workerID)
	return nil
}

func (q *MemoryJobQueue) CompleteJob(_ context.Context, result EvaluationResult) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed = append(q.completed, result)
	return nil
}

func (q *MemoryJobQueue) FailJob(_ context.Context, job EvaluationJob, _ string, retryFlag bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if retryFlag && (job.MaxRetries == 0 || job.Retries+1 <= job.MaxRetries) {
		job.Retries++
		lane := laneForPriority(q.lanes, job.Priority)
		q.byPriority[lane] = append(q.byPriority[lane], job)
		return nil
	}
	q.failed = append(q.failed, job)
	return nil
}

func (q *MemoryJobQueue) Heartbeat(_ context.Context, hb WorkerHeartbeat, _ time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.heartbeats[hb.WorkerID] = hb
	return nil
}

func (q *MemoryJobQueue) Stats(_ context.Context) (QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var stats QueueStats
	for _, jobs := range q.byPriority {
		stats.PendingJobs += int64(len(jobs))
	}
	stats.RunningJobs = int64(len(q.processing))
	stats.CompletedJobs = int64(len(q.completed))
	stats.FailedJobs = int64(len(q.failed))
	stats.ActiveWorkers = int64(len(q.heartbeats))
	return stats, nil
}
