// Copyright 2025 James Ross
package reaper

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/flyingrobots/judge-platform/internal/config"
	"github.com/flyingrobots/judge-platform/internal/obs"
	"github.com/flyingrobots/judge-platform/internal/queue"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Reaper redelivers jobs left on a worker's processing list after that
// worker's heartbeat key expires without renewal, and dead-letters jobs
// that have exhausted their retry budget.
type Reaper struct {
	cfg *config.Config
	rdb *redis.Client
	log *zap.Logger
}

func New(cfg *config.Config, rdb *redis.Client, log *zap.Logger) *Reaper {
	return &Reaper{cfg: cfg, rdb: rdb, log: log}
}

func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scanOnce(ctx)
		}
	}
}

func (r *Reaper) scanOnce(ctx context.Context) {
	pattern := fmt.Sprintf(r.cfg.Worker.ProcessingListPattern, "*")
	var cursor uint64
	for {
		keys, cur, err := r.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			r.log.Warn("reaper scan error", obs.Err(err))
			return
		}
		cursor = cur
		for _, plist := range keys {
			parts := strings.Split(plist, ":")
			if len(parts) < 3 {
				continue
			}
			workerID := parts[len(parts)-2]
			hbKey := fmt.Sprintf(r.cfg.Worker.HeartbeatKeyPattern, workerID)
			exists, _ := r.rdb.Exists(ctx, hbKey).Result()
			if exists == 1 {
				continue
			} // worker healthy

			for {
				payload, err := r.rdb.RPop(ctx, plist).Result()
				if err == redis.Nil {
					break
				}
				if err != nil {
					r.log.Warn("reaper rpop error", obs.Err(err))
					break
				}
				job, err := queue.UnmarshalEvaluationJob(payload)
				if err != nil {
					continue
				}
				r.redeliverOrDeadLetter(ctx, job)
			}
		}
		if cursor == 0 {
			break
		}
	}
}

func (r *Reaper) redeliverOrDeadLetter(ctx context.Context, job queue.EvaluationJob) {
	if job.MaxRetries > 0 && job.Retries >= job.MaxRetries {
		payload, _ := job.Marshal()
		if err := r.rdb.LPush(ctx, r.cfg.Worker.DeadLetterList, payload).Err(); err != nil {
			r.log.Error("dead-letter push failed", obs.Err(err))
			return
		}
		obs.JobsDeadLetter.Inc()
		r.log.Warn("job exhausted retries, dead-lettered", obs.String("id", job.ID), obs.Int("retries", job.Retries))
		return
	}

	job.Retries++
	payload, err := job.Marshal()
	if err != nil {
		r.log.Error("reaper marshal failed", obs.Err(err))
		return
	}
	dest := queue.QueueKeyForPriority(r.cfg, job.Priority)
	if err := r.rdb.LPush(ctx, dest, payload).Err(); err != nil {
		r.log.Error("requeue failed", obs.Err(err))
		return
	}
	obs.ReaperRecovered.Inc()
	obs.JobsRetried.Inc()
	r.log.Warn("requeued abandoned job", obs.String("id", job.ID), obs.String("to", dest), obs.String("trace_id", job.TraceID), obs.String("span_id", job.SpanID))
}
