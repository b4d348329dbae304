// Copyright 2025 James Ross
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/flyingrobots/judge-platform/internal/config"
	"github.com/flyingrobots/judge-platform/internal/queue"
	"github.com/redis/go-redis/v9"
)

// StatsResult summarizes queue depth, per-worker processing backlog, and
// live worker heartbeat count for the CLI's "stats" command.
type StatsResult struct {
	Queues          map[string]int64 `json:"queues"`
	ProcessingLists map[string]int64 `json:"processing_lists"`
	Heartbeats      int64            `json:"heartbeats"`
}

func Stats(ctx context.Context, cfg *config.Config, rdb *redis.Client) (StatsResult, error) {
	res := StatsResult{Queues: map[string]int64{}, ProcessingLists: map[string]int64{}}

	qset := map[string]string{}
	for p, q := range cfg.Worker.Queues {
		qset[p] = q
	}
	qset["completed"] = cfg.Worker.CompletedList
	qset["dead_letter"] = cfg.Worker.DeadLetterList
	for name, key := range qset {
		n, err := rdb.LLen(ctx, key).Result()
		if err != nil {
			return res, err
		}
		res.Queues[name+"("+key+")"] = n
	}

	procPattern := fmt.Sprintf(cfg.Worker.ProcessingListPattern, "*")
	var cursor uint64
	for {
		keys, cur, err := rdb.Scan(ctx, cursor, procPattern, 200).Result()
		if err != nil {
			return res, err
		}
		cursor = cur
		for _, k := range keys {
			n, _ := rdb.LLen(ctx, k).Result()
			res.ProcessingLists[k] = n
		}
		if cursor == 0 {
			break
		}
	}

	hbPattern := fmt.Sprintf(cfg.Worker.HeartbeatKeyPattern, "*")
	var hbc int64
	cursor = 0
	for {
		keys, cur, err := rdb.Scan(ctx, cursor, hbPattern, 500).Result()
		if err != nil {
			return res, err
		}
		cursor = cur
		hbc += int64(len(keys))
		if cursor == 0 {
			break
		}
	}
	res.Heartbeats = hbc
	return res, nil
}

type PeekResult struct {
	Queue string   `json:"queue"`
	Items []string `json:"items"`
}

func Peek(ctx context.Context, cfg *config.Config, rdb *redis.Client, queueAlias string, n int64) (PeekResult, error) {
	qkey, err := resolveQueue(cfg, queueAlias)
	if err != nil {
		return PeekResult{}, err
	}
	if n <= 0 {
		n = 10
	}
	items, err := rdb.LRange(ctx, qkey, -n, -1).Result()
	if err != nil {
		return PeekResult{}, err
	}
	return PeekResult{Queue: qkey, Items: items}, nil
}

func PurgeDLQ(ctx context.Context, cfg *config.Config, rdb *redis.Client) error {
	if cfg.Worker.DeadLetterList == "" {
		return errors.New("dead letter list not configured")
	}
	return rdb.Del(ctx, cfg.Worker.DeadLetterList).Err()
}

func resolveQueue(cfg *config.Config, alias string) (string, error) {
	a := strings.ToLower(alias)
	if a == "completed" {
		return cfg.Worker.CompletedList, nil
	}
	if a == "dead_letter" || a == "dlq" {
		return cfg.Worker.DeadLetterList, nil
	}
	if q, ok := cfg.Worker.Queues[a]; ok {
		return q, nil
	}
	if strings.HasPrefix(alias, "judge:") {
		return alias, nil
	}
	keys := make([]string, 0, len(cfg.Worker.Queues))
	for k := range cfg.Worker.Queues {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b, _ := json.Marshal(keys)
	return "", fmt.Errorf("unknown queue alias %q; known: %s, completed, dead_letter or full key starting with judge:", alias, string(b))
}

type BenchResult struct {
	Count      int           `json:"count"`
	Duration   time.Duration `json:"duration"`
	Throughput float64       `json:"throughput_jobs_per_sec"`
	P50        time.Duration `json:"p50_latency"`
	P95        time.Duration `json:"p95_latency"`
}

// priorityIntFromAlias converts the CLI's --bench-priority alias into
// the job's 0..=10 integer range: a bare integer is parsed and clamped,
// the legacy "high"/"normal"/"low" lane names map to 9, 5 and 2 so
// existing bench scripts keep working unchanged, and anything else
// falls back to 5.
func priorityIntFromAlias(s string) int {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return 9
	case "normal":
		return 5
	case "low":
		return 2
	}
	if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
		if n < 0 {
			return 0
		}
		if n > 10 {
			return 10
		}
		return n
	}
	return 5
}

// Bench submits count synthetic evaluation jobs at the given priority and
// waits for them to drain into the completed list, computing simple
// submit-to-complete latency percentiles from each job's CreatedAt.
func Bench(ctx context.Context, cfg *config.Config, rdb *redis.Client, priority string, count int, rate int, payloadSize int, timeout time.Duration) (BenchResult, error) {
	res := BenchResult{Count: count}
	if count <= 0 {
		return res, fmt.Errorf("count must be > 0")
	}
	if rate <= 0 {
		rate = 100
	}
	if payloadSize <= 0 {
		payloadSize = 1024
	}
	jq := queue.NewRedisJobQueue(rdb, cfg)
	priorityInt := priorityIntFromAlias(priority)

	_ = rdb.Del(ctx, cfg.Worker.CompletedList).Err()

	src := strings.Repeat("x", payloadSize)
	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()
	start := time.Now()
	for i := 0; i < count; i++ {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-ticker.C:
		}
		job := queue.NewEvaluationJob(fmt.Sprintf("bench-%d", i), fmt.Sprintf("bench-sub-%d", i), "bench-problem", "bench", src, priorityInt, 1000, 65536, 0, 0)
		if err := jq.SubmitJob(ctx, job); err != nil {
			return res, err
		}
	}

	doneBy := time.Now().Add(timeout)
	for time.Now().Before(doneBy) {
		n, _ := rdb.LLen(ctx, cfg.Worker.CompletedList).Result()
		if int(n) >= count {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	res.Duration = time.Since(start)
	if res.Duration > 0 {
		res.Throughput = float64(count) / res.Duration.Seconds()
	}

	items, _ := rdb.LRange(ctx, cfg.Worker.CompletedList, 0, -1).Result()
	lats := make([]float64, 0, len(items))
	now := time.Now()
	for _, it := range items {
		var r queue.EvaluationResult
		if err := json.Unmarshal([]byte(it), &r); err == nil && r.CompletedAt != "" {
			if t, err2 := time.Parse(time.RFC3339Nano, r.CompletedAt); err2 == nil {
				lats = append(lats, now.Sub(t).Seconds())
			}
		}
	}
	if len(lats) > 0 {
		sort.Float64s(lats)
		res.P50 = time.Duration(lats[int(math.Round(0.50*float64(len(lats)-1)))] * float64(time.Second))
		res.P95 = time.Duration(lats[int(math.Round(0.95*float64(len(lats)-1)))] * float64(time.Second))
	}
	return res, nil
}

// KeysStats summarizes managed Redis keys and queue lengths.
type KeysStats struct {
	QueueLengths    map[string]int64 `json:"queue_lengths"`
	ProcessingLists int64             `json:"processing_lists"`
	ProcessingItems int64             `json:"processing_items"`
	Heartbeats      int64             `json:"heartbeats"`
}

func StatsKeys(ctx context.Context, cfg *config.Config, rdb *redis.Client) (KeysStats, error) {
	out := KeysStats{QueueLengths: map[string]int64{}}
	qset := map[string]string{
		"completed":   cfg.Worker.CompletedList,
		"dead_letter": cfg.Worker.DeadLetterList,
	}
	for p, q := range cfg.Worker.Queues {
		qset[p] = q
	}
	for name, key := range qset {
		if key == "" {
			continue
		}
		n, err := rdb.LLen(ctx, key).Result()
		if err != nil && err != redis.Nil {
			return out, err
		}
		out.QueueLengths[name+"("+key+")"] = n
	}

	procPattern := fmt.Sprintf(cfg.Worker.ProcessingListPattern, "*")
	var cursor uint64
	for {
		keys, cur, err := rdb.Scan(ctx, cursor, procPattern, 500).Result()
		if err != nil {
			return out, err
		}
		cursor = cur
		out.ProcessingLists += int64(len(keys))
		for _, k := range keys {
			n, _ := rdb.LLen(ctx, k).Result()
			out.ProcessingItems += n
		}
		if cursor == 0 {
			break
		}
	}

	hbPattern := fmt.Sprintf(cfg.Worker.HeartbeatKeyPattern, "*")
	cursor = 0
	for {
		keys, cur, err := rdb.Scan(ctx, cursor, hbPattern, 1000).Result()
		if err != nil {
			return out, err
		}
		cursor = cur
		out.Heartbeats += int64(len(keys))
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

// PurgeAll deletes every queue, list, and per-worker key this system
// manages. Returns the number of keys deleted.
func PurgeAll(ctx context.Context, cfg *config.Config, rdb *redis.Client) (int64, error) {
	var deleted int64
	keys := []string{cfg.Worker.CompletedList, cfg.Worker.DeadLetterList}
	for _, q := range cfg.Worker.Queues {
		keys = append(keys, q)
	}

	uniq := map[string]struct{}{}
	ek := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := uniq[k]; ok {
			continue
		}
		uniq[k] = struct{}{}
		ek = append(ek, k)
	}
	if len(ek) > 0 {
		n, err := rdb.Del(ctx, ek...).Result()
		if err != nil {
			return deleted, err
		}
		deleted += n
	}

	patterns := []string{
		fmt.Sprintf(cfg.Worker.ProcessingListPattern, "*"),
		fmt.Sprintf(cfg.Worker.HeartbeatKeyPattern, "*"),
	}
	for _, pat := range patterns {
		var cursor uint64
		for {
			keys, cur, err := rdb.Scan(ctx, cursor, pat, 500).Result()
			if err != nil {
				return deleted, err
			}
			cursor = cur
			if len(keys) > 0 {
				n, err := rdb.Del(ctx, keys...).Result()
				if err != nil {
					return deleted, err
				}
				deleted += n
			}
			if cursor == 0 {
				break
			}
		}
	}
	return deleted, nil
}
