// Copyright 2025 James Ross
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flyingrobots/judge-platform/internal/config"
	"github.com/redis/go-redis/v9"
)

// DLQItem is a dead-letter entry suitable for CLI listing and remediation.
type DLQItem struct {
	ID        string    `json:"id"`
	Payload   []byte    `json:"payload"`
	Retries   int       `json:"retries"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// DLQList returns a page of dead-letter items along with an opaque cursor
// for the next page. The cursor is a decimal list offset.
func DLQList(ctx context.Context, cfg *config.Config, rdb *redis.Client, cursor string, limit int) ([]DLQItem, string, error) {
	if cfg.Worker.DeadLetterList == "" {
		return nil, "", errors.New("dead letter list not configured")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var offset int64
	if cursor != "" {
		var parsed int64
		if _, err := fmt.Sscan(cursor, &parsed); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	items, err := rdb.LRange(ctx, cfg.Worker.DeadLetterList, offset, offset+int64(limit)-1).Result()
	if err != nil {
		return nil, "", err
	}
	out := make([]DLQItem, 0, len(items))
	for _, raw := range items {
		var meta struct {
			ID        string `json:"id"`
			Retries   int    `json:"retries"`
			CreatedAt string `json:"created_at"`
		}
		_ = json.Unmarshal([]byte(raw), &meta)
		it := DLQItem{ID: meta.ID, Payload: []byte(raw), Retries: meta.Retries}
		if t, err := time.Parse(time.RFC3339Nano, meta.CreatedAt); err == nil {
			it.CreatedAt = t
		}
		out = append(out, it)
	}
	if int64(len(items)) < int64(limit) {
		return out, "", nil
	}
	return out, fmt.Sprintf("%d", offset+int64(len(items))), nil
}

// DLQRequeue moves the specified dead-letter job IDs back onto a
// destination priority queue (default: the highest-priority queue).
func DLQRequeue(ctx context.Context, cfg *config.Config, rdb *redis.Client, ids []string, destQueue string) (int, error) {
	if cfg.Worker.DeadLetterList == "" {
		return 0, errors.New("dead letter list not configured")
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if destQueue == "" {
		if len(cfg.Worker.Priorities) > 0 {
			destQueue = cfg.Worker.Queues[cfg.Worker.Priorities[0]]
		}
	}
	if destQueue == "" {
		return 0, errors.New("no destination queue resolved")
	}

	idset := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			idset[id] = struct{}{}
		}
	}

	const chunk = 500
	requeued := 0
	var start int64
	for {
		batch, err := rdb.LRange(ctx, cfg.Worker.DeadLetterList, start, start+chunk-1).Result()
		if err != nil {
			return requeued, err
		}
		if len(batch) == 0 {
			break
		}
		for _, raw := range batch {
			var meta struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal([]byte(raw), &meta); err != nil {
				continue
			}
			if _, ok := idset[meta.ID]; !ok {
				continue
			}
			if _, err := rdb.LRem(ctx, cfg.Worker.DeadLetterList, 1, raw).Result(); err != nil {
				return requeued, err
			}
			if err := rdb.LPush(ctx, destQueue, raw).Err(); err != nil {
				return requeued, err
			}
			requeued++
		}
		if len(batch) < chunk {
			break
		}
		start += chunk
	}
	return requeued, nil
}

// DLQPurge deletes the specified dead-letter job IDs.
func DLQPurge(ctx context.Context, cfg *config.Config, rdb *redis.Client, ids []string) (int, error) {
	if cfg.Worker.DeadLetterList == "" {
		return 0, errors.New("dead letter list not configured")
	}
	if len(ids) == 0 {
		return 0, nil
	}
	idset := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			idset[id] = struct{}{}
		}
	}
	purged := 0
	const chunk = 500
	var start int64
	for {
		batch, err := rdb.LRange(ctx, cfg.Worker.DeadLetterList, start, start+chunk-1).Result()
		if err != nil {
			return purged, err
		}
		if len(batch) == 0 {
			break
		}
		for _, raw := range batch {
			var meta struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal([]byte(raw), &meta); err != nil {
				continue
			}
			if _, ok := idset[meta.ID]; !ok {
				continue
			}
			if _, err := rdb.LRem(ctx, cfg.Worker.DeadLetterList, 1, raw).Result(); err != nil {
				return purged, err
			}
			purged++
		}
		if len(batch) < chunk {
			break
		}
		start += chunk
	}
	return purged, nil
}
