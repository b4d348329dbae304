//go:build capability_redis_tests
// +build capability_redis_tests

// Copyright 2025 James Ross
//
// The consume script uses multi-key HSET/EXPIRE semantics miniredis
// does not reproduce exactly, so these miniredis-backed tests run only
// with the build tag, not in the default test run.
package capability

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestTokenBucketExactlyBurstSizeSucceed(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	bucket := NewTokenBucket(client)
	limit := RateLimit{RequestsPerSecond: 10, BurstSize: 5}

	allowed := 0
	for i := 0; i < 20; i++ {
		ok, err := bucket.Allow(context.Background(), "plugin-1", "emit_event", limit)
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			allowed++
		}
	}
	if allowed != int(limit.BurstSize) {
		t.Fatalf("expected exactly %d allowed in the burst, got %d", limit.BurstSize, allowed)
	}
}
