package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *time.Time) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	bucket := NewTokenBucket(client, "jobqueue", capacity, refill, time.Minute)
	clock := time.Unix(1_700_000_000, 0)
	bucket.now = func() time.Time { return clock }
	return bucket, &clock
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 2, 1)

	allowed, _, err := bucket.Allow(ctx, "tenant")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = bucket.Allow(ctx, "tenant")
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _, _ = bucket.Allow(ctx, "tenant")
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}

	allowed, _, _ = bucket.Allow(ctx, "other")
	if !allowed {
		t.Fatalf("expected separate tenant to have its own bucket")
	}
}

func TestTokenBucketRefills(t *testing.T) {
	ctx := context.Background()
	bucket, clock := newBucket(t, 1, 2)

	if allowed, _, _ := bucket.Allow(ctx, "tenant"); !allowed {
		t.Fatalf("expected first token allowed")
	}
	if allowed, _, _ := bucket.Allow(ctx, "tenant"); allowed {
		t.Fatalf("expected empty bucket")
	}

	*clock = clock.Add(250 * time.Millisecond)
	allowed, tokens, err := bucket.Allow(ctx, "tenant")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if allowed {
		t.Fatalf("half a token should not be enough")
	}
	if tokens < 0.49 || tokens > 0.51 {
		t.Fatalf("expected ~0.5 tokens, got %v", tokens)
	}

	*clock = clock.Add(250 * time.Millisecond)
	if allowed, _, _ := bucket.Allow(ctx, "tenant"); !allowed {
		t.Fatalf("expected refilled token")
	}
}
