package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestMemoryAllow(t *testing.T) {
	m := NewMemory(100, time.Minute)
	now := time.Date(2024, 1, 1, 12, 0, 10, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	if ok, _, _ := m.Allow(ctx, "u1", 60); !ok {
		t.Fatal("first reservation rejected")
	}
	if ok, _, _ := m.Allow(ctx, "u1", 40); !ok {
		t.Fatal("reservation up to the limit rejected")
	}
	ok, retry, _ := m.Allow(ctx, "u1", 1)
	if ok {
		t.Fatal("reservation over the limit allowed")
	}
	if retry != 50*time.Second {
		t.Errorf("retryAfter = %v, want 50s", retry)
	}

	if ok, _, _ := m.Allow(ctx, "u2", 100); !ok {
		t.Error("other key affected by u1's usage")
	}

	now = now.Add(time.Minute)
	if ok, _, _ := m.Allow(ctx, "u1", 100); !ok {
		t.Error("reservation rejected after window reset")
	}
}

func TestMemoryOversizedRequestInEmptyWindow(t *testing.T) {
	m := NewMemory(10, time.Minute)
	if ok, _, _ := m.Allow(context.Background(), "u", 50); !ok {
		t.Error("oversized request in empty window rejected")
	}
	if ok, _, _ := m.Allow(context.Background(), "u", 1); ok {
		t.Error("follow-up request allowed after oversized reservation")
	}
}

func TestNewSelectsImplementation(t *testing.T) {
	if _, ok := New(nil, 0, time.Minute).(Unlimited); !ok {
		t.Error("limit 0 should be Unlimited")
	}
	if _, ok := New(nil, 10, time.Minute).(*Memory); !ok {
		t.Error("nil client should be *Memory")
	}
}

// TestRedisAllow runs only when REDIS_URL points at a disposable Redis.
func TestRedisAllow(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatal(err)
	}
	client := redis.NewClient(opts)
	defer client.Close()

	r := NewRedis(client, 100, time.Minute)
	r.prefix = "transcriptd:test:" + time.Now().Format("150405.000") + ":"
	ctx := context.Background()

	if ok, _, err := r.Allow(ctx, "u", 80); err != nil || !ok {
		t.Fatalf("Allow = %v, %v", ok, err)
	}
	ok, retry, err := r.Allow(ctx, "u", 30)
	if err != nil {
		t.Fatal(err)
	}
	if ok || retry <= 0 {
		t.Errorf("Allow over limit = %v, retry %v", ok, retry)
	}
	if ok, _, _ := r.Allow(ctx, "u", 20); !ok {
		t.Error("rolled-back reservation still counted")
	}
}
