package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// testClient connects to a local Redis or skips the test.
func testClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func testRule(t *testing.T) Rule {
	return Rule{
		KeyPrefix: fmt.Sprintf("rl:test:%d:", time.Now().UnixNano()),
		Limit:     3,
		Window:    time.Minute,
	}
}

func TestAllowEnforcesLimit(t *testing.T) {
	l := New(testClient(t))
	rule := testRule(t)
	ctx := context.Background()

	for i := 0; i < int(rule.Limit); i++ {
		if !l.Allow(ctx, rule, "u1") {
			t.Fatalf("request %d denied within limit", i+1)
		}
	}
	if l.Allow(ctx, rule, "u1") {
		t.Fatal("request above the limit was allowed")
	}
}

func TestAllowIsPerUser(t *testing.T) {
	l := New(testClient(t))
	rule := testRule(t)
	ctx := context.Background()

	for i := 0; i < int(rule.Limit); i++ {
		l.Allow(ctx, rule, "u1")
	}
	if !l.Allow(ctx, rule, "u2") {
		t.Fatal("one user's limit blocked another user")
	}
}

func TestRemaining(t *testing.T) {
	l := New(testClient(t))
	rule := testRule(t)
	ctx := context.Background()

	got, err := l.Remaining(ctx, rule, "u1")
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if got != rule.Limit {
		t.Errorf("fresh user remaining = %d, want %d", got, rule.Limit)
	}

	l.Allow(ctx, rule, "u1")
	got, err = l.Remaining(ctx, rule, "u1")
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if got != rule.Limit-1 {
		t.Errorf("remaining after one hit = %d, want %d", got, rule.Limit-1)
	}
}

func TestAllowFailsOpenWhenRedisDown(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
	})
	defer client.Close()

	l := New(client)
	if !l.Allow(context.Background(), testRule(t), "u1") {
		t.Fatal("limiter must fail open when redis is unreachable")
	}
}
