package redis

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/followup/internal/clock"
)

var testNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func setupTestRateLimiter(t *testing.T, limit int, window time.Duration) (*RateLimiter, *clock.Fake, func()) {
	t.Helper()
	client, _, cleanup := setupTestRedis(t)
	clk := clock.NewFake(testNow)

	limiter := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{
		Limit:  limit,
		Window: window,
		Clock:  clk,
	})

	return limiter, clk, cleanup
}

func TestRateLimiter_AllowsWithinLimit(t *testing.T) {
	limiter, _, cleanup := setupTestRateLimiter(t, 5, time.Minute)
	defer cleanup()

	ctx := context.Background()

	for i := 0; i < 5; i++ {
		result, err := limiter.Allow(ctx, "channel:whatsapp")
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		if !result.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if result.Remaining != 4-i {
			t.Errorf("request %d: expected remaining %d, got %d", i, 4-i, result.Remaining)
		}
	}
}

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	limiter, _, cleanup := setupTestRateLimiter(t, 3, time.Minute)
	defer cleanup()

	ctx := context.Background()

	// Use up the limit
	for i := 0; i < 3; i++ {
		result, _ := limiter.Allow(ctx, "channel:whatsapp")
		if !result.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}

	// Next request should be blocked
	result, err := limiter.Allow(ctx, "channel:whatsapp")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Allowed {
		t.Fatal("request should be blocked")
	}
	if result.Remaining != 0 {
		t.Errorf("expected remaining 0, got %d", result.Remaining)
	}
}

func TestRateLimiter_SeparateKeys(t *testing.T) {
	limiter, _, cleanup := setupTestRateLimiter(t, 2, time.Minute)
	defer cleanup()

	ctx := context.Background()

	// WhatsApp uses its limit
	for i := 0; i < 2; i++ {
		limiter.Allow(ctx, "channel:whatsapp")
	}

	// Calls still have the full limit
	result, _ := limiter.Allow(ctx, "channel:call")
	if !result.Allowed {
		t.Fatal("call channel should have its own budget")
	}
	if result.Remaining != 1 {
		t.Errorf("expected remaining 1, got %d", result.Remaining)
	}
}

func TestRateLimiter_AllowN(t *testing.T) {
	limiter, _, cleanup := setupTestRateLimiter(t, 10, time.Minute)
	defer cleanup()

	ctx := context.Background()

	// Request 5 at once
	result, err := limiter.AllowN(ctx, "channel:whatsapp", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Allowed {
		t.Fatal("should be allowed")
	}
	if result.Remaining != 5 {
		t.Errorf("expected remaining 5, got %d", result.Remaining)
	}

	// Request 6 more should fail
	result, _ = limiter.AllowN(ctx, "channel:whatsapp", 6)
	if result.Allowed {
		t.Fatal("should be blocked")
	}
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	limiter, clk, cleanup := setupTestRateLimiter(t, 2, time.Second)
	defer cleanup()

	ctx := context.Background()
	limiter.Allow(ctx, "channel:whatsapp")
	limiter.Allow(ctx, "channel:whatsapp")
	if result, _ := limiter.Allow(ctx, "channel:whatsapp"); result.Allowed {
		t.Fatal("third send inside the window should be blocked")
	}

	clk.Advance(1100 * time.Millisecond)
	result, err := limiter.Allow(ctx, "channel:whatsapp")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Allowed {
		t.Fatal("send after the window slid should be allowed")
	}
}

func TestRateLimiter_DenialResetsWhenOldestExpires(t *testing.T) {
	limiter, clk, cleanup := setupTestRateLimiter(t, 1, time.Second)
	defer cleanup()

	ctx := context.Background()
	first := clk.Now()
	limiter.Allow(ctx, "channel:whatsapp")

	clk.Advance(300 * time.Millisecond)
	result, err := limiter.Allow(ctx, "channel:whatsapp")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Allowed {
		t.Fatal("second send should be blocked")
	}

	want := first.Add(time.Second)
	if diff := result.ResetAt.Sub(want); diff < -time.Microsecond || diff > time.Microsecond {
		t.Errorf("reset at %v, want about %v", result.ResetAt, want)
	}
}
