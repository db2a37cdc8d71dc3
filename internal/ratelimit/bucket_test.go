package ratelimit_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/basket/newsgraph/internal/ratelimit"
)

func TestTokenBucket_BurstThenReject(t *testing.T) {
	tb := ratelimit.NewTokenBucket(0.5, 2)
	if !tb.Allow() || !tb.Allow() {
		t.Fatal("expected burst of 2 to be admitted")
	}
	if tb.Allow() {
		t.Fatal("expected third call to be rejected")
	}
}

func TestTokenBucket_DefaultBurst(t *testing.T) {
	if got := ratelimit.NewTokenBucket(0.5, 0).Burst(); got != 1 {
		t.Fatalf("burst = %d, want 1", got)
	}
	if got := ratelimit.NewTokenBucket(4, 0).Burst(); got != 4 {
		t.Fatalf("burst = %d, want 4", got)
	}
}

func TestTokenBucket_WaitHonorsContext(t *testing.T) {
	tb := ratelimit.NewTokenBucket(0.01, 1)
	if err := tb.Wait(context.Background()); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := tb.Wait(ctx); err == nil {
		t.Fatal("expected wait to fail when the next token is far away")
	}
}

func TestTokenBucket_WaitRefills(t *testing.T) {
	tb := ratelimit.NewTokenBucket(50, 1)
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := tb.Wait(context.Background()); err != nil {
			t.Fatalf("wait %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("expected pacing of ~20ms per token, took %v", elapsed)
	}
}

func TestTokenBucket_UnlimitedAndSetRate(t *testing.T) {
	tb := ratelimit.NewTokenBucket(0, 1)
	if !math.IsInf(tb.Rate(), 1) {
		t.Fatalf("expected unlimited rate, got %v", tb.Rate())
	}
	for i := 0; i < 100; i++ {
		if !tb.Allow() {
			t.Fatal("unlimited bucket rejected a call")
		}
	}
	tb.SetRate(1, 1)
	if tb.Rate() != 1 {
		t.Fatalf("rate = %v, want 1", tb.Rate())
	}
}

func TestKeyed_PerKeyAndEviction(t *testing.T) {
	k := ratelimit.NewKeyed(0.1, 1)
	if !k.Allow("a") || k.Allow("a") {
		t.Fatal("expected key a to admit exactly one call")
	}
	if !k.Allow("b") {
		t.Fatal("key b must have its own bucket")
	}
	if k.Len() != 2 {
		t.Fatalf("len = %d, want 2", k.Len())
	}
	time.Sleep(5 * time.Millisecond)
	if evicted := k.EvictStale(time.Millisecond); evicted != 2 {
		t.Fatalf("evicted = %d, want 2", evicted)
	}
	if k.Len() != 0 {
		t.Fatalf("len = %d, want 0", k.Len())
	}
}
