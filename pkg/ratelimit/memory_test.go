package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestMemoryLimiterAllowWindow(t *testing.T) {
	l := NewMemoryLimiter()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "1.2.3.4", 3, time.Hour)
		if err != nil || !ok {
			t.Fatalf("Allow() call %d = %v, %v, want true", i, ok, err)
		}
	}
	ok, err := l.Allow(ctx, "1.2.3.4", 3, time.Hour)
	if err != nil || ok {
		t.Fatalf("Allow() over limit = %v, %v, want false", ok, err)
	}
}

func TestMemoryLimiterNonceOnce(t *testing.T) {
	l := NewMemoryLimiter()
	ctx := context.Background()

	first, err := l.CheckAndMarkNonce(ctx, "a:nonce-1", time.Minute)
	if err != nil || !first {
		t.Fatalf("CheckAndMarkNonce() first = %v, %v, want true", first, err)
	}
	second, err := l.CheckAndMarkNonce(ctx, "a:nonce-1", time.Minute)
	if err != nil || second {
		t.Fatalf("CheckAndMarkNonce() replay = %v, %v, want false", second, err)
	}
}

func TestMemoryLimiterSweepExpired(t *testing.T) {
	l := NewMemoryLimiter()
	ctx := context.Background()
	l.Allow(ctx, "short-lived", 1, time.Nanosecond)
	l.CheckAndMarkNonce(ctx, "n1", time.Nanosecond)

	time.Sleep(time.Millisecond)
	counters, nonces := l.Sweep()
	if counters != 1 || nonces != 1 {
		t.Errorf("Sweep() = (%d, %d), want (1, 1)", counters, nonces)
	}
}
