package cleanup

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/xtrdev/rondevu/pkg/ratelimit"
	"github.com/xtrdev/rondevu/pkg/storage"
	"github.com/xtrdev/rondevu/pkg/storage/memory"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTickSweepsExpiredOffers(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	now := time.Now() // tick sweeps against the real clock

	if _, err := store.CreateOffers(ctx, []storage.NewOfferInput{
		{ID: "expired", Username: "alice", SDP: "v=0", CreatedAt: now.UnixMilli() - 10_000, ExpiresAt: now.UnixMilli() - 1},
		{ID: "live", Username: "alice", SDP: "v=1", CreatedAt: now.UnixMilli(), ExpiresAt: now.UnixMilli() + 60_000},
	}); err != nil {
		t.Fatalf("CreateOffers() error: %v", err)
	}

	w := NewWorker(store, nil, discardLogger(), time.Second)
	w.tick(ctx)

	if _, err := store.GetOfferByID(ctx, "expired", now.UnixMilli()); err != storage.ErrNotFound {
		t.Errorf("expired offer survived sweep: err=%v", err)
	}
	if _, err := store.GetOfferByID(ctx, "live", now.UnixMilli()); err != nil {
		t.Errorf("live offer was swept: %v", err)
	}
}

func TestTickSweepsMemoryLimiter(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	mem := ratelimit.NewMemoryLimiter()

	if _, err := mem.CheckAndMarkNonce(ctx, "expired-nonce", -time.Hour); err != nil {
		t.Fatalf("CheckAndMarkNonce() error: %v", err)
	}

	w := NewWorker(store, mem, discardLogger(), time.Second)
	w.tick(ctx)

	ok, err := mem.CheckAndMarkNonce(ctx, "expired-nonce", time.Hour)
	if err != nil {
		t.Fatalf("CheckAndMarkNonce() error: %v", err)
	}
	if !ok {
		t.Error("nonce was not cleared by sweep — replay protection entry leaked past its TTL")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	store := memory.New()
	w := NewWorker(store, nil, discardLogger(), time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after context cancellation")
	}
}
