// Package cleanup implements the periodic TTL sweep worker: the
// ticker-driven loop that deletes expired offers, credentials, nonces, and
// rate-limit counters from the storage backend.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/xtrdev/rondevu/pkg/ratelimit"
	"github.com/xtrdev/rondevu/pkg/storage"
)

// Worker periodically sweeps expired rows from the storage backend. It has
// no in-memory state of its own; correctness of a missed or doubled tick is
// guaranteed by the idempotency of the sweep itself.
type Worker struct {
	store    storage.Store
	memLimit *ratelimit.MemoryLimiter // nil when the rate limiter is Redis-backed
	logger   *slog.Logger
	interval time.Duration
}

// NewWorker creates a cleanup worker. memLimit may be nil if rate limiting
// is backed by Redis, which expires its own keys natively.
func NewWorker(store storage.Store, memLimit *ratelimit.MemoryLimiter, logger *slog.Logger, interval time.Duration) *Worker {
	return &Worker{store: store, memLimit: memLimit, logger: logger, interval: interval}
}

// Run blocks, sweeping at each tick, until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("cleanup worker started", "interval", w.interval)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("cleanup worker stopped")
			return nil
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

// tick performs one sweep. Each backend call errors independently; a
// failure in one sweep does not block the others.
func (w *Worker) tick(ctx context.Context) {
	now := time.Now().UnixMilli()

	if n, err := w.store.DeleteExpiredOffers(ctx, now); err != nil {
		w.logger.Error("sweeping expired offers", "error", err)
	} else if n > 0 {
		w.logger.Debug("swept expired offers", "count", n)
	}

	if n, err := w.store.DeleteExpiredCredentials(ctx, now); err != nil {
		w.logger.Error("sweeping expired credentials", "error", err)
	} else if n > 0 {
		w.logger.Debug("swept expired credentials", "count", n)
	}

	if n, err := w.store.DeleteExpiredNonces(ctx, now); err != nil {
		w.logger.Error("sweeping expired nonces", "error", err)
	} else if n > 0 {
		w.logger.Debug("swept expired nonces", "count", n)
	}

	if n, err := w.store.DeleteExpiredRateLimits(ctx, now); err != nil {
		w.logger.Error("sweeping expired rate limits", "error", err)
	} else if n > 0 {
		w.logger.Debug("swept expired rate limit counters", "count", n)
	}

	if w.memLimit != nil {
		counters, nonces := w.memLimit.Sweep()
		if counters > 0 || nonces > 0 {
			w.logger.Debug("swept in-process rate limiter", "counters", counters, "nonces", nonces)
		}
	}
}
