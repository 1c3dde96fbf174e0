package idempotency

import (
	"context"
	"time"
)

// CleanupConfig drives the periodic purge of expired keys.
type CleanupConfig struct {
	Interval  time.Duration
	BatchSize int
	Clock     func() time.Time
	Logger    Logger
}

// RunCleanup purges expired records every interval until ctx is cancelled. Each tick drains
// full batches so a backlog clears in one pass.
func RunCleanup(ctx context.Context, store Store, cfg CleanupConfig) {
	if store == nil {
		return
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := CleanupOnce(ctx, store, cfg.Clock().UTC(), cfg.BatchSize)
			if cfg.Logger == nil {
				continue
			}
			if err != nil {
				cfg.Logger(ctx, "idempotency.cleanup_failed", map[string]any{"removed": removed, "error": err.Error()})
				continue
			}
			if removed > 0 {
				cfg.Logger(ctx, "idempotency.cleanup", map[string]any{"removed": removed})
			}
		}
	}
}

// CleanupOnce removes expired records in batches until a short batch signals the end.
func CleanupOnce(ctx context.Context, store Store, now time.Time, batch int) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		removed, err := store.CleanupExpired(ctx, now, batch)
		total += removed
		if err != nil {
			return total, err
		}
		if removed < batch {
			return total, nil
		}
	}
}
