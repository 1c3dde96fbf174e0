package services

import (
	"context"
	"time"
)

const defaultSweepInterval = 5 * time.Minute

// SweeperConfig drives the periodic auto-complete sweep.
type SweeperConfig struct {
	Interval time.Duration
	Limit    int
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

// RunAutoCompleteSweeper completes overdue IN_PROGRESS orders every interval until ctx
// is cancelled. It backs up the in-process timers, which do not survive a restart.
func RunAutoCompleteSweeper(ctx context.Context, orders OrderService, cfg SweeperConfig) {
	if orders == nil {
		return
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultSweepInterval
	}
	if cfg.Limit <= 0 {
		cfg.Limit = defaultSweepLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = func(context.Context, string, map[string]any) {}
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepOnce(ctx, orders, cfg)
		}
	}
}

func sweepOnce(ctx context.Context, orders OrderService, cfg SweeperConfig) {
	result, err := orders.SweepAutoCompletions(ctx, cfg.Limit)
	if err != nil {
		cfg.Logger(ctx, "order.autocomplete.sweep_failed", map[string]any{"error": err.Error()})
		return
	}
	if result.Completed > 0 || result.Skipped > 0 {
		cfg.Logger(ctx, "order.autocomplete.sweep", map[string]any{
			"examined":  result.Examined,
			"completed": result.Completed,
			"skipped":   result.Skipped,
		})
	}
}
