package store

import (
	"context"
	"log/slog"
	"time"
)

// ExpiryConfig controls the expiry worker.
type ExpiryConfig struct {
	Interval  time.Duration
	TTL       time.Duration
	Retention time.Duration
}

// ExpireCallback is called for each session the worker expires.
type ExpireCallback func(sessionID string)

// StartExpiryWorker runs a background goroutine that periodically marks
// idle sessions as expired and purges expired sessions past retention.
func StartExpiryWorker(ctx context.Context, repo Repository, cfg ExpiryConfig, onExpire ExpireCallback) {
	ticker := time.NewTicker(cfg.Interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Expiry worker started", "interval", cfg.Interval, "ttl", cfg.TTL, "retention", cfg.Retention)

		for {
			select {
			case <-ticker.C:
				Sweep(ctx, repo, cfg, time.Now(), onExpire)
			case <-ctx.Done():
				slog.Info("Expiry worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep runs one expiry pass.
func Sweep(ctx context.Context, repo Repository, cfg ExpiryConfig, now time.Time, onExpire ExpireCallback) {
	expired, err := repo.ExpireIdle(ctx, cfg.TTL, now)
	if err != nil {
		slog.Error("Expiry worker failed to expire idle sessions", "error", err)
	}
	if len(expired) > 0 {
		slog.Info("Expiry worker expired sessions", "count", len(expired))
		if onExpire != nil {
			for _, id := range expired {
				onExpire(id)
			}
		}
	}

	if cfg.Retention <= 0 {
		return
	}
	if deleted, err := repo.PurgeExpired(ctx, cfg.Retention, now); err != nil {
		slog.Error("Expiry worker failed to purge expired sessions", "error", err)
	} else if deleted > 0 {
		slog.Info("Expiry worker purged expired sessions", "count", deleted)
	}
}
