package store

import (
	"context"
	"log/slog"
	"time"
)

const retentionInterval = 5 * time.Minute

// StartRetentionWorker runs a background goroutine that periodically deletes
// transcript data older than ttl. A non-positive ttl disables the worker.
func StartRetentionWorker(ctx context.Context, repo Repository, ttl time.Duration) {
	if ttl <= 0 {
		slog.Info("Transcript retention disabled")
		return
	}

	ticker := time.NewTicker(retentionInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("Retention worker started", "interval", retentionInterval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				sweepExpired(ctx, repo, time.Now().Add(-ttl))
			case <-ctx.Done():
				slog.Info("Retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepExpired(ctx context.Context, repo Repository, cutoff time.Time) {
	sessions, entries, err := repo.DeleteBefore(ctx, cutoff)
	if err != nil {
		if ctx.Err() != nil {
			slog.Debug("Retention sweep canceled", "error", err)
			return
		}
		slog.Error("Retention worker failed to delete expired transcripts", "error", err)
		return
	}
	if sessions > 0 || entries > 0 {
		slog.Info("Retention worker removed expired transcripts", "sessions", sessions, "entries", entries)
	}
}
