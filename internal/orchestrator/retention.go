package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/remedylabs/remedy/internal/store"
)

const retentionWorkerInterval = 5 * time.Minute

// StartRetentionWorker runs a background goroutine that periodically removes
// finished sessions older than the retention window: their persisted records,
// their replay buffers and their live registry entries.
func StartRetentionWorker(ctx context.Context, repo store.Repository, o *Orchestrator, retention time.Duration) {
	ticker := time.NewTicker(retentionWorkerInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("retention worker started", "interval", retentionWorkerInterval, "retention", retention)

		for {
			select {
			case <-ticker.C:
				sweepFinishedSessions(ctx, repo, o, retention)
			case <-ctx.Done():
				slog.Info("retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepFinishedSessions(ctx context.Context, repo store.Repository, o *Orchestrator, retention time.Duration) {
	removed, err := repo.CleanupTerminalSessions(ctx, retention)
	if err != nil {
		slog.Error("retention worker failed to remove finished sessions", "error", err)
		return
	}
	dropped := o.SweepFinished(retention)

	if len(removed) > 0 || dropped > 0 {
		slog.Info("retention worker cleanup completed",
			"persisted_removed", len(removed), "live_dropped", dropped)
	}
}
