// Package worker holds the ticker-driven background coordinators owned by
// the running service.
package worker

import (
	"context"
	"log/slog"
	"time"
)

// PrunableQueue defines the queue operations needed by the retention worker.
type PrunableQueue interface {
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// SessionSweeper defines the session store operations needed by the
// retention worker.
type SessionSweeper interface {
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionCoordinator periodically prunes synced queue entries past the
// retention period and sweeps expired sessions.
type RetentionCoordinator struct {
	queue     PrunableQueue
	sessions  SessionSweeper
	interval  time.Duration
	retention time.Duration
}

// NewRetentionCoordinator creates a retention coordinator.
func NewRetentionCoordinator(q PrunableQueue, s SessionSweeper, interval, retention time.Duration) *RetentionCoordinator {
	return &RetentionCoordinator{
		queue:     q,
		sessions:  s,
		interval:  interval,
		retention: retention,
	}
}

// Run starts the coordinator loop. Blocks until ctx is cancelled.
func (c *RetentionCoordinator) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "retention-coordinator",
		"action", "worker_started",
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// Sweep immediately on start, then on each tick
	c.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "retention-coordinator",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

func (c *RetentionCoordinator) sweep(ctx context.Context) {
	now := time.Now().UTC()

	pruned, err := c.queue.Prune(ctx, now.Add(-c.retention))
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Error("queue prune failed",
			"component", "worker",
			"worker", "retention-coordinator",
			"action", "prune_failed",
			"error", err,
		)
	}

	swept, err := c.sessions.DeleteExpired(ctx, now)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Error("session sweep failed",
			"component", "worker",
			"worker", "retention-coordinator",
			"action", "session_sweep_failed",
			"error", err,
		)
	}

	if pruned > 0 || swept > 0 {
		slog.Info("retention sweep completed",
			"component", "worker",
			"worker", "retention-coordinator",
			"action", "sweep_complete",
			"entries_pruned", pruned,
			"sessions_swept", swept,
		)
	}
}
