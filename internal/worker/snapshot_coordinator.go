package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shiftwire/shiftwire/internal/queue"
	"github.com/shiftwire/shiftwire/internal/snapshot"
)

// SnapshotCapableQueue represents a queue that can generate database snapshots.
type SnapshotCapableQueue interface {
	GenerateSnapshot(ctx context.Context) error
	GetSnapshotPath(ctx context.Context) (string, error)
}

// SnapshotCoordinator periodically generates a point-in-time snapshot of the
// queue database and uploads it to S3-compatible storage when configured.
type SnapshotCoordinator struct {
	queue    SnapshotCapableQueue
	uploader snapshot.Uploader
	interval time.Duration
}

// NewSnapshotCoordinator creates a snapshot coordinator.
// The uploader parameter is optional; if nil, no upload is attempted.
func NewSnapshotCoordinator(q SnapshotCapableQueue, interval time.Duration, uploader snapshot.Uploader) *SnapshotCoordinator {
	return &SnapshotCoordinator{
		queue:    q,
		uploader: uploader,
		interval: interval,
	}
}

// Run starts the coordinator loop.
func (c *SnapshotCoordinator) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "snapshot-coordinator",
		"action", "worker_started",
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// Generate a snapshot immediately on start
	c.generateSnapshot(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "snapshot-coordinator",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.generateSnapshot(ctx)
		}
	}
}

func (c *SnapshotCoordinator) generateSnapshot(ctx context.Context) {
	if err := c.queue.GenerateSnapshot(ctx); err != nil {
		if ctx.Err() != nil || errors.Is(err, queue.ErrSnapshotInProgress) {
			return
		}
		slog.Warn("snapshot generation failed",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"action", "snapshot_failed",
			"error", err,
		)
		return
	}

	if c.uploader != nil {
		c.uploadSnapshot(ctx)
	}
}

// uploadSnapshot uploads the generated snapshot.
// Upload failures are logged as warnings but are NOT fatal — the local
// snapshot remains valid.
func (c *SnapshotCoordinator) uploadSnapshot(ctx context.Context) {
	path, err := c.queue.GetSnapshotPath(ctx)
	if err != nil {
		slog.Warn("failed to get snapshot path for upload",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"action", "snapshot_upload_failed",
			"error", err,
		)
		return
	}

	if err := c.uploader.Upload(ctx, path); err != nil {
		slog.Warn("snapshot upload failed",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"action", "snapshot_upload_failed",
			"error", err,
		)
		return
	}

	slog.Info("snapshot uploaded",
		"component", "worker",
		"worker", "snapshot-coordinator",
		"action", "snapshot_uploaded",
	)
}
