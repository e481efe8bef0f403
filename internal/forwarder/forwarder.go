// Package forwarder owns the background drain loop that moves pending queue
// entries to the upstream ERP.
package forwarder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shiftwire/shiftwire/internal/types"
	"github.com/shiftwire/shiftwire/internal/upstream"
)

// Queue defines the queue operations needed by the forwarder.
type Queue interface {
	Claim(ctx context.Context, n, maxAttempts int) ([]types.QueueEntry, error)
	ClaimByIDs(ctx context.Context, ids []int64) ([]types.QueueEntry, error)
	MarkSynced(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, cause string, maxAttempts int) (int, bool, error)
	ResetTerminal(ctx context.Context) (int64, error)
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
	Stats(ctx context.Context) (*types.QueueStats, error)
}

// Upstream defines the upstream operations needed by the forwarder.
type Upstream interface {
	SubmitMany(ctx context.Context, events []types.AttendanceEvent) []upstream.Outcome
}

// State is the forwarder lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateRunning  State = "running"
	StateDraining State = "draining"
)

// Config holds the forwarder's runtime-tunable settings.
type Config struct {
	SyncInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	Retention    time.Duration
}

func (c Config) withDefaults() Config {
	if c.SyncInterval <= 0 {
		c.SyncInterval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Retention <= 0 {
		c.Retention = 30 * 24 * time.Hour
	}
	return c
}

// Status is the observable forwarder state returned by GET /sync/status.
type Status struct {
	State        State               `json:"state"`
	SyncInterval string              `json:"sync_interval"`
	BatchSize    int                 `json:"batch_size"`
	MaxAttempts  int                 `json:"max_attempts"`
	LastCycle    *types.CycleSummary `json:"last_cycle,omitempty"`
}

// Forwarder drains the durable queue into the upstream on a timer.
// Two drains never overlap; drainMu serialises them.
type Forwarder struct {
	queue    Queue
	upstream Upstream

	mu        sync.Mutex
	cfg       Config
	state     State
	lastCycle *types.CycleSummary

	drainMu    sync.Mutex
	reschedule chan struct{}
}

// New creates a forwarder in the stopped state.
func New(q Queue, u Upstream, cfg Config) *Forwarder {
	return &Forwarder{
		queue:      q,
		upstream:   u,
		cfg:        cfg.withDefaults(),
		state:      StateStopped,
		reschedule: make(chan struct{}, 1),
	}
}

// Run starts the drain loop and blocks until ctx is cancelled. An immediate
// drain runs on start; afterwards drains fire on each sync interval. On
// shutdown the in-flight cycle finishes before Run returns.
func (f *Forwarder) Run(ctx context.Context) {
	f.setState(StateRunning)
	slog.Info("worker started",
		"component", "forwarder",
		"action", "worker_started",
		"sync_interval", f.Config().SyncInterval.String(),
	)

	// Shutdown must not abandon an in-flight upstream call mid-transition;
	// drains run on a context that survives cancellation.
	drainCtx := context.WithoutCancel(ctx)

	f.drain(drainCtx, nil)

	ticker := time.NewTicker(f.Config().SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.setState(StateStopped)
			slog.Info("worker stopped",
				"component", "forwarder",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-f.reschedule:
			ticker.Reset(f.Config().SyncInterval)
		case <-ticker.C:
			f.drain(drainCtx, nil)
		}
	}
}

// Config returns a copy of the current configuration.
func (f *Forwarder) Config() Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg
}

// UpdateConfig atomically applies the non-nil fields and, if the loop is
// running, reschedules the timer.
func (f *Forwarder) UpdateConfig(syncInterval *time.Duration, batchSize, maxAttempts *int) Config {
	f.mu.Lock()
	if syncInterval != nil && *syncInterval > 0 {
		f.cfg.SyncInterval = *syncInterval
	}
	if batchSize != nil && *batchSize > 0 {
		f.cfg.BatchSize = *batchSize
	}
	if maxAttempts != nil && *maxAttempts > 0 {
		f.cfg.MaxAttempts = *maxAttempts
	}
	cfg := f.cfg
	running := f.state != StateStopped
	f.mu.Unlock()

	if running {
		select {
		case f.reschedule <- struct{}{}:
		default:
		}
	}

	slog.Info("forwarder config updated",
		"component", "forwarder",
		"action", "config_updated",
		"sync_interval", cfg.SyncInterval.String(),
		"batch_size", cfg.BatchSize,
		"max_attempts", cfg.MaxAttempts,
	)

	return cfg
}

// Status reports the current state, config and last cycle summary.
func (f *Forwarder) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Status{
		State:        f.state,
		SyncInterval: f.cfg.SyncInterval.String(),
		BatchSize:    f.cfg.BatchSize,
		MaxAttempts:  f.cfg.MaxAttempts,
		LastCycle:    f.lastCycle,
	}
}

// Trigger runs one drain cycle now.
func (f *Forwarder) Trigger(ctx context.Context) (types.CycleSummary, error) {
	return f.drain(ctx, nil), nil
}

// RetryFailed resets terminal entries to pending, then drains.
func (f *Forwarder) RetryFailed(ctx context.Context) (int64, types.CycleSummary, error) {
	reset, err := f.queue.ResetTerminal(ctx)
	if err != nil {
		return 0, types.CycleSummary{}, fmt.Errorf("reset terminal entries: %w", err)
	}

	slog.Info("terminal entries reset",
		"component", "forwarder",
		"action", "retry_failed",
		"count", reset,
	)

	return reset, f.drain(ctx, nil), nil
}

// ForceSync claims exactly the listed entries, ignoring the attempt cap,
// and drains them.
func (f *Forwarder) ForceSync(ctx context.Context, ids []int64) (types.CycleSummary, error) {
	if len(ids) == 0 {
		return types.CycleSummary{}, nil
	}
	return f.drain(ctx, ids), nil
}

// PruneNow deletes synced entries past the retention period.
func (f *Forwarder) PruneNow(ctx context.Context) (int64, error) {
	retention := f.Config().Retention
	count, err := f.queue.Prune(ctx, time.Now().UTC().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("prune queue: %w", err)
	}

	slog.Info("queue pruned",
		"component", "forwarder",
		"action", "prune",
		"count", count,
		"retention", retention.String(),
	)

	return count, nil
}

func (f *Forwarder) setState(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

// drain runs one cycle: claim, submit, mark. When ids is non-nil the claim
// is forced to exactly those entries.
func (f *Forwarder) drain(ctx context.Context, ids []int64) types.CycleSummary {
	f.drainMu.Lock()
	defer f.drainMu.Unlock()

	f.mu.Lock()
	cfg := f.cfg
	prev := f.state
	if prev != StateStopped {
		f.state = StateDraining
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		if f.state == StateDraining {
			f.state = prev
		}
		f.mu.Unlock()
	}()

	start := time.Now()
	summary := types.CycleSummary{StartedAt: start.UTC()}

	var entries []types.QueueEntry
	var err error
	if ids != nil {
		entries, err = f.queue.ClaimByIDs(ctx, ids)
	} else {
		entries, err = f.queue.Claim(ctx, cfg.BatchSize, cfg.MaxAttempts)
	}
	if err != nil {
		slog.Error("claim failed",
			"component", "forwarder",
			"action", "drain_failed",
			"error", err,
		)
		return summary
	}

	summary.Claimed = len(entries)
	if len(entries) == 0 {
		f.recordCycle(summary, start)
		return summary
	}

	events := make([]types.AttendanceEvent, len(entries))
	for i, e := range entries {
		events[i] = e.Event
	}

	outcomes := f.upstream.SubmitMany(ctx, events)

	for i, entry := range entries {
		outcome := outcomes[i]
		if outcome.Success {
			if err := f.queue.MarkSynced(ctx, entry.ID); err != nil {
				slog.Error("mark synced failed",
					"component", "forwarder",
					"entry_id", entry.ID,
					"error", err,
				)
				continue
			}
			summary.Synced++
			continue
		}

		attempts, terminal, err := f.queue.MarkFailed(ctx, entry.ID, outcome.Error, cfg.MaxAttempts)
		if err != nil {
			slog.Error("mark failed failed",
				"component", "forwarder",
				"entry_id", entry.ID,
				"error", err,
			)
			continue
		}
		summary.Failed++
		if terminal {
			summary.Terminal++
			slog.Warn("entry terminally failed",
				"component", "forwarder",
				"action", "entry_terminal",
				"entry_id", entry.ID,
				"fingerprint", entry.Fingerprint,
				"attempts", attempts,
			)
		}
	}

	f.recordCycle(summary, start)
	return summary
}

func (f *Forwarder) recordCycle(summary types.CycleSummary, start time.Time) {
	summary.Duration = time.Since(start).Milliseconds()

	f.mu.Lock()
	s := summary
	f.lastCycle = &s
	f.mu.Unlock()

	slog.Info("drain cycle completed",
		"component", "forwarder",
		"action", "cycle_complete",
		"claimed", summary.Claimed,
		"synced", summary.Synced,
		"failed", summary.Failed,
		"terminal", summary.Terminal,
		"duration_ms", summary.Duration,
	)
}
