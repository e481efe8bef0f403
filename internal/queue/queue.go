package queue

import (
	"context"
	"errors"
	"time"

	"github.com/shiftwire/shiftwire/internal/types"
)

var (
	// ErrNotFound indicates no entry exists for the given key.
	ErrNotFound = errors.New("queue entry not found")

	// ErrInvalidState indicates a state transition from a disallowed source state.
	ErrInvalidState = errors.New("invalid entry state for transition")

	// ErrSnapshotInProgress indicates snapshot generation is already running.
	ErrSnapshotInProgress = errors.New("snapshot generation in progress")

	// ErrSnapshotNotAvailable indicates no snapshot has been generated.
	ErrSnapshotNotAvailable = errors.New("snapshot not available")
)

// Queue is the contract for the durable attendance record store.
// Entries are keyed by fingerprint; insertion is idempotent per fingerprint.
type Queue interface {
	// Lookup returns the entry for a fingerprint, or ErrNotFound.
	Lookup(ctx context.Context, fingerprint string) (*types.QueueEntry, error)

	// Enqueue inserts a pending entry for the event. If the fingerprint
	// already exists the existing entry is returned with created=false.
	Enqueue(ctx context.Context, event types.AttendanceEvent, fingerprint, batchID string) (entry *types.QueueEntry, created bool, err error)

	// Claim returns up to n pending entries with attempts below maxAttempts,
	// oldest first. Claim does not mark the returned entries in flight: they
	// stay pending, and another Claim before they are marked returns them again.
	Claim(ctx context.Context, n, maxAttempts int) ([]types.QueueEntry, error)

	// ClaimByIDs returns the listed entries regardless of attempt count,
	// skipping entries already synced. Claimed failed_terminal entries are
	// returned to pending.
	ClaimByIDs(ctx context.Context, ids []int64) ([]types.QueueEntry, error)

	// MarkSynced transitions pending → synced. Re-marking a synced entry is
	// a no-op; any other source state returns ErrInvalidState.
	MarkSynced(ctx context.Context, id int64) error

	// MarkFailed increments attempts, records the error, and promotes to
	// failed_terminal when attempts reach maxAttempts.
	MarkFailed(ctx context.Context, id int64, cause string, maxAttempts int) (attempts int, terminal bool, err error)

	// ResetTerminal moves all failed_terminal entries back to pending with
	// attempts=0 and no last error. Returns the number of entries reset.
	ResetTerminal(ctx context.Context) (int64, error)

	// Prune deletes synced entries whose synced_at is before the cutoff.
	Prune(ctx context.Context, olderThan time.Time) (int64, error)

	// PendingEntries returns up to limit pending entries, oldest first,
	// without claiming them.
	PendingEntries(ctx context.Context, limit int) ([]types.QueueEntry, error)

	// EntriesByBatch returns all entries tagged with the batch id.
	EntriesByBatch(ctx context.Context, batchID string) ([]types.QueueEntry, error)

	// Stats returns entry counts by state.
	Stats(ctx context.Context) (*types.QueueStats, error)

	Close() error
}
