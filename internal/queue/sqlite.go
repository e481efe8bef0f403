package queue

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shiftwire/shiftwire/internal/types"
	_ "modernc.org/sqlite"
)

// SQLiteQueue is the SQLite-backed durable attendance queue.
type SQLiteQueue struct {
	db     *sql.DB
	dbPath string

	// claimMu serialises the claim region: the queue assumes a single
	// forwarder process and enforces single-writer claims in-process.
	claimMu sync.Mutex

	snapshotMu   sync.Mutex
	lastSnapshot *time.Time
}

// NewSQLiteQueue opens (or creates) the queue database at dbPath.
// It enables WAL mode, applies pragmas, and runs migrations.
func NewSQLiteQueue(dbPath string) (*SQLiteQueue, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// For in-memory databases, limit to single connection to ensure all
	// operations see the same database (each :memory: connection gets its own DB)
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteQueue{db: db, dbPath: dbPath}, nil
}

// enablePragmas sets SQLite pragmas for optimal performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}

// DB exposes the underlying handle for stores sharing the same database file.
func (q *SQLiteQueue) DB() *sql.DB {
	return q.db
}

const entryColumns = `id, fingerprint, employee_id, event_time, kind, device_id, site_id,
       latitude, longitude, client_record_id, batch_id, state, attempts,
       last_error, first_seen_at, last_attempt_at, synced_at`

// scanEntry scans a row into a QueueEntry, parsing timestamps and nullables.
func scanEntry(scanner interface{ Scan(...any) error }) (*types.QueueEntry, error) {
	var entry types.QueueEntry
	var eventTime, firstSeenAt string
	var lastError sql.NullString
	var lastAttemptAt, syncedAt sql.NullString
	var latitude, longitude sql.NullFloat64

	err := scanner.Scan(
		&entry.ID,
		&entry.Fingerprint,
		&entry.Event.EmployeeID,
		&eventTime,
		&entry.Event.Kind,
		&entry.Event.DeviceID,
		&entry.Event.SiteID,
		&latitude,
		&longitude,
		&entry.Event.ClientRecordID,
		&entry.BatchID,
		&entry.State,
		&entry.Attempts,
		&lastError,
		&firstSeenAt,
		&lastAttemptAt,
		&syncedAt,
	)
	if err != nil {
		return nil, err
	}

	if latitude.Valid {
		v := latitude.Float64
		entry.Event.Latitude = &v
	}
	if longitude.Valid {
		v := longitude.Float64
		entry.Event.Longitude = &v
	}
	if lastError.Valid {
		v := lastError.String
		entry.LastError = &v
	}

	if t, err := time.Parse(time.RFC3339, eventTime); err == nil {
		entry.Event.Timestamp = t
	}
	if t, err := time.Parse(time.RFC3339, firstSeenAt); err == nil {
		entry.FirstSeenAt = t
	}
	if lastAttemptAt.Valid {
		if t, err := time.Parse(time.RFC3339, lastAttemptAt.String); err == nil {
			entry.LastAttemptAt = &t
		}
	}
	if syncedAt.Valid {
		if t, err := time.Parse(time.RFC3339, syncedAt.String); err == nil {
			entry.SyncedAt = &t
		}
	}

	return &entry, nil
}

// Lookup returns the entry for a fingerprint, or ErrNotFound.
func (q *SQLiteQueue) Lookup(ctx context.Context, fp string) (*types.QueueEntry, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE fingerprint = ?
	`, fp)

	entry, err := scanEntry(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan row: %w", err)
	}

	return entry, nil
}

// Enqueue inserts a pending entry for the event, idempotent per fingerprint.
// The first insert wins; a replay returns the existing entry with created=false.
func (q *SQLiteQueue) Enqueue(ctx context.Context, event types.AttendanceEvent, fp, batchID string) (*types.QueueEntry, bool, error) {
	now := time.Now().UTC()

	var latitude, longitude any
	if event.Latitude != nil {
		latitude = *event.Latitude
	}
	if event.Longitude != nil {
		longitude = *event.Longitude
	}

	// INSERT OR IGNORE serialises the first-enqueue-wins race at the unique
	// fingerprint index; losers fall through to the existing row.
	res, err := q.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO queue_entries (
			fingerprint, employee_id, event_time, kind, device_id, site_id,
			latitude, longitude, client_record_id, batch_id, state, attempts,
			first_seen_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', 0, ?)
	`,
		fp,
		event.EmployeeID,
		event.Timestamp.UTC().Truncate(time.Second).Format(time.RFC3339),
		string(event.Kind),
		event.DeviceID,
		event.SiteID,
		latitude,
		longitude,
		event.ClientRecordID,
		batchID,
		now.Format(time.RFC3339),
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert entry: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("get rows affected: %w", err)
	}

	entry, err := q.Lookup(ctx, fp)
	if err != nil {
		return nil, false, fmt.Errorf("lookup after insert: %w", err)
	}

	return entry, rows > 0, nil
}

// Claim returns up to n pending entries with attempts below maxAttempts,
// ordered by first_seen_at ascending. The claim region is mutex-guarded, so
// claims run one at a time, but the returned entries stay pending: a later
// Claim before they are marked returns them again.
func (q *SQLiteQueue) Claim(ctx context.Context, n, maxAttempts int) ([]types.QueueEntry, error) {
	q.claimMu.Lock()
	defer q.claimMu.Unlock()

	rows, err := q.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE state = 'pending' AND attempts < ?
		ORDER BY first_seen_at ASC, id ASC
		LIMIT ?
	`, maxAttempts, n)
	if err != nil {
		return nil, fmt.Errorf("query pending entries: %w", err)
	}
	defer rows.Close()

	return collectEntries(rows)
}

// ClaimByIDs returns the listed entries regardless of attempt count.
// Synced entries are skipped: a terminal positive state is never re-sent.
// Claimed failed_terminal entries are returned to pending so the forwarder
// can transition them normally.
func (q *SQLiteQueue) ClaimByIDs(ctx context.Context, ids []int64) ([]types.QueueEntry, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	q.claimMu.Lock()
	defer q.claimMu.Unlock()

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	_, err := q.db.ExecContext(ctx, `
		UPDATE queue_entries
		SET state = 'pending'
		WHERE id IN (`+placeholders+`) AND state = 'failed_terminal'
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("requeue terminal entries: %w", err)
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE id IN (`+placeholders+`) AND state != 'synced'
		ORDER BY first_seen_at ASC, id ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries by id: %w", err)
	}
	defer rows.Close()

	return collectEntries(rows)
}

func collectEntries(rows *sql.Rows) ([]types.QueueEntry, error) {
	var entries []types.QueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		entries = append(entries, *entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return entries, nil
}

// MarkSynced transitions pending → synced and stamps synced_at.
func (q *SQLiteQueue) MarkSynced(ctx context.Context, id int64) error {
	now := time.Now().UTC().Format(time.RFC3339)

	result, err := q.db.ExecContext(ctx, `
		UPDATE queue_entries
		SET state = 'synced', synced_at = ?
		WHERE id = ? AND state = 'pending'
	`, now, id)
	if err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	// Nothing transitioned: distinguish missing, already-synced, and invalid.
	var state string
	err = q.db.QueryRowContext(ctx,
		"SELECT state FROM queue_entries WHERE id = ?", id).Scan(&state)
	if err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return fmt.Errorf("check entry state: %w", err)
	}

	if types.EntryState(state) == types.StateSynced {
		return nil // idempotent re-mark
	}
	return fmt.Errorf("%w: cannot mark %s entry synced", ErrInvalidState, state)
}

// MarkFailed increments attempts, records the cause, and promotes the entry
// to failed_terminal once attempts reach maxAttempts.
func (q *SQLiteQueue) MarkFailed(ctx context.Context, id int64, cause string, maxAttempts int) (int, bool, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var state string
	var attempts int
	err = tx.QueryRowContext(ctx,
		"SELECT state, attempts FROM queue_entries WHERE id = ?", id).Scan(&state, &attempts)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, false, ErrNotFound
		}
		return 0, false, fmt.Errorf("fetch entry: %w", err)
	}

	if types.EntryState(state) != types.StatePending {
		return attempts, false, fmt.Errorf("%w: cannot mark %s entry failed", ErrInvalidState, state)
	}

	attempts++
	terminal := attempts >= maxAttempts

	newState := string(types.StatePending)
	if terminal {
		newState = string(types.StateFailedTerminal)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE queue_entries
		SET state = ?, attempts = ?, last_error = ?, last_attempt_at = ?
		WHERE id = ?
	`, newState, attempts, cause, now, id)
	if err != nil {
		return 0, false, fmt.Errorf("update entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit transaction: %w", err)
	}

	return attempts, terminal, nil
}

// ResetTerminal moves all failed_terminal entries back to pending.
func (q *SQLiteQueue) ResetTerminal(ctx context.Context) (int64, error) {
	result, err := q.db.ExecContext(ctx, `
		UPDATE queue_entries
		SET state = 'pending', attempts = 0, last_error = NULL
		WHERE state = 'failed_terminal'
	`)
	if err != nil {
		return 0, fmt.Errorf("reset terminal entries: %w", err)
	}

	return result.RowsAffected()
}

// Prune deletes synced entries older than the cutoff.
func (q *SQLiteQueue) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := q.db.ExecContext(ctx, `
		DELETE FROM queue_entries
		WHERE state = 'synced' AND synced_at < ?
	`, olderThan.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("prune synced entries: %w", err)
	}

	return result.RowsAffected()
}

// PendingEntries returns up to limit pending entries without claiming them.
func (q *SQLiteQueue) PendingEntries(ctx context.Context, limit int) ([]types.QueueEntry, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE state = 'pending'
		ORDER BY first_seen_at ASC, id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending entries: %w", err)
	}
	defer rows.Close()

	return collectEntries(rows)
}

// EntriesByBatch returns all entries tagged with the batch id.
func (q *SQLiteQueue) EntriesByBatch(ctx context.Context, batchID string) ([]types.QueueEntry, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE batch_id = ?
		ORDER BY first_seen_at ASC, id ASC
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("query batch entries: %w", err)
	}
	defer rows.Close()

	return collectEntries(rows)
}

// Stats returns entry counts by state.
func (q *SQLiteQueue) Stats(ctx context.Context) (*types.QueueStats, error) {
	stats := &types.QueueStats{}

	// COALESCE handles the empty table case (SUM returns NULL when no rows)
	err := q.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN state = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'synced' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'failed_terminal' THEN 1 ELSE 0 END), 0)
		FROM queue_entries
	`).Scan(&stats.Total, &stats.Pending, &stats.Synced, &stats.FailedTerminal)
	if err != nil {
		return nil, fmt.Errorf("stats query: %w", err)
	}

	return stats, nil
}

// snapshotDir returns the directory for snapshot files.
func (q *SQLiteQueue) snapshotDir() string {
	return filepath.Join(filepath.Dir(q.dbPath), "snapshots")
}

// snapshotPath returns the path to the current snapshot file.
func (q *SQLiteQueue) snapshotPath() string {
	return filepath.Join(q.snapshotDir(), "current.db")
}

// GenerateSnapshot generates a point-in-time snapshot of the queue database.
// Returns ErrSnapshotInProgress if generation is already running.
func (q *SQLiteQueue) GenerateSnapshot(ctx context.Context) error {
	if !q.snapshotMu.TryLock() {
		return ErrSnapshotInProgress
	}
	defer q.snapshotMu.Unlock()

	start := time.Now()

	snapshotDir := q.snapshotDir()
	if err := os.MkdirAll(snapshotDir, 0755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}

	// Temp filename for atomic replacement
	tempPath := filepath.Join(snapshotDir, fmt.Sprintf("snapshot_%d.db.tmp", time.Now().UnixNano()))
	finalPath := q.snapshotPath()

	// VACUUM INTO gives a point-in-time backup without blocking writers
	_, err := q.db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", tempPath))
	if err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("vacuum into snapshot: %w", err)
	}

	var sizeBytes int64
	if info, err := os.Stat(tempPath); err == nil {
		sizeBytes = info.Size()
	}

	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename snapshot: %w", err)
	}

	now := time.Now().UTC()
	q.lastSnapshot = &now

	slog.Info("snapshot generated",
		"component", "queue",
		"action", "snapshot_complete",
		"duration_ms", time.Since(start).Milliseconds(),
		"size_bytes", sizeBytes,
	)

	return nil
}

// GetSnapshotPath returns the filesystem path to the current snapshot.
// Returns ErrSnapshotNotAvailable if no snapshot has been generated.
func (q *SQLiteQueue) GetSnapshotPath(ctx context.Context) (string, error) {
	path := q.snapshotPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return "", ErrSnapshotNotAvailable
	}
	return path, nil
}
