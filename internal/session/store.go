package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shiftwire/shiftwire/internal/types"
)

// Store persists sessions in the gateway's SQLite database. The sessions
// table is created by the shared goose migrations.
type Store struct {
	db *sql.DB
}

// NewStore wraps an already-migrated database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const sessionColumns = `session_id, subject_id, device_id, remote_addr, user_agent, state,
       termination_reason, created_at, last_active_at, access_expires_at, refresh_expires_at`

func scanSession(scanner interface{ Scan(...any) error }) (*types.Session, error) {
	var s types.Session
	var reason sql.NullString
	var createdAt, lastActiveAt, accessExpiresAt, refreshExpiresAt string

	err := scanner.Scan(
		&s.SessionID,
		&s.SubjectID,
		&s.DeviceID,
		&s.RemoteAddr,
		&s.UserAgent,
		&s.State,
		&reason,
		&createdAt,
		&lastActiveAt,
		&accessExpiresAt,
		&refreshExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	if reason.Valid {
		v := reason.String
		s.TerminationReason = &v
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		s.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, lastActiveAt); err == nil {
		s.LastActiveAt = t
	}
	if t, err := time.Parse(time.RFC3339, accessExpiresAt); err == nil {
		s.AccessExpiresAt = t
	}
	if t, err := time.Parse(time.RFC3339, refreshExpiresAt); err == nil {
		s.RefreshExpiresAt = t
	}

	return &s, nil
}

// Create inserts a new active session and enforces the per-subject cap in the
// same transaction: if the subject now exceeds maxActive sessions, the oldest
// are terminated with reason concurrent_limit_exceeded. Returns the ids of
// the evicted sessions.
func (st *Store) Create(ctx context.Context, s *types.Session, maxActive int) ([]string, error) {
	tx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (
			session_id, subject_id, device_id, remote_addr, user_agent, state,
			created_at, last_active_at, access_expires_at, refresh_expires_at
		) VALUES (?, ?, ?, ?, ?, 'active', ?, ?, ?, ?)
	`,
		s.SessionID,
		s.SubjectID,
		s.DeviceID,
		s.RemoteAddr,
		s.UserAgent,
		s.CreatedAt.UTC().Format(time.RFC3339),
		s.LastActiveAt.UTC().Format(time.RFC3339),
		s.AccessExpiresAt.UTC().Format(time.RFC3339),
		s.RefreshExpiresAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	// Active sessions beyond the newest maxActive, i.e. the oldest ones
	rows, err := tx.QueryContext(ctx, `
		SELECT session_id FROM sessions
		WHERE subject_id = ? AND state = 'active'
		ORDER BY created_at DESC, session_id DESC
		LIMIT -1 OFFSET ?
	`, s.SubjectID, maxActive)
	if err != nil {
		return nil, fmt.Errorf("query excess sessions: %w", err)
	}

	var evicted []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		evicted = append(evicted, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate excess sessions: %w", err)
	}

	for _, id := range evicted {
		_, err := tx.ExecContext(ctx, `
			UPDATE sessions
			SET state = 'terminated', termination_reason = ?
			WHERE session_id = ? AND state = 'active'
		`, types.ReasonConcurrentLimitExceeded, id)
		if err != nil {
			return nil, fmt.Errorf("terminate excess session: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	return evicted, nil
}

// Get returns a session by id, or ErrSessionNotFound.
func (st *Store) Get(ctx context.Context, sessionID string) (*types.Session, error) {
	row := st.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE session_id = ?
	`, sessionID)

	s, err := scanSession(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}

	return s, nil
}

// Touch updates the session's last-activity timestamp.
func (st *Store) Touch(ctx context.Context, sessionID string) error {
	_, err := st.db.ExecContext(ctx, `
		UPDATE sessions SET last_active_at = ?
		WHERE session_id = ? AND state = 'active'
	`, time.Now().UTC().Format(time.RFC3339), sessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// Terminate marks a session terminated. A terminated session never becomes
// active again; re-terminating is a no-op that preserves the original reason.
func (st *Store) Terminate(ctx context.Context, sessionID, reason string) error {
	result, err := st.db.ExecContext(ctx, `
		UPDATE sessions
		SET state = 'terminated', termination_reason = ?
		WHERE session_id = ? AND state = 'active'
	`, reason, sessionID)
	if err != nil {
		return fmt.Errorf("terminate session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		// Missing vs already terminated
		var state string
		err := st.db.QueryRowContext(ctx,
			"SELECT state FROM sessions WHERE session_id = ?", sessionID).Scan(&state)
		if err == sql.ErrNoRows {
			return ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("check session state: %w", err)
		}
	}

	return nil
}

// ListActive returns the subject's active sessions, newest first.
func (st *Store) ListActive(ctx context.Context, subjectID string) ([]types.Session, error) {
	rows, err := st.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE subject_id = ? AND state = 'active'
		ORDER BY created_at DESC, session_id DESC
	`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("query active sessions: %w", err)
	}
	defer rows.Close()

	var sessions []types.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	return sessions, nil
}

// DeleteExpired removes sessions whose refresh expiry passed before the
// cutoff. Terminated sessions are kept until then so token validation can
// still distinguish an inactive session from an unknown one. Returns the
// number deleted.
func (st *Store) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := st.db.ExecContext(ctx, `
		DELETE FROM sessions
		WHERE refresh_expires_at < ?
	`, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}

	return result.RowsAffected()
}
