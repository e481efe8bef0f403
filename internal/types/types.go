package types

import (
	"encoding/json"
	"time"
)

// EventKind classifies an attendance event.
type EventKind string

const (
	KindClockIn  EventKind = "clock-in"
	KindClockOut EventKind = "clock-out"
)

// AttendanceEvent is a single clock-in or clock-out submitted by a device.
type AttendanceEvent struct {
	EmployeeID     string    `json:"employee_id"`
	Timestamp      time.Time `json:"timestamp"`
	Kind           EventKind `json:"kind"`
	DeviceID       string    `json:"device_id,omitempty"`
	SiteID         string    `json:"site_id,omitempty"`
	Latitude       *float64  `json:"latitude,omitempty"`
	Longitude      *float64  `json:"longitude,omitempty"`
	ClientRecordID string    `json:"client_record_id,omitempty"`
}

// EntryState is the lifecycle state of a queued attendance record.
type EntryState string

const (
	StatePending        EntryState = "pending"
	StateSynced         EntryState = "synced"
	StateFailedTerminal EntryState = "failed_terminal"
)

// QueueEntry is a persisted attendance record awaiting (or past) upstream delivery.
type QueueEntry struct {
	ID            int64           `json:"id"`
	Fingerprint   string          `json:"fingerprint"`
	Event         AttendanceEvent `json:"event"`
	BatchID       string          `json:"batch_id,omitempty"`
	State         EntryState      `json:"state"`
	Attempts      int             `json:"attempts"`
	LastError     *string         `json:"last_error,omitempty"`
	FirstSeenAt   time.Time       `json:"first_seen_at"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
	SyncedAt      *time.Time      `json:"synced_at,omitempty"`
}

// QueueStats holds entry counts by state.
type QueueStats struct {
	Pending        int64 `json:"pending"`
	Synced         int64 `json:"synced"`
	FailedTerminal int64 `json:"failed_terminal"`
	Total          int64 `json:"total"`
}

// SessionState is the lifecycle state of a device session.
type SessionState string

const (
	SessionActive     SessionState = "active"
	SessionTerminated SessionState = "terminated"
)

// Termination reasons recorded when a session leaves the active state.
const (
	ReasonLogout                  = "logout"
	ReasonConcurrentLimitExceeded = "concurrent_limit_exceeded"
	ReasonRevoked                 = "revoked"
)

// Session is the server-side revocable binding between issued tokens and a subject.
type Session struct {
	SessionID         string       `json:"session_id"`
	SubjectID         string       `json:"subject_id"`
	DeviceID          string       `json:"device_id,omitempty"`
	RemoteAddr        string       `json:"remote_addr,omitempty"`
	UserAgent         string       `json:"user_agent,omitempty"`
	State             SessionState `json:"state"`
	TerminationReason *string      `json:"termination_reason,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	LastActiveAt      time.Time    `json:"last_active_at"`
	AccessExpiresAt   time.Time    `json:"access_expires_at"`
	RefreshExpiresAt  time.Time    `json:"refresh_expires_at"`
}

// --- API payload types ---

// ClockRequest is the body of POST /attendance/clock.
type ClockRequest struct {
	AttendanceEvent
}

// ClockResult is the per-record outcome of a clock or batch submission.
type ClockResult struct {
	RecordID  string `json:"record_id"`
	Synced    bool   `json:"synced"`
	Queued    bool   `json:"queued"`
	Duplicate bool   `json:"duplicate"`
	Error     string `json:"error,omitempty"`
}

// BatchRequest is the body of POST /attendance/batch.
type BatchRequest struct {
	Records     []AttendanceEvent `json:"records"`
	BatchID     string            `json:"batch_id,omitempty"`
	OfflineSync bool              `json:"offline_sync,omitempty"`
}

// BatchSummary aggregates per-record outcomes of a batch submission.
type BatchSummary struct {
	Synced    int `json:"synced"`
	Queued    int `json:"queued"`
	Duplicate int `json:"duplicate"`
	Failed    int `json:"failed"`
}

// BatchResult is the response of POST /attendance/batch.
type BatchResult struct {
	BatchID string        `json:"batch_id"`
	Summary BatchSummary  `json:"summary"`
	Results []ClockResult `json:"results"`
}

// PendingResponse is the response of GET /attendance/pending.
type PendingResponse struct {
	Stats   QueueStats   `json:"stats"`
	Pending []QueueEntry `json:"pending"`
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	SubjectID string `json:"subject_id"`
	DeviceID  string `json:"device_id"`
	DeviceKey string `json:"device_key"`
}

// LoginResponse carries freshly issued credentials.
type LoginResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	SessionID    string `json:"session_id"`
	AccessTTL    int64  `json:"access_ttl_seconds"`
}

// RefreshRequest is the body of POST /auth/refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// RefreshResponse carries a re-minted access token.
type RefreshResponse struct {
	AccessToken string `json:"access_token"`
	AccessTTL   int64  `json:"access_ttl_seconds"`
}

// SessionSummary is the per-session view returned by session listing.
type SessionSummary struct {
	SessionID    string    `json:"session_id"`
	DeviceID     string    `json:"device_id,omitempty"`
	RemoteAddr   string    `json:"remote_addr,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// SyncConfigRequest is the body of PUT /sync/config. Nil fields are unchanged.
type SyncConfigRequest struct {
	SyncInterval *string `json:"sync_interval,omitempty"`
	BatchSize    *int    `json:"batch_size,omitempty"`
	MaxAttempts  *int    `json:"max_attempts,omitempty"`
}

// CycleSummary reports the outcome of one forwarder drain cycle.
type CycleSummary struct {
	Claimed   int       `json:"claimed"`
	Synced    int       `json:"synced"`
	Failed    int       `json:"failed"`
	Terminal  int       `json:"terminal"`
	StartedAt time.Time `json:"started_at"`
	Duration  int64     `json:"duration_ms"`
}

// HealthResponse is the public health check payload.
type HealthResponse struct {
	Status         string     `json:"status"`
	Version        string     `json:"version"`
	ForwarderState string     `json:"forwarder_state"`
	QueueStats     QueueStats `json:"queue_stats"`
}

// MarshalJSON ensures nil slices in BatchResult marshal as [] not null.
func (b BatchResult) MarshalJSON() ([]byte, error) {
	if b.Results == nil {
		b.Results = []ClockResult{}
	}
	type Alias BatchResult
	return json.Marshal(Alias(b))
}

// MarshalJSON ensures nil slices in PendingResponse marshal as [] not null.
func (p PendingResponse) MarshalJSON() ([]byte, error) {
	if p.Pending == nil {
		p.Pending = []QueueEntry{}
	}
	type Alias PendingResponse
	return json.Marshal(Alias(p))
}
