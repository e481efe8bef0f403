package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shiftwire/shiftwire/internal/forwarder"
	"github.com/shiftwire/shiftwire/internal/session"
	"github.com/shiftwire/shiftwire/internal/types"
)

// maxBodyBytes caps inbound request bodies; a full 200-record batch with
// coordinates stays well under this.
const maxBodyBytes = 1 << 20

// Ingestor defines the ingestion operations needed by the handlers.
type Ingestor interface {
	Clock(ctx context.Context, event types.AttendanceEvent) (*types.ClockResult, error)
	Batch(ctx context.Context, events []types.AttendanceEvent, batchID string, forceOffline bool) (*types.BatchResult, error)
}

// QueueReader defines the read surface the handlers need from the queue.
type QueueReader interface {
	Lookup(ctx context.Context, fingerprint string) (*types.QueueEntry, error)
	PendingEntries(ctx context.Context, limit int) ([]types.QueueEntry, error)
	EntriesByBatch(ctx context.Context, batchID string) ([]types.QueueEntry, error)
	Stats(ctx context.Context) (*types.QueueStats, error)
}

// ForwarderControl defines the forwarder operations exposed over HTTP.
type ForwarderControl interface {
	Trigger(ctx context.Context) (types.CycleSummary, error)
	RetryFailed(ctx context.Context) (int64, types.CycleSummary, error)
	ForceSync(ctx context.Context, ids []int64) (types.CycleSummary, error)
	PruneNow(ctx context.Context) (int64, error)
	UpdateConfig(syncInterval *time.Duration, batchSize, maxAttempts *int) forwarder.Config
	Status() forwarder.Status
}

// SessionAuthority defines the session operations exposed over HTTP.
type SessionAuthority interface {
	TokenValidator
	Issue(ctx context.Context, subjectID, deviceID, remoteAddr, userAgent string) (*session.Credentials, error)
	Refresh(ctx context.Context, refreshToken string) (string, time.Duration, error)
	Terminate(ctx context.Context, sessionID, reason string) error
	List(ctx context.Context, subjectID string) ([]types.SessionSummary, error)
}

// Handler implements the API handlers.
type Handler struct {
	ingestor  Ingestor
	queue     QueueReader
	forwarder ForwarderControl
	authority SessionAuthority
	deviceKey string
	version   string
}

// NewHandler creates a new Handler.
func NewHandler(i Ingestor, q QueueReader, f ForwarderControl, a SessionAuthority, deviceKey, version string) *Handler {
	return &Handler{
		ingestor:  i,
		queue:     q,
		forwarder: f,
		authority: a,
		deviceKey: deviceKey,
		version:   version,
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteError(w, r, http.StatusBadRequest, CodeValidationFailed, fmt.Sprintf("Invalid JSON: %s", err))
		return false
	}
	return true
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		WriteError(w, r, http.StatusInternalServerError, CodeStorageFailure, "Internal Server Error")
		return
	}

	WriteSuccess(w, r, http.StatusOK, types.HealthResponse{
		Status:         "healthy",
		Version:        h.version,
		ForwarderState: string(h.forwarder.Status().State),
		QueueStats:     *stats,
	})
}

// Clock handles POST /attendance/clock.
func (h *Handler) Clock(w http.ResponseWriter, r *http.Request) {
	var req types.ClockRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.ingestor.Clock(r.Context(), req.AttendanceEvent)
	if err != nil {
		MapDomainError(w, r, err)
		return
	}

	WriteSuccess(w, r, http.StatusOK, result)
}

// Batch handles POST /attendance/batch.
func (h *Handler) Batch(w http.ResponseWriter, r *http.Request) {
	var req types.BatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.ingestor.Batch(r.Context(), req.Records, req.BatchID, req.OfflineSync)
	if err != nil {
		MapDomainError(w, r, err)
		return
	}

	WriteSuccess(w, r, http.StatusOK, result)
}

// RecordStatus handles GET /attendance/status/{record_id}.
func (h *Handler) RecordStatus(w http.ResponseWriter, r *http.Request) {
	recordID := chi.URLParam(r, "record_id")

	entry, err := h.queue.Lookup(r.Context(), recordID)
	if err != nil {
		MapDomainError(w, r, err)
		return
	}

	WriteSuccess(w, r, http.StatusOK, entry)
}

// Pending handles GET /attendance/pending.
func (h *Handler) Pending(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stats, err := h.queue.Stats(ctx)
	if err != nil {
		MapDomainError(w, r, err)
		return
	}

	pending, err := h.queue.PendingEntries(ctx, 100)
	if err != nil {
		MapDomainError(w, r, err)
		return
	}

	WriteSuccess(w, r, http.StatusOK, types.PendingResponse{
		Stats:   *stats,
		Pending: pending,
	})
}
