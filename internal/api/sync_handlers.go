package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shiftwire/shiftwire/internal/types"
	"github.com/shiftwire/shiftwire/internal/validation"
)

// SyncTrigger handles POST /sync/trigger.
func (h *Handler) SyncTrigger(w http.ResponseWriter, r *http.Request) {
	summary, err := h.forwarder.Trigger(r.Context())
	if err != nil {
		MapDomainError(w, r, err)
		return
	}

	WriteSuccess(w, r, http.StatusOK, summary)
}

// SyncRetry handles POST /sync/retry: reset terminal failures, then drain.
func (h *Handler) SyncRetry(w http.ResponseWriter, r *http.Request) {
	reset, summary, err := h.forwarder.RetryFailed(r.Context())
	if err != nil {
		MapDomainError(w, r, err)
		return
	}

	WriteSuccess(w, r, http.StatusOK, map[string]any{
		"reset": reset,
		"cycle": summary,
	})
}

// SyncCleanup handles POST /sync/cleanup: prune synced entries past retention.
func (h *Handler) SyncCleanup(w http.ResponseWriter, r *http.Request) {
	pruned, err := h.forwarder.PruneNow(r.Context())
	if err != nil {
		MapDomainError(w, r, err)
		return
	}

	WriteSuccess(w, r, http.StatusOK, map[string]any{"pruned": pruned})
}

// SyncForce handles POST /sync/force: claim exactly the listed entries,
// ignoring the attempt cap, and drain them.
func (h *Handler) SyncForce(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []int64 `json:"ids"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.IDs) == 0 {
		WriteValidationError(w, r, []validation.ValidationError{
			{Field: "ids", Message: "is required and must not be empty"},
		})
		return
	}

	summary, err := h.forwarder.ForceSync(r.Context(), req.IDs)
	if err != nil {
		MapDomainError(w, r, err)
		return
	}

	WriteSuccess(w, r, http.StatusOK, summary)
}

// SyncConfig handles PUT /sync/config.
func (h *Handler) SyncConfig(w http.ResponseWriter, r *http.Request) {
	var req types.SyncConfigRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var interval *time.Duration
	if req.SyncInterval != nil {
		d, err := time.ParseDuration(*req.SyncInterval)
		if err != nil || d <= 0 {
			WriteValidationError(w, r, []validation.ValidationError{
				{Field: "sync_interval", Message: "must be a positive duration such as 30s"},
			})
			return
		}
		interval = &d
	}
	if req.BatchSize != nil && *req.BatchSize <= 0 {
		WriteValidationError(w, r, []validation.ValidationError{
			{Field: "batch_size", Message: "must be positive"},
		})
		return
	}
	if req.MaxAttempts != nil && *req.MaxAttempts <= 0 {
		WriteValidationError(w, r, []validation.ValidationError{
			{Field: "max_attempts", Message: "must be positive"},
		})
		return
	}

	cfg := h.forwarder.UpdateConfig(interval, req.BatchSize, req.MaxAttempts)

	WriteSuccess(w, r, http.StatusOK, map[string]any{
		"sync_interval": cfg.SyncInterval.String(),
		"batch_size":    cfg.BatchSize,
		"max_attempts":  cfg.MaxAttempts,
	})
}

// SyncStatus handles GET /sync/status.
func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	status := h.forwarder.Status()

	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		MapDomainError(w, r, err)
		return
	}

	WriteSuccess(w, r, http.StatusOK, map[string]any{
		"forwarder": status,
		"queue":     stats,
	})
}

// SyncBatch handles GET /sync/batch/{id}.
func (h *Handler) SyncBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "id")

	entries, err := h.queue.EntriesByBatch(r.Context(), batchID)
	if err != nil {
		MapDomainError(w, r, err)
		return
	}
	if len(entries) == 0 {
		WriteError(w, r, http.StatusNotFound, CodeNotFound, "Batch not found")
		return
	}

	summary := types.BatchSummary{}
	for _, e := range entries {
		switch e.State {
		case types.StateSynced:
			summary.Synced++
		case types.StatePending:
			summary.Queued++
		case types.StateFailedTerminal:
			summary.Failed++
		}
	}

	WriteSuccess(w, r, http.StatusOK, map[string]any{
		"batch_id": batchID,
		"summary":  summary,
		"entries":  entries,
	})
}
