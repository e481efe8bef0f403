// Package ingest translates device submissions into queue and upstream actions.
//
// The ingestion path is best-effort synchronous: an event is never rejected
// because the upstream is down — it is enqueued and acknowledged as queued.
// It is rejected only when the local queue cannot persist it.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shiftwire/shiftwire/internal/fingerprint"
	"github.com/shiftwire/shiftwire/internal/queue"
	"github.com/shiftwire/shiftwire/internal/types"
	"github.com/shiftwire/shiftwire/internal/upstream"
	"github.com/shiftwire/shiftwire/internal/validation"
)

// Upstream defines the upstream operations needed by ingestion.
type Upstream interface {
	SubmitOne(ctx context.Context, event types.AttendanceEvent) upstream.Outcome
}

// ValidationError carries field-level failures back to the HTTP layer.
type ValidationError struct {
	Fields []validation.ValidationError
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %d field error(s)", len(e.Fields))
}

// Service orchestrates clock and batch submissions.
type Service struct {
	queue    queue.Queue
	upstream Upstream

	// syncBudget bounds the inline upstream attempt so device requests stay
	// responsive; retrying belongs to the forwarder.
	syncBudget time.Duration
}

// New creates an ingestion service.
func New(q queue.Queue, u Upstream, syncBudget time.Duration) *Service {
	if syncBudget <= 0 {
		syncBudget = 30 * time.Second
	}
	return &Service{queue: q, upstream: u, syncBudget: syncBudget}
}

// Clock handles a single submission: validate, fingerprint, deduplicate,
// enqueue, then attempt synchronous delivery. Delivery failure is not an
// error — the event stays queued for the forwarder.
func (s *Service) Clock(ctx context.Context, event types.AttendanceEvent) (*types.ClockResult, error) {
	return s.process(ctx, event, -1, "", false)
}

// Batch handles 1..200 submissions. Each record carries its own result; the
// batch is never rejected on partial failure. With forceOffline the
// synchronous upstream attempt is skipped and every new entry stays pending.
func (s *Service) Batch(ctx context.Context, events []types.AttendanceEvent, batchID string, forceOffline bool) (*types.BatchResult, error) {
	if errs := validation.ValidateBatchRequest(types.BatchRequest{Records: events, BatchID: batchID}); len(errs) > 0 {
		return nil, &ValidationError{Fields: errs}
	}

	if batchID == "" {
		batchID = ulid.Make().String()
	}

	start := time.Now()
	result := &types.BatchResult{BatchID: batchID, Results: make([]types.ClockResult, 0, len(events))}

	for i, event := range events {
		res, err := s.process(ctx, event, i, batchID, forceOffline)
		if err != nil {
			if verr, ok := err.(*ValidationError); ok {
				result.Results = append(result.Results, types.ClockResult{
					Error: verr.Fields[0].Field + " " + verr.Fields[0].Message,
				})
				result.Summary.Failed++
				continue
			}
			// Storage failure: the inbound event cannot be silently dropped
			return nil, err
		}

		result.Results = append(result.Results, *res)
		switch {
		case res.Duplicate:
			result.Summary.Duplicate++
		case res.Synced:
			result.Summary.Synced++
		case res.Queued:
			result.Summary.Queued++
		}
	}

	slog.Info("batch processed",
		"component", "ingest",
		"action", "batch",
		"batch_id", batchID,
		"records", len(events),
		"synced", result.Summary.Synced,
		"queued", result.Summary.Queued,
		"duplicate", result.Summary.Duplicate,
		"failed", result.Summary.Failed,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return result, nil
}

func (s *Service) process(ctx context.Context, event types.AttendanceEvent, index int, batchID string, forceOffline bool) (*types.ClockResult, error) {
	if errs := validation.ValidateEvent(index, event); len(errs) > 0 {
		return nil, &ValidationError{Fields: errs}
	}

	fp := fingerprint.Compute(event)

	existing, err := s.queue.Lookup(ctx, fp)
	if err == nil {
		// Replay of a known event
		res := &types.ClockResult{RecordID: fp}
		switch existing.State {
		case types.StateSynced:
			res.Duplicate = true
		default:
			res.Queued = true
		}
		return res, nil
	}
	if err != queue.ErrNotFound {
		return nil, fmt.Errorf("queue lookup: %w", err)
	}

	entry, created, err := s.queue.Enqueue(ctx, event, fp, batchID)
	if err != nil {
		return nil, fmt.Errorf("queue enqueue: %w", err)
	}
	if !created {
		// Lost the first-enqueue race; the winner owns the delivery attempt
		if entry.State == types.StateSynced {
			return &types.ClockResult{RecordID: fp, Duplicate: true}, nil
		}
		return &types.ClockResult{RecordID: fp, Queued: true}, nil
	}

	if forceOffline {
		return &types.ClockResult{RecordID: fp, Queued: true}, nil
	}

	syncCtx, cancel := context.WithTimeout(ctx, s.syncBudget)
	outcome := s.upstream.SubmitOne(syncCtx, event)
	cancel()

	if outcome.Success {
		// The handler is the sole holder of a just-inserted id until this
		// mark; persistence must complete even if the client disconnected.
		if err := s.queue.MarkSynced(context.WithoutCancel(ctx), entry.ID); err != nil {
			slog.Error("mark synced failed after upstream accept",
				"component", "ingest",
				"entry_id", entry.ID,
				"fingerprint", fp,
				"error", err,
			)
			return &types.ClockResult{RecordID: fp, Queued: true}, nil
		}
		return &types.ClockResult{RecordID: fp, Synced: true}, nil
	}

	slog.Info("synchronous delivery failed, event queued",
		"component", "ingest",
		"action", "queued",
		"fingerprint", fp,
		"entry_id", entry.ID,
		"error", outcome.Error,
	)

	return &types.ClockResult{RecordID: fp, Queued: true, Error: outcome.Error}, nil
}
