package ingest

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shiftwire/shiftwire/internal/fingerprint"
	"github.com/shiftwire/shiftwire/internal/queue"
	"github.com/shiftwire/shiftwire/internal/types"
	"github.com/shiftwire/shiftwire/internal/upstream"
)

// scriptedUpstream returns a fixed outcome and counts calls.
type scriptedUpstream struct {
	outcome upstream.Outcome
	calls   int32
}

func (u *scriptedUpstream) SubmitOne(ctx context.Context, event types.AttendanceEvent) upstream.Outcome {
	atomic.AddInt32(&u.calls, 1)
	return u.outcome
}

func upstreamUp() *scriptedUpstream {
	return &scriptedUpstream{outcome: upstream.Outcome{Success: true, Status: 200}}
}

func upstreamDown() *scriptedUpstream {
	return &scriptedUpstream{outcome: upstream.Outcome{Success: false, Status: 503, Error: "upstream status 503"}}
}

func newTestQueue(t *testing.T) *queue.SQLiteQueue {
	t.Helper()
	q, err := queue.NewSQLiteQueue(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func testEvent() types.AttendanceEvent {
	return types.AttendanceEvent{
		EmployeeID: "E1",
		Timestamp:  time.Date(2024, 6, 10, 8, 30, 0, 0, time.UTC),
		Kind:       types.KindClockIn,
		DeviceID:   "D1",
	}
}

func TestClock_HappyPath(t *testing.T) {
	q := newTestQueue(t)
	u := upstreamUp()
	s := New(q, u, time.Second)
	ctx := context.Background()

	res, err := s.Clock(ctx, testEvent())
	if err != nil {
		t.Fatal(err)
	}

	if !res.Synced || res.Queued || res.Duplicate {
		t.Errorf("expected synced result, got %+v", res)
	}
	if res.RecordID != fingerprint.Compute(testEvent()) {
		t.Errorf("record id should be the fingerprint, got %q", res.RecordID)
	}

	entry, err := q.Lookup(ctx, res.RecordID)
	if err != nil {
		t.Fatal(err)
	}
	if entry.State != types.StateSynced {
		t.Errorf("expected synced entry, got %s", entry.State)
	}
}

func TestClock_UpstreamOfflineQueues(t *testing.T) {
	q := newTestQueue(t)
	s := New(q, upstreamDown(), time.Second)
	ctx := context.Background()

	res, err := s.Clock(ctx, testEvent())
	if err != nil {
		t.Fatal(err)
	}

	if res.Synced || !res.Queued {
		t.Errorf("expected queued result, got %+v", res)
	}

	entry, _ := q.Lookup(ctx, res.RecordID)
	if entry.State != types.StatePending || entry.Attempts != 0 {
		t.Errorf("expected pending entry with 0 attempts, got %+v", entry)
	}
}

func TestClock_ReplayAfterSyncIsDuplicate(t *testing.T) {
	q := newTestQueue(t)
	u := upstreamUp()
	s := New(q, u, time.Second)
	ctx := context.Background()

	if _, err := s.Clock(ctx, testEvent()); err != nil {
		t.Fatal(err)
	}
	res, err := s.Clock(ctx, testEvent())
	if err != nil {
		t.Fatal(err)
	}

	if !res.Duplicate {
		t.Errorf("expected duplicate, got %+v", res)
	}
	if got := atomic.LoadInt32(&u.calls); got != 1 {
		t.Errorf("expected exactly 1 upstream call, got %d", got)
	}

	stats, _ := q.Stats(ctx)
	if stats.Total != 1 {
		t.Errorf("expected exactly 1 entry, got %d", stats.Total)
	}
}

func TestClock_ReplayWhilePendingReturnsQueued(t *testing.T) {
	q := newTestQueue(t)
	u := upstreamDown()
	s := New(q, u, time.Second)
	ctx := context.Background()

	s.Clock(ctx, testEvent())
	res, err := s.Clock(ctx, testEvent())
	if err != nil {
		t.Fatal(err)
	}

	if !res.Queued || res.Duplicate {
		t.Errorf("expected queued on pending replay, got %+v", res)
	}
	// The replay must not re-attempt delivery of an entry the forwarder owns
	if got := atomic.LoadInt32(&u.calls); got != 1 {
		t.Errorf("expected 1 upstream call, got %d", got)
	}
}

func TestClock_ValidationFailure(t *testing.T) {
	s := New(newTestQueue(t), upstreamUp(), time.Second)

	_, err := s.Clock(context.Background(), types.AttendanceEvent{})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(verr.Fields) == 0 {
		t.Error("expected field errors")
	}
}

func TestBatch_PartialUpstreamFailure(t *testing.T) {
	q := newTestQueue(t)
	// Fail only employee E2
	u := &selectiveUpstream{failEmployee: "E2"}
	s := New(q, u, time.Second)
	ctx := context.Background()

	events := []types.AttendanceEvent{testEvent(), testEvent(), testEvent()}
	events[1].EmployeeID = "E2"
	events[2].EmployeeID = "E3"

	res, err := s.Batch(ctx, events, "", false)
	if err != nil {
		t.Fatal(err)
	}

	if res.Summary.Synced != 2 || res.Summary.Queued != 1 {
		t.Errorf("expected synced=2 queued=1, got %+v", res.Summary)
	}
	if res.BatchID == "" {
		t.Error("expected generated batch id")
	}

	stats, _ := q.Stats(ctx)
	if stats.Synced != 2 || stats.Pending != 1 {
		t.Errorf("unexpected queue stats %+v", stats)
	}
}

type selectiveUpstream struct {
	failEmployee string
}

func (u *selectiveUpstream) SubmitOne(ctx context.Context, event types.AttendanceEvent) upstream.Outcome {
	if event.EmployeeID == u.failEmployee {
		return upstream.Outcome{Success: false, Status: 500, Error: "upstream status 500"}
	}
	return upstream.Outcome{Success: true, Status: 200}
}

func TestBatch_ForceOfflineSkipsUpstream(t *testing.T) {
	q := newTestQueue(t)
	u := upstreamUp()
	s := New(q, u, time.Second)
	ctx := context.Background()

	events := []types.AttendanceEvent{testEvent()}
	res, err := s.Batch(ctx, events, "b-1", true)
	if err != nil {
		t.Fatal(err)
	}

	if res.Summary.Queued != 1 || res.Summary.Synced != 0 {
		t.Errorf("expected all queued, got %+v", res.Summary)
	}
	if got := atomic.LoadInt32(&u.calls); got != 0 {
		t.Errorf("force offline must skip upstream, got %d calls", got)
	}

	entries, _ := q.EntriesByBatch(ctx, "b-1")
	if len(entries) != 1 || entries[0].State != types.StatePending {
		t.Errorf("expected pending batch entry, got %+v", entries)
	}
}

func TestBatch_InvalidRecordDoesNotRejectBatch(t *testing.T) {
	q := newTestQueue(t)
	s := New(q, upstreamUp(), time.Second)
	ctx := context.Background()

	events := []types.AttendanceEvent{testEvent(), {}}
	res, err := s.Batch(ctx, events, "", false)
	if err != nil {
		t.Fatal(err)
	}

	if res.Summary.Synced != 1 || res.Summary.Failed != 1 {
		t.Errorf("expected synced=1 failed=1, got %+v", res.Summary)
	}
	if len(res.Results) != 2 {
		t.Fatalf("expected per-record results, got %d", len(res.Results))
	}
	if res.Results[1].Error == "" {
		t.Error("expected error message on invalid record")
	}
}

func TestBatch_EmptyRejected(t *testing.T) {
	s := New(newTestQueue(t), upstreamUp(), time.Second)

	_, err := s.Batch(context.Background(), nil, "", false)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestBatch_DuplicatesWithinBatch(t *testing.T) {
	q := newTestQueue(t)
	u := upstreamUp()
	s := New(q, u, time.Second)
	ctx := context.Background()

	events := []types.AttendanceEvent{testEvent(), testEvent()}
	res, err := s.Batch(ctx, events, "", false)
	if err != nil {
		t.Fatal(err)
	}

	if res.Summary.Synced != 1 || res.Summary.Duplicate != 1 {
		t.Errorf("expected synced=1 duplicate=1, got %+v", res.Summary)
	}
	if got := atomic.LoadInt32(&u.calls); got != 1 {
		t.Errorf("expected 1 upstream call, got %d", got)
	}
}
