package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shiftwire/shiftwire/internal/forwarder"
	"github.com/shiftwire/shiftwire/internal/ingest"
	"github.com/shiftwire/shiftwire/internal/queue"
	"github.com/shiftwire/shiftwire/internal/session"
	"github.com/shiftwire/shiftwire/internal/types"
	"github.com/shiftwire/shiftwire/internal/upstream"
)

const testDeviceKey = "prov-key"

// scriptedUpstream lets each test choose the ERP's behaviour.
type scriptedUpstream struct {
	outcome upstream.Outcome
}

func (u *scriptedUpstream) SubmitOne(ctx context.Context, event types.AttendanceEvent) upstream.Outcome {
	return u.outcome
}

func (u *scriptedUpstream) SubmitMany(ctx context.Context, events []types.AttendanceEvent) []upstream.Outcome {
	outcomes := make([]upstream.Outcome, len(events))
	for i := range outcomes {
		outcomes[i] = u.outcome
	}
	return outcomes
}

type testEnv struct {
	srv      *httptest.Server
	queue    *queue.SQLiteQueue
	upstream *scriptedUpstream
	access   string
	refresh  string
	session  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	q, err := queue.NewSQLiteQueue(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { q.Close() })

	u := &scriptedUpstream{outcome: upstream.Outcome{Success: true, Status: 200}}
	authority := session.NewAuthority(session.NewStore(q.DB()), session.Config{
		SigningSecret: "test-secret",
	})
	ingestor := ingest.New(q, u, time.Second)
	fwd := forwarder.New(q, u, forwarder.Config{})

	handler := NewHandler(ingestor, q, fwd, authority, testDeviceKey, "test")
	srv := httptest.NewServer(NewRouter(handler))
	t.Cleanup(srv.Close)

	env := &testEnv{srv: srv, queue: q, upstream: u}

	// Issue a session for the protected routes
	status, body := env.post(t, "/auth/login", "", map[string]string{
		"subject_id": "S1",
		"device_id":  "D1",
		"device_key": testDeviceKey,
	})
	if status != http.StatusOK {
		t.Fatalf("login failed: %d %s", status, body)
	}

	var loginEnv struct {
		Data types.LoginResponse `json:"data"`
	}
	if err := json.Unmarshal(body, &loginEnv); err != nil {
		t.Fatal(err)
	}
	env.access = loginEnv.Data.AccessToken
	env.refresh = loginEnv.Data.RefreshToken
	env.session = loginEnv.Data.SessionID

	return env
}

func (e *testEnv) do(t *testing.T, method, path, token string, payload any) (int, []byte) {
	t.Helper()

	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatal(err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, e.srv.URL+path, body)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return resp.StatusCode, buf.Bytes()
}

func (e *testEnv) post(t *testing.T, path, token string, payload any) (int, []byte) {
	return e.do(t, http.MethodPost, path, token, payload)
}

func (e *testEnv) get(t *testing.T, path, token string) (int, []byte) {
	return e.do(t, http.MethodGet, path, token, nil)
}

func clockBody() map[string]any {
	return map[string]any{
		"employee_id": "E1",
		"timestamp":   "2024-06-10T08:30:00Z",
		"kind":        "clock-in",
		"device_id":   "D1",
	}
}

func decodeEnvelope(t *testing.T, body []byte) Envelope {
	t.Helper()
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("invalid envelope %s: %v", body, err)
	}
	return env
}

func TestEnvelope_Shape(t *testing.T) {
	e := newTestEnv(t)

	_, body := e.get(t, "/health", "")
	env := decodeEnvelope(t, body)

	if env.Status != "success" {
		t.Errorf("expected success status, got %q", env.Status)
	}
	if env.Timestamp.IsZero() {
		t.Error("expected timestamp")
	}
	if env.RequestID == "" {
		t.Error("expected request id")
	}
}

func TestClock_RequiresAuth(t *testing.T) {
	e := newTestEnv(t)

	status, body := e.post(t, "/attendance/clock", "", clockBody())
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", status)
	}
	env := decodeEnvelope(t, body)
	if env.ErrorCode != CodeAuthMalformed {
		t.Errorf("expected AUTH_MALFORMED, got %q", env.ErrorCode)
	}
}

func TestClock_Synced(t *testing.T) {
	e := newTestEnv(t)

	status, body := e.post(t, "/attendance/clock", e.access, clockBody())
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", status, body)
	}

	var env struct {
		Data types.ClockResult `json:"data"`
	}
	json.Unmarshal(body, &env)

	if !env.Data.Synced || env.Data.RecordID == "" {
		t.Errorf("expected synced result, got %+v", env.Data)
	}
}

func TestClock_QueuedWhenUpstreamDown(t *testing.T) {
	e := newTestEnv(t)
	e.upstream.outcome = upstream.Outcome{Success: false, Status: 503, Error: "upstream status 503"}

	status, body := e.post(t, "/attendance/clock", e.access, clockBody())
	if status != http.StatusOK {
		t.Fatalf("upstream outage must not reject the event, got %d", status)
	}

	var env struct {
		Data types.ClockResult `json:"data"`
	}
	json.Unmarshal(body, &env)

	if !env.Data.Queued || env.Data.Synced {
		t.Errorf("expected queued result, got %+v", env.Data)
	}
}

func TestClock_DuplicateOnReplay(t *testing.T) {
	e := newTestEnv(t)

	e.post(t, "/attendance/clock", e.access, clockBody())
	_, body := e.post(t, "/attendance/clock", e.access, clockBody())

	var env struct {
		Data types.ClockResult `json:"data"`
	}
	json.Unmarshal(body, &env)

	if !env.Data.Duplicate {
		t.Errorf("expected duplicate, got %+v", env.Data)
	}
}

func TestClock_ValidationFailure(t *testing.T) {
	e := newTestEnv(t)

	status, body := e.post(t, "/attendance/clock", e.access, map[string]any{"kind": "clock-in"})
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}
	env := decodeEnvelope(t, body)
	if env.ErrorCode != CodeValidationFailed {
		t.Errorf("expected VALIDATION_FAILED, got %q", env.ErrorCode)
	}
}

func TestBatch_SummaryAndStatusLookup(t *testing.T) {
	e := newTestEnv(t)

	records := []map[string]any{clockBody(), clockBody(), clockBody()}
	records[1]["employee_id"] = "E2"
	records[2]["employee_id"] = "E3"

	status, body := e.post(t, "/attendance/batch", e.access, map[string]any{
		"records":  records,
		"batch_id": "b-1",
	})
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", status, body)
	}

	var env struct {
		Data types.BatchResult `json:"data"`
	}
	json.Unmarshal(body, &env)

	if env.Data.Summary.Synced != 3 {
		t.Errorf("expected 3 synced, got %+v", env.Data.Summary)
	}
	if len(env.Data.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(env.Data.Results))
	}

	// The echoed record id resolves via the status endpoint
	recordID := env.Data.Results[0].RecordID
	status, body = e.get(t, "/attendance/status/"+recordID, e.access)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}

	var statusEnv struct {
		Data types.QueueEntry `json:"data"`
	}
	json.Unmarshal(body, &statusEnv)
	if statusEnv.Data.State != types.StateSynced {
		t.Errorf("expected synced entry, got %+v", statusEnv.Data)
	}
}

func TestRecordStatus_NotFound(t *testing.T) {
	e := newTestEnv(t)

	status, body := e.get(t, "/attendance/status/unknown-fp", e.access)
	if status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}
	env := decodeEnvelope(t, body)
	if env.ErrorCode != CodeNotFound {
		t.Errorf("expected NOT_FOUND, got %q", env.ErrorCode)
	}
}

func TestPending_ListsQueuedRecords(t *testing.T) {
	e := newTestEnv(t)
	e.upstream.outcome = upstream.Outcome{Success: false, Status: 503, Error: "upstream status 503"}

	e.post(t, "/attendance/clock", e.access, clockBody())

	status, body := e.get(t, "/attendance/pending", e.access)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}

	var env struct {
		Data types.PendingResponse `json:"data"`
	}
	json.Unmarshal(body, &env)

	if env.Data.Stats.Pending != 1 || len(env.Data.Pending) != 1 {
		t.Errorf("expected 1 pending record, got %+v", env.Data)
	}
}

func TestSyncTrigger_DrainsQueue(t *testing.T) {
	e := newTestEnv(t)

	// Queue an event while the upstream is down, then recover it
	e.upstream.outcome = upstream.Outcome{Success: false, Status: 503, Error: "upstream status 503"}
	e.post(t, "/attendance/clock", e.access, clockBody())
	e.upstream.outcome = upstream.Outcome{Success: true, Status: 200}

	status, body := e.post(t, "/sync/trigger", e.access, nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}

	var env struct {
		Data types.CycleSummary `json:"data"`
	}
	json.Unmarshal(body, &env)

	if env.Data.Claimed != 1 || env.Data.Synced != 1 {
		t.Errorf("expected claimed=1 synced=1, got %+v", env.Data)
	}
}

func TestSyncRetry_ResetsTerminal(t *testing.T) {
	e := newTestEnv(t)

	// Drive an entry to terminal failure with a permanent 400
	e.upstream.outcome = upstream.Outcome{Success: false, Status: 400, Error: "upstream rejected: status 400"}
	e.post(t, "/attendance/clock", e.access, clockBody())
	for i := 0; i < 3; i++ {
		e.post(t, "/sync/trigger", e.access, nil)
	}

	stats, _ := e.queue.Stats(context.Background())
	if stats.FailedTerminal != 1 {
		t.Fatalf("expected terminal entry, got %+v", stats)
	}

	e.upstream.outcome = upstream.Outcome{Success: true, Status: 200}
	status, body := e.post(t, "/sync/retry", e.access, nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", status, body)
	}

	stats, _ = e.queue.Stats(context.Background())
	if stats.Synced != 1 || stats.FailedTerminal != 0 {
		t.Errorf("expected retried entry synced, got %+v", stats)
	}
}

func TestSyncForce_DrainsListedEntries(t *testing.T) {
	e := newTestEnv(t)

	// Drive an entry to terminal failure, then force it through
	e.upstream.outcome = upstream.Outcome{Success: false, Status: 400, Error: "upstream rejected: status 400"}
	e.post(t, "/attendance/clock", e.access, clockBody())
	for i := 0; i < 3; i++ {
		e.post(t, "/sync/trigger", e.access, nil)
	}

	pending, _ := e.queue.EntriesByBatch(context.Background(), "")
	if len(pending) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(pending))
	}
	id := pending[0].ID

	e.upstream.outcome = upstream.Outcome{Success: true, Status: 200}
	status, body := e.post(t, "/sync/force", e.access, map[string]any{"ids": []int64{id}})
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", status, body)
	}

	var env struct {
		Data types.CycleSummary `json:"data"`
	}
	json.Unmarshal(body, &env)
	if env.Data.Synced != 1 {
		t.Errorf("expected forced entry synced, got %+v", env.Data)
	}

	status, _ = e.post(t, "/sync/force", e.access, map[string]any{"ids": []int64{}})
	if status != http.StatusBadRequest {
		t.Errorf("expected 400 for empty ids, got %d", status)
	}
}

func TestSyncConfig_UpdatesAndValidates(t *testing.T) {
	e := newTestEnv(t)

	status, body := e.do(t, http.MethodPut, "/sync/config", e.access, map[string]any{
		"sync_interval": "5s",
		"batch_size":    50,
	})
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", status, body)
	}

	status, _ = e.do(t, http.MethodPut, "/sync/config", e.access, map[string]any{
		"sync_interval": "not-a-duration",
	})
	if status != http.StatusBadRequest {
		t.Errorf("expected 400 for bad duration, got %d", status)
	}

	status, _ = e.do(t, http.MethodPut, "/sync/config", e.access, map[string]any{
		"batch_size": -1,
	})
	if status != http.StatusBadRequest {
		t.Errorf("expected 400 for negative batch size, got %d", status)
	}
}

func TestSyncStatus_ReportsForwarderAndQueue(t *testing.T) {
	e := newTestEnv(t)

	status, body := e.get(t, "/sync/status", e.access)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}

	var env struct {
		Data struct {
			Forwarder forwarder.Status `json:"forwarder"`
			Queue     types.QueueStats `json:"queue"`
		} `json:"data"`
	}
	json.Unmarshal(body, &env)

	if env.Data.Forwarder.State != forwarder.StateStopped {
		t.Errorf("expected stopped forwarder (Run not started in tests), got %q", env.Data.Forwarder.State)
	}
}

func TestSyncBatch_Summary(t *testing.T) {
	e := newTestEnv(t)

	e.post(t, "/attendance/batch", e.access, map[string]any{
		"records":      []map[string]any{clockBody()},
		"batch_id":     "b-9",
		"offline_sync": true,
	})

	status, body := e.get(t, "/sync/batch/b-9", e.access)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", status, body)
	}

	var env struct {
		Data struct {
			Summary types.BatchSummary `json:"summary"`
		} `json:"data"`
	}
	json.Unmarshal(body, &env)
	if env.Data.Summary.Queued != 1 {
		t.Errorf("expected 1 queued in batch, got %+v", env.Data.Summary)
	}

	status, _ = e.get(t, "/sync/batch/nope", e.access)
	if status != http.StatusNotFound {
		t.Errorf("expected 404 for unknown batch, got %d", status)
	}
}

func TestAuth_LoginRejectsBadKey(t *testing.T) {
	e := newTestEnv(t)

	status, body := e.post(t, "/auth/login", "", map[string]string{
		"subject_id": "S1",
		"device_id":  "D1",
		"device_key": "wrong",
	})
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", status)
	}
	env := decodeEnvelope(t, body)
	if env.ErrorCode != CodeAuthFailed {
		t.Errorf("expected AUTH_FAILED, got %q", env.ErrorCode)
	}
}

func TestAuth_RefreshMintsAccess(t *testing.T) {
	e := newTestEnv(t)

	status, body := e.post(t, "/auth/refresh", "", map[string]string{
		"refresh_token": e.refresh,
	})
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", status, body)
	}

	var env struct {
		Data types.RefreshResponse `json:"data"`
	}
	json.Unmarshal(body, &env)
	if env.Data.AccessToken == "" {
		t.Fatal("expected access token")
	}

	// New access token works on protected routes
	status, _ = e.get(t, "/auth/verify", env.Data.AccessToken)
	if status != http.StatusOK {
		t.Errorf("refreshed token rejected: %d", status)
	}
}

func TestAuth_LogoutInvalidatesSession(t *testing.T) {
	e := newTestEnv(t)

	status, _ := e.post(t, "/auth/logout", e.access, nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}

	status, body := e.get(t, "/auth/verify", e.access)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", status)
	}
	env := decodeEnvelope(t, body)
	if env.ErrorCode != CodeSessionInactive {
		t.Errorf("expected SESSION_INACTIVE, got %q", env.ErrorCode)
	}
}

func TestAuth_VerifyEchoesClaims(t *testing.T) {
	e := newTestEnv(t)

	status, body := e.get(t, "/auth/verify", e.access)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}

	var env struct {
		Data struct {
			SubjectID string                 `json:"subject_id"`
			SessionID string                 `json:"session_id"`
			Sessions  []types.SessionSummary `json:"sessions"`
		} `json:"data"`
	}
	json.Unmarshal(body, &env)

	if env.Data.SubjectID != "S1" || env.Data.SessionID != e.session {
		t.Errorf("unexpected claims: %+v", env.Data)
	}
	if len(env.Data.Sessions) != 1 {
		t.Errorf("expected 1 active session, got %d", len(env.Data.Sessions))
	}
}

func TestHealth_Public(t *testing.T) {
	e := newTestEnv(t)

	status, body := e.get(t, "/health", "")
	if status != http.StatusOK {
		t.Fatalf("expected 200 without auth, got %d", status)
	}

	var env struct {
		Data types.HealthResponse `json:"data"`
	}
	json.Unmarshal(body, &env)
	if env.Data.Status != "healthy" || env.Data.Version != "test" {
		t.Errorf("unexpected health payload %+v", env.Data)
	}
}

func TestBatch_TooLargeRejected(t *testing.T) {
	e := newTestEnv(t)

	records := make([]map[string]any, 201)
	for i := range records {
		rec := clockBody()
		rec["employee_id"] = fmt.Sprintf("E%d", i)
		records[i] = rec
	}

	status, body := e.post(t, "/attendance/batch", e.access, map[string]any{"records": records})
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", status, body)
	}
}
