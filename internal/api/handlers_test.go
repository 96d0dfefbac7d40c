package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/fitsync/internal/archive"
	"github.com/hyperengineering/fitsync/internal/batch"
	"github.com/hyperengineering/fitsync/internal/cache"
	"github.com/hyperengineering/fitsync/internal/conflict"
	"github.com/hyperengineering/fitsync/internal/eventlog"
	"github.com/hyperengineering/fitsync/internal/health"
	"github.com/hyperengineering/fitsync/internal/metrics"
	"github.com/hyperengineering/fitsync/internal/scheduler"
	"github.com/hyperengineering/fitsync/internal/session"
	"github.com/hyperengineering/fitsync/internal/store"
	"github.com/hyperengineering/fitsync/internal/syncconfig"
	"github.com/hyperengineering/fitsync/internal/types"
)

// mockUploader implements archive.Uploader for testing.
type mockUploader struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (m *mockUploader) Upload(ctx context.Context, key string, body []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.keys = append(m.keys, key)
	return nil
}

func (m *mockUploader) PresignedURL(ctx context.Context, key string) (string, time.Time, error) {
	return "https://archive.example/" + key, time.Now().Add(time.Minute), nil
}

type testServer struct {
	store    *store.SQLiteStore
	router   http.Handler
	uploader *mockUploader
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	captureLogs(t)

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	events := eventlog.New(s, nil)
	configs := syncconfig.New(s, nil)
	batches := batch.New(s, events, nil)
	sessions := session.New(s, events, nil)
	conflicts := conflict.New(s, events, nil)
	monitor := health.NewMonitor(s, configs, health.Thresholds{}, nil)
	up := &mockUploader{}

	h := NewHandler(Services{
		Store:     s,
		Events:    events,
		Configs:   configs,
		Conflicts: conflicts,
		Batches:   batches,
		Scheduler: scheduler.New(s, events, nil),
		Sessions:  sessions,
		Cache:     cache.New(s, events, time.Minute, nil),
		Monitor:   monitor,
		Recovery:  health.NewRecovery(s, events, batches, sessions, conflicts, health.Thresholds{}, nil),
		Metrics:   metrics.New(s, monitor, nil),
		Archive:   archive.New(up),
	}, testAPIKey, "test")

	return &testServer{store: s, router: NewRouter(h), uploader: up}
}

// do sends an authenticated request and decodes the envelope.
func (ts *testServer) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, Envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	req.Header.Set(ActorHeader, "staff-1")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)

	var env Envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
			t.Fatalf("failed to decode envelope: %v\n%s", err, w.Body.String())
		}
	}
	return w, env
}

// dataInto re-decodes the envelope payload into v.
func dataInto(t *testing.T, env Envelope, v any) {
	t.Helper()
	raw, err := json.Marshal(env.Data)
	if err != nil {
		t.Fatalf("failed to re-encode data: %v", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatalf("failed to decode data: %v", err)
	}
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("status = %d, want %d\nbody: %s", w.Code, want, w.Body.String())
	}
}

// --- Transport Tests ---

func TestHealth_NoAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)

	expectStatus(t, w, http.StatusOK)
	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if resp.Status != "healthy" || resp.Version != "test" || !resp.ArchiveEnabled {
		t.Errorf("health = %+v", resp)
	}
}

func TestProtectedRoutes_RequireAuth(t *testing.T) {
	ts := newTestServer(t)
	paths := []string{"/api/v1/conflicts", "/api/v1/sync/status", "/api/v1/metrics/overview", "/api/v1/entities/clients/c-1"}
	for _, p := range paths {
		t.Run(p, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, p, nil)
			w := httptest.NewRecorder()
			ts.router.ServeHTTP(w, req)

			expectStatus(t, w, http.StatusUnauthorized)
			if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
				t.Errorf("Content-Type = %q, want application/problem+json", ct)
			}
		})
	}
}

func TestUnknownRoute_IsProblem(t *testing.T) {
	ts := newTestServer(t)

	w, _ := ts.do(t, http.MethodGet, "/api/v1/nope", nil)

	expectStatus(t, w, http.StatusNotFound)
	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("Content-Type = %q, want application/problem+json", ct)
	}
}

func TestMalformedJSON_IsBadRequest(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/batches", strings.NewReader(`{"entity_type":`))
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)

	expectStatus(t, w, http.StatusBadRequest)
}

// --- Entity and Conflict Tests ---

func TestEntityWriteLifecycle(t *testing.T) {
	ts := newTestServer(t)

	// Given: a created client
	w, env := ts.do(t, http.MethodPost, "/api/v1/entities/clients", map[string]any{
		"id":   "c-1",
		"data": map[string]any{"plan": "basic"},
	})
	expectStatus(t, w, http.StatusCreated)
	var created conflict.WriteResult
	dataInto(t, env, &created)
	if created.Record == nil || created.Record.Version != 1 {
		t.Fatalf("created = %+v", created)
	}

	// When: it is updated from version 1
	w, env = ts.do(t, http.MethodPost, "/api/v1/entities/clients/c-1/write", map[string]any{
		"data":             map[string]any{"plan": "gold"},
		"expected_version": 1,
	})

	// Then: the record moves to version 2
	expectStatus(t, w, http.StatusOK)
	var updated conflict.WriteResult
	dataInto(t, env, &updated)
	if updated.Record.Version != 2 || updated.Record.Data["plan"] != "gold" {
		t.Errorf("updated = %+v", updated.Record)
	}
	if updated.Event == nil || updated.Event.ActorID != "staff-1" {
		t.Errorf("event actor = %+v, want staff-1 from header", updated.Event)
	}

	// And: reading it back shows the same state
	w, env = ts.do(t, http.MethodGet, "/api/v1/entities/clients/c-1", nil)
	expectStatus(t, w, http.StatusOK)
	var rec types.EntityRecord
	dataInto(t, env, &rec)
	if rec.Version != 2 {
		t.Errorf("Version = %d, want 2", rec.Version)
	}
}

func TestEntityWrite_StaleVersionReturnsConflict(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, "/api/v1/entities/clients", map[string]any{"id": "c-1", "data": map[string]any{"plan": "basic"}})
	ts.do(t, http.MethodPost, "/api/v1/entities/clients/c-1/write", map[string]any{"data": map[string]any{"plan": "gold"}, "expected_version": 1})

	// When: a second writer still targets version 1
	w, env := ts.do(t, http.MethodPost, "/api/v1/entities/clients/c-1/write", map[string]any{
		"data":             map[string]any{"plan": "silver"},
		"expected_version": 1,
	})

	// Then: 409 with the recorded conflict as data
	expectStatus(t, w, http.StatusConflict)
	if env.Kind != "version_conflict" {
		t.Errorf("kind = %q, want version_conflict", env.Kind)
	}
	var rec types.ConflictRecord
	dataInto(t, env, &rec)
	if rec.ID == "" || rec.ConflictType != types.ConflictVersionMismatch {
		t.Fatalf("conflict = %+v", rec)
	}

	// And: it is listed and resolvable exactly once
	w, env = ts.do(t, http.MethodGet, "/api/v1/conflicts?resolved=false", nil)
	expectStatus(t, w, http.StatusOK)
	var list []types.ConflictRecord
	dataInto(t, env, &list)
	if len(list) != 1 || list[0].ID != rec.ID {
		t.Errorf("unresolved conflicts = %+v", list)
	}

	w, _ = ts.do(t, http.MethodPost, "/api/v1/conflicts/"+rec.ID+"/resolve", map[string]any{"resolution": "client_wins"})
	expectStatus(t, w, http.StatusOK)

	w, env = ts.do(t, http.MethodPost, "/api/v1/conflicts/"+rec.ID+"/resolve", map[string]any{"resolution": "server_wins"})
	if w.Code < 400 || env.Success {
		t.Errorf("second resolve status = %d success = %v, want rejection", w.Code, env.Success)
	}

	w, env = ts.do(t, http.MethodGet, "/api/v1/entities/clients/c-1", nil)
	var got types.EntityRecord
	dataInto(t, env, &got)
	if got.Data["plan"] != "silver" || got.Version != 3 {
		t.Errorf("record after client_wins = v%d %v", got.Version, got.Data)
	}
}

func TestDetectConflict(t *testing.T) {
	ts := newTestServer(t)

	w, env := ts.do(t, http.MethodPost, "/api/v1/conflicts/detect", map[string]any{
		"entity_type":   "payments",
		"entity_id":     "p-1",
		"conflict_type": "data_inconsistency",
		"server_data":   map[string]any{"amount": 10},
		"client_data":   map[string]any{"amount": 12},
	})

	expectStatus(t, w, http.StatusCreated)
	var rec types.ConflictRecord
	dataInto(t, env, &rec)
	if rec.ID == "" || rec.EntityType != types.EntityPayments || rec.EntityID != "p-1" {
		t.Fatalf("conflict = %+v", rec)
	}
	if len(rec.ConflictFields) != 1 || rec.ConflictFields[0] != "amount" {
		t.Errorf("conflict fields = %v, want [amount]", rec.ConflictFields)
	}

	w, env = ts.do(t, http.MethodGet, "/api/v1/conflicts/"+rec.ID, nil)
	expectStatus(t, w, http.StatusOK)

	w, env = ts.do(t, http.MethodPost, "/api/v1/conflicts/detect", map[string]any{
		"entity_type":   "payments",
		"conflict_type": "data_inconsistency",
	})
	expectStatus(t, w, http.StatusUnprocessableEntity)
	if env.Kind != "validation" {
		t.Errorf("kind = %q, want validation", env.Kind)
	}
}

func TestEntityWrite_Validation(t *testing.T) {
	ts := newTestServer(t)
	tests := []struct {
		name string
		path string
		body map[string]any
	}{
		{"unknown type", "/api/v1/entities/gyms", map[string]any{"data": map[string]any{}}},
		{"bad action", "/api/v1/entities/clients/c-1/write", map[string]any{"action": "upsert", "expected_version": 1}},
		{"bad source", "/api/v1/entities/clients", map[string]any{"source": "fax"}},
		{"missing version", "/api/v1/entities/clients/c-1/write", map[string]any{"data": map[string]any{"a": 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, env := ts.do(t, http.MethodPost, tt.path, tt.body)
			expectStatus(t, w, http.StatusUnprocessableEntity)
			if env.Kind != "validation" {
				t.Errorf("kind = %q, want validation", env.Kind)
			}
		})
	}
}

func TestEntityWrite_PolicyViolationIsForbidden(t *testing.T) {
	ts := newTestServer(t)
	w, env := ts.do(t, http.MethodGet, "/api/v1/configs/payments", nil)
	expectStatus(t, w, http.StatusOK)
	var cfg types.SyncConfiguration
	dataInto(t, env, &cfg)
	cfg.SyncEnabled = false
	w, _ = ts.do(t, http.MethodPut, "/api/v1/configs/payments", cfg)
	expectStatus(t, w, http.StatusOK)

	w, env = ts.do(t, http.MethodPost, "/api/v1/entities/payments", map[string]any{"data": map[string]any{"amount": 10}})

	expectStatus(t, w, http.StatusForbidden)
	if env.Kind != "policy_violation" {
		t.Errorf("kind = %q, want policy_violation", env.Kind)
	}
}

func TestGetEntity_NotFound(t *testing.T) {
	ts := newTestServer(t)

	w, env := ts.do(t, http.MethodGet, "/api/v1/entities/clients/missing", nil)

	expectStatus(t, w, http.StatusNotFound)
	if env.Kind != "not_found" {
		t.Errorf("kind = %q, want not_found", env.Kind)
	}
}

func TestRules_ConfigureAndApply(t *testing.T) {
	ts := newTestServer(t)
	rules := map[string]any{"rules": []map[string]any{{
		"name":      "vip",
		"condition": map[string]any{"field": "tier", "operator": "equals", "value": "vip"},
		"action":    map[string]any{"type": "require_manual_review"},
		"priority":  1,
		"enabled":   true,
	}}}

	w, _ := ts.do(t, http.MethodPut, "/api/v1/rules/clients", rules)
	expectStatus(t, w, http.StatusOK)

	w, env := ts.do(t, http.MethodPost, "/api/v1/rules/clients/apply", map[string]any{
		"entity_id":   "c-9",
		"entity_data": map[string]any{"tier": "vip"},
	})
	expectStatus(t, w, http.StatusOK)
	var out conflict.RuleOutcome
	dataInto(t, env, &out)
	if !out.Matched || out.Rule == nil || out.Rule.Name != "vip" {
		t.Errorf("outcome = %+v", out)
	}

	// A malformed rule set is rejected whole.
	bad := map[string]any{"rules": []map[string]any{{"name": "x", "condition": map[string]any{"field": "a", "operator": "matches"}, "action": map[string]any{"type": "skip_sync"}, "enabled": true}}}
	w, _ = ts.do(t, http.MethodPut, "/api/v1/rules/clients", bad)
	expectStatus(t, w, http.StatusUnprocessableEntity)
}

// --- Batch, Task, Session and Cache Tests ---

func TestBatchLifecycle(t *testing.T) {
	ts := newTestServer(t)

	w, env := ts.do(t, http.MethodPost, "/api/v1/batches", map[string]any{
		"entity_type":   "clients",
		"operation":     "full_sync",
		"total_records": 3,
	})
	expectStatus(t, w, http.StatusCreated)
	var b types.SyncBatch
	dataInto(t, env, &b)
	if b.Status != types.BatchRunning || b.InitiatedBy != "staff-1" {
		t.Fatalf("batch = %+v", b)
	}

	w, env = ts.do(t, http.MethodPost, "/api/v1/batches/"+b.ID+"/progress", map[string]any{"processed": 2, "successful": 2})
	expectStatus(t, w, http.StatusOK)
	dataInto(t, env, &b)
	if b.ProcessedRecords != 2 {
		t.Errorf("ProcessedRecords = %d, want 2", b.ProcessedRecords)
	}

	// Progress past the total is rejected without writing.
	w, _ = ts.do(t, http.MethodPost, "/api/v1/batches/"+b.ID+"/progress", map[string]any{"processed": 5})
	expectStatus(t, w, http.StatusUnprocessableEntity)

	w, env = ts.do(t, http.MethodPost, "/api/v1/batches/"+b.ID+"/close", map[string]any{"status": "completed"})
	expectStatus(t, w, http.StatusOK)
	dataInto(t, env, &b)
	if b.Status != types.BatchCompleted || b.CompletedAt == nil {
		t.Errorf("closed batch = %+v", b)
	}

	w, env = ts.do(t, http.MethodGet, "/api/v1/batches?status=completed", nil)
	expectStatus(t, w, http.StatusOK)
	var list []types.SyncBatch
	dataInto(t, env, &list)
	if len(list) != 1 {
		t.Errorf("completed batches = %d, want 1", len(list))
	}

	w, _ = ts.do(t, http.MethodGet, "/api/v1/batches/missing", nil)
	expectStatus(t, w, http.StatusNotFound)
}

func TestTaskLifecycle(t *testing.T) {
	ts := newTestServer(t)

	w, env := ts.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{
		"task_type":    "cleanup",
		"scheduled_at": time.Now().UTC().Add(-time.Minute),
		"priority":     "high",
	})
	expectStatus(t, w, http.StatusCreated)
	var task types.ScheduledTask
	dataInto(t, env, &task)

	w, env = ts.do(t, http.MethodPost, "/api/v1/tasks/dequeue", map[string]any{"limit": 5})
	expectStatus(t, w, http.StatusOK)
	var due []types.ScheduledTask
	dataInto(t, env, &due)
	if len(due) != 1 || due[0].ID != task.ID {
		t.Fatalf("due = %+v", due)
	}

	w, _ = ts.do(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/running", nil)
	expectStatus(t, w, http.StatusOK)

	// A running task can no longer be cancelled.
	w, _ = ts.do(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/cancel", nil)
	if w.Code < 400 {
		t.Errorf("cancel of running task status = %d, want rejection", w.Code)
	}

	w, env = ts.do(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/result", map[string]any{"status": "completed", "result": map[string]any{"deleted": 0}})
	expectStatus(t, w, http.StatusOK)
	dataInto(t, env, &task)
	if task.Status != types.TaskCompleted || task.CompletedAt == nil {
		t.Errorf("task = %+v", task)
	}
}

func TestSessionLifecycle(t *testing.T) {
	ts := newTestServer(t)

	w, env := ts.do(t, http.MethodPost, "/api/v1/sessions", map[string]any{"user_id": "u-1", "user_type": "trainer"})
	expectStatus(t, w, http.StatusCreated)
	var sess types.ActiveSession
	dataInto(t, env, &sess)
	if sess.ID == "" || !sess.IsActive {
		t.Fatalf("session = %+v", sess)
	}

	w, env = ts.do(t, http.MethodPost, "/api/v1/sessions/"+sess.ID+"/heartbeat", map[string]any{"is_connected": true, "pending_operations": 4})
	expectStatus(t, w, http.StatusOK)
	dataInto(t, env, &sess)
	if sess.SyncStatus.PendingOperations != 4 {
		t.Errorf("PendingOperations = %d, want 4", sess.SyncStatus.PendingOperations)
	}

	w, _ = ts.do(t, http.MethodPost, "/api/v1/sessions/"+sess.ID+"/close", nil)
	expectStatus(t, w, http.StatusOK)

	w, env = ts.do(t, http.MethodGet, "/api/v1/sessions?active=true", nil)
	expectStatus(t, w, http.StatusOK)
	var active []types.ActiveSession
	dataInto(t, env, &active)
	if len(active) != 0 {
		t.Errorf("active sessions = %d, want 0", len(active))
	}
}

func TestCachePutGetEvict(t *testing.T) {
	ts := newTestServer(t)

	w, _ := ts.do(t, http.MethodPut, "/api/v1/cache/clients:c-1", map[string]any{
		"data": map[string]any{"plan": "gold"},
		"tags": []string{"clients"},
	})
	expectStatus(t, w, http.StatusOK)

	w, env := ts.do(t, http.MethodGet, "/api/v1/cache/clients:c-1", nil)
	expectStatus(t, w, http.StatusOK)
	var e types.CacheEntry
	dataInto(t, env, &e)
	if e.AccessCount != 1 || !strings.Contains(string(e.Data), "gold") {
		t.Errorf("entry = %+v", e)
	}

	w, env = ts.do(t, http.MethodPost, "/api/v1/cache/evict", map[string]any{"tags": []string{"clients"}})
	expectStatus(t, w, http.StatusOK)
	var evicted map[string]int64
	dataInto(t, env, &evicted)
	if evicted["evicted"] != 1 {
		t.Errorf("evicted = %v, want 1", evicted)
	}

	w, env = ts.do(t, http.MethodGet, "/api/v1/cache/clients:c-1", nil)
	expectStatus(t, w, http.StatusNotFound)
	if env.Kind != "not_found" {
		t.Errorf("kind = %q, want not_found", env.Kind)
	}
}

// --- Events, Health and Metrics Tests ---

func TestEvents_QueryHistoryAndExport(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, "/api/v1/entities/clients", map[string]any{"id": "c-1", "data": map[string]any{"plan": "basic"}})
	ts.do(t, http.MethodPost, "/api/v1/entities/clients/c-1/write", map[string]any{"data": map[string]any{"plan": "gold"}, "expected_version": 1})

	w, env := ts.do(t, http.MethodGet, "/api/v1/events/history?entity_type=clients&entity_id=c-1", nil)
	expectStatus(t, w, http.StatusOK)
	var history []types.SyncEvent
	dataInto(t, env, &history)
	if len(history) != 2 || history[0].Action != types.ActionUpdate {
		t.Errorf("history = %+v", history)
	}

	w, _ = ts.do(t, http.MethodGet, "/api/v1/events?window=2h", nil)
	expectStatus(t, w, http.StatusUnprocessableEntity)

	w, env = ts.do(t, http.MethodPost, "/api/v1/events/export", map[string]any{"entity_type": "clients", "window": "1h", "archive": true})
	expectStatus(t, w, http.StatusOK)
	var resp ExportResponse
	dataInto(t, env, &resp)
	if resp.Export.Count != 2 {
		t.Errorf("exported = %d, want 2", resp.Export.Count)
	}
	if resp.Object == nil || !strings.HasPrefix(resp.Object.Key, "exports/clients/") {
		t.Errorf("object = %+v", resp.Object)
	}
	if len(ts.uploader.keys) != 1 {
		t.Errorf("uploads = %d, want 1", len(ts.uploader.keys))
	}
}

func TestExport_ArchiveFailureIsUnavailable(t *testing.T) {
	ts := newTestServer(t)
	ts.uploader.err = errors.New("connection refused")

	w, env := ts.do(t, http.MethodPost, "/api/v1/events/export", map[string]any{"archive": true})

	expectStatus(t, w, http.StatusServiceUnavailable)
	if strings.Contains(env.Error, "connection refused") {
		t.Errorf("error leaks cause: %q", env.Error)
	}
}

func TestCleanupEvents_RejectsNonPositiveDays(t *testing.T) {
	ts := newTestServer(t)

	w, env := ts.do(t, http.MethodPost, "/api/v1/events/cleanup", map[string]any{"older_than_days": 0})

	expectStatus(t, w, http.StatusUnprocessableEntity)
	if env.Kind != "validation" {
		t.Errorf("kind = %q, want validation", env.Kind)
	}
}

func TestSyncStatusAndHealth(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, "/api/v1/entities/workouts", map[string]any{"id": "w-1", "data": map[string]any{"sets": 3}})

	w, env := ts.do(t, http.MethodGet, "/api/v1/sync/status?entity_type=workouts", nil)
	expectStatus(t, w, http.StatusOK)
	var status []health.EntityStatus
	dataInto(t, env, &status)
	if len(status) != 1 || status[0].RecordCount != 1 {
		t.Errorf("status = %+v", status)
	}

	w, env = ts.do(t, http.MethodGet, "/api/v1/sync/health", nil)
	expectStatus(t, w, http.StatusOK)
	var rep health.Report
	dataInto(t, env, &rep)
	if rep.Status == "" || len(rep.Signals) == 0 {
		t.Errorf("report = %+v", rep)
	}
}

func TestDashboardReads_DegradeWhenStoreFails(t *testing.T) {
	ts := newTestServer(t)
	ts.store.Close()

	for _, p := range []string{"/api/v1/conflicts", "/api/v1/sync/status", "/api/v1/sync/health"} {
		t.Run(p, func(t *testing.T) {
			w, env := ts.do(t, http.MethodGet, p, nil)

			expectStatus(t, w, http.StatusOK)
			if env.Success || env.Error == "" {
				t.Errorf("envelope = %+v, want success=false with error", env)
			}
		})
	}

	// Non-dashboard reads fail outright.
	w, _ := ts.do(t, http.MethodGet, "/api/v1/batches", nil)
	expectStatus(t, w, http.StatusServiceUnavailable)
}

func TestRecovery_DryRunAndUnknownAction(t *testing.T) {
	ts := newTestServer(t)

	w, env := ts.do(t, http.MethodPost, "/api/v1/recovery/restart_stuck_batches?dry_run=true", nil)
	expectStatus(t, w, http.StatusOK)
	var res health.RecoveryResult
	dataInto(t, env, &res)
	if !res.DryRun || res.Action != health.ActionRestartStuckBatches {
		t.Errorf("result = %+v", res)
	}

	w, _ = ts.do(t, http.MethodPost, "/api/v1/recovery/reboot_everything", nil)
	expectStatus(t, w, http.StatusUnprocessableEntity)
}

func TestMetrics_RecordQueryAndReport(t *testing.T) {
	ts := newTestServer(t)

	w, _ := ts.do(t, http.MethodPost, "/api/v1/metrics", map[string]any{
		"entity_type": "clients",
		"metric_type": "error_rate",
		"value":       0.02,
		"time_window": "hour",
	})
	expectStatus(t, w, http.StatusCreated)

	w, env := ts.do(t, http.MethodGet, "/api/v1/metrics?entity_type=clients&metric_type=error_rate", nil)
	expectStatus(t, w, http.StatusOK)
	var points []types.SyncMetric
	dataInto(t, env, &points)
	if len(points) != 1 || points[0].Value != 0.02 {
		t.Errorf("points = %+v", points)
	}

	w, _ = ts.do(t, http.MethodGet, "/api/v1/metrics/overview", nil)
	expectStatus(t, w, http.StatusOK)

	w, _ = ts.do(t, http.MethodGet, "/api/v1/metrics/performance?window=24h", nil)
	expectStatus(t, w, http.StatusOK)

	w, env = ts.do(t, http.MethodPost, "/api/v1/reports", map[string]any{"type": "daily", "archive": true})
	expectStatus(t, w, http.StatusOK)
	var resp ReportResponse
	dataInto(t, env, &resp)
	if resp.Report == nil || resp.Report.Type != metrics.ReportDaily {
		t.Errorf("report = %+v", resp.Report)
	}
	if resp.Object == nil || !strings.HasPrefix(resp.Object.Key, "reports/daily/") {
		t.Errorf("object = %+v", resp.Object)
	}

	w, _ = ts.do(t, http.MethodPost, "/api/v1/reports", map[string]any{"type": "custom", "start_ms": 2000, "end_ms": 1000})
	expectStatus(t, w, http.StatusUnprocessableEntity)
}
