//go:build e2e

package e2e

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"
)

type entityRecord struct {
	ID      string         `json:"id"`
	Data    map[string]any `json:"data"`
	Version int64          `json:"_version"`
}

func TestServer_HealthAndAuth(t *testing.T) {
	s := startFitsync(t)

	resp, err := http.Get(s.baseURL() + "/conflicts")
	if err != nil {
		t.Fatalf("GET /conflicts: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	status, env := s.call(t, http.MethodGet, "/sync/health", nil)
	if status != http.StatusOK || !env.Success {
		t.Errorf("sync health = %d %+v", status, env)
	}
}

func TestServer_ConflictRoundTrip(t *testing.T) {
	s := startFitsync(t)

	// Given: a client record at version 2
	status, _ := s.call(t, http.MethodPost, "/entities/clients", map[string]any{"id": "c-1", "data": map[string]any{"plan": "basic"}})
	if status != http.StatusCreated {
		t.Fatalf("create status = %d", status)
	}
	status, _ = s.call(t, http.MethodPost, "/entities/clients/c-1/write", map[string]any{"data": map[string]any{"plan": "gold"}, "expected_version": 1})
	if status != http.StatusOK {
		t.Fatalf("update status = %d", status)
	}

	// When: a stale writer targets version 1
	status, env := s.call(t, http.MethodPost, "/entities/clients/c-1/write", map[string]any{"data": map[string]any{"plan": "silver"}, "expected_version": 1})

	// Then: the write is rejected with the recorded conflict
	if status != http.StatusConflict || env.Kind != "version_conflict" {
		t.Fatalf("stale write = %d %+v", status, env)
	}
	var conflict struct {
		ID string `json:"id"`
	}
	unmarshalData(t, env, &conflict)

	// And: resolving it for the client applies the client data
	status, _ = s.call(t, http.MethodPost, "/conflicts/"+conflict.ID+"/resolve", map[string]any{"resolution": "client_wins"})
	if status != http.StatusOK {
		t.Fatalf("resolve status = %d", status)
	}
	_, env = s.call(t, http.MethodGet, "/entities/clients/c-1", nil)
	var rec entityRecord
	unmarshalData(t, env, &rec)
	if rec.Data["plan"] != "silver" || rec.Version != 3 {
		t.Errorf("record = %+v", rec)
	}
}

func TestServer_RunsDueTasks(t *testing.T) {
	s := startFitsync(t)

	status, env := s.call(t, http.MethodPost, "/tasks", map[string]any{
		"task_type":    "health_check",
		"scheduled_at": time.Now().UTC().Add(-time.Second),
	})
	if status != http.StatusCreated {
		t.Fatalf("enqueue status = %d %+v", status, env)
	}
	var task struct {
		ID string `json:"task_id"`
	}
	unmarshalData(t, env, &task)

	// The scheduler runner polls every 200ms.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, env = s.call(t, http.MethodGet, "/tasks?status=completed", nil)
		var tasks []struct {
			ID string `json:"task_id"`
		}
		unmarshalData(t, env, &tasks)
		for _, got := range tasks {
			if got.ID == task.ID {
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("task %s did not complete", task.ID)
}

func TestServer_DataSurvivesRestart(t *testing.T) {
	s := startFitsync(t)
	s.call(t, http.MethodPost, "/entities/workouts", map[string]any{"id": "w-1", "data": map[string]any{"sets": 3}})

	s = s.restart(t)

	status, env := s.call(t, http.MethodGet, "/entities/workouts/w-1", nil)
	if status != http.StatusOK {
		t.Fatalf("get after restart = %d %+v", status, env)
	}
	var rec entityRecord
	unmarshalData(t, env, &rec)
	if rec.Version != 1 {
		t.Errorf("version = %d, want 1", rec.Version)
	}
}

func TestCLI_ReadsServerDatabase(t *testing.T) {
	s := startFitsync(t)
	s.call(t, http.MethodPost, "/entities/clients", map[string]any{"id": "c-9", "data": map[string]any{}})
	s.stop()

	out := runCLI(t, s.dataDir, "events", "export", "--entity-type", "clients", "--window", "1h")
	var exp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal([]byte(out), &exp); err != nil {
		t.Fatalf("decode export: %v\n%s", err, out)
	}
	if exp.Count != 1 {
		t.Errorf("exported %d events, want 1", exp.Count)
	}

	out = runCLI(t, s.dataDir, "health")
	if !strings.Contains(out, "clients") {
		t.Errorf("health output missing clients row:\n%s", out)
	}
}
