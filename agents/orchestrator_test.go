package agents

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dshills/agentflow/store"
)

func registerTestAgent(t *testing.T, reg *Registry, id, url string) {
	t.Helper()
	err := reg.Register(context.Background(), &store.AgentRecord{
		AgentID: id, Name: "remote_flow", URL: url, TTLSeconds: 60,
	}, false)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
}

func TestExecuteOnRecordsRemoteRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/run" || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"run_id":"remote-1","status":"completed","outputs":{"answer":"42"},"duration_seconds":1.5,"cost_usd":0.02}`))
	}))
	defer srv.Close()

	mem := store.NewMemory()
	reg := NewRegistry(mem)
	registerTestAgent(t, reg, "a1", srv.URL)
	c, _ := testClient()
	orch := NewOrchestrator(reg, mem, c)

	record, err := orch.ExecuteOn(context.Background(), "a1", map[string]any{"q": "life"})
	if err != nil {
		t.Fatalf("ExecuteOn failed: %v", err)
	}
	if record.AgentID != "a1" {
		t.Errorf("agent id = %q", record.AgentID)
	}
	if record.Status != store.StatusCompleted {
		t.Errorf("status = %s", record.Status)
	}
	if record.Outputs["answer"] != "42" {
		t.Errorf("outputs = %v", record.Outputs)
	}
	if record.CostUSD != 0.02 || record.DurationSeconds != 1.5 {
		t.Errorf("cost = %v, duration = %v", record.CostUSD, record.DurationSeconds)
	}

	// Remote runs appear in the unified local history.
	byAgent, err := mem.ListRunsByAgent(context.Background(), "a1")
	if err != nil {
		t.Fatalf("ListRunsByAgent failed: %v", err)
	}
	if len(byAgent) != 1 || byAgent[0].RunID != record.RunID {
		t.Errorf("byAgent = %v", byAgent)
	}
}

func TestExecuteOnUnreachableAgent(t *testing.T) {
	mem := store.NewMemory()
	reg := NewRegistry(mem)
	registerTestAgent(t, reg, "a1", "http://127.0.0.1:1")
	c, _ := testClient()
	orch := NewOrchestrator(reg, mem, c)

	record, err := orch.ExecuteOn(context.Background(), "a1", nil)
	if err == nil {
		t.Fatal("expected failure")
	}
	if record.Status != store.StatusFailed {
		t.Errorf("status = %s", record.Status)
	}
	persisted, err := mem.GetRun(context.Background(), record.RunID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if !strings.Contains(persisted.Error, "AgentUnreachable") {
		t.Errorf("error = %q, want AgentUnreachable marker", persisted.Error)
	}
}

func TestExecuteOnRemoteFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"run_id":"remote-2","status":"failed","outputs":{},"error":"node boom"}`))
	}))
	defer srv.Close()

	mem := store.NewMemory()
	reg := NewRegistry(mem)
	registerTestAgent(t, reg, "a1", srv.URL)
	c, _ := testClient()
	orch := NewOrchestrator(reg, mem, c)

	record, err := orch.ExecuteOn(context.Background(), "a1", nil)
	if err != nil {
		t.Fatalf("ExecuteOn failed: %v", err)
	}
	if record.Status != store.StatusFailed {
		t.Errorf("status = %s, want failed (remote said failed)", record.Status)
	}
	if record.Error != "node boom" {
		t.Errorf("error = %q", record.Error)
	}
}

func TestFetchSchema(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"workflow":"remote_flow","inputs":{},"outputs":["x"]}`))
	}))
	defer srv.Close()

	mem := store.NewMemory()
	reg := NewRegistry(mem)
	registerTestAgent(t, reg, "a1", srv.URL)
	c, _ := testClient()
	orch := NewOrchestrator(reg, mem, c)

	doc, err := orch.FetchSchema(context.Background(), "a1")
	if err != nil {
		t.Fatalf("FetchSchema failed: %v", err)
	}
	if doc.Workflow != "remote_flow" {
		t.Errorf("workflow = %s", doc.Workflow)
	}
}
