package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

// fakeAgent serves the agent protocol the orchestrator handlers talk to.
func fakeAgent(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "workflow": "remote_flow"})
	})
	router.GET("/schema", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"workflow": "remote_flow",
			"inputs":   gin.H{"message": gin.H{"type": "str", "required": true}},
			"outputs":  []string{"reply"},
		})
	})
	router.POST("/run", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"run_id":           "remote-run-1",
			"status":           "completed",
			"outputs":          gin.H{"reply": "remote says hi"},
			"duration_seconds": 0.2,
			"cost_usd":         0.001,
		})
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func registerAgent(t *testing.T, env *testEnv, id, url string) {
	t.Helper()
	body := `{"agent_id": "` + id + `", "name": "` + id + `", "url": "` + url + `"}`
	w := env.do(t, http.MethodPost, "/orchestrator/register", "application/json", body)
	if w.Code != http.StatusOK {
		t.Fatalf("register status = %d, want 200: %s", w.Code, w.Body.String())
	}
}

func TestAgentRegistration(t *testing.T) {
	env := newEnv(t, 0, nil)
	agent := fakeAgent(t)

	registerAgent(t, env, "agent-1", agent.URL)

	t.Run("duplicate id conflicts", func(t *testing.T) {
		body := `{"agent_id": "agent-1", "name": "other", "url": "` + agent.URL + `"}`
		w := env.do(t, http.MethodPost, "/orchestrator/register", "application/json", body)
		if w.Code != http.StatusConflict {
			t.Errorf("status = %d, want 409", w.Code)
		}
	})

	t.Run("unreachable agent rejected", func(t *testing.T) {
		body := `{"agent_id": "agent-2", "name": "dead", "url": "http://127.0.0.1:1"}`
		w := env.do(t, http.MethodPost, "/orchestrator/register", "application/json", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})

	t.Run("missing fields rejected", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/orchestrator/register", "application/json", `{"agent_id": "x"}`)
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})
}

func TestAgentDeregister(t *testing.T) {
	env := newEnv(t, 0, nil)
	agent := fakeAgent(t)
	registerAgent(t, env, "agent-1", agent.URL)

	w := env.do(t, http.MethodDelete, "/orchestrator/agent-1", "", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("deregister status = %d, want 204", w.Code)
	}
	w = env.do(t, http.MethodDelete, "/orchestrator/agent-1", "", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("second deregister status = %d, want 404", w.Code)
	}
}

func TestAgentHealthCheckFragment(t *testing.T) {
	env := newEnv(t, 0, nil)
	agent := fakeAgent(t)
	registerAgent(t, env, "agent-1", agent.URL)

	w := env.do(t, http.MethodGet, "/orchestrator/health-check", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := strings.TrimSpace(w.Body.String())
	if !strings.HasPrefix(body, "<table") {
		t.Errorf("fragment should be table-rooted for the innerHTML swap, got %q", firstLine(body))
	}
	if !strings.Contains(body, "agent-1") {
		t.Error("fragment should list the registered agent")
	}
	if !strings.Contains(body, "status-completed") {
		t.Error("fragment should mark the freshly registered agent alive")
	}
}

func TestAgentSchema(t *testing.T) {
	env := newEnv(t, 0, nil)
	agent := fakeAgent(t)
	registerAgent(t, env, "agent-1", agent.URL)

	w := env.do(t, http.MethodGet, "/orchestrator/agent-1/schema", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var doc struct {
		Workflow string   `json:"workflow"`
		Outputs  []string `json:"outputs"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode schema: %v", err)
	}
	if doc.Workflow != "remote_flow" || len(doc.Outputs) != 1 {
		t.Errorf("schema = %+v, want remote_flow with one output", doc)
	}
}

func TestAgentExecuteRedirectsToRun(t *testing.T) {
	env := newEnv(t, 0, nil)
	agent := fakeAgent(t)
	registerAgent(t, env, "agent-1", agent.URL)

	w := env.do(t, http.MethodPost, "/orchestrator/agent-1/execute", "application/json",
		`{"inputs": {"message": "hi"}}`)
	if w.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want 303: %s", w.Code, w.Body.String())
	}
	location := w.Header().Get("Location")
	if !strings.HasPrefix(location, "/workflows/") {
		t.Fatalf("Location = %q, want a run detail path", location)
	}

	runID := strings.TrimPrefix(location, "/workflows/")
	run, err := env.store.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.AgentID != "agent-1" {
		t.Errorf("agent_id = %q, want agent-1", run.AgentID)
	}
	if reply, _ := run.Outputs["reply"].(string); reply != "remote says hi" {
		t.Errorf("outputs = %v, want the remote reply", run.Outputs)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
