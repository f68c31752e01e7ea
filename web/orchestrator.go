package web

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/dshills/agentflow/agents"
	"github.com/dshills/agentflow/store"
	"github.com/gin-gonic/gin"
)

func (s *Server) handleAgentList(c *gin.Context) {
	if s.cfg.Registry == nil {
		s.fail(c, fmt.Errorf("agent registry not configured"))
		return
	}
	list, err := s.cfg.Registry.List(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	s.render(c, http.StatusOK, "agents", gin.H{"Title": "Agents", "Agents": list})
}

// handleAgentRegister registers a new agent after verifying it is reachable:
// 200 on success, 400 when its health endpoint cannot be reached, 409 when
// the id is already registered.
func (s *Server) handleAgentRegister(c *gin.Context) {
	if s.cfg.Registry == nil {
		s.fail(c, fmt.Errorf("agent registry not configured"))
		return
	}
	var body struct {
		AgentID    string         `json:"agent_id" form:"agent_id"`
		Name       string         `json:"name" form:"name"`
		URL        string         `json:"url" form:"url"`
		Metadata   map[string]any `json:"metadata" form:"-"`
		TTLSeconds int            `json:"ttl_seconds" form:"ttl_seconds"`
	}
	if err := c.ShouldBind(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	if body.AgentID == "" || body.Name == "" || body.URL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agent_id, name, and url are required"})
		return
	}

	// Reject unreachable agents up front; registration implies the
	// orchestrator can talk to them.
	if err := s.cfg.Registry.ProbeURL(c.Request.Context(), body.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agent unreachable: " + err.Error()})
		return
	}

	rec := &store.AgentRecord{
		AgentID:    body.AgentID,
		Name:       body.Name,
		URL:        body.URL,
		Metadata:   body.Metadata,
		TTLSeconds: body.TTLSeconds,
	}
	if err := s.cfg.Registry.Register(c.Request.Context(), rec, true); err != nil {
		if errors.Is(err, agents.ErrExists) {
			c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("agent %q already registered", body.AgentID)})
			return
		}
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent_id": rec.AgentID, "registered": true})
}

func (s *Server) handleAgentDeregister(c *gin.Context) {
	if s.cfg.Registry == nil {
		s.fail(c, fmt.Errorf("agent registry not configured"))
		return
	}
	err := s.cfg.Registry.Deregister(c.Request.Context(), c.Param("agent_id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleAgentHealthCheck returns the agent table fragment for the HTMX
// poller. Swap contract: the client swaps with innerHTML into #agent-table,
// so the fragment root is the bare <table>, not the container div.
func (s *Server) handleAgentHealthCheck(c *gin.Context) {
	if s.cfg.Registry == nil {
		s.fail(c, fmt.Errorf("agent registry not configured"))
		return
	}
	list, err := s.cfg.Registry.List(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	s.render(c, http.StatusOK, "agent_rows", gin.H{"Agents": list})
}

func (s *Server) handleAgentSchema(c *gin.Context) {
	if s.cfg.Orch == nil {
		s.fail(c, fmt.Errorf("orchestrator not configured"))
		return
	}
	doc, err := s.cfg.Orch.FetchSchema(c.Request.Context(), c.Param("agent_id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

// handleAgentExecute runs a workflow on the chosen agent and redirects to
// the unified run history: 303 to /workflows/{run_id}.
func (s *Server) handleAgentExecute(c *gin.Context) {
	if s.cfg.Orch == nil {
		s.fail(c, fmt.Errorf("orchestrator not configured"))
		return
	}
	var body struct {
		Inputs map[string]any `json:"inputs"`
	}
	if c.ContentType() == "application/json" {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}
	}

	record, err := s.cfg.Orch.ExecuteOn(c.Request.Context(), c.Param("agent_id"), body.Inputs)
	if err != nil && record == nil {
		s.fail(c, err)
		return
	}
	// Failed remote runs still have a record; the detail page shows the
	// error.
	c.Redirect(http.StatusSeeOther, "/workflows/"+record.RunID)
}
