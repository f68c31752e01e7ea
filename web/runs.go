package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dshills/agentflow/graph"
	"github.com/dshills/agentflow/store"
	"github.com/gin-gonic/gin"
)

var listStatuses = []store.RunStatus{
	store.StatusPending, store.StatusRunning, store.StatusCompleted,
	store.StatusFailed, store.StatusCancelled,
}

func (s *Server) handleRunList(c *gin.Context) {
	filter := store.Filter{Limit: 200}
	statusParam := c.Query("status")
	if statusParam != "" {
		filter.Status = store.RunStatus(statusParam)
	}
	if wf := c.Query("workflow"); wf != "" {
		filter.Workflow = wf
	}
	runs, err := s.cfg.Store.ListRuns(c.Request.Context(), filter)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.render(c, http.StatusOK, "runs", gin.H{
		"Title":    "Runs",
		"Runs":     runs,
		"Filter":   store.RunStatus(statusParam),
		"Statuses": listStatuses,
	})
}

func (s *Server) handleRunDetail(c *gin.Context) {
	run, err := s.cfg.Store.GetRun(c.Request.Context(), c.Param("run_id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	s.render(c, http.StatusOK, "run_detail", gin.H{
		"Title":       "Run " + run.RunID,
		"Run":         run,
		"InputsJSON":  prettyJSON(run.Inputs),
		"OutputsJSON": prettyJSON(run.Outputs),
	})
}

// handleRunRestart re-executes a finished run from its config snapshot:
// 202 with the new run id, 400 when the run is still active, 404 unknown.
func (s *Server) handleRunRestart(c *gin.Context) {
	newID, err := s.cfg.Launcher.Restart(c.Request.Context(), c.Param("run_id"))
	if err != nil {
		var ee *graph.EngineError
		if errors.As(err, &ee) && ee.Code == graph.CodeRunActive {
			c.JSON(http.StatusBadRequest, gin.H{"error": ee.Message})
			return
		}
		if errors.Is(err, ErrBusy) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"new_run_id": newID})
}

func (s *Server) handleRunCancel(c *gin.Context) {
	if err := s.cfg.Launcher.Cancel(c.Request.Context(), c.Param("run_id")); err != nil {
		var ee *graph.EngineError
		if errors.As(err, &ee) {
			c.JSON(http.StatusBadRequest, gin.H{"error": ee.Message})
			return
		}
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": c.Param("run_id"), "status": "cancelling"})
}

func prettyJSON(v any) string {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(out)
}
