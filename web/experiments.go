package web

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/dshills/agentflow/optimize"
	"github.com/gin-gonic/gin"
)

// handleExperimentList shows logged experiments. When the experiment store is
// missing or unavailable the page renders degraded instead of erroring, so a
// broken optimization backend never takes the dashboard down with it.
func (s *Server) handleExperimentList(c *gin.Context) {
	data := gin.H{"Title": "Experiments", "Available": false}
	if s.cfg.Experiments != nil {
		names, err := s.cfg.Experiments.ListExperiments(c.Request.Context())
		switch {
		case err == nil:
			data["Available"] = true
			data["Experiments"] = names
		case errors.Is(err, optimize.ErrUnavailable):
			// degraded view
		default:
			s.fail(c, err)
			return
		}
	}
	s.render(c, http.StatusOK, "experiments", data)
}

func (s *Server) handleExperimentCompare(c *gin.Context) {
	experiment := c.Query("experiment")
	if experiment == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "experiment query parameter is required"})
		return
	}
	metric := c.DefaultQuery("metric", "cost_usd")
	minimize := c.DefaultQuery("minimize", "true") != "false"

	data := gin.H{
		"Title":      "Experiment " + experiment,
		"Experiment": experiment,
		"Metric":     metric,
		"Minimize":   minimize,
		"Available":  false,
	}
	if s.cfg.Runner != nil {
		ranked, err := s.cfg.Runner.Evaluate(c.Request.Context(), experiment, metric, minimize)
		switch {
		case err == nil:
			data["Available"] = true
			data["Ranked"] = ranked
		case errors.Is(err, optimize.ErrUnavailable):
			// degraded view
		default:
			s.fail(c, err)
			return
		}
	}
	s.render(c, http.StatusOK, "compare", data)
}

// handleExperimentApply rewrites a workflow file with the winning variant's
// prompt, keeping a timestamped backup next to it.
func (s *Server) handleExperimentApply(c *gin.Context) {
	if s.cfg.Runner == nil {
		s.fail(c, fmt.Errorf("experiment runner not configured"))
		return
	}
	var body struct {
		Experiment string `json:"experiment" form:"experiment"`
		Metric     string `json:"metric" form:"metric"`
		Workflow   string `json:"workflow" form:"workflow"`
		Minimize   *bool  `json:"minimize" form:"minimize"`
	}
	if err := c.ShouldBind(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	if body.Experiment == "" || body.Workflow == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "experiment and workflow are required"})
		return
	}
	if body.Metric == "" {
		body.Metric = "cost_usd"
	}
	minimize := true
	if body.Minimize != nil {
		minimize = *body.Minimize
	}

	result, err := s.cfg.Runner.ApplyBest(c.Request.Context(), body.Experiment, body.Workflow, body.Metric, minimize)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"winner":      result.Winner,
		"node_id":     result.NodeID,
		"backup_path": result.BackupPath,
	})
}
