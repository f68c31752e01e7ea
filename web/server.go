package web

import (
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/dshills/agentflow/agents"
	"github.com/dshills/agentflow/flowerr"
	"github.com/dshills/agentflow/optimize"
	"github.com/dshills/agentflow/store"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// Config wires the dashboard's collaborators. Store and Launcher are
// required; the rest degrade gracefully when absent.
type Config struct {
	Store    store.Store
	Launcher *Launcher
	Registry *agents.Registry
	Orch     *agents.Orchestrator

	// Experiments may be nil or unavailable; experiment views then render
	// degraded rather than failing.
	Experiments optimize.ExperimentStore
	Runner      *optimize.Runner

	// WebhookSecret enables HMAC verification on /webhooks/generic.
	WebhookSecret string

	// ChatWorkflow names the catalog workflow behind the chat UI. Empty is
	// fine when the catalog holds exactly one workflow.
	ChatWorkflow string

	// Gatherer serves /metrics; nil uses the process-default registry.
	Gatherer prometheus.Gatherer

	Logger zerolog.Logger
}

// Server is the dashboard HTTP service.
type Server struct {
	cfg  Config
	log  zerolog.Logger
	tmpl *template.Template
}

// NewServer parses the embedded templates and builds the service.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("web: store is required")
	}
	if cfg.Launcher == nil {
		return nil, fmt.Errorf("web: launcher is required")
	}
	tmpl, err := template.ParseFS(templateFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &Server{cfg: cfg, log: cfg.Logger, tmpl: tmpl}, nil
}

// Router builds the gin routes.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLog())

	router.GET("/", func(c *gin.Context) { c.Redirect(http.StatusFound, "/workflows") })
	router.GET("/health", s.handleHealth)
	router.GET("/metrics", s.metricsHandler())

	router.GET("/workflows", s.handleRunList)
	router.GET("/workflows/:run_id", s.handleRunDetail)
	router.POST("/workflows/:run_id/restart", s.handleRunRestart)
	router.POST("/workflows/:run_id/cancel", s.handleRunCancel)

	router.GET("/agents", s.handleAgentList)
	router.POST("/orchestrator/register", s.handleAgentRegister)
	router.DELETE("/orchestrator/:agent_id", s.handleAgentDeregister)
	router.POST("/orchestrator/:agent_id/deregister", s.handleAgentDeregister)
	router.GET("/orchestrator/health-check", s.handleAgentHealthCheck)
	router.GET("/orchestrator/:agent_id/schema", s.handleAgentSchema)
	router.POST("/orchestrator/:agent_id/execute", s.handleAgentExecute)

	router.GET("/optimization/experiments", s.handleExperimentList)
	router.GET("/optimization/compare", s.handleExperimentCompare)
	router.POST("/optimization/apply", s.handleExperimentApply)

	router.GET("/chat", s.handleChat)
	router.POST("/chat/send", s.handleChatSend)

	router.POST("/webhooks/generic", s.handleWebhook)
	return router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) metricsHandler() gin.HandlerFunc {
	gatherer := s.cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	h := promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	return func(c *gin.Context) { h.ServeHTTP(c.Writer, c.Request) }
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}

// fail writes an error response with the status flowerr assigns, attaching a
// correlation id on 500s so log lines and responses can be matched.
func (s *Server) fail(c *gin.Context, err error) {
	status := flowerr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		correlation := uuid.NewString()
		s.log.Error().Err(err).Str("correlation_id", correlation).Msg("request failed")
		c.JSON(status, gin.H{"error": "internal error", "correlation_id": correlation})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// render executes one named template over the shared layout.
func (s *Server) render(c *gin.Context, status int, name string, data any) {
	c.Status(status)
	c.Header("Content-Type", "text/html; charset=utf-8")
	if err := s.tmpl.ExecuteTemplate(c.Writer, name, data); err != nil {
		s.log.Error().Err(err).Str("template", name).Msg("render failed")
	}
}
