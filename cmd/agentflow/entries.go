package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/dshills/agentflow/agents"
	"github.com/dshills/agentflow/graph"
	"github.com/dshills/agentflow/optimize"
	"github.com/dshills/agentflow/store"
	"github.com/dshills/agentflow/supervisor"
	"github.com/dshills/agentflow/web"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Supervised child entries. A child receives only the plain-data config
// record the supervisor serialized for it; everything live is rebuilt here.
func init() {
	supervisor.RegisterEntry("dashboard", dashboardEntry)
	supervisor.RegisterEntry("chat", chatEntry)
	supervisor.RegisterEntry("metrics", metricsEntry)
}

func dashboardEntry(config map[string]any) error {
	srv, err := buildWebServer(config, "")
	if err != nil {
		return err
	}
	return listen(cfgInt(config, "port"), srv.Router())
}

// chatEntry serves the same web surface on its own port with the chat
// workflow pinned, so the chat UI survives a dashboard crash.
func chatEntry(config map[string]any) error {
	srv, err := buildWebServer(config, cfgString(config, "chat_workflow"))
	if err != nil {
		return err
	}
	return listen(cfgInt(config, "port"), srv.Router())
}

// metricsEntry is the optional metrics UI: prometheus metrics plus a JSON
// view over the experiment store.
func metricsEntry(config map[string]any) error {
	exps, err := openExperiments(cfgString(config, "experiments"))
	if err != nil {
		return err
	}
	defer exps.Close()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{})))
	router.GET("/experiments", func(c *gin.Context) {
		names, err := exps.ListExperiments(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"experiments": names})
	})
	router.GET("/experiments/:name", func(c *gin.Context) {
		runs, err := exps.ListRuns(c.Request.Context(), c.Param("name"), optimize.Filter{})
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"runs": runs})
	})
	return listen(cfgInt(config, "port"), router)
}

// buildWebServer assembles the web.Server a child entry serves. chatWorkflow
// pins the chat UI to one catalog entry; empty leaves the default resolution.
func buildWebServer(config map[string]any, chatWorkflow string) (*web.Server, error) {
	st, err := store.Open(cfgString(config, "db"))
	if err != nil {
		return nil, err
	}

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	metrics := graph.NewMetrics(prometheus.DefaultRegisterer)
	launcher := web.NewLauncher(st, cfgInt(config, "pool"),
		graph.WithMetrics(metrics), graph.WithToolRegistry(builtinTools()))
	for _, path := range cfgStrings(config, "workflows") {
		decl, err := loadDeclaration(path)
		if err != nil {
			return nil, fmt.Errorf("workflow %s: %w", path, err)
		}
		if err := launcher.AddWorkflow(decl); err != nil {
			return nil, fmt.Errorf("workflow %s: %w", path, err)
		}
	}

	registry := agents.NewRegistry(st)
	cfg := web.Config{
		Store:         st,
		Launcher:      launcher,
		Registry:      registry,
		Orch:          agents.NewOrchestrator(registry, st, agents.NewClient(nil)),
		WebhookSecret: os.Getenv("AGENTFLOW_WEBHOOK_SECRET"),
		ChatWorkflow:  chatWorkflow,
		Logger:        logger,
	}

	// A broken experiment store degrades the optimization views only.
	if exps, err := openExperiments(cfgString(config, "experiments")); err == nil {
		cfg.Experiments = exps
		cfg.Runner = optimize.NewRunner(exps, graph.WithRunStore(st))
	} else {
		logger.Warn().Err(err).Msg("experiment store unavailable")
	}

	gin.SetMode(gin.ReleaseMode)
	return web.NewServer(cfg)
}

func openExperiments(uri string) (optimize.ExperimentStore, error) {
	switch {
	case uri == "" || strings.HasPrefix(uri, "sqlite://"):
		path := strings.TrimPrefix(uri, "sqlite://")
		if path == "" {
			path = "experiments.db"
		}
		return optimize.NewSQLiteExperiments(path)
	case uri == "memory://":
		return optimize.NewMemoryExperiments(), nil
	default:
		return nil, fmt.Errorf("unsupported experiment store URI %q", uri)
	}
}

func listen(port int, handler http.Handler) error {
	if port <= 0 {
		return fmt.Errorf("missing or invalid port %d", port)
	}
	return http.ListenAndServe(fmt.Sprintf(":%d", port), handler)
}

// JSON round-trips leave numbers as float64 and lists as []any; these
// helpers read the child config record back into usable shapes.
func cfgString(config map[string]any, key string) string {
	s, _ := config[key].(string)
	return s
}

func cfgInt(config map[string]any, key string) int {
	switch v := config[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func cfgStrings(config map[string]any, key string) []string {
	var out []string
	switch v := config[key].(type) {
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	case []string:
		out = v
	}
	return out
}
