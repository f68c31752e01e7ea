package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dshills/agentflow/agents"
	"github.com/dshills/agentflow/graph"
	"github.com/dshills/agentflow/store"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

func agentCommand(flags *globalFlags) *cobra.Command {
	var (
		port       int
		agentID    string
		agentURL   string
		ttlSeconds int
	)

	cmd := &cobra.Command{
		Use:   "agent <config>",
		Short: "Serve one workflow over the remote agent protocol",
		Long: `Serves GET /health, GET /schema, and POST /run for a single workflow.
With --agent-id the process also registers itself in the shared database and
heartbeats at a third of its TTL, so orchestrators see it as alive.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			decl, err := loadDeclaration(args[0])
			if err != nil {
				return err
			}
			runs, err := flags.openStore()
			if err != nil {
				return err
			}
			defer runs.Close()

			srv, err := agents.NewServer(decl,
				graph.WithRunStore(runs), graph.WithToolRegistry(builtinTools()))
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			if agentID != "" {
				registry := agents.NewRegistry(runs)
				if agentURL == "" {
					agentURL = fmt.Sprintf("http://127.0.0.1:%d", port)
				}
				rec := &store.AgentRecord{
					AgentID:    agentID,
					Name:       decl.Flow.Name,
					URL:        agentURL,
					TTLSeconds: ttlSeconds,
				}
				if err := registry.Register(ctx, rec, false); err != nil {
					return err
				}
				go heartbeatLoop(ctx, registry, agentID, rec.TTLSeconds)
				defer func() {
					// The serve context is already cancelled here.
					dctx, dcancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer dcancel()
					_ = registry.Deregister(dctx, agentID)
				}()
			}

			gin.SetMode(gin.ReleaseMode)
			httpSrv := &http.Server{
				Addr:    fmt.Sprintf(":%d", port),
				Handler: srv.Router(),
			}
			go func() {
				<-ctx.Done()
				_ = httpSrv.Close()
			}()
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&port, "port", 9000, "agent HTTP port")
	cmd.Flags().StringVar(&agentID, "agent-id", "", "register under this id and heartbeat")
	cmd.Flags().StringVar(&agentURL, "url", "", "advertised URL (defaults to http://127.0.0.1:<port>)")
	cmd.Flags().IntVar(&ttlSeconds, "ttl", agents.DefaultTTLSeconds, "heartbeat TTL in seconds")
	return cmd
}

// heartbeatLoop refreshes the registration at a third of the TTL, the margin
// that keeps one missed beat from flipping the agent stale.
func heartbeatLoop(ctx context.Context, registry *agents.Registry, agentID string, ttlSeconds int) {
	interval := time.Duration(ttlSeconds) * time.Second / 3
	if interval <= 0 {
		interval = time.Duration(agents.DefaultTTLSeconds) * time.Second / 3
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = registry.Heartbeat(ctx, agentID)
		}
	}
}
