package main

import (
	"fmt"

	"github.com/dshills/agentflow/supervisor"
	"github.com/spf13/cobra"
)

func uiCommand(flags *globalFlags) *cobra.Command {
	var (
		dashboardPort int
		chatPort      int
		mlflowPort    int
		mlflowURI     string
		noChat        bool
		chatWorkflow  string
	)

	cmd := &cobra.Command{
		Use:   "ui [config...]",
		Short: "Start the supervised dashboard, chat, and metrics UIs",
		Long: `Starts each UI as an independent supervised OS process. Positional
arguments are workflow declaration files loaded into the dashboard and chat
catalogs. With --mlflow-port a metrics UI child serves the experiment store;
--mlflow-uri instead points at an already running external tracker.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if mlflowPort > 0 && mlflowURI != "" {
				return fmt.Errorf("--mlflow-port and --mlflow-uri are mutually exclusive")
			}

			experiments := flags.experimentsURI()
			if mlflowURI != "" {
				experiments = mlflowURI
			}
			workflows := make([]any, len(args))
			for i, path := range args {
				workflows[i] = path
			}
			shared := map[string]any{
				"db":          flags.dbURI(),
				"experiments": experiments,
				"workflows":   workflows,
			}

			dashboard := supervisor.Child{
				Name:      "dashboard",
				Entry:     "dashboard",
				Config:    withPort(shared, dashboardPort),
				ReadyPort: dashboardPort,
			}
			children := []supervisor.Child{dashboard}

			if !noChat {
				cfg := withPort(shared, chatPort)
				cfg["chat_workflow"] = chatWorkflow
				children = append(children, supervisor.Child{
					Name:      "chat",
					Entry:     "chat",
					Config:    cfg,
					ReadyPort: chatPort,
					DependsOn: []string{"dashboard"},
				})
			}
			if mlflowPort > 0 {
				children = append(children, supervisor.Child{
					Name:      "metrics",
					Entry:     "metrics",
					Config:    withPort(shared, mlflowPort),
					ReadyPort: mlflowPort,
				})
			}

			ctx, cancel := signalContext()
			defer cancel()
			return supervisor.New(children).Run(ctx)
		},
	}

	cmd.Flags().IntVar(&dashboardPort, "dashboard-port", 8080, "dashboard HTTP port")
	cmd.Flags().IntVar(&chatPort, "chat-port", 8502, "chat UI HTTP port")
	cmd.Flags().IntVar(&mlflowPort, "mlflow-port", 0, "serve the metrics UI on this port")
	cmd.Flags().StringVar(&mlflowURI, "mlflow-uri", "", "use an external experiment tracker at this URI")
	cmd.Flags().BoolVar(&noChat, "no-chat", false, "skip the chat UI child")
	cmd.Flags().StringVar(&chatWorkflow, "chat-workflow", "", "catalog workflow behind the chat UI")
	return cmd
}

func withPort(shared map[string]any, port int) map[string]any {
	cfg := make(map[string]any, len(shared)+1)
	for k, v := range shared {
		cfg[k] = v
	}
	cfg["port"] = port
	return cfg
}
