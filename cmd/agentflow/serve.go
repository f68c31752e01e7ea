package main

import (
	"encoding/json"
	"fmt"

	"github.com/dshills/agentflow/supervisor"
	"github.com/spf13/cobra"
)

// serveCommand is the supervisor's re-exec target. A child process runs
// exactly one registered entry with the plain-data config record it was
// handed on the command line.
func serveCommand() *cobra.Command {
	var configJSON string

	cmd := &cobra.Command{
		Use:    "serve <entry>",
		Hidden: true,
		Args:   cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fn, err := supervisor.LookupEntry(args[0])
			if err != nil {
				return err
			}
			config := map[string]any{}
			if configJSON != "" {
				if err := json.Unmarshal([]byte(configJSON), &config); err != nil {
					return fmt.Errorf("invalid --config-json: %w", err)
				}
			}
			return fn(config)
		},
	}

	cmd.Flags().StringVar(&configJSON, "config-json", "", "entry configuration record")
	return cmd
}
