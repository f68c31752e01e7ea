package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dshills/agentflow/graph"
	"github.com/dshills/agentflow/graph/emit"
	"github.com/spf13/cobra"
)

func runCommand(flags *globalFlags) *cobra.Command {
	var inputPairs []string

	cmd := &cobra.Command{
		Use:   "run <config>",
		Short: "Execute a workflow and print its outputs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			decl, err := loadDeclaration(args[0])
			if err != nil {
				return err
			}
			inputs, err := parseInputs(inputPairs)
			if err != nil {
				return err
			}
			runs, err := flags.openStore()
			if err != nil {
				return err
			}
			defer runs.Close()

			eng, err := graph.New(decl,
				graph.WithRunStore(runs),
				graph.WithToolRegistry(builtinTools()),
				graph.WithEmitter(emit.NewLogEmitter(os.Stderr, flags.jsonLogs)),
			)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()
			record, err := eng.Execute(ctx, inputs)
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(record.Outputs, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			if record.BlockDeploy {
				fmt.Fprintln(os.Stderr, "warning: a BLOCK_DEPLOY gate tripped on this run")
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&inputPairs, "input", nil, "workflow input as key=value (repeatable)")
	return cmd
}
