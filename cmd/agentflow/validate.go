package main

import (
	"fmt"

	"github.com/dshills/agentflow/workflow"
	"github.com/spf13/cobra"
)

func validateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config>",
		Short: "Parse and semantically validate a workflow declaration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			decl, err := loadDeclaration(args[0])
			if err != nil {
				return err
			}
			if err := workflow.Validate(decl); err != nil {
				return err
			}
			fmt.Printf("%s: valid (%d nodes, %d edges)\n", decl.Flow.Name, len(decl.Nodes), len(decl.Edges))
			return nil
		},
	}
}
