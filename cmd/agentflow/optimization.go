package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dshills/agentflow/graph"
	"github.com/dshills/agentflow/optimize"
	"github.com/spf13/cobra"
)

func optimizationCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "optimization",
		Short: "A/B prompt experiments",
	}
	cmd.AddCommand(abTestCommand(flags), evaluateCommand(flags), applyOptimizedCommand(flags))
	return cmd
}

func abTestCommand(flags *globalFlags) *cobra.Command {
	var inputPairs []string

	cmd := &cobra.Command{
		Use:   "ab-test <config>",
		Short: "Run every variant of the declaration's ab_test block",
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
			exps, err := openExperiments(flags.experimentsURI())
			if err != nil {
				return err
			}
			defer exps.Close()

			runner := optimize.NewRunner(exps,
				graph.WithRunStore(runs), graph.WithToolRegistry(builtinTools()))
			ctx, cancel := signalContext()
			defer cancel()
			if err := runner.RunExperiment(ctx, decl, inputs); err != nil {
				return err
			}
			ab := decl.Optimization.ABTest
			fmt.Printf("experiment %s: %d variants x %d runs logged\n",
				ab.ExperimentName, len(ab.Variants), ab.RunCount)
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&inputPairs, "input", nil, "workflow input as key=value (repeatable)")
	return cmd
}

func evaluateCommand(flags *globalFlags) *cobra.Command {
	var (
		experiment string
		metric     string
		minimize   bool
	)

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Rank an experiment's variants on one metric",
		RunE: func(cmd *cobra.Command, args []string) error {
			exps, err := openExperiments(flags.experimentsURI())
			if err != nil {
				return err
			}
			defer exps.Close()

			runner := optimize.NewRunner(exps)
			ranked, err := runner.Evaluate(cmd.Context(), experiment, metric, minimize)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RANK\tVARIANT\tRUNS\tMEAN\tP50\tP90\tP95\tP99")
			for _, v := range ranked {
				fmt.Fprintf(w, "%d\t%s\t%d\t%.4f\t%.4f\t%.4f\t%.4f\t%.4f\n",
					v.Rank, v.VariantName, v.Count, v.Mean, v.P50, v.P90, v.P95, v.P99)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&experiment, "experiment", "", "experiment name")
	cmd.Flags().StringVar(&metric, "metric", "cost_usd", "metric to rank on")
	cmd.Flags().BoolVar(&minimize, "minimize", true, "lower metric values win")
	_ = cmd.MarkFlagRequired("experiment")
	return cmd
}

func applyOptimizedCommand(flags *globalFlags) *cobra.Command {
	var (
		experiment string
		workflow   string
		metric     string
		minimize   bool
	)

	cmd := &cobra.Command{
		Use:   "apply-optimized",
		Short: "Rewrite a workflow file with the winning variant's prompt",
		RunE: func(cmd *cobra.Command, args []string) error {
			exps, err := openExperiments(flags.experimentsURI())
			if err != nil {
				return err
			}
			defer exps.Close()

			runner := optimize.NewRunner(exps)
			result, err := runner.ApplyBest(cmd.Context(), experiment, workflow, metric, minimize)
			if err != nil {
				return err
			}
			fmt.Printf("applied variant %v to node %s in %s (backup: %s)\n",
				result.Winner, result.NodeID, workflow, result.BackupPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&experiment, "experiment", "", "experiment name")
	cmd.Flags().StringVar(&workflow, "workflow", "", "workflow file to rewrite")
	cmd.Flags().StringVar(&metric, "metric", "cost_usd", "metric to rank on")
	cmd.Flags().BoolVar(&minimize, "minimize", true, "lower metric values win")
	_ = cmd.MarkFlagRequired("experiment")
	_ = cmd.MarkFlagRequired("workflow")
	return cmd
}
