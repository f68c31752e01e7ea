// Package main is the agentflow binary: run and validate workflow
// declarations, serve the dashboard and chat UIs under the supervisor, expose
// a workflow as a remote agent, and drive A/B experiments and cost reports.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dshills/agentflow/flowerr"
	"github.com/dshills/agentflow/graph"
	"github.com/joho/godotenv"
)

const version = "1.0.0"

func main() {
	// .env is a convenience for local runs; real environment wins because
	// godotenv never overwrites set variables.
	_ = godotenv.Load()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	if errors.Is(err, context.Canceled) {
		return 130
	}
	var ee *graph.EngineError
	if errors.As(err, &ee) && ee.Code == graph.CodeCancelled {
		return 130
	}
	return flowerr.ExitCode(err)
}
