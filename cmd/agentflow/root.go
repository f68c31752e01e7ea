package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dshills/agentflow/store"
	"github.com/dshills/agentflow/tool"
	"github.com/dshills/agentflow/workflow"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// globalFlags are the persistent root options every subcommand sees.
type globalFlags struct {
	db          string
	experiments string
	jsonLogs    bool
}

func rootCmd() *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:   "agentflow",
		Short: "Configuration-driven LLM workflow engine",
		Long: `Agentflow executes declarative LLM workflows: a YAML or JSON file
declares typed state, a DAG of prompt nodes, and edges; the engine resolves
templates, calls providers, validates structured outputs, and persists every
run. The same binary serves the dashboard, the chat UI, and the remote agent
protocol, and runs A/B prompt experiments.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&flags.db, "db", "",
		"database URI (sqlite:// or mysql://); defaults to $AGENTFLOW_DB or "+store.DefaultDSN)
	cmd.PersistentFlags().StringVar(&flags.experiments, "experiments", "",
		"experiment store URI; defaults to $AGENTFLOW_EXPERIMENTS or sqlite://experiments.db")
	cmd.PersistentFlags().BoolVar(&flags.jsonLogs, "json-logs", false,
		"force JSON logs even on a terminal")

	cmd.AddCommand(
		runCommand(flags),
		validateCommand(),
		uiCommand(flags),
		optimizationCommand(flags),
		reportCommand(flags),
		agentCommand(flags),
		serveCommand(),
		versionCommand(),
	)
	return cmd
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agentflow %s\n", version)
		},
	}
}

// signalContext cancels on SIGINT/SIGTERM so runs finish with a cancelled
// record instead of dying mid-write.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func (f *globalFlags) dbURI() string {
	if f.db != "" {
		return f.db
	}
	if env := os.Getenv("AGENTFLOW_DB"); env != "" {
		return env
	}
	return store.DefaultDSN
}

func (f *globalFlags) experimentsURI() string {
	if f.experiments != "" {
		return f.experiments
	}
	if env := os.Getenv("AGENTFLOW_EXPERIMENTS"); env != "" {
		return env
	}
	return "sqlite://experiments.db"
}

func (f *globalFlags) openStore() (store.Store, error) {
	return store.Open(f.dbURI())
}

func (f *globalFlags) logger() zerolog.Logger {
	if !f.jsonLogs && isatty.IsTerminal(os.Stderr.Fd()) {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// builtinTools is the registry every locally built engine gets: the HTTP
// fetch tool under its declared name.
func builtinTools() *tool.Registry {
	reg := tool.NewRegistry()
	_ = reg.Register(tool.NewHTTPTool())
	return reg
}

func loadDeclaration(path string) (*workflow.Declaration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return workflow.Parse(data)
}

// parseInputs turns repeated --input k=v pairs into run inputs. Values that
// parse as JSON are taken typed, so --input count=3 binds an int field.
func parseInputs(pairs []string) (map[string]any, error) {
	inputs := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --input %q, want key=value", pair)
		}
		var typed any
		if err := json.Unmarshal([]byte(value), &typed); err == nil {
			inputs[key] = typed
		} else {
			inputs[key] = value
		}
	}
	return inputs, nil
}
