package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dshills/agentflow/store"
	"github.com/spf13/cobra"
)

// costRow is one workflow's aggregated spend over the report window.
type costRow struct {
	Workflow     string  `json:"workflow"`
	Runs         int     `json:"runs"`
	Completed    int     `json:"completed"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	AvgCostUSD   float64 `json:"avg_cost_usd"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
}

func reportCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Usage and cost reports",
	}
	cmd.AddCommand(reportCostsCommand(flags))
	return cmd
}

func reportCostsCommand(flags *globalFlags) *cobra.Command {
	var (
		period   string
		start    string
		end      string
		workflow string
		output   string
		format   string
	)

	cmd := &cobra.Command{
		Use:   "costs",
		Short: "Aggregate run costs per workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			since, until, err := reportWindow(period, start, end)
			if err != nil {
				return err
			}
			runs, err := flags.openStore()
			if err != nil {
				return err
			}
			defer runs.Close()

			records, err := runs.ListRuns(cmd.Context(), store.Filter{
				Workflow: workflow,
				Since:    since,
				Until:    until,
			})
			if err != nil {
				return err
			}
			rows := aggregateCosts(records)

			out := io.Writer(os.Stdout)
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			switch format {
			case "json":
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			case "csv":
				return writeCostCSV(out, rows)
			default:
				return fmt.Errorf("unknown format %q, want json or csv", format)
			}
		},
	}

	cmd.Flags().StringVar(&period, "period", "", "report window ending now, e.g. 24h, 7d, 4w")
	cmd.Flags().StringVar(&start, "start", "", "window start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "window end date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&workflow, "workflow", "", "restrict to one workflow")
	cmd.Flags().StringVar(&output, "output", "", "write to a file instead of stdout")
	cmd.Flags().StringVar(&format, "format", "json", "output format: json or csv")
	return cmd
}

func reportWindow(period, start, end string) (time.Time, time.Time, error) {
	var since, until time.Time
	if period != "" {
		if start != "" || end != "" {
			return since, until, fmt.Errorf("--period and --start/--end are mutually exclusive")
		}
		d, err := parsePeriod(period)
		if err != nil {
			return since, until, err
		}
		return time.Now().Add(-d), time.Time{}, nil
	}
	if start != "" {
		t, err := time.Parse("2006-01-02", start)
		if err != nil {
			return since, until, fmt.Errorf("invalid --start: %w", err)
		}
		since = t
	}
	if end != "" {
		t, err := time.Parse("2006-01-02", end)
		if err != nil {
			return since, until, fmt.Errorf("invalid --end: %w", err)
		}
		// Inclusive end date.
		until = t.Add(24 * time.Hour)
	}
	return since, until, nil
}

// parsePeriod reads Go durations plus day and week suffixes.
func parsePeriod(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(strings.TrimSuffix(s, "d")); err == nil && strings.HasSuffix(s, "d") {
		return time.Duration(n) * 24 * time.Hour, nil
	}
	if n, err := strconv.Atoi(strings.TrimSuffix(s, "w")); err == nil && strings.HasSuffix(s, "w") {
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid --period %q: %w", s, err)
	}
	return d, nil
}

func aggregateCosts(records []*store.RunRecord) []costRow {
	byWorkflow := map[string]*costRow{}
	for _, r := range records {
		row, ok := byWorkflow[r.WorkflowName]
		if !ok {
			row = &costRow{Workflow: r.WorkflowName}
			byWorkflow[r.WorkflowName] = row
		}
		row.Runs++
		if r.Status == store.StatusCompleted {
			row.Completed++
		}
		row.TotalCostUSD += r.CostUSD
		row.InputTokens += int(r.Metrics["input_tokens"])
		row.OutputTokens += int(r.Metrics["output_tokens"])
	}

	rows := make([]costRow, 0, len(byWorkflow))
	for _, row := range byWorkflow {
		if row.Runs > 0 {
			row.AvgCostUSD = row.TotalCostUSD / float64(row.Runs)
		}
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].TotalCostUSD > rows[j].TotalCostUSD })
	return rows
}

func writeCostCSV(out io.Writer, rows []costRow) error {
	w := csv.NewWriter(out)
	if err := w.Write([]string{"workflow", "runs", "completed", "total_cost_usd", "avg_cost_usd", "input_tokens", "output_tokens"}); err != nil {
		return err
	}
	for _, r := range rows {
		record := []string{
			r.Workflow,
			strconv.Itoa(r.Runs),
			strconv.Itoa(r.Completed),
			strconv.FormatFloat(r.TotalCostUSD, 'f', 6, 64),
			strconv.FormatFloat(r.AvgCostUSD, 'f', 6, 64),
			strconv.Itoa(r.InputTokens),
			strconv.Itoa(r.OutputTokens),
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
