package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/flowline-dev/flowline/internal/ident"
	"github.com/flowline-dev/flowline/internal/orchestration/depgraph"
	"github.com/flowline-dev/flowline/internal/orchestration/lifecycle"
	"github.com/flowline-dev/flowline/internal/orchestration/rpc"
)

var validateJSON bool

var validateCmd = &cobra.Command{
	Use:   "validate <taskset.yaml>",
	Short: "Validate a task-set file without submitting it",
	Long: `Validate runs dependency validation on a task-set document and prints
the report: cycles, errors, warnings, suggestions, and the execution
order the server would use. Nothing is submitted or persisted.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateJSON, "json", false,
		"print the raw validation report as JSON")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	raw, err := json.Marshal(map[string]string{"yaml": string(data)})
	if err != nil {
		return err
	}
	spec, err := rpc.ParseTaskset(raw, "cli")
	if err != nil {
		return err
	}

	// A throwaway coordinator carries the validator; ValidateSpec touches
	// no stores and allocates no IDs.
	coord := lifecycle.NewCoordinator(lifecycle.Deps{
		Exec:  cfg.Execution,
		Graph: cfg.Graph,
		Clock: ident.SystemClock(),
	})
	report, err := coord.ValidateSpec(spec)
	if err != nil {
		return err
	}

	if validateJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	printReport(cmd, report)
	if !report.Valid() {
		return fmt.Errorf("task set is invalid")
	}
	return nil
}

func printReport(cmd *cobra.Command, r depgraph.Report) {
	out := cmd.OutOrStdout()
	for _, c := range r.CircularDependencies {
		fmt.Fprintf(out, "cycle (%s): %s\n", c.Severity, strings.Join(c.Cycle, " -> "))
		for _, opt := range c.ResolutionOptions {
			fmt.Fprintf(out, "  resolution: %s\n", opt)
		}
	}
	printIssues(out, "error", r.Errors)
	printIssues(out, "warning", r.Warnings)
	printIssues(out, "suggestion", r.Suggestions)

	if r.Valid() {
		fmt.Fprintf(out, "valid: %d tasks, execution order: %s\n",
			len(r.ExecutionOrder), strings.Join(r.ExecutionOrder, ", "))
	}
}

func printIssues(out io.Writer, kind string, issues []depgraph.Issue) {
	for _, i := range issues {
		if len(i.TaskIDs) > 0 {
			fmt.Fprintf(out, "%s [%s]: %s (%s)\n", kind, i.Code, i.Message, strings.Join(i.TaskIDs, ", "))
		} else {
			fmt.Fprintf(out, "%s [%s]: %s\n", kind, i.Code, i.Message)
		}
	}
}
