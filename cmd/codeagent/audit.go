package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jkaninda/codeagent/internal/audit"
)

var auditLimit int

var auditCmd = &cobra.Command{
	Use:   "audit [run-id]",
	Short: "Show recorded runs and their tool calls",
	Long: `Without arguments, list the most recent runs from the audit store.
With a run ID, list the tool calls of that run in the order they were made.
Requires audit.enabled in the config.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAudit,
}

func init() {
	auditCmd.Flags().IntVarP(&auditLimit, "limit", "n", 20, "number of runs to list")
}

func runAudit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(&runOpts)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if !cfg.Audit.Enabled {
		return fmt.Errorf("audit is disabled (set audit.enabled: true in the config)")
	}
	logger := newLogger(cfg.Log, runOpts.verbose)

	store, err := audit.Open(audit.Config{Driver: cfg.Audit.Driver, DSN: cfg.Audit.DSN}, logger)
	if err != nil {
		return fmt.Errorf("opening audit store: %w", err)
	}
	defer store.Close()

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	defer tw.Flush()

	if len(args) == 0 {
		runs, err := store.Runs(cmd.Context(), auditLimit)
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "RUN\tSTARTED\tPROVIDER\tSTATE\tPASSES\tTOKENS\tPROMPT")
		for _, r := range runs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d/%d\t%s\n",
				r.ID, r.StartedAt.Local().Format(time.DateTime), r.Provider, r.State,
				r.Iterations, r.InputTokens, r.OutputTokens, ellipsis(r.Prompt, 60))
		}
		return nil
	}

	runID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid run id %q: %w", args[0], err)
	}
	calls, err := store.ToolCalls(cmd.Context(), runID)
	if err != nil {
		return err
	}
	fmt.Fprintln(tw, "PASS\tSEQ\tTOOL\tSTATUS\tDURATION\tOUTPUT")
	for _, c := range calls {
		status := "ok"
		if c.IsError {
			status = "error"
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\n",
			c.Pass, c.Seq, c.Tool, status, c.Duration.Round(time.Millisecond), ellipsis(c.Output, 60))
	}
	return nil
}

// ellipsis shortens s to one line of at most n runes.
func ellipsis(s string, n int) string {
	r := []rune(s)
	for i, c := range r {
		if c == '\n' {
			r = r[:i]
			break
		}
	}
	if len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return string(r)
}
