package main

import (
	"fmt"
	"time"

	"goalpath/internal/app"
	"goalpath/internal/recurrence"

	"github.com/spf13/cobra"
)

var materializeDate string

var materializeCmd = &cobra.Command{
	Use:   "materialize",
	Short: "Create the tasks recurrence rules owe up to a date",
	Long: "Runs one materialization pass. Safe to repeat: occurrences that already exist are skipped.\n" +
		"The date defaults to today in materializer.timezone.",
	Args: cobra.NoArgs,
	RunE: runMaterialize,
}

func init() {
	materializeCmd.Flags().StringVar(&materializeDate, "date", "", "Materialize through this date (YYYY-MM-DD)")
}

func runMaterialize(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, false)
	if err != nil {
		return err
	}
	defer s.Close()

	asOf := recurrence.Date(time.Now().In(app.Location(s.cfg.Materializer)))
	if materializeDate != "" {
		d, err := time.Parse(time.DateOnly, materializeDate)
		if err != nil {
			return fmt.Errorf("--date: %w", err)
		}
		asOf = d
	}

	core, closeCore, err := s.core()
	if err != nil {
		return err
	}
	defer closeCore()

	report, err := core.Materializer.RunOnce(ctx, asOf)
	if err != nil {
		return fmt.Errorf("materialize: %w", err)
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), report)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "As of %s: %d rules scanned, %d advanced, %d tasks created, %d duplicates skipped\n",
		report.AsOf.Format(time.DateOnly), report.RulesScanned, report.RulesAdvanced,
		report.TasksCreated, report.DuplicatesSkipped)
	for _, f := range report.Failures {
		fmt.Fprintf(out, "  rule %s (user %s): %s\n", f.RuleID, f.UserID, f.Error)
	}
	if len(report.Failures) > 0 {
		return fmt.Errorf("%d rules failed", len(report.Failures))
	}
	return nil
}
