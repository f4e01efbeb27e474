package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	regenerateMilestone string
	regenerateStalled   bool
)

var regenerateCmd = &cobra.Command{
	Use:   "regenerate",
	Short: "Re-drive task generation for active milestones",
	Long: "Generates the initial task batch for one milestone (--milestone), or for every active\n" +
		"milestone whose batch failed or is stuck pending (--stalled). Milestones that already\n" +
		"have tasks are left alone.",
	Args: cobra.NoArgs,
	RunE: runRegenerate,
}

func init() {
	regenerateCmd.Flags().StringVar(&regenerateMilestone, "milestone", "", "Milestone ID")
	regenerateCmd.Flags().BoolVar(&regenerateStalled, "stalled", false, "Re-drive every stalled milestone")
	regenerateCmd.MarkFlagsMutuallyExclusive("milestone", "stalled")
	regenerateCmd.MarkFlagsOneRequired("milestone", "stalled")
}

func runRegenerate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, false)
	if err != nil {
		return err
	}
	defer s.Close()

	core, closeCore, err := s.core()
	if err != nil {
		return err
	}
	defer closeCore()

	ids := []string{regenerateMilestone}
	if regenerateStalled {
		stalled, err := s.backend.Store.Milestones.ListStalledGeneration(ctx,
			time.Now().Add(-s.cfg.Redrive.Grace), s.cfg.Redrive.Batch)
		if err != nil {
			return fmt.Errorf("list stalled milestones: %w", err)
		}
		ids = ids[:0]
		for _, m := range stalled {
			ids = append(ids, m.ID)
		}
	}

	results := make([]map[string]any, 0, len(ids))
	failed := 0
	for _, id := range ids {
		n, err := core.Pipeline.GenerateTasks(ctx, id)
		r := map[string]any{"milestone_id": id, "tasks_created": n}
		if err != nil {
			r["error"] = err.Error()
			failed++
		}
		results = append(results, r)
	}

	if jsonOutput {
		if err := printJSON(cmd.OutOrStdout(), map[string]any{"results": results, "total": len(results)}); err != nil {
			return err
		}
	} else {
		if len(results) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No stalled milestones.")
		}
		for _, r := range results {
			if e, ok := r["error"]; ok {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tfailed: %s\n", r["milestone_id"], e)
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d tasks created\n", r["milestone_id"], r["tasks_created"])
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d milestones failed", failed, len(ids))
	}
	return nil
}
