package main

import (
	"fmt"

	"goalpath/pkg/outbox"

	"github.com/spf13/cobra"
)

var (
	replayEventID int64
	replayLimit   int
)

var replayOutboxCmd = &cobra.Command{
	Use:   "replay-outbox",
	Short: "Requeue failed outbox events for delivery",
	Long:  "Resets failed outbox events to pending; the server's dispatcher publishes them on its next tick.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer s.Close()

		replay := outbox.NewReplayService(s.backend.Outbox, s.log)
		if replayEventID > 0 {
			if err := replay.ReplayEvent(ctx, replayEventID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Event %d requeued.\n", replayEventID)
			return nil
		}

		n, err := replay.ReplayFailedEvents(ctx, replayLimit)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), map[string]any{"requeued": n})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d events requeued.\n", n)
		return nil
	},
}

func init() {
	replayOutboxCmd.Flags().Int64Var(&replayEventID, "id", 0, "Replay a single event by ID")
	replayOutboxCmd.Flags().IntVar(&replayLimit, "limit", 100, "Maximum failed events to replay")
}
