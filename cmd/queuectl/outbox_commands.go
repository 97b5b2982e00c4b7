package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"mailqueue/pkg/outbox"
)

func newOutboxCommand(ctx *commandContext) *cobra.Command {
	outboxCmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and replay outbox events",
	}

	outboxCmd.AddCommand(newOutboxFailedCommand(ctx))
	outboxCmd.AddCommand(newOutboxReplayCommand(ctx))

	return outboxCmd
}

func newOutboxFailedCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List events that exhausted their retries",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := ctx.outboxRepository()
			if err != nil {
				return err
			}
			events, err := repo.GetFailedEvents(cmd.Context(), limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(events) == 0 {
				fmt.Fprintln(out, "No failed events")
				return nil
			}
			for _, e := range events {
				fmt.Fprintf(out, "%d\t%s\t%s\tretries=%d\t%s\n",
					e.ID, e.RoutingKey, e.AggregateID, e.RetryCount, e.UpdatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of events")
	return cmd
}

func newOutboxReplayCommand(ctx *commandContext) *cobra.Command {
	var all bool
	var limit int

	cmd := &cobra.Command{
		Use:   "replay [event-id]",
		Short: "Republish one failed event, or all of them with --all",
		Args: func(cmd *cobra.Command, args []string) error {
			if all && len(args) > 0 {
				return fmt.Errorf("pass either an event id or --all")
			}
			if !all && len(args) != 1 {
				return fmt.Errorf("requires an event id or --all")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := ctx.outboxRepository()
			if err != nil {
				return err
			}
			pub, err := ctx.publisher()
			if err != nil {
				return err
			}
			replay := outbox.NewReplayService(repo, pub)
			out := cmd.OutOrStdout()

			if all {
				n, err := replay.ReplayFailedEvents(cmd.Context(), limit)
				fmt.Fprintf(out, "%d event(s) replayed\n", n)
				return err
			}

			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid event id %q", args[0])
			}
			if err := replay.ReplayEvent(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(out, "Event %d replayed\n", id)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Replay every failed event")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of events with --all")
	return cmd
}
