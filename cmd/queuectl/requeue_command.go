package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"mailqueue/contracts/db"
	mqc "mailqueue/contracts/mq"
	"mailqueue/pkg/mq"
	"mailqueue/pkg/outbox"
)

type staleLister interface {
	ListStale(ctx context.Context, status db.Status, olderThan time.Duration, limit int) ([]db.QueueItem, error)
}

func newRequeueCommand(ctx *commandContext) *cobra.Command {
	var (
		olderThan time.Duration
		limit     int
		status    string
		dryRun    bool
	)

	cmd := &cobra.Command{
		Use:   "requeue",
		Short: "Republish insert events for items stuck before a terminal status",
		Long: "Items whose processing was abandoned at shutdown stay pending. requeue " +
			"publishes a fresh email.inserted event for each of them so the processor picks them up again.",
		RunE: func(cmd *cobra.Command, args []string) error {
			st := db.Status(status)
			switch st {
			case db.StatusPending, db.StatusProcessing, db.StatusError:
			default:
				return fmt.Errorf("--status must be pending, processing or error, got %q", status)
			}

			repo, err := ctx.emailRepository()
			if err != nil {
				return err
			}
			var pub outbox.Publisher
			if !dryRun {
				if pub, err = ctx.publisher(); err != nil {
					return err
				}
			}

			n, err := requeue(cmd.Context(), repo, pub, st, olderThan, limit, cmd.OutOrStdout())
			fmt.Fprintf(cmd.OutOrStdout(), "%d item(s) requeued\n", n)
			return err
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 10*time.Minute, "Only items not updated for this long")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of items")
	cmd.Flags().StringVar(&status, "status", string(db.StatusPending), "Status to requeue (pending, processing or error)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "List items without publishing")

	return cmd
}

// requeue publishes an insert event per stale item. A nil publisher only
// lists the items.
func requeue(ctx context.Context, store staleLister, pub outbox.Publisher, status db.Status, olderThan time.Duration, limit int, out io.Writer) (int, error) {
	items, err := store.ListStale(ctx, status, olderThan, limit)
	if err != nil {
		return 0, fmt.Errorf("list stale items: %w", err)
	}

	published := 0
	for _, it := range items {
		fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", it.EmailID, it.PublicID, it.Status, it.UpdatedAt.Format(time.RFC3339))
		if pub == nil {
			continue
		}
		event := mqc.EmailInsertedPayload{
			EventName:      mqc.EventNameInsert,
			EmailID:        it.EmailID,
			EmailTimestamp: it.EmailTimestamp,
			UserID:         it.User,
			Subject:        it.Subject,
			Body:           it.Body,
			ReceivedAt:     it.ReceivedAt,
		}
		if err := pub.PublishWithContext(ctx, mq.RoutingKeyEmailInserted, event); err != nil {
			return published, fmt.Errorf("publish %s: %w", it.EmailID, err)
		}
		published++
	}
	return published, nil
}
