package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

func resyncCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "resync <customer_id>",
		Short: "Rebuild a customer's subscription row from the provider",
		Long: `Lists the customer's subscriptions at the provider and reconciles the best
live one into local storage, or removes the local row when none is live.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			return a.resync(ctx, cmd, args[0])
		},
	}
}

func (a *app) resync(ctx context.Context, cmd *cobra.Command, customerID string) error {
	out, err := a.reconciler.Resync(ctx, customerID)
	if err != nil {
		return fmt.Errorf("resync %s: %w", customerID, err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), describeOutcome(customerID, out))
	return nil
}

func describeOutcome(customerID string, out *subsync.Outcome) string {
	switch {
	case out.Stale:
		return fmt.Sprintf("%s: stored subscription is newer, nothing changed", customerID)
	case out.Kind == subsync.KindSubscriptionDeleted && out.Applied:
		return fmt.Sprintf("%s: no live subscription, removed %s", customerID, out.SubscriptionID)
	case out.Kind == subsync.KindSubscriptionDeleted:
		return fmt.Sprintf("%s: no live subscription", customerID)
	case out.Subscription != nil:
		return fmt.Sprintf("%s: %s on plan %s (%s)", customerID, out.Subscription.ID,
			out.Subscription.PlanID, out.Subscription.Status)
	default:
		return fmt.Sprintf("%s: %s unchanged", customerID, out.SubscriptionID)
	}
}
