package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"visa-bulletin-notifier/notify"
)

func newSubscribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "subscribe EMAIL",
		Short: "Subscribe an address and send it the current digest",
		Long: `Create or refresh a subscription and immediately email the current
digest to it. If the bulletin cannot be read the subscription is still
saved and the address is notified on the next successful check.`,
		Args: cobra.ExactArgs(1),
		RunE: runSubscribe,
	}
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			a.logger.Warn("Failed to close resources", "error", err)
		}
	}()

	addr := notify.NormalizeEmail(args[0])
	res := a.checker.Build(cmd.Context())
	if res.Degraded() {
		a.logger.Warn("Subscribing without a current bulletin", "email", addr, "error", res.Err)
	}

	err = a.engine.Subscribe(cmd.Context(), addr, res.Notice())
	var de *notify.DeliveryError
	switch {
	case errors.As(err, &de) && de.Removed:
		return fmt.Errorf("email to %s could not be sent, subscription removed: %w", addr, de.Err)
	case errors.As(err, &de):
		fmt.Fprintf(cmd.OutOrStdout(), "Subscribed %s, but the email could not be sent: %v\n", addr, de.Err)
		return nil
	case err != nil:
		return fmt.Errorf("subscribe %s: %w", addr, err)
	}

	if res.Degraded() {
		fmt.Fprintf(cmd.OutOrStdout(), "Subscribed: %s (no bulletin sent)\n", addr)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Subscribed: %s (sent %s)\n", addr, res.EditionKey())
	return nil
}

func newUnsubscribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unsubscribe EMAIL",
		Short: "Remove a subscription",
		Args:  cobra.ExactArgs(1),
		RunE:  runUnsubscribe,
	}
}

func runUnsubscribe(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			a.logger.Warn("Failed to close resources", "error", err)
		}
	}()

	addr := notify.NormalizeEmail(args[0])
	found, err := a.engine.Unsubscribe(cmd.Context(), addr)
	if err != nil {
		return fmt.Errorf("unsubscribe %s: %w", addr, err)
	}
	if !found {
		fmt.Fprintf(cmd.OutOrStdout(), "Not subscribed: %s\n", addr)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Unsubscribed: %s\n", addr)
	return nil
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print subscriber and check counts",
		Args:  cobra.NoArgs,
		RunE:  runStats,
	}
}

func runStats(cmd *cobra.Command, _ []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			a.logger.Warn("Failed to close resources", "error", err)
		}
	}()

	n, err := a.engine.Count(cmd.Context())
	if err != nil {
		return fmt.Errorf("count subscribers: %w", err)
	}
	c, err := a.counter.Load(cmd.Context())
	if err != nil {
		return fmt.Errorf("load counters: %w", err)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Subscribers:  %d\n", n)
	fmt.Fprintf(w, "Checks today: %d\n", c.Daily)
	fmt.Fprintf(w, "This month:   %d\n", c.Monthly)
	fmt.Fprintf(w, "Total:        %d\n", c.Total)
	return nil
}
