package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"visa-bulletin-notifier/server"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the digest page and subscription forms",
		Long: `Start the HTTP server.

Every page view runs a check: the digest is rebuilt from upstream, new
editions are mailed to subscribers and the request counters are updated.
POST /pollz runs a check for an external scheduler such as Cloud Scheduler.
With --schedule the server also runs checks on a cron schedule.

Example:
  visa-bulletin serve -c bulletin.yaml
  visa-bulletin serve --schedule "0 */6 * * *"`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().String("port", "", "port to listen on (overrides config)")
	cmd.Flags().String("schedule", "", "cron spec for periodic checks (overrides config)")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	cmd.SetContext(ctx)

	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			a.logger.Warn("Failed to close resources", "error", err)
		}
	}()

	if port, _ := cmd.Flags().GetString("port"); port != "" {
		a.cfg.Port = port
	}
	if spec, _ := cmd.Flags().GetString("schedule"); spec != "" {
		a.cfg.Schedule = spec
	}

	if a.cfg.Schedule != "" {
		c, err := a.scheduleChecks(ctx)
		if err != nil {
			return err
		}
		c.Start()
		defer func() {
			<-c.Stop().Done()
		}()
	}

	srv := server.New(&server.Config{
		Checker:       a.checker,
		Subscriptions: a.engine,
		Logger:        a.logger,
	})
	return srv.ServeHTTP(ctx, a.cfg.Port)
}

// scheduleChecks registers a check run on the configured cron schedule.
func (a *app) scheduleChecks(ctx context.Context) (*cron.Cron, error) {
	c := cron.New(cron.WithLocation(a.cfg.ScheduleLocation()))
	_, err := c.AddFunc(a.cfg.Schedule, func() {
		res := a.checker.Check(ctx)
		if res.Degraded() {
			a.logger.Warn("Scheduled check degraded", "run_id", res.RunID, "error", res.Err)
			return
		}
		a.logger.Info("Scheduled check complete", "run_id", res.RunID, "edition", res.EditionKey())
	})
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", a.cfg.Schedule, err)
	}
	a.logger.Info("Scheduled checks enabled",
		"schedule", a.cfg.Schedule,
		"timezone", a.cfg.ScheduleLocation().String())
	return c, nil
}
