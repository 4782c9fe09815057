package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"visa-bulletin-notifier/check"
)

func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run one check and print the digest",
		Long: `Run one check cycle: resolve the current edition, extract the table,
notify subscribers who have not received it and count the request.

With --dry-run the digest is built and printed without notifying anyone
or touching the counters.`,
		Args: cobra.NoArgs,
		RunE: runCheck,
	}

	cmd.Flags().Bool("dry-run", false, "build the digest without notifying or counting")
	cmd.Flags().Bool("json", false, "print the result as JSON")

	return cmd
}

func runCheck(cmd *cobra.Command, _ []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			a.logger.Warn("Failed to close resources", "error", err)
		}
	}()

	dryRun, _ := cmd.Flags().GetBool("dry-run")
	asJSON, _ := cmd.Flags().GetBool("json")

	var res *check.Result
	if dryRun {
		res = a.checker.Build(cmd.Context())
	} else {
		res = a.checker.Check(cmd.Context())
	}

	if err := printResult(cmd, res, asJSON); err != nil {
		return err
	}
	if res.Degraded() {
		return fmt.Errorf("check degraded: %w", res.Err)
	}
	return nil
}

// checkOutput is the --json form of a check result.
type checkOutput struct {
	RunID     string `json:"run_id"`
	Edition   string `json:"edition,omitempty"`
	Subject   string `json:"subject,omitempty"`
	Digest    string `json:"digest"`
	Error     string `json:"error,omitempty"`
	Sent      int    `json:"sent"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
	Removed   int    `json:"removed"`
	Total     int64  `json:"total_checks"`
	Today     int64  `json:"checks_today"`
	ThisMonth int64  `json:"checks_this_month"`
}

func printResult(cmd *cobra.Command, res *check.Result, asJSON bool) error {
	out := checkOutput{
		RunID:     res.RunID,
		Edition:   res.EditionKey(),
		Digest:    res.Digest.HTML(),
		Error:     res.Digest.Error,
		Total:     res.Counters.Total,
		Today:     res.Counters.Daily,
		ThisMonth: res.Counters.Monthly,
	}
	if !res.Degraded() {
		out.Subject = res.Digest.Subject()
	}
	if r := res.Report; r != nil {
		out.Sent, out.Skipped, out.Failed, out.Removed = len(r.Sent), len(r.Skipped), len(r.Failed), len(r.Removed)
	}

	w := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	if out.Error != "" {
		fmt.Fprintf(w, "Degraded: %s\n", out.Error)
	} else {
		fmt.Fprintf(w, "Edition: %s\n", out.Edition)
		fmt.Fprintf(w, "Subject: %s\n", out.Subject)
	}
	if res.Report != nil {
		fmt.Fprintf(w, "Notified: %d sent, %d skipped, %d failed, %d removed\n", out.Sent, out.Skipped, out.Failed, out.Removed)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, out.Digest)
	return nil
}
