// Package main implements the visa bulletin checker: it scrapes the monthly
// Visa Bulletin, renders the employment-based final action dates table and
// emails it to subscribers once per edition.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "visa-bulletin",
		Short: "Check the Visa Bulletin and email subscribers about new editions",
		Long: `visa-bulletin fetches the current U.S. Visa Bulletin, extracts the
employment-based final action dates table and emails each subscriber once
per edition.

Configuration is read from bulletin.yaml (or --config) and then from the
environment. Every command that builds the digest counts as one check.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("config", "c", "", "path to config file (default bulletin.yaml if present)")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newCheckCmd())
	cmd.AddCommand(newSubscribeCmd())
	cmd.AddCommand(newUnsubscribeCmd())
	cmd.AddCommand(newStatsCmd())

	return cmd
}

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newLogger creates a JSON logger writing to w.
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
