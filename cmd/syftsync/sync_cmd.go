package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/openmined/syftsync/internal/engine"
)

func init() {
	rootCmd.AddCommand(newSyncCmd())
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()

			start := time.Now()
			stats, err := a.engine.Sync(cmd.Context())
			printStats(cmd.OutOrStdout(), stats, start)
			return err
		},
	}
}

func printStats(w io.Writer, stats engine.StatisticsSnapshot, start time.Time) {
	fmt.Fprintf(w, "succeeded: %s\n", humanize.Comma(stats.Succeeded))
	fmt.Fprintf(w, "failed:    %s\n", humanize.Comma(stats.Failed))
	fmt.Fprintf(w, "skipped:   %s\n", humanize.Comma(stats.Skipped))
	fmt.Fprintf(w, "took:      %s\n", time.Since(start).Round(time.Millisecond))
}
