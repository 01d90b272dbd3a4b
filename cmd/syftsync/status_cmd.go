package main

import (
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openmined/syftsync/internal/engine"
)

// keyLister is implemented by stores that track when a key was last written.
type keyLister interface {
	Keys() (map[string]time.Time, error)
}

type statusReport struct {
	Synced       int                  `json:"synced" yaml:"synced"`
	LocalUpdate  int                  `json:"local_update" yaml:"local_update"`
	RemoteUpdate int                  `json:"remote_update" yaml:"remote_update"`
	Propagation  int                  `json:"propagation" yaml:"propagation"`
	Pending      int                  `json:"pending" yaml:"pending"`
	LastID       uint64               `json:"last_id" yaml:"last_id"`
	Saved        map[string]time.Time `json:"saved,omitempty" yaml:"saved,omitempty"`
}

func newStatusReport(s engine.Status, saved map[string]time.Time) statusReport {
	return statusReport{
		Synced:       s.Synced,
		LocalUpdate:  s.LocalUpdate,
		RemoteUpdate: s.RemoteUpdate,
		Propagation:  s.Propagation,
		Pending:      s.Pending,
		LastID:       uint64(s.LastID),
		Saved:        saved,
	}
}

func init() {
	rootCmd.AddCommand(newStatusCmd())
}

func newStatusCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the persisted sync state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), cfg, true)
			if err != nil {
				return err
			}
			defer a.Close()

			status, err := a.engine.Status(cmd.Context())
			if err != nil {
				return err
			}

			var saved map[string]time.Time
			if lister, ok := a.repo.(keyLister); ok {
				if saved, err = lister.Keys(); err != nil {
					return err
				}
			}
			return writeStatus(cmd.OutOrStdout(), format, newStatusReport(status, saved))
		},
	}

	cmd.Flags().StringVarP(&format, "output", "o", "text", "output format (text, json, yaml)")
	return cmd
}

func writeStatus(w io.Writer, format string, r statusReport) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(r)
	case "text":
		printStatus(w, r)
		return nil
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func printStatus(w io.Writer, r statusReport) {
	fmt.Fprintf(w, "synced nodes:        %s\n", humanize.Comma(int64(r.Synced)))
	fmt.Fprintf(w, "local update nodes:  %s\n", humanize.Comma(int64(r.LocalUpdate)))
	fmt.Fprintf(w, "remote update nodes: %s\n", humanize.Comma(int64(r.RemoteUpdate)))
	fmt.Fprintf(w, "propagation nodes:   %s\n", humanize.Comma(int64(r.Propagation)))
	fmt.Fprintf(w, "pending:             %s\n", humanize.Comma(int64(r.Pending)))
	fmt.Fprintf(w, "last id:             %d\n", r.LastID)

	if len(r.Saved) == 0 {
		return
	}
	keys := make([]string, 0, len(r.Saved))
	for k := range r.Saved {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	fmt.Fprintln(w, "saved:")
	for _, k := range keys {
		fmt.Fprintf(w, "  %-14s %s\n", k, humanize.Time(r.Saved[k]))
	}
}
