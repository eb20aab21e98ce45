package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/cureiam/wal"
)

func newJournalCmd() *cobra.Command {
	var (
		dir           string
		since         time.Duration
		entryType     string
		retentionDays int
	)

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Replay the enforcement journal",
		Long: `Print enforcement journal entries written by the gcp processor when
journal_dir is set: every decision, execution and failure in order.

With --cleanup-days, journal files older than the retention period are
removed instead.`,
		Example: `  cureiam journal --dir /var/lib/cureiam/journal
  cureiam journal --dir journal --since 24h --type executed
  cureiam journal --dir journal --cleanup-days 30`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()

			if retentionDays > 0 {
				cfg := wal.DefaultConfig()
				cfg.RetentionDays = retentionDays
				stats, err := wal.Cleanup(dir, cfg)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "removed %d journal files (%d bytes)\n", stats.FilesRemoved, stats.BytesFreed)
				return nil
			}

			var from time.Time
			if since > 0 {
				from = time.Now().Add(-since)
			}
			return wal.Replay(dir, from, func(e *wal.Entry) error {
				if entryType != "" && string(e.Type) != entryType {
					return nil
				}
				line := fmt.Sprintf("%s  %6d  %-9s  %s", e.Timestamp.Format(time.RFC3339), e.Sequence, e.Type, e.RecommendationID)
				if e.Error != "" {
					line += "  error=" + e.Error
				}
				_, err := fmt.Fprintln(out, line)
				return err
			})
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "journal", "Journal directory")
	cmd.Flags().DurationVar(&since, "since", 0, "Only show entries newer than this")
	cmd.Flags().StringVar(&entryType, "type", "", "Only show entries of this type (decided, denied, executing, executed, failed)")
	cmd.Flags().IntVar(&retentionDays, "cleanup-days", 0, "Remove journal files older than this many days")
	return cmd
}
