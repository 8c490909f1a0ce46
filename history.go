package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mkallio/panbackup/internal/journal"
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recently uploaded backups",
		Args:  cobra.NoArgs,
		RunE:  runHistory,
	}

	cmd.Flags().IntP("limit", "n", 20, "maximum number of entries to show")

	return cmd
}

func runHistory(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	limit, err := cmd.Flags().GetInt("limit")
	if err != nil {
		return err
	}

	j, err := journal.Open(cfg.JournalPath())
	if err != nil {
		return err
	}
	defer j.Close()

	entries, err := j.Recent(cmd.Context(), limit)
	if err != nil {
		return err
	}

	if len(entries) == 0 {
		fmt.Println("No backups recorded yet.")
		return nil
	}

	for _, e := range entries {
		fmt.Printf("%s  %-10s  %8s  %s\n",
			e.CreatedAt.Local().Format(time.DateTime),
			e.Uploader,
			humanize.IBytes(uint64(e.Size)), //nolint:gosec // sizes are non-negative
			e.RemotePath,
		)
	}

	return nil
}
