package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/mkallio/panbackup/internal/backup"
	"github.com/mkallio/panbackup/internal/journal"
	"github.com/mkallio/panbackup/internal/pan"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Archive and upload every configured backup item",
		Args:  cobra.NoArgs,
		RunE:  runRun,
	}
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := buildLogger(cfg)
	ctx := cmd.Context()

	tokens := newTokenManager(cfg, logger)
	if err := tokens.Initialize(ctx); err != nil {
		return err
	}

	j, err := journal.Open(cfg.JournalPath())
	if err != nil {
		// History is an accessory: warn and carry on without it.
		logger.Warn("backup journal unavailable",
			slog.String("error", err.Error()),
		)

		j = nil
	}
	defer j.Close()

	uploader := pan.NewClient(tokens, defaultHTTPClient(), logger)
	runner := backup.NewRunner([]backup.Uploader{uploader}, j, "", logger)

	return runner.Run(ctx, cfg.Backups)
}
