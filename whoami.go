package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the authorized account and its quota",
		Args:  cobra.NoArgs,
		RunE:  runWhoami,
	}
}

func runWhoami(cmd *cobra.Command, _ []string) error {
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

	info, err := tokens.UserInfo(ctx)
	if err != nil {
		return err
	}

	if flagJSON {
		return json.NewEncoder(os.Stdout).Encode(map[string]any{
			"display_name": info.DisplayName,
			"total_bytes":  info.TotalBytes,
			"used_bytes":   info.UsedBytes,
		})
	}

	fmt.Printf("Account:  %s\n", info.DisplayName)
	fmt.Printf("Quota:    %s total, %s used\n",
		humanize.IBytes(info.TotalBytes), humanize.IBytes(info.UsedBytes))

	return nil
}
