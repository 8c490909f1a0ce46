package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Authorize panbackup against the configured Baidu account",
		Long: `Run the interactive authorization flow even if a credential is already
stored. Prints the vendor authorization URL, waits for the authorization
code on standard input, and persists the resulting tokens.`,
		Args: cobra.NoArgs,
		RunE: runLogin,
	}
}

func runLogin(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := buildLogger(cfg)

	tokens := newTokenManager(cfg, logger)
	if err := tokens.AuthorizeInteractively(cmd.Context()); err != nil {
		return err
	}

	fmt.Println("Login successful.")

	return nil
}
