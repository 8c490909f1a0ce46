// Command panbackup archives local files and directories and uploads them
// to Baidu Pan.
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/mkallio/panbackup/internal/config"
	"github.com/mkallio/panbackup/internal/pan"
	"github.com/mkallio/panbackup/internal/tokenstore"
)

// version is set at build time via ldflags.
var version = "dev"

// defaultConfigFile is looked up in the working directory when --config is
// not given, matching the common cron invocation `panbackup run`.
const defaultConfigFile = "backup.toml"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "panbackup",
		Short:   "Back up local files and directories to Baidu Pan",
		Version: version,
		// Errors are printed by exitOnError, not by Cobra.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path (default "+defaultConfigFile+")")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "force JSON log output")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newWhoamiCmd())
	cmd.AddCommand(newHistoryCmd())

	return cmd
}

// loadConfig resolves the config path (flag > PANBACKUP_CONFIG > default)
// and loads the file.
func loadConfig() (*config.Config, error) {
	path := flagConfigPath
	if path == "" {
		path = os.Getenv("PANBACKUP_CONFIG")
	}

	if path == "" {
		path = defaultConfigFile
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	return cfg, nil
}

// buildLogger creates an slog.Logger configured by the config file and CLI
// flags. Text output on a terminal, JSON otherwise (or with --json) so cron
// and journald capture structured lines.
func buildLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo

	if cfg != nil {
		switch cfg.App.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	// CLI flags override config (highest priority).
	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if flagJSON || !isatty.IsTerminal(os.Stderr.Fd()) {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// newTokenManager wires the credential store and the interactive prompt
// for the configured account.
func newTokenManager(cfg *config.Config, logger *slog.Logger) *pan.TokenManager {
	store := tokenstore.NewFileStore(cfg.TokenPath())
	prompt := &pan.StdinPrompt{In: os.Stdin, Out: os.Stdout}

	return pan.NewTokenManager(cfg.App.AppKey, cfg.App.AppSecret, store, prompt, defaultHTTPClient(), logger)
}

// defaultHTTPClient returns the HTTP client shared by the auth and upload
// paths. No global timeout: a 4 MiB chunk on a slow uplink can legitimately
// take minutes, and every request already carries the command context.
func defaultHTTPClient() *http.Client {
	return &http.Client{}
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
