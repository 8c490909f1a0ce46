// Package config loads and validates the TOML backup configuration:
// application credentials plus the list of backup items to archive and
// upload.
package config

import (
	"errors"
	"fmt"
	"strings"
)

// Config is the top-level shape of the TOML file.
type Config struct {
	App     App      `toml:"app"`
	Backups []Backup `toml:"backups"`
}

// App holds vendor application credentials and optional path overrides.
type App struct {
	AppKey      string `toml:"app_key"`
	AppSecret   string `toml:"app_secret"`
	TokenPath   string `toml:"token_path"`
	JournalPath string `toml:"journal_path"`
	LogLevel    string `toml:"log_level"`
}

// Backup describes one item to archive and upload. Either source_path or
// source_dir names the local tree; source_path wins when both are set.
// An optional command runs before the source is archived, typically to
// produce the source file (a database dump, for example).
type Backup struct {
	SourceDir         string `toml:"source_dir"`
	SourcePath        string `toml:"source_path"`
	Command           string `toml:"command"`
	CommandWorkdir    string `toml:"command_workdir"`
	KeepCommandSource *bool  `toml:"keep_command_source"`
	RemoteDir         string `toml:"remote_dir"`
	ArchiveName       string `toml:"archive_name"`
	KeepArchive       bool   `toml:"keep_archive"`
}

// Source returns the configured local source path, preferring source_path
// over source_dir, with surrounding whitespace trimmed.
func (b Backup) Source() string {
	if s := strings.TrimSpace(b.SourcePath); s != "" {
		return s
	}

	return strings.TrimSpace(b.SourceDir)
}

// KeepsCommandSource reports whether a command-produced source file should
// survive the run. Defaults to true when unset.
func (b Backup) KeepsCommandSource() bool {
	if b.KeepCommandSource == nil {
		return true
	}

	return *b.KeepCommandSource
}

// Validate checks a loaded Config for the fields the run cannot proceed
// without. All problems are reported at once.
func Validate(cfg *Config) error {
	var errs []error

	if strings.TrimSpace(cfg.App.AppKey) == "" {
		errs = append(errs, errors.New("app.app_key is required"))
	}

	if strings.TrimSpace(cfg.App.AppSecret) == "" {
		errs = append(errs, errors.New("app.app_secret is required"))
	}

	if len(cfg.Backups) == 0 {
		errs = append(errs, errors.New("no backups configured"))
	}

	for i, b := range cfg.Backups {
		if b.Source() == "" {
			errs = append(errs, fmt.Errorf("backups[%d]: source_path or source_dir is required", i))
		}

		if strings.TrimSpace(b.RemoteDir) == "" {
			errs = append(errs, fmt.Errorf("backups[%d]: remote_dir is required", i))
		}

		if b.CommandWorkdir != "" && b.Command == "" {
			errs = append(errs, fmt.Errorf("backups[%d]: command_workdir set without command", i))
		}
	}

	return errors.Join(errs...)
}
