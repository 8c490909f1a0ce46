// Package backup orchestrates configured backup items: run the optional
// pre-command, archive the source, ship the archive through every
// configured uploader, record the result, and clean up.
package backup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mkallio/panbackup/internal/archive"
	"github.com/mkallio/panbackup/internal/config"
	"github.com/mkallio/panbackup/internal/journal"
)

// Uploader is a cloud-storage destination capable of storing one local file
// under a remote directory. One implementation per vendor; the Runner does
// not know vendor-specific details.
type Uploader interface {
	Name() string
	Upload(ctx context.Context, localPath, remoteDir string) (bool, error)
}

// Runner executes backup items sequentially. Archives are staged in
// stagingDir and removed after upload unless the item keeps them.
type Runner struct {
	uploaders  []Uploader
	journal    *journal.Journal
	logger     *slog.Logger
	stagingDir string

	// Test seam.
	now func() time.Time
}

// NewRunner creates a Runner. stagingDir is where archives are written;
// empty means the current working directory. journal may be nil to disable
// history.
func NewRunner(uploaders []Uploader, j *journal.Journal, stagingDir string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		uploaders:  uploaders,
		journal:    j,
		logger:     logger,
		stagingDir: stagingDir,
		now:        time.Now,
	}
}

// Run processes every backup item in order, stopping at the first failure.
// Each invocation is tagged with a fresh run id that appears in logs and
// journal rows.
func (r *Runner) Run(ctx context.Context, items []config.Backup) error {
	runID := uuid.NewString()
	logger := r.logger.With(slog.String("run_id", runID))

	logger.Info("starting backup run",
		slog.Int("items", len(items)),
	)

	for i, item := range items {
		if err := r.runItem(ctx, logger, runID, item); err != nil {
			return fmt.Errorf("backup item %d: %w", i, err)
		}
	}

	logger.Info("backup run complete")

	return nil
}

// runItem executes one backup item end-to-end.
func (r *Runner) runItem(ctx context.Context, logger *slog.Logger, runID string, item config.Backup) error {
	now := r.now()

	remoteDir := expandPlaceholders(strings.TrimSpace(item.RemoteDir), now)
	archiveName := expandPlaceholders(item.ArchiveName, now)

	if item.Command != "" {
		logger.Info("running pre-archive command",
			slog.String("command", item.Command),
		)

		if err := runCommand(ctx, item.Command, item.CommandWorkdir); err != nil {
			return err
		}
	}

	sourcePath := item.Source()

	info, err := os.Stat(sourcePath)
	if err != nil {
		return fmt.Errorf("source path not found: %s", sourcePath)
	}

	if !info.IsDir() && !info.Mode().IsRegular() {
		return fmt.Errorf("source path is not a file or directory: %s", sourcePath)
	}

	stagingDir := r.stagingDir
	if stagingDir == "" {
		if stagingDir, err = os.Getwd(); err != nil {
			return fmt.Errorf("resolving staging directory: %w", err)
		}
	}

	archivePath := archive.BuildPath(stagingDir, archiveName, now)

	logger.Info("creating archive",
		slog.String("source", sourcePath),
		slog.String("archive", archivePath),
	)

	if err := archive.Create(sourcePath, archivePath); err != nil {
		return err
	}

	if err := r.uploadAndRecord(ctx, logger, runID, archivePath, remoteDir); err != nil {
		return err
	}

	if !item.KeepArchive {
		if err := os.Remove(archivePath); err != nil {
			return fmt.Errorf("removing archive after upload: %w", err)
		}
	}

	if item.Command != "" && !item.KeepsCommandSource() && info.Mode().IsRegular() {
		logger.Info("removing command output file",
			slog.String("path", sourcePath),
		)

		if err := os.Remove(sourcePath); err != nil {
			return fmt.Errorf("removing command output file: %w", err)
		}
	}

	return nil
}

// uploadAndRecord ships the archive through every uploader in order and
// journals each successful delivery.
func (r *Runner) uploadAndRecord(
	ctx context.Context, logger *slog.Logger, runID, archivePath, remoteDir string,
) error {
	info, err := os.Stat(archivePath)
	if err != nil {
		return fmt.Errorf("stat archive: %w", err)
	}

	base := filepath.Base(archivePath)

	for _, up := range r.uploaders {
		logger.Info("uploading archive",
			slog.String("uploader", up.Name()),
			slog.String("archive", base),
			slog.String("remote_dir", remoteDir),
			slog.Int64("size", info.Size()),
		)

		if _, err := up.Upload(ctx, archivePath, remoteDir); err != nil {
			return fmt.Errorf("uploader %s: %w", up.Name(), err)
		}

		if err := r.journal.Record(ctx, journal.Entry{
			RunID:      runID,
			Archive:    base,
			RemotePath: strings.TrimRight(remoteDir, "/") + "/" + base,
			Size:       info.Size(),
			Uploader:   up.Name(),
			CreatedAt:  r.now(),
		}); err != nil {
			// History is best-effort: a journal failure must not fail a
			// backup that already reached the vendor.
			logger.Warn("failed to record journal entry",
				slog.String("error", err.Error()),
			)
		}
	}

	return nil
}
