// Package journal records completed backup uploads in a local SQLite
// database so operators can see what was shipped where, and when.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // cgo-free sqlite driver
)

//go:embed migrations/*.sql
var migrations embed.FS

// Entry is one journal row: a single archive delivered to a single uploader
// destination. RunID groups the entries of one invocation.
type Entry struct {
	RunID      string
	Archive    string
	RemotePath string
	Size       int64
	Uploader   string
	CreatedAt  time.Time
}

// Journal is the SQLite-backed history. A nil *Journal is valid and
// discards records, so callers need no branching when history is disabled.
type Journal struct {
	db *sql.DB
}

// Open creates or migrates the journal database at path. The parent
// directory is created if needed.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("journal: creating directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: opening %s: %w", path, err)
	}

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: setting dialect: %w", err)
	}

	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: migrating %s: %w", path, err)
	}

	return &Journal{db: db}, nil
}

// Record appends one entry. No-op on a nil Journal.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if j == nil {
		return nil
	}

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO backups (run_id, archive, remote_path, size, uploader, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Archive, e.RemotePath, e.Size, e.Uploader, e.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("journal: recording backup: %w", err)
	}

	return nil
}

// Recent returns up to limit entries, newest first. Empty on a nil Journal.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if j == nil {
		return nil, nil
	}

	rows, err := j.db.QueryContext(ctx,
		`SELECT run_id, archive, remote_path, size, uploader, created_at
		 FROM backups ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: querying backups: %w", err)
	}
	defer rows.Close()

	var entries []Entry

	for rows.Next() {
		var (
			e       Entry
			created string
		)

		if err := rows.Scan(&e.RunID, &e.Archive, &e.RemotePath, &e.Size, &e.Uploader, &created); err != nil {
			return nil, fmt.Errorf("journal: scanning row: %w", err)
		}

		e.CreatedAt, err = time.Parse(time.RFC3339, created)
		if err != nil {
			return nil, fmt.Errorf("journal: parsing created_at %q: %w", created, err)
		}

		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: iterating rows: %w", err)
	}

	return entries, nil
}

// Close releases the database handle. No-op on a nil Journal.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}

	return j.db.Close()
}
