// Package tokenstore persists the OAuth2 credential for a cloud-storage
// account. It is a leaf package so that both the vendor client and the CLI
// can share one loading/saving code path.
package tokenstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// FilePerms restricts credential files to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the credential directory.
const DirPerms = 0o700

// ErrCorrupt marks a credential file that exists but cannot be parsed.
// A corrupt store is a hard failure, never silently treated as absent;
// overwriting it could destroy a refresh token the operator still needs.
var ErrCorrupt = errors.New("tokenstore: corrupt credential file")

// Credential is the on-disk token record. ExpiresAt is an absolute
// timestamp, already adjusted by the vendor client's safety margin.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Store abstracts credential persistence so tests can supply an in-memory
// fake. Load returns (nil, nil) when no credential has been saved yet.
type Store interface {
	Load() (*Credential, error)
	Save(*Credential) error
}

// FileStore keeps the credential as a single JSON object on local disk.
// A single process owns the file for the duration of a run; there is no
// cross-process locking.
type FileStore struct {
	path string
}

// NewFileStore creates a store backed by the file at path.
// The parent directory is created on the first Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the saved credential. Returns (nil, nil) if the file does not
// exist, and an error wrapping ErrCorrupt if it exists but cannot be parsed.
func (s *FileStore) Load() (*Credential, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil //nolint:nilnil // sentinel for "not saved yet"
	}

	if err != nil {
		return nil, fmt.Errorf("tokenstore: reading %s: %w", s.path, err)
	}

	var cred Credential
	if jsonErr := json.Unmarshal(data, &cred); jsonErr != nil {
		return nil, fmt.Errorf("tokenstore: decoding %s (%v): %w", s.path, jsonErr, ErrCorrupt)
	}

	if cred.AccessToken == "" {
		return nil, fmt.Errorf("tokenstore: %s missing access_token: %w", s.path, ErrCorrupt)
	}

	return &cred, nil
}

// Save writes the credential atomically (write-to-temp + rename) with 0600
// permissions. The old credential is never visible half-overwritten: the
// rename either installs the complete new file or leaves the old one intact.
func (s *FileStore) Save(cred *Credential) error {
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("tokenstore: encoding: %w", err)
	}

	dir := filepath.Dir(s.path)
	if mkErr := os.MkdirAll(dir, DirPerms); mkErr != nil {
		return fmt.Errorf("tokenstore: creating directory %s: %w", dir, mkErr)
	}

	// Temp file in the same directory guarantees same filesystem for rename(2).
	tmp, err := os.CreateTemp(dir, ".credential-*.tmp")
	if err != nil {
		return fmt.Errorf("tokenstore: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenstore: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenstore: writing: %w", err)
	}

	// Flush to stable storage before rename so a power loss between close and
	// rename cannot leave an empty or partial credential file at the final path.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenstore: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("tokenstore: closing: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("tokenstore: renaming: %w", err)
	}

	success = true

	return nil
}
