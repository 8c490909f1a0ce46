// Package archive builds tar+zstd archives of local files and directory
// trees for upload.
package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

// fallbackName is used when a backup item has a blank archive name.
const fallbackName = "backup"

// BuildPath returns the archive output path for a backup item:
// <dir>/<name>-YYYYMMDD.tar.zst, with a "backup" fallback for blank names.
func BuildPath(dir, name string, now time.Time) string {
	base := strings.TrimSpace(name)
	if base == "" {
		base = fallbackName
	}

	return filepath.Join(dir, fmt.Sprintf("%s-%s.tar.zst", base, now.Format("20060102")))
}

// Create archives sourcePath (a regular file or a directory tree) into a
// zstd-compressed tarball at outPath. Entries are rooted at the source's
// base name, so extracting reproduces a single top-level file or directory.
func Create(sourcePath, outPath string) error {
	info, err := os.Lstat(sourcePath)
	if err != nil {
		return fmt.Errorf("archive: stat %s: %w", sourcePath, err)
	}

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("archive: creating %s: %w", outPath, err)
	}

	enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	if err != nil {
		out.Close()
		return fmt.Errorf("archive: initializing zstd encoder: %w", err)
	}

	tw := tar.NewWriter(enc)

	base := filepath.Base(sourcePath)
	if base == "." || base == string(filepath.Separator) {
		base = fallbackName
	}

	switch {
	case info.IsDir():
		err = appendTree(tw, sourcePath, base)
	case info.Mode().IsRegular():
		err = appendFile(tw, sourcePath, base, info)
	default:
		err = fmt.Errorf("archive: %s is not a file or directory", sourcePath)
	}

	if err != nil {
		tw.Close()
		enc.Close()
		out.Close()

		return err
	}

	if err := tw.Close(); err != nil {
		enc.Close()
		out.Close()

		return fmt.Errorf("archive: finishing tar stream: %w", err)
	}

	if err := enc.Close(); err != nil {
		out.Close()
		return fmt.Errorf("archive: finishing zstd stream: %w", err)
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("archive: closing %s: %w", outPath, err)
	}

	return nil
}

// appendTree walks the directory and writes every entry under base/.
// Symlinks are stored as links; sockets and other irregular files are
// skipped.
func appendTree(tw *tar.Writer, root, base string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return fmt.Errorf("archive: walking %s: %w", p, walkErr)
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("archive: stat %s: %w", p, err)
		}

		var linkTarget string
		if info.Mode()&fs.ModeSymlink != 0 {
			linkTarget, err = os.Readlink(p)
			if err != nil {
				return fmt.Errorf("archive: reading symlink %s: %w", p, err)
			}
		} else if !info.IsDir() && !info.Mode().IsRegular() {
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, linkTarget)
		if err != nil {
			return fmt.Errorf("archive: building header for %s: %w", p, err)
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return fmt.Errorf("archive: relativizing %s: %w", p, err)
		}

		if rel == "." {
			hdr.Name = base + "/"
		} else {
			hdr.Name = path.Join(base, filepath.ToSlash(rel))
			if info.IsDir() {
				hdr.Name += "/"
			}
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("archive: writing header for %s: %w", p, err)
		}

		if !info.Mode().IsRegular() {
			return nil
		}

		return copyFileContents(tw, p)
	})
}

// appendFile writes a single regular file as the only archive entry.
func appendFile(tw *tar.Writer, p, base string, info os.FileInfo) error {
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("archive: building header for %s: %w", p, err)
	}

	hdr.Name = base

	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("archive: writing header for %s: %w", p, err)
	}

	return copyFileContents(tw, p)
}

func copyFileContents(tw *tar.Writer, p string) error {
	f, err := os.Open(p)
	if err != nil {
		return fmt.Errorf("archive: opening %s: %w", p, err)
	}
	defer f.Close()

	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("archive: appending %s: %w", p, err)
	}

	return nil
}
