package calibrate

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"path/filepath"

	"github.com/banshee-data/modelsweep/internal/fsutil"
	"github.com/banshee-data/modelsweep/internal/security"
)

// Archiver preserves the relevant files of a winning run directory.
type Archiver interface {
	Archive(ctx context.Context, execID, runDir string, files []string) (string, error)
}

// ZipArchiver writes one zip per execution into Dir.
type ZipArchiver struct {
	Dir string
	FS  fsutil.FileSystem
}

// ArchivePath is the deterministic archive location for execID.
func (a ZipArchiver) ArchivePath(execID string) string {
	return filepath.Join(a.Dir, security.SanitizeFilename(execID)+".zip")
}

// Archive zips files, named relative to runDir, into ArchivePath(execID).
// An existing archive for the same id is replaced.
func (a ZipArchiver) Archive(ctx context.Context, execID, runDir string, files []string) (string, error) {
	fsys := a.FS
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range files {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		data, err := fsys.ReadFile(filepath.Join(runDir, name))
		if err != nil {
			return "", fmt.Errorf("failed to read %s for archive: %w", name, err)
		}
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
		if err != nil {
			return "", err
		}
		if _, err := w.Write(data); err != nil {
			return "", err
		}
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("failed to finish archive: %w", err)
	}

	if err := fsys.MkdirAll(a.Dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}
	path := a.ArchivePath(execID)
	if err := fsys.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("failed to write archive %s: %w", path, err)
	}
	return path, nil
}
