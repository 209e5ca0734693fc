// Package modelstore keeps the name-to-directory registry of calibration
// models and ingests new models uploaded as zip archives.
package modelstore

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/banshee-data/modelsweep/internal/monitoring"
	"github.com/banshee-data/modelsweep/internal/security"
)

// ErrModelExists is returned by AddModel when the name is already taken.
var ErrModelExists = errors.New("model already exists")

// Limits on uploaded model archives.
const (
	MaxArchiveEntries    = 10000
	MaxExtractedBytes    = 2 << 30
	incomingDirPrefix    = ".incoming-"
	defaultDirectoryPerm = 0o755
)

// ModelEntry is one registered model.
type ModelEntry struct {
	Name string `json:"name"`
	Dir  string `json:"dir"`
}

// Registry maps model names to directories below Root. It satisfies
// calibrate.ModelRegistry and is safe for concurrent use.
type Registry struct {
	root string

	mu     sync.RWMutex
	models map[string]string
}

var logf = monitoring.Component("models")

// NewRegistry returns an empty registry rooted at root.
func NewRegistry(root string) *Registry {
	return &Registry{root: root, models: make(map[string]string)}
}

// Root is the directory new models are extracted into.
func (r *Registry) Root() string { return r.root }

// Scan registers every sub-directory of the root under its directory name
// and returns how many were found. A missing root is created.
func (r *Registry) Scan() (int, error) {
	if err := os.MkdirAll(r.root, defaultDirectoryPerm); err != nil {
		return 0, fmt.Errorf("failed to create models directory: %w", err)
	}
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return 0, fmt.Errorf("failed to read models directory: %w", err)
	}

	n := 0
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		r.Register(e.Name(), filepath.Join(r.root, e.Name()))
		n++
	}
	logf("registered %d models from %s", n, r.root)
	return n, nil
}

// Register maps name to dir, replacing any previous entry. The directory is
// not checked; resolution failures surface when a sweep starts.
func (r *Registry) Register(name, dir string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[name] = dir
}

// Resolve returns the directory registered for name.
func (r *Registry) Resolve(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dir, ok := r.models[name]
	return dir, ok
}

// List returns every registered model sorted by name.
func (r *Registry) List() []ModelEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ModelEntry, 0, len(r.models))
	for name, dir := range r.models {
		out = append(out, ModelEntry{Name: name, Dir: dir})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AddModel unpacks a zip archive into <root>/<name> and registers it. When
// every entry shares a single top-level directory that directory is
// stripped, so zipping a model folder and zipping its contents are
// equivalent. Entries that would escape the model directory are rejected.
func (r *Registry) AddModel(name string, archive []byte) (ModelEntry, error) {
	if err := security.ValidateBaseName(name); err != nil {
		return ModelEntry{}, fmt.Errorf("invalid model name: %w", err)
	}
	if strings.HasPrefix(name, ".") {
		return ModelEntry{}, fmt.Errorf("invalid model name %q: must not start with a dot", name)
	}

	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return ModelEntry{}, fmt.Errorf("failed to open model archive: %w", err)
	}
	if len(zr.File) > MaxArchiveEntries {
		return ModelEntry{}, fmt.Errorf("model archive has %d entries, limit is %d", len(zr.File), MaxArchiveEntries)
	}

	dest := filepath.Join(r.root, name)
	if _, ok := r.Resolve(name); ok {
		return ModelEntry{}, fmt.Errorf("%w: %s", ErrModelExists, name)
	}
	if _, err := os.Stat(dest); err == nil {
		return ModelEntry{}, fmt.Errorf("%w: %s", ErrModelExists, name)
	}

	if err := os.MkdirAll(r.root, defaultDirectoryPerm); err != nil {
		return ModelEntry{}, fmt.Errorf("failed to create models directory: %w", err)
	}
	staging := filepath.Join(r.root, incomingDirPrefix+uuid.NewString())
	if err := os.Mkdir(staging, defaultDirectoryPerm); err != nil {
		return ModelEntry{}, fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := extract(zr, staging, commonPrefix(zr.File)); err != nil {
		return ModelEntry{}, err
	}
	if err := os.Rename(staging, dest); err != nil {
		return ModelEntry{}, fmt.Errorf("failed to install model %s: %w", name, err)
	}

	r.Register(name, dest)
	logf("added model %s (%d archive entries) at %s", name, len(zr.File), dest)
	return ModelEntry{Name: name, Dir: dest}, nil
}

// commonPrefix returns "dir/" when every entry lives below the same
// top-level directory, and "" otherwise.
func commonPrefix(files []*zip.File) string {
	prefix := ""
	for _, f := range files {
		name := strings.TrimPrefix(filepath.ToSlash(f.Name), "./")
		i := strings.IndexByte(name, '/')
		if i <= 0 {
			return ""
		}
		top := name[:i+1]
		if prefix == "" {
			prefix = top
		} else if top != prefix {
			return ""
		}
	}
	return prefix
}

func extract(zr *zip.Reader, dest, strip string) error {
	var written int64
	for _, f := range zr.File {
		name := strings.TrimPrefix(strings.TrimPrefix(filepath.ToSlash(f.Name), "./"), strip)
		if name == "" {
			continue
		}
		target := filepath.Join(dest, filepath.FromSlash(name))
		if err := security.ValidatePathWithinDirectory(target, dest); err != nil {
			return fmt.Errorf("archive entry %q: %w", f.Name, err)
		}

		mode := f.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, defaultDirectoryPerm); err != nil {
				return err
			}
			continue
		case !mode.IsRegular():
			// Symlinks and devices are not materialised.
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), defaultDirectoryPerm); err != nil {
			return err
		}
		n, err := extractFile(f, target, MaxExtractedBytes-written)
		if err != nil {
			return fmt.Errorf("archive entry %q: %w", f.Name, err)
		}
		written += n
	}
	return nil
}

func extractFile(f *zip.File, target string, budget int64) (int64, error) {
	rc, err := f.Open()
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	perm := f.Mode().Perm() | 0o600
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, io.LimitReader(rc, budget+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, err
	}
	if n > budget {
		return n, fmt.Errorf("extracted size exceeds %d bytes", MaxExtractedBytes)
	}
	return n, nil
}
