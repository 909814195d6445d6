// Package plugin installs uploaded environment plugins and loads them
// into the capability registry.
//
// A plugin is a zip archive containing one top-level directory with
// compiled Go plugin objects (*.so). Each object must export
//
//	func RegisterEnvironments(r *env.Registry)
//
// which binds its environment factories. Re-registration overwrites, so
// uploading a new plugin version takes effect on the next request. The
// Go runtime cannot reload a changed .so at the same path, so plugin
// builds should version their file names (e.g. myenv-v2.so).
package plugin

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	goplugin "plugin"
	"strings"

	"github.com/arenaproj/arena/pkg/env"
)

// registerSymbol is the exported symbol every plugin object must carry.
const registerSymbol = "RegisterEnvironments"

// Loader installs plugin archives into a directory and registers their
// environments.
type Loader struct {
	registry *env.Registry
	dir      string
}

// NewLoader creates a loader extracting into dir.
func NewLoader(registry *env.Registry, dir string) *Loader {
	return &Loader{registry: registry, dir: dir}
}

// InstallZip validates the archive, extracts it into the plugins
// directory and loads any contained plugin objects.
func (l *Loader) InstallZip(data []byte) error {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("not a valid zip archive: %w", err)
	}
	if err := validateArchive(reader); err != nil {
		return err
	}

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create plugins directory: %w", err)
	}
	for _, file := range reader.File {
		if err := l.extract(file); err != nil {
			return err
		}
	}
	return l.LoadAll()
}

// validateArchive rejects archives with unsafe paths or without the
// expected single top-level directory.
func validateArchive(reader *zip.Reader) error {
	if len(reader.File) == 0 {
		return fmt.Errorf("empty archive")
	}
	topLevel := ""
	for _, file := range reader.File {
		name := file.Name
		if filepath.IsAbs(name) || strings.Contains(name, "..") {
			return fmt.Errorf("unsafe path %q in archive", name)
		}
		root, _, found := strings.Cut(name, "/")
		if !found {
			return fmt.Errorf("archive must contain a single top-level directory, got file %q", name)
		}
		if topLevel == "" {
			topLevel = root
		} else if root != topLevel {
			return fmt.Errorf("archive must contain a single top-level directory, got %q and %q", topLevel, root)
		}
	}
	return nil
}

func (l *Loader) extract(file *zip.File) error {
	target := filepath.Join(l.dir, filepath.FromSlash(file.Name))
	if file.FileInfo().IsDir() {
		return os.MkdirAll(target, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create %q: %w", filepath.Dir(target), err)
	}

	src, err := file.Open()
	if err != nil {
		return fmt.Errorf("failed to read %q from archive: %w", file.Name, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %q: %w", target, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("failed to extract %q: %w", file.Name, err)
	}
	return nil
}

// LoadAll walks the plugins directory and registers every plugin object
// found. Objects that fail to load are logged and skipped so one broken
// plugin cannot take down the rest.
func (l *Loader) LoadAll() error {
	var loaded int
	err := filepath.WalkDir(l.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".so") {
			return nil
		}
		if err := l.loadObject(path); err != nil {
			slog.Error("Failed to load plugin object", "path", path, "error", err)
			return nil
		}
		loaded++
		return nil
	})
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to scan plugins directory: %w", err)
	}
	if loaded > 0 {
		slog.Info("Loaded environment plugins", "count", loaded, "dir", l.dir)
	}
	return nil
}

func (l *Loader) loadObject(path string) error {
	p, err := goplugin.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open plugin: %w", err)
	}
	symbol, err := p.Lookup(registerSymbol)
	if err != nil {
		return fmt.Errorf("plugin does not export %s: %w", registerSymbol, err)
	}
	register, ok := symbol.(func(*env.Registry))
	if !ok {
		return fmt.Errorf("%s has wrong type %T", registerSymbol, symbol)
	}
	register(l.registry)
	return nil
}
