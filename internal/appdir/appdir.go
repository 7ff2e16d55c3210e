// Package appdir resolves where fxi keeps its state: the per-user data
// directory holding one index directory per indexed root, and the runtime
// socket/pid paths for the daemon.
package appdir

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const appName = "fxi"

// DataDir returns the application data directory, creating it if needed.
// Linux follows XDG_DATA_HOME, macOS uses ~/Library/Application Support,
// Windows uses LOCALAPPDATA.
func DataDir() (string, error) {
	var base string
	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("appdir: no home directory: %w", err)
		}
		base = filepath.Join(home, "Library", "Application Support")
	case "windows":
		base = os.Getenv("LOCALAPPDATA")
		if base == "" {
			return "", fmt.Errorf("appdir: LOCALAPPDATA is not set")
		}
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			base = xdg
		} else {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("appdir: no home directory: %w", err)
			}
			base = filepath.Join(home, ".local", "share")
		}
	}

	dir := filepath.Join(base, appName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("appdir: create data dir: %w", err)
	}
	return dir, nil
}

// ConfigPath returns the path of the optional TOML config file.
func ConfigPath() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// IndexDir returns the index directory for a codebase root. The directory
// name is stable for a given canonical root path.
func IndexDir(rootPath string) (string, error) {
	dataDir, err := DataDir()
	if err != nil {
		return "", err
	}
	indexesDir := filepath.Join(dataDir, "indexes")
	if err := os.MkdirAll(indexesDir, 0o755); err != nil {
		return "", fmt.Errorf("appdir: create indexes dir: %w", err)
	}
	return filepath.Join(indexesDir, HashPath(rootPath)), nil
}

// HashPath derives a stable directory name for a root path: a sanitized
// prefix of the base name for readability plus a 64-bit FNV hash of the
// canonical absolute path for uniqueness.
func HashPath(rootPath string) string {
	canonical := rootPath
	if resolved, err := filepath.EvalSymlinks(rootPath); err == nil {
		canonical = resolved
	}
	if abs, err := filepath.Abs(canonical); err == nil {
		canonical = abs
	}

	base := filepath.Base(canonical)
	var sanitized strings.Builder
	for _, r := range base {
		if sanitized.Len() >= 16 {
			break
		}
		if r == '-' || r == '_' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			sanitized.WriteRune(r)
		}
	}
	if sanitized.Len() == 0 {
		sanitized.WriteString("root")
	}

	h := fnv.New64a()
	h.Write([]byte(canonical))
	return fmt.Sprintf("%s-%016x", sanitized.String(), h.Sum64())
}

// IsIndexed reports whether rootPath has an existing index.
func IsIndexed(rootPath string) bool {
	dir, err := IndexDir(rootPath)
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(dir, "meta.json"))
	return err == nil
}

// RemoveIndex deletes the index directory for rootPath.
func RemoveIndex(rootPath string) error {
	dir, err := IndexDir(rootPath)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("appdir: remove index: %w", err)
	}
	return nil
}

// IndexLocation pairs an indexed root with its index directory.
type IndexLocation struct {
	RootPath string
	IndexDir string
}

// ListIndexes enumerates every index directory that carries a meta.json,
// reading the root path back out of the meta record.
func ListIndexes() ([]IndexLocation, error) {
	dataDir, err := DataDir()
	if err != nil {
		return nil, err
	}
	indexesDir := filepath.Join(dataDir, "indexes")
	entries, err := os.ReadDir(indexesDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("appdir: read indexes dir: %w", err)
	}

	var locations []IndexLocation
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(indexesDir, entry.Name())
		data, err := os.ReadFile(filepath.Join(dir, "meta.json"))
		if err != nil {
			continue
		}
		var meta struct {
			RootPath string `json:"root_path"`
		}
		if json.Unmarshal(data, &meta) != nil || meta.RootPath == "" {
			continue
		}
		locations = append(locations, IndexLocation{RootPath: meta.RootPath, IndexDir: dir})
	}
	return locations, nil
}

// FindCodebaseRoot walks up from start looking for a .git directory, then
// for an already-indexed ancestor. Falls back to start itself.
func FindCodebaseRoot(start string) (string, error) {
	abs, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("appdir: resolve start path: %w", err)
	}

	for dir := abs; ; {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	for dir := abs; ; {
		if IsIndexed(dir) {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return abs, nil
}
