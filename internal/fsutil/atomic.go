// Package fsutil provides the write-temp-then-rename discipline used for
// every persisted index file. A reader always observes either the previous
// valid version of a file or the new one, never a partial write.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteFileAtomic writes data to path by writing a temp file in the same
// directory, syncing it, and renaming it into place.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("fsutil: create parent dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-")
	if err != nil {
		return fmt.Errorf("fsutil: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("fsutil: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsutil: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("fsutil: close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("fsutil: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("fsutil: rename into place: %w", err)
	}
	return nil
}

// AtomicWriter accumulates a file in a temp location and renames it into
// place on Commit. Abort (or a missed Commit) leaves no trace at the target.
type AtomicWriter struct {
	f      *os.File
	target string
	done   bool
}

// NewAtomicWriter creates a temp file next to target.
func NewAtomicWriter(target string) (*AtomicWriter, error) {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("fsutil: create parent dir: %w", err)
	}
	f, err := os.CreateTemp(dir, ".tmp-")
	if err != nil {
		return nil, fmt.Errorf("fsutil: create temp file: %w", err)
	}
	return &AtomicWriter{f: f, target: target}, nil
}

// Write implements io.Writer.
func (w *AtomicWriter) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

// Commit syncs the temp file and renames it to the target path.
func (w *AtomicWriter) Commit() error {
	if w.done {
		return nil
	}
	w.done = true
	name := w.f.Name()
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		os.Remove(name)
		return fmt.Errorf("fsutil: sync: %w", err)
	}
	if err := w.f.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("fsutil: close: %w", err)
	}
	if err := os.Rename(name, w.target); err != nil {
		os.Remove(name)
		return fmt.Errorf("fsutil: rename into place: %w", err)
	}
	return nil
}

// Abort discards the temp file. Safe to call after Commit.
func (w *AtomicWriter) Abort() {
	if w.done {
		return
	}
	w.done = true
	name := w.f.Name()
	w.f.Close()
	os.Remove(name)
}
