// Package testindex builds throwaway on-disk indexes for tests.
package testindex

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/marlboro-red/fxi/internal/config"
	"github.com/marlboro-red/fxi/internal/index"
)

// Build materializes files under a temp root, indexes them, and returns an
// open reader. The caller owns closing the reader.
func Build(t *testing.T, files map[string]string) *index.Reader {
	t.Helper()
	root := BuildRoot(t, files)
	indexDir := t.TempDir()
	BuildAt(t, root, indexDir)

	reader, err := index.Open(indexDir)
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	return reader
}

// BuildRoot writes the corpus files under a fresh temp root.
func BuildRoot(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}
	return root
}

// BuildAt indexes root into indexDir with the default configuration.
func BuildAt(t *testing.T, root, indexDir string) {
	t.Helper()
	builder := index.NewBuilder(config.Default().Index, nil, nil)
	if _, err := builder.Build(context.Background(), root, indexDir); err != nil {
		t.Fatalf("build index: %v", err)
	}
}
