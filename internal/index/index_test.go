package index

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marlboro-red/fxi/internal/analysis"
	"github.com/marlboro-red/fxi/internal/config"
)

// writeCorpus materializes files under a temp root and returns it.
func writeCorpus(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return root
}

func buildIndex(t *testing.T, root string, cfg config.IndexConfig) string {
	t.Helper()
	indexDir := t.TempDir()
	builder := NewBuilder(cfg, nil, nil)
	_, err := builder.Build(context.Background(), root, indexDir)
	require.NoError(t, err)
	return indexDir
}

func TestBuildAndOpen(t *testing.T) {
	root := writeCorpus(t, map[string]string{
		"a.txt":      "hello world\n",
		"b.txt":      "world peace\n",
		"src/lib.rs": "fn main() {}\n",
	})
	indexDir := buildIndex(t, root, config.Default().Index)

	r, err := Open(indexDir)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, uint32(3), r.DocCount())
	assert.Len(t, r.Segments(), 1)

	seen := map[string]Document{}
	for id := uint32(0); id < r.DocCount(); id++ {
		doc, err := r.Document(id)
		require.NoError(t, err)
		assert.Equal(t, id, doc.DocID)
		rel, ok := r.Path(doc)
		require.True(t, ok)
		seen[rel] = doc
	}
	require.Contains(t, seen, "a.txt")
	require.Contains(t, seen, "b.txt")
	require.Contains(t, seen, "src/lib.rs")
	assert.Equal(t, LangRust, seen["src/lib.rs"].Language)
	assert.Equal(t, uint64(12), seen["a.txt"].Size)
	// mtime is stored as whole seconds since the epoch.
	assert.Greater(t, seen["a.txt"].MtimeSecs, uint64(1_500_000_000))
}

// Re-indexing an unchanged tree assigns the same document ids.
func TestRebuildStableIDs(t *testing.T) {
	root := writeCorpus(t, map[string]string{
		"one.go":   "package one\n",
		"two.go":   "package two\n",
		"three.go": "package three\n",
	})
	cfg := config.Default().Index

	order := func(indexDir string) []string {
		r, err := Open(indexDir)
		require.NoError(t, err)
		defer r.Close()
		var paths []string
		for id := uint32(0); id < r.DocCount(); id++ {
			doc, err := r.Document(id)
			require.NoError(t, err)
			rel, _ := r.Path(doc)
			paths = append(paths, rel)
		}
		return paths
	}

	first := order(buildIndex(t, root, cfg))
	second := order(buildIndex(t, root, cfg))
	assert.Equal(t, first, second)
}

func TestBuildSkipsBinaryAndIgnoredDirs(t *testing.T) {
	root := writeCorpus(t, map[string]string{
		"keep.txt":          "text content\n",
		".git/config":       "not indexed\n",
		"node_modules/x.js": "skip me\n",
	})
	require.NoError(t, os.WriteFile(filepath.Join(root, "blob.bin"),
		append([]byte{0, 0, 0, 0, 0, 0, 0, 0}, make([]byte, 64)...), 0o644))

	indexDir := buildIndex(t, root, config.Default().Index)
	r, err := Open(indexDir)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, uint32(1), r.DocCount())
	doc, err := r.Document(0)
	require.NoError(t, err)
	rel, _ := r.Path(doc)
	assert.Equal(t, "keep.txt", rel)
}

func TestBuildMultipleSegments(t *testing.T) {
	files := map[string]string{}
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		files[name+".txt"] = "content of " + name + "\n"
	}
	root := writeCorpus(t, files)

	cfg := config.Default().Index
	cfg.ChunkSize = 2
	indexDir := buildIndex(t, root, cfg)

	r, err := Open(indexDir)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, uint32(5), r.DocCount())
	assert.Len(t, r.Segments(), 3)

	// Document ids stay dense and monotone across segment boundaries.
	for id := uint32(0); id < r.DocCount(); id++ {
		doc, err := r.Document(id)
		require.NoError(t, err)
		assert.Equal(t, id, doc.DocID)
	}

	// Postings for a shared trigram span all segments.
	total := r.TrigramDocFreq(analysis.PackTrigram('c', 'o', 'n'))
	assert.Equal(t, uint32(5), total)
}

// Files shorter than 3 bytes produce no trigrams but still index tokens.
func TestTinyFileStillIndexesTokens(t *testing.T) {
	root := writeCorpus(t, map[string]string{"t.txt": "ab"})
	indexDir := buildIndex(t, root, config.Default().Index)

	r, err := Open(indexDir)
	require.NoError(t, err)
	defer r.Close()

	require.Equal(t, uint32(1), r.DocCount())
	assert.Equal(t, uint32(1), r.TokenDocFreq("ab"))
	assert.Zero(t, r.TrigramDocFreq(analysis.PackTrigram('a', 'b', ' ')))
}

func TestOpenMissingIndex(t *testing.T) {
	_, err := Open(t.TempDir())
	assert.ErrorIs(t, err, ErrIndexMissing)
}

func TestEmptyCorpus(t *testing.T) {
	indexDir := buildIndex(t, t.TempDir(), config.Default().Index)
	r, err := Open(indexDir)
	require.NoError(t, err)
	defer r.Close()
	assert.Zero(t, r.DocCount())
	assert.Empty(t, r.Segments())
}

// An out-of-range language tag is corruption, never coerced.
func TestLanguageTagValidation(t *testing.T) {
	root := writeCorpus(t, map[string]string{"a.txt": "hello\n"})
	indexDir := buildIndex(t, root, config.Default().Index)

	docsPath := filepath.Join(indexDir, DocsFile)
	data, err := os.ReadFile(docsPath)
	require.NoError(t, err)
	// Language field lives at record offset 24.
	binary.LittleEndian.PutUint16(data[4+24:], 0x7fff)
	require.NoError(t, os.WriteFile(docsPath, data, 0o644))

	r, err := Open(indexDir)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Document(0)
	var corrupt *CorruptError
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, "docs", corrupt.Component)
}

func TestDocTableSizeMismatch(t *testing.T) {
	root := writeCorpus(t, map[string]string{"a.txt": "hello\n"})
	indexDir := buildIndex(t, root, config.Default().Index)

	docsPath := filepath.Join(indexDir, DocsFile)
	data, err := os.ReadFile(docsPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(docsPath, data[:len(data)-5], 0o644))

	_, err = Open(indexDir)
	var corrupt *CorruptError
	require.ErrorAs(t, err, &corrupt)
}

func TestCompact(t *testing.T) {
	files := map[string]string{}
	for _, name := range []string{"a", "b", "c", "d"} {
		files[name+".txt"] = "shared marker " + name + "\n"
	}
	root := writeCorpus(t, files)

	cfg := config.Default().Index
	cfg.ChunkSize = 1
	indexDir := buildIndex(t, root, cfg)

	before, err := Open(indexDir)
	require.NoError(t, err)
	require.Len(t, before.Segments(), 4)
	freqBefore := before.TokenDocFreq("marker")
	before.Close()

	require.NoError(t, Compact(indexDir, nil))

	after, err := Open(indexDir)
	require.NoError(t, err)
	defer after.Close()
	assert.Len(t, after.Segments(), 1)
	assert.Equal(t, uint32(4), after.DocCount())
	assert.Equal(t, freqBefore, after.TokenDocFreq("marker"))

	// Documents now point at the merged segment.
	for id := uint32(0); id < after.DocCount(); id++ {
		doc, err := after.Document(id)
		require.NoError(t, err)
		assert.Equal(t, after.Segments()[0].ID, doc.SegmentID)
		// Line offsets still resolve through the merged segment.
		offsets, err := after.LineOffsets(id)
		require.NoError(t, err)
		assert.Equal(t, []uint32{0}, offsets)
	}
}

func TestNeedsCompaction(t *testing.T) {
	meta := &Meta{DeltaSegments: []uint16{2, 3}}
	assert.True(t, NeedsCompaction(meta, 2))
	assert.False(t, NeedsCompaction(meta, 3))
	assert.False(t, NeedsCompaction(&Meta{}, 1))
}

func TestOffsetToLine(t *testing.T) {
	root := writeCorpus(t, map[string]string{
		"f.txt": "aaa\nbbb\nccc\n",
	})
	indexDir := buildIndex(t, root, config.Default().Index)
	r, err := Open(indexDir)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, uint32(1), r.OffsetToLine(0, 0))
	assert.Equal(t, uint32(1), r.OffsetToLine(0, 3))
	assert.Equal(t, uint32(2), r.OffsetToLine(0, 4))
	assert.Equal(t, uint32(3), r.OffsetToLine(0, 8))
}
