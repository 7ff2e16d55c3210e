package index

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/marlboro-red/fxi/internal/fsutil"
)

// MetaVersion is the current on-disk format version.
const MetaVersion = 1

// On-disk file names inside an index directory.
const (
	MetaFile    = "meta.json"
	DocsFile    = "docs.bin"
	PathsFile   = "paths.bin"
	SegmentsDir = "segments"
)

// Meta is the index-wide record persisted as meta.json.
type Meta struct {
	Version       uint32   `json:"version"`
	RootPath      string   `json:"root_path"`
	DocCount      uint32   `json:"doc_count"`
	SegmentCount  uint16   `json:"segment_count"`
	BaseSegment   uint16   `json:"base_segment"`
	DeltaSegments []uint16 `json:"delta_segments"`
	StopGrams     []uint32 `json:"stop_grams"`
	CreatedAt     uint64   `json:"created_at"`
	UpdatedAt     uint64   `json:"updated_at"`
}

// Segments lists every live segment id, base first.
func (m *Meta) Segments() []uint16 {
	if m.SegmentCount == 0 {
		return nil
	}
	ids := make([]uint16, 0, 1+len(m.DeltaSegments))
	ids = append(ids, m.BaseSegment)
	ids = append(ids, m.DeltaSegments...)
	return ids
}

// LoadMeta reads and validates meta.json from an index directory.
func LoadMeta(indexDir string) (*Meta, error) {
	data, err := os.ReadFile(filepath.Join(indexDir, MetaFile))
	if os.IsNotExist(err) {
		return nil, ErrIndexMissing
	}
	if err != nil {
		return nil, fmt.Errorf("index: read meta: %w", err)
	}

	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, &CorruptError{Component: "meta", cause: err}
	}
	if meta.Version != MetaVersion {
		return nil, &CorruptError{Component: "meta",
			cause: fmt.Errorf("unsupported version %d", meta.Version)}
	}
	if meta.RootPath == "" {
		return nil, &CorruptError{Component: "meta",
			cause: fmt.Errorf("empty root path")}
	}
	return &meta, nil
}

// Save persists the meta record atomically.
func (m *Meta) Save(indexDir string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("index: marshal meta: %w", err)
	}
	return fsutil.WriteFileAtomic(filepath.Join(indexDir, MetaFile), data, 0o644)
}
