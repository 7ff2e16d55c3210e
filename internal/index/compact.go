package index

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/marlboro-red/fxi/internal/index/segment"
)

// NeedsCompaction reports whether the delta segment count has crossed the
// configured threshold.
func NeedsCompaction(meta *Meta, deltaThreshold int) bool {
	return len(meta.DeltaSegments) > 0 && len(meta.DeltaSegments) >= deltaThreshold
}

// Compact merges every live segment of the index at indexDir into a single
// new base segment, then rewrites the document table and meta. The old
// segment directories are removed only after the new meta is in place, so a
// crash at any point leaves a readable index.
func Compact(indexDir string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	start := time.Now()

	reader, err := Open(indexDir)
	if err != nil {
		return err
	}
	defer reader.Close()

	srcs := reader.Segments()
	if len(srcs) <= 1 {
		return nil
	}

	meta := reader.Meta()
	newID := uint16(0)
	for _, id := range meta.Segments() {
		if id > newID {
			newID = id
		}
	}
	newID++

	newDir := filepath.Join(indexDir, SegmentsDir, segment.DirName(newID))
	if err := segment.Merge(newDir, srcs); err != nil {
		os.RemoveAll(newDir)
		return fmt.Errorf("index: compact: %w", err)
	}

	// Repoint every document at the merged segment.
	docs := make([]Document, 0, reader.DocCount())
	for id := uint32(0); id < reader.DocCount(); id++ {
		doc, err := reader.Document(id)
		if err != nil {
			os.RemoveAll(newDir)
			return err
		}
		doc.SegmentID = newID
		docs = append(docs, doc)
	}
	if err := WriteDocTable(indexDir, docs); err != nil {
		os.RemoveAll(newDir)
		return err
	}

	oldSegments := meta.Segments()
	meta.BaseSegment = newID
	meta.DeltaSegments = nil
	meta.SegmentCount = 1
	meta.UpdatedAt = uint64(time.Now().Unix())
	if err := meta.Save(indexDir); err != nil {
		return err
	}

	for _, id := range oldSegments {
		os.RemoveAll(filepath.Join(indexDir, SegmentsDir, segment.DirName(id)))
	}

	logger.Info("compaction complete",
		"merged_segments", len(oldSegments),
		"new_segment", newID,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}
