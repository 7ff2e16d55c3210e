package index

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/marlboro-red/fxi/internal/analysis"
	"github.com/marlboro-red/fxi/internal/config"
	"github.com/marlboro-red/fxi/internal/index/segment"
	"github.com/marlboro-red/fxi/internal/mmap"
)

// smallFileThreshold: files up to this size are read with a single read;
// larger files are memory-mapped for processing.
const smallFileThreshold = 4 << 10

// stopGramMinDocs: stop-grams are only selected when the first batch is at
// least this large; on tiny corpora every trigram is a useful narrower.
const stopGramMinDocs = 1024

// Builder produces an index from a file tree. Two cooperating stages run
// concurrently: a parallel processor stage extracting trigrams/tokens, and a
// single background writer persisting segment batches. At most one processed
// batch is in flight, bounding peak memory.
type Builder struct {
	cfg       config.IndexConfig
	discovery FileDiscovery
	logger    *slog.Logger
}

// BuildStats summarizes a completed build.
type BuildStats struct {
	FilesIndexed int
	FilesSkipped int
	Segments     int
	Duration     time.Duration
}

// NewBuilder creates a builder. A nil discovery walks the filesystem with
// the configured ignore list; a nil logger uses slog.Default().
func NewBuilder(cfg config.IndexConfig, discovery FileDiscovery, logger *slog.Logger) *Builder {
	if discovery == nil {
		discovery = &WalkDiscovery{IgnoredDirs: cfg.IgnoredDirs}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{cfg: cfg, discovery: discovery, logger: logger}
}

// processedDoc carries one file's extracted data to the writer stage.
type processedDoc struct {
	meta        FileMeta
	trigrams    []uint32
	tokens      []string
	lineOffsets []uint32
	language    Language
	flags       uint16
}

// Build indexes rootPath into indexDir. Per-file failures are logged and
// skipped; a failure writing a segment aborts the build with its temp files
// removed.
func (b *Builder) Build(ctx context.Context, rootPath, indexDir string) (*BuildStats, error) {
	start := time.Now()

	absRoot, err := filepath.Abs(rootPath)
	if err != nil {
		return nil, fmt.Errorf("index: resolve root: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(indexDir, SegmentsDir), 0o755); err != nil {
		return nil, fmt.Errorf("index: create index dir: %w", err)
	}

	stats := &BuildStats{}
	progress := rate.NewLimiter(rate.Limit(4), 1)

	// Stage 1 feeds ordered chunks of file metadata.
	chunks := make(chan []FileMeta, 1)
	// Stage 2 hands processed batches to the writer; capacity 1 keeps at
	// most one batch in flight.
	batches := make(chan []*processedDoc, 1)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(chunks)
		chunk := make([]FileMeta, 0, b.cfg.ChunkSize)
		err := b.discovery.Walk(ctx, absRoot, func(fm FileMeta) error {
			chunk = append(chunk, fm)
			if len(chunk) >= b.cfg.ChunkSize {
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					return ctx.Err()
				}
				chunk = make([]FileMeta, 0, b.cfg.ChunkSize)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("index: discovery: %w", err)
		}
		if len(chunk) > 0 {
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	g.Go(func() error {
		defer close(batches)
		for chunk := range chunks {
			batch, err := b.processChunk(ctx, absRoot, chunk, progress)
			if err != nil {
				return err
			}
			select {
			case batches <- batch:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	var docs []Document
	var paths []string
	var stopGrams map[uint32]struct{}
	var segmentIDs []uint16

	g.Go(func() error {
		nextDocID := uint32(0)
		nextSegment := uint16(1)
		for batch := range batches {
			if stopGrams == nil {
				stopGrams = b.selectStopGrams(batch)
			}

			segDir := filepath.Join(indexDir, SegmentsDir, segment.DirName(nextSegment))
			w := segment.NewWriter(segDir, stopGrams)
			indexed := 0
			for _, doc := range batch {
				if doc == nil {
					stats.FilesSkipped++
					continue
				}
				id := nextDocID
				nextDocID++
				if err := w.Add(segment.Doc{
					DocID:       id,
					Trigrams:    doc.trigrams,
					Tokens:      doc.tokens,
					LineOffsets: doc.lineOffsets,
				}); err != nil {
					return err
				}
				docs = append(docs, Document{
					DocID:     id,
					PathID:    id,
					Size:      uint64(doc.meta.Size),
					MtimeSecs: doc.meta.MtimeSecs,
					Language:  doc.language,
					Flags:     doc.flags,
					SegmentID: nextSegment,
				})
				paths = append(paths, doc.meta.RelPath)
				indexed++
			}
			if indexed == 0 {
				continue
			}
			if err := w.Flush(); err != nil {
				os.RemoveAll(segDir)
				return fmt.Errorf("index: write segment %d: %w", nextSegment, err)
			}
			segmentIDs = append(segmentIDs, nextSegment)
			stats.FilesIndexed += indexed
			stats.Segments++
			b.logger.Info("segment written",
				"segment", nextSegment, "docs", indexed, "total_docs", nextDocID)
			nextSegment++
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := WriteDocTable(indexDir, docs); err != nil {
		return nil, err
	}
	if err := WritePathStore(indexDir, paths); err != nil {
		return nil, err
	}

	now := uint64(time.Now().Unix())
	meta := &Meta{
		Version:  MetaVersion,
		RootPath: absRoot,
		DocCount: uint32(len(docs)),
	}
	if len(segmentIDs) > 0 {
		meta.BaseSegment = segmentIDs[0]
		meta.DeltaSegments = segmentIDs[1:]
		meta.SegmentCount = uint16(len(segmentIDs))
	}
	for sg := range stopGrams {
		meta.StopGrams = append(meta.StopGrams, sg)
	}
	sort.Slice(meta.StopGrams, func(i, j int) bool { return meta.StopGrams[i] < meta.StopGrams[j] })
	meta.CreatedAt = now
	meta.UpdatedAt = now
	if err := meta.Save(indexDir); err != nil {
		return nil, err
	}

	b.removeOrphanSegments(indexDir, segmentIDs)

	stats.Duration = time.Since(start)
	b.logger.Info("build complete",
		"root", absRoot,
		"docs", stats.FilesIndexed,
		"skipped", stats.FilesSkipped,
		"segments", stats.Segments,
		"duration_ms", stats.Duration.Milliseconds())
	return stats, nil
}

// processChunk extracts trigrams, tokens and line offsets for every file of
// a chunk in parallel, preserving chunk order in the result. Failed or
// filtered files yield nil entries.
func (b *Builder) processChunk(ctx context.Context, root string, chunk []FileMeta, progress *rate.Limiter) ([]*processedDoc, error) {
	results := make([]*processedDoc, len(chunk))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, fm := range chunk {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			doc, err := b.processFile(root, fm)
			if err != nil {
				b.logger.Warn("skipping file", "path", fm.RelPath, "error", err)
				return nil
			}
			results[i] = doc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if progress.Allow() {
		b.logger.Info("processed chunk", "files", len(chunk))
	}
	return results, nil
}

// processFile reads and analyzes a single file. A nil, nil return means the
// file was filtered out.
func (b *Builder) processFile(root string, fm FileMeta) (*processedDoc, error) {
	if fm.Size > b.cfg.MaxFileSize {
		return nil, nil
	}
	if isGeneratedPath(fm.RelPath) {
		return nil, nil
	}

	fullPath := filepath.Join(root, filepath.FromSlash(fm.RelPath))

	var content []byte
	if fm.Size <= smallFileThreshold {
		data, err := os.ReadFile(fullPath)
		if err != nil {
			return nil, err
		}
		content = data
	} else {
		m, err := mmap.Open(fullPath)
		if err != nil {
			return nil, err
		}
		defer m.Close()
		content = m.Data
	}

	if analysis.IsBinary(content) {
		return nil, nil
	}

	var flags uint16
	if analysis.IsMinified(content) {
		flags |= FlagMinified
	}

	ext := strings.TrimPrefix(filepath.Ext(fm.RelPath), ".")
	return &processedDoc{
		meta:        fm,
		trigrams:    analysis.Trigrams(content),
		tokens:      analysis.Tokens(content),
		lineOffsets: analysis.LineOffsets(content),
		language:    LanguageFromExtension(ext),
		flags:       flags,
	}, nil
}

// selectStopGrams picks the most frequent trigrams of the first batch as
// index-wide stop-grams. Small corpora get none: with few documents every
// trigram still narrows usefully.
func (b *Builder) selectStopGrams(batch []*processedDoc) map[uint32]struct{} {
	stopGrams := make(map[uint32]struct{})

	docCount := 0
	freq := make(map[uint32]int)
	for _, doc := range batch {
		if doc == nil {
			continue
		}
		docCount++
		for _, g := range doc.trigrams {
			freq[g]++
		}
	}
	if docCount < stopGramMinDocs {
		return stopGrams
	}

	type gramFreq struct {
		gram  uint32
		count int
	}
	candidates := make([]gramFreq, 0, len(freq))
	for g, c := range freq {
		// Only trigrams present in over half the documents qualify.
		if c*2 > docCount {
			candidates = append(candidates, gramFreq{gram: g, count: c})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].count != candidates[j].count {
			return candidates[i].count > candidates[j].count
		}
		return candidates[i].gram < candidates[j].gram
	})
	if len(candidates) > b.cfg.StopGramCount {
		candidates = candidates[:b.cfg.StopGramCount]
	}
	for _, c := range candidates {
		stopGrams[c.gram] = struct{}{}
	}
	return stopGrams
}

// removeOrphanSegments deletes segment directories left behind by a previous
// build that the new meta no longer references. Best effort.
func (b *Builder) removeOrphanSegments(indexDir string, live []uint16) {
	liveSet := make(map[string]struct{}, len(live))
	for _, id := range live {
		liveSet[segment.DirName(id)] = struct{}{}
	}
	entries, err := os.ReadDir(filepath.Join(indexDir, SegmentsDir))
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, ok := liveSet[entry.Name()]; !ok {
			os.RemoveAll(filepath.Join(indexDir, SegmentsDir, entry.Name()))
		}
	}
}

// isGeneratedPath recognizes obviously machine-produced files by name.
func isGeneratedPath(relPath string) bool {
	base := filepath.Base(relPath)
	switch {
	case strings.Contains(base, ".min."):
		return true
	case strings.HasSuffix(base, ".pb.go"):
		return true
	case strings.HasSuffix(base, "_generated.go"):
		return true
	case strings.HasSuffix(base, ".lock"):
		return true
	default:
		return false
	}
}
