package index

import (
	"fmt"
	"path/filepath"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/marlboro-red/fxi/internal/index/segment"
)

// Reader aggregates everything needed to serve queries: the meta record, the
// document table, the path store and an ordered list of segment readers.
// It is fully immutable after Open and shared across query threads.
type Reader struct {
	rootPath string
	indexDir string
	meta     *Meta
	docs     *DocTable
	paths    *PathStore
	segments []*segment.Reader

	stopGrams map[uint32]struct{}
}

// Open loads the index in indexDir. The document table, the path store and
// every segment open concurrently; Open blocks until all succeed or one
// fails.
func Open(indexDir string) (*Reader, error) {
	meta, err := LoadMeta(indexDir)
	if err != nil {
		return nil, err
	}

	r := &Reader{
		rootPath: meta.RootPath,
		indexDir: indexDir,
		meta:     meta,
	}

	segmentIDs := meta.Segments()
	r.segments = make([]*segment.Reader, len(segmentIDs))

	var g errgroup.Group
	g.Go(func() error {
		var err error
		r.docs, err = OpenDocTable(indexDir)
		return err
	})
	g.Go(func() error {
		var err error
		r.paths, err = OpenPathStore(indexDir)
		return err
	})
	for i, id := range segmentIDs {
		g.Go(func() error {
			dir := filepath.Join(indexDir, SegmentsDir, segment.DirName(id))
			seg, err := segment.Open(id, dir)
			if err != nil {
				return fmt.Errorf("index: open segment %d: %w", id, err)
			}
			r.segments[i] = seg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.Close()
		return nil, err
	}

	if r.docs.Len() != meta.DocCount {
		r.Close()
		return nil, &CorruptError{Component: "docs",
			cause: fmt.Errorf("doc table has %d records, meta says %d", r.docs.Len(), meta.DocCount)}
	}

	r.stopGrams = make(map[uint32]struct{}, len(meta.StopGrams))
	for _, sg := range meta.StopGrams {
		r.stopGrams[sg] = struct{}{}
	}
	return r, nil
}

// Meta returns the index meta record.
func (r *Reader) Meta() *Meta { return r.meta }

// RootPath returns the absolute indexed root.
func (r *Reader) RootPath() string { return r.rootPath }

// DocCount returns the number of documents in the index.
func (r *Reader) DocCount() uint32 { return r.docs.Len() }

// Segments returns the ordered segment readers.
func (r *Reader) Segments() []*segment.Reader { return r.segments }

// Document returns the validated record for docID.
func (r *Reader) Document(docID DocID) (Document, error) {
	return r.docs.Get(docID)
}

// Path returns the root-relative path of a document.
func (r *Reader) Path(doc Document) (string, bool) {
	return r.paths.Get(doc.PathID)
}

// FullPath returns the absolute path of a document.
func (r *Reader) FullPath(doc Document) (string, bool) {
	rel, ok := r.paths.Get(doc.PathID)
	if !ok {
		return "", false
	}
	return filepath.Join(r.rootPath, filepath.FromSlash(rel)), true
}

// IsStopGram reports whether the trigram was excluded from dictionaries.
func (r *Reader) IsStopGram(gram uint32) bool {
	_, ok := r.stopGrams[gram]
	return ok
}

// TrigramDocFreq sums the document frequency of a trigram across segments.
func (r *Reader) TrigramDocFreq(gram uint32) uint32 {
	var total uint32
	for _, seg := range r.segments {
		total += seg.TrigramDocFreq(gram)
	}
	return total
}

// TokenDocFreq sums the document frequency of a token across segments.
func (r *Reader) TokenDocFreq(token string) uint32 {
	var total uint32
	for _, seg := range r.segments {
		total += seg.TokenDocFreq(token)
	}
	return total
}

// LineOffsets returns the line-start table for a document, resolved through
// the segment that produced it.
func (r *Reader) LineOffsets(docID DocID) ([]uint32, error) {
	doc, err := r.docs.Get(docID)
	if err != nil {
		return nil, err
	}
	for _, seg := range r.segments {
		if seg.ID == doc.SegmentID {
			return seg.LineOffsets(docID)
		}
	}
	return nil, nil
}

// OffsetToLine converts a byte offset in a document to its 1-based line
// number using the line-offset table.
func (r *Reader) OffsetToLine(docID DocID, offset uint32) uint32 {
	offsets, err := r.LineOffsets(docID)
	if err != nil || len(offsets) == 0 {
		return 1
	}
	idx := sort.Search(len(offsets), func(i int) bool { return offsets[i] > offset })
	return uint32(idx)
}

// Stats summarizes the open index.
type Stats struct {
	DocCount     uint32
	SegmentCount int
	StopGrams    int
}

// Stats returns summary counters for status reporting.
func (r *Reader) Stats() Stats {
	return Stats{
		DocCount:     r.docs.Len(),
		SegmentCount: len(r.segments),
		StopGrams:    len(r.stopGrams),
	}
}

// Close releases every mapping. Safe on a partially opened reader.
func (r *Reader) Close() error {
	var err error
	if r.docs != nil {
		if e := r.docs.Close(); e != nil && err == nil {
			err = e
		}
	}
	if r.paths != nil {
		if e := r.paths.Close(); e != nil && err == nil {
			err = e
		}
	}
	for _, seg := range r.segments {
		if seg == nil {
			continue
		}
		if e := seg.Close(); e != nil && err == nil {
			err = e
		}
	}
	return err
}
