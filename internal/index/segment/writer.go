package segment

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/marlboro-red/fxi/internal/bloom"
	"github.com/marlboro-red/fxi/internal/encoding"
	"github.com/marlboro-red/fxi/internal/fsutil"
)

// Doc is one processed document handed to the writer. Docs must be added in
// strictly increasing DocID order so posting lists stay sorted.
type Doc struct {
	DocID       uint32
	Trigrams    []uint32 // distinct, any order
	Tokens      []string // distinct, any order
	LineOffsets []uint32 // strictly increasing byte offsets of line starts
}

// Writer accumulates a batch of documents and persists one segment.
type Writer struct {
	dir       string
	stopGrams map[uint32]struct{}

	gramPostings  map[uint32][]uint32
	tokenPostings map[string][]uint32
	lineMaps      []lineMapEntry
	filter        *bloom.Filter
	lastDocID     uint32
	docCount      int
}

type lineMapEntry struct {
	docID   uint32
	offsets []uint32
}

// NewWriter creates a writer that will persist into dir (the segment
// directory, e.g. .../segments/seg_0001). stopGrams are excluded from the
// trigram dictionary; they still populate the bloom filter so that the
// "every trigram present in a document is in the filter" invariant holds.
func NewWriter(dir string, stopGrams map[uint32]struct{}) *Writer {
	return &Writer{
		dir:           dir,
		stopGrams:     stopGrams,
		gramPostings:  make(map[uint32][]uint32),
		tokenPostings: make(map[string][]uint32),
		filter:        bloom.New(BloomBits, BloomHashes),
	}
}

// Add appends a document to the batch.
func (w *Writer) Add(doc Doc) error {
	if w.docCount > 0 && doc.DocID <= w.lastDocID {
		return fmt.Errorf("segment: doc id %d not increasing (last %d)", doc.DocID, w.lastDocID)
	}
	w.lastDocID = doc.DocID
	w.docCount++

	for _, g := range doc.Trigrams {
		w.filter.Insert(g)
		if _, stop := w.stopGrams[g]; stop {
			continue
		}
		w.gramPostings[g] = append(w.gramPostings[g], doc.DocID)
	}
	for _, tok := range doc.Tokens {
		w.tokenPostings[tok] = append(w.tokenPostings[tok], doc.DocID)
	}
	if len(doc.LineOffsets) > 0 {
		w.lineMaps = append(w.lineMaps, lineMapEntry{docID: doc.DocID, offsets: doc.LineOffsets})
	}
	return nil
}

// DocCount returns the number of documents added so far.
func (w *Writer) DocCount() int { return w.docCount }

// Flush writes all segment files. Each file goes to a temp path first and is
// renamed into place, so a crash mid-write leaves no corrupted segment.
func (w *Writer) Flush() error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("segment: create dir: %w", err)
	}
	if err := w.writeGramIndex(); err != nil {
		return err
	}
	if err := w.writeTokenIndex(); err != nil {
		return err
	}
	if err := w.writeLineMaps(); err != nil {
		return err
	}
	return w.writeBloom()
}

func (w *Writer) writeGramIndex() error {
	grams := make([]uint32, 0, len(w.gramPostings))
	for g := range w.gramPostings {
		grams = append(grams, g)
	}
	sort.Slice(grams, func(i, j int) bool { return grams[i] < grams[j] })

	dict := make([]byte, 4, 4+len(grams)*gramDictEntrySize)
	binary.LittleEndian.PutUint32(dict, uint32(len(grams)))

	var postings []byte
	entry := make([]byte, gramDictEntrySize)
	for _, g := range grams {
		docs := w.gramPostings[g]
		offset := uint64(len(postings))
		postings = encoding.DeltaEncode(postings, docs)

		binary.LittleEndian.PutUint32(entry[0:4], g)
		binary.LittleEndian.PutUint64(entry[4:12], offset)
		binary.LittleEndian.PutUint32(entry[12:16], uint32(uint64(len(postings))-offset))
		binary.LittleEndian.PutUint32(entry[16:20], uint32(len(docs)))
		dict = append(dict, entry...)
	}

	if err := fsutil.WriteFileAtomic(filepath.Join(w.dir, GramsDictFile), dict, 0o644); err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(filepath.Join(w.dir, GramsPostingsFile), postings, 0o644)
}

func (w *Writer) writeTokenIndex() error {
	tokens := make([]string, 0, len(w.tokenPostings))
	for tok := range w.tokenPostings {
		tokens = append(tokens, tok)
	}
	sort.Strings(tokens)

	dict := make([]byte, 4, 4+len(tokens)*24)
	binary.LittleEndian.PutUint32(dict, uint32(len(tokens)))

	var postings []byte
	var scratch [16]byte
	for _, tok := range tokens {
		docs := w.tokenPostings[tok]
		offset := uint64(len(postings))
		postings = encoding.DeltaEncode(postings, docs)

		binary.LittleEndian.PutUint16(scratch[0:2], uint16(len(tok)))
		dict = append(dict, scratch[0:2]...)
		dict = append(dict, tok...)
		binary.LittleEndian.PutUint64(scratch[0:8], offset)
		binary.LittleEndian.PutUint32(scratch[8:12], uint32(uint64(len(postings))-offset))
		binary.LittleEndian.PutUint32(scratch[12:16], uint32(len(docs)))
		dict = append(dict, scratch[0:16]...)
	}

	if err := fsutil.WriteFileAtomic(filepath.Join(w.dir, TokensDictFile), dict, 0o644); err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(filepath.Join(w.dir, TokensPostingsFile), postings, 0o644)
}

func (w *Writer) writeLineMaps() error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(len(w.lineMaps)))

	var scratch [12]byte
	for _, lm := range w.lineMaps {
		encoded := encoding.DeltaEncode(nil, lm.offsets)
		binary.LittleEndian.PutUint32(scratch[0:4], lm.docID)
		binary.LittleEndian.PutUint32(scratch[4:8], uint32(len(lm.offsets)))
		binary.LittleEndian.PutUint32(scratch[8:12], uint32(len(encoded)))
		buf = append(buf, scratch[:]...)
		buf = append(buf, encoded...)
	}
	return fsutil.WriteFileAtomic(filepath.Join(w.dir, LineMapFile), buf, 0o644)
}

func (w *Writer) writeBloom() error {
	aw, err := fsutil.NewAtomicWriter(filepath.Join(w.dir, BloomFile))
	if err != nil {
		return err
	}
	if _, err := w.filter.WriteTo(aw); err != nil {
		aw.Abort()
		return fmt.Errorf("segment: write bloom: %w", err)
	}
	return aw.Commit()
}
