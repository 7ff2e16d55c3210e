package index

import (
	"encoding/binary"
	"fmt"
	"path/filepath"

	"github.com/marlboro-red/fxi/internal/fsutil"
	"github.com/marlboro-red/fxi/internal/mmap"
)

// DocTable is the mmap-backed array of fixed-width document records.
// Records are addressed directly by document id.
type DocTable struct {
	m     *mmap.File
	count uint32
}

// WriteDocTable persists docs.bin: a u32 count followed by packed records.
func WriteDocTable(indexDir string, docs []Document) error {
	buf := make([]byte, 4, 4+len(docs)*DocumentSize)
	binary.LittleEndian.PutUint32(buf, uint32(len(docs)))

	var rec [DocumentSize]byte
	for _, d := range docs {
		binary.LittleEndian.PutUint32(rec[0:4], d.DocID)
		binary.LittleEndian.PutUint32(rec[4:8], d.PathID)
		binary.LittleEndian.PutUint64(rec[8:16], d.Size)
		binary.LittleEndian.PutUint64(rec[16:24], d.MtimeSecs)
		binary.LittleEndian.PutUint16(rec[24:26], uint16(d.Language))
		binary.LittleEndian.PutUint16(rec[26:28], d.Flags)
		binary.LittleEndian.PutUint16(rec[28:30], uint16(d.SegmentID))
		buf = append(buf, rec[:]...)
	}
	return fsutil.WriteFileAtomic(filepath.Join(indexDir, DocsFile), buf, 0o644)
}

// OpenDocTable memory-maps docs.bin.
func OpenDocTable(indexDir string) (*DocTable, error) {
	m, err := mmap.Open(filepath.Join(indexDir, DocsFile))
	if err != nil {
		return nil, fmt.Errorf("index: open doc table: %w", err)
	}
	if m.Len() < 4 {
		m.Close()
		return nil, &CorruptError{Component: "docs"}
	}
	count := binary.LittleEndian.Uint32(m.Data)
	if 4+int(count)*DocumentSize != m.Len() {
		m.Close()
		return nil, &CorruptError{Component: "docs",
			cause: fmt.Errorf("size %d does not fit %d records", m.Len(), count)}
	}
	return &DocTable{m: m, count: count}, nil
}

// Len returns the number of records.
func (t *DocTable) Len() uint32 { return t.count }

// Get decodes the record for docID. The language tag is bounds-checked
// before use; an out-of-range tag is corruption.
func (t *DocTable) Get(docID DocID) (Document, error) {
	if docID >= t.count {
		return Document{}, &CorruptError{Component: "docs",
			cause: fmt.Errorf("doc id %d out of range (%d docs)", docID, t.count)}
	}
	rec := t.m.Data[4+int(docID)*DocumentSize:]

	rawLang := binary.LittleEndian.Uint16(rec[24:26])
	if !ValidLanguage(rawLang) {
		return Document{}, &CorruptError{Component: "docs",
			cause: fmt.Errorf("doc %d: language tag %d out of range", docID, rawLang)}
	}

	return Document{
		DocID:     binary.LittleEndian.Uint32(rec[0:4]),
		PathID:    binary.LittleEndian.Uint32(rec[4:8]),
		Size:      binary.LittleEndian.Uint64(rec[8:16]),
		MtimeSecs: binary.LittleEndian.Uint64(rec[16:24]),
		Language:  Language(rawLang),
		Flags:     binary.LittleEndian.Uint16(rec[26:28]),
		SegmentID: binary.LittleEndian.Uint16(rec[28:30]),
	}, nil
}

// Close unmaps the table.
func (t *DocTable) Close() error {
	if t == nil {
		return nil
	}
	return t.m.Close()
}
