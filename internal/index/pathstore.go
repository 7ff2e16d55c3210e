package index

import (
	"encoding/binary"
	"fmt"
	"path/filepath"

	"github.com/marlboro-red/fxi/internal/fsutil"
	"github.com/marlboro-red/fxi/internal/mmap"
)

// PathStore holds length-prefixed relative path strings. The store is mmap
// backed; an offset directory built at open maps PathID to byte offset.
type PathStore struct {
	m       *mmap.File
	offsets []uint32
}

// WritePathStore persists paths.bin: a u32 count, then per path a u32 byte
// length followed by the UTF-8 bytes. Paths are relative to the indexed root.
func WritePathStore(indexDir string, paths []string) error {
	size := 4
	for _, p := range paths {
		size += 4 + len(p)
	}
	buf := make([]byte, 4, size)
	binary.LittleEndian.PutUint32(buf, uint32(len(paths)))

	var lenBuf [4]byte
	for _, p := range paths {
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(p)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, p...)
	}
	return fsutil.WriteFileAtomic(filepath.Join(indexDir, PathsFile), buf, 0o644)
}

// OpenPathStore memory-maps paths.bin and builds the offset directory.
func OpenPathStore(indexDir string) (*PathStore, error) {
	m, err := mmap.Open(filepath.Join(indexDir, PathsFile))
	if err != nil {
		return nil, fmt.Errorf("index: open path store: %w", err)
	}
	if m.Len() < 4 {
		m.Close()
		return nil, &CorruptError{Component: "paths"}
	}

	count := binary.LittleEndian.Uint32(m.Data)
	offsets := make([]uint32, 0, count)
	pos := uint32(4)
	for i := uint32(0); i < count; i++ {
		if int(pos)+4 > m.Len() {
			m.Close()
			return nil, &CorruptError{Component: "paths"}
		}
		strLen := binary.LittleEndian.Uint32(m.Data[pos:])
		if int(pos)+4+int(strLen) > m.Len() {
			m.Close()
			return nil, &CorruptError{Component: "paths"}
		}
		offsets = append(offsets, pos)
		pos += 4 + strLen
	}
	return &PathStore{m: m, offsets: offsets}, nil
}

// Len returns the number of stored paths.
func (s *PathStore) Len() int { return len(s.offsets) }

// Get returns the path for id.
func (s *PathStore) Get(id PathID) (string, bool) {
	if int(id) >= len(s.offsets) {
		return "", false
	}
	pos := s.offsets[id]
	strLen := binary.LittleEndian.Uint32(s.m.Data[pos:])
	return string(s.m.Data[pos+4 : pos+4+strLen]), true
}

// Close unmaps the store.
func (s *PathStore) Close() error {
	if s == nil {
		return nil
	}
	return s.m.Close()
}
