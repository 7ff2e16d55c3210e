package segment

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/marlboro-red/fxi/internal/bloom"
	"github.com/marlboro-red/fxi/internal/encoding"
	"github.com/marlboro-red/fxi/internal/mmap"
)

// CorruptError tags a structural violation found while reading a segment.
type CorruptError struct {
	Component string
	cause     error
}

func (e *CorruptError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("segment: corrupt %s: %v", e.Component, e.cause)
	}
	return fmt.Sprintf("segment: corrupt %s", e.Component)
}

func (e *CorruptError) Unwrap() error { return e.cause }

// Postings is a cursor over one posting list.
type Postings struct {
	data    []byte
	DocFreq uint32
}

// Decode materializes the full document id list.
func (p Postings) Decode() ([]uint32, error) {
	return encoding.DeltaDecode(p.data)
}

// Each invokes fn for every document id in ascending order.
func (p Postings) Each(fn func(uint32)) error {
	return encoding.DeltaDecodeFunc(p.data, fn)
}

// Reader memory-maps one segment and serves lookups. It is immutable after
// Open and safe for concurrent use.
type Reader struct {
	ID  uint16
	dir string

	gramsDict      *mmap.File
	gramsPostings  *mmap.File
	tokensPostings *mmap.File
	lineMap        *mmap.File
	filter         *bloom.Filter

	tokenEntries []tokenEntry

	lineOnce sync.Once
	lineErr  error
	lineDirs map[uint32]lineSpan
	lineMu   sync.Mutex
	lineMemo map[uint32][]uint32
}

type tokenEntry struct {
	token   string
	offset  uint64
	length  uint32
	docFreq uint32
}

type lineSpan struct {
	off   uint32
	len   uint32
	count uint32
}

// Open maps the segment files in dir. Missing optional files are represented
// as zero-length ranges, never by mapping an unrelated file.
func Open(id uint16, dir string) (*Reader, error) {
	r := &Reader{ID: id, dir: dir}

	var err error
	if r.gramsDict, err = openOptional(filepath.Join(dir, GramsDictFile)); err != nil {
		r.Close()
		return nil, err
	}
	if r.gramsPostings, err = openOptional(filepath.Join(dir, GramsPostingsFile)); err != nil {
		r.Close()
		return nil, err
	}
	tokensDict, err := openOptional(filepath.Join(dir, TokensDictFile))
	if err != nil {
		r.Close()
		return nil, err
	}
	r.tokenEntries, err = parseTokenDict(tokensDict.Data)
	tokensDict.Close()
	if err != nil {
		r.Close()
		return nil, err
	}
	if r.tokensPostings, err = openOptional(filepath.Join(dir, TokensPostingsFile)); err != nil {
		r.Close()
		return nil, err
	}
	if r.lineMap, err = openOptional(filepath.Join(dir, LineMapFile)); err != nil {
		r.Close()
		return nil, err
	}

	bloomPath := filepath.Join(dir, BloomFile)
	f, err := os.Open(bloomPath)
	if os.IsNotExist(err) {
		// An empty segment carries no filter; treat as match-nothing.
		r.filter = bloom.New(BloomBits, BloomHashes)
	} else if err != nil {
		r.Close()
		return nil, fmt.Errorf("segment: open bloom: %w", err)
	} else {
		r.filter, err = bloom.Read(f)
		f.Close()
		if err != nil {
			r.Close()
			return nil, &CorruptError{Component: "bloom", cause: err}
		}
	}

	if err := r.validateGramDict(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func openOptional(path string) (*mmap.File, error) {
	m, err := mmap.Open(path)
	if os.IsNotExist(err) {
		return &mmap.File{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("segment: mmap %s: %w", filepath.Base(path), err)
	}
	return m, nil
}

// validateGramDict checks the dictionary header and key ordering.
func (r *Reader) validateGramDict() error {
	data := r.gramsDict.Data
	if len(data) == 0 {
		return nil
	}
	if len(data) < 4 {
		return &CorruptError{Component: "grams.dict"}
	}
	count := int(binary.LittleEndian.Uint32(data))
	if 4+count*gramDictEntrySize != len(data) {
		return &CorruptError{Component: "grams.dict"}
	}
	prev := int64(-1)
	for i := 0; i < count; i++ {
		key := binary.LittleEndian.Uint32(data[4+i*gramDictEntrySize:])
		if int64(key) <= prev {
			return &CorruptError{Component: "grams.dict"}
		}
		prev = int64(key)
	}
	return nil
}

func parseTokenDict(data []byte) ([]tokenEntry, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if len(data) < 4 {
		return nil, &CorruptError{Component: "tokens.dict"}
	}
	count := int(binary.LittleEndian.Uint32(data))
	entries := make([]tokenEntry, 0, count)
	pos := 4
	for i := 0; i < count; i++ {
		if pos+2 > len(data) {
			return nil, &CorruptError{Component: "tokens.dict"}
		}
		tokenLen := int(binary.LittleEndian.Uint16(data[pos:]))
		pos += 2
		if pos+tokenLen+16 > len(data) {
			return nil, &CorruptError{Component: "tokens.dict"}
		}
		tok := string(data[pos : pos+tokenLen])
		pos += tokenLen
		entry := tokenEntry{
			token:   tok,
			offset:  binary.LittleEndian.Uint64(data[pos:]),
			length:  binary.LittleEndian.Uint32(data[pos+8:]),
			docFreq: binary.LittleEndian.Uint32(data[pos+12:]),
		}
		pos += 16
		if len(entries) > 0 && entries[len(entries)-1].token >= tok {
			return nil, &CorruptError{Component: "tokens.dict"}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// LookupTrigram binary-searches the trigram dictionary.
func (r *Reader) LookupTrigram(key uint32) (Postings, bool) {
	data := r.gramsDict.Data
	if len(data) < 4 {
		return Postings{}, false
	}
	count := int(binary.LittleEndian.Uint32(data))
	idx, found := sort.Find(count, func(i int) int {
		entryKey := binary.LittleEndian.Uint32(data[4+i*gramDictEntrySize:])
		switch {
		case key < entryKey:
			return -1
		case key > entryKey:
			return 1
		default:
			return 0
		}
	})
	if !found {
		return Postings{}, false
	}
	base := 4 + idx*gramDictEntrySize
	offset := binary.LittleEndian.Uint64(data[base+4:])
	length := binary.LittleEndian.Uint32(data[base+12:])
	docFreq := binary.LittleEndian.Uint32(data[base+16:])

	postings := r.gramsPostings.Data
	if offset+uint64(length) > uint64(len(postings)) {
		return Postings{}, false
	}
	return Postings{data: postings[offset : offset+uint64(length)], DocFreq: docFreq}, true
}

// LookupToken binary-searches the token dictionary.
func (r *Reader) LookupToken(token string) (Postings, bool) {
	idx, found := sort.Find(len(r.tokenEntries), func(i int) int {
		switch {
		case token < r.tokenEntries[i].token:
			return -1
		case token > r.tokenEntries[i].token:
			return 1
		default:
			return 0
		}
	})
	if !found {
		return Postings{}, false
	}
	entry := r.tokenEntries[idx]
	postings := r.tokensPostings.Data
	if entry.offset+uint64(entry.length) > uint64(len(postings)) {
		return Postings{}, false
	}
	return Postings{
		data:    postings[entry.offset : entry.offset+uint64(entry.length)],
		DocFreq: entry.docFreq,
	}, true
}

// TrigramDocFreq returns the document frequency of key in this segment.
func (r *Reader) TrigramDocFreq(key uint32) uint32 {
	p, ok := r.LookupTrigram(key)
	if !ok {
		return 0
	}
	return p.DocFreq
}

// TokenDocFreq returns the document frequency of token in this segment.
func (r *Reader) TokenDocFreq(token string) uint32 {
	p, ok := r.LookupToken(token)
	if !ok {
		return 0
	}
	return p.DocFreq
}

// BloomContains reports whether the segment may contain the trigram.
func (r *Reader) BloomContains(key uint32) bool {
	return r.filter.Contains(key)
}

// Bloom returns the segment's filter (for compaction merges).
func (r *Reader) Bloom() *bloom.Filter { return r.filter }

// LineOffsets returns the line-start byte offsets for a document. The table
// directory is parsed on first use; individual entries decode on demand.
func (r *Reader) LineOffsets(docID uint32) ([]uint32, error) {
	r.lineOnce.Do(r.parseLineDir)
	if r.lineErr != nil {
		return nil, r.lineErr
	}
	span, ok := r.lineDirs[docID]
	if !ok {
		return nil, nil
	}

	r.lineMu.Lock()
	if cached, ok := r.lineMemo[docID]; ok {
		r.lineMu.Unlock()
		return cached, nil
	}
	r.lineMu.Unlock()

	data := r.lineMap.Data
	offsets, err := encoding.DeltaDecode(data[span.off : span.off+span.len])
	if err != nil {
		return nil, &CorruptError{Component: "linemap", cause: err}
	}
	if uint32(len(offsets)) != span.count {
		return nil, &CorruptError{Component: "linemap"}
	}

	r.lineMu.Lock()
	r.lineMemo[docID] = offsets
	r.lineMu.Unlock()
	return offsets, nil
}

func (r *Reader) parseLineDir() {
	r.lineDirs = make(map[uint32]lineSpan)
	r.lineMemo = make(map[uint32][]uint32)

	data := r.lineMap.Data
	if len(data) == 0 {
		return
	}
	if len(data) < 4 {
		r.lineErr = &CorruptError{Component: "linemap"}
		return
	}
	count := int(binary.LittleEndian.Uint32(data))
	pos := uint32(4)
	for i := 0; i < count; i++ {
		if int(pos)+12 > len(data) {
			r.lineErr = &CorruptError{Component: "linemap"}
			return
		}
		docID := binary.LittleEndian.Uint32(data[pos:])
		lineCount := binary.LittleEndian.Uint32(data[pos+4:])
		encodedLen := binary.LittleEndian.Uint32(data[pos+8:])
		pos += 12
		if int(pos)+int(encodedLen) > len(data) {
			r.lineErr = &CorruptError{Component: "linemap"}
			return
		}
		r.lineDirs[docID] = lineSpan{off: pos, len: encodedLen, count: lineCount}
		pos += encodedLen
	}
}

// Close unmaps every file.
func (r *Reader) Close() error {
	var err error
	for _, m := range []*mmap.File{r.gramsDict, r.gramsPostings, r.tokensPostings, r.lineMap} {
		if m == nil {
			continue
		}
		if closeErr := m.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}
