package segment

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"
)

// EachTrigram invokes fn for every trigram dictionary entry in key order.
func (r *Reader) EachTrigram(fn func(gram uint32, p Postings) error) error {
	data := r.gramsDict.Data
	if len(data) < 4 {
		return nil
	}
	count := int(binary.LittleEndian.Uint32(data))
	postings := r.gramsPostings.Data
	for i := 0; i < count; i++ {
		base := 4 + i*gramDictEntrySize
		gram := binary.LittleEndian.Uint32(data[base:])
		offset := binary.LittleEndian.Uint64(data[base+4:])
		length := binary.LittleEndian.Uint32(data[base+12:])
		docFreq := binary.LittleEndian.Uint32(data[base+16:])
		if offset+uint64(length) > uint64(len(postings)) {
			return &CorruptError{Component: "grams.dict"}
		}
		p := Postings{data: postings[offset : offset+uint64(length)], DocFreq: docFreq}
		if err := fn(gram, p); err != nil {
			return err
		}
	}
	return nil
}

// EachToken invokes fn for every token dictionary entry in key order.
func (r *Reader) EachToken(fn func(token string, p Postings) error) error {
	postings := r.tokensPostings.Data
	for _, entry := range r.tokenEntries {
		if entry.offset+uint64(entry.length) > uint64(len(postings)) {
			return &CorruptError{Component: "tokens.dict"}
		}
		p := Postings{
			data:    postings[entry.offset : entry.offset+uint64(entry.length)],
			DocFreq: entry.docFreq,
		}
		if err := fn(entry.token, p); err != nil {
			return err
		}
	}
	return nil
}

// EachLineMap invokes fn for every line-offset entry.
func (r *Reader) EachLineMap(fn func(docID uint32, offsets []uint32) error) error {
	r.lineOnce.Do(r.parseLineDir)
	if r.lineErr != nil {
		return r.lineErr
	}
	ids := make([]uint32, 0, len(r.lineDirs))
	for id := range r.lineDirs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		offsets, err := r.LineOffsets(id)
		if err != nil {
			return err
		}
		if err := fn(id, offsets); err != nil {
			return err
		}
	}
	return nil
}

// Merge compacts srcs into one segment at dir. Sources must be ordered so
// their document id ranges ascend (the builder assigns ids monotonically
// across segments, so build order satisfies this). Blooms are unioned; a
// parameter mismatch surfaces bloom.ErrIncompatible and the caller must
// rebuild instead.
func Merge(dir string, srcs []*Reader) error {
	if len(srcs) == 0 {
		return fmt.Errorf("segment: nothing to merge")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("segment: create dir: %w", err)
	}

	merged := &Writer{
		dir:           dir,
		gramPostings:  make(map[uint32][]uint32),
		tokenPostings: make(map[string][]uint32),
	}

	for _, src := range srcs {
		err := src.EachTrigram(func(gram uint32, p Postings) error {
			docs, err := p.Decode()
			if err != nil {
				return &CorruptError{Component: "grams.postings", cause: err}
			}
			merged.gramPostings[gram] = append(merged.gramPostings[gram], docs...)
			return nil
		})
		if err != nil {
			return err
		}
		err = src.EachToken(func(token string, p Postings) error {
			docs, err := p.Decode()
			if err != nil {
				return &CorruptError{Component: "tokens.postings", cause: err}
			}
			merged.tokenPostings[token] = append(merged.tokenPostings[token], docs...)
			return nil
		})
		if err != nil {
			return err
		}
		err = src.EachLineMap(func(docID uint32, offsets []uint32) error {
			merged.lineMaps = append(merged.lineMaps, lineMapEntry{docID: docID, offsets: offsets})
			return nil
		})
		if err != nil {
			return err
		}
	}

	// Union the source filters into one covering filter.
	mergedFilter := srcs[0].Bloom().Clone()
	for _, src := range srcs[1:] {
		if err := mergedFilter.Merge(src.Bloom()); err != nil {
			return err
		}
	}
	merged.filter = mergedFilter

	sort.Slice(merged.lineMaps, func(i, j int) bool {
		return merged.lineMaps[i].docID < merged.lineMaps[j].docID
	})

	return merged.Flush()
}
