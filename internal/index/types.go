// Package index implements the persistent hybrid index: the document and
// path tables shared by all segments, the build pipeline that produces
// segments, and the reader that memory-maps everything for queries.
package index

import (
	"errors"
	"fmt"
)

// DocID is a dense 32-bit document identifier, unique within one index.
type DocID = uint32

// PathID indexes into the path store.
type PathID = uint32

// SegmentID numbers segments within an index.
type SegmentID = uint16

// Document flags.
const (
	FlagBinary    uint16 = 1 << 0
	FlagGenerated uint16 = 1 << 1
	FlagVendor    uint16 = 1 << 2
	FlagMinified  uint16 = 1 << 3
	FlagStale     uint16 = 1 << 4
	FlagTombstone uint16 = 1 << 5
)

// Document is one indexed file. Records are fixed-width (30 bytes) so the
// document table is an mmap-addressable array.
type Document struct {
	DocID     DocID
	PathID    PathID
	Size      uint64
	MtimeSecs uint64 // seconds since the Unix epoch, everywhere
	Language  Language
	Flags     uint16
	SegmentID SegmentID
}

// DocumentSize is the fixed on-disk width of a document record.
const DocumentSize = 4 + 4 + 8 + 8 + 2 + 2 + 2

// Valid reports whether the document should participate in queries.
func (d Document) Valid() bool {
	return d.Flags&(FlagStale|FlagTombstone) == 0
}

// ErrIndexMissing is returned when no index exists for a root.
var ErrIndexMissing = errors.New("index: no index for root")

// CorruptError tags an index-level invariant violation: a bad meta record,
// a malformed document record, an out-of-range language tag, or a codec
// error bubbling up from a posting decode.
type CorruptError struct {
	Component string
	cause     error
}

func (e *CorruptError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("index: corrupt %s: %v", e.Component, e.cause)
	}
	return fmt.Sprintf("index: corrupt %s", e.Component)
}

func (e *CorruptError) Unwrap() error { return e.cause }

// NewCorruptError tags an error as index corruption in component.
func NewCorruptError(component string, cause error) *CorruptError {
	return &CorruptError{Component: component, cause: cause}
}
