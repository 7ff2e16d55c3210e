// Package encoding implements the low-level varint and delta codecs used by
// the posting stores and line-offset tables.
//
// All integers are encoded in unsigned LEB128 form: 7-bit groups, low group
// first, high bit set on every byte except the last. Posting lists are delta
// encoded on top of that; the running sum is checked against the 32-bit
// document id space so that corrupted input surfaces as an error instead of a
// silently wrapped id.
package encoding

import "errors"

var (
	// ErrTruncated is returned when a varint continues past the end of the
	// input buffer.
	ErrTruncated = errors.New("encoding: truncated varint")

	// ErrOverflow is returned when a decoded value or a delta running sum
	// exceeds the 32-bit id space.
	ErrOverflow = errors.New("encoding: varint overflows 32 bits")

	// ErrNonMonotonic is returned when a delta sequence decodes to a value
	// that does not strictly increase.
	ErrNonMonotonic = errors.New("encoding: non-increasing delta sequence")
)

// PutUvarint32 appends the LEB128 encoding of v to buf and returns the
// extended slice.
func PutUvarint32(buf []byte, v uint32) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

// Uvarint32 decodes a single varint from buf. It returns the value and the
// number of bytes consumed. Input that ends mid-varint yields ErrTruncated;
// a value wider than 32 bits yields ErrOverflow.
func Uvarint32(buf []byte) (uint32, int, error) {
	var v uint32
	var shift uint
	for i, b := range buf {
		if shift >= 32 {
			return 0, 0, ErrOverflow
		}
		group := uint32(b & 0x7f)
		if shift == 28 && group > 0x0f {
			return 0, 0, ErrOverflow
		}
		v |= group << shift
		if b&0x80 == 0 {
			return v, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, ErrTruncated
}

// PutUvarint64 appends the LEB128 encoding of v to buf.
func PutUvarint64(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

// Uvarint64 decodes a single 64-bit varint from buf.
func Uvarint64(buf []byte) (uint64, int, error) {
	var v uint64
	var shift uint
	for i, b := range buf {
		if shift >= 64 {
			return 0, 0, ErrOverflow
		}
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, ErrTruncated
}
