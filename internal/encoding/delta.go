package encoding

import "math"

// DeltaEncode appends the delta-varint encoding of the strictly increasing
// sequence values to buf. The first value is encoded as a delta from zero.
func DeltaEncode(buf []byte, values []uint32) []byte {
	var prev uint32
	for _, v := range values {
		buf = PutUvarint32(buf, v-prev)
		prev = v
	}
	return buf
}

// DeltaDecode decodes a delta-varint sequence into a slice of absolute
// values. A running sum that would exceed math.MaxUint32 is corruption and
// returns ErrOverflow; callers must not saturate.
func DeltaDecode(buf []byte) ([]uint32, error) {
	values := make([]uint32, 0, len(buf))
	var prev uint64
	first := true
	for len(buf) > 0 {
		delta, n, err := Uvarint32(buf)
		if err != nil {
			return nil, err
		}
		if delta == 0 && !first {
			return nil, ErrNonMonotonic
		}
		sum := prev + uint64(delta)
		if sum > math.MaxUint32 {
			return nil, ErrOverflow
		}
		prev = sum
		first = false
		values = append(values, uint32(sum))
		buf = buf[n:]
	}
	return values, nil
}

// DeltaDecodeFunc decodes a delta-varint sequence, invoking fn for every
// absolute value. It avoids the intermediate slice when the caller feeds a
// bitmap directly.
func DeltaDecodeFunc(buf []byte, fn func(uint32)) error {
	var prev uint64
	first := true
	for len(buf) > 0 {
		delta, n, err := Uvarint32(buf)
		if err != nil {
			return err
		}
		if delta == 0 && !first {
			return ErrNonMonotonic
		}
		sum := prev + uint64(delta)
		if sum > math.MaxUint32 {
			return ErrOverflow
		}
		prev = sum
		first = false
		fn(uint32(sum))
		buf = buf[n:]
	}
	return nil
}
