package bloom

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterBasic(t *testing.T) {
	m, k := OptimalSize(1000, 0.01)
	f := New(m, k)

	keys := []uint32{0x616263, 0x626364, 0x646566, 0x000001, 0xffffff}
	for _, key := range keys {
		f.Insert(key)
	}

	for _, key := range keys {
		assert.True(t, f.Contains(key), "no false negatives allowed for %06x", key)
	}
	assert.Equal(t, uint32(len(keys)), f.Count())
}

func TestFilterDefinitelyNot(t *testing.T) {
	f := New(4096, 7)
	f.Insert(0x666f6f) // "foo"
	f.Insert(0x626172) // "bar"

	falsePositives := 0
	for key := uint32(0x100000); key < 0x100100; key++ {
		if f.Contains(key) {
			falsePositives++
		}
	}
	// A nearly empty 4096-bit filter should reject almost everything.
	assert.Less(t, falsePositives, 3)
}

func TestFilterMerge(t *testing.T) {
	a := New(1024, 5)
	b := New(1024, 5)
	a.Insert(0x616161)
	b.Insert(0x626262)

	require.NoError(t, a.Merge(b))
	assert.True(t, a.Contains(0x616161))
	assert.True(t, a.Contains(0x626262))
	assert.Equal(t, uint32(2), a.Count())
}

func TestFilterMergeIncompatible(t *testing.T) {
	a := New(1024, 5)
	b := New(2048, 5)
	err := a.Merge(b)
	require.ErrorIs(t, err, ErrIncompatible)

	c := New(1024, 7)
	err = a.Merge(c)
	require.ErrorIs(t, err, ErrIncompatible)
}

func TestFilterSerializeRoundtrip(t *testing.T) {
	f := New(2048, 6)
	for key := uint32(0); key < 500; key += 7 {
		f.Insert(key)
	}

	var buf bytes.Buffer
	_, err := f.WriteTo(&buf)
	require.NoError(t, err)

	got, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, f.NumBits(), got.NumBits())
	assert.Equal(t, f.K(), got.K())
	assert.Equal(t, f.Count(), got.Count())
	for key := uint32(0); key < 500; key += 7 {
		assert.True(t, got.Contains(key))
	}
}

func TestReadCorrupted(t *testing.T) {
	// Header with k = 0 is invalid.
	header := make([]byte, 16)
	header[0] = 64
	_, err := Read(bytes.NewReader(header))
	require.True(t, errors.Is(err, ErrCorrupted))
}

func TestOptimalSize(t *testing.T) {
	m, k := OptimalSize(10000, 0.01)
	assert.Zero(t, m%64)
	assert.GreaterOrEqual(t, k, uint32(1))
	assert.LessOrEqual(t, k, uint32(16))

	// Degenerate inputs fall back to sane values.
	m, k = OptimalSize(0, -1)
	assert.GreaterOrEqual(t, m, uint64(64))
	assert.GreaterOrEqual(t, k, uint32(1))
}
