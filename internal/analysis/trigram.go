package analysis

import (
	"math/bits"
	"sort"

	"github.com/bits-and-blooms/bitset"
)

// Trigram is a 24-bit key formed from three consecutive input bytes,
// packed big-endian into the low bits of a uint32.
type Trigram = uint32

// PackTrigram builds a trigram key from three bytes.
func PackTrigram(b0, b1, b2 byte) Trigram {
	return Trigram(b0)<<16 | Trigram(b1)<<8 | Trigram(b2)
}

// TrigramBytes unpacks a trigram key into its three bytes.
func TrigramBytes(t Trigram) [3]byte {
	return [3]byte{byte(t >> 16), byte(t >> 8), byte(t)}
}

// Size tiers for the extractor strategies. All four strategies produce the
// same logical set; selection is a time/memory trade-off only.
const (
	tierSortDedup = 4 << 10   // collect, sort, dedup in place
	tierHashSet   = 100 << 10 // map-backed set
	tierSparseSet = 1 << 20   // 64-bit blocks keyed by block index
)

const trigramSpace = 1 << 24

// Trigrams returns the sorted set of distinct trigrams in content.
func Trigrams(content []byte) []Trigram {
	if len(content) < 3 {
		return nil
	}
	switch {
	case len(content) <= tierSortDedup:
		return trigramsSorted(content)
	case len(content) <= tierHashSet:
		return trigramsHashSet(content)
	case len(content) <= tierSparseSet:
		return trigramsSparse(content)
	default:
		return trigramsDense(content)
	}
}

func trigramsSorted(content []byte) []Trigram {
	grams := make([]Trigram, 0, len(content)-2)
	for i := 0; i+2 < len(content); i++ {
		grams = append(grams, PackTrigram(content[i], content[i+1], content[i+2]))
	}
	sort.Slice(grams, func(i, j int) bool { return grams[i] < grams[j] })
	out := grams[:0]
	for i, g := range grams {
		if i == 0 || g != out[len(out)-1] {
			out = append(out, g)
		}
	}
	return out
}

func trigramsHashSet(content []byte) []Trigram {
	set := make(map[Trigram]struct{}, len(content)/8)
	for i := 0; i+2 < len(content); i++ {
		set[PackTrigram(content[i], content[i+1], content[i+2])] = struct{}{}
	}
	grams := make([]Trigram, 0, len(set))
	for g := range set {
		grams = append(grams, g)
	}
	sort.Slice(grams, func(i, j int) bool { return grams[i] < grams[j] })
	return grams
}

// trigramsSparse tracks seen trigrams in 64-bit blocks held in a map keyed by
// block index, avoiding the full 2 MiB dense allocation for mid-size files.
func trigramsSparse(content []byte) []Trigram {
	blocks := make(map[uint32]uint64, len(content)/64)
	for i := 0; i+2 < len(content); i++ {
		g := PackTrigram(content[i], content[i+1], content[i+2])
		blocks[g>>6] |= 1 << (g & 63)
	}
	indices := make([]uint32, 0, len(blocks))
	for idx := range blocks {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	grams := make([]Trigram, 0, len(blocks)*8)
	for _, idx := range indices {
		word := blocks[idx]
		base := idx << 6
		for word != 0 {
			bit := uint32(bits.TrailingZeros64(word))
			grams = append(grams, base|bit)
			word &= word - 1
		}
	}
	return grams
}

func trigramsDense(content []byte) []Trigram {
	set := bitset.New(trigramSpace)
	for i := 0; i+2 < len(content); i++ {
		set.Set(uint(PackTrigram(content[i], content[i+1], content[i+2])))
	}
	grams := make([]Trigram, 0, set.Count())
	for g, ok := set.NextSet(0); ok; g, ok = set.NextSet(g + 1) {
		grams = append(grams, Trigram(g))
	}
	return grams
}

// QueryTrigrams returns the sorted distinct trigrams of a query string. The
// windows are byte windows, matching index-time extraction exactly.
func QueryTrigrams(text string) []Trigram {
	return Trigrams([]byte(text))
}
