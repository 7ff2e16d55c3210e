package analysis

// IsBinary reports whether content looks like binary data: null bytes or a
// high proportion of non-text control bytes in the leading sample.
func IsBinary(content []byte) bool {
	sampleSize := len(content)
	if sampleSize > 8192 {
		sampleSize = 8192
	}
	sample := content[:sampleSize]

	nulls := 0
	for _, b := range sample {
		if b == 0 {
			nulls++
		}
	}
	if nulls > sampleSize/10 {
		return true
	}

	nonText := 0
	for _, b := range sample {
		if b < 0x20 && b != '\n' && b != '\r' && b != '\t' {
			nonText++
		}
	}
	return nonText > sampleSize/8
}

// IsMinified reports whether content looks machine-generated: very long lines
// on average with at least one extremely long line, or a single multi-KiB
// line with no newline at all.
func IsMinified(content []byte) bool {
	lineLength := 0
	maxLineLength := 0
	lineCount := 0

	limit := len(content)
	if limit > 65536 {
		limit = 65536
	}
	for _, b := range content[:limit] {
		if b == '\n' {
			if lineLength > maxLineLength {
				maxLineLength = lineLength
			}
			lineLength = 0
			lineCount++
		} else {
			lineLength++
		}
	}

	if lineCount > 0 {
		avgLine := limit / (lineCount + 1)
		return maxLineLength > 1000 && avgLine > 500
	}
	return len(content) > 10240
}

// LineOffsets returns the byte offsets of line starts in content. Offset 0 is
// always the first entry for non-empty content; each '\n' starts a new line
// at the following byte.
func LineOffsets(content []byte) []uint32 {
	if len(content) == 0 {
		return nil
	}
	offsets := make([]uint32, 1, 64)
	for i, b := range content {
		if b == '\n' && i+1 < len(content) {
			offsets = append(offsets, uint32(i+1))
		}
	}
	return offsets
}
