package cache

import (
	"container/list"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// ContentCache caches file contents for the sequential verification path,
// keyed by absolute path. Entries are stored zstd-compressed so the byte
// budget stretches further on source text. Capped by both entry count and
// per-entry size; the parallel verification path bypasses it entirely to
// avoid lock contention.
type ContentCache struct {
	mu           sync.Mutex
	maxEntries   int
	maxEntrySize int
	items        map[string]*list.Element
	evictList    *list.List

	enc *zstd.Encoder
	dec *zstd.Decoder
}

type contentEntry struct {
	path       string
	compressed []byte
	rawSize    int
}

// NewContentCache creates a cache of at most maxEntries files, skipping any
// file larger than maxEntrySize raw bytes.
func NewContentCache(maxEntries, maxEntrySize int) *ContentCache {
	if maxEntries < 1 {
		maxEntries = 1
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	dec, _ := zstd.NewReader(nil)
	return &ContentCache{
		maxEntries:   maxEntries,
		maxEntrySize: maxEntrySize,
		items:        make(map[string]*list.Element, maxEntries),
		evictList:    list.New(),
		enc:          enc,
		dec:          dec,
	}
}

// Get returns the decompressed content for path, if cached.
func (c *ContentCache) Get(path string) ([]byte, bool) {
	c.mu.Lock()
	elem, ok := c.items[path]
	if !ok {
		c.mu.Unlock()
		return nil, false
	}
	c.evictList.MoveToFront(elem)
	entry := elem.Value.(*contentEntry)
	compressed := entry.compressed
	rawSize := entry.rawSize
	c.mu.Unlock()

	raw, err := c.dec.DecodeAll(compressed, make([]byte, 0, rawSize))
	if err != nil {
		return nil, false
	}
	return raw, true
}

// Put caches content for path. Oversize entries are dropped silently.
func (c *ContentCache) Put(path string, content []byte) {
	if c.maxEntrySize > 0 && len(content) > c.maxEntrySize {
		return
	}
	compressed := c.enc.EncodeAll(content, nil)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[path]; ok {
		c.evictList.MoveToFront(elem)
		entry := elem.Value.(*contentEntry)
		entry.compressed = compressed
		entry.rawSize = len(content)
		return
	}

	elem := c.evictList.PushFront(&contentEntry{
		path:       path,
		compressed: compressed,
		rawSize:    len(content),
	})
	c.items[path] = elem

	if c.evictList.Len() > c.maxEntries {
		oldest := c.evictList.Back()
		if oldest != nil {
			c.evictList.Remove(oldest)
			delete(c.items, oldest.Value.(*contentEntry).path)
		}
	}
}

// Len returns the number of cached files.
func (c *ContentCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictList.Len()
}
