package cache

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUBasic(t *testing.T) {
	c := NewLRU[string, int](2)
	c.Put("a", 1)
	c.Put("b", 2)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	// "b" is now least recently used; inserting "c" evicts it.
	c.Put("c", 3)
	_, ok = c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
}

func TestLRUUpdate(t *testing.T) {
	c := NewLRU[string, int](2)
	c.Put("a", 1)
	c.Put("a", 10)
	v, _ := c.Get("a")
	assert.Equal(t, 10, v)
	assert.Equal(t, 1, c.Len())
}

func TestLRUClear(t *testing.T) {
	c := NewLRU[string, int](4)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Clear()
	assert.Zero(t, c.Len())
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestLRUStats(t *testing.T) {
	c := NewLRU[string, int](4)
	c.Put("a", 1)
	c.Get("a")
	c.Get("missing")
	hits, misses := c.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
}

func TestContentCacheRoundtrip(t *testing.T) {
	c := NewContentCache(8, 1<<20)
	content := bytes.Repeat([]byte("func main() {}\n"), 100)
	c.Put("/src/main.go", content)

	got, ok := c.Get("/src/main.go")
	require.True(t, ok)
	assert.Equal(t, content, got)
}

func TestContentCacheOversizeSkipped(t *testing.T) {
	c := NewContentCache(8, 10)
	c.Put("/big", bytes.Repeat([]byte("x"), 100))
	_, ok := c.Get("/big")
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestContentCacheEviction(t *testing.T) {
	c := NewContentCache(2, 1<<20)
	for i := 0; i < 3; i++ {
		c.Put(fmt.Sprintf("/f%d", i), []byte("content"))
	}
	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("/f0")
	assert.False(t, ok)
	_, ok = c.Get("/f2")
	assert.True(t, ok)
}
