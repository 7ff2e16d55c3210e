//go:build !windows

package server

import (
	"context"
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marlboro-red/fxi/internal/appdir"
	"github.com/marlboro-red/fxi/internal/config"
	"github.com/marlboro-red/fxi/internal/testindex"
)

// startDaemon builds an index for files, runs a daemon on a private socket
// and returns the socket path plus the indexed root.
func startDaemon(t *testing.T, files map[string]string) (socketPath, root string) {
	t.Helper()
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())

	root = testindex.BuildRoot(t, files)
	indexDir, err := appdir.IndexDir(root)
	require.NoError(t, err)
	testindex.BuildAt(t, root, indexDir)

	socketPath = filepath.Join(t.TempDir(), "fxi.sock")
	d := NewDaemon(socketPath, config.Default(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop")
		}
	})

	require.Eventually(t, func() bool {
		_, err := os.Stat(socketPath)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond, "daemon socket never appeared")
	return socketPath, root
}

func TestDaemonPing(t *testing.T) {
	socketPath, _ := startDaemon(t, map[string]string{"a.txt": "hello\n"})
	c := NewClient(socketPath)
	defer c.Close()
	require.NoError(t, c.Ping())
}

func TestDaemonSearchAndCache(t *testing.T) {
	socketPath, root := startDaemon(t, map[string]string{
		"a.txt": "hello world",
		"b.txt": "world peace",
	})
	c := NewClient(socketPath)
	defer c.Close()

	first, err := c.Search("world", root, 50)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	require.Len(t, first.Matches, 2)

	// The re-query is served from the per-index result cache.
	second, err := c.Search("world", root, 50)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Matches, second.Matches)

	// Reload clears the query cache.
	reloaded, err := c.Reload(root)
	require.NoError(t, err)
	assert.True(t, reloaded.Success)

	third, err := c.Search("world", root, 50)
	require.NoError(t, err)
	assert.False(t, third.Cached)
	// Scores are re-derived against a fresh clock; the ranked identity of
	// the results is what survives a reload.
	require.Len(t, third.Matches, len(first.Matches))
	for i := range third.Matches {
		assert.Equal(t, first.Matches[i].Path, third.Matches[i].Path)
		assert.Equal(t, first.Matches[i].DocID, third.Matches[i].DocID)
	}
}

func TestDaemonContentSearch(t *testing.T) {
	socketPath, root := startDaemon(t, map[string]string{
		"main.rs": "fn main() { println!(); }",
	})
	c := NewClient(socketPath)
	defer c.Close()

	resp, err := c.ContentSearch("fn main", root, 10, ContentSearchOptions{})
	require.NoError(t, err)
	require.Len(t, resp.Matches, 1)
	m := resp.Matches[0]
	assert.Equal(t, "main.rs", m.Path)
	assert.Equal(t, uint32(1), m.LineNumber)
	assert.Equal(t, 0, m.MatchStart)
	assert.Equal(t, 7, m.MatchEnd)
	assert.Equal(t, 1, resp.FilesWithMatches)
}

func TestDaemonContentSearchContext(t *testing.T) {
	socketPath, root := startDaemon(t, map[string]string{
		"f.txt": "before\ntarget line\nafter\n",
	})
	c := NewClient(socketPath)
	defer c.Close()

	resp, err := c.ContentSearch("target", root, 10, ContentSearchOptions{
		ContextBefore: 1,
		ContextAfter:  1,
	})
	require.NoError(t, err)
	require.Len(t, resp.Matches, 1)
	m := resp.Matches[0]
	require.Len(t, m.ContextBefore, 1)
	assert.Equal(t, ContextLine{LineNumber: 1, Text: "before"}, m.ContextBefore[0])
	require.Len(t, m.ContextAfter, 1)
	assert.Equal(t, ContextLine{LineNumber: 3, Text: "after"}, m.ContextAfter[0])
}

func TestDaemonStatusCounters(t *testing.T) {
	socketPath, root := startDaemon(t, map[string]string{"a.txt": "hello\n"})
	c := NewClient(socketPath)
	defer c.Close()

	before, err := c.Status()
	require.NoError(t, err)

	_, err = c.Search("hello", root, 10)
	require.NoError(t, err)

	after, err := c.Status()
	require.NoError(t, err)
	assert.Equal(t, before.QueriesServed+1, after.QueriesServed)
	assert.Equal(t, 1, after.IndexesLoaded)
	assert.Equal(t, uint32(1), after.TotalDocs)
	assert.Contains(t, after.LoadedRoots[0], filepath.Base(root))
}

// Sixteen identical queries over sixteen connections return identical
// ranked lists.
func TestDaemonConcurrentQueries(t *testing.T) {
	socketPath, root := startDaemon(t, map[string]string{
		"a.txt": "target one\n",
		"b.txt": "target two\n",
		"c.txt": "target three\n",
	})

	before := func() uint64 {
		c := NewClient(socketPath)
		defer c.Close()
		st, err := c.Status()
		require.NoError(t, err)
		return st.QueriesServed
	}()

	const clients = 16
	results := make([][]SearchMatch, clients)
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := NewClient(socketPath)
			defer c.Close()
			resp, err := c.Search("target", root, 50)
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = resp.Matches
		}()
	}
	wg.Wait()

	for i := 1; i < clients; i++ {
		require.True(t, reflect.DeepEqual(results[0], results[i]),
			"client %d saw a different ranked list", i)
	}

	c := NewClient(socketPath)
	defer c.Close()
	st, err := c.Status()
	require.NoError(t, err)
	assert.Equal(t, before+clients, st.QueriesServed)
}

func TestDaemonUnknownRoot(t *testing.T) {
	socketPath, _ := startDaemon(t, map[string]string{"a.txt": "x\n"})
	c := NewClient(socketPath)
	defer c.Close()

	_, err := c.Search("x", filepath.Join(t.TempDir(), "never-indexed"), 10)
	assert.Error(t, err)

	// The daemon keeps serving the same connection after the failed request.
	require.NoError(t, c.Ping())
}

func TestDaemonOversizeFrameClosesConnection(t *testing.T) {
	socketPath, _ := startDaemon(t, map[string]string{"a.txt": "x\n"})

	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer conn.Close()

	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], MaxFrameSize+1)
	_, err = conn.Write(header[:])
	require.NoError(t, err)

	// The daemon answers with an error frame (if it can) and closes.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64<<10)
	for {
		if _, err := conn.Read(buf); err != nil {
			break
		}
	}

	// Daemon state is not corrupted: a fresh client still works.
	c := NewClient(socketPath)
	defer c.Close()
	require.NoError(t, c.Ping())
}

func TestDaemonShutdown(t *testing.T) {
	socketPath, _ := startDaemon(t, map[string]string{"a.txt": "x\n"})
	c := NewClient(socketPath)
	require.NoError(t, c.Shutdown())
	c.Close()

	require.Eventually(t, func() bool {
		_, err := os.Stat(socketPath)
		return os.IsNotExist(err)
	}, 5*time.Second, 10*time.Millisecond, "socket file not removed after shutdown")
}

func TestDaemonSocketPermissions(t *testing.T) {
	socketPath, _ := startDaemon(t, map[string]string{"a.txt": "x\n"})
	info, err := os.Stat(socketPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
