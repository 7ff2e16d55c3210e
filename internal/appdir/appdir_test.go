package appdir

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashPathStable(t *testing.T) {
	a := HashPath("/home/user/project")
	b := HashPath("/home/user/project")
	c := HashPath("/home/user/other")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.True(t, strings.HasPrefix(a, "project-"))
}

func TestHashPathSanitizes(t *testing.T) {
	name := HashPath("/tmp/we!rd na@me")
	// Only alphanumerics, dash and underscore survive in the prefix.
	prefix := name[:strings.LastIndex(name, "-")]
	for _, r := range prefix {
		ok := r == '-' || r == '_' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		assert.True(t, ok, "unexpected rune %q", r)
	}
}

func TestDataDirRespectsXDG(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("XDG_DATA_HOME", tmp)

	dir, err := DataDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(tmp, "fxi"), dir)
}

func TestIndexDirUnderDataDir(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("XDG_DATA_HOME", tmp)

	dir, err := IndexDir("/some/project")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(dir, filepath.Join(tmp, "fxi", "indexes")))
}

func TestSocketPathRuntimeDir(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("XDG_RUNTIME_DIR", tmp)
	assert.Equal(t, filepath.Join(tmp, "fxi.sock"), SocketPath())
	assert.Equal(t, filepath.Join(tmp, "fxi.pid"), PidPath())
}

func TestListIndexesEmpty(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	locations, err := ListIndexes()
	require.NoError(t, err)
	assert.Empty(t, locations)
}
