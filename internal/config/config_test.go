package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[index]
chunk_size = 1000

[scoring]
filename_match_bonus = 3.5
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1000, cfg.Index.ChunkSize)
	assert.Equal(t, 3.5, cfg.Scoring.FilenameMatchBonus)
	// Unset fields keep their defaults.
	assert.Equal(t, Default().Index.MaxFileSize, cfg.Index.MaxFileSize)
	assert.Equal(t, Default().Scoring.DepthPenalty, cfg.Scoring.DepthPenalty)
}

func TestLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("not [valid toml"), 0o644))

	cfg, err := Load(path)
	assert.Error(t, err)
	// Caller still gets usable defaults.
	assert.Equal(t, Default(), cfg)
}
