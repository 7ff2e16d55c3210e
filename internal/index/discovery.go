package index

import (
	"context"
	"io/fs"
	"path/filepath"
)

// FileMeta describes one discovered file, path relative to the root.
type FileMeta struct {
	RelPath   string
	Size      int64
	MtimeSecs uint64
}

// FileDiscovery produces an ordered stream of candidate files. The walk
// order must be stable so rebuilds assign the same document ids for an
// unchanged tree.
type FileDiscovery interface {
	Walk(ctx context.Context, root string, fn func(FileMeta) error) error
}

// WalkDiscovery walks the filesystem in lexical order, skipping the
// configured directory names.
type WalkDiscovery struct {
	IgnoredDirs []string
}

// Walk implements FileDiscovery over the real filesystem.
func (d *WalkDiscovery) Walk(ctx context.Context, root string, fn func(FileMeta) error) error {
	ignored := make(map[string]struct{}, len(d.IgnoredDirs))
	for _, name := range d.IgnoredDirs {
		ignored[name] = struct{}{}
	}

	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable entries are skipped, not fatal.
			if entry != nil && entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() {
			if _, skip := ignored[entry.Name()]; skip && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if !entry.Type().IsRegular() {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		mtime := info.ModTime().Unix()
		if mtime < 0 {
			mtime = 0
		}
		return fn(FileMeta{
			RelPath:   filepath.ToSlash(rel),
			Size:      info.Size(),
			MtimeSecs: uint64(mtime),
		})
	})
}
