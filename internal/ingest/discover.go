package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var defaultExcludedDirs = map[string]struct{}{
	".git":         {},
	".scenelens":   {},
	"node_modules": {},
	"__pycache__":  {},
}

// DiscoveredFile holds metadata collected during file system discovery.
type DiscoveredFile struct {
	AbsPath   string
	RelPath   string
	SizeBytes int64
	MTimeUnix int64
}

// DiscoverOptions controls optional discovery behavior.
type DiscoverOptions struct {
	// MaxSizeBytes skips larger files. Zero means no limit.
	MaxSizeBytes   int64
	FollowSymlinks bool
}

// DiscoverVideos walks rootDir and returns the video files under it, sorted
// by relative path. Known heavy directories are skipped and symlinks are
// only followed inside the root.
func DiscoverVideos(ctx context.Context, rootDir string, options DiscoverOptions) ([]DiscoveredFile, error) {
	absRoot, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	rootInfo, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !rootInfo.IsDir() {
		return nil, fmt.Errorf("root is not a directory: %s", absRoot)
	}

	rootResolved := absRoot
	if resolved, err := filepath.EvalSymlinks(absRoot); err == nil {
		rootResolved = resolved
	}
	rootResolved = filepath.Clean(rootResolved)

	files := make([]DiscoveredFile, 0, 64)
	walker := discoverWalker{
		rootResolved: rootResolved,
		options:      options,
		files:        &files,
		visitedDirs:  map[string]struct{}{rootResolved: {}},
	}
	if err := walker.walkDir(ctx, absRoot, ""); err != nil {
		return nil, err
	}

	sort.Slice(files, func(i, j int) bool { return files[i].RelPath < files[j].RelPath })
	return files, nil
}

func shouldSkipDirectory(name string) bool {
	_, ok := defaultExcludedDirs[strings.TrimSpace(name)]
	return ok
}

type discoverWalker struct {
	rootResolved string
	options      DiscoverOptions
	files        *[]DiscoveredFile
	visitedDirs  map[string]struct{}
}

func (w *discoverWalker) walkDir(ctx context.Context, absDir, relDir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entries, err := os.ReadDir(absDir)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		name := entry.Name()
		relPath := name
		if relDir != "" {
			relPath = relDir + "/" + name
		}
		fullPath := filepath.Join(absDir, name)

		info, err := os.Lstat(fullPath)
		if err != nil {
			return err
		}

		if info.Mode()&os.ModeSymlink != 0 {
			if !w.options.FollowSymlinks {
				continue
			}
			resolved, err := filepath.EvalSymlinks(fullPath)
			if err != nil || !isWithinRoot(w.rootResolved, resolved) {
				continue
			}
			fullPath = filepath.Clean(resolved)
			if info, err = os.Stat(fullPath); err != nil {
				continue
			}
		}

		if info.IsDir() {
			if shouldSkipDirectory(name) {
				continue
			}
			dir := filepath.Clean(fullPath)
			if _, ok := w.visitedDirs[dir]; ok {
				continue
			}
			w.visitedDirs[dir] = struct{}{}
			if err := w.walkDir(ctx, dir, relPath); err != nil {
				return err
			}
			continue
		}

		if !info.Mode().IsRegular() || !IsVideoFile(name) {
			continue
		}
		if w.options.MaxSizeBytes > 0 && info.Size() > w.options.MaxSizeBytes {
			continue
		}
		*w.files = append(*w.files, DiscoveredFile{
			AbsPath:   fullPath,
			RelPath:   relPath,
			SizeBytes: info.Size(),
			MTimeUnix: info.ModTime().Unix(),
		})
	}
	return nil
}

func isWithinRoot(root, candidate string) bool {
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
