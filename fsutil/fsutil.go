// Package fsutil implements the filesystem-helper boundary named in the
// spec as an external collaborator: path existence checks and recursive
// delete/copy/move, using secure directory traversal where the host OS
// supports it.
package fsutil

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// DeleteStats reports how many directories and files a recursive delete
// found versus actually removed. Removed never exceeds found for either
// category.
type DeleteStats struct {
	DirsFound    int
	DirsRemoved  int
	FilesFound   int
	FilesRemoved int
}

// Exists reports whether path refers to an existing filesystem entry.
func Exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// RemoveAll deletes path recursively (file or directory), returning on the
// first error encountered.
func RemoveAll(path string) error {
	root, err := os.OpenRoot(filepath.Dir(path))
	if err != nil {
		// path's parent directory cannot be opened as a root (e.g. it does
		// not exist or is not accessible); fall back to the plain stdlib
		// implementation.
		return os.RemoveAll(path)
	}
	defer root.Close()

	name := filepath.Base(path)
	if err := root.RemoveAll(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("fsutil: remove %q: %w", path, err)
	}
	return nil
}

// RemoveAllQuiet behaves like RemoveAll but never fails: it keeps counting
// and removing as much as it can, returning statistics on what it found
// and actually removed instead of stopping at the first error.
func RemoveAllQuiet(path string) DeleteStats {
	var stats DeleteStats
	walkAndRemove(path, &stats)
	return stats
}

// Copy copies src to dst. If src is a directory, it is copied recursively;
// otherwise a single file is copied, preserving the source's mode bits.
func Copy(src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return fmt.Errorf("fsutil: stat %q: %w", src, err)
	}

	if info.IsDir() {
		return copyDir(src, dst, info)
	}
	return copyFile(src, dst, info)
}

// Move relocates src to dst, falling back to copy-then-remove when a plain
// rename fails (e.g. across filesystems).
func Move(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := Copy(src, dst); err != nil {
		return err
	}
	return RemoveAll(src)
}

func copyDir(src, dst string, info os.FileInfo) error {
	if err := os.MkdirAll(dst, info.Mode().Perm()); err != nil {
		return fmt.Errorf("fsutil: mkdir %q: %w", dst, err)
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return fmt.Errorf("fsutil: read dir %q: %w", src, err)
	}

	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())
		if err := Copy(srcPath, dstPath); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string, info os.FileInfo) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("fsutil: open %q: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("fsutil: create %q: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("fsutil: copy %q to %q: %w", src, dst, err)
	}
	return out.Close()
}

// walkAndRemove walks path with plain os calls (not RemoveAll's os.Root
// traversal); symlinks are removed, never followed. It tallies DeleteStats
// instead of stopping at the first failure.
func walkAndRemove(path string, stats *DeleteStats) {
	info, err := os.Lstat(path)
	if err != nil {
		return
	}

	if !info.IsDir() {
		stats.FilesFound++
		if os.Remove(path) == nil {
			stats.FilesRemoved++
		}
		return
	}

	stats.DirsFound++

	entries, err := os.ReadDir(path)
	if err == nil {
		for _, entry := range entries {
			walkAndRemove(filepath.Join(path, entry.Name()), stats)
		}
	}

	if os.Remove(path) == nil {
		stats.DirsRemoved++
	}
}
