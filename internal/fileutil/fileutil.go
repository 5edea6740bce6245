// Package fileutil provides common file operation utilities.
package fileutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// CopyFile copies a file from src to dst, creating parent directories as needed.
func CopyFile(src, dst string) (retErr error) {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := srcFile.Close(); closeErr != nil && retErr == nil {
			retErr = closeErr
		}
	}()

	info, err := srcFile.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("source is a directory: %s", src)
	}

	if err = os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
		return err
	}

	dstFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := dstFile.Close(); closeErr != nil && retErr == nil {
			retErr = closeErr
		}
	}()

	_, err = io.Copy(dstFile, srcFile)
	return err
}

// SafeJoin joins path onto base, rejecting absolute paths and any path that
// would escape base after cleaning.
func SafeJoin(base, path string) (string, error) {
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("path must be relative: %s", path)
	}

	joined := filepath.Join(base, path)

	cleanBase := filepath.Clean(base)
	if joined != cleanBase && !strings.HasPrefix(joined, cleanBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes base directory: %s", path)
	}

	return joined, nil
}

// CopyDir recursively copies a directory tree.
func CopyDir(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		dstPath := filepath.Join(dst, relPath)

		if info.IsDir() {
			return os.MkdirAll(dstPath, info.Mode())
		}

		return CopyFile(path, dstPath)
	})
}

// MovePath moves a file or directory into dstDir, creating dstDir as needed.
// The moved entry keeps its base name. Rename is attempted first; on failure
// (typically a cross-device move) the tree is copied and the source removed.
// Returns the new path.
func MovePath(src, dstDir string) (string, error) {
	// MkdirAll fails if dstDir exists as a regular file, which is exactly
	// the collision we want surfaced to the caller.
	if err := os.MkdirAll(dstDir, 0750); err != nil {
		return "", fmt.Errorf("failed to create destination %s: %w", dstDir, err)
	}

	dst := filepath.Join(dstDir, filepath.Base(src))

	if err := os.Rename(src, dst); err == nil {
		return dst, nil
	}

	info, err := os.Stat(src)
	if err != nil {
		return "", err
	}

	if info.IsDir() {
		if err = CopyDir(src, dst); err != nil {
			return "", fmt.Errorf("failed to copy %s: %w", src, err)
		}
	} else {
		if err = CopyFile(src, dst); err != nil {
			return "", fmt.Errorf("failed to copy %s: %w", src, err)
		}
	}

	if err = os.RemoveAll(src); err != nil {
		return "", fmt.Errorf("failed to remove source after copy: %w", err)
	}

	return dst, nil
}
