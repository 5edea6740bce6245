// Package extract unpacks downloaded archives into a target directory.
package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mholt/archives"
	"github.com/nwaples/rardecode/v2"

	"github.com/sweepdl/sweepdl/internal/fileutil"
)

// ErrUnsupported is returned for archive types the extractor does not handle.
var ErrUnsupported = errors.New("unsupported archive type")

// ArchiveError wraps a failure from the underlying extraction library for a
// specific source archive.
type ArchiveError struct {
	Source string
	Err    error
}

func (e *ArchiveError) Error() string {
	return fmt.Sprintf("extracting %s: %v", e.Source, e.Err)
}

func (e *ArchiveError) Unwrap() error {
	return e.Err
}

// Supported reports whether the file extension is one the extractor handles.
func Supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zip", ".rar":
		return true
	}
	return false
}

// Extract unpacks the archive at src into dstDir, creating dstDir as needed.
// For .rar sources the decoder follows multi-volume sets automatically when
// the remaining volumes sit next to src. Malformed or incomplete archives
// are reported as *ArchiveError.
func Extract(ctx context.Context, src, dstDir string) error {
	if err := os.MkdirAll(dstDir, 0750); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	switch strings.ToLower(filepath.Ext(src)) {
	case ".zip":
		if err := extractZip(ctx, src, dstDir); err != nil {
			return &ArchiveError{Source: src, Err: err}
		}
	case ".rar":
		if err := extractRar(ctx, src, dstDir); err != nil {
			return &ArchiveError{Source: src, Err: err}
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupported, filepath.Ext(src))
	}

	return nil
}

func extractZip(ctx context.Context, src, dstDir string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	format := archives.Zip{}

	return format.Extract(ctx, f, func(_ context.Context, info archives.FileInfo) error {
		target, err := fileutil.SafeJoin(dstDir, info.NameInArchive)
		if err != nil {
			return err
		}

		if info.IsDir() {
			return os.MkdirAll(target, 0750)
		}

		rc, err := info.Open()
		if err != nil {
			return err
		}
		defer rc.Close()

		return writeEntry(target, rc)
	})
}

func extractRar(ctx context.Context, src, dstDir string) error {
	// OpenReader resolves further volumes of a multi-part set from the
	// directory of src.
	r, err := rardecode.OpenReader(src)
	if err != nil {
		return err
	}
	defer r.Close()

	for {
		if err = ctx.Err(); err != nil {
			return err
		}

		hdr, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		target, err := fileutil.SafeJoin(dstDir, filepath.FromSlash(hdr.Name))
		if err != nil {
			return err
		}

		if hdr.IsDir {
			if err = os.MkdirAll(target, 0750); err != nil {
				return err
			}
			continue
		}

		if err = writeEntry(target, r); err != nil {
			return err
		}
	}
}

func writeEntry(target string, r io.Reader) (retErr error) {
	if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
		return err
	}

	out, err := os.Create(target)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := out.Close(); closeErr != nil && retErr == nil {
			retErr = closeErr
		}
	}()

	_, err = io.Copy(out, r)
	return err
}
