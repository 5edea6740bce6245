// Package media classifies processed downloads as series, movies or others
// and relocates them under the destination library root.
package media

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/sweepdl/sweepdl/internal/fileutil"
)

// Category is the destination classification of processed output.
type Category string

const (
	// CategorySeries is for episodic content (S01E02 / 1x02 style names).
	CategorySeries Category = "series"
	// CategoryMovies is for video content without an episode marker.
	CategoryMovies Category = "movies"
	// CategoryOthers is for everything with no video file at the top level.
	CategoryOthers Category = "others"
)

// Video extensions considered media, lowercase with leading dot.
//
//nolint:gochecknoglobals // classification lookup table
var videoExtensions = map[string]bool{
	".mkv":  true,
	".mp4":  true,
	".avi":  true,
	".mov":  true,
	".wmv":  true,
	".flv":  true,
	".webm": true,
	".m4v":  true,
	".mpg":  true,
	".mpeg": true,
}

// Episode naming patterns: S01E02 (case-insensitive) and 1x02.
//
//nolint:gochecknoglobals // classification lookup table
var episodePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)s\d{1,2}e\d{1,2}`),
	regexp.MustCompile(`\d{1,2}x\d{1,2}`),
}

// IsVideoFile reports whether the filename has a known video extension.
func IsVideoFile(name string) bool {
	return videoExtensions[strings.ToLower(filepath.Ext(name))]
}

// IsEpisode reports whether the filename matches an episode naming pattern.
func IsEpisode(name string) bool {
	for _, re := range episodePatterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// Mover classifies paths and moves them under the destination root.
type Mover struct {
	logger zerolog.Logger
}

// Option is a functional option for configuring the mover.
type Option func(*Mover)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Mover) {
		m.logger = logger
	}
}

// NewMover creates a new media mover.
func NewMover(opts ...Option) *Mover {
	m := &Mover{
		logger: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Classify determines the category of path. A single file is judged by its
// own name; a directory by its immediate children only (non-recursive).
// Any video present means movies, upgraded to series if any inspected media
// name carries an episode marker. No video means others.
func (m *Mover) Classify(path string) (Category, error) {
	names, err := inspectNames(path)
	if err != nil {
		return "", err
	}

	category := CategoryOthers
	for _, name := range names {
		if !IsVideoFile(name) {
			continue
		}
		if IsEpisode(name) {
			return CategorySeries, nil
		}
		category = CategoryMovies
	}

	return category, nil
}

// Move classifies path, relocates it (whole subtree) under
// destRoot/<category>/, and returns the category together with the media
// file paths found at the new location. The post-move re-scan is needed
// because the path changes identity across the move.
func (m *Mover) Move(path, destRoot string) (Category, []string, error) {
	category, err := m.Classify(path)
	if err != nil {
		return "", nil, err
	}

	newPath, err := fileutil.MovePath(path, filepath.Join(destRoot, string(category)))
	if err != nil {
		return "", nil, fmt.Errorf("failed to move %s: %w", path, err)
	}

	m.logger.Info().
		Str("path", newPath).
		Str("category", string(category)).
		Msg("moved to destination")

	mediaFiles, err := mediaFilesAt(newPath)
	if err != nil {
		return "", nil, err
	}

	return category, mediaFiles, nil
}

// inspectNames returns the names considered for classification: the base
// name for a file, or the immediate children for a directory.
func inspectNames(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if !info.IsDir() {
		return []string{info.Name()}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		names = append(names, entry.Name())
	}
	return names, nil
}

// mediaFilesAt returns the full paths of video files at path: the path
// itself for a single video file, or video files among a directory's
// immediate children.
func mediaFilesAt(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if !info.IsDir() {
		if IsVideoFile(info.Name()) {
			return []string{path}, nil
		}
		return nil, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !IsVideoFile(entry.Name()) {
			continue
		}
		files = append(files, filepath.Join(path, entry.Name()))
	}
	return files, nil
}
