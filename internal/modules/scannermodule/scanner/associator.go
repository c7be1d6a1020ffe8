package scanner

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Media filename patterns, checked in order. All carry the artwork's external
// id; the page index defaults to 0 when absent.
var (
	pagedFilePattern  = regexp.MustCompile(`^(\d+)_p(\d+)\.(\w+)$`)
	singleFilePattern = regexp.MustCompile(`^(\d+)\.(\w+)$`)
	legacyFilePattern = regexp.MustCompile(`^(\d+)_(\d+)\.(\w+)$`)
)

// mediaExtensions is the explicit allow-list of supported media formats.
// Files matching a name pattern with any other extension are ignored.
var mediaExtensions = map[string]bool{
	"jpg":  true,
	"jpeg": true,
	"png":  true,
	"gif":  true,
	"webp": true,
	"bmp":  true,
	"apng": true,
	"mp4":  true,
	"webm": true,
	"mov":  true,
	"avi":  true,
}

// MediaCollector associates the media files in a directory with an artwork.
type MediaCollector struct{}

// NewMediaCollector creates a media collector.
func NewMediaCollector() *MediaCollector {
	return &MediaCollector{}
}

// parseMediaName extracts (externalID, page) from a media filename, or
// ok=false when the name does not belong to any artwork.
func parseMediaName(name string) (externalID string, page int, ok bool) {
	if m := pagedFilePattern.FindStringSubmatch(name); m != nil {
		if !mediaExtensions[strings.ToLower(m[3])] {
			return "", 0, false
		}
		page, _ = strconv.Atoi(m[2])
		return m[1], page, true
	}
	if m := singleFilePattern.FindStringSubmatch(name); m != nil {
		if !mediaExtensions[strings.ToLower(m[2])] {
			return "", 0, false
		}
		return m[1], 0, true
	}
	if m := legacyFilePattern.FindStringSubmatch(name); m != nil {
		if !mediaExtensions[strings.ToLower(m[3])] {
			return "", 0, false
		}
		page, _ = strconv.Atoi(m[2])
		return m[1], page, true
	}
	return "", 0, false
}

// Collect returns the ordered media files in dir belonging to externalID.
// Page indexes need not be contiguous, but a repeated index means the
// association is corrupt and is rejected here rather than at flush time.
func (c *MediaCollector) Collect(dir, externalID string) ([]MediaFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	seen := make(map[int]string)
	var files []MediaFile

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id, page, ok := parseMediaName(entry.Name())
		if !ok || id != externalID {
			continue
		}
		if prev, dup := seen[page]; dup {
			return nil, &ScanItemError{
				Path: dir,
				ID:   externalID,
				Message: fmt.Sprintf("duplicate page index %d (%s and %s)",
					page, prev, entry.Name()),
			}
		}
		seen[page] = entry.Name()

		info, err := entry.Info()
		if err != nil {
			return nil, &ScanItemError{Path: filepath.Join(dir, entry.Name()), ID: externalID, Message: err.Error()}
		}
		files = append(files, MediaFile{
			Path:      filepath.Join(dir, entry.Name()),
			Size:      info.Size(),
			SortOrder: page,
		})
	}

	if len(files) == 0 {
		return nil, &ScanItemError{Path: dir, ID: externalID, Message: "no media files matched metadata"}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].SortOrder < files[j].SortOrder })
	return files, nil
}

// PathHints are naming hints derived from a directory path when metadata is
// absent or incomplete.
type PathHints struct {
	ArtistName string
	ArtistID   string
	Title      string
	ExternalID string
}

// dirNamePattern matches the `Name (id)` directory convention.
var dirNamePattern = regexp.MustCompile(`^(.*?)\s*\((\d+)\)$`)

// PathParser derives artist/artwork hints from directory names.
type PathParser struct{}

// NewPathParser creates a path parser.
func NewPathParser() *PathParser {
	return &PathParser{}
}

// Parse inspects the artwork directory and its parent. The artwork directory
// is expected to be `Title (externalID)` and its parent `Artist (userID)`;
// anything that doesn't match yields partial hints.
func (p *PathParser) Parse(artworkDir string) PathHints {
	hints := PathHints{}

	base := filepath.Base(artworkDir)
	if m := dirNamePattern.FindStringSubmatch(base); m != nil {
		hints.Title = strings.TrimSpace(m[1])
		hints.ExternalID = m[2]
	} else {
		hints.Title = base
	}

	parent := filepath.Base(filepath.Dir(artworkDir))
	if m := dirNamePattern.FindStringSubmatch(parent); m != nil {
		hints.ArtistName = strings.TrimSpace(m[1])
		hints.ArtistID = m[2]
	} else if parent != "." && parent != string(filepath.Separator) {
		hints.ArtistName = parent
	}

	return hints
}
