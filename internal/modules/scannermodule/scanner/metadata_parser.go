package scanner

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// metaFilePattern matches `{id}-meta.txt` (case-insensitive); the leading
// digits are the artwork's external id.
var metaFilePattern = regexp.MustCompile(`(?i)^(\d+)-meta\.txt$`)

// IsMetadataFile reports whether name is a metadata file, returning the
// external artwork id it carries.
func IsMetadataFile(name string) (string, bool) {
	m := metaFilePattern.FindStringSubmatch(name)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// MetadataParser parses the downloader's `{id}-meta.txt` format: a sequence
// of sections, each a known header line followed by value lines and
// terminated by a blank line. Tag lines carry a leading '#'.
type MetadataParser struct{}

// NewMetadataParser creates a metadata parser.
func NewMetadataParser() *MetadataParser {
	return &MetadataParser{}
}

var metaHeaders = map[string]bool{
	"ID":          true,
	"URL":         true,
	"Original":    true,
	"Thumbnail":   true,
	"xRestrict":   true,
	"AI":          true,
	"User":        true,
	"UserID":      true,
	"Title":       true,
	"Description": true,
	"Tags":        true,
	"Size":        true,
	"Bookmark":    true,
	"Date":        true,
}

// ParseFile reads and parses one metadata file.
func (p *MetadataParser) ParseFile(path string) (*ArtworkMetadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata file: %w", err)
	}
	defer f.Close()

	sections := make(map[string][]string)
	current := ""

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		trimmed := strings.TrimSpace(line)

		if trimmed == "" {
			current = ""
			continue
		}
		if metaHeaders[trimmed] && current == "" {
			current = trimmed
			continue
		}
		if current != "" {
			sections[current] = append(sections[current], line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read metadata file: %w", err)
	}

	return p.build(path, sections)
}

func (p *MetadataParser) build(path string, sections map[string][]string) (*ArtworkMetadata, error) {
	md := &ArtworkMetadata{
		ExternalID:   first(sections["ID"]),
		Title:        first(sections["Title"]),
		Description:  strings.Join(sections["Description"], "\n"),
		UserName:     first(sections["User"]),
		UserID:       first(sections["UserID"]),
		SourceURL:    first(sections["URL"]),
		ThumbnailURL: first(sections["Thumbnail"]),
		Size:         first(sections["Size"]),
	}

	if md.ExternalID == "" {
		return nil, &ScanItemError{Path: path, Message: "metadata file has no ID section"}
	}

	for _, line := range sections["Tags"] {
		tag := strings.TrimSpace(line)
		tag = strings.TrimPrefix(tag, "#")
		if tag != "" {
			md.Tags = append(md.Tags, tag)
		}
	}

	if v := first(sections["xRestrict"]); v != "" && !strings.EqualFold(v, "AllAges") {
		md.XRestrict = true
	}
	if v := first(sections["AI"]); strings.EqualFold(v, "Yes") {
		md.AIGenerated = true
	}
	if v := first(sections["Bookmark"]); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			md.BookmarkCount = n
		}
	}
	if v := first(sections["Date"]); v != "" {
		if t, err := parseMetaDate(v); err == nil {
			md.SourceDate = &t
		}
	}

	return md, nil
}

func parseMetaDate(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date: %q", v)
}

func first(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[0])
}
