package scanner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeMetaFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestIsMetadataFile(t *testing.T) {
	tests := []struct {
		name   string
		wantID string
		wantOK bool
	}{
		{"123456-meta.txt", "123456", true},
		{"123456-META.TXT", "123456", true},
		{"123456-Meta.txt", "123456", true},
		{"123456.txt", "", false},
		{"meta.txt", "", false},
		{"123456-meta.txt.bak", "", false},
		{"abc-meta.txt", "", false},
	}

	for _, tt := range tests {
		id, ok := IsMetadataFile(tt.name)
		assert.Equal(t, tt.wantOK, ok, tt.name)
		assert.Equal(t, tt.wantID, id, tt.name)
	}
}

func TestParseFile_FullMetadata(t *testing.T) {
	content := `ID
123

URL
https://example.com/artworks/123

Original
https://example.com/img/123_p0.png

Thumbnail
https://example.com/thumb/123.jpg

xRestrict
R-18

AI
Yes

User
alice

UserID
42

Title
Sunset Study

Description
First line.
Second line.

Tags
#landscape
#sunset

Size
2048x1536

Bookmark
97

Date
2024-03-15T09:30:00
`
	dir := t.TempDir()
	path := writeMetaFile(t, dir, "123-meta.txt", content)

	md, err := NewMetadataParser().ParseFile(path)
	require.NoError(t, err)

	assert.Equal(t, "123", md.ExternalID)
	assert.Equal(t, "Sunset Study", md.Title)
	assert.Equal(t, "First line.\nSecond line.", md.Description)
	assert.Equal(t, "alice", md.UserName)
	assert.Equal(t, "42", md.UserID)
	assert.Equal(t, "https://example.com/artworks/123", md.SourceURL)
	assert.Equal(t, "https://example.com/thumb/123.jpg", md.ThumbnailURL)
	assert.Equal(t, []string{"landscape", "sunset"}, md.Tags)
	assert.True(t, md.XRestrict)
	assert.True(t, md.AIGenerated)
	assert.Equal(t, "2048x1536", md.Size)
	assert.Equal(t, 97, md.BookmarkCount)
	require.NotNil(t, md.SourceDate)
	assert.Equal(t, 2024, md.SourceDate.Year())
}

func TestParseFile_AllAgesNotRestricted(t *testing.T) {
	content := "ID\n7\n\nxRestrict\nAllAges\n\nAI\nNo\n"
	dir := t.TempDir()
	path := writeMetaFile(t, dir, "7-meta.txt", content)

	md, err := NewMetadataParser().ParseFile(path)
	require.NoError(t, err)
	assert.False(t, md.XRestrict)
	assert.False(t, md.AIGenerated)
}

func TestParseFile_MissingID(t *testing.T) {
	content := "Title\nNo identifier here\n"
	dir := t.TempDir()
	path := writeMetaFile(t, dir, "55-meta.txt", content)

	_, err := NewMetadataParser().ParseFile(path)
	require.Error(t, err)

	var itemErr *ScanItemError
	require.ErrorAs(t, err, &itemErr)
	assert.Equal(t, path, itemErr.Path)
}

func TestParseFile_UnknownSectionsIgnored(t *testing.T) {
	content := "ID\n9\n\nSomethingNew\nvalue we do not know\n\nTitle\nStill Parsed\n"
	dir := t.TempDir()
	path := writeMetaFile(t, dir, "9-meta.txt", content)

	md, err := NewMetadataParser().ParseFile(path)
	require.NoError(t, err)
	assert.Equal(t, "9", md.ExternalID)
	assert.Equal(t, "Still Parsed", md.Title)
}

func TestParseFile_DateFallbackLayouts(t *testing.T) {
	for _, date := range []string{"2023-07-01T12:00:00+09:00", "2023-07-01T12:00:00", "2023-07-01"} {
		dir := t.TempDir()
		path := writeMetaFile(t, dir, "11-meta.txt", "ID\n11\n\nDate\n"+date+"\n")

		md, err := NewMetadataParser().ParseFile(path)
		require.NoError(t, err)
		require.NotNil(t, md.SourceDate, date)
		assert.Equal(t, 2023, md.SourceDate.Year(), date)
	}
}

func TestParseFile_BadDateLeavesNil(t *testing.T) {
	dir := t.TempDir()
	path := writeMetaFile(t, dir, "12-meta.txt", "ID\n12\n\nDate\nnot a date\n")

	md, err := NewMetadataParser().ParseFile(path)
	require.NoError(t, err)
	assert.Nil(t, md.SourceDate)
}
