package scanner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touchFile(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
}

func TestParseMediaName(t *testing.T) {
	tests := []struct {
		name     string
		wantID   string
		wantPage int
		wantOK   bool
	}{
		{"123_p0.png", "123", 0, true},
		{"123_p12.jpg", "123", 12, true},
		{"123.gif", "123", 0, true},
		{"123_4.webm", "123", 4, true},
		{"123_p0.txt", "", 0, false},
		{"123-meta.txt", "", 0, false},
		{"notanid_p0.png", "", 0, false},
		{"123_p0.PNG", "123", 0, true},
	}

	for _, tt := range tests {
		id, page, ok := parseMediaName(tt.name)
		assert.Equal(t, tt.wantOK, ok, tt.name)
		if tt.wantOK {
			assert.Equal(t, tt.wantID, id, tt.name)
			assert.Equal(t, tt.wantPage, page, tt.name)
		}
	}
}

func TestCollect_OrdersBySparsePageIndex(t *testing.T) {
	dir := t.TempDir()
	// Deliberately sparse: pages 0, 1, 3.
	touchFile(t, dir, "77_p3.png")
	touchFile(t, dir, "77_p0.png")
	touchFile(t, dir, "77_p1.png")
	touchFile(t, dir, "88_p0.png") // other artwork, ignored
	touchFile(t, dir, "notes.txt")

	files, err := NewMediaCollector().Collect(dir, "77")
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, []int{0, 1, 3}, []int{files[0].SortOrder, files[1].SortOrder, files[2].SortOrder})
}

func TestCollect_RejectsDuplicatePageIndex(t *testing.T) {
	dir := t.TempDir()
	touchFile(t, dir, "77_p0.png")
	touchFile(t, dir, "77.jpg") // also page 0

	_, err := NewMediaCollector().Collect(dir, "77")
	require.Error(t, err)

	var itemErr *ScanItemError
	require.ErrorAs(t, err, &itemErr)
	assert.Equal(t, "77", itemErr.ID)
	assert.Contains(t, itemErr.Message, "duplicate page index 0")
}

func TestCollect_NoMatchesIsError(t *testing.T) {
	dir := t.TempDir()
	touchFile(t, dir, "99_p0.png")

	_, err := NewMediaCollector().Collect(dir, "77")
	require.Error(t, err)
}

func TestCollect_ExtensionAllowList(t *testing.T) {
	dir := t.TempDir()
	touchFile(t, dir, "5_p0.png")
	touchFile(t, dir, "5_p1.psd")
	touchFile(t, dir, "5_p2.mp4")

	files, err := NewMediaCollector().Collect(dir, "5")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, 0, files[0].SortOrder)
	assert.Equal(t, 2, files[1].SortOrder)
}

func TestPathParser(t *testing.T) {
	p := NewPathParser()

	hints := p.Parse("/archive/alice (42)/Sunset Study (123)")
	assert.Equal(t, "alice", hints.ArtistName)
	assert.Equal(t, "42", hints.ArtistID)
	assert.Equal(t, "Sunset Study", hints.Title)
	assert.Equal(t, "123", hints.ExternalID)

	hints = p.Parse("/archive/loose-folder")
	assert.Equal(t, "loose-folder", hints.Title)
	assert.Empty(t, hints.ExternalID)
}
