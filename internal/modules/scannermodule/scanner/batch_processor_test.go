package scanner

import (
	"context"
	"testing"
	"time"

	"github.com/galleria-app/galleria/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProcessor(t *testing.T, o *DatabaseOptimizer, microBatchSize int) *StreamingBatchProcessor {
	t.Helper()
	p := NewStreamingBatchProcessor(context.Background(), o, microBatchSize, 2)
	p.flushQueue.SetBackoff(time.Millisecond)
	return p
}

// stageArtwork123 stages the canonical one-artwork scenario: one artist, one
// artwork with two images and two tags.
func stageArtwork123(p *StreamingBatchProcessor) {
	p.AddArtist(&database.Artist{Name: "alice", Username: "alice", UserID: "42"})
	p.AddArtwork(&ArtworkRecord{
		Artwork:   database.Artwork{Title: "Sunset Study", ExternalID: "123", ImageCount: 2},
		ArtistKey: ArtistKey("42", "alice"),
	})
	for _, tag := range []string{"landscape", "sunset"} {
		p.AddTag(&database.Tag{Name: tag})
		p.AddArtworkTag(&ArtworkTagRecord{ArtworkExternalID: "123", TagName: tag})
	}
	p.AddImage(&ImageRecord{Image: database.Image{Path: "/a/123_p0.png", SortOrder: 0}, ArtworkExternalID: "123"})
	p.AddImage(&ImageRecord{Image: database.Image{Path: "/a/123_p1.png", SortOrder: 1}, ArtworkExternalID: "123"})
}

func TestBatchProcessor_SingleArtworkScenario(t *testing.T) {
	db := setupTestDB(t)
	o := newTestOptimizer(t, db)
	p := newTestProcessor(t, o, 100)

	stageArtwork123(p)
	stats := p.Finalize()

	assert.Equal(t, int64(1), stats.ArtistsCreated)
	assert.Equal(t, int64(1), stats.ArtworksCreated)
	assert.Equal(t, int64(2), stats.ImagesCreated)
	assert.Equal(t, int64(2), stats.TagsCreated)
	assert.Equal(t, int64(2), stats.ArtworkTagsCreated)
	assert.Zero(t, stats.ErrorCount)

	var artwork database.Artwork
	require.NoError(t, db.Where("external_id = ?", "123").First(&artwork).Error)
	assert.NotZero(t, artwork.ArtistID)

	var images []database.Image
	require.NoError(t, db.Where("artwork_id = ?", artwork.ID).Order("sort_order").Find(&images).Error)
	require.Len(t, images, 2)
	assert.Equal(t, 0, images[0].SortOrder)
	assert.Equal(t, 1, images[1].SortOrder)

	var joinCount int64
	db.Model(&database.ArtworkTag{}).Where("artwork_id = ?", artwork.ID).Count(&joinCount)
	assert.Equal(t, int64(2), joinCount)
}

func TestBatchProcessor_DependencyRetry(t *testing.T) {
	db := setupTestDB(t)
	o := newTestOptimizer(t, db)
	// Micro-batch of one forces the artwork flush to run before the artist
	// flush can possibly land; the retry resolves it.
	p := newTestProcessor(t, o, 1)
	// Generous backoff so the artist flush always lands before retries run out.
	p.flushQueue.SetBackoff(50 * time.Millisecond)

	p.AddArtwork(&ArtworkRecord{
		Artwork:   database.Artwork{Title: "Early", ExternalID: "200"},
		ArtistKey: ArtistKey("77", "bob"),
	})
	p.AddArtist(&database.Artist{Name: "bob", Username: "bob", UserID: "77"})

	stats := p.Finalize()
	assert.Equal(t, int64(1), stats.ArtistsCreated)
	assert.Equal(t, int64(1), stats.ArtworksCreated, "errors: %v", stats.Errors)
}

func TestBatchProcessor_UnresolvableDependencyFailsBatch(t *testing.T) {
	db := setupTestDB(t)
	o := newTestOptimizer(t, db)
	p := newTestProcessor(t, o, 1)

	p.AddImage(&ImageRecord{Image: database.Image{Path: "/x.png"}, ArtworkExternalID: "never-exists"})

	stats := p.Finalize()
	assert.Zero(t, stats.ImagesCreated)
	require.Equal(t, int64(1), stats.ErrorCount)
	assert.Contains(t, stats.Errors[0], "image flush failed")
}

func TestBatchProcessor_RerunSkipsDuplicates(t *testing.T) {
	db := setupTestDB(t)
	o := newTestOptimizer(t, db)

	first := newTestProcessor(t, o, 100)
	stageArtwork123(first)
	stats := first.Finalize()
	require.Zero(t, stats.ErrorCount)

	second := newTestProcessor(t, o, 100)
	stageArtwork123(second)
	stats = second.Finalize()

	assert.Zero(t, stats.ArtistsCreated)
	assert.Equal(t, int64(1), stats.ArtistsSkipped)
	assert.Zero(t, stats.ArtworksCreated)
	assert.Equal(t, int64(1), stats.ArtworksSkipped)
	assert.Zero(t, stats.ImagesCreated)
	assert.Zero(t, stats.TagsCreated)
	assert.Zero(t, stats.ErrorCount, "errors: %v", stats.Errors)

	var artworkCount, imageCount int64
	db.Model(&database.Artwork{}).Count(&artworkCount)
	db.Model(&database.Image{}).Count(&imageCount)
	assert.Equal(t, int64(1), artworkCount)
	assert.Equal(t, int64(2), imageCount)
}

func TestBatchProcessor_MicroBatchTriggersEarlyFlush(t *testing.T) {
	db := setupTestDB(t)
	o := newTestOptimizer(t, db)
	p := newTestProcessor(t, o, 2)

	p.AddTag(&database.Tag{Name: "one"})
	p.AddTag(&database.Tag{Name: "two"}) // fills the buffer, flush enqueued

	require.Eventually(t, func() bool {
		var count int64
		db.Model(&database.Tag{}).Count(&count)
		return count == 2
	}, time.Second, 5*time.Millisecond)

	stats := p.Finalize()
	assert.Equal(t, int64(2), stats.TagsCreated)
}

func TestBatchProcessor_ItemsProcessedCountsTerminalTasks(t *testing.T) {
	db := setupTestDB(t)
	o := newTestOptimizer(t, db)
	p := newTestProcessor(t, o, 100)

	stageArtwork123(p)
	stats := p.Finalize()

	// 1 artist + 1 artwork + 2 images + 2 tags + 2 joins.
	assert.Equal(t, int64(8), stats.ItemsProcessed)
}
