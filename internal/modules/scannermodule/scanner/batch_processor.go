package scanner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/galleria-app/galleria/internal/database"
	"gorm.io/gorm"
)

// BatchStats are the aggregate counts returned by Finalize.
type BatchStats struct {
	ArtistsCreated     int64         `json:"artists_created"`
	ArtistsSkipped     int64         `json:"artists_skipped"`
	ArtworksCreated    int64         `json:"artworks_created"`
	ArtworksSkipped    int64         `json:"artworks_skipped"`
	ImagesCreated      int64         `json:"images_created"`
	ImagesSkipped      int64         `json:"images_skipped"`
	TagsCreated        int64         `json:"tags_created"`
	TagsSkipped        int64         `json:"tags_skipped"`
	ArtworkTagsCreated int64         `json:"artwork_tags_created"`
	ErrorCount         int64         `json:"error_count"`
	Errors             []string      `json:"errors"`
	ItemsProcessed     int64         `json:"items_processed"`
	Elapsed            time.Duration `json:"elapsed"`
}

// StreamingBatchProcessor decouples high-frequency record staging from bulk
// database writes while keeping referential order correct. Five per-type
// micro-batch buffers fill independently; a full buffer is swapped for an
// empty one and handed to the flush queue. A flush whose foreign keys are
// not yet resolvable fails with UnresolvedDependencyError and is retried by
// the queue rather than scheduled after a computed dependency graph.
type StreamingBatchProcessor struct {
	optimizer      *DatabaseOptimizer
	mapping        *EntityMapping
	flushQueue     *AsyncFlushQueue
	microBatchSize int
	ctx            context.Context

	mu          sync.Mutex
	artists     []*database.Artist
	artworks    []*ArtworkRecord
	images      []*ImageRecord
	tags        []*database.Tag
	artworkTags []*ArtworkTagRecord

	artistsCreated     atomic.Int64
	artistsSkipped     atomic.Int64
	artworksCreated    atomic.Int64
	artworksSkipped    atomic.Int64
	imagesCreated      atomic.Int64
	imagesSkipped      atomic.Int64
	tagsCreated        atomic.Int64
	tagsSkipped        atomic.Int64
	artworkTagsCreated atomic.Int64

	processed atomic.Int64

	errMu  sync.Mutex
	errors []string

	startTime time.Time
}

// NewStreamingBatchProcessor creates a processor flushing micro-batches of
// microBatchSize records through at most maxConcurrentFlushes parallel flushes.
func NewStreamingBatchProcessor(ctx context.Context, optimizer *DatabaseOptimizer, microBatchSize, maxConcurrentFlushes int) *StreamingBatchProcessor {
	if microBatchSize < 1 {
		microBatchSize = 50
	}

	p := &StreamingBatchProcessor{
		optimizer:      optimizer,
		mapping:        NewEntityMapping(),
		microBatchSize: microBatchSize,
		ctx:            ctx,
		startTime:      time.Now(),
	}
	p.flushQueue = NewAsyncFlushQueue(maxConcurrentFlushes,
		func(items int) { p.processed.Add(int64(items)) },
		p.recordFlushFailure,
	)
	return p
}

// Mapping exposes the per-run entity mapping.
func (p *StreamingBatchProcessor) Mapping() *EntityMapping {
	return p.mapping
}

func (p *StreamingBatchProcessor) recordFlushFailure(name string, items int, err error) {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	p.errors = append(p.errors, fmt.Sprintf("%s flush failed (%d items): %v", name, items, err))
}

// AddArtist stages one artist record.
func (p *StreamingBatchProcessor) AddArtist(a *database.Artist) {
	p.mu.Lock()
	p.artists = append(p.artists, a)
	if len(p.artists) >= p.microBatchSize {
		batch := p.artists
		p.artists = nil
		p.mu.Unlock()
		p.enqueueArtists(batch)
		return
	}
	p.mu.Unlock()
}

// AddArtwork stages one artwork record.
func (p *StreamingBatchProcessor) AddArtwork(r *ArtworkRecord) {
	p.mu.Lock()
	p.artworks = append(p.artworks, r)
	if len(p.artworks) >= p.microBatchSize {
		batch := p.artworks
		p.artworks = nil
		p.mu.Unlock()
		p.enqueueArtworks(batch)
		return
	}
	p.mu.Unlock()
}

// AddImage stages one image record.
func (p *StreamingBatchProcessor) AddImage(r *ImageRecord) {
	p.mu.Lock()
	p.images = append(p.images, r)
	if len(p.images) >= p.microBatchSize {
		batch := p.images
		p.images = nil
		p.mu.Unlock()
		p.enqueueImages(batch)
		return
	}
	p.mu.Unlock()
}

// AddTag stages one tag record.
func (p *StreamingBatchProcessor) AddTag(t *database.Tag) {
	p.mu.Lock()
	p.tags = append(p.tags, t)
	if len(p.tags) >= p.microBatchSize {
		batch := p.tags
		p.tags = nil
		p.mu.Unlock()
		p.enqueueTags(batch)
		return
	}
	p.mu.Unlock()
}

// AddArtworkTag stages one artwork-tag join record.
func (p *StreamingBatchProcessor) AddArtworkTag(r *ArtworkTagRecord) {
	p.mu.Lock()
	p.artworkTags = append(p.artworkTags, r)
	if len(p.artworkTags) >= p.microBatchSize {
		batch := p.artworkTags
		p.artworkTags = nil
		p.mu.Unlock()
		p.enqueueArtworkTags(batch)
		return
	}
	p.mu.Unlock()
}

func (p *StreamingBatchProcessor) enqueueArtists(batch []*database.Artist) {
	p.flushQueue.Enqueue("artist", len(batch), func() error {
		return p.flushArtists(batch)
	})
}

func (p *StreamingBatchProcessor) enqueueArtworks(batch []*ArtworkRecord) {
	p.flushQueue.Enqueue("artwork", len(batch), func() error {
		return p.flushArtworks(batch)
	})
}

func (p *StreamingBatchProcessor) enqueueImages(batch []*ImageRecord) {
	p.flushQueue.Enqueue("image", len(batch), func() error {
		return p.flushImages(batch)
	})
}

func (p *StreamingBatchProcessor) enqueueTags(batch []*database.Tag) {
	p.flushQueue.Enqueue("tag", len(batch), func() error {
		return p.flushTags(batch)
	})
}

func (p *StreamingBatchProcessor) enqueueArtworkTags(batch []*ArtworkTagRecord) {
	p.flushQueue.Enqueue("artwork_tag", len(batch), func() error {
		return p.flushArtworkTags(batch)
	})
}

// flushArtists inserts with duplicate-skip semantics and merges generated ids
// into the entity mapping, looking up pre-existing rows for skipped inserts.
func (p *StreamingBatchProcessor) flushArtists(batch []*database.Artist) error {
	created, err := p.optimizer.BatchCreateAndReturn(p.ctx, "artists.create", &batch)
	if err != nil {
		return err
	}
	p.artistsCreated.Add(created)
	p.artistsSkipped.Add(int64(len(batch)) - created)

	userIDs := make([]string, 0, len(batch))
	names := make([]string, 0, len(batch))
	for _, a := range batch {
		if a.ID != 0 {
			p.mapping.SetArtist(a.UserID, a.Name, a.ID)
			continue
		}
		if a.UserID != "" {
			userIDs = append(userIDs, a.UserID)
		} else {
			names = append(names, a.Name)
		}
	}
	if len(userIDs) == 0 && len(names) == 0 {
		return nil
	}

	return p.optimizer.ExecuteOptimized(p.ctx, "artists.resolve", func(db *gorm.DB) error {
		var existing []database.Artist
		query := db.Model(&database.Artist{})
		switch {
		case len(userIDs) > 0 && len(names) > 0:
			query = query.Where("user_id IN ?", userIDs).Or("name IN ?", names)
		case len(userIDs) > 0:
			query = query.Where("user_id IN ?", userIDs)
		default:
			query = query.Where("name IN ?", names)
		}
		if err := query.Find(&existing).Error; err != nil {
			return err
		}
		for _, a := range existing {
			p.mapping.SetArtist(a.UserID, a.Name, a.ID)
		}
		return nil
	})
}

// flushArtworks resolves artist foreign keys through the mapping before
// insertion; an unresolved artist fails the whole batch so the queue retries
// it after the artist flush lands.
func (p *StreamingBatchProcessor) flushArtworks(batch []*ArtworkRecord) error {
	rows := make([]*database.Artwork, len(batch))
	for i, r := range batch {
		artistID, ok := p.mapping.ResolveArtist(r.ArtistKey)
		if !ok {
			return &UnresolvedDependencyError{EntityType: "artist", Key: r.ArtistKey}
		}
		row := r.Artwork
		row.ArtistID = artistID
		rows[i] = &row
	}

	created, err := p.optimizer.BatchCreateAndReturn(p.ctx, "artworks.create", &rows)
	if err != nil {
		return err
	}
	p.artworksCreated.Add(created)
	p.artworksSkipped.Add(int64(len(rows)) - created)

	missing := make([]string, 0)
	for _, row := range rows {
		if row.ID != 0 {
			p.mapping.SetArtwork(row.ExternalID, row.ID)
		} else {
			missing = append(missing, row.ExternalID)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	return p.optimizer.ExecuteOptimized(p.ctx, "artworks.resolve", func(db *gorm.DB) error {
		var existing []database.Artwork
		if err := db.Where("external_id IN ?", missing).Find(&existing).Error; err != nil {
			return err
		}
		for _, a := range existing {
			p.mapping.SetArtwork(a.ExternalID, a.ID)
		}
		return nil
	})
}

// flushImages resolves owning artwork ids through the mapping; duplicates on
// (artwork, sort_order) are skipped by the store.
func (p *StreamingBatchProcessor) flushImages(batch []*ImageRecord) error {
	rows := make([]*database.Image, len(batch))
	for i, r := range batch {
		artworkID, ok := p.mapping.ResolveArtwork(r.ArtworkExternalID)
		if !ok {
			return &UnresolvedDependencyError{EntityType: "artwork", Key: r.ArtworkExternalID}
		}
		row := r.Image
		row.ArtworkID = artworkID
		rows[i] = &row
	}

	created, err := p.optimizer.BatchCreate(p.ctx, "images.create", &rows)
	if err != nil {
		return err
	}
	p.imagesCreated.Add(created)
	p.imagesSkipped.Add(int64(len(rows)) - created)
	return nil
}

// flushTags inserts with duplicate-skip semantics and merges ids into the
// mapping. Tag names are case-sensitive unique keys.
func (p *StreamingBatchProcessor) flushTags(batch []*database.Tag) error {
	created, err := p.optimizer.BatchCreateAndReturn(p.ctx, "tags.create", &batch)
	if err != nil {
		return err
	}
	p.tagsCreated.Add(created)
	p.tagsSkipped.Add(int64(len(batch)) - created)

	missing := make([]string, 0)
	for _, t := range batch {
		if t.ID != 0 {
			p.mapping.SetTag(t.Name, t.ID)
		} else {
			missing = append(missing, t.Name)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	return p.optimizer.ExecuteOptimized(p.ctx, "tags.resolve", func(db *gorm.DB) error {
		var existing []database.Tag
		if err := db.Where("name IN ?", missing).Find(&existing).Error; err != nil {
			return err
		}
		for _, t := range existing {
			p.mapping.SetTag(t.Name, t.ID)
		}
		return nil
	})
}

// flushArtworkTags resolves both sides of the join through the mapping.
// Duplicate joins are a no-op at the store.
func (p *StreamingBatchProcessor) flushArtworkTags(batch []*ArtworkTagRecord) error {
	rows := make([]*database.ArtworkTag, len(batch))
	for i, r := range batch {
		artworkID, ok := p.mapping.ResolveArtwork(r.ArtworkExternalID)
		if !ok {
			return &UnresolvedDependencyError{EntityType: "artwork", Key: r.ArtworkExternalID}
		}
		tagID, ok := p.mapping.ResolveTag(r.TagName)
		if !ok {
			return &UnresolvedDependencyError{EntityType: "tag", Key: r.TagName}
		}
		rows[i] = &database.ArtworkTag{ArtworkID: artworkID, TagID: tagID}
	}

	created, err := p.optimizer.BatchCreate(p.ctx, "artwork_tags.create", &rows)
	if err != nil {
		return err
	}
	p.artworkTagsCreated.Add(created)
	return nil
}

// Finalize flushes all partial buffers, waits for the flush queue to drain
// (retries included), and returns aggregate counts.
func (p *StreamingBatchProcessor) Finalize() BatchStats {
	p.mu.Lock()
	artists := p.artists
	artworks := p.artworks
	images := p.images
	tags := p.tags
	artworkTags := p.artworkTags
	p.artists, p.artworks, p.images, p.tags, p.artworkTags = nil, nil, nil, nil, nil
	p.mu.Unlock()

	if len(artists) > 0 {
		p.enqueueArtists(artists)
	}
	if len(tags) > 0 {
		p.enqueueTags(tags)
	}
	if len(artworks) > 0 {
		p.enqueueArtworks(artworks)
	}
	if len(images) > 0 {
		p.enqueueImages(images)
	}
	if len(artworkTags) > 0 {
		p.enqueueArtworkTags(artworkTags)
	}

	p.flushQueue.Drain()
	return p.Stats()
}

// Stats returns the current aggregate counts without waiting.
func (p *StreamingBatchProcessor) Stats() BatchStats {
	p.errMu.Lock()
	errs := append([]string(nil), p.errors...)
	p.errMu.Unlock()

	return BatchStats{
		ArtistsCreated:     p.artistsCreated.Load(),
		ArtistsSkipped:     p.artistsSkipped.Load(),
		ArtworksCreated:    p.artworksCreated.Load(),
		ArtworksSkipped:    p.artworksSkipped.Load(),
		ImagesCreated:      p.imagesCreated.Load(),
		ImagesSkipped:      p.imagesSkipped.Load(),
		TagsCreated:        p.tagsCreated.Load(),
		TagsSkipped:        p.tagsSkipped.Load(),
		ArtworkTagsCreated: p.artworkTagsCreated.Load(),
		ErrorCount:         int64(len(errs)),
		Errors:             errs,
		ItemsProcessed:     p.processed.Load(),
		Elapsed:            time.Since(p.startTime),
	}
}

// QueueLength reports the flush queue backlog for the performance monitor.
func (p *StreamingBatchProcessor) QueueLength() int {
	return p.flushQueue.QueueLength()
}

// ActiveFlushes reports currently-executing flush attempts.
func (p *StreamingBatchProcessor) ActiveFlushes() int {
	return p.flushQueue.Active()
}

// FailureRate reports the flush queue's terminal failure rate.
func (p *StreamingBatchProcessor) FailureRate() float64 {
	return p.flushQueue.FailureRate()
}
