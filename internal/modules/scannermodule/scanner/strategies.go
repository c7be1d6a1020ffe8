package scanner

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/galleria-app/galleria/internal/database"
	"github.com/galleria-app/galleria/internal/logger"
)

// ScanStrategy is the contract every scan variant implements. Strategies are
// selected by ScanType and dispatched by the orchestrator.
type ScanStrategy interface {
	Name() ScanType
	Description() string
	Validate(opts ScanOptions) error
	EstimatedDuration(opts ScanOptions) time.Duration
	Execute(rc *runContext) error
}

// metaEntry is one discovered metadata file.
type metaEntry struct {
	path       string
	dir        string
	externalID string
}

// runContext carries all per-run state: options, the batch processor with its
// entity mapping, the worker pool, the tracker, error list and duplicate
// bookkeeping. It exists only for the run's lifetime; nothing in it is global.
type runContext struct {
	opts      ScanOptions
	batch     *StreamingBatchProcessor
	workers   *AdaptiveConcurrencyController
	tracker   *ProgressTracker
	optimizer *DatabaseOptimizer

	parser    *MetadataParser
	collector *MediaCollector
	pathParse *PathParser

	// existing holds external ids already committed before this run.
	existing map[string]bool

	// seen maps external id -> first metadata file path, for duplicate detection.
	seenMu sync.Mutex
	seen   map[string]string

	errMu  sync.Mutex
	errors []string

	skipped   atomic.Int64
	cancelled atomic.Bool

	// Progress window for re-weighting multi-phase strategies into one
	// 0-100 scale.
	windowMu     sync.Mutex
	windowOffset float64
	windowScale  float64
}

func (rc *runContext) recordError(err error) {
	rc.errMu.Lock()
	defer rc.errMu.Unlock()
	rc.errors = append(rc.errors, err.Error())
	logger.Debug("scan item error: %v", err)
}

func (rc *runContext) errorList() []string {
	rc.errMu.Lock()
	defer rc.errMu.Unlock()
	return append([]string(nil), rc.errors...)
}

// claimExternalID registers an external id for this run. The first claimant
// wins; later claims record a duplicate-id error naming both paths.
func (rc *runContext) claimExternalID(id, path string) bool {
	rc.seenMu.Lock()
	defer rc.seenMu.Unlock()
	if firstPath, dup := rc.seen[id]; dup {
		rc.errMu.Lock()
		rc.errors = append(rc.errors, fmt.Sprintf(
			"duplicate artwork id %s: kept %s, ignored %s", id, firstPath, path))
		rc.errMu.Unlock()
		return false
	}
	rc.seen[id] = path
	return true
}

func (rc *runContext) setWindow(offset, scale float64) {
	rc.windowMu.Lock()
	rc.windowOffset = offset
	rc.windowScale = scale
	rc.windowMu.Unlock()
}

func (rc *runContext) scalePercentage(p float64) float64 {
	rc.windowMu.Lock()
	defer rc.windowMu.Unlock()
	return rc.windowOffset + p*rc.windowScale
}

// discoverMetadataFiles walks the tree under root collecting metadata files.
// Per-directory read failures are recorded and skipped; only an unreadable
// root is fatal.
func discoverMetadataFiles(rc *runContext, root string) ([]metaEntry, error) {
	rootEntries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read scan root %s: %w", root, err)
	}

	var found []metaEntry
	var walk func(dir string, entries []os.DirEntry)
	walk = func(dir string, entries []os.DirEntry) {
		for _, entry := range entries {
			if entry.IsDir() {
				sub := filepath.Join(dir, entry.Name())
				subEntries, err := os.ReadDir(sub)
				if err != nil {
					rc.recordError(&ScanItemError{Path: sub, Message: err.Error()})
					continue
				}
				walk(sub, subEntries)
				continue
			}
			if id, ok := IsMetadataFile(entry.Name()); ok {
				found = append(found, metaEntry{
					path:       filepath.Join(dir, entry.Name()),
					dir:        dir,
					externalID: id,
				})
			}
		}
	}
	walk(root, rootEntries)
	return found, nil
}

// preloadExistingArtworks populates rc.existing with external ids already in
// the store, so unchanged artworks are skipped instead of re-staged.
func preloadExistingArtworks(rc *runContext) error {
	var ids []string
	if err := rc.optimizer.DB().Model(&database.Artwork{}).Pluck("external_id", &ids).Error; err != nil {
		return fmt.Errorf("failed to preload existing artworks: %w", err)
	}
	for _, id := range ids {
		rc.existing[id] = true
	}
	return nil
}

// stageMetadata stages the artist, artwork, tag and join records for one
// parsed metadata file.
func stageMetadata(rc *runContext, entry metaEntry, md *ArtworkMetadata, imageCount int) {
	artistName := md.UserName
	artistUserID := md.UserID
	if artistName == "" && artistUserID == "" {
		hints := rc.pathParse.Parse(entry.dir)
		artistName = hints.ArtistName
		artistUserID = hints.ArtistID
	}

	rc.batch.AddArtist(&database.Artist{
		Name:     artistName,
		Username: artistName,
		UserID:   artistUserID,
	})

	artwork := database.Artwork{
		Title:         md.Title,
		Description:   md.Description,
		ExternalID:    md.ExternalID,
		SourceURL:     md.SourceURL,
		ThumbnailURL:  md.ThumbnailURL,
		XRestrict:     md.XRestrict,
		AIGenerated:   md.AIGenerated,
		Size:          md.Size,
		BookmarkCount: md.BookmarkCount,
		SourceDate:    md.SourceDate,
		ImageCount:    imageCount,
	}
	if info, err := os.Stat(entry.dir); err == nil {
		mod := info.ModTime()
		artwork.DirectoryCreatedAt = &mod
	}

	rc.batch.AddArtwork(&ArtworkRecord{
		Artwork:   artwork,
		ArtistKey: ArtistKey(artistUserID, artistName),
	})

	for _, tag := range md.Tags {
		rc.batch.AddTag(&database.Tag{Name: tag})
		rc.batch.AddArtworkTag(&ArtworkTagRecord{
			ArtworkExternalID: md.ExternalID,
			TagName:           tag,
		})
	}
}

// stageImages stages image records for one artwork's media files.
func stageImages(rc *runContext, externalID string, files []MediaFile) {
	for _, f := range files {
		rc.batch.AddImage(&ImageRecord{
			Image: database.Image{
				Path:      f.Path,
				Size:      f.Size,
				SortOrder: f.SortOrder,
			},
			ArtworkExternalID: externalID,
		})
	}
}

// countMediaFiles counts the media files belonging to an artwork without
// staging them; association failures are not errors in metadata-only scope.
func countMediaFiles(rc *runContext, entry metaEntry) int {
	files, err := rc.collector.Collect(entry.dir, entry.externalID)
	if err != nil {
		return 0
	}
	return len(files)
}

// MetadataStrategy discovers and ingests metadata files only: artists,
// artworks, tags and joins, no image rows.
type MetadataStrategy struct{}

func (s *MetadataStrategy) Name() ScanType      { return ScanTypeMetadata }
func (s *MetadataStrategy) Description() string { return "ingest metadata files only" }

func (s *MetadataStrategy) Validate(opts ScanOptions) error {
	return validateScanPath(opts.Path)
}

func (s *MetadataStrategy) EstimatedDuration(opts ScanOptions) time.Duration {
	return time.Minute
}

func (s *MetadataStrategy) Execute(rc *runContext) error {
	entries, err := runDiscovery(rc)
	if err != nil {
		return err
	}

	if rc.cancelled.Load() {
		return nil
	}

	rc.tracker.SetPhase(PhaseScanning, "ingesting metadata")
	rc.tracker.SetTotal(int64(len(entries)))

	var processed atomic.Int64
	tasks := make([]Task, 0, len(entries))
	for _, entry := range entries {
		entry := entry
		tasks = append(tasks, func() (interface{}, error) {
			defer func() {
				rc.tracker.Update(processed.Add(1), "")
			}()
			processMetadataEntry(rc, entry, false)
			return nil, nil
		})
	}
	rc.workers.ExecuteAllSettled(tasks)

	return nil
}

// processMetadataEntry parses and stages one metadata file. withImages also
// associates and stages the sibling media files (unified scope).
func processMetadataEntry(rc *runContext, entry metaEntry, withImages bool) {
	if rc.cancelled.Load() {
		return
	}
	if !rc.claimExternalID(entry.externalID, entry.path) {
		return
	}
	if rc.existing[entry.externalID] && !rc.opts.ForceUpdate {
		rc.skipped.Add(1)
		return
	}

	md, err := rc.parser.ParseFile(entry.path)
	if err != nil {
		rc.recordError(err)
		return
	}

	if withImages {
		files, err := rc.collector.Collect(entry.dir, entry.externalID)
		if err != nil {
			rc.recordError(err)
			// Metadata is still worth keeping when association fails.
			stageMetadata(rc, entry, md, 0)
			return
		}
		stageMetadata(rc, entry, md, len(files))
		stageImages(rc, entry.externalID, files)
		return
	}

	stageMetadata(rc, entry, md, countMediaFiles(rc, entry))
}

// runDiscovery runs the counting phase: walk the tree, preload known ids.
func runDiscovery(rc *runContext) ([]metaEntry, error) {
	rc.tracker.SetPhase(PhaseCounting, "discovering metadata files")

	entries, err := discoverMetadataFiles(rc, rc.opts.Path)
	if err != nil {
		return nil, err
	}
	rc.tracker.Update(int64(len(entries)), fmt.Sprintf("found %d metadata files", len(entries)))

	if err := preloadExistingArtworks(rc); err != nil {
		return nil, err
	}
	return entries, nil
}

// MediaStrategy associates media files for artworks that already have an
// external id, staging image rows only.
type MediaStrategy struct{}

func (s *MediaStrategy) Name() ScanType      { return ScanTypeMedia }
func (s *MediaStrategy) Description() string { return "associate media files for known artworks" }

func (s *MediaStrategy) Validate(opts ScanOptions) error {
	return validateScanPath(opts.Path)
}

func (s *MediaStrategy) EstimatedDuration(opts ScanOptions) time.Duration {
	return 2 * time.Minute
}

func (s *MediaStrategy) Execute(rc *runContext) error {
	rc.tracker.SetPhase(PhaseCounting, "discovering media directories")

	entries, err := discoverMetadataFiles(rc, rc.opts.Path)
	if err != nil {
		return err
	}

	// The mapping is per-run; artwork ids are re-populated from the store by
	// explicit lookup, never carried over.
	var artworks []database.Artwork
	if err := rc.optimizer.DB().Select("id", "external_id").Find(&artworks).Error; err != nil {
		return fmt.Errorf("failed to load artworks: %w", err)
	}
	for _, a := range artworks {
		rc.batch.Mapping().SetArtwork(a.ExternalID, a.ID)
	}

	if rc.cancelled.Load() {
		return nil
	}

	rc.tracker.SetPhase(PhaseScanning, "associating media files")
	rc.tracker.SetTotal(int64(len(entries)))

	var processed atomic.Int64
	tasks := make([]Task, 0, len(entries))
	for _, entry := range entries {
		entry := entry
		tasks = append(tasks, func() (interface{}, error) {
			defer func() {
				rc.tracker.Update(processed.Add(1), "")
			}()
			if rc.cancelled.Load() {
				return nil, nil
			}
			if _, known := rc.batch.Mapping().ResolveArtwork(entry.externalID); !known {
				rc.skipped.Add(1)
				return nil, nil
			}
			files, err := rc.collector.Collect(entry.dir, entry.externalID)
			if err != nil {
				rc.recordError(err)
				return nil, nil
			}
			stageImages(rc, entry.externalID, files)
			return nil, nil
		})
	}
	rc.workers.ExecuteAllSettled(tasks)

	return nil
}

// FullStrategy runs the metadata pass then the media pass, re-weighting both
// into a single 0-100 scale. The media pass is skipped when it cannot find
// anything: no new artworks this run and none pre-existing.
type FullStrategy struct {
	metadata MetadataStrategy
	media    MediaStrategy
}

func (s *FullStrategy) Name() ScanType      { return ScanTypeFull }
func (s *FullStrategy) Description() string { return "metadata pass followed by media pass" }

func (s *FullStrategy) Validate(opts ScanOptions) error {
	return validateScanPath(opts.Path)
}

func (s *FullStrategy) EstimatedDuration(opts ScanOptions) time.Duration {
	return s.metadata.EstimatedDuration(opts) + s.media.EstimatedDuration(opts)
}

func (s *FullStrategy) Execute(rc *runContext) error {
	rc.setWindow(0, 0.5)
	if err := s.metadata.Execute(rc); err != nil {
		return err
	}

	if rc.cancelled.Load() {
		return nil
	}

	// Flush the metadata pass before the media pass starts so artwork ids
	// are resolvable and the skip rule sees accurate counts.
	midStats := rc.batch.Finalize()
	hadExisting := len(rc.existing) > 0

	rc.setWindow(50, 0.5)
	if midStats.ArtworksCreated == 0 && !hadExisting && rc.batch.Mapping().ArtworkCount() == 0 {
		logger.Debug("full scan: media pass skipped, nothing to associate")
		rc.tracker.SetPhase(PhaseScanning, "media pass skipped")
		return nil
	}

	return s.media.Execute(rc)
}

// UnifiedStrategy ingests metadata and sibling media in a single pass per
// directory, avoiding the two-phase re-scan.
type UnifiedStrategy struct{}

func (s *UnifiedStrategy) Name() ScanType      { return ScanTypeUnified }
func (s *UnifiedStrategy) Description() string { return "single-pass metadata and media ingest" }

func (s *UnifiedStrategy) Validate(opts ScanOptions) error {
	return validateScanPath(opts.Path)
}

func (s *UnifiedStrategy) EstimatedDuration(opts ScanOptions) time.Duration {
	return 90 * time.Second
}

func (s *UnifiedStrategy) Execute(rc *runContext) error {
	entries, err := runDiscovery(rc)
	if err != nil {
		return err
	}

	if rc.cancelled.Load() {
		return nil
	}

	rc.tracker.SetPhase(PhaseScanning, "ingesting artworks")
	rc.tracker.SetTotal(int64(len(entries)))

	var processed atomic.Int64
	tasks := make([]Task, 0, len(entries))
	for _, entry := range entries {
		entry := entry
		tasks = append(tasks, func() (interface{}, error) {
			defer func() {
				rc.tracker.Update(processed.Add(1), "")
			}()
			processMetadataEntry(rc, entry, true)
			return nil, nil
		})
	}
	rc.workers.ExecuteAllSettled(tasks)

	return nil
}

func validateScanPath(path string) error {
	if path == "" {
		return fmt.Errorf("scan path is required")
	}
	if !filepath.IsAbs(path) {
		return fmt.Errorf("scan path must be absolute: %s", path)
	}
	return nil
}
