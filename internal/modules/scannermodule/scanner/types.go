package scanner

import (
	"fmt"
	"time"

	"github.com/galleria-app/galleria/internal/database"
)

// ScanType selects which scan strategy the orchestrator runs.
type ScanType string

const (
	ScanTypeMetadata ScanType = "metadata"
	ScanTypeMedia    ScanType = "media"
	ScanTypeFull     ScanType = "full"
	ScanTypeUnified  ScanType = "unified"
)

// ValidScanType reports whether t names a known strategy.
func ValidScanType(t ScanType) bool {
	switch t {
	case ScanTypeMetadata, ScanTypeMedia, ScanTypeFull, ScanTypeUnified:
		return true
	}
	return false
}

// ScanOptions are the caller-supplied knobs for one scan run.
type ScanOptions struct {
	Path                 string   `json:"path"`
	ScanType             ScanType `json:"scan_type,omitempty"`
	ForceUpdate          bool     `json:"force_update,omitempty"`
	MaxConcurrency       int      `json:"max_concurrency,omitempty"`
	BatchSize            int      `json:"batch_size,omitempty"`
	StreamBufferSize     int      `json:"stream_buffer_size,omitempty"`
	MemoryThresholdBytes int64    `json:"memory_threshold_bytes,omitempty"`
}

// ScanPhase identifies the coarse stage a scan is in.
type ScanPhase string

const (
	PhaseCounting ScanPhase = "counting"
	PhaseScanning ScanPhase = "scanning"
	PhaseCleanup  ScanPhase = "cleanup"
	PhaseComplete ScanPhase = "complete"
)

// ProgressUpdate is one progress event emitted during a scan.
type ProgressUpdate struct {
	Phase      ScanPhase `json:"phase"`
	Message    string    `json:"message"`
	Current    int64     `json:"current,omitempty"`
	Total      int64     `json:"total,omitempty"`
	Percentage float64   `json:"percentage"`
}

// ProgressFunc receives progress updates during a scan run.
type ProgressFunc func(ProgressUpdate)

// ScanResult is the terminal outcome of one scan run.
type ScanResult struct {
	TotalArtworks    int      `json:"total_artworks"`
	NewArtists       int      `json:"new_artists"`
	NewArtworks      int      `json:"new_artworks"`
	NewImages        int      `json:"new_images"`
	NewTags          int      `json:"new_tags"`
	SkippedArtworks  int      `json:"skipped_artworks"`
	RemovedArtworks  int      `json:"removed_artworks"`
	Errors           []string `json:"errors"`
	ProcessingTimeMs int64    `json:"processing_time_ms"`
}

// ArtworkMetadata is the fixed output contract of the metadata parser.
type ArtworkMetadata struct {
	ExternalID    string
	Title         string
	Description   string
	UserName      string
	UserID        string
	Tags          []string
	SourceURL     string
	ThumbnailURL  string
	XRestrict     bool
	AIGenerated   bool
	Size          string
	BookmarkCount int
	SourceDate    *time.Time
}

// MediaFile is one media file associated with an artwork, ordered by SortOrder.
type MediaFile struct {
	Path      string
	Size      int64
	SortOrder int
}

// ArtworkRecord stages an artwork whose artist id is not yet known. ArtistKey
// is the artist's external user id, or "name:<name>" when no user id exists.
type ArtworkRecord struct {
	Artwork   database.Artwork
	ArtistKey string
}

// ImageRecord stages an image whose owning artwork id is not yet known.
type ImageRecord struct {
	Image             database.Image
	ArtworkExternalID string
}

// ArtworkTagRecord stages a join row resolved against both mappings at flush time.
type ArtworkTagRecord struct {
	ArtworkExternalID string
	TagName           string
}

// UnresolvedDependencyError signals that a flush ran before the row's foreign
// key was resolvable. The flush queue treats it like any other failure and
// retries the batch.
type UnresolvedDependencyError struct {
	EntityType string
	Key        string
}

func (e *UnresolvedDependencyError) Error() string {
	return fmt.Sprintf("%s dependency not yet resolved: %s", e.EntityType, e.Key)
}

// ScanItemError is a non-fatal per-item failure recorded in the run's error list.
type ScanItemError struct {
	Path    string
	ID      string
	Message string
}

func (e *ScanItemError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s (id %s): %s", e.Path, e.ID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}
