package database

import (
	"time"
)

// Artist represents the creator of one or more artworks.
// UserID is the source site's user identifier and is the primary resolution
// key; Name is the fallback when the metadata carries no user id.
type Artist struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"uniqueIndex:idx_artist_identity;not null" json:"name"`
	Username  string    `json:"username"`
	UserID    string    `gorm:"uniqueIndex:idx_artist_identity;index" json:"user_id"`
	Bio       string    `json:"bio"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Artwork represents one downloaded illustration set.
// ExternalID is the numeric id from the source site, unique per archive.
type Artwork struct {
	ID                 uint       `gorm:"primaryKey" json:"id"`
	Title              string     `json:"title"`
	Description        string     `json:"description"`
	ArtistID           uint       `gorm:"index;not null" json:"artist_id"`
	Artist             Artist     `gorm:"foreignKey:ArtistID" json:"artist,omitempty"`
	ExternalID         string     `gorm:"uniqueIndex;not null" json:"external_id"`
	SourceURL          string     `json:"source_url"`
	ThumbnailURL       string     `json:"thumbnail_url"`
	XRestrict          bool       `json:"x_restrict"`
	AIGenerated        bool       `json:"ai_generated"`
	Size               string     `json:"size"`
	BookmarkCount      int        `json:"bookmark_count"`
	SourceDate         *time.Time `json:"source_date,omitempty"`
	ImageCount         int        `json:"image_count"`
	DirectoryCreatedAt *time.Time `json:"directory_created_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Image represents one page of an artwork. SortOrder is the page index parsed
// from the filename; it is unique per artwork but not necessarily contiguous.
type Image struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Path      string    `gorm:"not null" json:"path"`
	Size      int64     `json:"size"`
	SortOrder int       `gorm:"uniqueIndex:idx_artwork_sort" json:"sort_order"`
	ArtworkID uint      `gorm:"uniqueIndex:idx_artwork_sort;index;not null" json:"artwork_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Tag is a case-sensitive unique label attached to artworks.
type Tag struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"uniqueIndex;not null" json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// ArtworkTag joins artworks and tags. Duplicate inserts are skipped, never
// treated as errors.
type ArtworkTag struct {
	ArtworkID uint `gorm:"primaryKey" json:"artwork_id"`
	TagID     uint `gorm:"primaryKey" json:"tag_id"`
}

// ScanLibrary is a registered archive root directory.
type ScanLibrary struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `json:"name"`
	Path      string    `gorm:"uniqueIndex;not null" json:"path"`
	Dirty     bool      `json:"dirty"` // New metadata observed since last scan
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ScanJob tracks one scan run over a library.
type ScanJob struct {
	ID             uint        `gorm:"primaryKey" json:"id"`
	LibraryID      uint        `gorm:"index;not null" json:"library_id"`
	Library        ScanLibrary `gorm:"foreignKey:LibraryID" json:"library,omitempty"`
	Status         string      `gorm:"index" json:"status"`
	ScanType       string      `json:"scan_type"`
	Progress       float64     `json:"progress"`
	FilesFound     int64       `json:"files_found"`
	FilesProcessed int64       `json:"files_processed"`
	StatusMessage  string      `json:"status_message"`
	ErrorMessage   string      `json:"error_message"`
	ResultJSON     string      `json:"result_json,omitempty"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}
