package utils

import (
	"fmt"
	"time"

	"github.com/galleria-app/galleria/internal/database"
	"gorm.io/gorm"
)

// ScanJobStatus represents the possible states of a scan job
type ScanJobStatus string

const (
	StatusPending   ScanJobStatus = "pending"
	StatusRunning   ScanJobStatus = "running"
	StatusCancelled ScanJobStatus = "cancelled"
	StatusCompleted ScanJobStatus = "completed"
	StatusFailed    ScanJobStatus = "failed"
)

// ScanJobCleanupDays defines how many days old completed jobs are kept
const ScanJobCleanupDays = 30

// ValidateScanJob checks if a scan job can be started for the given library
func ValidateScanJob(db *gorm.DB, libraryID uint) error {
	var library database.ScanLibrary
	if err := db.First(&library, libraryID).Error; err != nil {
		return fmt.Errorf("library not found: %w", err)
	}

	var existingJob database.ScanJob
	err := db.Where("library_id = ? AND status IN ?", libraryID, []string{
		string(StatusPending),
		string(StatusRunning),
	}).First(&existingJob).Error

	if err == nil {
		return fmt.Errorf("scan already running for library %d (job ID: %d)", libraryID, existingJob.ID)
	} else if err != gorm.ErrRecordNotFound {
		return fmt.Errorf("database error while checking for existing scans: %w", err)
	}

	return nil
}

// CreateScanJob creates a new pending scan job row for the library
func CreateScanJob(db *gorm.DB, libraryID uint, scanType string) (*database.ScanJob, error) {
	job := &database.ScanJob{
		LibraryID: libraryID,
		Status:    string(StatusPending),
		ScanType:  scanType,
	}
	if err := db.Create(job).Error; err != nil {
		return nil, fmt.Errorf("failed to create scan job: %w", err)
	}
	return job, nil
}

// CleanupOldScanJobs removes completed/failed jobs older than the retention window
func CleanupOldScanJobs(db *gorm.DB) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -ScanJobCleanupDays)
	result := db.Where("status IN ? AND updated_at < ?", []string{
		string(StatusCompleted),
		string(StatusFailed),
		string(StatusCancelled),
	}, cutoff).Delete(&database.ScanJob{})
	return result.RowsAffected, result.Error
}
