package utils

import (
	"testing"
	"time"

	"github.com/galleria-app/galleria/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&database.ScanLibrary{}, &database.ScanJob{}))
	return db
}

func TestValidateScanJob(t *testing.T) {
	db := setupDB(t)

	// Unknown library
	require.Error(t, ValidateScanJob(db, 42))

	library := database.ScanLibrary{Name: "lib", Path: "/archive"}
	require.NoError(t, db.Create(&library).Error)
	require.NoError(t, ValidateScanJob(db, library.ID))

	job, err := CreateScanJob(db, library.ID, "unified")
	require.NoError(t, err)
	assert.Equal(t, string(StatusPending), job.Status)

	// A pending job blocks new scans.
	err = ValidateScanJob(db, library.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	// Finished jobs do not.
	require.NoError(t, db.Model(job).Update("status", string(StatusCompleted)).Error)
	require.NoError(t, ValidateScanJob(db, library.ID))
}

func TestCleanupOldScanJobs(t *testing.T) {
	db := setupDB(t)

	library := database.ScanLibrary{Name: "lib", Path: "/archive"}
	require.NoError(t, db.Create(&library).Error)

	old, err := CreateScanJob(db, library.ID, "unified")
	require.NoError(t, err)
	stale := time.Now().AddDate(0, 0, -ScanJobCleanupDays-1)
	require.NoError(t, db.Model(old).UpdateColumns(map[string]interface{}{
		"status":     string(StatusCompleted),
		"updated_at": stale,
	}).Error)

	recent, err := CreateScanJob(db, library.ID, "unified")
	require.NoError(t, err)
	require.NoError(t, db.Model(recent).Update("status", string(StatusCompleted)).Error)

	removed, err := CleanupOldScanJobs(db)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	var count int64
	db.Model(&database.ScanJob{}).Count(&count)
	assert.Equal(t, int64(1), count)
}
