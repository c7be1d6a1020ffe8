package scanner

import (
	"testing"
	"time"

	"github.com/galleria-app/galleria/internal/database"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestDB opens an in-memory store with the gallery schema migrated.
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&database.Artist{},
		&database.Artwork{},
		&database.Image{},
		&database.Tag{},
		&database.ArtworkTag{},
		&database.ScanLibrary{},
		&database.ScanJob{},
	))
	return db
}

// newTestOptimizer wraps a test store with short retry delays.
func newTestOptimizer(t *testing.T, db *gorm.DB) *DatabaseOptimizer {
	t.Helper()
	cfg := DefaultOptimizerConfig()
	cfg.RetryDelay = time.Millisecond
	o := NewDatabaseOptimizer(db, cfg)
	t.Cleanup(o.Close)
	return o
}
