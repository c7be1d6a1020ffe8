package databasemodule

import (
	"fmt"

	"github.com/galleria-app/galleria/internal/database"
	"github.com/galleria-app/galleria/internal/logger"
	"github.com/galleria-app/galleria/internal/modules/modulemanager"
	"gorm.io/gorm"
)

// Auto-register the module when imported
func init() {
	Register()
}

const (
	// ModuleID is the unique identifier for the database module
	ModuleID = "system.database"

	// ModuleName is the display name for the database module
	ModuleName = "Database Manager"
)

// Module owns schema migration and connection pool tuning for the gallery store.
type Module struct {
	db   *gorm.DB
	pool *ConnectionPool
}

// NewModule creates a new database module
func NewModule(db *gorm.DB) *Module {
	return &Module{db: db}
}

// ID returns the unique module identifier
func (m *Module) ID() string {
	return ModuleID
}

// Name returns the module display name
func (m *Module) Name() string {
	return ModuleName
}

// Core returns whether this is a core module
func (m *Module) Core() bool {
	return true
}

// Migrate creates the gallery schema.
func (m *Module) Migrate(db *gorm.DB) error {
	logger.Info("Migrating gallery database schema")
	return db.AutoMigrate(
		&database.Artist{},
		&database.Artwork{},
		&database.Image{},
		&database.Tag{},
		&database.ArtworkTag{},
		&database.ScanLibrary{},
		&database.ScanJob{},
	)
}

// Init initializes the database module
func (m *Module) Init() error {
	if m.db == nil {
		m.db = database.GetDB()
	}
	if m.db == nil {
		return fmt.Errorf("database module initialized without a connection")
	}

	m.pool = NewConnectionPool(m.db)
	if err := m.pool.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize connection pool: %w", err)
	}

	return nil
}

// GetConnectionPool returns the tuned connection pool
func (m *Module) GetConnectionPool() *ConnectionPool {
	return m.pool
}

// Register registers this module with the module system
func Register() {
	modulemanager.Register(NewModule(database.GetDB()))
}
