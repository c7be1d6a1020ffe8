package scannermodule

import (
	"fmt"

	"github.com/galleria-app/galleria/internal/config"
	"github.com/galleria-app/galleria/internal/database"
	"github.com/galleria-app/galleria/internal/events"
	"github.com/galleria-app/galleria/internal/logger"
	"github.com/galleria-app/galleria/internal/modules/modulemanager"
	"github.com/galleria-app/galleria/internal/modules/scannermodule/scanner"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Auto-register the module when imported
func init() {
	Register()
}

const (
	// ModuleID is the unique identifier for the scanner module
	ModuleID = "system.scanner"

	// ModuleName is the display name for the scanner module
	ModuleName = "Archive Scanner"
)

// Module wires the scan manager and archive watcher into the application.
type Module struct {
	db       *gorm.DB
	eventBus events.EventBus
	manager  *scanner.Manager
	watcher  *scanner.ArchiveWatcher
}

// NewModule creates a new scanner module
func NewModule(db *gorm.DB, eventBus events.EventBus) *Module {
	return &Module{db: db, eventBus: eventBus}
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

// Migrate is a no-op; the schema is owned by the database module.
func (m *Module) Migrate(db *gorm.DB) error {
	return nil
}

// Init builds the scan manager, recovers orphaned jobs and starts the
// archive watcher when enabled.
func (m *Module) Init() error {
	if m.db == nil {
		m.db = database.GetDB()
	}
	if m.db == nil {
		return fmt.Errorf("scanner module initialized without a connection")
	}
	if m.eventBus == nil {
		m.eventBus = events.GetGlobalEventBus()
	}

	m.manager = scanner.NewManager(m.db, m.eventBus)
	if err := m.manager.RecoverOrphanedJobs(); err != nil {
		return fmt.Errorf("failed to recover orphaned scan jobs: %w", err)
	}

	if config.Get().Scanner.WatchLibraries {
		watcher, err := scanner.NewArchiveWatcher(m.db, m.eventBus)
		if err != nil {
			logger.Warn("archive watcher unavailable: %v", err)
		} else {
			m.watcher = watcher
			if err := m.watcher.Start(); err != nil {
				logger.Warn("archive watcher failed to start: %v", err)
			}
		}
	}

	return nil
}

// Manager exposes the scan manager for handlers and tests.
func (m *Module) Manager() *scanner.Manager {
	return m.manager
}

// RegisterRoutes attaches the scanner HTTP API.
func (m *Module) RegisterRoutes(router *gin.Engine) {
	registerRoutes(router, m)
}

// Shutdown stops the watcher and running scans.
func (m *Module) Shutdown() {
	if m.watcher != nil {
		m.watcher.Stop()
	}
	if m.manager != nil {
		m.manager.Shutdown()
	}
}

// Register registers this module with the module system
func Register() {
	modulemanager.Register(NewModule(database.GetDB(), nil))
}
