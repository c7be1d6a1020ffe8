package scanner

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/galleria-app/galleria/internal/database"
	"github.com/galleria-app/galleria/internal/events"
	"github.com/galleria-app/galleria/internal/logger"
	"gorm.io/gorm"
)

// ArchiveWatcher watches library roots for new metadata files and marks the
// owning library dirty so the next scheduled scan picks it up. It never
// triggers scans itself.
type ArchiveWatcher struct {
	db       *gorm.DB
	eventBus events.EventBus
	watcher  *fsnotify.Watcher

	mu        sync.Mutex
	libraries map[string]uint

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewArchiveWatcher creates a watcher over all registered libraries.
func NewArchiveWatcher(db *gorm.DB, eventBus events.EventBus) (*ArchiveWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &ArchiveWatcher{
		db:        db,
		eventBus:  eventBus,
		watcher:   fsw,
		libraries: make(map[string]uint),
		stopCh:    make(chan struct{}),
	}
	return w, nil
}

// Start registers all library roots and begins processing events.
func (w *ArchiveWatcher) Start() error {
	var libraries []database.ScanLibrary
	if err := w.db.Find(&libraries).Error; err != nil {
		return err
	}
	for _, lib := range libraries {
		if err := w.AddLibrary(lib); err != nil {
			logger.Warn("archive watcher: cannot watch %s: %v", lib.Path, err)
		}
	}

	go w.loop()
	logger.Info("archive watcher started over %d libraries", len(libraries))
	return nil
}

// AddLibrary registers one library root, including its existing subdirectories.
func (w *ArchiveWatcher) AddLibrary(lib database.ScanLibrary) error {
	w.mu.Lock()
	w.libraries[lib.Path] = lib.ID
	w.mu.Unlock()

	return filepath.WalkDir(lib.Path, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			logger.Debug("archive watcher: skipping %s: %v", path, err)
			return nil
		}
		if d.IsDir() {
			if err := w.watcher.Add(path); err != nil {
				logger.Debug("archive watcher: cannot watch %s: %v", path, err)
			}
		}
		return nil
	})
}

func (w *ArchiveWatcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("archive watcher error: %v", err)
		case <-w.stopCh:
			return
		}
	}
}

func (w *ArchiveWatcher) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}

	// New directories join the watch set so nested drops are seen.
	if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
		if err := w.watcher.Add(event.Name); err != nil {
			logger.Debug("archive watcher: cannot watch %s: %v", event.Name, err)
		}
		return
	}

	if _, ok := IsMetadataFile(filepath.Base(event.Name)); !ok {
		return
	}

	libID := w.libraryFor(event.Name)
	if libID == 0 {
		return
	}
	w.markDirty(libID, event.Name)
}

// libraryFor maps a path to the library whose root contains it.
func (w *ArchiveWatcher) libraryFor(path string) uint {
	w.mu.Lock()
	defer w.mu.Unlock()
	for root, id := range w.libraries {
		if rel, err := filepath.Rel(root, path); err == nil && !filepath.IsAbs(rel) && rel != ".." && !hasDotDotPrefix(rel) {
			return id
		}
	}
	return 0
}

func hasDotDotPrefix(rel string) bool {
	return len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator)
}

func (w *ArchiveWatcher) markDirty(libraryID uint, path string) {
	result := w.db.Model(&database.ScanLibrary{}).
		Where("id = ? AND dirty = ?", libraryID, false).
		Update("dirty", true)
	if result.Error != nil {
		logger.Warn("archive watcher: failed to mark library %d dirty: %v", libraryID, result.Error)
		return
	}
	if result.RowsAffected == 0 {
		return
	}

	logger.Info("library %d marked dirty (%s)", libraryID, filepath.Base(path))
	if w.eventBus != nil {
		event := events.NewSystemEvent(events.EventLibraryDirty, "Library has new content",
			"new metadata observed: "+path)
		event.Source = "scanner"
		event.Data = map[string]interface{}{"library_id": libraryID, "path": path}
		w.eventBus.PublishAsync(event)
	}
}

// Stop ends the watch loop and releases OS watches.
func (w *ArchiveWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.watcher.Close()
	})
}
