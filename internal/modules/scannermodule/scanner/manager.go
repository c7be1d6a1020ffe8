package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/galleria-app/galleria/internal/config"
	"github.com/galleria-app/galleria/internal/database"
	"github.com/galleria-app/galleria/internal/events"
	"github.com/galleria-app/galleria/internal/logger"
	"github.com/galleria-app/galleria/internal/utils"
	"gorm.io/gorm"
)

// activeScan tracks one in-flight scan run.
type activeScan struct {
	jobID        uint
	orchestrator *ScanOrchestrator
	cancel       context.CancelFunc
}

// Manager owns the scan job lifecycle: it persists job rows, runs one
// orchestrator per job, throttles progress writes and publishes lifecycle
// events.
type Manager struct {
	db        *gorm.DB
	optimizer *DatabaseOptimizer
	eventBus  events.EventBus

	mu     sync.Mutex
	active map[uint]*activeScan
}

// NewManager creates a scan manager around db.
func NewManager(db *gorm.DB, eventBus events.EventBus) *Manager {
	cfg := config.Get().Scanner
	optimizer := NewDatabaseOptimizer(db, OptimizerConfig{
		PoolSize:      cfg.DBPoolSize,
		Timeout:       cfg.DBTimeout,
		RetryAttempts: cfg.DBRetryAttempts,
	})

	return &Manager{
		db:        db,
		optimizer: optimizer,
		eventBus:  eventBus,
		active:    make(map[uint]*activeScan),
	}
}

// Optimizer exposes the shared storage envelope for health endpoints.
func (m *Manager) Optimizer() *DatabaseOptimizer {
	return m.optimizer
}

// StartScan validates the library, creates a pending job row and launches the
// scan in the background. Returns the job immediately.
func (m *Manager) StartScan(libraryID uint, opts ScanOptions) (*database.ScanJob, error) {
	if opts.ScanType != "" && !ValidScanType(opts.ScanType) {
		return nil, fmt.Errorf("unsupported scan type: %s", opts.ScanType)
	}

	var library database.ScanLibrary
	if err := m.db.First(&library, libraryID).Error; err != nil {
		return nil, fmt.Errorf("library not found: %w", err)
	}
	if err := utils.ValidateScanJob(m.db, libraryID); err != nil {
		return nil, err
	}

	if opts.Path == "" {
		opts.Path = library.Path
	}
	if opts.ScanType == "" {
		opts.ScanType = ScanType(config.Get().Scanner.DefaultScanType)
	}

	job, err := utils.CreateScanJob(m.db, libraryID, string(opts.ScanType))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	scan := &activeScan{
		jobID:        job.ID,
		orchestrator: NewScanOrchestrator(m.optimizer),
		cancel:       cancel,
	}

	m.mu.Lock()
	m.active[job.ID] = scan
	m.mu.Unlock()

	go m.runScan(ctx, scan, job, opts, library)
	return job, nil
}

func (m *Manager) runScan(ctx context.Context, scan *activeScan, job *database.ScanJob, opts ScanOptions, library database.ScanLibrary) {
	defer func() {
		m.mu.Lock()
		delete(m.active, job.ID)
		m.mu.Unlock()
		scan.cancel()
	}()

	now := time.Now()
	m.db.Model(job).Updates(map[string]interface{}{
		"status":     string(utils.StatusRunning),
		"started_at": &now,
	})

	m.publish(events.EventScanStarted, "Scan started",
		fmt.Sprintf("scanning library %q (%s)", library.Name, opts.ScanType), job.ID)

	// Progress writes are throttled; every update still reaches subscribers.
	var lastPersist time.Time
	progress := func(u ProgressUpdate) {
		if time.Since(lastPersist) >= 500*time.Millisecond || u.Phase == PhaseComplete {
			lastPersist = time.Now()
			m.db.Model(&database.ScanJob{}).Where("id = ?", job.ID).Updates(map[string]interface{}{
				"progress":        u.Percentage,
				"files_found":     u.Total,
				"files_processed": u.Current,
				"status_message":  u.Message,
			})
		}
		m.publishAsync(events.EventScanProgress, "Scan progress", u.Message, job.ID, map[string]interface{}{
			"phase":      string(u.Phase),
			"percentage": u.Percentage,
			"current":    u.Current,
			"total":      u.Total,
		})
	}

	result, err := scan.orchestrator.Scan(ctx, opts, progress)

	done := time.Now()
	switch {
	case err != nil:
		m.db.Model(&database.ScanJob{}).Where("id = ?", job.ID).Updates(map[string]interface{}{
			"status":        string(utils.StatusFailed),
			"error_message": err.Error(),
			"completed_at":  &done,
		})
		m.publish(events.EventScanFailed, "Scan failed", err.Error(), job.ID)
		logger.Error("scan job %d failed: %v", job.ID, err)

	case m.wasCancelled(job.ID):
		m.db.Model(&database.ScanJob{}).Where("id = ?", job.ID).Updates(map[string]interface{}{
			"status":       string(utils.StatusCancelled),
			"completed_at": &done,
		})
		m.publish(events.EventScanCancelled, "Scan cancelled",
			fmt.Sprintf("library %q scan cancelled", library.Name), job.ID)

	default:
		resultJSON, _ := json.Marshal(result)
		m.db.Model(&database.ScanJob{}).Where("id = ?", job.ID).Updates(map[string]interface{}{
			"status":       string(utils.StatusCompleted),
			"progress":     100.0,
			"result_json":  string(resultJSON),
			"completed_at": &done,
		})
		m.db.Model(&database.ScanLibrary{}).Where("id = ?", library.ID).Update("dirty", false)
		m.publish(events.EventScanCompleted, "Scan completed",
			fmt.Sprintf("library %q: %d new artworks, %d skipped", library.Name, result.NewArtworks, result.SkippedArtworks), job.ID)
	}
}

// wasCancelled reports whether CancelScan marked this job.
func (m *Manager) wasCancelled(jobID uint) bool {
	var job database.ScanJob
	if err := m.db.Select("status").First(&job, jobID).Error; err != nil {
		return false
	}
	return job.Status == string(utils.StatusCancelled)
}

// CancelScan requests cancellation of a running job. The job finishes its
// current phase boundary before stopping.
func (m *Manager) CancelScan(jobID uint) error {
	m.mu.Lock()
	scan, running := m.active[jobID]
	m.mu.Unlock()

	if !running {
		return fmt.Errorf("no running scan for job %d", jobID)
	}

	m.db.Model(&database.ScanJob{}).Where("id = ?", jobID).Update("status", string(utils.StatusCancelled))
	scan.orchestrator.Cancel()
	scan.cancel()
	return nil
}

// GetScanStatus returns the persisted job row.
func (m *Manager) GetScanStatus(jobID uint) (*database.ScanJob, error) {
	var job database.ScanJob
	if err := m.db.Preload("Library").First(&job, jobID).Error; err != nil {
		return nil, fmt.Errorf("scan job not found: %w", err)
	}
	return &job, nil
}

// ListScanJobs returns recent jobs, newest first.
func (m *Manager) ListScanJobs(limit int) ([]database.ScanJob, error) {
	if limit <= 0 {
		limit = 50
	}
	var jobs []database.ScanJob
	err := m.db.Order("created_at DESC").Limit(limit).Find(&jobs).Error
	return jobs, err
}

// RecoverOrphanedJobs marks jobs left pending or running by a previous process
// as failed. Runs once at startup.
func (m *Manager) RecoverOrphanedJobs() error {
	result := m.db.Model(&database.ScanJob{}).
		Where("status IN ?", []string{string(utils.StatusPending), string(utils.StatusRunning)}).
		Updates(map[string]interface{}{
			"status":        string(utils.StatusFailed),
			"error_message": "interrupted by server restart",
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		logger.Warn("recovered %d orphaned scan jobs", result.RowsAffected)
	}
	return nil
}

// Shutdown cancels all running scans and flushes pending batched writes.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	jobIDs := make([]uint, 0, len(m.active))
	for id := range m.active {
		jobIDs = append(jobIDs, id)
	}
	m.mu.Unlock()

	for _, id := range jobIDs {
		if err := m.CancelScan(id); err != nil {
			logger.Debug("shutdown: %v", err)
		}
	}
	m.optimizer.Close()
}

func (m *Manager) publish(eventType events.EventType, title, message string, jobID uint) {
	m.publishAsync(eventType, title, message, jobID, nil)
}

func (m *Manager) publishAsync(eventType events.EventType, title, message string, jobID uint, data map[string]interface{}) {
	if m.eventBus == nil {
		return
	}
	if data == nil {
		data = make(map[string]interface{})
	}
	data["job_id"] = jobID

	event := events.Event{
		Type:      eventType,
		Source:    "scanner",
		Title:     title,
		Message:   message,
		Data:      data,
		Timestamp: time.Now(),
	}
	m.eventBus.PublishAsync(event)
}
