package scanner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/galleria-app/galleria/internal/database"
	"github.com/galleria-app/galleria/internal/events"
	"github.com/galleria-app/galleria/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockEventBus implements events.EventBus for testing
type mockEventBus struct {
	mu     sync.RWMutex
	events []events.Event
}

func (m *mockEventBus) Start(ctx context.Context) error { return nil }
func (m *mockEventBus) Stop(ctx context.Context) error  { return nil }

func (m *mockEventBus) Publish(ctx context.Context, event events.Event) error {
	m.PublishAsync(event)
	return nil
}

func (m *mockEventBus) PublishAsync(event events.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func (m *mockEventBus) Subscribe(subscriber string, filter events.EventFilter, handler events.EventHandler) (*events.Subscription, error) {
	return nil, nil
}

func (m *mockEventBus) Unsubscribe(subscriptionID string) error { return nil }
func (m *mockEventBus) GetStats() events.EventStats             { return events.EventStats{} }

func (m *mockEventBus) typesSeen() map[events.EventType]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[events.EventType]int)
	for _, e := range m.events {
		seen[e.Type]++
	}
	return seen
}

func createTestLibrary(t *testing.T, m *Manager, path string) *database.ScanLibrary {
	t.Helper()
	library := &database.ScanLibrary{Name: "test", Path: path}
	require.NoError(t, m.db.Create(library).Error)
	return library
}

func waitForStatus(t *testing.T, m *Manager, jobID uint, want utils.ScanJobStatus) *database.ScanJob {
	t.Helper()
	var job *database.ScanJob
	require.Eventually(t, func() bool {
		var err error
		job, err = m.GetScanStatus(jobID)
		return err == nil && job.Status == string(want)
	}, 10*time.Second, 10*time.Millisecond, "job %d never reached %s", jobID, want)
	return job
}

func TestManager_StartScanCompletes(t *testing.T) {
	db := setupTestDB(t)
	bus := &mockEventBus{}
	m := NewManager(db, bus)
	t.Cleanup(m.Shutdown)

	root := buildArchive(t)
	library := createTestLibrary(t, m, root)

	job, err := m.StartScan(library.ID, ScanOptions{ScanType: ScanTypeUnified})
	require.NoError(t, err)
	assert.Equal(t, string(utils.StatusPending), job.Status)

	finished := waitForStatus(t, m, job.ID, utils.StatusCompleted)
	assert.Equal(t, 100.0, finished.Progress)
	assert.NotEmpty(t, finished.ResultJSON)
	require.NotNil(t, finished.CompletedAt)

	seen := bus.typesSeen()
	assert.Equal(t, 1, seen[events.EventScanStarted])
	assert.Equal(t, 1, seen[events.EventScanCompleted])
	assert.Greater(t, seen[events.EventScanProgress], 0)

	// Completion clears the dirty flag.
	var lib database.ScanLibrary
	require.NoError(t, db.First(&lib, library.ID).Error)
	assert.False(t, lib.Dirty)
}

func TestManager_RejectsConcurrentScanForSameLibrary(t *testing.T) {
	db := setupTestDB(t)
	m := NewManager(db, &mockEventBus{})
	t.Cleanup(m.Shutdown)

	library := createTestLibrary(t, m, buildArchive(t))

	// A pending job blocks a second one regardless of whether it started.
	_, err := utils.CreateScanJob(db, library.ID, string(ScanTypeUnified))
	require.NoError(t, err)

	_, err = m.StartScan(library.ID, ScanOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestManager_UnknownLibrary(t *testing.T) {
	db := setupTestDB(t)
	m := NewManager(db, &mockEventBus{})
	t.Cleanup(m.Shutdown)

	_, err := m.StartScan(12345, ScanOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "library not found")
}

func TestManager_InvalidScanType(t *testing.T) {
	db := setupTestDB(t)
	m := NewManager(db, &mockEventBus{})
	t.Cleanup(m.Shutdown)

	_, err := m.StartScan(1, ScanOptions{ScanType: "bogus"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported scan type")
}

func TestManager_CancelScanWithoutRunningJob(t *testing.T) {
	db := setupTestDB(t)
	m := NewManager(db, &mockEventBus{})
	t.Cleanup(m.Shutdown)

	err := m.CancelScan(999)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no running scan")
}

func TestManager_RecoverOrphanedJobs(t *testing.T) {
	db := setupTestDB(t)
	m := NewManager(db, &mockEventBus{})
	t.Cleanup(m.Shutdown)

	library := createTestLibrary(t, m, t.TempDir())

	orphan, err := utils.CreateScanJob(db, library.ID, string(ScanTypeUnified))
	require.NoError(t, err)
	require.NoError(t, db.Model(orphan).Update("status", string(utils.StatusRunning)).Error)

	require.NoError(t, m.RecoverOrphanedJobs())

	recovered, err := m.GetScanStatus(orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, string(utils.StatusFailed), recovered.Status)
	assert.Contains(t, recovered.ErrorMessage, "interrupted")
}

func TestManager_ListScanJobs(t *testing.T) {
	db := setupTestDB(t)
	m := NewManager(db, &mockEventBus{})
	t.Cleanup(m.Shutdown)

	library := createTestLibrary(t, m, t.TempDir())
	for i := 0; i < 3; i++ {
		_, err := utils.CreateScanJob(db, library.ID, string(ScanTypeUnified))
		require.NoError(t, err)
	}

	jobs, err := m.ListScanJobs(2)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	jobs, err = m.ListScanJobs(0)
	require.NoError(t, err)
	assert.Len(t, jobs, 3)
}

func TestManager_FailedScanRecordsError(t *testing.T) {
	db := setupTestDB(t)
	bus := &mockEventBus{}
	m := NewManager(db, bus)
	t.Cleanup(m.Shutdown)

	library := createTestLibrary(t, m, "relative/not/absolute")

	job, err := m.StartScan(library.ID, ScanOptions{ScanType: ScanTypeUnified})
	require.NoError(t, err)

	failed := waitForStatus(t, m, job.ID, utils.StatusFailed)
	assert.Contains(t, failed.ErrorMessage, "absolute")
	assert.Equal(t, 1, bus.typesSeen()[events.EventScanFailed])
}
