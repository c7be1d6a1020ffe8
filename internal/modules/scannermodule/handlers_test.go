package scannermodule

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/galleria-app/galleria/internal/database"
	"github.com/galleria-app/galleria/internal/events"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func setupTestModule(t *testing.T) (*Module, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
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

	m := NewModule(db, events.NewEventBus(16))
	require.NoError(t, m.Init())
	t.Cleanup(m.Shutdown)

	router := gin.New()
	m.RegisterRoutes(router)
	return m, router
}

func doRequest(router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func buildTinyArchive(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "alice (42)", "Work (5)")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "5-meta.txt"),
		[]byte("ID\n5\n\nUser\nalice\n\nUserID\n42\n\nTitle\nWork\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "5_p0.png"), []byte("x"), 0o644))
	return root
}

func TestStartScan_AutoRegistersLibraryAndRuns(t *testing.T) {
	m, router := setupTestModule(t)
	root := buildTinyArchive(t)

	w := doRequest(router, http.MethodPost, "/api/scanner/scan", map[string]interface{}{
		"path":      root,
		"scan_type": "unified",
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp struct {
		Job database.ScanJob `json:"job"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotZero(t, resp.Job.ID)

	require.Eventually(t, func() bool {
		job, err := m.Manager().GetScanStatus(resp.Job.ID)
		return err == nil && job.Status == "completed"
	}, 10*time.Second, 10*time.Millisecond)

	var artworkCount int64
	m.db.Model(&database.Artwork{}).Count(&artworkCount)
	assert.Equal(t, int64(1), artworkCount)
}

func TestStartScan_Validation(t *testing.T) {
	_, router := setupTestModule(t)

	// Neither library_id nor path.
	w := doRequest(router, http.MethodPost, "/api/scanner/scan", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Relative path.
	w = doRequest(router, http.MethodPost, "/api/scanner/scan", map[string]interface{}{
		"path": "relative/dir",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Unknown library id.
	w = doRequest(router, http.MethodPost, "/api/scanner/scan", map[string]interface{}{
		"library_id": 999,
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestJobEndpoints(t *testing.T) {
	m, router := setupTestModule(t)

	library := database.ScanLibrary{Name: "lib", Path: "/archive"}
	require.NoError(t, m.db.Create(&library).Error)
	job := database.ScanJob{LibraryID: library.ID, Status: "completed", ScanType: "unified", Progress: 100}
	require.NoError(t, m.db.Create(&job).Error)

	w := doRequest(router, http.MethodGet, "/api/scanner/jobs", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"jobs"`)

	w = doRequest(router, http.MethodGet, fmt.Sprintf("/api/scanner/jobs/%d", job.ID), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(router, http.MethodGet, fmt.Sprintf("/api/scanner/progress/%d", job.ID), nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"progress":100`)

	w = doRequest(router, http.MethodGet, "/api/scanner/jobs/99999", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(router, http.MethodGet, "/api/scanner/jobs/not-a-number", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Cancelling a job that is not running fails.
	w = doRequest(router, http.MethodDelete, fmt.Sprintf("/api/scanner/jobs/%d", job.ID), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthEndpoint(t *testing.T) {
	_, router := setupTestModule(t)

	w := doRequest(router, http.MethodGet, "/api/scanner/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"health":"healthy"`)
}
