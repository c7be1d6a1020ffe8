package scannermodule

import (
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/galleria-app/galleria/internal/database"
	"github.com/galleria-app/galleria/internal/modules/scannermodule/scanner"
	"github.com/gin-gonic/gin"
)

type handlers struct {
	module *Module
}

// scanRequest is the POST /scan body. A zero library id with a path registers
// the path as a new library on the fly.
type scanRequest struct {
	LibraryID uint `json:"library_id"`
	scanner.ScanOptions
}

func (h *handlers) startScan(c *gin.Context) {
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	if req.LibraryID == 0 {
		if req.Path == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "library_id or path is required"})
			return
		}
		if !filepath.IsAbs(req.Path) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "path must be absolute"})
			return
		}
		library := database.ScanLibrary{Path: req.Path, Name: filepath.Base(req.Path)}
		if err := h.module.db.Where(database.ScanLibrary{Path: req.Path}).FirstOrCreate(&library).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register library: " + err.Error()})
			return
		}
		req.LibraryID = library.ID
	}

	job, err := h.module.manager.StartScan(req.LibraryID, req.ScanOptions)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

func (h *handlers) listJobs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	jobs, err := h.module.manager.ListScanJobs(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (h *handlers) getJob(c *gin.Context) {
	id, err := parseJobID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := h.module.manager.GetScanStatus(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

func (h *handlers) cancelJob(c *gin.Context) {
	id, err := parseJobID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.module.manager.CancelScan(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelling"})
}

func (h *handlers) getProgress(c *gin.Context) {
	id, err := parseJobID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := h.module.manager.GetScanStatus(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"job_id":          job.ID,
		"status":          job.Status,
		"progress":        job.Progress,
		"files_found":     job.FilesFound,
		"files_processed": job.FilesProcessed,
		"status_message":  job.StatusMessage,
	})
}

func (h *handlers) health(c *gin.Context) {
	stats := h.module.manager.Optimizer().GetStats()

	status := http.StatusOK
	if stats.Health == scanner.HealthCritical {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"database": stats})
}

func parseJobID(c *gin.Context) (uint, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		return 0, err
	}
	return uint(id), nil
}
