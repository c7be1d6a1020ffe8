package scannermodule

import (
	"github.com/gin-gonic/gin"
)

// registerRoutes wires the scanner API group.
func registerRoutes(router *gin.Engine, m *Module) {
	h := &handlers{module: m}

	api := router.Group("/api/scanner")
	{
		api.POST("/scan", h.startScan)
		api.GET("/jobs", h.listJobs)
		api.GET("/jobs/:id", h.getJob)
		api.DELETE("/jobs/:id", h.cancelJob)
		api.GET("/progress/:id", h.getProgress)
		api.GET("/health", h.health)
	}
}
