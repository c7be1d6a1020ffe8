package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/galleria-app/galleria/internal/config"
	"github.com/galleria-app/galleria/internal/database"
	"github.com/galleria-app/galleria/internal/events"
	"github.com/galleria-app/galleria/internal/logger"
	"github.com/galleria-app/galleria/internal/modules/modulemanager"

	// Import all modules to trigger their registration
	_ "github.com/galleria-app/galleria/internal/modules/databasemodule"
	_ "github.com/galleria-app/galleria/internal/modules/scannermodule"
)

var (
	systemEventBus    events.EventBus
	moduleInitialized bool
)

// SetupRouter configures and returns the main router
func SetupRouter() *gin.Engine {
	cfg := config.Get()

	r := gin.Default()

	if cfg.Server.EnableCORS {
		r.Use(corsMiddleware())
	}

	if err := initializeEventBus(); err != nil {
		logger.Error("Failed to initialize event bus: %v", err)
	}

	if err := initializeModules(); err != nil {
		logger.Error("Failed to initialize modules: %v", err)
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/api/events/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, systemEventBus.GetStats())
	})

	modulemanager.RegisterAllRoutes(r)

	return r
}

// corsMiddleware allows browser frontends on other origins during development.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func initializeEventBus() error {
	if systemEventBus != nil {
		return nil
	}

	systemEventBus = events.NewEventBus(256)
	if err := systemEventBus.Start(context.Background()); err != nil {
		return err
	}
	events.SetGlobalEventBus(systemEventBus)

	systemEventBus.PublishAsync(events.NewSystemEvent(
		events.EventSystemStarted, "Server starting", "galleria server is starting up"))
	return nil
}

// initializeModules loads every registered module against the live database.
func initializeModules() error {
	if moduleInitialized {
		return nil
	}

	db := database.GetDB()
	if db == nil {
		return fmt.Errorf("database not initialized")
	}

	if err := modulemanager.LoadAll(db); err != nil {
		return err
	}

	moduleInitialized = true
	logger.Info("Module system initialized with %d modules", len(modulemanager.ListModules()))
	return nil
}

// Shutdown publishes the stop event and stops the event bus.
func Shutdown(ctx context.Context) {
	if systemEventBus == nil {
		return
	}
	systemEventBus.PublishAsync(events.NewSystemEvent(
		events.EventSystemStopped, "Server stopping", "galleria server is shutting down"))
	if err := systemEventBus.Stop(ctx); err != nil {
		logger.Warn("event bus stop: %v", err)
	}
}
