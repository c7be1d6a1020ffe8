package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/galleria-app/galleria/internal/config"
	"github.com/galleria-app/galleria/internal/database"
	"github.com/galleria-app/galleria/internal/logger"
	"github.com/galleria-app/galleria/internal/server"
)

func main() {
	configPath := os.Getenv("GALLERIA_CONFIG")
	if err := config.Load(configPath); err != nil {
		logger.Error("Failed to load configuration: %v", err)
		os.Exit(1)
	}
	cfg := config.Get()
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))

	if err := database.Initialize(); err != nil {
		logger.Error("Failed to initialize database: %v", err)
		os.Exit(1)
	}

	r := server.SetupRouter()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	logger.Info("Starting galleria server on %s", addr)

	go func() {
		if err := r.Run(addr); err != nil {
			logger.Error("Server exited: %v", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(ctx)
}
