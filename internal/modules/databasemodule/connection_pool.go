package databasemodule

import (
	"fmt"
	"sync"
	"time"

	"github.com/galleria-app/galleria/internal/config"
	"github.com/galleria-app/galleria/internal/logger"
	"gorm.io/gorm"
)

// ConnectionPool tunes and reports on the underlying sql.DB pool.
type ConnectionPool struct {
	primary *gorm.DB
	mu      sync.RWMutex
}

// PoolStats is a snapshot of the sql.DB pool state.
type PoolStats struct {
	MaxOpenConnections int           `json:"max_open_connections"`
	OpenConnections    int           `json:"open_connections"`
	InUse              int           `json:"in_use"`
	Idle               int           `json:"idle"`
	WaitCount          int64         `json:"wait_count"`
	WaitDuration       time.Duration `json:"wait_duration"`
}

// NewConnectionPool creates a new connection pool wrapper
func NewConnectionPool(primary *gorm.DB) *ConnectionPool {
	return &ConnectionPool{primary: primary}
}

// Initialize applies the configured pool limits
func (cp *ConnectionPool) Initialize() error {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	cfg := config.Get().Database

	sqlDB, err := cp.primary.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	logger.Info("Connection pool configured: max_open=%d max_idle=%d", cfg.MaxOpenConns, cfg.MaxIdleConns)
	return nil
}

// Stats returns a snapshot of pool utilization
func (cp *ConnectionPool) Stats() (PoolStats, error) {
	cp.mu.RLock()
	defer cp.mu.RUnlock()

	sqlDB, err := cp.primary.DB()
	if err != nil {
		return PoolStats{}, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	s := sqlDB.Stats()
	return PoolStats{
		MaxOpenConnections: s.MaxOpenConnections,
		OpenConnections:    s.OpenConnections,
		InUse:              s.InUse,
		Idle:               s.Idle,
		WaitCount:          s.WaitCount,
		WaitDuration:       s.WaitDuration,
	}, nil
}

// Primary returns the primary database handle
func (cp *ConnectionPool) Primary() *gorm.DB {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	return cp.primary
}
