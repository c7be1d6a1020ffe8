package database

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/galleria-app/galleria/internal/config"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var DB *gorm.DB

// Initialize sets up the database connection from the loaded configuration.
func Initialize() error {
	cfg := config.Get().Database

	var (
		db  *gorm.DB
		err error
	)

	switch cfg.Type {
	case "postgres":
		db, err = connectPostgres(cfg)
	case "sqlite":
		db, err = connectSQLite(cfg)
	default:
		return fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to access sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	DB = db
	return nil
}

func connectPostgres(cfg config.DatabaseConfig) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
		cfg.Host, cfg.Username, cfg.Password, cfg.Database, cfg.Port)

	return gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: queryLogger(cfg),
	})
}

func connectSQLite(cfg config.DatabaseConfig) (*gorm.DB, error) {
	if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	return gorm.Open(sqlite.Open(cfg.SQLitePath), &gorm.Config{
		Logger: queryLogger(cfg),
	})
}

func queryLogger(cfg config.DatabaseConfig) gormlogger.Interface {
	if cfg.LogQueries {
		return gormlogger.Default.LogMode(gormlogger.Info)
	}
	return gormlogger.Default.LogMode(gormlogger.Warn)
}

// GetDB returns the database instance
func GetDB() *gorm.DB {
	return DB
}
