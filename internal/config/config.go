package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration
type Config struct {
	// Server configuration
	Server ServerConfig `yaml:"server" json:"server"`

	// Database configuration
	Database DatabaseConfig `yaml:"database" json:"database"`

	// Scanner configuration
	Scanner ScannerConfig `yaml:"scanner" json:"scanner"`

	// Performance monitoring configuration
	Monitor MonitorConfig `yaml:"monitor" json:"monitor"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Host         string        `yaml:"host" json:"host" env:"GALLERIA_HOST" default:"0.0.0.0"`
	Port         int           `yaml:"port" json:"port" env:"GALLERIA_PORT" default:"8080"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout" env:"GALLERIA_READ_TIMEOUT" default:"30s"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" env:"GALLERIA_WRITE_TIMEOUT" default:"30s"`
	EnableCORS   bool          `yaml:"enable_cors" json:"enable_cors" env:"GALLERIA_ENABLE_CORS" default:"true"`
}

// DatabaseConfig holds storage configuration
type DatabaseConfig struct {
	Type            string        `yaml:"type" json:"type" env:"DATABASE_TYPE" default:"sqlite"`
	Host            string        `yaml:"host" json:"host" env:"POSTGRES_HOST" default:"localhost"`
	Port            int           `yaml:"port" json:"port" env:"POSTGRES_PORT" default:"5432"`
	Username        string        `yaml:"username" json:"username" env:"POSTGRES_USER" default:"galleria"`
	Password        string        `yaml:"password" json:"password" env:"POSTGRES_PASSWORD"`
	Database        string        `yaml:"database" json:"database" env:"POSTGRES_DB" default:"galleria"`
	SQLitePath      string        `yaml:"sqlite_path" json:"sqlite_path" env:"GALLERIA_SQLITE_PATH" default:"./data/galleria.db"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns" env:"DB_MAX_OPEN_CONNS" default:"50"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns" env:"DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime" env:"DB_CONN_MAX_LIFETIME" default:"2h"`
	LogQueries      bool          `yaml:"log_queries" json:"log_queries" env:"DB_LOG_QUERIES" default:"false"`
}

// ScannerConfig holds ingest pipeline configuration
type ScannerConfig struct {
	MaxConcurrency       int           `yaml:"max_concurrency" json:"max_concurrency" env:"GALLERIA_MAX_CONCURRENCY" default:"0"`
	BatchSize            int           `yaml:"batch_size" json:"batch_size" env:"GALLERIA_BATCH_SIZE" default:"50"`
	StreamBufferSize     int           `yaml:"stream_buffer_size" json:"stream_buffer_size" env:"GALLERIA_STREAM_BUFFER_SIZE" default:"100"`
	MaxConcurrentFlushes int           `yaml:"max_concurrent_flushes" json:"max_concurrent_flushes" env:"GALLERIA_MAX_FLUSHES" default:"3"`
	MemoryThresholdBytes int64         `yaml:"memory_threshold_bytes" json:"memory_threshold_bytes" env:"GALLERIA_MEMORY_THRESHOLD" default:"536870912"`
	DefaultScanType      string        `yaml:"default_scan_type" json:"default_scan_type" env:"GALLERIA_DEFAULT_SCAN_TYPE" default:"unified"`
	DBPoolSize           int           `yaml:"db_pool_size" json:"db_pool_size" env:"GALLERIA_DB_POOL_SIZE" default:"10"`
	DBTimeout            time.Duration `yaml:"db_timeout" json:"db_timeout" env:"GALLERIA_DB_TIMEOUT" default:"30s"`
	DBRetryAttempts      int           `yaml:"db_retry_attempts" json:"db_retry_attempts" env:"GALLERIA_DB_RETRIES" default:"3"`
	WatchLibraries       bool          `yaml:"watch_libraries" json:"watch_libraries" env:"GALLERIA_WATCH_LIBRARIES" default:"true"`
}

// MonitorConfig holds performance monitor configuration
type MonitorConfig struct {
	SampleInterval    time.Duration `yaml:"sample_interval" json:"sample_interval" env:"GALLERIA_MONITOR_INTERVAL" default:"2s"`
	BlockingThreshold time.Duration `yaml:"blocking_threshold" json:"blocking_threshold" env:"GALLERIA_BLOCKING_THRESHOLD" default:"5s"`
	HistorySize       int           `yaml:"history_size" json:"history_size" env:"GALLERIA_MONITOR_HISTORY" default:"1000"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `yaml:"level" json:"level" env:"GALLERIA_LOG_LEVEL" default:"info"`
}

// ConfigManager loads and serves configuration with change notification
type ConfigManager struct {
	mu         sync.RWMutex
	config     *Config
	configPath string
	watchers   []ConfigWatcher
}

// ConfigWatcher is called when configuration changes
type ConfigWatcher func(oldConfig, newConfig *Config)

var (
	globalConfigManager *ConfigManager
	configOnce          sync.Once
)

// GetConfigManager returns the global configuration manager instance
func GetConfigManager() *ConfigManager {
	configOnce.Do(func() {
		globalConfigManager = NewConfigManager()
	})
	return globalConfigManager
}

// NewConfigManager creates a new configuration manager
func NewConfigManager() *ConfigManager {
	return &ConfigManager{
		config:   DefaultConfig(),
		watchers: make([]ConfigWatcher, 0),
	}
}

// DefaultConfig returns the default application configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			EnableCORS:   true,
		},
		Database: DatabaseConfig{
			Type:            "sqlite",
			SQLitePath:      "./data/galleria.db",
			MaxOpenConns:    50,
			MaxIdleConns:    10,
			ConnMaxLifetime: 2 * time.Hour,
		},
		Scanner: ScannerConfig{
			MaxConcurrency:       0, // Auto-detect
			BatchSize:            50,
			StreamBufferSize:     100,
			MaxConcurrentFlushes: 3,
			MemoryThresholdBytes: 512 * 1024 * 1024,
			DefaultScanType:      "unified",
			DBPoolSize:           10,
			DBTimeout:            30 * time.Second,
			DBRetryAttempts:      3,
			WatchLibraries:       true,
		},
		Monitor: MonitorConfig{
			SampleInterval:    2 * time.Second,
			BlockingThreshold: 5 * time.Second,
			HistorySize:       1000,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig loads configuration from file and environment variables
func (cm *ConfigManager) LoadConfig(configPath string) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	oldConfig := *cm.config
	cm.configPath = configPath

	// Start with default configuration
	newConfig := DefaultConfig()

	// Load from file if it exists
	if configPath != "" && fileExists(configPath) {
		if err := cm.loadFromFile(configPath, newConfig); err != nil {
			return fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// Override with environment variables
	if err := loadStructFromEnv(reflect.ValueOf(newConfig).Elem()); err != nil {
		return fmt.Errorf("failed to load config from environment: %w", err)
	}

	// Validate configuration
	if err := cm.validateConfig(newConfig); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// Apply derived configurations
	applyDerivedConfig(newConfig)

	cm.config = newConfig

	// Notify watchers of config change
	for _, watcher := range cm.watchers {
		go watcher(&oldConfig, newConfig)
	}

	return nil
}

// GetConfig returns the current configuration (thread-safe)
func (cm *ConfigManager) GetConfig() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	// Return a copy to prevent external modifications
	configCopy := *cm.config
	return &configCopy
}

// AddWatcher adds a configuration change watcher
func (cm *ConfigManager) AddWatcher(watcher ConfigWatcher) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.watchers = append(cm.watchers, watcher)
}

func (cm *ConfigManager) loadFromFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, config)
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}
}

func loadStructFromEnv(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if !field.CanSet() {
			continue
		}

		// Handle nested structs recursively
		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Duration(0)) {
			if err := loadStructFromEnv(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}

		envValue := os.Getenv(envTag)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set field %s: %w", fieldType.Name, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			duration, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(duration))
		} else {
			intVal, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(intVal)
		}
	case reflect.Float32, reflect.Float64:
		floatVal, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(floatVal)
	case reflect.Bool:
		boolVal, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(boolVal)
	default:
		return fmt.Errorf("unsupported field type: %v", field.Kind())
	}

	return nil
}

func (cm *ConfigManager) validateConfig(config *Config) error {
	if config.Server.Port < 1 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}
	if config.Database.Type != "sqlite" && config.Database.Type != "postgres" {
		return fmt.Errorf("unsupported database type: %s", config.Database.Type)
	}
	if config.Scanner.BatchSize < 1 {
		return fmt.Errorf("scanner batch size must be at least 1")
	}
	if config.Scanner.MaxConcurrentFlushes < 1 {
		return fmt.Errorf("scanner max concurrent flushes must be at least 1")
	}
	return nil
}

func applyDerivedConfig(config *Config) {
	if config.Scanner.MaxConcurrency <= 0 {
		config.Scanner.MaxConcurrency = runtime.NumCPU() * 2
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Get returns the current global configuration
func Get() *Config {
	return GetConfigManager().GetConfig()
}

// Load loads the global configuration from the given path
func Load(configPath string) error {
	return GetConfigManager().LoadConfig(configPath)
}
