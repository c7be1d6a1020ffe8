package logger

import (
	"log"
	"os"
	"strings"
	"sync/atomic"
)

// Level controls which messages are emitted. Messages below the current
// level are dropped.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var currentLevel atomic.Int32

func init() {
	SetLevel(ParseLevel(os.Getenv("GALLERIA_LOG_LEVEL")))
}

// ParseLevel maps a level name to a Level, defaulting to info.
func ParseLevel(name string) Level {
	switch strings.ToLower(name) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// SetLevel sets the minimum emitted level.
func SetLevel(l Level) {
	currentLevel.Store(int32(l))
}

func enabled(l Level) bool {
	return int32(l) >= currentLevel.Load()
}

// Info logs informational messages
func Info(format string, args ...interface{}) {
	if enabled(LevelInfo) {
		log.Printf("INFO: "+format, args...)
	}
}

// Warn logs warning messages
func Warn(format string, args ...interface{}) {
	if enabled(LevelWarn) {
		log.Printf("WARN: "+format, args...)
	}
}

// Error logs error messages
func Error(format string, args ...interface{}) {
	if enabled(LevelError) {
		log.Printf("ERROR: "+format, args...)
	}
}

// Debug logs debug messages
func Debug(format string, args ...interface{}) {
	if enabled(LevelDebug) {
		log.Printf("DEBUG: "+format, args...)
	}
}
