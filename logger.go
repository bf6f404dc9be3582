// logger.go
package main

import (
	"log"
	"strings"

	"github.com/google/uuid"
)

// Log levels, selected via LOG_LEVEL. Debug logging is verbose enough to
// replay a webhook by hand, so production runs at info.
const (
	levelDebug = iota
	levelInfo
	levelWarn
	levelError
)

var logLevel = levelInfo

func setLogLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		logLevel = levelDebug
	case "info":
		logLevel = levelInfo
	case "warn", "warning":
		logLevel = levelWarn
	case "error":
		logLevel = levelError
	default:
		log.Printf("⚠️ Unknown LOG_LEVEL %q, using info", level)
		logLevel = levelInfo
	}
}

func LogDebug(format string, args ...interface{}) {
	if logLevel <= levelDebug {
		log.Printf("🔍 "+format, args...)
	}
}

func LogInfo(format string, args ...interface{}) {
	if logLevel <= levelInfo {
		log.Printf(format, args...)
	}
}

func LogWarn(format string, args ...interface{}) {
	if logLevel <= levelWarn {
		log.Printf("⚠️ "+format, args...)
	}
}

func LogError(format string, args ...interface{}) {
	if logLevel <= levelError {
		log.Printf("❌ "+format, args...)
	}
}

// generateRequestID returns a short id for correlating all log lines of
// one webhook call.
func generateRequestID() string {
	return uuid.NewString()[:8]
}
