package logger

import (
	"io"
	"log"
	"os"
	"sync/atomic"
)

var (
	debugEnabled atomic.Bool
	infoLogger   = log.New(os.Stderr, "", log.LstdFlags)
	warnLogger   = log.New(os.Stderr, "[WARN] ", log.LstdFlags)
	errorLogger  = log.New(os.Stderr, "[ERROR] ", log.LstdFlags)
	debugLogger  = log.New(os.Stderr, "[DEBUG] ", log.LstdFlags)
)

// SetDebug enables or disables debug logging
func SetDebug(enabled bool) {
	debugEnabled.Store(enabled)
}

// DebugEnabled reports whether Debug lines are emitted.
func DebugEnabled() bool {
	return debugEnabled.Load()
}

// SetOutput redirects every level to w (tests use a buffer).
func SetOutput(w io.Writer) {
	infoLogger.SetOutput(w)
	warnLogger.SetOutput(w)
	errorLogger.SetOutput(w)
	debugLogger.SetOutput(w)
}

// Info logs an informational message
func Info(format string, args ...interface{}) {
	infoLogger.Printf(format, args...)
}

// Warn logs a recoverable problem
func Warn(format string, args ...interface{}) {
	warnLogger.Printf(format, args...)
}

// Error logs an error message
func Error(format string, args ...interface{}) {
	errorLogger.Printf(format, args...)
}

// Debug logs a debug message if debug logging is enabled
func Debug(format string, args ...interface{}) {
	if debugEnabled.Load() {
		debugLogger.Printf(format, args...)
	}
}

// Fatal logs an error message and exits with status 1
func Fatal(format string, args ...interface{}) {
	errorLogger.Printf(format, args...)
	os.Exit(1)
}
