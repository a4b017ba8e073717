// Package logging provides the updater's log output: stdout always, plus an
// optional log file in development mode.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
)

const logFileName = "otaupdater.log"

// Level is the minimum severity that is written.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
)

var levelPrefixes = map[Level]string{
	LevelDebug:   "[DEBUG] ",
	LevelInfo:    "[INFO] ",
	LevelWarning: "[WARN] ",
	LevelError:   "[ERROR] ",
}

// ParseLevel accepts debug, info, warn, warning and error in any case.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarning, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

var (
	mu      sync.Mutex
	logger  = log.New(os.Stdout, "", log.LstdFlags|log.Lshortfile)
	logFile *os.File
	minimum atomic.Int32
)

func init() {
	SetLevel(levelFromEnv())
}

// levelFromEnv reads OTA_LOG_LEVEL, falling back to debug when DEBUG=true.
func levelFromEnv() Level {
	if v := os.Getenv("OTA_LOG_LEVEL"); v != "" {
		if l, err := ParseLevel(v); err == nil {
			return l
		}
	}
	if os.Getenv("DEBUG") == "true" {
		return LevelDebug
	}
	return LevelInfo
}

// SetLevel changes the minimum level written.
func SetLevel(l Level) {
	minimum.Store(int32(l))
}

// Enabled reports whether messages at l are written.
func Enabled(l Level) bool {
	return int32(l) >= minimum.Load()
}

// SetOutput redirects log output, mostly for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	logger.SetOutput(w)
}

// Initialize adds a log file in logDir next to stdout. Later calls after a
// successful one are no-ops.
func Initialize(logDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		return nil
	}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	logPath := filepath.Join(logDir, logFileName)
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	logFile = file

	w := io.MultiWriter(os.Stdout, file)
	logger.SetOutput(w)
	// Third-party packages that log through the standard logger end up in
	// the same file.
	log.SetOutput(w)
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	_ = logger.Output(1, "[INFO] Logging initialized: "+logPath)
	return nil
}

// Close closes the log file and goes back to stdout only.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if logFile == nil {
		return nil
	}
	logger.SetOutput(os.Stdout)
	log.SetOutput(os.Stderr)
	err := logFile.Close()
	logFile = nil
	return err
}

func output(l Level, msg string) {
	if !Enabled(l) {
		return
	}
	// calldepth 3 reports the caller of Info/Warning/Error, not this helper.
	_ = logger.Output(3, levelPrefixes[l]+msg)
}

// Printf logs a formatted message at info level without a prefix.
func Printf(format string, v ...interface{}) {
	if Enabled(LevelInfo) {
		_ = logger.Output(2, fmt.Sprintf(format, v...))
	}
}

// Error logs an error message
func Error(format string, v ...interface{}) {
	output(LevelError, fmt.Sprintf(format, v...))
}

// Warning logs a warning message
func Warning(format string, v ...interface{}) {
	output(LevelWarning, fmt.Sprintf(format, v...))
}

// Info logs an info message
func Info(format string, v ...interface{}) {
	output(LevelInfo, fmt.Sprintf(format, v...))
}

// Debug logs a debug message
func Debug(format string, v ...interface{}) {
	if Enabled(LevelDebug) {
		output(LevelDebug, fmt.Sprintf(format, v...))
	}
}
